// Source registry
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/shared"
)

// Source resolves identifiers and search queries into tracks.
type Source interface {
	// Name is the source name stored in [models.TrackInfo.SourceName].
	Name() string

	// SearchPrefixes lists the `prefix:` forms routed to Search.
	SearchPrefixes() []string

	// CanLoad reports whether identifier (usually a URL) belongs to this source.
	CanLoad(identifier string) bool

	// Load resolves an identifier accepted by CanLoad.
	Load(ctx context.Context, identifier string) (*models.LoadResult, error)

	// Search runs a free text query.
	Search(ctx context.Context, query string) (*models.LoadResult, error)
}

// PrefixSearcher is implemented by sources whose prefixes select different searches.
type PrefixSearcher interface {
	SearchPrefix(ctx context.Context, prefix, query string) (*models.LoadResult, error)
}

// Streamer is implemented by sources that can play their own tracks.
type Streamer interface {
	// StreamURL returns a URL or local path the audio decoder can open.
	StreamURL(ctx context.Context, info models.TrackInfo) (string, error)
}

// Refresher is implemented by sources holding credentials that expire.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// LoadObserver is notified of every completed load.
type LoadObserver func(source string, loadType models.LoadType)

// Registry holds sources in registration order.
type Registry struct {
	mu             sync.RWMutex
	sources        []Source
	byName         map[string]Source
	byPrefix       map[string]Source
	disabledSearch map[string]bool
	disabled       []string
	observer       LoadObserver
	logger         *log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Registry{
		byName:         make(map[string]Source),
		byPrefix:       make(map[string]Source),
		disabledSearch: make(map[string]bool),
		logger:         shared.WithLogger(logger, "component", "registry"),
	}
}

// Register adds src. Later sources never shadow the prefixes of earlier ones.
func (r *Registry) Register(src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sources = append(r.sources, src)
	r.byName[src.Name()] = src
	for _, prefix := range src.SearchPrefixes() {
		if _, taken := r.byPrefix[prefix]; !taken {
			r.byPrefix[prefix] = src
		}
	}
}

// DisableSearch turns the given prefixes into empty results.
func (r *Registry) DisableSearch(prefixes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range prefixes {
		r.disabledSearch[p] = true
	}
}

// MarkDisabled records source names that are configured but have no implementation.
func (r *Registry) MarkDisabled(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled = append(r.disabled, names...)
}

// Disabled returns the names passed to MarkDisabled.
func (r *Registry) Disabled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.disabled...)
}

// Observe sets the load observer.
func (r *Registry) Observe(fn LoadObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = fn
}

// Sources returns the registered sources.
func (r *Registry) Sources() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Source(nil), r.sources...)
}

// Names returns the registered source names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.sources))
	for i, src := range r.sources {
		names[i] = src.Name()
	}
	return names
}

// Get returns the source called name.
func (r *Registry) Get(name string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.byName[name]
	return src, ok
}

// LoadItem resolves an identifier. Failures are reported inside the result, never as an error.
func (r *Registry) LoadItem(ctx context.Context, identifier string) *models.LoadResult {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return models.ErrorResult("No identifier provided.", models.SeverityCommon, shared.ErrMissingArgument)
	}

	src, result, err := r.route(ctx, identifier)
	if src == nil {
		return result
	}

	if err != nil {
		result = r.errorResult(src.Name(), identifier, err)
	} else if result == nil {
		result = models.EmptyResult()
	}

	r.mu.RLock()
	observer := r.observer
	r.mu.RUnlock()
	if observer != nil {
		observer(src.Name(), result.LoadType)
	}

	return result
}

func (r *Registry) route(ctx context.Context, identifier string) (Source, *models.LoadResult, error) {
	r.mu.RLock()
	if prefix, query, ok := strings.Cut(identifier, ":"); ok {
		if src, found := r.byPrefix[prefix]; found {
			disabled := r.disabledSearch[prefix]
			r.mu.RUnlock()

			if disabled || strings.TrimSpace(query) == "" {
				return src, models.EmptyResult(), nil
			}

			ctx = WithSearch(ctx)
			if ps, ok := src.(PrefixSearcher); ok {
				res, err := ps.SearchPrefix(ctx, prefix, strings.TrimSpace(query))
				return src, res, err
			}
			res, err := src.Search(ctx, strings.TrimSpace(query))
			return src, res, err
		}
	}

	var match Source
	for _, src := range r.sources {
		if src.CanLoad(identifier) {
			match = src
			break
		}
	}
	r.mu.RUnlock()

	if match == nil {
		return nil, models.EmptyResult(), nil
	}

	res, err := match.Load(ctx, identifier)
	return match, res, err
}

func (r *Registry) errorResult(source, identifier string, err error) *models.LoadResult {
	var friendly *shared.FriendlyError
	if errors.As(err, &friendly) {
		r.logger.Warn("load failed", "source", source, "identifier", identifier, "error", err)
		return models.ErrorResult(friendly.Message, models.SeverityCommon, err)
	}

	if errors.Is(err, shared.ErrSourceDisabled) || errors.Is(err, shared.ErrAPIRequest) {
		r.logger.Warn("load failed", "source", source, "identifier", identifier, "error", err)
		return models.ErrorResult(fmt.Sprintf("Something went wrong while loading from %s.", source), models.SeveritySuspicious, err)
	}

	r.logger.Error("load failed", "source", source, "identifier", identifier, "error", err)
	shared.CaptureError(err, map[string]string{"source": source})
	return models.ErrorResult("Something broke when playing the track.", models.SeverityFault, err)
}

// StreamURL finds the source of info and asks it for a playable URL.
func (r *Registry) StreamURL(ctx context.Context, info models.TrackInfo) (string, error) {
	src, ok := r.Get(info.SourceName)
	if !ok {
		return "", fmt.Errorf("%w: unknown source %q", shared.ErrSourceDisabled, info.SourceName)
	}
	streamer, ok := src.(Streamer)
	if !ok {
		return "", fmt.Errorf("%w: %s tracks are not directly playable", shared.ErrNotImplemented, info.SourceName)
	}
	return streamer.StreamURL(ctx, info)
}

// Refresh calls Refresh on every source implementing [Refresher] and joins the errors.
func (r *Registry) Refresh(ctx context.Context) error {
	var errs []error
	for _, src := range r.Sources() {
		if rf, ok := src.(Refresher); ok {
			if err := rf.Refresh(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

func sourceLogger(logger *log.Logger, name string) *log.Logger {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return shared.WithLogger(logger, "source", name)
}
