package tasks

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/desertthunder/waveline/internal/formatter"
	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/shared"
)

// Loader resolves an identifier; services.Registry satisfies it.
type Loader interface {
	LoadItem(ctx context.Context, identifier string) *models.LoadResult
}

// BulkLoadOpts contains configuration for bulk track loads.
type BulkLoadOpts struct {
	Format     formatter.Format // Export format: json, csv, markdown, txt
	OutputDir  string           // Base output directory (default: waveline_load_{epoch})
	NumWorkers int              // Concurrent workers (default: 5, max 10)
	RateLimit  float64          // Loads per second (default: 5)
	Client     *http.Client     // Client for artwork downloads
}

// LoadJobResult is the outcome of one identifier.
type LoadJobResult struct {
	Index      int
	Identifier string
	LoadType   models.LoadType
	Tracks     int
	Files      []string
	Success    bool
	Error      error
}

// BulkLoadResult summarises a bulk load.
type BulkLoadResult struct {
	Total           int
	Successful      int
	Failed          int
	OutputDirectory string
	ManifestPath    string
	Results         []LoadJobResult
}

type loadJob struct {
	index      int
	identifier string
	result     *models.LoadResult
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// BulkLoad loads identifiers concurrently with rate limiting, writes each result in the requested
// format and a manifest summarising every identifier.
//
// Loads are rate limited in the producer; workers only write files. Error and empty results count as
// failures and produce no files.
func BulkLoad(
	ctx context.Context,
	prog chan<- ProgressUpdate,
	loader Loader,
	identifiers []string,
	opts BulkLoadOpts,
) (*BulkLoadResult, error) {
	if loader == nil {
		return nil, fmt.Errorf("%w: loader not initialized", shared.ErrServiceUnavailable)
	}
	if len(identifiers) == 0 {
		return nil, fmt.Errorf("%w: no identifiers", shared.ErrMissingArgument)
	}

	if opts.Format == "" {
		opts.Format = formatter.FormatJSON
	}
	if opts.OutputDir == "" {
		opts.OutputDir = fmt.Sprintf("waveline_load_%d", time.Now().Unix())
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 5
	}
	if opts.NumWorkers > 10 {
		opts.NumWorkers = 10
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 5.0
	}

	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	total := len(identifiers)
	result := &BulkLoadResult{
		Total:           total,
		OutputDirectory: opts.OutputDir,
		Results:         make([]LoadJobResult, 0, total),
	}

	limiter := rate.NewLimiter(rate.Limit(opts.RateLimit), 1)

	jobs := make(chan loadJob, total)
	results := make(chan LoadJobResult, total)

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go writeWorker(ctx, &wg, jobs, results, opts)
	}

	go func() {
		defer close(jobs)
		for i, identifier := range identifiers {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			sendProgress(prog, loadingUpdate(i+1, total, identifier))
			jobs <- loadJob{index: i, identifier: identifier, result: loader.LoadItem(ctx, identifier)}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	completed := 0
	for res := range results {
		completed++
		result.Results = append(result.Results, res)
		if res.Success {
			result.Successful++
			sendProgress(prog, loadCompletedUpdate(completed, total, res))
		} else {
			result.Failed++
			sendProgress(prog, loadFailedUpdate(completed, total, res.Identifier, res.Error))
		}
	}
	sort.Slice(result.Results, func(i, j int) bool { return result.Results[i].Index < result.Results[j].Index })

	if err := ctx.Err(); err != nil {
		return result, err
	}

	manifestPath := filepath.Join(opts.OutputDir, "load_manifest.json")
	if err := formatter.WriteManifest(manifestOf(result, opts.Format), manifestPath); err != nil {
		return result, fmt.Errorf("load completed but failed to write manifest: %w", err)
	}
	result.ManifestPath = manifestPath
	sendProgress(prog, manifestUpdate(manifestPath))
	return result, nil
}

// writeWorker writes the load results received on jobs.
func writeWorker(
	ctx context.Context,
	wg *sync.WaitGroup,
	jobs <-chan loadJob,
	results chan<- LoadJobResult,
	opts BulkLoadOpts,
) {
	defer wg.Done()

	for job := range jobs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		results <- writeSingleResult(ctx, job, opts)
	}
}

// writeSingleResult exports a single load result to the requested format.
func writeSingleResult(ctx context.Context, j loadJob, opts BulkLoadOpts) LoadJobResult {
	res := LoadJobResult{
		Index:      j.index,
		Identifier: j.identifier,
		LoadType:   j.result.LoadType,
		Tracks:     len(j.result.Tracks()),
		Files:      []string{},
	}

	switch j.result.LoadType {
	case models.LoadTypeError:
		exc, _ := j.result.Exception()
		res.Error = fmt.Errorf("%s (%s)", exc.Message, exc.Severity)
		return res
	case models.LoadTypeEmpty:
		res.Error = fmt.Errorf("no matches")
		return res
	}

	base := filepath.Join(opts.OutputDir, fmt.Sprintf("%03d_%s", j.index+1, fileName(j.identifier)))
	files, err := formatter.Write(ctx, opts.Client, j.result, opts.Format, base)
	if err != nil {
		res.Error = fmt.Errorf("%s export failed: %w", opts.Format, err)
		return res
	}
	res.Files = files
	res.Success = true
	return res
}

// fileName makes an identifier safe to use as a file name.
func fileName(identifier string) string {
	name := unsafeName.ReplaceAllString(identifier, "_")
	if len(name) > 64 {
		name = name[:64]
	}
	if name == "" {
		name = "result"
	}
	return name
}

func manifestOf(r *BulkLoadResult, format formatter.Format) formatter.Manifest {
	m := formatter.Manifest{
		Format:     format,
		Total:      r.Total,
		Successful: r.Successful,
		Failed:     r.Failed,
		Entries:    make([]formatter.ManifestEntry, 0, len(r.Results)),
	}
	for _, res := range r.Results {
		entry := formatter.ManifestEntry{
			Identifier: res.Identifier,
			LoadType:   res.LoadType,
			Tracks:     res.Tracks,
			Files:      res.Files,
			Status:     "success",
		}
		if !res.Success {
			entry.Status = "failed"
			if res.Error != nil {
				entry.Error = res.Error.Error()
			}
		}
		m.Entries = append(m.Entries, entry)
	}
	return m
}
