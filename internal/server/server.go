package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/player"
	"github.com/desertthunder/waveline/internal/shared"
)

const readHeaderTimeout = 10 * time.Second

// Middleware wraps an http.Handler and returns a new http.Handler with additional behavior.
// Common middleware includes logging, authentication, metrics, panic recovery, etc.
type Middleware func(http.Handler) http.Handler

// Handler defines the interface for HTTP request handlers of the node.
// Implementations handle a group of endpoints (websocket, last.fm accounts).
type Handler interface {
	http.Handler      // ServeHTTP handles the HTTP request and writes the response
	Routes() []string // Routes returns the "METHOD path" patterns this handler serves
}

// Router defines the interface for HTTP routing and middleware management.
// Implementations register handlers, apply middleware, and configure the HTTP server.
type Router interface {
	Use(middleware ...Middleware)                     // Use adds middleware to the router's middleware stack
	Handle(method, path string, handler http.Handler) // Handle registers a handler for the specified method and path
	Handler(handler Handler)                          // Handler registers a custom Handler implementation
	ServeHTTP(w http.ResponseWriter, r *http.Request) // ServeHTTP implements http.Handler for the entire router
}

// MetricsExporter observes requests and serves the Prometheus endpoint; stats.Metrics implements it.
type MetricsExporter interface {
	RequestObserver
	Handler() http.Handler
}

// Options wires the collaborators of a [Server]. Sessions, Loader, Stats and Info are required;
// a nil Planner disables the route planner routes, nil LastFM or LastFMUsers drops the last.fm
// routes, and a nil Metrics drops the metrics endpoint.
type Options struct {
	Config      *shared.Config
	Version     string
	Info        func() models.NodeInfo
	Stats       StatsSource
	Loader      Loader
	Sessions    *player.SessionManager
	Planner     RoutePlanner
	LastFM      LastFM
	LastFMUsers LastFMUsers
	Metrics     MetricsExporter
	Logger      *log.Logger
}

// Server is the HTTP ingress of the node.
type Server struct {
	cfg     *shared.Config
	router  *BasicRouter
	handler http.Handler
	http    *http.Server
	logger  *log.Logger
	cancel  context.CancelFunc
}

// New builds the router of a node.
//
// Middleware order, outermost first: recovery, request logging, metrics, authorization. The metrics
// endpoint is registered before authorization so scrapers need no password.
func New(opts Options) (*Server, error) {
	switch {
	case opts.Config == nil:
		return nil, shared.ErrMissingConfig
	case opts.Sessions == nil, opts.Loader == nil, opts.Stats == nil, opts.Info == nil:
		return nil, shared.ErrMissingArgument
	}

	logger := opts.Logger
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	logger = shared.WithLogger(logger, "component", "server")

	base, cancel := context.WithCancel(context.Background())
	s := &Server{cfg: opts.Config, router: NewBasicRouter(), logger: logger, cancel: cancel}

	r := s.router
	r.Use(Recovery(logger), RequestLogger(opts.Config.Logging.Request, logger))
	if opts.Metrics != nil {
		r.Use(Metrics(opts.Metrics))
		if prom := opts.Config.Metrics.Prometheus; prom.Enabled {
			r.Handle(http.MethodGet, prom.Endpoint, opts.Metrics.Handler())
		}
	}
	r.Use(Authorization(opts.Config.Node.Password))

	node := &NodeHandler{
		version:  opts.Version,
		info:     opts.Info,
		stats:    opts.Stats,
		loader:   opts.Loader,
		sessions: opts.Sessions,
		planner:  opts.Planner,
	}
	node.register(r)

	r.Handler(&WebSocketHandler{
		sessions: opts.Sessions,
		base:     base,
		logger:   shared.WithLogger(logger, "component", "websocket"),
	})
	if opts.LastFM != nil && opts.LastFMUsers != nil {
		r.Handler(NewLastFMHandler(opts.LastFM, opts.LastFMUsers))
	}

	s.handler = r
	if opts.Config.Server.HTTP2.Enabled {
		s.handler = h2c.NewHandler(r, &http2.Server{})
	}

	s.http = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	return s, nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Server.Address, strconv.Itoa(s.cfg.Server.Port))
}

// Handler returns the root handler, including h2c when enabled.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Routes lists every registered route pattern.
func (s *Server) Routes() []string {
	return s.router.Routes()
}

// ListenAndServe serves until [Server.Shutdown] is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "addr", s.http.Addr, "http2", s.cfg.Server.HTTP2.Enabled)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve serves on l until [Server.Shutdown] is called.
func (s *Server) Serve(l net.Listener) error {
	if err := s.http.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes open websockets with "going away" and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.http.Shutdown(ctx)
}
