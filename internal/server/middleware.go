package server

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/waveline/internal/shared"
)

// statusRecorder captures the status code written by a handler.
//
// It forwards Hijack and Flush so websocket upgrades keep working behind middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Status() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("%T does not support hijacking", s.ResponseWriter)
	}
	if s.status == 0 {
		s.status = http.StatusSwitchingProtocols
	}
	return hj.Hijack()
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func recorderFor(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w}
}

// Recovery turns handler panics into a 500 error body.
func Recovery(logger *log.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					if v == http.ErrAbortHandler {
						panic(v)
					}
					err := fmt.Errorf("panic: %v", v)
					logger.Error("handler panicked", "method", r.Method, "path", r.URL.Path, "error", err)
					writeError(w, r, err)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs each request according to cfg. The Authorization header is never logged.
func RequestLogger(cfg shared.RequestLogConfig, logger *log.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			kv := []any{"method", r.Method, "path", r.URL.Path}

			if cfg.IncludeQueryString && r.URL.RawQuery != "" {
				kv = append(kv, "query", r.URL.RawQuery)
			}
			if cfg.IncludeClientInfo {
				kv = append(kv, "client", r.RemoteAddr, "userAgent", r.UserAgent())
			}
			if cfg.IncludeHeaders {
				kv = append(kv, "headers", redactedHeaders(r.Header))
			}
			if cfg.IncludePayload && r.Body != nil {
				payload, err := peekBody(r, cfg.MaxPayloadLength)
				if err == nil && payload != "" {
					kv = append(kv, "payload", payload)
				}
			}

			rec := recorderFor(w)
			next.ServeHTTP(rec, r)

			kv = append(kv, "status", rec.Status(), "took", time.Since(start))
			logger.Info("request", kv...)
		})
	}
}

func redactedHeaders(h http.Header) string {
	parts := make([]string, 0, len(h))
	for name, values := range h {
		if strings.EqualFold(name, "Authorization") {
			continue
		}
		parts = append(parts, name+"="+strings.Join(values, ","))
	}
	return strings.Join(parts, " ")
}

// peekBody reads the body up to max bytes and restores it for the handler.
func peekBody(r *http.Request, max int) (string, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return "", err
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(data))

	if max > 0 && len(data) > max {
		data = data[:max]
	}
	return string(data), nil
}

// Authorization rejects requests whose Authorization header differs from password.
// An empty password disables the check.
func Authorization(password string) Middleware {
	return func(next http.Handler) http.Handler {
		if password == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != password {
				writeError(w, r, fmt.Errorf("%w: missing or wrong Authorization header", shared.ErrNotAuthenticated))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestObserver counts handled requests; stats.Metrics implements it.
type RequestObserver interface {
	ObserveRequest(route string, status int)
}

// Metrics reports every request to obs, labelled with the matched route pattern.
func Metrics(obs RequestObserver) Middleware {
	return func(next http.Handler) http.Handler {
		if obs == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := recorderFor(w)
			next.ServeHTTP(rec, r)

			route := r.Pattern
			if route == "" {
				route = r.URL.Path
			}
			obs.ObserveRequest(route, rec.Status())
		})
	}
}
