package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	neturl "net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/desertthunder/waveline/internal/codec"
	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/player"
	"github.com/desertthunder/waveline/internal/routeplanner"
	"github.com/desertthunder/waveline/internal/services"
	"github.com/desertthunder/waveline/internal/shared"
)

const password = "youshallnotpass"

type fakeLoader struct{}

func (fakeLoader) LoadItem(_ context.Context, identifier string) *models.LoadResult {
	if identifier == "nothing" {
		return models.EmptyResult()
	}
	track, err := codec.NewTrack(models.TrackInfo{Identifier: identifier, Title: "Song", Author: "Artist", SourceName: "http"})
	if err != nil {
		return models.ErrorResult(err.Error(), models.SeverityFault, err)
	}
	return models.TrackResult(track)
}

type fakeStats struct{}

func (fakeStats) Snapshot(context.Context) models.Stats {
	return models.Stats{Players: 2, PlayingPlayers: 1, FrameStats: &models.FrameStats{Sent: 3000}}
}

type fakePlanner struct {
	mu    sync.Mutex
	freed []string
	all   bool
}

func (p *fakePlanner) Status() routeplanner.Status {
	return routeplanner.Status{Class: "RotatingIpRoutePlanner"}
}

func (p *fakePlanner) FreeAddress(ip net.IP) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freed = append(p.freed, ip.String())
}

func (p *fakePlanner) FreeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.all = true
}

type fakeObserver struct {
	mu     sync.Mutex
	routes []string
}

func (o *fakeObserver) ObserveRequest(route string, status int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routes = append(o.routes, fmt.Sprintf("%s %d", route, status))
}

func (o *fakeObserver) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "# metrics\n")
	})
}

type harness struct {
	server   *Server
	sessions *player.SessionManager
	planner  *fakePlanner
	metrics  *fakeObserver
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	cfg := shared.DefaultConfig()
	cfg.Node.Password = password
	cfg.Metrics.Prometheus.Enabled = true
	cfg.Metrics.Prometheus.Endpoint = "/metrics"
	cfg.Logging.Request.Enabled = false

	h := &harness{
		sessions: player.NewSessionManager(player.Deps{
			Filters: shared.FiltersConfig{Volume: true},
			Logger:  shared.NewLogger(io.Discard),
		}),
		planner: &fakePlanner{},
		metrics: &fakeObserver{},
	}
	t.Cleanup(h.sessions.Close)

	opts := Options{
		Config:   cfg,
		Version:  "4.0.0-test",
		Info:     func() models.NodeInfo { return models.NodeInfo{SourceManagers: []string{"http"}} },
		Stats:    fakeStats{},
		Loader:   fakeLoader{},
		Sessions: h.sessions,
		Planner:  h.planner,
		Metrics:  h.metrics,
		Logger:   shared.NewLogger(io.Discard),
	}
	if mutate != nil {
		mutate(&opts)
	}
	var err error
	h.server, err = New(opts)
	require.NoError(t, err)
	return h
}

func (h *harness) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Authorization", password)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type nopConn struct{}

func (nopConn) Write(context.Context, any) error { return nil }

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, shared.ErrMissingConfig)

	_, err = New(Options{Config: &shared.Config{}})
	assert.ErrorIs(t, err, shared.ErrMissingArgument)
}

func TestAuthorization(t *testing.T) {
	h := newHarness(t, nil)

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v4/info", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		body := decodeBody[services.ErrorBody](t, rec)
		assert.Equal(t, http.StatusUnauthorized, body.Status)
		assert.Equal(t, "Unauthorized", body.Error)
		assert.Equal(t, "/v4/info", body.Path)
		assert.Empty(t, body.Trace)
	})

	t.Run("metrics endpoint is open", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "# metrics")
	})

	t.Run("empty password disables auth", func(t *testing.T) {
		open := newHarness(t, func(o *Options) { o.Config.Node.Password = "" })
		rec := httptest.NewRecorder()
		open.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestNodeRoutes(t *testing.T) {
	h := newHarness(t, nil)

	t.Run("version", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/version", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "4.0.0-test", rec.Body.String())
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	})

	t.Run("info", func(t *testing.T) {
		info := decodeBody[models.NodeInfo](t, h.do(t, http.MethodGet, "/v4/info", ""))
		assert.Equal(t, []string{"http"}, info.SourceManagers)
	})

	t.Run("stats omit frame stats", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/v4/stats", "")
		stats := decodeBody[models.Stats](t, rec)
		assert.Equal(t, 2, stats.Players)
		assert.Nil(t, stats.FrameStats)
	})

	t.Run("loadtracks", func(t *testing.T) {
		result := decodeBody[models.LoadResult](t, h.do(t, http.MethodGet, "/v4/loadtracks?identifier=abc", ""))
		assert.Equal(t, models.LoadTypeTrack, result.LoadType)
		track, ok := result.First()
		require.True(t, ok)
		assert.Equal(t, "abc", track.Info.Identifier)

		result = decodeBody[models.LoadResult](t, h.do(t, http.MethodGet, "/v4/loadtracks?identifier=nothing", ""))
		assert.Equal(t, models.LoadTypeEmpty, result.LoadType)
	})

	t.Run("loadtracks without identifier", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/v4/loadtracks?trace=true", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		body := decodeBody[services.ErrorBody](t, rec)
		assert.Contains(t, body.Trace, "identifier")
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/v4/info", "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestDecodeTracks(t *testing.T) {
	h := newHarness(t, nil)
	track, err := codec.NewTrack(models.TrackInfo{Identifier: "id-1", Title: "Title", Author: "Author", SourceName: "http", Length: 1000})
	require.NoError(t, err)

	t.Run("single", func(t *testing.T) {
		got := decodeBody[models.Track](t, h.do(t, http.MethodGet, "/v4/decodetrack?encodedTrack="+neturl.QueryEscape(track.Encoded), ""))
		assert.Equal(t, track.Info.Title, got.Info.Title)
		assert.Equal(t, track.Info.Length, got.Info.Length)
	})

	t.Run("many", func(t *testing.T) {
		body, _ := json.Marshal([]string{track.Encoded, track.Encoded})
		got := decodeBody[[]models.Track](t, h.do(t, http.MethodPost, "/v4/decodetracks", string(body)))
		assert.Len(t, got, 2)
	})

	t.Run("invalid", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/v4/decodetrack?encodedTrack=bm9wZQ", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/v4/decodetrack", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad body", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/v4/decodetracks", "{")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestPlayerRoutes(t *testing.T) {
	h := newHarness(t, nil)
	session := h.sessions.Create("1234", "test", nopConn{})
	base := "/v4/sessions/" + session.ID() + "/players"

	t.Run("unknown session", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/v4/sessions/nope/players", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unknown player", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, base+"/42", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("update creates player", func(t *testing.T) {
		rec := h.do(t, http.MethodPatch, base+"/42", `{"volume": 50, "paused": true}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		info := decodeBody[player.Info](t, rec)
		assert.Equal(t, "42", info.GuildID)
		assert.Equal(t, 50, info.Volume)
		assert.True(t, info.Paused)

		players := decodeBody[[]player.Info](t, h.do(t, http.MethodGet, base, ""))
		assert.Len(t, players, 1)
	})

	t.Run("invalid volume", func(t *testing.T) {
		rec := h.do(t, http.MethodPatch, base+"/42", `{"volume": 5000}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid noReplace", func(t *testing.T) {
		rec := h.do(t, http.MethodPatch, base+"/42?noReplace=maybe", `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("destroy", func(t *testing.T) {
		rec := h.do(t, http.MethodDelete, base+"/42", "")
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec = h.do(t, http.MethodGet, base+"/42", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("update session", func(t *testing.T) {
		rec := h.do(t, http.MethodPatch, "/v4/sessions/"+session.ID(), `{"resuming": true, "timeout": 120}`)
		require.Equal(t, http.StatusOK, rec.Code)
		info := decodeBody[player.SessionInfo](t, rec)
		assert.True(t, info.Resuming)
		assert.Equal(t, int64(120), info.Timeout)

		rec = h.do(t, http.MethodPatch, "/v4/sessions/"+session.ID(), `{"timeout": -1}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRoutePlannerRoutes(t *testing.T) {
	h := newHarness(t, nil)

	status := decodeBody[routeplanner.Status](t, h.do(t, http.MethodGet, "/v4/routeplanner/status", ""))
	assert.Equal(t, "RotatingIpRoutePlanner", status.Class)

	rec := h.do(t, http.MethodPost, "/v4/routeplanner/free/address", `{"address": "10.0.0.1"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"10.0.0.1"}, h.planner.freed)

	rec = h.do(t, http.MethodPost, "/v4/routeplanner/free/address", `{"address": "not an ip"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/v4/routeplanner/free/all", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, h.planner.all)

	t.Run("disabled", func(t *testing.T) {
		off := newHarness(t, func(o *Options) { o.Planner = nil })
		rec := off.do(t, http.MethodGet, "/v4/routeplanner/status", "")
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec = off.do(t, http.MethodPost, "/v4/routeplanner/free/all", "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestMetricsMiddleware(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, http.MethodGet, "/v4/info", "")
	h.do(t, http.MethodGet, "/v4/sessions/abc/players", "")

	assert.Contains(t, h.metrics.routes, "GET /v4/info 200")
	assert.Contains(t, h.metrics.routes, "GET /v4/sessions/{sessionId}/players 404")
}

func TestRecovery(t *testing.T) {
	r := NewBasicRouter()
	r.Use(Recovery(shared.NewLogger(io.Discard)))
	r.HandleFunc(http.MethodGet, "/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "panic: boom")
}

func TestRequestLoggerRestoresBody(t *testing.T) {
	var logged strings.Builder
	cfg := shared.RequestLogConfig{Enabled: true, IncludePayload: true, IncludeHeaders: true, MaxPayloadLength: 4}

	r := NewBasicRouter()
	r.Use(RequestLogger(cfg, shared.NewLogger(&logged)))
	r.HandleFunc(http.MethodPost, "/echo", func(w http.ResponseWriter, r *http.Request) {
		io.Copy(w, r.Body)
	})

	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("payload"))
	req.Header.Set("Authorization", "secret")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, "payload", rec.Body.String())
	assert.Contains(t, logged.String(), "payload=payl")
	assert.NotContains(t, logged.String(), "payload=payload")
	assert.NotContains(t, logged.String(), "secret")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{shared.ErrSessionNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", shared.ErrUserNotFound), http.StatusNotFound},
		{shared.ErrInvalidTrack, http.StatusBadRequest},
		{shared.ErrFilterDisabled, http.StatusBadRequest},
		{shared.ErrNotAuthenticated, http.StatusUnauthorized},
		{shared.ErrServiceUnavailable, http.StatusServiceUnavailable},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}

	assert.Equal(t, "friendly", messageFor(shared.Friendly("friendly", errors.New("raw"))))
}

func TestWebSocket(t *testing.T) {
	h := newHarness(t, nil)
	srv := httptest.NewServer(h.server.Handler())
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v4/websocket"

	dial := func(t *testing.T, header http.Header) (*websocket.Conn, *http.Response, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		t.Cleanup(cancel)
		return websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	}
	headers := func() http.Header {
		return http.Header{"Authorization": {password}, "User-Id": {"1234"}, "Client-Name": {"test/1.0"}}
	}

	t.Run("ready and resume", func(t *testing.T) {
		conn, _, err := dial(t, headers())
		require.NoError(t, err)

		var ready player.ReadyMessage
		require.NoError(t, wsjson.Read(context.Background(), conn, &ready))
		assert.Equal(t, player.OpReady, ready.Op)
		assert.False(t, ready.Resumed)
		require.Len(t, ready.SessionID, 16)

		s, err := h.sessions.Get(ready.SessionID)
		require.NoError(t, err)
		s.Update(ptr(true), nil)

		conn.Close(websocket.StatusNormalClosure, "")
		require.Eventually(t, func() bool {
			s, err := h.sessions.Get(ready.SessionID)
			return err == nil && !s.Connected()
		}, 2*time.Second, 10*time.Millisecond)

		header := headers()
		header.Set("Session-Id", ready.SessionID)
		conn, _, err = dial(t, header)
		require.NoError(t, err)
		defer conn.Close(websocket.StatusNormalClosure, "")

		var resumed player.ReadyMessage
		require.NoError(t, wsjson.Read(context.Background(), conn, &resumed))
		assert.True(t, resumed.Resumed)
		assert.Equal(t, ready.SessionID, resumed.SessionID)
	})

	t.Run("missing headers", func(t *testing.T) {
		header := headers()
		header.Del("Client-Name")
		_, resp, err := dial(t, header)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unauthorized", func(t *testing.T) {
		header := headers()
		header.Set("Authorization", "wrong")
		_, resp, err := dial(t, header)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func ptr[T any](v T) *T { return &v }
