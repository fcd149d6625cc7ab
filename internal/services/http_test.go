package services

import (
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/waveline/internal/routeplanner"
	"github.com/desertthunder/waveline/internal/shared"
)

func TestNewHTTPClient(t *testing.T) {
	t.Run("Proxy with credentials", func(t *testing.T) {
		proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "upstream.test", r.URL.Host)
			want := "Basic " + base64.StdEncoding.EncodeToString([]byte("user:pass"))
			assert.Equal(t, want, r.Header.Get("Proxy-Authorization"))
			w.WriteHeader(http.StatusNoContent)
		}))
		defer proxy.Close()

		u, _ := url.Parse(proxy.URL)
		port, _ := strconv.Atoi(u.Port())
		client := NewHTTPClient(HTTPOptions{Proxy: shared.HTTPConfig{
			ProxyHost:     u.Hostname(),
			ProxyPort:     port,
			ProxyUser:     "user",
			ProxyPassword: "pass",
		}})

		resp, err := client.Get("http://upstream.test/path")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})

	t.Run("Rate limited requests rotate address", func(t *testing.T) {
		var mu sync.Mutex
		var remotes []string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, _ := net.SplitHostPort(r.RemoteAddr)
			mu.Lock()
			remotes = append(remotes, host)
			first := len(remotes) == 1
			mu.Unlock()
			if first {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		planner, err := routeplanner.New(shared.RateLimitConfig{
			IPBlocks:   []string{"127.0.0.1/32", "127.0.0.2/32"},
			Strategy:   string(routeplanner.RotateOnBan),
			RetryLimit: -1,
		})
		require.NoError(t, err)

		client := NewHTTPClient(HTTPOptions{Planner: planner, RequestsPerSecond: 1000})
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, []string{"127.0.0.1", "127.0.0.2"}, remotes)
		assert.Len(t, planner.Status().Details.FailingAddresses, 1)
	})

	t.Run("Search 429 does not fail the address by default", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		planner, err := routeplanner.New(shared.RateLimitConfig{
			IPBlocks: []string{"127.0.0.1/32"},
			Strategy: string(routeplanner.RotateOnBan),
		})
		require.NoError(t, err)

		client := NewHTTPClient(HTTPOptions{Planner: planner})
		req, _ := http.NewRequestWithContext(WithSearch(context.Background()), http.MethodGet, srv.URL, nil)
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		assert.Empty(t, planner.Status().Details.FailingAddresses)
	})
}
