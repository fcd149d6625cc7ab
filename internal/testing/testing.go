// package testing contains shared testing utilities
package testing

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"sync"
	"testing"

	"github.com/desertthunder/waveline/internal/models"
)

// MockSource is a test double for services.Source. Results are looked up by identifier or query.
type MockSource struct {
	SourceName string
	Prefixes   []string
	Results    map[string]*models.LoadResult
	Err        error

	mu    sync.Mutex
	Calls []string
}

func (m *MockSource) Name() string { return m.SourceName }

func (m *MockSource) SearchPrefixes() []string { return m.Prefixes }

func (m *MockSource) CanLoad(identifier string) bool {
	_, ok := m.Results[identifier]
	return ok
}

func (m *MockSource) Load(ctx context.Context, identifier string) (*models.LoadResult, error) {
	return m.lookup(identifier)
}

func (m *MockSource) Search(ctx context.Context, query string) (*models.LoadResult, error) {
	return m.lookup(query)
}

func (m *MockSource) StreamURL(ctx context.Context, info models.TrackInfo) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	return "mock://" + info.Identifier, nil
}

func (m *MockSource) lookup(key string) (*models.LoadResult, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, key)
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	if res, ok := m.Results[key]; ok {
		return res, nil
	}
	return models.EmptyResult(), nil
}

// CallCount returns the number of Load and Search calls.
func (m *MockSource) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// MockTrack returns a track with only the fields tests usually compare.
func MockTrack(source, identifier, title, author string) models.Track {
	return models.Track{
		Encoded: source + ":" + identifier,
		Info: models.TrackInfo{
			Identifier: identifier,
			Title:      title,
			Author:     author,
			Length:     180000,
			IsSeekable: true,
			SourceName: source,
		},
		PluginInfo: map[string]any{},
		UserData:   map[string]any{},
	}
}

// RoundTripFunc adapts a function to http.RoundTripper
type RoundTripFunc func(*http.Request) (*http.Response, error)

func (f RoundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// FWriter always returns an error on Write
type FWriter struct{}

func (f *FWriter) Write(p []byte) (n int, err error) {
	return 0, errors.New("write failed")
}

// LimitedWriter fails after a certain number of writes
type LimitedWriter struct {
	maxWrites int
	written   int
	target    io.Writer
}

func (l *LimitedWriter) Write(p []byte) (n int, err error) {
	if l.written >= l.maxWrites {
		return 0, errors.New("write limit exceeded")
	}
	l.written++
	return l.target.Write(p)
}

func NewLimitedWriter(maxWrites, written int, target io.Writer) LimitedWriter {
	return LimitedWriter{maxWrites: maxWrites, written: written, target: target}
}

// MockRoundTripper allows custom HTTP responses for testing
type MockRoundTripper struct {
	response *http.Response
	err      error
}

func NewMockRoundTripper(r *http.Response, e error) *MockRoundTripper {
	return &MockRoundTripper{response: r, err: e}
}

func (m *MockRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	return m.response, m.err
}

// FCloser simulates a failure when reading response body
type FCloser struct{}

func (f *FCloser) Read(p []byte) (n int, err error) {
	return 0, errors.New("read failed")
}

func (f *FCloser) Close() error {
	return nil
}

func MustGetwd(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get working directory: %v", err)
	}
	return wd
}

func MustChdir(t *testing.T, dir string) {
	t.Helper()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Failed to change directory to %s: %v", dir, err)
	}
}

func AssertFileExists(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("File does not exist: %s", path)
	}
}

func AssertDirExists(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		t.Errorf("Directory does not exist: %s", path)
		return
	}
	if !info.IsDir() {
		t.Errorf("Path is not a directory: %s", path)
	}
}

func MustReadFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file %s: %v", path, err)
	}
	return string(content)
}
