// Client for a running node's REST API, used by the CLI and the dashboard
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/shared"
)

// APIService makes authenticated requests to a node.
type APIService struct {
	baseURL    string
	password   string
	httpClient *http.Client
}

// NewAPIService creates a client for the node at baseURL.
func NewAPIService(baseURL, password string, client *http.Client) *APIService {
	if baseURL == "" {
		baseURL = "http://localhost:2333"
	}
	if client == nil {
		client = http.DefaultClient
	}

	return &APIService{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		password:   password,
		httpClient: client,
	}
}

// APIResponse represents a raw API response with status and body.
type APIResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	IsJSON     bool
	JSONData   any
}

// ErrorBody is the JSON error body returned by the node.
type ErrorBody struct {
	Timestamp int64  `json:"timestamp"`
	Status    int    `json:"status"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	Path      string `json:"path"`
	Trace     string `json:"trace,omitempty"`
}

func (a *APIService) do(ctx context.Context, method, path string, data []byte) (*APIResponse, error) {
	var body io.Reader
	if data != nil {
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.password != "" {
		req.Header.Set("Authorization", a.password)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	apiResp := &APIResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       raw,
	}

	var jsonData any
	if err := json.Unmarshal(raw, &jsonData); err == nil {
		apiResp.IsJSON = true
		apiResp.JSONData = jsonData
	}

	return apiResp, nil
}

// Get performs a GET request to the specified path and returns the raw response.
func (a *APIService) Get(ctx context.Context, path string) (*APIResponse, error) {
	return a.do(ctx, http.MethodGet, path, nil)
}

// Post performs a POST request with the given JSON data and returns the raw response.
func (a *APIService) Post(ctx context.Context, path string, data []byte) (*APIResponse, error) {
	return a.do(ctx, http.MethodPost, path, data)
}

// getJSON decodes a successful response into result. Error responses become a [*StatusError]
// carrying the node's error message.
func (a *APIService) getJSON(ctx context.Context, method, path string, data []byte, result any) error {
	resp, err := a.do(ctx, method, path, data)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: node rejected the password", shared.ErrInvalidCredentials)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{Service: "node", StatusCode: resp.StatusCode}
		var body ErrorBody
		if json.Unmarshal(resp.Body, &body) == nil {
			statusErr.Detail = body.Message
		}
		return statusErr
	}

	if err := json.Unmarshal(resp.Body, result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Version returns the plain text node version.
func (a *APIService) Version(ctx context.Context) (string, error) {
	resp, err := a.Get(ctx, "/version")
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Service: "node", StatusCode: resp.StatusCode}
	}
	return strings.TrimSpace(string(resp.Body)), nil
}

// Info returns GET /v4/info.
func (a *APIService) Info(ctx context.Context) (*models.NodeInfo, error) {
	var info models.NodeInfo
	if err := a.getJSON(ctx, http.MethodGet, "/v4/info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Stats returns GET /v4/stats.
func (a *APIService) Stats(ctx context.Context) (*models.Stats, error) {
	var stats models.Stats
	if err := a.getJSON(ctx, http.MethodGet, "/v4/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// LoadTracks resolves identifier on the node.
func (a *APIService) LoadTracks(ctx context.Context, identifier string) (*models.LoadResult, error) {
	var result models.LoadResult
	path := "/v4/loadtracks?identifier=" + url.QueryEscape(identifier)
	if err := a.getJSON(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DecodeTrack decodes an encoded track on the node.
func (a *APIService) DecodeTrack(ctx context.Context, encoded string) (*models.Track, error) {
	var track models.Track
	path := "/v4/decodetrack?encodedTrack=" + url.QueryEscape(encoded)
	if err := a.getJSON(ctx, http.MethodGet, path, nil, &track); err != nil {
		return nil, err
	}
	return &track, nil
}

// DecodeTracks decodes several encoded tracks in one request.
func (a *APIService) DecodeTracks(ctx context.Context, encoded []string) ([]models.Track, error) {
	data, err := json.Marshal(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var tracks []models.Track
	if err := a.getJSON(ctx, http.MethodPost, "/v4/decodetracks", data, &tracks); err != nil {
		return nil, err
	}
	return tracks, nil
}
