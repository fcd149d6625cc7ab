// Package scrobble reports played tracks to last.fm for listeners who linked an account.
package scrobble

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/desertthunder/waveline/internal/shared"
)

const (
	defaultAPIURL  = "https://ws.audioscrobbler.com/2.0/"
	defaultAuthURL = "https://www.last.fm/api/auth/"
)

// ErrCodeInvalidSession is returned when a session key was revoked.
const ErrCodeInvalidSession = 9

// LastFMError is an error object returned by the last.fm API.
type LastFMError struct {
	Code    int    `json:"error"`
	Message string `json:"message"`
}

func (e *LastFMError) Error() string {
	return fmt.Sprintf("last.fm error %d: %s", e.Code, e.Message)
}

// InvalidSession reports whether the session key must be discarded.
func (e *LastFMError) InvalidSession() bool {
	return e.Code == ErrCodeInvalidSession
}

// Session is an authorized last.fm session.
type Session struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// UserInfo is the profile returned by user.getInfo.
type UserInfo struct {
	Name       string `json:"name"`
	RealName   string `json:"realname"`
	URL        string `json:"url"`
	Country    string `json:"country"`
	PlayCount  string `json:"playcount"`
	Registered struct {
		Unix string `json:"#text"`
	} `json:"registered"`
}

// TrackPlay is the metadata sent for now playing and scrobble calls.
type TrackPlay struct {
	Artist       string
	Track        string
	Album        string
	Duration     time.Duration
	Timestamp    time.Time
	ChosenByUser bool
}

func (t TrackPlay) params(scrobble bool) url.Values {
	v := url.Values{}
	v.Set("artist", t.Artist)
	v.Set("track", t.Track)
	if t.Album != "" {
		v.Set("album", t.Album)
	}
	if t.Duration > 0 {
		v.Set("duration", strconv.Itoa(int(t.Duration.Seconds())))
	}
	if scrobble {
		ts := t.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		v.Set("timestamp", strconv.FormatInt(ts.Unix(), 10))
		if !t.ChosenByUser {
			v.Set("chosenByUser", "0")
		}
	}
	return v
}

// Client calls the last.fm web service with signed requests.
type Client struct {
	apiKey     string
	apiSecret  string
	apiURL     string
	authURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *log.Logger
}

// NewClient creates a last.fm client. Both key and secret are required.
func NewClient(cfg shared.LastFMConfig, httpClient *http.Client, logger *log.Logger) (*Client, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("%w: last.fm api key and secret", shared.ErrMissingCredentials)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Client{
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		apiURL:     defaultAPIURL,
		authURL:    defaultAuthURL,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(5), 5),
		logger:     shared.WithLogger(logger, "component", "lastfm"),
	}, nil
}

// Sign returns the api_sig of params: md5 of the sorted key/value pairs followed by the secret.
//
// format and callback are not signed.
func (c *Client) Sign(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "format" || k == "callback" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params.Get(k))
	}
	b.WriteString(c.apiSecret)

	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// call performs a signed request. Write methods are sent as POST forms.
func (c *Client) call(ctx context.Context, method string, params url.Values, post bool, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	params.Set("method", method)
	params.Set("api_key", c.apiKey)
	params.Set("api_sig", c.Sign(params))
	params.Set("format", "json")

	var (
		req *http.Request
		err error
	)
	if post {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, strings.NewReader(params.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"?"+params.Encode(), nil)
	}
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var apiErr LastFMError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Code != 0 {
		return &apiErr
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: %s returned %d", shared.ErrAPIRequest, method, resp.StatusCode)
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return nil
}

// Token requests an unauthorized request token.
func (c *Client) Token(ctx context.Context) (string, error) {
	var res struct {
		Token string `json:"token"`
	}
	if err := c.call(ctx, "auth.getToken", url.Values{}, false, &res); err != nil {
		return "", err
	}
	return res.Token, nil
}

// AuthURL is the page where a user authorizes token.
func (c *Client) AuthURL(token string) string {
	return c.authURL + "?api_key=" + url.QueryEscape(c.apiKey) + "&token=" + url.QueryEscape(token)
}

// Session exchanges an authorized token for a session key.
func (c *Client) Session(ctx context.Context, token string) (Session, error) {
	var res struct {
		Session Session `json:"session"`
	}
	if err := c.call(ctx, "auth.getSession", url.Values{"token": {token}}, false, &res); err != nil {
		return Session{}, err
	}
	return res.Session, nil
}

// UserInfo returns the profile of the session's user.
func (c *Client) UserInfo(ctx context.Context, sessionKey string) (UserInfo, error) {
	var res struct {
		User UserInfo `json:"user"`
	}
	if err := c.call(ctx, "user.getInfo", url.Values{"sk": {sessionKey}}, false, &res); err != nil {
		return UserInfo{}, err
	}
	return res.User, nil
}

// UpdateNowPlaying marks a track as currently playing.
func (c *Client) UpdateNowPlaying(ctx context.Context, sessionKey string, play TrackPlay) error {
	params := play.params(false)
	params.Set("sk", sessionKey)
	return c.call(ctx, "track.updateNowPlaying", params, true, nil)
}

// Scrobble records a finished play.
func (c *Client) Scrobble(ctx context.Context, sessionKey string, play TrackPlay) error {
	params := play.params(true)
	params.Set("sk", sessionKey)
	return c.call(ctx, "track.scrobble", params, true, nil)
}
