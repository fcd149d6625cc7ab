package server

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/scrobble"
	"github.com/desertthunder/waveline/internal/shared"
)

type fakeLastFM struct {
	tokens int
}

func (f *fakeLastFM) Token(context.Context) (string, error) {
	f.tokens++
	return "token-1", nil
}

func (f *fakeLastFM) AuthURL(token string) string {
	return "https://www.last.fm/api/auth/?token=" + token
}

func (f *fakeLastFM) Session(_ context.Context, token string) (scrobble.Session, error) {
	if token != "token-1" {
		return scrobble.Session{}, errors.New("unauthorized token")
	}
	return scrobble.Session{Name: "listener", Key: "sk-1"}, nil
}

func (f *fakeLastFM) UserInfo(_ context.Context, sessionKey string) (scrobble.UserInfo, error) {
	if sessionKey != "sk-2" {
		return scrobble.UserInfo{}, errors.New("invalid session key")
	}
	return scrobble.UserInfo{Name: "other"}, nil
}

type fakeUsers struct {
	users map[string]*models.LastFMUser
}

func (f *fakeUsers) Upsert(userID, username, sessionKey string) (*models.LastFMUser, error) {
	u, ok := f.users[userID]
	if !ok {
		u = models.NewLastFMUser(len(f.users)+1, userID, username, sessionKey)
		f.users[userID] = u
		return u, nil
	}
	u.SetUsername(username)
	u.SetSessionKey(sessionKey)
	return u, nil
}

func (f *fakeUsers) Get(userID string) (*models.LastFMUser, error) {
	if u, ok := f.users[userID]; ok {
		return u, nil
	}
	return nil, shared.ErrUserNotFound
}

func (f *fakeUsers) SetScrobble(userID string, on bool) error {
	u, err := f.Get(userID)
	if err != nil {
		return err
	}
	u.SetScrobble(on)
	return nil
}

func (f *fakeUsers) Delete(userID string) error {
	if _, ok := f.users[userID]; !ok {
		return shared.ErrUserNotFound
	}
	delete(f.users, userID)
	return nil
}

func newLastFMHarness(t *testing.T) (*harness, *fakeUsers, *fakeLastFM) {
	t.Helper()
	users := &fakeUsers{users: map[string]*models.LastFMUser{}}
	client := &fakeLastFM{}
	h := newHarness(t, func(o *Options) {
		o.LastFM = client
		o.LastFMUsers = users
	})
	return h, users, client
}

func TestLastFMAuthFlow(t *testing.T) {
	h, users, _ := newLastFMHarness(t)

	rec := h.do(t, http.MethodPost, "/v4/lastfm/auth/42", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "no pending token yet")

	rec = h.do(t, http.MethodGet, "/v4/lastfm/auth/42", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "https://www.last.fm/api/auth/?token=token-1", body["url"])

	rec = h.do(t, http.MethodPost, "/v4/lastfm/auth/42", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	user := decodeBody[LastFMUserBody](t, rec)
	assert.Equal(t, LastFMUserBody{UserID: "42", Username: "listener", Scrobble: true}, user)
	assert.NotContains(t, rec.Body.String(), "sk-1")
	assert.Equal(t, "sk-1", users.users["42"].SessionKey())

	rec = h.do(t, http.MethodPost, "/v4/lastfm/auth/42", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "tokens are single use")
}

func TestLastFMPendingTokenExpires(t *testing.T) {
	h := NewLastFMHandler(&fakeLastFM{}, &fakeUsers{users: map[string]*models.LastFMUser{}})
	now := time.Now()
	h.now = func() time.Time { return now }
	h.pending["42"] = pendingToken{token: "token-1", expires: now.Add(-time.Second)}
	h.pending["43"] = pendingToken{token: "token-2", expires: now.Add(time.Minute)}

	_, ok := h.take("42")
	assert.False(t, ok)

	token, ok := h.take("43")
	assert.True(t, ok)
	assert.Equal(t, "token-2", token)
	assert.Empty(t, h.pending)
}

func TestLastFMUsers(t *testing.T) {
	h, users, _ := newLastFMHarness(t)

	t.Run("link with session key", func(t *testing.T) {
		rec := h.do(t, http.MethodPut, "/v4/lastfm/users/7", `{"sessionKey": "sk-2"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "other", decodeBody[LastFMUserBody](t, rec).Username)
	})

	t.Run("rejected session key", func(t *testing.T) {
		rec := h.do(t, http.MethodPut, "/v4/lastfm/users/8", `{"sessionKey": "bogus"}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "last.fm rejected the session key")
	})

	t.Run("toggle scrobbling", func(t *testing.T) {
		rec := h.do(t, http.MethodPut, "/v4/lastfm/users/7", `{"scrobble": false}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.False(t, decodeBody[LastFMUserBody](t, rec).Scrobble)
		assert.False(t, users.users["7"].Scrobble())
	})

	t.Run("empty body", func(t *testing.T) {
		rec := h.do(t, http.MethodPut, "/v4/lastfm/users/7", `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("get", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/v4/lastfm/users/7", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("delete", func(t *testing.T) {
		rec := h.do(t, http.MethodDelete, "/v4/lastfm/users/7", "")
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec = h.do(t, http.MethodDelete, "/v4/lastfm/users/7", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestLastFMRoutesNeedClient(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/v4/lastfm/users/7", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
