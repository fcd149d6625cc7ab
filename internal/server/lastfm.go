package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/scrobble"
	"github.com/desertthunder/waveline/internal/shared"
)

// lastfm request tokens stay valid for an hour.
const pendingTokenTTL = 60 * time.Minute

// LastFM is the part of scrobble.Client used to link accounts.
type LastFM interface {
	Token(ctx context.Context) (string, error)
	AuthURL(token string) string
	Session(ctx context.Context, token string) (scrobble.Session, error)
	UserInfo(ctx context.Context, sessionKey string) (scrobble.UserInfo, error)
}

// LastFMUsers stores linked accounts; repositories.LastFMUserRepository implements it.
type LastFMUsers interface {
	Upsert(userID, username, sessionKey string) (*models.LastFMUser, error)
	Get(userID string) (*models.LastFMUser, error)
	SetScrobble(userID string, on bool) error
	Delete(userID string) error
}

// LastFMUserBody is the JSON form of a linked account. The session key is never returned.
type LastFMUserBody struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Scrobble bool   `json:"scrobble"`
}

func lastFMUserBody(u *models.LastFMUser) LastFMUserBody {
	return LastFMUserBody{UserID: u.UserID(), Username: u.Username(), Scrobble: u.Scrobble()}
}

type pendingToken struct {
	token   string
	expires time.Time
}

// LastFMHandler links Discord users to last.fm accounts.
//
// The authorization flow has two steps: GET /v4/lastfm/auth/{userId} requests a token and returns the
// page where the user approves it; POST /v4/lastfm/auth/{userId} exchanges the approved token for a
// session key. A pending token is used once.
type LastFMHandler struct {
	client LastFM
	users  LastFMUsers
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]pendingToken
}

// NewLastFMHandler creates a handler over client and users.
func NewLastFMHandler(client LastFM, users LastFMUsers) *LastFMHandler {
	return &LastFMHandler{
		client:  client,
		users:   users,
		now:     time.Now,
		pending: make(map[string]pendingToken),
	}
}

// Routes returns the HTTP routes this handler serves.
func (h *LastFMHandler) Routes() []string {
	return []string{
		"GET /v4/lastfm/auth/{userId}",
		"POST /v4/lastfm/auth/{userId}",
		"GET /v4/lastfm/users/{userId}",
		"PUT /v4/lastfm/users/{userId}",
		"DELETE /v4/lastfm/users/{userId}",
	}
}

// ServeHTTP dispatches on the matched route.
func (h *LastFMHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	switch r.Pattern {
	case "GET /v4/lastfm/auth/{userId}":
		h.startAuth(w, r, userID)
	case "POST /v4/lastfm/auth/{userId}":
		h.completeAuth(w, r, userID)
	case "GET /v4/lastfm/users/{userId}":
		h.getUser(w, r, userID)
	case "PUT /v4/lastfm/users/{userId}":
		h.putUser(w, r, userID)
	case "DELETE /v4/lastfm/users/{userId}":
		h.deleteUser(w, r, userID)
	default:
		http.NotFound(w, r)
	}
}

func (h *LastFMHandler) startAuth(w http.ResponseWriter, r *http.Request, userID string) {
	token, err := h.client.Token(r.Context())
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", shared.ErrAPIRequest, err))
		return
	}

	h.mu.Lock()
	h.pending[userID] = pendingToken{token: token, expires: h.now().Add(pendingTokenTTL)}
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"url": h.client.AuthURL(token)})
}

// take removes and returns the pending token of userID.
func (h *LastFMHandler) take(userID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.pending[userID]
	delete(h.pending, userID)
	for id, other := range h.pending {
		if h.now().After(other.expires) {
			delete(h.pending, id)
		}
	}
	if !ok || h.now().After(p.expires) {
		return "", false
	}
	return p.token, true
}

func (h *LastFMHandler) completeAuth(w http.ResponseWriter, r *http.Request, userID string) {
	token, ok := h.take(userID)
	if !ok {
		writeError(w, r, fmt.Errorf("%w: no pending authorization for %s", shared.ErrInvalidInput, userID))
		return
	}
	h.link(w, r, userID, token, "")
}

func (h *LastFMHandler) getUser(w http.ResponseWriter, r *http.Request, userID string) {
	u, err := h.users.Get(userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lastFMUserBody(u))
}

// linkBody is the body of PUT /v4/lastfm/users/{userId}: an approved token or an existing session key,
// and optionally the scrobble toggle.
type linkBody struct {
	Token      string `json:"token"`
	SessionKey string `json:"sessionKey"`
	Scrobble   *bool  `json:"scrobble"`
}

func (h *LastFMHandler) putUser(w http.ResponseWriter, r *http.Request, userID string) {
	var body linkBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	if body.Token == "" && body.SessionKey == "" {
		if body.Scrobble == nil {
			writeError(w, r, fmt.Errorf("%w: token, sessionKey or scrobble", shared.ErrMissingArgument))
			return
		}
		if err := h.users.SetScrobble(userID, *body.Scrobble); err != nil {
			writeError(w, r, err)
			return
		}
		h.getUser(w, r, userID)
		return
	}

	h.link(w, r, userID, body.Token, body.SessionKey)
	if body.Scrobble != nil && !*body.Scrobble {
		_ = h.users.SetScrobble(userID, false)
	}
}

// link stores the session of an approved token, or sessionKey when token is empty.
func (h *LastFMHandler) link(w http.ResponseWriter, r *http.Request, userID, token, sessionKey string) {
	var username string
	if token != "" {
		session, err := h.client.Session(r.Context(), token)
		if err != nil {
			writeError(w, r, shared.Friendly("last.fm rejected the token", fmt.Errorf("%w: %v", shared.ErrInvalidCredentials, err)))
			return
		}
		username, sessionKey = session.Name, session.Key
	} else {
		info, err := h.client.UserInfo(r.Context(), sessionKey)
		if err != nil {
			writeError(w, r, shared.Friendly("last.fm rejected the session key", fmt.Errorf("%w: %v", shared.ErrInvalidCredentials, err)))
			return
		}
		username = info.Name
	}

	u, err := h.users.Upsert(userID, username, sessionKey)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lastFMUserBody(u))
}

func (h *LastFMHandler) deleteUser(w http.ResponseWriter, r *http.Request, userID string) {
	if err := h.users.Delete(userID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
