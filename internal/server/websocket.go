package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/desertthunder/waveline/internal/player"
	"github.com/desertthunder/waveline/internal/shared"
)

const (
	pingInterval = 30 * time.Second
	pingTimeout  = 10 * time.Second
)

// wsConn adapts a websocket connection to [player.Conn].
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Write(ctx context.Context, msg any) error {
	return wsjson.Write(ctx, c.conn, msg)
}

// WebSocketHandler upgrades /v4/websocket and attaches the connection to a session.
//
// User-Id and Client-Name headers are required. A Session-Id header resumes a detached session when
// it allows resuming; otherwise a new session is created.
type WebSocketHandler struct {
	sessions *player.SessionManager
	base     context.Context
	logger   *log.Logger
}

// Routes returns the HTTP routes this handler serves.
func (h *WebSocketHandler) Routes() []string {
	return []string{"GET /v4/websocket"}
}

// ServeHTTP accepts the websocket and blocks until it closes.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("User-Id")
	clientName := r.Header.Get("Client-Name")
	switch {
	case userID == "":
		writeError(w, r, fmt.Errorf("%w: User-Id header", shared.ErrMissingArgument))
		return
	case clientName == "":
		writeError(w, r, fmt.Errorf("%w: Client-Name header", shared.ErrMissingArgument))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}
	wc := &wsConn{conn: conn}

	var session *player.Session
	if id := r.Header.Get("Session-Id"); id != "" {
		if s, ok := h.sessions.Resume(id, wc); ok {
			session = s
		} else {
			h.logger.Info("session not resumable, creating a new one", "session", id)
		}
	}
	if session == nil {
		session = h.sessions.Create(userID, clientName, wc)
	}

	ctx, cancel := context.WithCancel(h.base)
	defer cancel()
	go h.pingLoop(ctx, conn)

	err = h.readLoop(ctx, conn)
	h.sessions.Detach(session.ID())

	switch {
	case h.base.Err() != nil:
		conn.Close(websocket.StatusGoingAway, "node shutting down")
	case websocket.CloseStatus(err) != -1:
		h.logger.Info("websocket closed", "session", session.ID(), "code", websocket.CloseStatus(err))
	default:
		h.logger.Warn("websocket read failed", "session", session.ID(), "error", err)
		conn.Close(websocket.StatusInternalError, "read failed")
	}
}

// readLoop discards client messages until the connection or ctx ends. Reading keeps control frames
// such as pongs flowing.
func (h *WebSocketHandler) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

func (h *WebSocketHandler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
