// Package player holds websocket sessions and the per-guild players they own.
//
// A [Session] is created for every websocket connection. When the connection drops, a session with
// resuming enabled keeps its players for the resume timeout and queues their messages, which are
// flushed after the ready message of the resuming connection.
//
// A [Player] moves between Idle, Playing and Paused. Each track is played by an [audio.Pipeline];
// its events become TrackEndEvent, TrackStuckEvent and TrackExceptionEvent messages.
package player

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/desertthunder/waveline/internal/shared"
)

const (
	writeTimeout         = 5 * time.Second
	defaultResumeTimeout = 60 * time.Second
	maxQueuedMessages    = 1024
)

// Conn writes messages to a websocket client.
type Conn interface {
	Write(ctx context.Context, msg any) error
}

// SessionInfo is the body of PATCH /v4/sessions/{sessionId}.
type SessionInfo struct {
	Resuming bool  `json:"resuming"`
	Timeout  int64 `json:"timeout"`
}

// Session is one client connection and its players.
type Session struct {
	id         string
	userID     string
	clientName string
	deps       *Deps
	logger     *log.Logger

	sendMu sync.Mutex

	mu          sync.Mutex
	conn        Conn
	resuming    bool
	timeout     time.Duration
	queue       []any
	players     map[string]*Player
	resumeTimer *time.Timer
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// UserID returns the bot user id sent when connecting.
func (s *Session) UserID() string { return s.userID }

// ClientName returns the client name sent when connecting.
func (s *Session) ClientName() string { return s.clientName }

// Info returns the resuming configuration.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{Resuming: s.resuming, Timeout: int64(s.timeout / time.Second)}
}

// Update changes resuming and the resume timeout. Nil values are left unchanged.
func (s *Session) Update(resuming *bool, timeout *time.Duration) SessionInfo {
	s.mu.Lock()
	if resuming != nil {
		s.resuming = *resuming
	}
	if timeout != nil && *timeout >= 0 {
		s.timeout = *timeout
	}
	s.mu.Unlock()
	return s.Info()
}

// Connected reports whether a websocket is attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Send writes msg to the client. While detached, messages are queued when resuming is enabled.
func (s *Session) Send(msg any) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		if s.resuming && len(s.queue) < maxQueuedMessages {
			s.queue = append(s.queue, msg)
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.write(conn, msg)
}

func (s *Session) write(conn Conn, msg any) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, msg); err != nil {
		s.logger.Warn("failed to write message", "error", err)
	}
}

// attach sets conn, writes first and then flushes queued messages.
func (s *Session) attach(conn Conn, first any) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	s.conn = conn
	queued := s.queue
	s.queue = nil
	if s.resumeTimer != nil {
		s.resumeTimer.Stop()
		s.resumeTimer = nil
	}
	s.mu.Unlock()

	s.write(conn, first)
	for _, msg := range queued {
		s.write(conn, msg)
	}
}

// Player returns the player of guildID.
func (s *Session) Player(guildID string) (*Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[guildID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", shared.ErrPlayerNotFound, guildID)
	}
	return p, nil
}

// Players returns the session's players ordered by guild id.
func (s *Session) Players() []*Player {
	s.mu.Lock()
	players := make([]*Player, 0, len(s.players))
	for _, p := range s.players {
		players = append(players, p)
	}
	s.mu.Unlock()

	slices.SortFunc(players, func(a, b *Player) int { return strings.Compare(a.guildID, b.guildID) })
	return players
}

// GetOrCreatePlayer returns the player of guildID, creating an idle one.
func (s *Session) GetOrCreatePlayer(guildID string) *Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.players[guildID]; ok {
		return p
	}
	p := newPlayer(guildID, s.deps, s)
	s.players[guildID] = p
	return p
}

// DestroyPlayer destroys and removes the player of guildID.
func (s *Session) DestroyPlayer(guildID string) error {
	s.mu.Lock()
	p, ok := s.players[guildID]
	delete(s.players, guildID)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", shared.ErrPlayerNotFound, guildID)
	}
	p.Destroy()
	return nil
}

func (s *Session) destroyPlayers() {
	s.mu.Lock()
	players := s.players
	s.players = map[string]*Player{}
	s.mu.Unlock()

	for _, p := range players {
		p.Destroy()
	}
}

// SessionManager owns every session of the node.
type SessionManager struct {
	deps   Deps
	logger *log.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionManager creates a manager whose players use deps.
func NewSessionManager(deps Deps) *SessionManager {
	if deps.Logger == nil {
		deps.Logger = shared.NewLogger(nil)
	}
	return &SessionManager{
		deps:     deps,
		logger:   shared.WithLogger(deps.Logger, "component", "sessions"),
		sessions: make(map[string]*Session),
	}
}

// Create registers a session for conn and sends the ready message.
func (m *SessionManager) Create(userID, clientName string, conn Conn) *Session {
	s := &Session{
		id:         strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		userID:     userID,
		clientName: clientName,
		deps:       &m.deps,
		timeout:    defaultResumeTimeout,
		players:    make(map[string]*Player),
	}
	s.logger = shared.WithLogger(m.deps.Logger, "session", s.id)

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.logger.Info("session created", "session", s.id, "user", userID, "client", clientName)
	s.attach(conn, ReadyMessage{Op: OpReady, Resumed: false, SessionID: s.id})
	return s
}

// Get returns the session with id.
func (m *SessionManager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", shared.ErrSessionNotFound, id)
	}
	return s, nil
}

// Resume attaches conn to a detached session with resuming enabled. The ready message is sent
// before queued messages. It reports false when the session cannot be resumed.
func (m *SessionManager) Resume(id string, conn Conn) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	resumable := s.resuming && s.conn == nil
	s.mu.Unlock()
	if !resumable {
		return nil, false
	}

	s.attach(conn, ReadyMessage{Op: OpReady, Resumed: true, SessionID: s.id})
	m.logger.Info("session resumed", "session", id)
	return s, true
}

// Detach drops the connection of a session. Resumable sessions are destroyed after their timeout,
// others immediately.
func (m *SessionManager) Detach(id string) {
	s, err := m.Get(id)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conn = nil
	resuming, timeout := s.resuming, s.timeout
	if resuming {
		s.resumeTimer = time.AfterFunc(timeout, func() { m.expire(s) })
	}
	s.mu.Unlock()

	if !resuming {
		m.Destroy(id)
		return
	}
	m.logger.Info("session detached", "session", id, "timeout", timeout)
}

// expire destroys s unless it was resumed in the meantime.
func (m *SessionManager) expire(s *Session) {
	m.mu.Lock()
	s.mu.Lock()
	detached := s.conn == nil
	s.mu.Unlock()
	if !detached || m.sessions[s.id] != s {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.id)
	m.mu.Unlock()

	m.logger.Info("session expired", "session", s.id)
	s.destroyPlayers()
}

// Destroy removes a session and destroys its players.
func (m *SessionManager) Destroy(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.resumeTimer != nil {
		s.resumeTimer.Stop()
	}
	s.mu.Unlock()

	m.logger.Info("session destroyed", "session", id)
	s.destroyPlayers()
}

// Sessions returns every session.
func (m *SessionManager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Players returns the players of every session.
func (m *SessionManager) Players() []*Player {
	var players []*Player
	for _, s := range m.Sessions() {
		players = append(players, s.Players()...)
	}
	return players
}

// Broadcast sends msg to every session.
func (m *SessionManager) Broadcast(msg any) {
	for _, s := range m.Sessions() {
		s.Send(msg)
	}
}

// Close destroys every session.
func (m *SessionManager) Close() {
	for _, s := range m.Sessions() {
		m.Destroy(s.id)
	}
}
