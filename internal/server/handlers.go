package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/desertthunder/waveline/internal/codec"
	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/player"
	"github.com/desertthunder/waveline/internal/routeplanner"
	"github.com/desertthunder/waveline/internal/shared"
)

// Loader resolves identifiers for /v4/loadtracks; services.Registry implements it.
type Loader interface {
	LoadItem(ctx context.Context, identifier string) *models.LoadResult
}

// StatsSource snapshots node statistics; stats.Collector implements it.
type StatsSource interface {
	Snapshot(ctx context.Context) models.Stats
}

// RoutePlanner is the part of routeplanner.Planner exposed over REST.
type RoutePlanner interface {
	Status() routeplanner.Status
	FreeAddress(ip net.IP)
	FreeAll()
}

// NodeHandler serves the REST API of the node.
type NodeHandler struct {
	version  string
	info     func() models.NodeInfo
	stats    StatsSource
	loader   Loader
	sessions *player.SessionManager
	planner  RoutePlanner
}

// register adds every REST route to r.
func (h *NodeHandler) register(r *BasicRouter) {
	r.HandleFunc(http.MethodGet, "/version", h.Version)
	r.HandleFunc(http.MethodGet, "/v4/info", h.Info)
	r.HandleFunc(http.MethodGet, "/v4/stats", h.Stats)
	r.HandleFunc(http.MethodGet, "/v4/loadtracks", h.LoadTracks)
	r.HandleFunc(http.MethodGet, "/v4/decodetrack", h.DecodeTrack)
	r.HandleFunc(http.MethodPost, "/v4/decodetracks", h.DecodeTracks)

	r.HandleFunc(http.MethodGet, "/v4/sessions/{sessionId}/players", h.Players)
	r.HandleFunc(http.MethodGet, "/v4/sessions/{sessionId}/players/{guildId}", h.Player)
	r.HandleFunc(http.MethodPatch, "/v4/sessions/{sessionId}/players/{guildId}", h.UpdatePlayer)
	r.HandleFunc(http.MethodDelete, "/v4/sessions/{sessionId}/players/{guildId}", h.DestroyPlayer)
	r.HandleFunc(http.MethodPatch, "/v4/sessions/{sessionId}", h.UpdateSession)

	r.HandleFunc(http.MethodGet, "/v4/routeplanner/status", h.RoutePlannerStatus)
	r.HandleFunc(http.MethodPost, "/v4/routeplanner/free/address", h.FreeAddress)
	r.HandleFunc(http.MethodPost, "/v4/routeplanner/free/all", h.FreeAll)
}

// Version writes the plain text version.
func (h *NodeHandler) Version(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, h.version)
}

// Info writes the node info.
func (h *NodeHandler) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.info())
}

// Stats writes a fresh statistics snapshot. Frame stats are omitted, as they are only meaningful in
// the websocket stats message.
func (h *NodeHandler) Stats(w http.ResponseWriter, r *http.Request) {
	s := h.stats.Snapshot(r.Context())
	s.FrameStats = nil
	writeJSON(w, http.StatusOK, s)
}

// LoadTracks resolves ?identifier=.
func (h *NodeHandler) LoadTracks(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("identifier")
	if identifier == "" {
		writeError(w, r, fmt.Errorf("%w: identifier", shared.ErrMissingArgument))
		return
	}
	writeJSON(w, http.StatusOK, h.loader.LoadItem(r.Context(), identifier))
}

// DecodeTrack decodes ?encodedTrack=.
func (h *NodeHandler) DecodeTrack(w http.ResponseWriter, r *http.Request) {
	encoded := r.URL.Query().Get("encodedTrack")
	if encoded == "" {
		encoded = r.URL.Query().Get("track")
	}
	if encoded == "" {
		writeError(w, r, fmt.Errorf("%w: encodedTrack", shared.ErrMissingArgument))
		return
	}

	track, err := codec.DecodeTrack(encoded)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, track)
}

// DecodeTracks decodes a JSON array of encoded tracks.
func (h *NodeHandler) DecodeTracks(w http.ResponseWriter, r *http.Request) {
	var encoded []string
	if err := decodeJSON(r, &encoded); err != nil {
		writeError(w, r, err)
		return
	}

	tracks := make([]models.Track, 0, len(encoded))
	for i, e := range encoded {
		track, err := codec.DecodeTrack(e)
		if err != nil {
			writeError(w, r, fmt.Errorf("track %d: %w", i, err))
			return
		}
		tracks = append(tracks, track)
	}
	writeJSON(w, http.StatusOK, tracks)
}

func (h *NodeHandler) session(r *http.Request) (*player.Session, error) {
	return h.sessions.Get(r.PathValue("sessionId"))
}

// Players lists the players of a session.
func (h *NodeHandler) Players(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	players := s.Players()
	infos := make([]player.Info, 0, len(players))
	for _, p := range players {
		infos = append(infos, p.Info())
	}
	writeJSON(w, http.StatusOK, infos)
}

// Player writes one player.
func (h *NodeHandler) Player(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.Player(r.PathValue("guildId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p.Info())
}

// UpdatePlayer applies a player update, creating the player when needed. ?noReplace=true keeps a
// playing track.
func (h *NodeHandler) UpdatePlayer(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var update player.Update
	if err := decodeJSON(r, &update); err != nil {
		writeError(w, r, err)
		return
	}

	noReplace := false
	if v := r.URL.Query().Get("noReplace"); v != "" {
		noReplace, err = strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: noReplace=%q", shared.ErrInvalidArgument, v))
			return
		}
	}

	p := s.GetOrCreatePlayer(r.PathValue("guildId"))
	if err := p.Update(r.Context(), update, noReplace); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p.Info())
}

// DestroyPlayer destroys a player.
func (h *NodeHandler) DestroyPlayer(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.DestroyPlayer(r.PathValue("guildId")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sessionUpdate is the body of PATCH /v4/sessions/{sessionId}. Timeout is in seconds.
type sessionUpdate struct {
	Resuming *bool  `json:"resuming"`
	Timeout  *int64 `json:"timeout"`
}

// UpdateSession changes resuming and its timeout.
func (h *NodeHandler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var body sessionUpdate
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	var timeout *time.Duration
	if body.Timeout != nil {
		if *body.Timeout < 0 {
			writeError(w, r, fmt.Errorf("%w: timeout must not be negative", shared.ErrInvalidArgument))
			return
		}
		d := time.Duration(*body.Timeout) * time.Second
		timeout = &d
	}
	writeJSON(w, http.StatusOK, s.Update(body.Resuming, timeout))
}

// RoutePlannerStatus writes the planner status, or 204 when no planner is configured.
func (h *NodeHandler) RoutePlannerStatus(w http.ResponseWriter, r *http.Request) {
	if h.planner == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, h.planner.Status())
}

// FreeAddress removes {"address": "..."} from the failing list.
func (h *NodeHandler) FreeAddress(w http.ResponseWriter, r *http.Request) {
	if h.planner == nil {
		writeError(w, r, shared.ErrRoutePlannerDisabled)
		return
	}

	var body struct {
		Address string `json:"address"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	ip := net.ParseIP(body.Address)
	if ip == nil {
		writeError(w, r, fmt.Errorf("%w: invalid address %q", shared.ErrInvalidArgument, body.Address))
		return
	}

	h.planner.FreeAddress(ip)
	w.WriteHeader(http.StatusNoContent)
}

// FreeAll clears the failing list.
func (h *NodeHandler) FreeAll(w http.ResponseWriter, r *http.Request) {
	if h.planner == nil {
		writeError(w, r, shared.ErrRoutePlannerDisabled)
		return
	}
	h.planner.FreeAll()
	w.WriteHeader(http.StatusNoContent)
}
