// Package admin serves the HTTP side of the figure server: a read-only figure
// lookup plus loopback-only authoring endpoints.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"blockpops.ai/internal/logging"
	"blockpops.ai/internal/persistence/indexdb"
	"blockpops.ai/internal/persistence/snapshot"
	"blockpops.ai/internal/sim/figure"
	"blockpops.ai/internal/sim/world"
)

const requestTimeout = 5 * time.Second

// Index is the commit index the history and state endpoints read from.
type Index interface {
	History(ctx context.Context, pos figure.Pos, limit int) ([]indexdb.CommitRow, error)
	RecordSnapshot(path string, instances int, size int64)
	Stats() indexdb.QueueStats
}

type Server struct {
	world   *world.World
	index   Index
	dataDir string
	log     zerolog.Logger
	now     func() time.Time
}

// NewServer wires the endpoints to w. index may be nil, which disables
// history.
func NewServer(w *world.World, index Index, dataDir string) *Server {
	return &Server{
		world:   w,
		index:   index,
		dataDir: dataDir,
		log:     logging.WithComponent("admin"),
		now:     time.Now,
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/figures", s.handleGet)
	mux.HandleFunc("/admin/v1/figures", loopbackOnly(s.handleFigures))
	mux.HandleFunc("/admin/v1/figures/reset", loopbackOnly(s.handleReset))
	mux.HandleFunc("/admin/v1/figures/history", loopbackOnly(s.handleHistory))
	mux.HandleFunc("/admin/v1/snapshot", loopbackOnly(s.handleSnapshot))
	mux.HandleFunc("/admin/v1/state", loopbackOnly(s.handleState))
}

// PlaceRequest is the body of POST /admin/v1/figures.
type PlaceRequest struct {
	Pos     string `json:"pos"`
	Color   string `json:"color,omitempty"`
	Variant string `json:"variant,omitempty"`
}

func (s *Server) handleGet(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	pos, ok := queryPos(rw, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	snap, err := s.world.ObserveBegin(ctx, pos)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, NewFigureView(snap))
}

func (s *Server) handleFigures(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	switch r.Method {
	case http.MethodPost:
		var req PlaceRequest
		if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 4096)).Decode(&req); err != nil {
			writeJSON(rw, http.StatusBadRequest, errorBody("bad body: "+err.Error()))
			return
		}
		pos, err := figure.ParsePos(req.Pos)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, errorBody(err.Error()))
			return
		}
		color := figure.ColorOriginal
		if req.Color != "" {
			c, ok := figure.ParseColor(req.Color)
			if !ok {
				writeJSON(rw, http.StatusBadRequest, errorBody("unknown color "+strconv.Quote(req.Color)))
				return
			}
			color = c
		}
		var variant *figure.Variant
		if req.Variant != "" {
			v, ok := figure.ParseVariant(req.Variant)
			if !ok {
				writeJSON(rw, http.StatusBadRequest, errorBody("unknown variant "+strconv.Quote(req.Variant)))
				return
			}
			variant = &v
		}
		snap, err := s.world.Place(ctx, pos, color, variant)
		if err != nil {
			s.writeError(rw, err)
			return
		}
		s.log.Info().Str("pos", pos.String()).Str("color", color.String()).Msg("figure placed")
		writeJSON(rw, http.StatusCreated, NewFigureView(snap))

	case http.MethodDelete:
		pos, ok := queryPos(rw, r)
		if !ok {
			return
		}
		snap, err := s.world.Remove(ctx, pos)
		if err != nil {
			s.writeError(rw, err)
			return
		}
		s.log.Info().Str("pos", pos.String()).Msg("figure removed")
		writeJSON(rw, http.StatusOK, NewFigureView(snap))

	default:
		rw.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleReset(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	pos, ok := queryPos(rw, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	snap, err := s.world.Reset(ctx, pos)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	s.log.Info().Str("pos", pos.String()).Uint64("revision", snap.Revision).Msg("figure reset")
	writeJSON(rw, http.StatusOK, NewFigureView(snap))
}

// HistoryEntry is one row of GET /admin/v1/figures/history.
type HistoryEntry struct {
	Seq       int64      `json:"seq"`
	At        time.Time  `json:"at"`
	Kind      string     `json:"kind"`
	SessionID string     `json:"session_id,omitempty"`
	Figure    FigureView `json:"figure"`
}

func (s *Server) handleHistory(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.index == nil {
		writeJSON(rw, http.StatusNotImplemented, errorBody("commit index disabled"))
		return
	}
	pos, ok := queryPos(rw, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	rows, err := s.index.History(ctx, pos, limit)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	out := make([]HistoryEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, HistoryEntry{
			Seq:       row.Seq,
			At:        row.At,
			Kind:      string(row.Kind),
			SessionID: row.SessionID,
			Figure:    NewFigureView(row.Snapshot),
		})
	}
	writeJSON(rw, http.StatusOK, out)
}

func (s *Server) handleSnapshot(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	snaps, err := s.world.Export(ctx)
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	now := s.now()
	path := filepath.Join(snapshot.Dir(s.dataDir), snapshot.FileName(now))
	if err := snapshot.WriteSnapshot(path, snapshot.New(snaps, now)); err != nil {
		s.log.Error().Err(err).Str("path", path).Msg("snapshot write")
		writeJSON(rw, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	var size int64
	if st, err := os.Stat(path); err == nil {
		size = st.Size()
	}
	if s.index != nil {
		s.index.RecordSnapshot(path, len(snaps), size)
	}
	s.log.Info().Str("path", path).Int("instances", len(snaps)).Int64("bytes", size).Msg("snapshot written")
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "path": path, "instances": len(snaps), "bytes": size})
}

func (s *Server) handleState(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	snaps, err := s.world.Export(ctx)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	cfg := s.world.Config()
	resp := struct {
		Instances int                 `json:"instances"`
		Shards    int                 `json:"shards"`
		Index     *indexdb.QueueStats `json:"index,omitempty"`
	}{
		Instances: len(snaps),
		Shards:    cfg.Shards,
	}
	if s.index != nil {
		st := s.index.Stats()
		resp.Index = &st
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (s *Server) writeError(rw http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, world.ErrUnknownIdentity):
		status = http.StatusNotFound
	case errors.Is(err, world.ErrOccupied):
		status = http.StatusConflict
	case errors.Is(err, world.ErrStopped), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	default:
		s.log.Error().Err(err).Msg("request failed")
	}
	writeJSON(rw, status, errorBody(err.Error()))
}

func queryPos(rw http.ResponseWriter, r *http.Request) (figure.Pos, bool) {
	pos, err := figure.ParsePos(r.URL.Query().Get("pos"))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, errorBody(err.Error()))
		return figure.Pos{}, false
	}
	return pos, true
}

func errorBody(msg string) map[string]string { return map[string]string{"error": msg} }

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
