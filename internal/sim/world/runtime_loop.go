package world

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"blockpops.ai/internal/logging"
	"blockpops.ai/internal/metrics"
	"blockpops.ai/internal/protocol"
	"blockpops.ai/internal/sim/figure"
)

// shard owns a disjoint subset of records and a per-shard view of every
// observer. All fields are touched only by the shard goroutine.
type shard struct {
	id  int
	w   *World
	log zerolog.Logger

	records   map[figure.Pos]*figure.Record
	observers map[string]*observerView

	inbox       chan Request
	observerOps chan observerOp
	place       chan placeReq
	remove      chan removeReq
	reset       chan resetReq
	observe     chan observeReq
	export      chan exportReq
}

func newShard(w *World, id int) *shard {
	return &shard{
		id:          id,
		w:           w,
		log:         logging.WithComponent("shard").With().Int("shard", id).Logger(),
		records:     map[figure.Pos]*figure.Record{},
		observers:   map[string]*observerView{},
		inbox:       make(chan Request, w.cfg.InboxSize),
		observerOps: make(chan observerOp, 64),
		place:       make(chan placeReq, 16),
		remove:      make(chan removeReq, 16),
		reset:       make(chan resetReq, 16),
		observe:     make(chan observeReq, 64),
		export:      make(chan exportReq, 1),
	}
}

func (s *shard) run(ctx context.Context) error {
	ticker := time.NewTicker(s.w.cfg.ResyncEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.w.stop:
			return nil
		case req := <-s.inbox:
			s.handleRequest(req)
		case op := <-s.observerOps:
			s.handleObserverOp(op)
		case req := <-s.place:
			s.handlePlace(req)
		case req := <-s.remove:
			s.handleRemove(req)
		case req := <-s.reset:
			s.handleReset(req)
		case req := <-s.observe:
			s.handleObserve(req)
		case req := <-s.export:
			s.handleExport(req)
		case <-ticker.C:
			s.resync()
		}
	}
}

// handleRequest is the request path: resolve, validate, commit, broadcast.
func (s *shard) handleRequest(req Request) {
	start := time.Now()
	metrics.RequestsTotal.WithLabelValues(string(req.Kind)).Inc()

	rec := s.records[req.Pos]
	if rec == nil {
		metrics.UnknownIdentityTotal.Inc()
		s.log.Debug().Str("pos", req.Pos.String()).Str("session_id", req.SessionID).Msg("request for unknown instance dropped")
		return
	}
	snap, changed, err := rec.Apply(req.Delta)
	if err != nil {
		field := "variant"
		var verr *figure.ValidationError
		if errors.As(err, &verr) {
			field = verr.Field
		}
		metrics.ValidationRejectedTotal.WithLabelValues(field).Inc()
		s.log.Info().Err(err).Str("pos", req.Pos.String()).Str("session_id", req.SessionID).Msg("request rejected")
		return
	}
	if !changed {
		metrics.NoopCommitsTotal.Inc()
		return
	}
	metrics.CommitsTotal.Inc()
	s.log.Debug().Str("pos", snap.Pos.String()).Uint64("rev", snap.Revision).Str("kind", string(req.Kind)).Msg("committed")
	s.broadcast(snap)
	s.w.notify(Commit{Kind: CommitChanged, Snapshot: snap, SessionID: req.SessionID, At: start})
	metrics.CommitLatency.Observe(time.Since(start).Seconds())
}

// broadcast pushes the full snapshot to every observer whose area covers it.
func (s *shard) broadcast(snap figure.Snapshot) {
	if len(s.observers) == 0 {
		return
	}
	frame := protocol.EncodeSnapshot(protocol.SnapshotFrame{Path: protocol.PathChange, Snapshot: snap})
	for _, v := range s.observers {
		if _, ok := v.visible[snap.Pos]; !ok {
			continue
		}
		v.send(frame, protocol.PathChange)
	}
}

func (s *shard) handlePlace(req placeReq) {
	if _, ok := s.records[req.Pos]; ok {
		req.reply(figure.Snapshot{}, ErrOccupied)
		return
	}
	d := s.w.cfg.Placement
	if req.Variant != nil {
		d.Variant = *req.Variant
	}
	rec := figure.NewRecord(req.Pos, req.Color, d)
	s.records[req.Pos] = rec
	metrics.InstancesTotal.Inc()

	snap := rec.Get()
	for _, v := range s.observers {
		if v.area.Covers(req.Pos) {
			v.reveal(snap)
		}
	}
	s.log.Info().Str("pos", req.Pos.String()).Str("color", req.Color.String()).Str("variant", string(snap.Variant)).Msg("placed")
	s.w.notify(Commit{Kind: CommitPlaced, Snapshot: snap, At: time.Now()})
	req.reply(snap, nil)
}

func (s *shard) handleRemove(req removeReq) {
	rec := s.records[req.Pos]
	if rec == nil {
		req.reply(figure.Snapshot{}, ErrUnknownIdentity)
		return
	}
	snap := rec.Get()
	delete(s.records, req.Pos)
	metrics.InstancesTotal.Dec()

	for _, v := range s.observers {
		v.hide(req.Pos, protocol.ForgetRemoved)
	}
	s.log.Info().Str("pos", req.Pos.String()).Msg("removed")
	s.w.notify(Commit{Kind: CommitRemoved, Snapshot: snap, At: time.Now()})
	req.reply(snap, nil)
}

func (s *shard) handleReset(req resetReq) {
	rec := s.records[req.Pos]
	if rec == nil {
		req.reply(figure.Snapshot{}, ErrUnknownIdentity)
		return
	}
	snap, changed, err := rec.Reset(s.w.cfg.Placement)
	if err != nil {
		req.reply(snap, err)
		return
	}
	if changed {
		metrics.CommitsTotal.Inc()
		s.broadcast(snap)
		s.w.notify(Commit{Kind: CommitReset, Snapshot: snap, At: time.Now()})
	}
	req.reply(snap, nil)
}

func (s *shard) handleObserve(req observeReq) {
	rec := s.records[req.Pos]
	if rec == nil {
		req.reply(figure.Snapshot{}, ErrUnknownIdentity)
		return
	}
	req.reply(rec.Get(), nil)
}

func (s *shard) handleExport(req exportReq) {
	out := make([]figure.Snapshot, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Get())
	}
	req.reply(out, nil)
}
