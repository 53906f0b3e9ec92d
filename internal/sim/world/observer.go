package world

import (
	"slices"

	"golang.org/x/exp/maps"

	"blockpops.ai/internal/metrics"
	"blockpops.ai/internal/protocol"
	"blockpops.ai/internal/sim/figure"
)

type observerOpKind int

const (
	opJoin observerOpKind = iota + 1
	opSubscribe
	opLeave
)

type observerOp struct {
	kind observerOpKind
	id   string
	out  chan []byte
	area Area
	ack  chan struct{}
}

// observerView is one shard's record of what an observer has been told.
type observerView struct {
	id   string
	out  chan<- []byte
	area Area

	// visible holds every instance of this shard the observer was given a
	// snapshot for (or should have been, see needsResync).
	visible map[figure.Pos]struct{}

	// needsResync is set when a frame could not be enqueued. The next resync
	// tick re-sends the whole visible set and any pending forgets.
	needsResync   bool
	pendingForget map[figure.Pos]protocol.ForgetReason
}

func (s *shard) handleObserverOp(op observerOp) {
	defer func() {
		if op.ack != nil {
			op.ack <- struct{}{}
		}
	}()
	switch op.kind {
	case opJoin:
		if op.out == nil {
			return
		}
		v := &observerView{
			id:            op.id,
			out:           op.out,
			area:          op.area,
			visible:       map[figure.Pos]struct{}{},
			pendingForget: map[figure.Pos]protocol.ForgetReason{},
		}
		s.observers[op.id] = v
		s.revealArea(v)
	case opSubscribe:
		v := s.observers[op.id]
		if v == nil {
			return
		}
		v.area = op.area
		for _, p := range sortedPositions(v.visible) {
			if !v.area.Covers(p) {
				v.hide(p, protocol.ForgetOutOfRange)
			}
		}
		s.revealArea(v)
	case opLeave:
		delete(s.observers, op.id)
	}
	if s.id == 0 {
		metrics.ObserversTotal.Set(float64(len(s.observers)))
	}
}

// revealArea sends an observe snapshot for every covered instance the
// observer does not already know about.
func (s *shard) revealArea(v *observerView) {
	for _, p := range sortedPositions(s.records) {
		if _, ok := v.visible[p]; ok || !v.area.Covers(p) {
			continue
		}
		v.reveal(s.records[p].Get())
	}
}

func (v *observerView) reveal(snap figure.Snapshot) {
	delete(v.pendingForget, snap.Pos)
	v.visible[snap.Pos] = struct{}{}
	frame := protocol.EncodeSnapshot(protocol.SnapshotFrame{Path: protocol.PathObserve, Snapshot: snap})
	v.send(frame, protocol.PathObserve)
}

func (v *observerView) hide(p figure.Pos, reason protocol.ForgetReason) {
	if _, ok := v.visible[p]; !ok {
		return
	}
	delete(v.visible, p)
	if !v.sendForget(p, reason) {
		v.pendingForget[p] = reason
	}
}

func (v *observerView) send(frame []byte, path protocol.SyncPath) bool {
	select {
	case v.out <- frame:
		metrics.SnapshotsSentTotal.WithLabelValues(path.String()).Inc()
		return true
	default:
		metrics.QueueDropsTotal.Inc()
		v.needsResync = true
		return false
	}
}

func (v *observerView) sendForget(p figure.Pos, reason protocol.ForgetReason) bool {
	frame := protocol.EncodeForget(protocol.ForgetFrame{Reason: reason, Pos: p})
	select {
	case v.out <- frame:
		metrics.ForgetsSentTotal.WithLabelValues(reason.String()).Inc()
		return true
	default:
		metrics.QueueDropsTotal.Inc()
		v.needsResync = true
		return false
	}
}

// resync re-sends state to observers that lost frames. Lost frames are never
// retried one by one; the current snapshot supersedes them.
func (s *shard) resync() {
	for _, v := range s.observers {
		if !v.needsResync {
			continue
		}
		v.needsResync = false
		metrics.ResyncsTotal.Inc()
		for _, p := range sortedPositions(v.pendingForget) {
			if v.sendForget(p, v.pendingForget[p]) {
				delete(v.pendingForget, p)
			}
		}
		for _, p := range sortedPositions(v.visible) {
			rec := s.records[p]
			if rec == nil {
				delete(v.visible, p)
				continue
			}
			frame := protocol.EncodeSnapshot(protocol.SnapshotFrame{Path: protocol.PathObserve, Snapshot: rec.Get()})
			if !v.send(frame, protocol.PathObserve) {
				break
			}
		}
		s.log.Debug().Str("session_id", v.id).Bool("pending", v.needsResync).Msg("observer resynced")
	}
}

func sortedPositions[V any](m map[figure.Pos]V) []figure.Pos {
	keys := maps.Keys(m)
	slices.SortFunc(keys, figure.Pos.Compare)
	return keys
}
