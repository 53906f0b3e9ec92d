package world

import (
	"context"
	"slices"

	"blockpops.ai/internal/sim/figure"
)

type reply[T any] struct {
	v   T
	err error
}

type placeReq struct {
	Pos     figure.Pos
	Color   figure.Color
	Variant *figure.Variant
	Resp    chan reply[figure.Snapshot]
}

type removeReq struct {
	Pos  figure.Pos
	Resp chan reply[figure.Snapshot]
}

type resetReq struct {
	Pos  figure.Pos
	Resp chan reply[figure.Snapshot]
}

type observeReq struct {
	Pos  figure.Pos
	Resp chan reply[figure.Snapshot]
}

type exportReq struct {
	Resp chan reply[[]figure.Snapshot]
}

func (r placeReq) reply(s figure.Snapshot, err error)   { respond(r.Resp, s, err) }
func (r removeReq) reply(s figure.Snapshot, err error)  { respond(r.Resp, s, err) }
func (r resetReq) reply(s figure.Snapshot, err error)   { respond(r.Resp, s, err) }
func (r observeReq) reply(s figure.Snapshot, err error) { respond(r.Resp, s, err) }
func (r exportReq) reply(s []figure.Snapshot, err error) {
	respond(r.Resp, s, err)
}

// respond never blocks the shard; a caller that gave up has a buffered
// channel nobody reads.
func respond[T any](ch chan reply[T], v T, err error) {
	if ch == nil {
		return
	}
	select {
	case ch <- reply[T]{v: v, err: err}:
	default:
	}
}

func roundTrip[Q any, T any](ctx context.Context, stop <-chan struct{}, ch chan Q, q Q, resp chan reply[T]) (T, error) {
	var zero T
	select {
	case ch <- q:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-stop:
		return zero, ErrStopped
	}
	select {
	case r := <-resp:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-stop:
		return zero, ErrStopped
	}
}

// Place creates a record with the configured placement defaults. variant may
// be nil to keep the default. Observers already covering pos receive an
// observe snapshot.
func (w *World) Place(ctx context.Context, pos figure.Pos, color figure.Color, variant *figure.Variant) (figure.Snapshot, error) {
	req := placeReq{Pos: pos, Color: color, Variant: variant, Resp: make(chan reply[figure.Snapshot], 1)}
	return roundTrip(ctx, w.stop, w.shardFor(pos).place, req, req.Resp)
}

// Remove discards the record; observers that knew it get a forget frame.
func (w *World) Remove(ctx context.Context, pos figure.Pos) (figure.Snapshot, error) {
	req := removeReq{Pos: pos, Resp: make(chan reply[figure.Snapshot], 1)}
	return roundTrip(ctx, w.stop, w.shardFor(pos).remove, req, req.Resp)
}

// Reset returns variant, offset and scale to the placement defaults.
func (w *World) Reset(ctx context.Context, pos figure.Pos) (figure.Snapshot, error) {
	req := resetReq{Pos: pos, Resp: make(chan reply[figure.Snapshot], 1)}
	return roundTrip(ctx, w.stop, w.shardFor(pos).reset, req, req.Resp)
}

// ObserveBegin returns the full current snapshot of pos. It is the entry
// point for collaborators that track visibility themselves.
func (w *World) ObserveBegin(ctx context.Context, pos figure.Pos) (figure.Snapshot, error) {
	req := observeReq{Pos: pos, Resp: make(chan reply[figure.Snapshot], 1)}
	return roundTrip(ctx, w.stop, w.shardFor(pos).observe, req, req.Resp)
}

// Export collects every record, ordered by position.
func (w *World) Export(ctx context.Context) ([]figure.Snapshot, error) {
	var all []figure.Snapshot
	for _, sh := range w.shards {
		req := exportReq{Resp: make(chan reply[[]figure.Snapshot], 1)}
		part, err := roundTrip(ctx, w.stop, sh.export, req, req.Resp)
		if err != nil {
			return nil, err
		}
		all = append(all, part...)
	}
	slices.SortFunc(all, func(a, b figure.Snapshot) int { return a.Pos.Compare(b.Pos) })
	return all, nil
}
