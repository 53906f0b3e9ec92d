// Package world is the authority for figure state. Positions are partitioned
// over shards; each shard is a single goroutine that owns its records, so one
// instance is only ever mutated by one goroutine, in arrival order, while
// different shards commit in parallel.
package world

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"blockpops.ai/internal/logging"
	"blockpops.ai/internal/metrics"
	"blockpops.ai/internal/sim/figure"
)

type Config struct {
	Shards int
	// InboxSize bounds each shard's request queue.
	InboxSize          int
	ResyncEvery        time.Duration
	DefaultChunkRadius int
	MaxChunkRadius     int
	Placement          figure.Defaults
}

func (c Config) normalized() Config {
	c.Shards = clampInt(c.Shards, 1, 64, 4)
	c.InboxSize = clampInt(c.InboxSize, 1, 1<<16, 1024)
	if c.ResyncEvery <= 0 {
		c.ResyncEvery = time.Second
	}
	c.MaxChunkRadius = clampInt(c.MaxChunkRadius, 1, 64, 16)
	c.DefaultChunkRadius = clampInt(c.DefaultChunkRadius, 1, c.MaxChunkRadius, 4)
	if !c.Placement.Variant.Known() {
		c.Placement.Variant = figure.VariantNone
	}
	return c
}

type World struct {
	cfg    Config
	log    zerolog.Logger
	shards []*shard

	sinks atomic.Pointer[[]CommitSink]

	stop     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config) *World {
	cfg = cfg.normalized()
	w := &World{
		cfg:  cfg,
		log:  logging.WithComponent("world"),
		stop: make(chan struct{}),
	}
	w.shards = make([]*shard, cfg.Shards)
	for i := range w.shards {
		w.shards[i] = newShard(w, i)
	}
	return w
}

func (w *World) Config() Config { return w.cfg }

// AddCommitSink registers a listener for every commit. It is safe to call at
// any time; sinks added while running see only later commits.
func (w *World) AddCommitSink(s CommitSink) {
	for {
		old := w.sinks.Load()
		var next []CommitSink
		if old != nil {
			next = append(next, *old...)
		}
		next = append(next, s)
		if w.sinks.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (w *World) notify(c Commit) {
	p := w.sinks.Load()
	if p == nil {
		return
	}
	for _, s := range *p {
		s.OnCommit(c)
	}
}

func (w *World) shardFor(p figure.Pos) *shard {
	h := xxhash.Sum64(p.Key())
	return w.shards[h%uint64(len(w.shards))]
}

// Load installs previously persisted records. It must be called before Run.
func (w *World) Load(snaps []figure.Snapshot) error {
	for _, s := range snaps {
		sh := w.shardFor(s.Pos)
		if _, ok := sh.records[s.Pos]; ok {
			return fmt.Errorf("load %s: %w", s.Pos, ErrOccupied)
		}
		sh.records[s.Pos] = figure.RecordFromSnapshot(s)
	}
	metrics.InstancesTotal.Add(float64(len(snaps)))
	return nil
}

// Run drives every shard until ctx is done or Stop is called.
func (w *World) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, sh := range w.shards {
		sh := sh
		g.Go(func() error { return sh.run(ctx) })
	}
	w.log.Info().Int("shards", len(w.shards)).Msg("world running")
	return g.Wait()
}

func (w *World) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Submit hands a request to the owning shard without blocking. It reports
// false when the shard inbox is full and the request was dropped.
func (w *World) Submit(req Request) bool {
	sh := w.shardFor(req.Pos)
	select {
	case sh.inbox <- req:
		return true
	default:
		metrics.InboxDropsTotal.Inc()
		w.log.Warn().Int("shard", sh.id).Str("pos", req.Pos.String()).Msg("inbox full, request dropped")
		return false
	}
}

func (w *World) clampArea(a Area) Area {
	a.ChunkRadius = clampInt(a.ChunkRadius, 1, w.cfg.MaxChunkRadius, w.cfg.DefaultChunkRadius)
	return a
}

// ObserverJoin registers an observer with every shard. Each shard then sends
// one observe snapshot per instance inside the area. Joining again with the
// same session id replaces the earlier registration.
func (w *World) ObserverJoin(ctx context.Context, req ObserverJoinRequest) error {
	if req.SessionID == "" || req.Out == nil {
		return fmt.Errorf("observer join: session id and out channel required")
	}
	req.Area = w.clampArea(req.Area)
	err := w.broadcastObserverOp(ctx, observerOp{kind: opJoin, id: req.SessionID, out: req.Out, area: req.Area})
	if err != nil && !errors.Is(err, ErrStopped) {
		// Shards that already took the join would keep writing to out.
		// Leave queues behind the join on each shard, so no ack is needed.
		lctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if lerr := w.sendObserverOp(lctx, observerOp{kind: opLeave, id: req.SessionID}); lerr != nil {
			w.log.Warn().Err(lerr).Str("session_id", req.SessionID).Msg("observer join rollback")
		}
	}
	return err
}

// ObserverSubscribe moves an observer's area. Newly covered instances get an
// observe snapshot; instances left behind get a forget frame.
func (w *World) ObserverSubscribe(ctx context.Context, req ObserverSubscribeRequest) error {
	req.Area = w.clampArea(req.Area)
	return w.broadcastObserverOp(ctx, observerOp{kind: opSubscribe, id: req.SessionID, area: req.Area})
}

func (w *World) ObserverLeave(ctx context.Context, sessionID string) error {
	return w.broadcastObserverOp(ctx, observerOp{kind: opLeave, id: sessionID})
}

// broadcastObserverOp returns once every shard has applied op, so the observe
// snapshots it triggers are already queued.
func (w *World) broadcastObserverOp(ctx context.Context, op observerOp) error {
	op.ack = make(chan struct{}, len(w.shards))
	if err := w.sendObserverOp(ctx, op); err != nil {
		return err
	}
	for range w.shards {
		select {
		case <-op.ack:
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return ErrStopped
		}
	}
	return nil
}

// sendObserverOp queues op on every shard without waiting for it to apply.
func (w *World) sendObserverOp(ctx context.Context, op observerOp) error {
	for _, sh := range w.shards {
		select {
		case sh.observerOps <- op:
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return ErrStopped
		}
	}
	return nil
}

func clampInt(v, min, max, def int) int {
	if v == 0 {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
