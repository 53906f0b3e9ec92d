package world

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockpops.ai/internal/metrics"
	"blockpops.ai/internal/protocol"
	"blockpops.ai/internal/sim/figure"
)

var origin = Area{Center: figure.Pos{}, ChunkRadius: 2}

func TestPlaceUpdateThenObserve(t *testing.T) {
	w, commits := startWorld(t, Config{Shards: 4})
	p := figure.Pos{X: 3, Y: 64, Z: -2}

	snap := place(t, w, p)
	assert.Equal(t, figure.VariantNone, snap.Variant)
	assert.Equal(t, figure.Vec3{}, snap.Offset)
	assert.Equal(t, 1.0, snap.Scale)
	assert.Equal(t, CommitPlaced, nextCommit(t, commits).Kind)

	require.True(t, w.Submit(offsetReq(p, figure.Vec3{X: -0.55, Y: 0, Z: -0.40}, 1.0)))
	c := nextCommit(t, commits)
	require.Equal(t, CommitChanged, c.Kind)
	assert.Equal(t, "s1", c.SessionID)

	got, err := w.ObserveBegin(testCtx(t), p)
	require.NoError(t, err)
	assert.Equal(t, figure.Vec3{X: -0.55, Y: 0, Z: -0.40}, got.Offset)
	assert.Equal(t, 1.0, got.Scale)
	assert.Equal(t, uint64(1), got.Revision)
	assert.True(t, c.Snapshot.Same(got))

	// A fresh observer gets exactly the committed snapshot.
	out := join(t, w, "late", origin, 8)
	f := nextSnapshot(t, out)
	assert.Equal(t, protocol.PathObserve, f.Path)
	assert.True(t, got.Same(f.Snapshot))
}

func TestNonFiniteRequestIsNotBroadcast(t *testing.T) {
	w, commits := startWorld(t, Config{Shards: 2})
	p := figure.Pos{X: 3, Y: 64, Z: -2}
	place(t, w, p)
	nextCommit(t, commits)

	out := join(t, w, "obs", origin, 8)
	nextSnapshot(t, out)

	w.Submit(offsetReq(p, figure.Vec3{X: -0.55, Z: -0.40}, 1.0))
	first := nextSnapshot(t, out)
	require.Equal(t, protocol.PathChange, first.Path)

	before := testutil.ToFloat64(metrics.ValidationRejectedTotal.WithLabelValues("scale"))
	w.Submit(offsetReq(p, figure.Vec3{X: 0.9}, math.NaN()))
	// Same inbox, so the marker is processed after the rejected request.
	w.Submit(offsetReq(p, figure.Vec3{X: 0.1}, 2.0))

	next := nextSnapshot(t, out)
	assert.Equal(t, 0.1, next.Snapshot.Offset.X, "NaN request produced a broadcast")
	assert.Equal(t, first.Snapshot.Revision+1, next.Snapshot.Revision)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ValidationRejectedTotal.WithLabelValues("scale")))
}

func TestUnknownIdentityIsDropped(t *testing.T) {
	w, commits := startWorld(t, Config{Shards: 1})
	out := join(t, w, "obs", origin, 8)

	before := testutil.ToFloat64(metrics.UnknownIdentityTotal)
	assert.True(t, w.Submit(offsetReq(figure.Pos{X: 5, Y: 5, Z: 5}, figure.Vec3{X: 0.5}, 1)))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.UnknownIdentityTotal) == before+1
	}, waitFor, 5*time.Millisecond)

	requireNoFrame(t, out, 20*time.Millisecond)
	assert.Empty(t, commits)

	_, err := w.ObserveBegin(testCtx(t), figure.Pos{X: 5, Y: 5, Z: 5})
	assert.ErrorIs(t, err, ErrUnknownIdentity)
	_, err = w.Reset(testCtx(t), figure.Pos{X: 5, Y: 5, Z: 5})
	assert.ErrorIs(t, err, ErrUnknownIdentity)
}

func TestUpdatesArriveInCommitOrder(t *testing.T) {
	w, _ := startWorld(t, Config{Shards: 4})
	p := figure.Pos{X: 1, Y: 70, Z: 1}
	place(t, w, p)
	out := join(t, w, "obs", origin, 256)
	nextSnapshot(t, out)

	a := figure.Vec3{X: 0.2, Y: 0.2, Z: 0.2}
	b := figure.Vec3{X: -0.7, Y: 0.1, Z: 0.3}
	w.Submit(offsetReq(p, a, 1))
	w.Submit(offsetReq(p, b, 1))

	fa := nextSnapshot(t, out)
	fb := nextSnapshot(t, out)
	assert.Equal(t, a, fa.Snapshot.Offset)
	assert.Equal(t, b, fb.Snapshot.Offset)

	got, err := w.ObserveBegin(testCtx(t), p)
	require.NoError(t, err)
	assert.Equal(t, b, got.Offset, "last write wins")

	for i := 1; i <= 100; i++ {
		w.Submit(offsetReq(p, figure.Vec3{X: float64(i) / 100}, 1))
	}
	last := fb.Snapshot.Revision
	for i := 1; i <= 100; i++ {
		f := nextSnapshot(t, out)
		require.Greater(t, f.Snapshot.Revision, last)
		last = f.Snapshot.Revision
		assert.Equal(t, float64(i)/100, f.Snapshot.Offset.X)
	}
}

func TestSameValueRequestIsNotBroadcast(t *testing.T) {
	w, _ := startWorld(t, Config{Shards: 1})
	p := figure.Pos{X: 2}
	place(t, w, p)
	out := join(t, w, "obs", origin, 8)
	nextSnapshot(t, out)

	w.Submit(offsetReq(p, figure.Vec3{}, 1.0))
	w.Submit(offsetReq(p, figure.Vec3{Y: 0.1}, 1.0))
	f := nextSnapshot(t, out)
	assert.Equal(t, 0.1, f.Snapshot.Offset.Y)
	assert.Equal(t, uint64(1), f.Snapshot.Revision)
}

func TestJoinSeesOnlyCoveredInstances(t *testing.T) {
	w, _ := startWorld(t, Config{Shards: 3})
	in1 := figure.Pos{X: 0, Y: 64, Z: 0}
	in2 := figure.Pos{X: -20, Y: 64, Z: 31}
	far := figure.Pos{X: 1000, Y: 64, Z: 0}
	for _, p := range []figure.Pos{in1, in2, far} {
		place(t, w, p)
	}

	out := join(t, w, "obs", Area{Center: figure.Pos{}, ChunkRadius: 2}, 8)
	seen := map[figure.Pos]bool{}
	for i := 0; i < 2; i++ {
		f := nextSnapshot(t, out)
		assert.Equal(t, protocol.PathObserve, f.Path)
		seen[f.Snapshot.Pos] = true
	}
	assert.Equal(t, map[figure.Pos]bool{in1: true, in2: true}, seen)
	requireNoFrame(t, out, 20*time.Millisecond)

	// Changes outside the area are not pushed.
	w.Submit(offsetReq(far, figure.Vec3{X: 0.3}, 1))
	requireNoFrame(t, out, 20*time.Millisecond)
}

func TestSubscribeMovesArea(t *testing.T) {
	w, _ := startWorld(t, Config{Shards: 2})
	near := figure.Pos{X: 4, Y: 64, Z: 4}
	far := figure.Pos{X: 400, Y: 64, Z: 4}
	place(t, w, near)
	place(t, w, far)

	out := join(t, w, "obs", Area{Center: near, ChunkRadius: 1}, 8)
	assert.Equal(t, near, nextSnapshot(t, out).Snapshot.Pos)

	require.NoError(t, w.ObserverSubscribe(testCtx(t), ObserverSubscribeRequest{SessionID: "obs", Area: Area{Center: far, ChunkRadius: 1}}))

	var forgot, saw bool
	for i := 0; i < 2; i++ {
		b := nextFrame(t, out)
		k, err := protocol.PeekKind(b)
		require.NoError(t, err)
		switch k {
		case protocol.KindForget:
			f, err := protocol.DecodeForget(b)
			require.NoError(t, err)
			assert.Equal(t, near, f.Pos)
			assert.Equal(t, protocol.ForgetOutOfRange, f.Reason)
			forgot = true
		case protocol.KindSnapshot:
			f, err := protocol.DecodeSnapshot(b)
			require.NoError(t, err)
			assert.Equal(t, far, f.Snapshot.Pos)
			assert.Equal(t, protocol.PathObserve, f.Path)
			saw = true
		}
	}
	assert.True(t, forgot)
	assert.True(t, saw)

	// Same area again: nothing new.
	require.NoError(t, w.ObserverSubscribe(testCtx(t), ObserverSubscribeRequest{SessionID: "obs", Area: Area{Center: far, ChunkRadius: 1}}))
	requireNoFrame(t, out, 20*time.Millisecond)
}

func TestPlaceAndRemoveReachObservers(t *testing.T) {
	w, commits := startWorld(t, Config{Shards: 2})
	out := join(t, w, "obs", origin, 8)
	p := figure.Pos{X: 7, Y: 64, Z: 7}

	v := figure.VariantDefault
	snap, err := w.Place(testCtx(t), p, figure.ColorCyan, &v)
	require.NoError(t, err)
	assert.Equal(t, figure.VariantDefault, snap.Variant)
	f := nextSnapshot(t, out)
	assert.Equal(t, protocol.PathObserve, f.Path)
	assert.Equal(t, figure.ColorCyan, f.Snapshot.Color)

	_, err = w.Place(testCtx(t), p, figure.ColorRed, nil)
	assert.ErrorIs(t, err, ErrOccupied)

	_, err = w.Remove(testCtx(t), p)
	require.NoError(t, err)
	fg := nextForget(t, out)
	assert.Equal(t, protocol.ForgetRemoved, fg.Reason)
	assert.Equal(t, p, fg.Pos)

	assert.Equal(t, CommitPlaced, nextCommit(t, commits).Kind)
	rm := nextCommit(t, commits)
	assert.Equal(t, CommitRemoved, rm.Kind)
	assert.Equal(t, figure.ColorCyan, rm.Snapshot.Color)

	// Requests racing a removal are dropped.
	w.Submit(offsetReq(p, figure.Vec3{X: 0.5}, 1))
	requireNoFrame(t, out, 20*time.Millisecond)

	_, err = w.Remove(testCtx(t), p)
	assert.ErrorIs(t, err, ErrUnknownIdentity)
	place(t, w, p)
	assert.Equal(t, uint64(0), nextSnapshot(t, out).Snapshot.Revision)
}

func TestResetRestoresPlacementDefaults(t *testing.T) {
	defaults := figure.Defaults{Variant: figure.VariantNone, Offset: figure.Vec3{X: -0.55, Z: -0.40}, Scale: 1}
	w, commits := startWorld(t, Config{Shards: 1, Placement: defaults})
	p := figure.Pos{X: 1}
	snap := place(t, w, p)
	assert.Equal(t, defaults.Offset, snap.Offset)
	nextCommit(t, commits)

	out := join(t, w, "obs", origin, 8)
	nextSnapshot(t, out)

	w.Submit(VariantRequest("s1", protocol.VariantUpdate{Pos: p, Variant: figure.VariantDefault}))
	assert.Equal(t, figure.VariantDefault, nextSnapshot(t, out).Snapshot.Variant)
	nextCommit(t, commits)

	got, err := w.Reset(testCtx(t), p)
	require.NoError(t, err)
	assert.Equal(t, figure.VariantNone, got.Variant)
	assert.Equal(t, defaults.Offset, got.Offset)
	assert.Equal(t, uint64(2), got.Revision)

	f := nextSnapshot(t, out)
	assert.Equal(t, protocol.PathChange, f.Path)
	assert.True(t, got.Same(f.Snapshot))
	assert.Equal(t, CommitReset, nextCommit(t, commits).Kind)

	// Resetting an already-default record changes nothing.
	_, err = w.Reset(testCtx(t), p)
	require.NoError(t, err)
	requireNoFrame(t, out, 20*time.Millisecond)
}

func TestQueueOverflowResyncs(t *testing.T) {
	w, _ := startWorld(t, Config{Shards: 1, ResyncEvery: 10 * time.Millisecond})
	positions := []figure.Pos{{X: 1}, {X: 2}, {X: 3}}
	for _, p := range positions {
		place(t, w, p)
	}

	out := join(t, w, "slow", origin, 1)
	nextSnapshot(t, out) // the two others were dropped

	seen := map[figure.Pos]bool{}
	deadline := time.After(waitFor)
	for len(seen) < len(positions) {
		select {
		case b := <-out:
			f, err := protocol.DecodeSnapshot(b)
			require.NoError(t, err)
			assert.Equal(t, protocol.PathObserve, f.Path)
			seen[f.Snapshot.Pos] = true
		case <-deadline:
			t.Fatalf("resync incomplete: %v", seen)
		}
	}
}

func TestDroppedForgetIsResent(t *testing.T) {
	w, _ := startWorld(t, Config{Shards: 1, ResyncEvery: 10 * time.Millisecond})
	a, b := figure.Pos{X: 1}, figure.Pos{X: 2}
	place(t, w, a)
	place(t, w, b)

	out := join(t, w, "slow", origin, 2)
	nextSnapshot(t, out)
	nextSnapshot(t, out)

	// Fill the queue, then remove: the forget cannot be enqueued yet.
	w.Submit(offsetReq(a, figure.Vec3{X: 0.1}, 1))
	w.Submit(offsetReq(a, figure.Vec3{X: 0.2}, 1))
	require.Eventually(t, func() bool { return len(out) == 2 }, waitFor, time.Millisecond)
	_, err := w.Remove(testCtx(t), b)
	require.NoError(t, err)

	nextSnapshot(t, out)
	nextSnapshot(t, out)
	var forget *protocol.ForgetFrame
	deadline := time.After(waitFor)
	for forget == nil {
		select {
		case raw := <-out:
			if k, _ := protocol.PeekKind(raw); k == protocol.KindForget {
				f, err := protocol.DecodeForget(raw)
				require.NoError(t, err)
				forget = &f
			}
		case <-deadline:
			t.Fatal("forget never resent")
		}
	}
	assert.Equal(t, b, forget.Pos)
	assert.Equal(t, protocol.ForgetRemoved, forget.Reason)
}

func TestPathsCarryIdenticalSnapshots(t *testing.T) {
	w, _ := startWorld(t, Config{Shards: 2})
	p := figure.Pos{X: 9, Y: 60, Z: 9}
	place(t, w, p)
	watcher := join(t, w, "watcher", origin, 8)
	nextSnapshot(t, watcher)

	w.Submit(offsetReq(p, figure.Vec3{X: 0.25, Y: -0.5, Z: 0.75}, 1.5))
	change := nextFrame(t, watcher)

	late := join(t, w, "late", origin, 8)
	observe := nextFrame(t, late)

	assert.Equal(t, byte(protocol.PathChange), change[1])
	assert.Equal(t, byte(protocol.PathObserve), observe[1])
	assert.Equal(t, change[2:], observe[2:])
}

func TestLeaveStopsDelivery(t *testing.T) {
	w, _ := startWorld(t, Config{Shards: 2})
	p := figure.Pos{X: 1}
	place(t, w, p)
	out := join(t, w, "obs", origin, 8)
	nextSnapshot(t, out)

	require.NoError(t, w.ObserverLeave(testCtx(t), "obs"))
	w.Submit(offsetReq(p, figure.Vec3{X: 0.4}, 1))
	requireNoFrame(t, out, 20*time.Millisecond)
}

func TestConcurrentInstancesAcrossShards(t *testing.T) {
	w, _ := startWorld(t, Config{Shards: 8})
	const n = 32
	var positions []figure.Pos
	for i := 0; i < n; i++ {
		p := figure.Pos{X: int32(i), Y: 64, Z: int32(-i)}
		positions = append(positions, p)
		place(t, w, p)
	}

	var wg sync.WaitGroup
	for i, p := range positions {
		i, p := i, p
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 1; j <= 20; j++ {
				for !w.Submit(offsetReq(p, figure.Vec3{X: float64(i), Y: float64(j)}, 1)) {
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		for i, p := range positions {
			got, err := w.ObserveBegin(testCtx(t), p)
			if err != nil || got.Offset != (figure.Vec3{X: float64(i), Y: 20}) {
				return false
			}
		}
		return true
	}, waitFor, 10*time.Millisecond)

	all, err := w.Export(testCtx(t))
	require.NoError(t, err)
	require.Len(t, all, n)
	for i := 1; i < len(all); i++ {
		assert.Negative(t, all[i-1].Pos.Compare(all[i].Pos))
	}
}

func TestLoadBeforeRun(t *testing.T) {
	w := New(Config{Shards: 2})
	snaps := []figure.Snapshot{
		{Pos: figure.Pos{X: 2}, Color: figure.ColorRed, Variant: figure.VariantDefault, Scale: 0.5, Revision: 7},
		{Pos: figure.Pos{X: 1}, Color: figure.ColorBlue, Variant: figure.Variant("retired"), Scale: 1, Revision: 3},
	}
	require.NoError(t, w.Load(snaps))
	assert.ErrorIs(t, w.Load(snaps[:1]), ErrOccupied)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	defer w.Stop()

	all, err := w.Export(testCtx(t))
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, figure.Pos{X: 1}, all[0].Pos)
	assert.Equal(t, figure.VariantNone, all[0].Variant, "unknown persisted variant loads as none")
	assert.True(t, snaps[0].Same(all[1]))
}

func TestStoppedWorldRejectsRequests(t *testing.T) {
	w := New(Config{})
	w.Stop()
	w.Stop()
	_, err := w.Place(context.Background(), figure.Pos{}, figure.ColorOriginal, nil)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestAreaCovers(t *testing.T) {
	a := Area{Center: figure.Pos{X: 0, Z: 0}, ChunkRadius: 1}
	tests := []struct {
		p    figure.Pos
		want bool
	}{
		{figure.Pos{X: 15, Z: 15}, true},
		{figure.Pos{X: 31, Z: -16}, true},
		{figure.Pos{X: 32, Z: 0}, false},
		{figure.Pos{X: -17, Z: 0}, false},
		{figure.Pos{X: 0, Y: -1000, Z: 0}, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.p), func(t *testing.T) {
			assert.Equal(t, tt.want, a.Covers(tt.p))
		})
	}
}

func TestWorld_FailedJoinLeavesNoObserver(t *testing.T) {
	w := New(Config{Shards: 2})
	out := make(chan []byte, 16)

	// Shards are not running yet: the join is queued but never acked.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := w.ObserverJoin(ctx, ObserverJoinRequest{SessionID: "late", Out: out, Area: origin})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()
	t.Cleanup(func() {
		stop()
		<-done
	})

	// Observer ops are applied in order, so once this acks the queued join
	// and its rollback have both run.
	require.NoError(t, w.ObserverSubscribe(testCtx(t), ObserverSubscribeRequest{SessionID: "late", Area: origin}))
	for x := int32(0); x < 4; x++ {
		_, err := w.Place(testCtx(t), figure.Pos{X: x, Y: 64}, figure.ColorOriginal, nil)
		require.NoError(t, err)
	}
	assert.Empty(t, out, "no frames for a session whose join failed")
}
