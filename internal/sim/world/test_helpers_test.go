package world

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"blockpops.ai/internal/protocol"
	"blockpops.ai/internal/sim/figure"
)

const waitFor = 2 * time.Second

func startWorld(t *testing.T, cfg Config) (*World, chan Commit) {
	t.Helper()
	w := New(cfg)
	commits := make(chan Commit, 256)
	w.AddCommitSink(CommitSinkFunc(func(c Commit) { commits <- c }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("world run: %v", err)
			}
		case <-time.After(waitFor):
			t.Errorf("world did not stop")
		}
	})
	return w, commits
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

func place(t *testing.T, w *World, p figure.Pos) figure.Snapshot {
	t.Helper()
	snap, err := w.Place(testCtx(t), p, figure.ColorOriginal, nil)
	require.NoError(t, err)
	return snap
}

func nextCommit(t *testing.T, ch <-chan Commit) Commit {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for commit")
		return Commit{}
	}
}

func nextFrame(t *testing.T, out <-chan []byte) []byte {
	t.Helper()
	select {
	case b := <-out:
		return b
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for frame")
		return nil
	}
}

func nextSnapshot(t *testing.T, out <-chan []byte) protocol.SnapshotFrame {
	t.Helper()
	f, err := protocol.DecodeSnapshot(nextFrame(t, out))
	require.NoError(t, err)
	return f
}

func nextForget(t *testing.T, out <-chan []byte) protocol.ForgetFrame {
	t.Helper()
	f, err := protocol.DecodeForget(nextFrame(t, out))
	require.NoError(t, err)
	return f
}

func requireNoFrame(t *testing.T, out <-chan []byte, within time.Duration) {
	t.Helper()
	select {
	case b := <-out:
		k, _ := protocol.PeekKind(b)
		t.Fatalf("unexpected %s frame", k)
	case <-time.After(within):
	}
}

func join(t *testing.T, w *World, id string, area Area, queue int) chan []byte {
	t.Helper()
	out := make(chan []byte, queue)
	require.NoError(t, w.ObserverJoin(testCtx(t), ObserverJoinRequest{SessionID: id, Out: out, Area: area}))
	return out
}

func offsetReq(p figure.Pos, off figure.Vec3, scale float64) Request {
	return OffsetRequest("s1", protocol.OffsetUpdate{Pos: p, Offset: off, Scale: scale})
}
