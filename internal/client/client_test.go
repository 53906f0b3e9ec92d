package client

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockpops.ai/internal/client/mirror"
	"blockpops.ai/internal/client/preview"
	"blockpops.ai/internal/protocol"
	"blockpops.ai/internal/sim/figure"
	"blockpops.ai/internal/sim/world"
	"blockpops.ai/internal/transport/ws"
)

const waitFor = 2 * time.Second

func startServer(t *testing.T) (*world.World, string) {
	t.Helper()
	w := world.New(world.Config{Shards: 2, ResyncEvery: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	srv := httptest.NewServer(ws.NewServer(w, 64).Handler())
	t.Cleanup(func() {
		srv.Close()
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
	return w, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

func connect(t *testing.T, url string, center figure.Pos) *Conn {
	t.Helper()
	c, err := Dial(testCtx(t), Config{URL: url, Name: "test", Area: AreaAround(center, 2)}, mirror.New())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(waitFor):
			t.Errorf("client did not stop")
		}
	})
	return c
}

func atRevision(rev uint64) func(figure.Snapshot) bool {
	return func(s figure.Snapshot) bool { return s.Revision >= rev }
}

func TestClient_EditLoopConverges(t *testing.T) {
	w, url := startServer(t)
	pos := figure.Pos{X: 3, Y: 64, Z: -2}
	_, err := w.Place(testCtx(t), pos, figure.ColorOriginal, nil)
	require.NoError(t, err)

	editor := connect(t, url, pos)
	viewer := connect(t, url, pos)
	require.NotEqual(t, editor.SessionID(), viewer.SessionID())
	assert.Equal(t, 2, editor.ChunkRadius())

	_, err = editor.Mirror().WaitFor(testCtx(t), pos, atRevision(0))
	require.NoError(t, err)

	c := preview.NewController(editor.Mirror(), editor, nil)
	defer c.Detach()
	require.NoError(t, c.Open(pos))
	require.NoError(t, c.SetOffsetX(-0.55))
	require.NoError(t, c.SetOffsetZ(-0.40))

	want := figure.Vec3{X: -0.55, Z: -0.40}
	for _, conn := range []*Conn{editor, viewer} {
		got, err := conn.Mirror().WaitFor(testCtx(t), pos, atRevision(2))
		require.NoError(t, err)
		assert.Equal(t, want, got.Offset)
		assert.Equal(t, 1.0, got.Scale)
	}
	require.Eventually(t, func() bool {
		shadow, ok := c.Shadow()
		return ok && shadow.Revision == 2 && shadow.Offset == want
	}, waitFor, 10*time.Millisecond)

	// A fresh observer converges on the same value through the observe path.
	late := connect(t, url, pos)
	got, err := late.Mirror().WaitFor(testCtx(t), pos, atRevision(2))
	require.NoError(t, err)
	authoritative, err := w.ObserveBegin(testCtx(t), pos)
	require.NoError(t, err)
	assert.True(t, authoritative.Same(got))
}

func TestClient_RejectedEditCorrectedByNextSnapshot(t *testing.T) {
	w, url := startServer(t)
	pos := figure.Pos{X: 10, Y: 70, Z: 10}
	_, err := w.Place(testCtx(t), pos, figure.ColorBlue, nil)
	require.NoError(t, err)

	editor := connect(t, url, pos)
	_, err = editor.Mirror().WaitFor(testCtx(t), pos, atRevision(0))
	require.NoError(t, err)

	c := preview.NewController(editor.Mirror(), editor, nil)
	defer c.Detach()
	require.NoError(t, c.Open(pos))
	require.NoError(t, c.SetScale(math.NaN()))
	shadow, _ := c.Shadow()
	assert.True(t, math.IsNaN(shadow.Scale), "optimistic value stays until corrected")

	// Any later commit on the figure corrects the refused value.
	require.True(t, w.Submit(world.OffsetRequest("other", protocol.OffsetUpdate{Pos: pos, Offset: figure.Vec3{X: 0.3}, Scale: 1})))
	got, err := editor.Mirror().WaitFor(testCtx(t), pos, atRevision(1))
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Scale, "NaN never committed")
	require.Eventually(t, func() bool {
		shadow, _ := c.Shadow()
		return shadow.Revision == 1 && shadow.Scale == 1
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, c.SetOffsetY(0.5))
	got, err = editor.Mirror().WaitFor(testCtx(t), pos, atRevision(2))
	require.NoError(t, err)
	assert.Equal(t, figure.Vec3{X: 0.3, Y: 0.5}, got.Offset)
}

type orderRecorder struct {
	mu   sync.Mutex
	pos  figure.Pos
	xs   []float64
	revs []uint64
}

func (r *orderRecorder) OnSnapshot(s figure.Snapshot) {
	if s.Pos != r.pos {
		return
	}
	r.mu.Lock()
	r.xs = append(r.xs, s.Offset.X)
	r.revs = append(r.revs, s.Revision)
	r.mu.Unlock()
}

func (r *orderRecorder) OnForget(figure.Pos) {}

func TestClient_RapidUpdatesArriveInOrder(t *testing.T) {
	w, url := startServer(t)
	pos := figure.Pos{X: -40, Y: 64, Z: 7}
	_, err := w.Place(testCtx(t), pos, figure.ColorOriginal, nil)
	require.NoError(t, err)

	viewer := connect(t, url, pos)
	rec := &orderRecorder{pos: pos}
	viewer.Mirror().Subscribe(rec)
	editor := connect(t, url, pos)

	const n = 50
	for i := 1; i <= n; i++ {
		u := protocol.OffsetUpdate{Pos: pos, Offset: figure.Vec3{X: float64(i) / n}, Scale: 1}
		require.True(t, editor.Send(protocol.EncodeOffsetUpdate(u)))
	}
	got, err := viewer.Mirror().WaitFor(testCtx(t), pos, atRevision(n))
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Offset.X, "last write wins")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i := 1; i < len(rec.revs); i++ {
		assert.GreaterOrEqual(t, rec.revs[i], rec.revs[i-1], "revisions never go backwards")
		if rec.revs[i] > rec.revs[i-1] {
			assert.Greater(t, rec.xs[i], rec.xs[i-1])
		}
	}
}

func TestClient_ForgetClosesEditor(t *testing.T) {
	w, url := startServer(t)
	pos := figure.Pos{X: 5, Y: 5, Z: 5}
	_, err := w.Place(testCtx(t), pos, figure.ColorOriginal, nil)
	require.NoError(t, err)

	editor := connect(t, url, pos)
	_, err = editor.Mirror().WaitFor(testCtx(t), pos, atRevision(0))
	require.NoError(t, err)
	c := preview.NewController(editor.Mirror(), editor, nil)
	defer c.Detach()
	require.NoError(t, c.Open(pos))

	_, err = w.Remove(testCtx(t), pos)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.State() == preview.Idle }, waitFor, 10*time.Millisecond)
	_, ok := editor.Mirror().Get(pos)
	assert.False(t, ok)
}

func TestClient_SendNeverBlocks(t *testing.T) {
	_, url := startServer(t)
	c, err := Dial(testCtx(t), Config{URL: url, SendQueue: 1, Area: AreaAround(figure.Pos{}, 1)}, mirror.New())
	require.NoError(t, err)
	defer c.Close()

	frame := protocol.EncodeOffsetUpdate(protocol.OffsetUpdate{Scale: 1})
	assert.True(t, c.Send(frame))
	assert.False(t, c.Send(frame), "queue full, nothing is writing")
	assert.Equal(t, uint64(1), c.Dropped())

	require.NoError(t, c.Close())
	assert.False(t, c.Send(frame))
}

func TestClient_HandshakeRejected(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
		_ = conn.WriteJSON(protocol.ErrorMsg{Type: protocol.TypeError, ProtocolVersion: protocol.Version, Code: protocol.ErrProtoVersion, Message: "bad protocol_version"})
	}))
	defer srv.Close()

	_, err := Dial(testCtx(t), Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, mirror.New())
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, protocol.ErrProtoVersion, rej.Code)

	_, err = Dial(testCtx(t), Config{URL: "ws://127.0.0.1:1/v1/ws"}, mirror.New())
	assert.Error(t, err)
}
