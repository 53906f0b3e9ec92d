package main

import (
	"bytes"
	"context"
	"errors"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockpops.ai/internal/sim/figure"
	"blockpops.ai/internal/sim/world"
	"blockpops.ai/internal/transport/ws"
)

func startServer(t *testing.T) (*world.World, string) {
	t.Helper()
	w := world.New(world.Config{Shards: 2})
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
		case <-time.After(2 * time.Second):
			t.Errorf("world did not stop")
		}
	})
	return w, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", ""}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestEditor_SetVariantReset(t *testing.T) {
	w, url := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pos := figure.Pos{X: 3, Y: 64, Z: -2}
	_, err := w.Place(ctx, pos, figure.ColorYellow, nil)
	require.NoError(t, err)

	out, err := run(t, "set", "--url", url, "--pos", "3,64,-2", "--x", "-0.55", "--z", "-0.40")
	require.NoError(t, err, out)
	assert.Contains(t, out, "3,64,-2 rev=2 color=yellow variant=none offset=(-0.55,0,-0.4) scale=1")

	out, err = run(t, "variant", "default", "--url", url, "--pos", "3,64,-2")
	require.NoError(t, err, out)
	assert.Contains(t, out, "variant=default")

	out, err = run(t, "reset", "--url", url, "--pos", "3,64,-2")
	require.NoError(t, err, out)
	assert.Contains(t, out, "offset=(0,0.1,0) scale=1")

	snap, err := w.ObserveBegin(ctx, pos)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), snap.Revision)
	assert.Equal(t, figure.VariantDefault, snap.Variant)
}

func TestEditor_UnknownFigure(t *testing.T) {
	_, url := startServer(t)
	_, err := run(t, "reset", "--url", url, "--pos", "100,64,100", "--timeout", "200ms")
	assert.ErrorContains(t, err, "not visible")
}

func TestSameAttributes(t *testing.T) {
	a := figure.Snapshot{Offset: figure.Vec3{X: 1}, Scale: 1, Revision: 1}
	b := a
	b.Revision = 9
	assert.True(t, sameAttributes(a, b))
	b.Offset.X = math.Copysign(0, -1)
	assert.False(t, sameAttributes(a, b))
}
