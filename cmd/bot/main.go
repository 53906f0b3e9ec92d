package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"blockpops.ai/internal/client"
	"blockpops.ai/internal/client/mirror"
	"blockpops.ai/internal/client/preview"
	"blockpops.ai/internal/logging"
	"blockpops.ai/internal/sim/figure"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name     = flag.String("name", "bot", "client name")
		posFlag  = flag.String("pos", "0,64,0", "figure to edit x,y,z")
		edits    = flag.Int("edits", 0, "stop after n edits (0 = until interrupted)")
		interval = flag.Duration("interval", 50*time.Millisecond, "delay between edits")
		seed     = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	)
	flag.Parse()

	logging.Init(logging.Config{Level: logging.InfoLevel, Output: os.Stdout})
	log := logging.WithComponent("bot")

	pos, err := figure.ParsePos(*posFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("bad pos")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	conn, err := client.Dial(dialCtx, client.Config{
		URL:  *url,
		Name: *name,
		Area: client.AreaAround(pos, 1),
	}, mirror.New())
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("dial")
	}
	defer conn.Close()
	log.Info().Str("session_id", conn.SessionID()).Int("chunk_radius", conn.ChunkRadius()).Msg("WELCOME")

	runDone := make(chan error, 1)
	go func() { runDone <- conn.Run(ctx) }()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	_, err = conn.Mirror().WaitFor(waitCtx, pos, func(figure.Snapshot) bool { return true })
	cancel()
	if err != nil {
		log.Fatal().Err(err).Str("pos", pos.String()).Msg("figure not visible")
	}

	ctrl := preview.NewController(conn.Mirror(), conn, nil)
	defer ctrl.Detach()
	if err := ctrl.Open(pos); err != nil {
		log.Fatal().Err(err).Msg("open editor")
	}

	rng := rand.New(rand.NewSource(*seed))
	tick := time.NewTicker(*interval)
	defer tick.Stop()
	n := 0
	for *edits == 0 || n < *edits {
		select {
		case <-ctx.Done():
			report(ctrl, conn, n)
			return
		case err := <-runDone:
			log.Error().Err(err).Msg("connection closed")
			report(ctrl, conn, n)
			return
		case <-tick.C:
		}
		if err := randomEdit(rng, ctrl); err != nil {
			log.Warn().Err(err).Msg("edit")
			return
		}
		n++
	}

	// Give the last echo a moment to land before reporting.
	time.Sleep(*interval)
	report(ctrl, conn, n)
}

func randomEdit(rng *rand.Rand, ctrl *preview.Controller) error {
	switch rng.Intn(10) {
	case 0:
		v := figure.Variants()
		return ctrl.SetVariant(v[rng.Intn(len(v))])
	case 1:
		return ctrl.Reset()
	case 2:
		return ctrl.SetScale(preview.SliderToScale(rng.Float64()))
	default:
		set := []func(float64) error{ctrl.SetOffsetX, ctrl.SetOffsetY, ctrl.SetOffsetZ}
		return set[rng.Intn(len(set))](preview.SliderToOffset(rng.Float64()))
	}
}

func report(ctrl *preview.Controller, conn *client.Conn, n int) {
	log := logging.WithComponent("bot")
	sent, dropped := ctrl.Stats()
	ev := log.Info().Int("edits", n).Uint64("sent", sent).Uint64("dropped", dropped).Uint64("conn_dropped", conn.Dropped())
	if s, ok := ctrl.Shadow(); ok {
		ev = ev.Uint64("revision", s.Revision).Str("variant", string(s.Variant)).Float64("scale", s.Scale)
	}
	ev.Msg("done")
}
