package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"blockpops.ai/internal/config"
	"blockpops.ai/internal/logging"
	"blockpops.ai/internal/metrics"
	"blockpops.ai/internal/persistence/indexdb"
	persistlog "blockpops.ai/internal/persistence/log"
	"blockpops.ai/internal/persistence/snapshot"
	"blockpops.ai/internal/persistence/store"
	"blockpops.ai/internal/sim/figure"
	"blockpops.ai/internal/sim/world"
	"blockpops.ai/internal/transport/admin"
	"blockpops.ai/internal/transport/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the figure server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("addr") {
			cfg.Server.Addr, _ = cmd.Flags().GetString("addr")
		}
		snapPath, _ := cmd.Flags().GetString("snapshot")

		ctx, cancel := signalContext()
		defer cancel()
		return serve(ctx, cfg, snapPath)
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "http listen address (overrides config)")
	serveCmd.Flags().String("snapshot", "", "snapshot to start from instead of the stored state")
}

func storePath(dataDir string) string { return filepath.Join(dataDir, "figures.db") }

func indexPath(dataDir string) string { return filepath.Join(dataDir, "index.sqlite") }

func worldConfig(cfg config.Config) world.Config {
	return world.Config{
		Shards:             cfg.World.Shards,
		ResyncEvery:        cfg.World.ResyncEvery(),
		DefaultChunkRadius: cfg.World.DefaultChunkRadius,
		MaxChunkRadius:     cfg.World.MaxChunkRadius,
		Placement:          cfg.World.PlacementDefaults(),
	}
}

func serve(ctx context.Context, cfg config.Config, snapPath string) error {
	log := logging.WithComponent("server")
	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return err
	}
	defaults := cfg.World.PlacementDefaults()

	var st *store.BoltStore
	if cfg.Persistence.Store {
		var err error
		st, err = store.Open(storePath(cfg.Server.DataDir), defaults)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
	}

	snaps, source, err := initialState(cfg, st, snapPath)
	if err != nil {
		return err
	}

	w := world.New(worldConfig(cfg))
	if err := w.Load(snaps); err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	log.Info().Str("source", source).Str("figures", humanize.Comma(int64(len(snaps)))).Msg("state loaded")

	if st != nil {
		w.AddCommitSink(st)
	}
	var idx *indexdb.SQLiteIndex
	if cfg.Persistence.IndexDB {
		idx, err = indexdb.OpenSQLite(indexPath(cfg.Server.DataDir))
		if err != nil {
			return fmt.Errorf("open index: %w", err)
		}
		defer idx.Close()
		w.AddCommitSink(idx)
	}
	if cfg.Persistence.Journal {
		j := persistlog.NewCommitJournal(cfg.Server.DataDir)
		defer j.Close()
		w.AddCommitSink(j)
	}

	var adminIndex admin.Index
	if idx != nil {
		adminIndex = idx
	}
	mux := newMux(w, adminIndex, cfg)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := w.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		w.Stop()
		return srv.Shutdown(sctx)
	})
	err = g.Wait()
	log.Info().Msg("stopped")
	return err
}

func newMux(w *world.World, index admin.Index, cfg config.Config) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/v1/ws", ws.NewServer(w, cfg.Server.MaxQueue).Handler())
	admin.NewServer(w, index, cfg.Server.DataDir).Register(mux)
	return mux
}

// initialState picks the figures the world starts with. An explicit snapshot
// wins; otherwise a non-empty store; otherwise the latest snapshot with the
// journal replayed on top. Whatever is chosen is written back to the store.
func initialState(cfg config.Config, st *store.BoltStore, snapPath string) ([]figure.Snapshot, string, error) {
	defaults := cfg.World.PlacementDefaults()

	if snapPath == "" && st != nil {
		snaps, err := st.LoadAll()
		if err != nil {
			return nil, "", fmt.Errorf("load store: %w", err)
		}
		if len(snaps) > 0 {
			return snaps, "store", nil
		}
	}

	var (
		base   []figure.Snapshot
		since  time.Time
		source = "empty"
	)
	explicit := snapPath != ""
	if !explicit {
		snapPath = snapshot.Latest(snapshot.Dir(cfg.Server.DataDir))
	}
	if snapPath != "" {
		snap, err := snapshot.ReadSnapshot(snapPath)
		if err != nil {
			return nil, "", fmt.Errorf("read snapshot: %w", err)
		}
		base = snap.Snapshots()
		since = snap.Header.CreatedAt
		source = filepath.Base(snapPath)
	}

	out := base
	if !explicit && cfg.Persistence.Journal {
		entries, err := persistlog.ReadSince(cfg.Server.DataDir, since)
		if err != nil {
			return nil, "", fmt.Errorf("read journal: %w", err)
		}
		if len(entries) > 0 {
			out = persistlog.ReplayFrom(base, since, entries, defaults)
			source += "+journal"
		}
	}

	if st != nil {
		if err := st.ReplaceAll(out); err != nil {
			return nil, "", fmt.Errorf("seed store: %w", err)
		}
	}
	return out, source, nil
}
