package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	persistlog "blockpops.ai/internal/persistence/log"
	"blockpops.ai/internal/persistence/snapshot"
	"blockpops.ai/internal/persistence/store"
	"blockpops.ai/internal/sim/figure"
)

// These commands open the store directly; run them while the server is down.

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the stored figures to a snapshot file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("out")

		st, err := store.Open(storePath(cfg.Server.DataDir), cfg.World.PlacementDefaults())
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
		snaps, err := st.LoadAll()
		if err != nil {
			return err
		}

		now := time.Now()
		if out == "" {
			out = filepath.Join(snapshot.Dir(cfg.Server.DataDir), snapshot.FileName(now))
		}
		if err := snapshot.WriteSnapshot(out, snapshot.New(snaps, now)); err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}
		printWritten(cmd, out, len(snaps))
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <snapshot>",
	Short: "Replace the stored figures with a snapshot file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		snap, err := snapshot.ReadSnapshot(args[0])
		if err != nil {
			return fmt.Errorf("read snapshot: %w", err)
		}
		st, err := store.Open(storePath(cfg.Server.DataDir), cfg.World.PlacementDefaults())
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		snaps := snap.Snapshots()
		if err := st.ReplaceAll(snaps); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %s figures from %s (created %s)\n",
			humanize.Comma(int64(len(snaps))), args[0], humanize.Time(snap.Header.CreatedAt))
		return nil
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rebuild figure state from a snapshot and the commit journal",
	Long: `Replay folds the commit journal onto a snapshot (or an empty world) and
compares the result with the store. With --out the result is also written
as a new snapshot.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		snapPath, _ := cmd.Flags().GetString("snapshot")
		out, _ := cmd.Flags().GetString("out")
		defaults := cfg.World.PlacementDefaults()

		var (
			base  []figure.Snapshot
			since time.Time
		)
		if snapPath != "" {
			snap, err := snapshot.ReadSnapshot(snapPath)
			if err != nil {
				return fmt.Errorf("read snapshot: %w", err)
			}
			base = snap.Snapshots()
			since = snap.Header.CreatedAt
			fmt.Fprintf(cmd.OutOrStdout(), "snapshot v%d figures=%d created=%s\n",
				snap.Header.Version, snap.Header.Instances, snap.Header.CreatedAt.Format(time.RFC3339))
		}

		entries, err := persistlog.ReadSince(cfg.Server.DataDir, since)
		if err != nil {
			return fmt.Errorf("read journal: %w", err)
		}
		replayed := persistlog.ReplayFrom(base, since, entries, defaults)
		fmt.Fprintf(cmd.OutOrStdout(), "journal entries=%d figures=%d\n", len(entries), len(replayed))

		if out != "" {
			if err := snapshot.WriteSnapshot(out, snapshot.New(replayed, time.Now())); err != nil {
				return fmt.Errorf("write snapshot: %w", err)
			}
			printWritten(cmd, out, len(replayed))
		}

		if _, err := os.Stat(storePath(cfg.Server.DataDir)); err != nil {
			return nil
		}
		st, err := store.Open(storePath(cfg.Server.DataDir), defaults)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
		stored, err := st.LoadAll()
		if err != nil {
			return err
		}
		if diff := diffStates(stored, replayed); len(diff) > 0 {
			for _, d := range diff {
				fmt.Fprintln(cmd.ErrOrStderr(), d)
			}
			return fmt.Errorf("replay mismatch: %d figures differ from the store", len(diff))
		}
		fmt.Fprintln(cmd.OutOrStdout(), "replay ok: store matches journal")
		return nil
	},
}

func init() {
	exportCmd.Flags().String("out", "", "output path (default: <data>/snapshots/<unix-ms>.snap.zst)")
	replayCmd.Flags().String("snapshot", "", "snapshot to start from (optional)")
	replayCmd.Flags().String("out", "", "write the replayed state as a snapshot")
}

func printWritten(cmd *cobra.Command, path string, n int) {
	size := "?"
	if st, err := os.Stat(path); err == nil {
		size = humanize.Bytes(uint64(st.Size()))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s figures to %s (%s)\n", humanize.Comma(int64(n)), path, size)
}

// diffStates lists positions whose figures differ.
func diffStates(want, got []figure.Snapshot) []string {
	byPos := func(a, b figure.Snapshot) int { return a.Pos.Compare(b.Pos) }
	want = slices.Clone(want)
	got = slices.Clone(got)
	slices.SortFunc(want, byPos)
	slices.SortFunc(got, byPos)

	var out []string
	i, j := 0, 0
	for i < len(want) || j < len(got) {
		switch {
		case j >= len(got) || (i < len(want) && want[i].Pos.Compare(got[j].Pos) < 0):
			out = append(out, fmt.Sprintf("%s: missing from journal", want[i].Pos))
			i++
		case i >= len(want) || want[i].Pos.Compare(got[j].Pos) > 0:
			out = append(out, fmt.Sprintf("%s: missing from store", got[j].Pos))
			j++
		default:
			if !want[i].Same(got[j]) {
				out = append(out, fmt.Sprintf("%s: store rev %d, journal rev %d", want[i].Pos, want[i].Revision, got[j].Revision))
			}
			i++
			j++
		}
	}
	return out
}
