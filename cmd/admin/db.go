package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"blockpops.ai/internal/persistence/indexdb"
	"blockpops.ai/internal/sim/figure"
	"blockpops.ai/internal/transport/admin"
)

// dbCmd reads the commit index file directly, for when the server is down.
var dbCmd = &cobra.Command{
	Use:   "db <index.sqlite>",
	Short: "Query the commit index offline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		posFlag, _ := cmd.Flags().GetString("pos")
		pos, err := figure.ParsePos(posFlag)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		idx, err := indexdb.OpenSQLite(args[0])
		if err != nil {
			return fmt.Errorf("open index: %w", err)
		}
		defer idx.Close()

		rows, err := idx.History(cmd.Context(), pos, limit)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		for _, r := range rows {
			if err := enc.Encode(admin.HistoryEntry{
				Seq:       r.Seq,
				At:        r.At,
				Kind:      string(r.Kind),
				SessionID: r.SessionID,
				Figure:    admin.NewFigureView(r.Snapshot),
			}); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	dbCmd.Flags().String("pos", "", "figure position x,y,z")
	dbCmd.Flags().Int("limit", 20, "max commits")
	_ = dbCmd.MarkFlagRequired("pos")
}
