package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"blockpops.ai/internal/transport/admin"
)

// call sends one request to the server and prints the response body. Non-2xx
// answers are errors.
func call(cmd *cobra.Command, method, path string, query url.Values, body any) error {
	base, _ := cmd.Flags().GetString("url")
	u := strings.TrimRight(strings.TrimSpace(base), "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(cmd.Context(), method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	cl := &http.Client{Timeout: 10 * time.Second}
	resp, err := cl.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Fprint(cmd.OutOrStdout(), string(b))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}

func posQuery(cmd *cobra.Command) url.Values {
	pos, _ := cmd.Flags().GetString("pos")
	return url.Values{"pos": {pos}}
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show figure count, shards and index queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodGet, "/admin/v1/state", nil, nil)
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Ask the server to write a snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodPost, "/admin/v1/snapshot", nil, nil)
	},
}

var getCmd = &cobra.Command{
	Use:   "get",
	Short: "Show one figure",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodGet, "/v1/figures", posQuery(cmd), nil)
	},
}

var placeCmd = &cobra.Command{
	Use:   "place",
	Short: "Place a box",
	RunE: func(cmd *cobra.Command, args []string) error {
		pos, _ := cmd.Flags().GetString("pos")
		color, _ := cmd.Flags().GetString("color")
		variant, _ := cmd.Flags().GetString("variant")
		return call(cmd, http.MethodPost, "/admin/v1/figures", nil, admin.PlaceRequest{Pos: pos, Color: color, Variant: variant})
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove a box",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodDelete, "/admin/v1/figures", posQuery(cmd), nil)
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset a figure to placement defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodPost, "/admin/v1/figures/reset", posQuery(cmd), nil)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List indexed commits for a figure, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := posQuery(cmd)
		limit, _ := cmd.Flags().GetInt("limit")
		q.Set("limit", fmt.Sprint(limit))
		return call(cmd, http.MethodGet, "/admin/v1/figures/history", q, nil)
	},
}

func init() {
	for _, c := range []*cobra.Command{getCmd, placeCmd, removeCmd, resetCmd, historyCmd} {
		c.Flags().String("pos", "", "figure position x,y,z")
		_ = c.MarkFlagRequired("pos")
	}
	placeCmd.Flags().String("color", "", "box color (default original)")
	placeCmd.Flags().String("variant", "", "figure variant (default from server config)")
	historyCmd.Flags().Int("limit", 20, "max commits")
}
