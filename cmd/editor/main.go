package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"blockpops.ai/internal/client"
	"blockpops.ai/internal/client/mirror"
	"blockpops.ai/internal/client/preview"
	"blockpops.ai/internal/config"
	"blockpops.ai/internal/logging"
	"blockpops.ai/internal/sim/figure"
)

var (
	configPath string
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "blockpops-editor",
	Short:         "Headless figure editor",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "./configs/editor.yaml", "config file (optional)")
	rootCmd.PersistentFlags().String("url", "", "server websocket url (overrides config)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for the server")

	setCmd.Flags().String("pos", "", "figure position x,y,z")
	setCmd.Flags().Float64("x", 0, "offset x")
	setCmd.Flags().Float64("y", 0, "offset y")
	setCmd.Flags().Float64("z", 0, "offset z")
	setCmd.Flags().Float64("scale", 1, "scale")
	_ = setCmd.MarkFlagRequired("pos")

	variantCmd.Flags().String("pos", "", "figure position x,y,z")
	_ = variantCmd.MarkFlagRequired("pos")

	resetCmd.Flags().String("pos", "", "figure position x,y,z")
	_ = resetCmd.MarkFlagRequired("pos")

	watchCmd.Flags().String("center", "0,64,0", "area center x,y,z")
	watchCmd.Flags().Int("radius", 0, "area radius in chunks (default from config)")

	rootCmd.AddCommand(watchCmd, setCmd, variantCmd, resetCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if cmd.Flags().Changed("url") {
		cfg.Client.URL, _ = cmd.Flags().GetString("url")
	}
	logging.Init(logging.Config{Level: logging.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON, Output: os.Stderr})
	return cfg, nil
}

// session is a running connection plus its preview controller.
type session struct {
	conn *client.Conn
	ctrl *preview.Controller
	done chan error
}

func (s *session) close() {
	s.ctrl.Detach()
	_ = s.conn.Close()
	<-s.done
}

// connect dials with an area around center and runs the connection in the
// background.
func connect(ctx context.Context, cfg config.Config, center figure.Pos, radius int, display preview.Display) (*session, error) {
	if radius <= 0 {
		radius = cfg.Client.ChunkRadius
	}
	conn, err := client.Dial(ctx, client.Config{
		URL:       cfg.Client.URL,
		Name:      cfg.Client.Name,
		Area:      client.AreaAround(center, radius),
		SendQueue: cfg.Client.SendQueue,
	}, mirror.New())
	if err != nil {
		return nil, err
	}
	s := &session{
		conn: conn,
		ctrl: preview.NewController(conn.Mirror(), conn, display),
		done: make(chan error, 1),
	}
	go func() { s.done <- conn.Run(context.Background()) }()
	return s, nil
}

// edit opens the figure at pos, runs apply against the controller and waits
// until the server echoes the edited state.
func edit(cmd *cobra.Command, apply func(*preview.Controller) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	posFlag, _ := cmd.Flags().GetString("pos")
	pos, err := figure.ParsePos(posFlag)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	s, err := connect(ctx, cfg, pos, 1, nil)
	if err != nil {
		return err
	}
	defer s.close()

	if _, err := s.conn.Mirror().WaitFor(ctx, pos, func(figure.Snapshot) bool { return true }); err != nil {
		return fmt.Errorf("figure %s not visible: %w", pos, err)
	}
	if err := s.ctrl.Open(pos); err != nil {
		return err
	}
	defer s.ctrl.Close()
	if err := apply(s.ctrl); err != nil {
		return err
	}

	want, _ := s.ctrl.LastSent()
	got, err := s.conn.Mirror().WaitFor(ctx, pos, func(cur figure.Snapshot) bool { return sameAttributes(cur, want) })
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("figure %s: edit not confirmed within %s", pos, timeout)
	}
	if err != nil {
		return err
	}
	printSnapshot(cmd.OutOrStdout(), got)
	return nil
}

func sameAttributes(a, b figure.Snapshot) bool {
	return a.Variant == b.Variant &&
		math.Float64bits(a.Offset.X) == math.Float64bits(b.Offset.X) &&
		math.Float64bits(a.Offset.Y) == math.Float64bits(b.Offset.Y) &&
		math.Float64bits(a.Offset.Z) == math.Float64bits(b.Offset.Z) &&
		math.Float64bits(a.Scale) == math.Float64bits(b.Scale)
}

func printSnapshot(w io.Writer, s figure.Snapshot) {
	fmt.Fprintf(w, "%s rev=%d color=%s variant=%s offset=(%g,%g,%g) scale=%g\n",
		s.Pos, s.Revision, s.Color, s.Variant, s.Offset.X, s.Offset.Y, s.Offset.Z, s.Scale)
}

var setCmd = &cobra.Command{
	Use:   "set",
	Short: "Set offset and scale; each given flag is sent as its own edit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return edit(cmd, func(c *preview.Controller) error {
			steps := []struct {
				flag string
				set  func(float64) error
			}{
				{"x", c.SetOffsetX},
				{"y", c.SetOffsetY},
				{"z", c.SetOffsetZ},
				{"scale", c.SetScale},
			}
			for _, st := range steps {
				if !cmd.Flags().Changed(st.flag) {
					continue
				}
				v, _ := cmd.Flags().GetFloat64(st.flag)
				if err := st.set(v); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var variantCmd = &cobra.Command{
	Use:   "variant <tag>",
	Short: "Select the figure variant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return edit(cmd, func(c *preview.Controller) error {
			return c.SetVariant(figure.Variant(args[0]))
		})
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Put offset and scale back to the editor defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return edit(cmd, func(c *preview.Controller) error { return c.Reset() })
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print every snapshot and forget in an area",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		centerFlag, _ := cmd.Flags().GetString("center")
		center, err := figure.ParsePos(centerFlag)
		if err != nil {
			return err
		}
		radius, _ := cmd.Flags().GetInt("radius")

		dctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		s, err := connect(dctx, cfg, center, radius, nil)
		if err != nil {
			return err
		}
		defer s.close()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "session %s radius=%d\n", s.conn.SessionID(), s.conn.ChunkRadius())
		s.conn.Mirror().Subscribe(printer{w: out})

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		select {
		case <-ctx.Done():
			return nil
		case err := <-s.done:
			s.done <- err
			return err
		}
	},
}

type printer struct{ w io.Writer }

func (p printer) OnSnapshot(s figure.Snapshot) { printSnapshot(p.w, s) }

func (p printer) OnForget(pos figure.Pos) { fmt.Fprintf(p.w, "%s gone\n", pos) }
