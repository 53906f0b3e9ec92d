// Package config loads server and editor settings: built-in defaults, then an
// optional YAML file, then BP_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"blockpops.ai/internal/sim/figure"
)

type Config struct {
	Server      Server      `yaml:"server"`
	World       World       `yaml:"world"`
	Persistence Persistence `yaml:"persistence"`
	Log         Log         `yaml:"log"`
	Client      Client      `yaml:"client"`
}

type Server struct {
	Addr     string `yaml:"addr" env:"BP_ADDR"`
	DataDir  string `yaml:"data_dir" env:"BP_DATA_DIR"`
	MaxQueue int    `yaml:"max_queue" env:"BP_MAX_QUEUE"`
}

type World struct {
	Shards             int       `yaml:"shards" env:"BP_SHARDS"`
	ResyncEveryMs      int       `yaml:"resync_every_ms" env:"BP_RESYNC_EVERY_MS"`
	DefaultChunkRadius int       `yaml:"default_chunk_radius" env:"BP_CHUNK_RADIUS"`
	MaxChunkRadius     int       `yaml:"max_chunk_radius" env:"BP_MAX_CHUNK_RADIUS"`
	Placement          Placement `yaml:"placement"`
}

// Placement holds the attribute values of a freshly placed box.
type Placement struct {
	Variant string     `yaml:"variant" env:"BP_PLACE_VARIANT"`
	Offset  [3]float64 `yaml:"offset"`
	Scale   float64    `yaml:"scale" env:"BP_PLACE_SCALE"`
}

type Persistence struct {
	Store   bool `yaml:"store" env:"BP_STORE"`
	IndexDB bool `yaml:"index_db" env:"BP_INDEX_DB"`
	Journal bool `yaml:"journal" env:"BP_JOURNAL"`
}

type Log struct {
	Level string `yaml:"level" env:"BP_LOG_LEVEL"`
	JSON  bool   `yaml:"json" env:"BP_LOG_JSON"`
}

type Client struct {
	URL         string `yaml:"url" env:"BP_CLIENT_URL"`
	Name        string `yaml:"name" env:"BP_CLIENT_NAME"`
	ChunkRadius int    `yaml:"chunk_radius" env:"BP_CLIENT_CHUNK_RADIUS"`
	SendQueue   int    `yaml:"send_queue" env:"BP_CLIENT_SEND_QUEUE"`
}

func Defaults() Config {
	return Config{
		Server: Server{
			Addr:     ":8080",
			DataDir:  "./data",
			MaxQueue: 256,
		},
		World: World{
			Shards:             4,
			ResyncEveryMs:      1000,
			DefaultChunkRadius: 4,
			MaxChunkRadius:     16,
			Placement: Placement{
				Variant: string(figure.VariantNone),
				Scale:   1.0,
			},
		},
		Persistence: Persistence{Store: true, IndexDB: true, Journal: true},
		Log:         Log{Level: "info"},
		Client: Client{
			URL:         "ws://127.0.0.1:8080/v1/ws",
			Name:        "editor",
			ChunkRadius: 4,
			SendQueue:   64,
		},
	}
}

// Load applies path (if non-empty) and the environment on top of Defaults.
// A missing file is not an error.
func Load(path string) (Config, error) {
	c := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return c, err
		default:
			if err := yaml.Unmarshal(raw, &c); err != nil {
				return c, fmt.Errorf("%s: %w", path, err)
			}
		}
	}
	if err := env.Parse(&c); err != nil {
		return c, fmt.Errorf("parse env: %w", err)
	}
	c.normalize()
	return c, nil
}

func (c *Config) normalize() {
	d := Defaults()
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.DataDir == "" {
		c.Server.DataDir = d.Server.DataDir
	}
	c.Server.MaxQueue = clampInt(c.Server.MaxQueue, 8, 4096, d.Server.MaxQueue)
	c.World.Shards = clampInt(c.World.Shards, 1, 64, d.World.Shards)
	c.World.ResyncEveryMs = clampInt(c.World.ResyncEveryMs, 50, 60000, d.World.ResyncEveryMs)
	c.World.MaxChunkRadius = clampInt(c.World.MaxChunkRadius, 1, 64, d.World.MaxChunkRadius)
	c.World.DefaultChunkRadius = clampInt(c.World.DefaultChunkRadius, 1, c.World.MaxChunkRadius, d.World.DefaultChunkRadius)
	if _, ok := figure.ParseVariant(c.World.Placement.Variant); !ok {
		c.World.Placement.Variant = string(figure.VariantNone)
	}
	c.Client.ChunkRadius = clampInt(c.Client.ChunkRadius, 1, 64, d.Client.ChunkRadius)
	c.Client.SendQueue = clampInt(c.Client.SendQueue, 1, 4096, d.Client.SendQueue)
	if c.Client.Name == "" {
		c.Client.Name = d.Client.Name
	}
}

// PlacementDefaults converts the placement section for the world.
func (w World) PlacementDefaults() figure.Defaults {
	v, _ := figure.ParseVariant(w.Placement.Variant)
	return figure.Defaults{
		Variant: v,
		Offset:  figure.Vec3{X: w.Placement.Offset[0], Y: w.Placement.Offset[1], Z: w.Placement.Offset[2]},
		Scale:   w.Placement.Scale,
	}
}

func (w World) ResyncEvery() time.Duration {
	return time.Duration(w.ResyncEveryMs) * time.Millisecond
}

func clampInt(v, min, max, def int) int {
	if v == 0 {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
