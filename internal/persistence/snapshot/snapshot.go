package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"blockpops.ai/internal/sim/figure"
)

const Version = 1

const fileSuffix = ".snap.zst"

type Header struct {
	Version   int       `json:"version"`
	Instances int       `json:"instances"`
	CreatedAt time.Time `json:"created_at"`
}

type SnapshotV1 struct {
	Header  Header     `json:"header"`
	Figures []FigureV1 `json:"figures"`
}

// FigureV1 stores tags as strings so a file stays readable when the tag sets
// change; unknown tags fall back on import.
type FigureV1 struct {
	Pos      [3]int32   `json:"pos"`
	Color    string     `json:"color"`
	Variant  string     `json:"variant"`
	Offset   [3]float64 `json:"offset"`
	Scale    float64    `json:"scale"`
	Revision uint64     `json:"revision"`
}

func New(snaps []figure.Snapshot, now time.Time) SnapshotV1 {
	out := SnapshotV1{
		Header:  Header{Version: Version, Instances: len(snaps), CreatedAt: now.UTC()},
		Figures: make([]FigureV1, 0, len(snaps)),
	}
	for _, s := range snaps {
		out.Figures = append(out.Figures, FigureV1{
			Pos:      s.Pos.ToArray(),
			Color:    s.Color.String(),
			Variant:  string(s.Variant),
			Offset:   s.Offset.ToArray(),
			Scale:    s.Scale,
			Revision: s.Revision,
		})
	}
	return out
}

// Snapshots converts back to records, deduplicating positions (last one
// wins).
func (s SnapshotV1) Snapshots() []figure.Snapshot {
	seen := make(map[figure.Pos]int, len(s.Figures))
	out := make([]figure.Snapshot, 0, len(s.Figures))
	for _, f := range s.Figures {
		color, _ := figure.ParseColor(f.Color)
		variant, _ := figure.ParseVariant(f.Variant)
		snap := figure.Snapshot{
			Pos:      figure.Pos{X: f.Pos[0], Y: f.Pos[1], Z: f.Pos[2]},
			Color:    color,
			Variant:  variant,
			Offset:   figure.Vec3{X: f.Offset[0], Y: f.Offset[1], Z: f.Offset[2]},
			Scale:    f.Scale,
			Revision: f.Revision,
		}
		if i, ok := seen[snap.Pos]; ok {
			out[i] = snap
			continue
		}
		seen[snap.Pos] = len(out)
		out = append(out, snap)
	}
	return out
}

// WriteSnapshot writes a JSON header line followed by the gob-encoded body,
// zstd-compressed.
func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}

	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	hl, err := br.ReadBytes('\n')
	if err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(hl, &h); err != nil {
		return snap, fmt.Errorf("header: %w", err)
	}
	if h.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", h.Version)
	}

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}

// Dir is where snapshot files live under a data directory.
func Dir(dataDir string) string { return filepath.Join(dataDir, "snapshots") }

// FileName names a snapshot by its creation time in unix milliseconds, so
// names sort by age.
func FileName(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 10) + fileSuffix
}

// Latest returns the newest snapshot file in dir, or "" when there is none.
func Latest(dir string) string {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestAt int64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		at, err := strconv.ParseInt(strings.TrimSuffix(name, fileSuffix), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || at > bestAt {
			bestAt = at
			best = filepath.Join(dir, name)
		}
	}
	return best
}
