package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	segmentPrefix = "commits-"
	segmentSuffix = ".jsonl.zst"
	segmentLayout = "2006-01-02-15"
)

// SegmentName is the journal file holding commits made during hour (UTC).
func SegmentName(hour time.Time) string {
	return segmentPrefix + hour.UTC().Format(segmentLayout) + segmentSuffix
}

func parseSegmentName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return time.Time{}, false
	}
	hour, err := time.Parse(segmentLayout, strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix))
	return hour, err == nil
}

// segments lists journal files whose hour may hold commits after since, in
// chronological order. A zero since lists all of them.
func segments(dir string, since time.Time) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	type seg struct {
		hour time.Time
		path string
	}
	var segs []seg
	for _, e := range ents {
		hour, ok := parseSegmentName(e.Name())
		if e.IsDir() || !ok {
			continue
		}
		if !since.IsZero() && !hour.Add(time.Hour).After(since) {
			continue
		}
		segs = append(segs, seg{hour: hour, path: filepath.Join(dir, e.Name())})
	}
	slices.SortFunc(segs, func(a, b seg) int { return a.hour.Compare(b.hour) })
	out := make([]string, len(segs))
	for i, s := range segs {
		out[i] = s.path
	}
	return out, nil
}

// segmentWriter files each entry under the hour of its commit time, so a
// snapshot's creation time maps directly onto the segments a replay needs.
// Entries committed late in an hour that arrive after the next hour opened
// are appended to their own hour as a further zstd frame.
type segmentWriter struct {
	dir string

	mu   sync.Mutex
	hour time.Time
	f    *os.File
	zw   *zstd.Encoder
	bw   *bufio.Writer
}

func newSegmentWriter(dir string) *segmentWriter {
	return &segmentWriter{dir: dir}
}

func (w *segmentWriter) append(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	hour := e.At.UTC().Truncate(time.Hour)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil || !hour.Equal(w.hour) {
		if err := w.open(hour); err != nil {
			return err
		}
	}
	if _, err := w.bw.Write(line); err != nil {
		return err
	}
	return w.bw.Flush()
}

func (w *segmentWriter) open(hour time.Time) error {
	if err := w.closeSegment(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(w.dir, SegmentName(hour)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.hour, w.f, w.zw = hour, f, zw
	w.bw = bufio.NewWriterSize(zw, 64*1024)
	return nil
}

func (w *segmentWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeSegment()
}

// closeSegment ends the zstd frame so the file stays readable even if the
// process never writes to it again.
func (w *segmentWriter) closeSegment() error {
	if w.f == nil {
		return nil
	}
	err := w.bw.Flush()
	if cerr := w.zw.Close(); err == nil {
		err = cerr
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	w.f, w.zw, w.bw = nil, nil, nil
	return err
}
