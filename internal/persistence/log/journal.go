package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"blockpops.ai/internal/logging"
	"blockpops.ai/internal/sim/figure"
	"blockpops.ai/internal/sim/world"
)

// Entry is one journaled commit. IDs are ULIDs, so they sort by time.
type Entry struct {
	ID        string        `json:"id"`
	At        time.Time     `json:"at"`
	Kind      string        `json:"kind"`
	SessionID string        `json:"session_id,omitempty"`
	Pos       [3]int32      `json:"pos"`
	Fields    figure.Fields `json:"fields"`
}

func (e Entry) Position() figure.Pos {
	return figure.Pos{X: e.Pos[0], Y: e.Pos[1], Z: e.Pos[2]}
}

// Dir is the journal directory under dataDir.
func Dir(dataDir string) string { return filepath.Join(dataDir, "journal") }

// CommitJournal writes every world commit as a JSONL entry (compressed).
type CommitJournal struct {
	w   *segmentWriter
	log zerolog.Logger
}

func NewCommitJournal(dataDir string) *CommitJournal {
	return &CommitJournal{
		w:   newSegmentWriter(Dir(dataDir)),
		log: logging.WithComponent("journal"),
	}
}

// OnCommit implements world.CommitSink. Write errors are logged; the journal
// never holds up a commit.
func (j *CommitJournal) OnCommit(c world.Commit) {
	e, err := NewEntry(c)
	if err == nil {
		err = j.w.append(e)
	}
	if err != nil {
		j.log.Error().Err(err).Str("pos", c.Snapshot.Pos.String()).Msg("journal write failed")
	}
}

func (j *CommitJournal) Close() error { return j.w.Close() }

func NewEntry(c world.Commit) (Entry, error) {
	f, err := figure.EncodeFields(c.Snapshot)
	if err != nil {
		return Entry{}, err
	}
	at := c.At
	if at.IsZero() {
		at = time.Now()
	}
	return Entry{
		ID:        ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String(),
		At:        at.UTC(),
		Kind:      string(c.Kind),
		SessionID: c.SessionID,
		Pos:       c.Snapshot.Pos.ToArray(),
		Fields:    f,
	}, nil
}

// ReadFile decodes every entry of one journal file. A torn final line (the
// process died mid-write) ends the read without error.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []Entry
	br := bufio.NewReaderSize(dec, 128*1024)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			var e Entry
			if jerr := json.Unmarshal(line, &e); jerr != nil {
				return out, fmt.Errorf("%s: entry %d: %w", path, len(out), jerr)
			}
			out = append(out, e)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
}

// ReadDir reads every journal segment under dataDir in chronological order.
func ReadDir(dataDir string) ([]Entry, error) {
	return ReadSince(dataDir, time.Time{})
}

// ReadSince reads only the segments that can hold commits after since. Entries
// at or before since may still come back from the first segment; ReplayFrom
// skips them.
func ReadSince(dataDir string, since time.Time) ([]Entry, error) {
	paths, err := segments(Dir(dataDir), since)
	if err != nil {
		return nil, err
	}
	var all []Entry
	for _, p := range paths {
		es, err := ReadFile(p)
		all = append(all, es...)
		if err != nil {
			return all, err
		}
	}
	return all, nil
}

// Replay folds entries into the final state per position.
func Replay(entries []Entry, d figure.Defaults) []figure.Snapshot {
	return ReplayFrom(nil, time.Time{}, entries, d)
}

// ReplayFrom starts from base and folds in the entries committed after since.
func ReplayFrom(base []figure.Snapshot, since time.Time, entries []Entry, d figure.Defaults) []figure.Snapshot {
	state := make(map[figure.Pos]figure.Snapshot, len(base))
	for _, s := range base {
		state[s.Pos] = s
	}
	for _, e := range entries {
		if !since.IsZero() && !e.At.After(since) {
			continue
		}
		p := e.Position()
		if e.Kind == string(world.CommitRemoved) {
			delete(state, p)
			continue
		}
		state[p] = figure.DecodeFields(p, e.Fields, d)
	}
	out := make([]figure.Snapshot, 0, len(state))
	for _, s := range state {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b figure.Snapshot) int { return a.Pos.Compare(b.Pos) })
	return out
}
