// Package store keeps the latest committed figure state per position in a
// bbolt file. It is the source of truth across restarts.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"blockpops.ai/internal/logging"
	"blockpops.ai/internal/sim/figure"
	"blockpops.ai/internal/sim/world"
)

var bucketFigures = []byte("figures")

// BoltStore persists figures keyed by Pos.Key. Values are Fields documents, so
// records written by older builds load with per-key defaults.
type BoltStore struct {
	db       *bolt.DB
	defaults figure.Defaults
	log      zerolog.Logger

	ch     chan world.Commit
	wg     sync.WaitGroup
	once   sync.Once
	closed atomic.Bool
}

func Open(path string, defaults figure.Defaults) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketFigures); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketFigures, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &BoltStore{
		db:       db,
		defaults: defaults,
		log:      logging.WithComponent("store"),
		ch:       make(chan world.Commit, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

// Close drains pending commits and closes the file.
func (s *BoltStore) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// OnCommit queues c for the writer. Unlike the secondary indexes it never
// drops: a full queue blocks the calling shard until the writer catches up.
func (s *BoltStore) OnCommit(c world.Commit) {
	if s == nil || s.closed.Load() {
		return
	}
	s.ch <- c
}

func (s *BoltStore) loop() {
	batch := make([]world.Commit, 0, 256)
	for c := range s.ch {
		batch = append(batch[:0], c)
	drain:
		for len(batch) < cap(batch) {
			select {
			case next, ok := <-s.ch:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		if err := s.apply(batch); err != nil {
			s.log.Error().Err(err).Int("commits", len(batch)).Msg("write batch failed")
		}
	}
}

func (s *BoltStore) apply(batch []world.Commit) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFigures)
		for _, c := range batch {
			key := c.Snapshot.Pos.Key()
			if c.Kind == world.CommitRemoved {
				if err := b.Delete(key); err != nil {
					return err
				}
				continue
			}
			data, err := marshal(c.Snapshot)
			if err != nil {
				return err
			}
			if err := b.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
}

func marshal(snap figure.Snapshot) ([]byte, error) {
	f, err := figure.EncodeFields(snap)
	if err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// Put writes snap synchronously.
func (s *BoltStore) Put(snap figure.Snapshot) error {
	data, err := marshal(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFigures).Put(snap.Pos.Key(), data)
	})
}

func (s *BoltStore) Delete(pos figure.Pos) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFigures).Delete(pos.Key())
	})
}

func (s *BoltStore) Get(pos figure.Pos) (figure.Snapshot, bool, error) {
	var (
		snap  figure.Snapshot
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFigures).Get(pos.Key())
		if data == nil {
			return nil
		}
		found = true
		snap = s.decode(pos, data)
		return nil
	})
	return snap, found, err
}

// LoadAll returns every stored figure in key order. Keys that are not a
// valid position are skipped.
func (s *BoltStore) LoadAll() ([]figure.Snapshot, error) {
	var out []figure.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFigures).ForEach(func(k, v []byte) error {
			pos, err := figure.PosFromKey(k)
			if err != nil {
				s.log.Warn().Err(err).Msg("skipping bad key")
				return nil
			}
			out = append(out, s.decode(pos, v))
			return nil
		})
	})
	// Key order puts negative coordinates last; callers want position order.
	slices.SortFunc(out, func(a, b figure.Snapshot) int { return a.Pos.Compare(b.Pos) })
	return out, err
}

// ReplaceAll swaps the whole bucket for snaps in one transaction.
func (s *BoltStore) ReplaceAll(snaps []figure.Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketFigures); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketFigures)
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			data, err := marshal(snap)
			if err != nil {
				return err
			}
			if err := b.Put(snap.Pos.Key(), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) decode(pos figure.Pos, data []byte) figure.Snapshot {
	var f figure.Fields
	if err := json.Unmarshal(data, &f); err != nil {
		s.log.Warn().Err(err).Str("pos", pos.String()).Msg("unreadable record, using defaults")
		f = nil
	}
	return figure.DecodeFields(pos, f, s.defaults)
}
