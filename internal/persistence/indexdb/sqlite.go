package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"blockpops.ai/internal/logging"
	"blockpops.ai/internal/sim/figure"
	"blockpops.ai/internal/sim/world"
)

// SQLiteIndex is a queryable history of commits. It is a secondary index:
// when the writer falls behind, entries are dropped and counted, and the
// bbolt store plus the journal remain authoritative.
type SQLiteIndex struct {
	db  *sql.DB
	log zerolog.Logger

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropCommit   atomic.Uint64
	dropSnapshot atomic.Uint64
}

type reqKind int

const (
	reqCommit reqKind = iota + 1
	reqSnapshot
)

type req struct {
	kind reqKind

	commit   world.Commit
	snapshot snapshotRow
}

type snapshotRow struct {
	Path       string
	Instances  int
	Bytes      int64
	RecordedAt string
}

// CommitRow is one indexed commit.
type CommitRow struct {
	Seq       int64
	At        time.Time
	Kind      world.CommitKind
	SessionID string
	Snapshot  figure.Snapshot
}

type QueueStats struct {
	QueueDepth        int
	QueueCapacity     int
	DropCommitTotal   uint64
	DropSnapshotTotal uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db:  db,
		log: logging.WithComponent("indexdb"),
		ch:  make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS commits (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			kind TEXT NOT NULL,
			session_id TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			revision INTEGER NOT NULL,
			color TEXT NOT NULL,
			variant TEXT NOT NULL,
			offset_x REAL NOT NULL,
			offset_y REAL NOT NULL,
			offset_z REAL NOT NULL,
			scale REAL NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_commits_pos ON commits(x, z, y, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_commits_session ON commits(session_id, seq);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			path TEXT NOT NULL,
			instances INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// OnCommit implements world.CommitSink.
func (s *SQLiteIndex) OnCommit(c world.Commit) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqCommit, commit: c}:
	default:
		s.dropCommit.Add(1)
	}
}

// RecordSnapshot notes an exported snapshot file.
func (s *SQLiteIndex) RecordSnapshot(path string, instances int, size int64) {
	if s == nil || s.closed.Load() {
		return
	}
	r := snapshotRow{
		Path:       path,
		Instances:  instances,
		Bytes:      size,
		RecordedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
		s.dropSnapshot.Add(1)
	}
}

func (s *SQLiteIndex) Stats() QueueStats {
	if s == nil {
		return QueueStats{}
	}
	return QueueStats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropCommitTotal:   s.dropCommit.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
	}
}

// History returns up to limit commits for pos, newest first.
func (s *SQLiteIndex) History(ctx context.Context, pos figure.Pos, limit int) ([]CommitRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT seq, at, kind, session_id, revision, color, variant, offset_x, offset_y, offset_z, scale
		FROM commits WHERE x = ? AND z = ? AND y = ? ORDER BY seq DESC LIMIT ?`, pos.X, pos.Z, pos.Y, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CommitRow
	for rows.Next() {
		var (
			r              CommitRow
			at, kind       string
			color, variant string
			rev            int64
		)
		if err := rows.Scan(&r.Seq, &at, &kind, &r.SessionID, &rev, &color, &variant,
			&r.Snapshot.Offset.X, &r.Snapshot.Offset.Y, &r.Snapshot.Offset.Z, &r.Snapshot.Scale); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		r.Kind = world.CommitKind(kind)
		r.Snapshot.Pos = pos
		r.Snapshot.Revision = uint64(rev)
		r.Snapshot.Color, _ = figure.ParseColor(color)
		r.Snapshot.Variant, _ = figure.ParseVariant(variant)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertCommit, _ := s.db.Prepare(`INSERT INTO commits(at,kind,session_id,x,y,z,revision,color,variant,offset_x,offset_y,offset_z,scale) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT INTO snapshots(path,instances,bytes,recorded_at) VALUES(?,?,?,?)`)
	defer func() {
		if insertCommit != nil {
			_ = insertCommit.Close()
		}
		if insertSnapshot != nil {
			_ = insertSnapshot.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.log.Warn().Err(err).Msg("begin tx")
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.log.Warn().Err(err).Msg("commit tx")
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func(err error) {
		s.log.Warn().Err(err).Msg("index write failed, batch rolled back")
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	// Commit when idle so readers see recent history.
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(s.ch) == 0 {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqCommit:
			c := r.commit
			sn := c.Snapshot
			at := c.At
			if at.IsZero() {
				at = time.Now()
			}
			if insertCommit != nil {
				if _, err := tx.Stmt(insertCommit).Exec(
					at.UTC().Format(time.RFC3339Nano),
					string(c.Kind),
					c.SessionID,
					sn.Pos.X, sn.Pos.Y, sn.Pos.Z,
					int64(sn.Revision),
					sn.Color.String(),
					string(sn.Variant),
					sn.Offset.X, sn.Offset.Y, sn.Offset.Z,
					sn.Scale,
				); err != nil {
					rollback(err)
					continue
				}
				opCount++
			}

		case reqSnapshot:
			sn := r.snapshot
			if insertSnapshot != nil {
				if _, err := tx.Stmt(insertSnapshot).Exec(sn.Path, sn.Instances, sn.Bytes, sn.RecordedAt); err != nil {
					rollback(err)
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}
