package world

import (
	"errors"
	"time"

	"blockpops.ai/internal/protocol"
	"blockpops.ai/internal/sim/figure"
)

var (
	// ErrUnknownIdentity means no live instance exists at the position. The
	// request path drops such requests silently; only the request/response
	// helpers return it.
	ErrUnknownIdentity = errors.New("world: no instance at position")
	ErrOccupied        = errors.New("world: position already occupied")
	ErrStopped         = errors.New("world: stopped")
)

type RequestKind string

const (
	RequestOffset  RequestKind = "offset"
	RequestVariant RequestKind = "variant"
)

// Request is one change proposal from a client. It is fire-and-forget: the
// sender learns the outcome only from the next broadcast.
type Request struct {
	SessionID string
	Kind      RequestKind
	Pos       figure.Pos
	Delta     figure.Delta
}

func OffsetRequest(sessionID string, u protocol.OffsetUpdate) Request {
	return Request{SessionID: sessionID, Kind: RequestOffset, Pos: u.Pos, Delta: u.Delta()}
}

func VariantRequest(sessionID string, u protocol.VariantUpdate) Request {
	return Request{SessionID: sessionID, Kind: RequestVariant, Pos: u.Pos, Delta: u.Delta()}
}

type CommitKind string

const (
	CommitPlaced  CommitKind = "placed"
	CommitChanged CommitKind = "changed"
	CommitReset   CommitKind = "reset"
	CommitRemoved CommitKind = "removed"
)

// Commit describes one authoritative state transition. For CommitRemoved the
// snapshot is the last value the instance held.
type Commit struct {
	Kind      CommitKind
	Snapshot  figure.Snapshot
	SessionID string
	At        time.Time
}

// CommitSink is called from shard goroutines, once per commit, in commit order
// for any one position. Implementations must not block.
type CommitSink interface {
	OnCommit(Commit)
}

type CommitSinkFunc func(Commit)

func (f CommitSinkFunc) OnCommit(c Commit) { f(c) }

// Area is the region an observer is aware of: every chunk column within
// ChunkRadius (Chebyshev distance) of the column holding Center.
type Area struct {
	Center      figure.Pos
	ChunkRadius int
}

func (a Area) Covers(p figure.Pos) bool {
	c := a.Center.ChunkKey()
	k := p.ChunkKey()
	r := int64(a.ChunkRadius)
	return abs64(int64(k.CX)-int64(c.CX)) <= r && abs64(int64(k.CZ)-int64(c.CZ)) <= r
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// ObserverJoinRequest registers an observer session. Out is written by every
// shard and is never closed by the world; the owner stops reading it after
// ObserverLeave.
type ObserverJoinRequest struct {
	SessionID string
	Out       chan []byte
	Area      Area
}

type ObserverSubscribeRequest struct {
	SessionID string
	Area      Area
}
