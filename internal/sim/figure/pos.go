package figure

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Pos is the world coordinate of a placed box. It is the lookup key for all
// figure state; two live boxes never share a Pos.
type Pos struct {
	X int32
	Y int32
	Z int32
}

func (p Pos) ToArray() [3]int32 { return [3]int32{p.X, p.Y, p.Z} }

func (p Pos) String() string { return fmt.Sprintf("%d,%d,%d", p.X, p.Y, p.Z) }

// KeyLen is the size of the binary key form of a Pos.
const KeyLen = 12

// Key returns the big-endian x,y,z encoding used for storage keys and shard
// routing.
func (p Pos) Key() []byte {
	b := make([]byte, 0, KeyLen)
	b = binary.BigEndian.AppendUint32(b, uint32(p.X))
	b = binary.BigEndian.AppendUint32(b, uint32(p.Y))
	return binary.BigEndian.AppendUint32(b, uint32(p.Z))
}

func PosFromKey(b []byte) (Pos, error) {
	if len(b) != KeyLen {
		return Pos{}, fmt.Errorf("pos key: want %d bytes, got %d", KeyLen, len(b))
	}
	return Pos{
		X: int32(binary.BigEndian.Uint32(b[0:4])),
		Y: int32(binary.BigEndian.Uint32(b[4:8])),
		Z: int32(binary.BigEndian.Uint32(b[8:12])),
	}, nil
}

// Compare orders positions by x, then y, then z.
func (p Pos) Compare(o Pos) int {
	switch {
	case p.X != o.X:
		return cmp.Compare(p.X, o.X)
	case p.Y != o.Y:
		return cmp.Compare(p.Y, o.Y)
	default:
		return cmp.Compare(p.Z, o.Z)
	}
}

// ChunkKey identifies the 16x16 column a position falls into.
type ChunkKey struct {
	CX int32
	CZ int32
}

func (p Pos) ChunkKey() ChunkKey {
	return ChunkKey{CX: floorDiv(p.X, 16), CZ: floorDiv(p.Z, 16)}
}

func floorDiv(a, b int32) int32 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// ParsePos accepts "x,y,z" with optional surrounding whitespace.
func ParsePos(s string) (Pos, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 3 {
		return Pos{}, fmt.Errorf("pos %q: want x,y,z", s)
	}
	var v [3]int32
	for i, p := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return Pos{}, fmt.Errorf("pos %q: %w", s, err)
		}
		v[i] = int32(n)
	}
	return Pos{X: v[0], Y: v[1], Z: v[2]}, nil
}
