package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	"blockpops.ai/internal/sim/figure"
)

// Kind is the first byte of every binary frame.
type Kind byte

const (
	KindOffsetUpdate  Kind = 0x01 // client -> server
	KindVariantUpdate Kind = 0x02 // client -> server
	KindSnapshot      Kind = 0x10 // server -> observer
	KindForget        Kind = 0x11 // server -> observer
)

func (k Kind) String() string {
	switch k {
	case KindOffsetUpdate:
		return "offset_update"
	case KindVariantUpdate:
		return "variant_update"
	case KindSnapshot:
		return "snapshot"
	case KindForget:
		return "forget"
	default:
		return fmt.Sprintf("kind(0x%02x)", byte(k))
	}
}

// SyncPath tells an observer which path delivered a snapshot. It is not part
// of the snapshot contents.
type SyncPath byte

const (
	PathObserve SyncPath = 1
	PathChange  SyncPath = 2
)

func (p SyncPath) String() string {
	switch p {
	case PathObserve:
		return "observe"
	case PathChange:
		return "change"
	default:
		return fmt.Sprintf("path(%d)", byte(p))
	}
}

type ForgetReason byte

const (
	ForgetOutOfRange ForgetReason = 1
	ForgetRemoved    ForgetReason = 2
)

func (r ForgetReason) String() string {
	switch r {
	case ForgetOutOfRange:
		return "out_of_range"
	case ForgetRemoved:
		return "removed"
	default:
		return fmt.Sprintf("reason(%d)", byte(r))
	}
}

// Fixed layout sizes, kind byte included.
const (
	posLen          = 3 * 4
	OffsetUpdateLen = 1 + posLen + 4*8
	variantMinLen   = 1 + posLen + 2
	snapshotMinLen  = 1 + 1 + posLen + 8 + 2 + 2 + 4*8
	ForgetLen       = 1 + 1 + posLen
	maxTagLen       = math.MaxUint16
)

type OffsetUpdate struct {
	Pos    figure.Pos
	Offset figure.Vec3
	Scale  float64
}

func (u OffsetUpdate) Delta() figure.Delta { return figure.OffsetScaleDelta(u.Offset, u.Scale) }

type VariantUpdate struct {
	Pos     figure.Pos
	Variant figure.Variant
}

func (u VariantUpdate) Delta() figure.Delta { return figure.VariantDelta(u.Variant) }

type SnapshotFrame struct {
	Path     SyncPath
	Snapshot figure.Snapshot
}

type ForgetFrame struct {
	Reason ForgetReason
	Pos    figure.Pos
}

// PeekKind returns the frame kind without decoding the body.
func PeekKind(b []byte) (Kind, error) {
	if len(b) < 1 {
		return 0, &DecodeError{Kind: Truncated, Need: 1, Have: 0}
	}
	return Kind(b[0]), nil
}

func AppendOffsetUpdate(dst []byte, u OffsetUpdate) []byte {
	dst = append(dst, byte(KindOffsetUpdate))
	dst = appendPos(dst, u.Pos)
	dst = appendF64(dst, u.Offset.X)
	dst = appendF64(dst, u.Offset.Y)
	dst = appendF64(dst, u.Offset.Z)
	return appendF64(dst, u.Scale)
}

func EncodeOffsetUpdate(u OffsetUpdate) []byte {
	return AppendOffsetUpdate(make([]byte, 0, OffsetUpdateLen), u)
}

func DecodeOffsetUpdate(b []byte) (OffsetUpdate, error) {
	r := reader{b: b}
	r.kind(KindOffsetUpdate)
	var u OffsetUpdate
	u.Pos = r.pos()
	u.Offset.X = r.f64()
	u.Offset.Y = r.f64()
	u.Offset.Z = r.f64()
	u.Scale = r.f64()
	if r.err != nil {
		return OffsetUpdate{}, r.err
	}
	return u, nil
}

// AppendVariantUpdate writes the tag as-is; tags longer than 65535 bytes are
// cut and will decode as an invalid tag.
func AppendVariantUpdate(dst []byte, u VariantUpdate) []byte {
	dst = append(dst, byte(KindVariantUpdate))
	dst = appendPos(dst, u.Pos)
	return appendTag(dst, string(u.Variant))
}

func EncodeVariantUpdate(u VariantUpdate) []byte {
	return AppendVariantUpdate(make([]byte, 0, variantMinLen+len(u.Variant)), u)
}

// DecodeVariantUpdate substitutes figure.VariantNone for an unknown tag and
// returns the update together with an ErrInvalidTag error; the update is
// still usable in that case.
func DecodeVariantUpdate(b []byte) (VariantUpdate, error) {
	r := reader{b: b}
	r.kind(KindVariantUpdate)
	var u VariantUpdate
	u.Pos = r.pos()
	u.Variant = r.variant()
	if r.err != nil {
		return VariantUpdate{}, r.err
	}
	if r.soft != nil {
		return u, r.soft
	}
	return u, nil
}

func AppendSnapshot(dst []byte, f SnapshotFrame) []byte {
	s := f.Snapshot
	dst = append(dst, byte(KindSnapshot), byte(f.Path))
	dst = appendPos(dst, s.Pos)
	dst = binary.BigEndian.AppendUint64(dst, s.Revision)
	dst = appendTag(dst, s.Color.String())
	dst = appendTag(dst, string(s.Variant))
	dst = appendF64(dst, s.Offset.X)
	dst = appendF64(dst, s.Offset.Y)
	dst = appendF64(dst, s.Offset.Z)
	return appendF64(dst, s.Scale)
}

func EncodeSnapshot(f SnapshotFrame) []byte {
	return AppendSnapshot(make([]byte, 0, snapshotMinLen+24), f)
}

// DecodeSnapshot follows the same soft-error rule as DecodeVariantUpdate for
// both the color and the variant tag.
func DecodeSnapshot(b []byte) (SnapshotFrame, error) {
	r := reader{b: b}
	r.kind(KindSnapshot)
	var f SnapshotFrame
	f.Path = SyncPath(r.u8())
	f.Snapshot.Pos = r.pos()
	f.Snapshot.Revision = r.u64()
	f.Snapshot.Color = r.color()
	f.Snapshot.Variant = r.variant()
	f.Snapshot.Offset.X = r.f64()
	f.Snapshot.Offset.Y = r.f64()
	f.Snapshot.Offset.Z = r.f64()
	f.Snapshot.Scale = r.f64()
	if r.err != nil {
		return SnapshotFrame{}, r.err
	}
	if r.soft != nil {
		return f, r.soft
	}
	return f, nil
}

func AppendForget(dst []byte, f ForgetFrame) []byte {
	dst = append(dst, byte(KindForget), byte(f.Reason))
	return appendPos(dst, f.Pos)
}

func EncodeForget(f ForgetFrame) []byte {
	return AppendForget(make([]byte, 0, ForgetLen), f)
}

func DecodeForget(b []byte) (ForgetFrame, error) {
	r := reader{b: b}
	r.kind(KindForget)
	var f ForgetFrame
	f.Reason = ForgetReason(r.u8())
	f.Pos = r.pos()
	if r.err != nil {
		return ForgetFrame{}, r.err
	}
	return f, nil
}

func appendPos(dst []byte, p figure.Pos) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(p.X))
	dst = binary.BigEndian.AppendUint32(dst, uint32(p.Y))
	return binary.BigEndian.AppendUint32(dst, uint32(p.Z))
}

func appendF64(dst []byte, v float64) []byte {
	return binary.BigEndian.AppendUint64(dst, math.Float64bits(v))
}

func appendTag(dst []byte, tag string) []byte {
	if len(tag) > maxTagLen {
		tag = tag[:maxTagLen]
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(tag)))
	return append(dst, tag...)
}

// reader walks a frame once. The first hard error sticks and turns every
// later read into a zero value; soft errors (unknown tags) are kept aside.
type reader struct {
	b    []byte
	off  int
	err  error
	soft error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b)-r.off < n {
		r.err = &DecodeError{Kind: Truncated, Need: r.off + n, Have: len(r.b)}
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) kind(want Kind) {
	b := r.take(1)
	if b == nil {
		return
	}
	if Kind(b[0]) != want {
		r.err = &DecodeError{Kind: UnknownKind, Tag: Kind(b[0]).String()}
	}
}

func (r *reader) u8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) i32() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (r *reader) f64() float64 {
	return math.Float64frombits(r.u64())
}

func (r *reader) pos() figure.Pos {
	return figure.Pos{X: r.i32(), Y: r.i32(), Z: r.i32()}
}

func (r *reader) tag() (string, bool) {
	lb := r.take(2)
	if lb == nil {
		return "", false
	}
	n := int(binary.BigEndian.Uint16(lb))
	b := r.take(n)
	if r.err != nil {
		return "", false
	}
	return string(b), true
}

func (r *reader) variant() figure.Variant {
	s, ok := r.tag()
	if !ok {
		return figure.VariantNone
	}
	v, known := figure.ParseVariant(s)
	if !known || !utf8.ValidString(s) {
		r.invalidTag(s)
		return figure.VariantNone
	}
	return v
}

func (r *reader) color() figure.Color {
	s, ok := r.tag()
	if !ok {
		return figure.ColorOriginal
	}
	c, known := figure.ParseColor(s)
	if !known {
		r.invalidTag(s)
	}
	return c
}

func (r *reader) invalidTag(s string) {
	if r.soft == nil {
		r.soft = &DecodeError{Kind: InvalidTag, Tag: s}
	}
}
