package figure

import (
	"fmt"
	"math"
)

type Vec3 struct {
	X float64
	Y float64
	Z float64
}

func (v Vec3) ToArray() [3]float64 { return [3]float64{v.X, v.Y, v.Z} }

// Snapshot is the complete value of a Record at one revision.
type Snapshot struct {
	Pos      Pos
	Color    Color
	Variant  Variant
	Offset   Vec3
	Scale    float64
	Revision uint64
}

// Same reports whether two snapshots carry bit-identical state.
func (s Snapshot) Same(o Snapshot) bool {
	return s.Pos == o.Pos &&
		s.Color == o.Color &&
		s.Variant == o.Variant &&
		s.Revision == o.Revision &&
		sameFields(s, o)
}

// SameAttributes compares only the editable attributes, ignoring identity,
// color and revision.
func (s Snapshot) SameAttributes(o Snapshot) bool { return sameFields(s, o) }

func sameFields(a, b Snapshot) bool {
	return a.Variant == b.Variant &&
		math.Float64bits(a.Offset.X) == math.Float64bits(b.Offset.X) &&
		math.Float64bits(a.Offset.Y) == math.Float64bits(b.Offset.Y) &&
		math.Float64bits(a.Offset.Z) == math.Float64bits(b.Offset.Z) &&
		math.Float64bits(a.Scale) == math.Float64bits(b.Scale)
}

// Defaults are the attribute values a figure starts from, and returns to on
// reset.
type Defaults struct {
	Variant Variant
	Offset  Vec3
	Scale   float64
}

// PlacementDefaults is what a freshly placed box carries.
func PlacementDefaults() Defaults {
	return Defaults{Variant: VariantNone, Scale: 1.0}
}

// EditorReset is the offset and scale the editor's Reset button proposes: the
// figure lifted slightly off the box floor at unit scale. The variant is not
// part of an editor reset.
func EditorReset() (Vec3, float64) {
	return Vec3{X: 0, Y: 0.1, Z: 0}, 1.0
}

// Delta carries the fields a request proposes. Nil fields are left alone.
type Delta struct {
	Offset  *Vec3
	Scale   *float64
	Variant *Variant
}

func OffsetScaleDelta(offset Vec3, scale float64) Delta {
	return Delta{Offset: &offset, Scale: &scale}
}

func VariantDelta(v Variant) Delta {
	return Delta{Variant: &v}
}

// ValidationError reports a well-formed but rejected delta.
type ValidationError struct {
	Field string
	Value float64
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("figure: %s is not finite (%v)", e.Field, e.Value)
}

// Validate checks every proposed field without touching any record.
func (d Delta) Validate() error {
	if d.Offset != nil {
		if err := finite("offset.x", d.Offset.X); err != nil {
			return err
		}
		if err := finite("offset.y", d.Offset.Y); err != nil {
			return err
		}
		if err := finite("offset.z", d.Offset.Z); err != nil {
			return err
		}
	}
	if d.Scale != nil {
		if err := finite("scale", *d.Scale); err != nil {
			return err
		}
	}
	if d.Variant != nil && !d.Variant.Known() {
		return fmt.Errorf("figure: unknown variant %q", string(*d.Variant))
	}
	return nil
}

func finite(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return &ValidationError{Field: field, Value: v}
	}
	return nil
}

// Record is the authoritative figure state of one placed box. It is not safe
// for concurrent use; the owning world shard serializes all access.
type Record struct {
	cur Snapshot
}

func NewRecord(pos Pos, color Color, d Defaults) *Record {
	if !d.Variant.Known() {
		d.Variant = VariantNone
	}
	return &Record{cur: Snapshot{
		Pos:     pos,
		Color:   color,
		Variant: d.Variant,
		Offset:  d.Offset,
		Scale:   d.Scale,
	}}
}

// RecordFromSnapshot restores a record, e.g. after a reload.
func RecordFromSnapshot(s Snapshot) *Record {
	if !s.Variant.Known() {
		s.Variant = VariantNone
	}
	return &Record{cur: s}
}

func (r *Record) Get() Snapshot { return r.cur }

func (r *Record) Pos() Pos { return r.cur.Pos }

// Apply validates d and commits it as a whole. A rejected delta returns the
// unchanged snapshot, changed=false and the validation error. changed is true
// only when some field differs bit-for-bit from the prior value; every such
// commit bumps the revision.
func (r *Record) Apply(d Delta) (Snapshot, bool, error) {
	if err := d.Validate(); err != nil {
		return r.cur, false, err
	}
	next := r.cur
	if d.Offset != nil {
		next.Offset = *d.Offset
	}
	if d.Scale != nil {
		next.Scale = *d.Scale
	}
	if d.Variant != nil {
		next.Variant = *d.Variant
	}
	if sameFields(next, r.cur) {
		return r.cur, false, nil
	}
	next.Revision = r.cur.Revision + 1
	r.cur = next
	return r.cur, true, nil
}

// Reset commits the given defaults for every mutable field.
func (r *Record) Reset(d Defaults) (Snapshot, bool, error) {
	v := d.Variant
	return r.Apply(Delta{Offset: &d.Offset, Scale: &d.Scale, Variant: &v})
}
