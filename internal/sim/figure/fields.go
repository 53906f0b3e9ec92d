package figure

import (
	"encoding/json"
	"math"
)

// Persisted keys. Every key is optional on load.
const (
	KeyColor    = "color"
	KeyVariant  = "variant"
	KeyOffsetX  = "offset_x"
	KeyOffsetY  = "offset_y"
	KeyOffsetZ  = "offset_z"
	KeyScale    = "scale"
	KeyRevision = "revision"
)

// Fields is the keyed storage form of a record. Values stay raw until looked
// up so that a missing or malformed key only defaults that key.
type Fields map[string]json.RawMessage

func (f Fields) lookup(key string, dst any) bool {
	raw, ok := f[key]
	if !ok || len(raw) == 0 {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

func (f Fields) Text(key, def string) string {
	var s string
	if !f.lookup(key, &s) {
		return def
	}
	return s
}

// Float returns def for missing, malformed or non-finite values.
func (f Fields) Float(key string, def float64) float64 {
	var v float64
	if !f.lookup(key, &v) || math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return v
}

func (f Fields) Uint(key string, def uint64) uint64 {
	var v uint64
	if !f.lookup(key, &v) {
		return def
	}
	return v
}

// EncodeFields writes every key of s.
func EncodeFields(s Snapshot) (Fields, error) {
	f := Fields{}
	put := func(k string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		f[k] = b
		return nil
	}
	for _, kv := range []struct {
		k string
		v any
	}{
		{KeyColor, s.Color.String()},
		{KeyVariant, string(s.Variant)},
		{KeyOffsetX, s.Offset.X},
		{KeyOffsetY, s.Offset.Y},
		{KeyOffsetZ, s.Offset.Z},
		{KeyScale, s.Scale},
		{KeyRevision, s.Revision},
	} {
		if err := put(kv.k, kv.v); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// DecodeFields rebuilds a snapshot, defaulting each absent key on its own.
func DecodeFields(pos Pos, f Fields, d Defaults) Snapshot {
	color, _ := ParseColor(f.Text(KeyColor, ColorOriginal.String()))
	variant := d.Variant
	if tag, ok := f[KeyVariant]; ok && len(tag) > 0 {
		variant, _ = ParseVariant(f.Text(KeyVariant, string(VariantNone)))
	}
	if !variant.Known() {
		variant = VariantNone
	}
	return Snapshot{
		Pos:     pos,
		Color:   color,
		Variant: variant,
		Offset: Vec3{
			X: f.Float(KeyOffsetX, d.Offset.X),
			Y: f.Float(KeyOffsetY, d.Offset.Y),
			Z: f.Float(KeyOffsetZ, d.Offset.Z),
		},
		Scale:    f.Float(KeyScale, d.Scale),
		Revision: f.Uint(KeyRevision, 0),
	}
}
