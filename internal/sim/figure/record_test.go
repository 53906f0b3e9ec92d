package figure

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_PlacementDefaults(t *testing.T) {
	r := NewRecord(Pos{X: 3, Y: 64, Z: -2}, ColorRed, PlacementDefaults())
	got := r.Get()

	assert.Equal(t, Pos{X: 3, Y: 64, Z: -2}, got.Pos)
	assert.Equal(t, ColorRed, got.Color)
	assert.Equal(t, VariantNone, got.Variant)
	assert.Equal(t, Vec3{}, got.Offset)
	assert.Equal(t, 1.0, got.Scale)
	assert.Equal(t, uint64(0), got.Revision)
}

func TestRecord_ApplyCommitsAndBumpsRevision(t *testing.T) {
	r := NewRecord(Pos{X: 3, Y: 64, Z: -2}, ColorOriginal, PlacementDefaults())

	snap, changed, err := r.Apply(OffsetScaleDelta(Vec3{X: -0.55, Y: 0, Z: -0.40}, 1.0))
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, Vec3{X: -0.55, Y: 0, Z: -0.40}, snap.Offset)
	assert.Equal(t, 1.0, snap.Scale)
	assert.Equal(t, uint64(1), snap.Revision)
	assert.True(t, snap.Same(r.Get()))
}

func TestRecord_ApplySameValueIsNotAChange(t *testing.T) {
	r := NewRecord(Pos{}, ColorOriginal, PlacementDefaults())
	_, changed, err := r.Apply(OffsetScaleDelta(Vec3{}, 1.0))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, uint64(0), r.Get().Revision)
}

func TestRecord_ApplyNegativeZeroIsAChange(t *testing.T) {
	r := NewRecord(Pos{}, ColorOriginal, PlacementDefaults())
	_, changed, err := r.Apply(OffsetScaleDelta(Vec3{X: math.Copysign(0, -1)}, 1.0))
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestRecord_ValidationGate(t *testing.T) {
	nan := math.NaN()
	inf := math.Inf(1)
	ninf := math.Inf(-1)

	tests := []struct {
		name  string
		delta Delta
		field string
	}{
		{name: "nan scale", delta: OffsetScaleDelta(Vec3{X: 0.2}, nan), field: "scale"},
		{name: "inf offset x", delta: OffsetScaleDelta(Vec3{X: inf}, 1.5), field: "offset.x"},
		{name: "nan offset y", delta: OffsetScaleDelta(Vec3{Y: nan}, 1.5), field: "offset.y"},
		{name: "-inf offset z", delta: OffsetScaleDelta(Vec3{Z: ninf}, 1.5), field: "offset.z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRecord(Pos{X: 1}, ColorBlue, PlacementDefaults())
			_, _, err := r.Apply(OffsetScaleDelta(Vec3{X: 0.25, Y: 0.5, Z: -0.75}, 0.8))
			require.NoError(t, err)
			before := r.Get()

			got, changed, err := r.Apply(tt.delta)
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.False(t, changed)
			assert.True(t, before.Same(got))
			assert.True(t, before.Same(r.Get()), "no partial update")
		})
	}
}

func TestRecord_NonPositiveScaleAccepted(t *testing.T) {
	r := NewRecord(Pos{}, ColorOriginal, PlacementDefaults())
	for _, s := range []float64{0, -1.5} {
		snap, changed, err := r.Apply(OffsetScaleDelta(Vec3{}, s))
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, s, snap.Scale)
	}
}

func TestRecord_VariantAndReset(t *testing.T) {
	r := NewRecord(Pos{}, ColorPink, PlacementDefaults())

	snap, changed, err := r.Apply(VariantDelta(VariantDefault))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, VariantDefault, snap.Variant)

	_, changed, err = r.Apply(VariantDelta(Variant("dragon")))
	require.Error(t, err)
	assert.False(t, changed)

	snap, changed, err = r.Reset(PlacementDefaults())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, VariantNone, snap.Variant)
	assert.Equal(t, ColorPink, snap.Color, "color survives reset")
	assert.Equal(t, uint64(2), snap.Revision)
}

func TestVariant_Resources(t *testing.T) {
	_, ok := VariantNone.ModelPath()
	assert.False(t, ok)
	_, ok = VariantNone.TexturePath()
	assert.False(t, ok)
	_, ok = VariantNone.AnimationPath()
	assert.False(t, ok)
	_, ok = Variant("unreleased").ModelPath()
	assert.False(t, ok)

	m, ok := VariantDefault.ModelPath()
	require.True(t, ok)
	assert.Equal(t, "blockpops:geo/figure/box_figure_default.geo.json", m.String())
	tex, _ := VariantDefault.TexturePath()
	assert.Equal(t, "textures/figure/box_figure_default.png", tex.Path)
	anim, _ := VariantDefault.AnimationPath()
	assert.Equal(t, "animations/figure/box_figure_default.animation.json", anim.Path)
}

func TestParseVariant(t *testing.T) {
	v, ok := ParseVariant("default")
	assert.True(t, ok)
	assert.Equal(t, VariantDefault, v)

	v, ok = ParseVariant("future_tag")
	assert.False(t, ok)
	assert.Equal(t, VariantNone, v)
}

func TestColors(t *testing.T) {
	cs := Colors()
	require.Len(t, cs, 16)
	seen := map[string]bool{}
	for _, c := range cs {
		name := c.String()
		assert.False(t, seen[name], "duplicate %s", name)
		seen[name] = true
		back, ok := ParseColor(name)
		assert.True(t, ok)
		assert.Equal(t, c, back)
	}
	assert.Equal(t, "textures/block/box/light_blue.png", ColorLightBlue.TexturePath().Path)

	c, ok := ParseColor("chartreuse")
	assert.False(t, ok)
	assert.Equal(t, ColorOriginal, c)
}

func TestPos(t *testing.T) {
	p, err := ParsePos(" 3, 64 ,-2")
	require.NoError(t, err)
	assert.Equal(t, Pos{X: 3, Y: 64, Z: -2}, p)
	assert.Equal(t, "3,64,-2", p.String())

	_, err = ParsePos("1,2")
	assert.Error(t, err)

	assert.Equal(t, ChunkKey{CX: 0, CZ: -1}, Pos{X: 3, Z: -2}.ChunkKey())
	assert.Equal(t, ChunkKey{CX: -1, CZ: 1}, Pos{X: -16, Z: 16}.ChunkKey())
	assert.Equal(t, ChunkKey{CX: -2, CZ: 0}, Pos{X: -17, Z: 15}.ChunkKey())
}

func TestPos_KeyAndCompare(t *testing.T) {
	p := Pos{X: -1, Y: 64, Z: 2}
	k := p.Key()
	require.Len(t, k, KeyLen)
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff, 0, 0, 0, 64, 0, 0, 0, 2}, k)
	back, err := PosFromKey(k)
	require.NoError(t, err)
	assert.Equal(t, p, back)

	_, err = PosFromKey(k[:11])
	assert.Error(t, err)

	assert.Equal(t, -1, Pos{X: -1}.Compare(Pos{X: 0}))
	assert.Equal(t, 1, Pos{X: 1, Y: 0}.Compare(Pos{X: 1, Y: -5}))
	assert.Equal(t, 0, p.Compare(back))
}
