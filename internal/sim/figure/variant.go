package figure

// Namespace prefixes every resource this package resolves.
const Namespace = "blockpops"

// Base box resources do not depend on the figure variant.
var (
	BoxModel     = Resource{Namespace: Namespace, Path: "geo/block/box_block.geo.json"}
	BoxAnimation = Resource{Namespace: Namespace, Path: "animations/block/box_block.animation.json"}
)

// Resource is a namespaced asset path handed to the renderer.
type Resource struct {
	Namespace string
	Path      string
}

func (r Resource) String() string { return r.Namespace + ":" + r.Path }

// Variant selects the figure standing in a box. VariantNone means the box is
// empty and every figure resource resolves to absent.
type Variant string

const (
	VariantNone    Variant = "none"
	VariantDefault Variant = "default"
)

var knownVariants = map[Variant]struct{}{
	VariantNone:    {},
	VariantDefault: {},
}

// Variants returns the closed tag set, VariantNone first.
func Variants() []Variant { return []Variant{VariantNone, VariantDefault} }

// ParseVariant resolves a wire or storage tag. Unknown tags become VariantNone
// with ok=false so newer peers never break older ones.
func ParseVariant(tag string) (Variant, bool) {
	v := Variant(tag)
	if _, ok := knownVariants[v]; !ok {
		return VariantNone, false
	}
	return v, true
}

func (v Variant) Known() bool {
	_, ok := knownVariants[v]
	return ok
}

func (v Variant) HasFigure() bool { return v.Known() && v != VariantNone }

func (v Variant) String() string { return string(v) }

func (v Variant) ModelPath() (Resource, bool) {
	return v.resource("geo/figure/box_figure_", ".geo.json")
}

func (v Variant) TexturePath() (Resource, bool) {
	return v.resource("textures/figure/box_figure_", ".png")
}

func (v Variant) AnimationPath() (Resource, bool) {
	return v.resource("animations/figure/box_figure_", ".animation.json")
}

func (v Variant) resource(prefix, suffix string) (Resource, bool) {
	if !v.HasFigure() {
		return Resource{}, false
	}
	return Resource{Namespace: Namespace, Path: prefix + string(v) + suffix}, true
}
