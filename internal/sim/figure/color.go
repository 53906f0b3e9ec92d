package figure

// Color is the fixed tint of a box. It is chosen when the box is placed and
// never changes afterwards.
type Color uint8

const (
	ColorOriginal Color = iota
	ColorBlack
	ColorBlue
	ColorBrown
	ColorCyan
	ColorGray
	ColorGreen
	ColorLightBlue
	ColorLightGray
	ColorLime
	ColorMagenta
	ColorOrange
	ColorPink
	ColorPurple
	ColorRed
	ColorYellow

	colorCount
)

var colorNames = [colorCount]string{
	ColorOriginal:  "original",
	ColorBlack:     "black",
	ColorBlue:      "blue",
	ColorBrown:     "brown",
	ColorCyan:      "cyan",
	ColorGray:      "gray",
	ColorGreen:     "green",
	ColorLightBlue: "light_blue",
	ColorLightGray: "light_gray",
	ColorLime:      "lime",
	ColorMagenta:   "magenta",
	ColorOrange:    "orange",
	ColorPink:      "pink",
	ColorPurple:    "purple",
	ColorRed:       "red",
	ColorYellow:    "yellow",
}

var colorIndex = func() map[string]Color {
	m := make(map[string]Color, colorCount)
	for i, n := range colorNames {
		m[n] = Color(i)
	}
	return m
}()

// Colors returns every color in declaration order.
func Colors() []Color {
	out := make([]Color, colorCount)
	for i := range out {
		out[i] = Color(i)
	}
	return out
}

func (c Color) String() string {
	if c >= colorCount {
		return colorNames[ColorOriginal]
	}
	return colorNames[c]
}

func (c Color) Valid() bool { return c < colorCount }

// ParseColor maps a serialized name to a Color. Unknown names resolve to
// ColorOriginal with ok=false.
func ParseColor(name string) (Color, bool) {
	c, ok := colorIndex[name]
	if !ok {
		return ColorOriginal, false
	}
	return c, true
}

// TexturePath is the box texture for this color.
func (c Color) TexturePath() Resource {
	return Resource{Namespace: Namespace, Path: "textures/block/box/" + c.String() + ".png"}
}
