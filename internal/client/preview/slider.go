package preview

// Sliders run over [0,1]. Offsets map to [-1,1] and scale to [0.1,2.0].

const (
	minScale  = 0.1
	scaleSpan = 1.9
)

func SliderToOffset(t float64) float64 { return t*2 - 1 }

func OffsetToSlider(v float64) float64 { return (v + 1) / 2 }

func SliderToScale(t float64) float64 { return minScale + t*scaleSpan }

func ScaleToSlider(v float64) float64 { return (v - minScale) / scaleSpan }
