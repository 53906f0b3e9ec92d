package admin

import "blockpops.ai/internal/sim/figure"

// FigureView is the JSON form of a snapshot, with the client resources it
// resolves to.
type FigureView struct {
	Pos       [3]int32   `json:"pos"`
	Color     string     `json:"color"`
	Variant   string     `json:"variant"`
	Offset    [3]float64 `json:"offset"`
	Scale     float64    `json:"scale"`
	Revision  uint64     `json:"revision"`
	Resources Resources  `json:"resources"`
}

type Resources struct {
	BlockModel     string `json:"block_model"`
	BlockAnimation string `json:"block_animation"`
	BlockTexture   string `json:"block_texture"`
	FigureModel    string `json:"figure_model,omitempty"`
	FigureTexture  string `json:"figure_texture,omitempty"`
	FigureAnim     string `json:"figure_animation,omitempty"`
}

func NewFigureView(s figure.Snapshot) FigureView {
	v := FigureView{
		Pos:      s.Pos.ToArray(),
		Color:    s.Color.String(),
		Variant:  string(s.Variant),
		Offset:   s.Offset.ToArray(),
		Scale:    s.Scale,
		Revision: s.Revision,
		Resources: Resources{
			BlockModel:     figure.BoxModel.String(),
			BlockAnimation: figure.BoxAnimation.String(),
			BlockTexture:   s.Color.TexturePath().String(),
		},
	}
	if m, ok := s.Variant.ModelPath(); ok {
		v.Resources.FigureModel = m.String()
	}
	if t, ok := s.Variant.TexturePath(); ok {
		v.Resources.FigureTexture = t.String()
	}
	if a, ok := s.Variant.AnimationPath(); ok {
		v.Resources.FigureAnim = a.String()
	}
	return v
}
