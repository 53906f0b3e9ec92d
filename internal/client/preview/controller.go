// Package preview runs the local editing loop for one figure. Edits land on a
// shadow copy and go out as requests right away. Authoritative snapshots for
// the figure replace what is displayed; the shadow follows them once the
// authority has caught up with the last request.
package preview

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"blockpops.ai/internal/client/mirror"
	"blockpops.ai/internal/logging"
	"blockpops.ai/internal/protocol"
	"blockpops.ai/internal/sim/figure"
)

var (
	ErrNotEditing      = errors.New("preview: no figure open")
	ErrAlreadyEditing  = errors.New("preview: a figure is already open")
	ErrUnknownInstance = errors.New("preview: figure not known to the mirror")
	ErrUnknownVariant  = errors.New("preview: unknown variant")
)

type State int

const (
	Idle State = iota
	Editing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Editing:
		return "editing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Sender hands an encoded request to the transport without blocking. It
// returns false when the request was dropped.
type Sender interface {
	Send(frame []byte) bool
}

type SenderFunc func(frame []byte) bool

func (f SenderFunc) Send(frame []byte) bool { return f(frame) }

// Display shows the state the editor currently believes in. It is called
// with the controller lock held and must not call back into the Controller.
type Display interface {
	Show(figure.Snapshot)
}

type DisplayFunc func(figure.Snapshot)

func (f DisplayFunc) Show(s figure.Snapshot) { f(s) }

type Controller struct {
	mirror  *mirror.Mirror
	sender  Sender
	display Display
	log     zerolog.Logger

	mu       sync.Mutex
	state    State
	shadow   figure.Snapshot
	lastSent figure.Snapshot
	sent     uint64
	drops    uint64

	unsubscribe func()
}

// NewController subscribes to m so that snapshots and forgets for the open
// figure reach the editor. display may be nil.
func NewController(m *mirror.Mirror, sender Sender, display Display) *Controller {
	c := &Controller{
		mirror:  m,
		sender:  sender,
		display: display,
		log:     logging.WithComponent("preview"),
	}
	c.unsubscribe = m.Subscribe(c)
	return c
}

// Detach stops listening to the mirror.
func (c *Controller) Detach() { c.unsubscribe() }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Shadow returns the local copy of the open figure.
func (c *Controller) Shadow() (figure.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shadow, c.state == Editing
}

// LastSent returns the shadow copy as it stood when the latest request was
// emitted. Snapshots arriving afterwards do not change it.
func (c *Controller) LastSent() (figure.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSent, c.state == Editing
}

// Stats reports requests handed to the sender and requests it dropped.
func (c *Controller) Stats() (sent, dropped uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent, c.drops
}

// Open starts editing the figure at p from its latest mirrored snapshot.
func (c *Controller) Open(p figure.Pos) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Editing {
		return ErrAlreadyEditing
	}
	snap, ok := c.mirror.Get(p)
	if !ok {
		return fmt.Errorf("open %s: %w", p, ErrUnknownInstance)
	}
	c.state = Editing
	c.shadow = snap
	c.lastSent = snap
	c.show()
	c.log.Debug().Str("pos", p.String()).Uint64("revision", snap.Revision).Msg("editor opened")
	return nil
}

// Close returns to Idle. Requests already sent stay sent.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Idle {
		return
	}
	c.log.Debug().Str("pos", c.shadow.Pos.String()).Msg("editor closed")
	c.state = Idle
	c.shadow = figure.Snapshot{}
	c.lastSent = figure.Snapshot{}
}

func (c *Controller) SetOffsetX(v float64) error {
	return c.editOffset(func(s *figure.Snapshot) { s.Offset.X = v })
}

func (c *Controller) SetOffsetY(v float64) error {
	return c.editOffset(func(s *figure.Snapshot) { s.Offset.Y = v })
}

func (c *Controller) SetOffsetZ(v float64) error {
	return c.editOffset(func(s *figure.Snapshot) { s.Offset.Z = v })
}

func (c *Controller) SetScale(v float64) error {
	return c.editOffset(func(s *figure.Snapshot) { s.Scale = v })
}

// Reset puts the editor defaults into the shadow copy and sends them.
func (c *Controller) Reset() error {
	offset, scale := figure.EditorReset()
	return c.editOffset(func(s *figure.Snapshot) {
		s.Offset = offset
		s.Scale = scale
	})
}

func (c *Controller) SetVariant(v figure.Variant) error {
	if !v.Known() {
		return fmt.Errorf("%w %q", ErrUnknownVariant, string(v))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Editing {
		return ErrNotEditing
	}
	c.shadow.Variant = v
	c.show()
	c.emit(protocol.EncodeVariantUpdate(protocol.VariantUpdate{Pos: c.shadow.Pos, Variant: v}))
	return nil
}

// editOffset covers every offset and scale edit: each one sends the whole
// offset and scale, as the wire request carries all four values.
func (c *Controller) editOffset(mutate func(*figure.Snapshot)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Editing {
		return ErrNotEditing
	}
	mutate(&c.shadow)
	c.show()
	c.emit(protocol.EncodeOffsetUpdate(protocol.OffsetUpdate{
		Pos:    c.shadow.Pos,
		Offset: c.shadow.Offset,
		Scale:  c.shadow.Scale,
	}))
	return nil
}

func (c *Controller) emit(frame []byte) {
	c.lastSent = c.shadow
	if c.sender.Send(frame) {
		c.sent++
		return
	}
	c.drops++
	c.log.Warn().Str("pos", c.shadow.Pos.String()).Msg("request dropped by sender")
}

func (c *Controller) show() {
	if c.display != nil {
		c.display.Show(c.shadow)
	}
}

// OnSnapshot shows s when it is for the open figure. The shadow copy keeps
// edits still in flight: it takes s only once s matches the last request, or
// when the shadow holds values the authority refuses to commit.
func (c *Controller) OnSnapshot(s figure.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Editing || s.Pos != c.shadow.Pos {
		return
	}
	if c.display != nil {
		c.display.Show(s)
	}
	switch {
	case s.SameAttributes(c.lastSent):
		c.shadow = s
	case figure.OffsetScaleDelta(c.shadow.Offset, c.shadow.Scale).Validate() != nil:
		c.log.Debug().Str("pos", s.Pos.String()).Uint64("revision", s.Revision).Msg("refused edit replaced by snapshot")
		c.shadow = s
	}
}

// OnForget closes the editor if its figure went away.
func (c *Controller) OnForget(p figure.Pos) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Editing || p != c.shadow.Pos {
		return
	}
	c.log.Info().Str("pos", p.String()).Msg("figure gone, editor closed")
	c.state = Idle
	c.shadow = figure.Snapshot{}
	c.lastSent = figure.Snapshot{}
}

var _ mirror.Listener = (*Controller)(nil)
