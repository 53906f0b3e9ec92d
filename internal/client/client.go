// Package client is the editor side of the figure protocol: it dials the
// server, keeps a mirror of the figures in its area and sends requests
// without blocking the caller.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"blockpops.ai/internal/client/mirror"
	"blockpops.ai/internal/logging"
	"blockpops.ai/internal/protocol"
	"blockpops.ai/internal/sim/figure"
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
)

var ErrClosed = errors.New("client: connection closed")

// RejectedError is the server refusing the handshake.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("client: rejected by server: %s %s", e.Code, e.Message)
}

type Config struct {
	URL       string
	Name      string
	Area      protocol.Area
	SendQueue int
}

type outMsg struct {
	text bool
	b    []byte
}

type Conn struct {
	ws          *websocket.Conn
	mirror      *mirror.Mirror
	log         zerolog.Logger
	sessionID   string
	chunkRadius int

	out     chan outMsg
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// Dial connects and completes the HELLO/WELCOME handshake. Frames are not read
// until Run is called.
func Dial(ctx context.Context, cfg Config, m *mirror.Mirror) (*Conn, error) {
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 64
	}
	if cfg.Name == "" {
		cfg.Name = "editor"
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	hello := protocol.NewHello(cfg.Name, cfg.Area)
	hello.MaxQueue = 4 * cfg.SendQueue
	b, err := json.Marshal(hello)
	if err != nil {
		ws.Close()
		return nil, err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	switch base.Type {
	case protocol.TypeWelcome:
	case protocol.TypeError:
		var em protocol.ErrorMsg
		_ = json.Unmarshal(msg, &em)
		ws.Close()
		return nil, &RejectedError{Code: em.Code, Message: em.Message}
	default:
		ws.Close()
		return nil, fmt.Errorf("read welcome: unexpected %q", base.Type)
	}
	var welcome protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &welcome); err != nil {
		ws.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	c := &Conn{
		ws:          ws,
		mirror:      m,
		sessionID:   welcome.SessionID,
		chunkRadius: welcome.ChunkRadius,
		out:         make(chan outMsg, cfg.SendQueue),
		done:        make(chan struct{}),
	}
	c.log = logging.WithSession(logging.WithComponent("client"), c.sessionID)
	c.log.Info().Str("url", cfg.URL).Int("chunk_radius", c.chunkRadius).Msg("connected")
	return c, nil
}

func (c *Conn) SessionID() string { return c.sessionID }

// ChunkRadius is the radius the server granted.
func (c *Conn) ChunkRadius() int { return c.chunkRadius }

func (c *Conn) Mirror() *mirror.Mirror { return c.mirror }

// Dropped counts requests Send discarded because the queue was full.
func (c *Conn) Dropped() uint64 { return c.dropped.Load() }

// Send queues a binary request frame. It never blocks; a full queue or a
// closed connection drops the frame.
func (c *Conn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- outMsg{b: frame}:
		return true
	default:
		c.dropped.Add(1)
		c.log.Warn().Int("queue", cap(c.out)).Msg("send queue full, request dropped")
		return false
	}
}

// Subscribe moves the observed area.
func (c *Conn) Subscribe(ctx context.Context, area protocol.Area) error {
	b, err := json.Marshal(protocol.NewSubscribe(area))
	if err != nil {
		return err
	}
	select {
	case c.out <- outMsg{text: true, b: b}:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run pumps frames in both directions until ctx ends or the connection
// fails.
func (c *Conn) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		c.Close()
		return nil
	})
	g.Go(func() error { return c.writeLoop() })
	g.Go(func() error {
		err := c.readLoop()
		c.Close()
		return err
	})
	err := g.Wait()
	if errors.Is(err, ErrClosed) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) writeLoop() error {
	for {
		select {
		case <-c.done:
			return nil
		case m := <-c.out:
			mt := websocket.BinaryMessage
			if m.text {
				mt = websocket.TextMessage
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(mt, m.b); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

func (c *Conn) readLoop() error {
	for {
		mt, msg, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return ErrClosed
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ErrClosed
			}
			return fmt.Errorf("read: %w", err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		c.handleFrame(msg)
	}
}

func (c *Conn) handleFrame(msg []byte) {
	kind, err := protocol.PeekKind(msg)
	if err != nil {
		c.log.Debug().Err(err).Msg("frame dropped")
		return
	}
	switch kind {
	case protocol.KindSnapshot:
		f, err := protocol.DecodeSnapshot(msg)
		if err != nil && !errors.Is(err, protocol.ErrInvalidTag) {
			c.log.Debug().Err(err).Msg("frame dropped")
			return
		}
		if err != nil {
			c.log.Debug().Err(err).Str("pos", f.Snapshot.Pos.String()).Msg("unknown tag in snapshot")
		}
		c.mirror.Apply(f.Snapshot)
	case protocol.KindForget:
		f, err := protocol.DecodeForget(msg)
		if err != nil {
			c.log.Debug().Err(err).Msg("frame dropped")
			return
		}
		c.mirror.Forget(f.Pos)
	default:
		c.log.Debug().Str("kind", kind.String()).Msg("frame dropped")
	}
}

// AreaAround is an area centred on p.
func AreaAround(p figure.Pos, chunkRadius int) protocol.Area {
	return protocol.Area{Center: p.ToArray(), ChunkRadius: chunkRadius}
}
