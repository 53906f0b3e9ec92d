package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"blockpops.ai/internal/logging"
	"blockpops.ai/internal/metrics"
	"blockpops.ai/internal/protocol"
	"blockpops.ai/internal/sim/figure"
	"blockpops.ai/internal/sim/world"
)

const (
	handshakeTimeout = 5 * time.Second
	readTimeout      = 60 * time.Second
	writeTimeout     = 5 * time.Second
	minQueue         = 8
)

type Server struct {
	world    *world.World
	log      zerolog.Logger
	maxQueue int

	upgrader websocket.Upgrader
}

// NewServer serves the figure protocol for w. maxQueue caps the per-session
// outbound queue a client may ask for.
func NewServer(w *world.World, maxQueue int) *Server {
	if maxQueue < minQueue {
		maxQueue = minQueue
	}
	return &Server{
		world:    w,
		log:      logging.WithComponent("ws"),
		maxQueue: maxQueue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sid, out := s.handshake(conn)
		if sid == "" {
			return
		}
		log := logging.WithSession(s.log, sid)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := s.world.ObserverLeave(ctx, sid); err != nil && !errors.Is(err, world.ErrStopped) {
				log.Warn().Err(err).Msg("observer leave")
			}
			log.Info().Msg("session closed")
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine. out is shared with the world and never closed.
		writeDone := make(chan struct{})
		go func() {
			defer close(writeDone)
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		reqLog := log.Sample(&zerolog.BurstSampler{Burst: 20, Period: time.Second})
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			switch mt {
			case websocket.BinaryMessage:
				s.handleFrame(sid, msg, reqLog)
			case websocket.TextMessage:
				s.handleControl(ctx, sid, msg, log)
			}
		}

		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		select {
		case <-writeDone:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// handleFrame decodes one client request. Malformed frames are counted,
// logged and dropped; they never reach the world.
func (s *Server) handleFrame(sid string, msg []byte, log zerolog.Logger) {
	kind, err := protocol.PeekKind(msg)
	if err != nil {
		s.decodeFailed(err, log)
		return
	}
	var req world.Request
	switch kind {
	case protocol.KindOffsetUpdate:
		u, err := protocol.DecodeOffsetUpdate(msg)
		if err != nil {
			s.decodeFailed(err, log)
			return
		}
		req = world.OffsetRequest(sid, u)
		log.Info().Str("pos", u.Pos.String()).Float64("scale", u.Scale).Msg("offset request")
	case protocol.KindVariantUpdate:
		u, err := protocol.DecodeVariantUpdate(msg)
		if err != nil {
			s.decodeFailed(err, log)
			if !errors.Is(err, protocol.ErrInvalidTag) {
				return
			}
			// An unknown tag still carries a usable update; it applies as none.
		}
		req = world.VariantRequest(sid, u)
		log.Info().Str("pos", u.Pos.String()).Str("variant", string(u.Variant)).Msg("variant request")
	default:
		s.decodeFailed(&protocol.DecodeError{Kind: protocol.UnknownKind, Tag: kind.String()}, log)
		return
	}
	s.world.Submit(req)
}

func (s *Server) decodeFailed(err error, log zerolog.Logger) {
	code := protocol.ErrProtoBadRequest
	var de *protocol.DecodeError
	if errors.As(err, &de) {
		code = de.Code()
	}
	metrics.DecodeErrorsTotal.WithLabelValues(code).Inc()
	log.Debug().Err(err).Str("code", code).Msg("frame dropped")
}

func (s *Server) handleControl(ctx context.Context, sid string, msg []byte, log zerolog.Logger) {
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeSubscribe || base.ProtocolVersion != protocol.Version {
		metrics.DecodeErrorsTotal.WithLabelValues(protocol.ErrProtoBadRequest).Inc()
		return
	}
	var sub protocol.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		metrics.DecodeErrorsTotal.WithLabelValues(protocol.ErrProtoBadRequest).Inc()
		return
	}
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	err = s.world.ObserverSubscribe(ctx, world.ObserverSubscribeRequest{SessionID: sid, Area: areaFromWire(sub.Area)})
	if err != nil {
		log.Warn().Err(err).Msg("subscribe")
	}
}

func (s *Server) handshake(conn *websocket.Conn) (sid string, out chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		reject(conn, protocol.ErrProtoBadRequest, "expected HELLO")
		return "", nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		reject(conn, protocol.ErrProtoBadRequest, "bad HELLO")
		return "", nil
	}
	if hello.ProtocolVersion != protocol.Version {
		reject(conn, protocol.ErrProtoVersion, "bad protocol_version")
		return "", nil
	}
	if hello.ClientName == "" {
		hello.ClientName = "client"
	}

	maxQ := hello.MaxQueue
	if maxQ <= 0 || maxQ > s.maxQueue {
		maxQ = s.maxQueue
	}
	if maxQ < minQueue {
		maxQ = minQueue
	}
	out = make(chan []byte, maxQ)
	sid = uuid.NewString()

	area := areaFromWire(hello.Area)
	if area.ChunkRadius <= 0 {
		area.ChunkRadius = s.world.Config().DefaultChunkRadius
	}
	if area.ChunkRadius > s.world.Config().MaxChunkRadius {
		area.ChunkRadius = s.world.Config().MaxChunkRadius
	}

	// WELCOME goes out before the join so it precedes every binary frame.
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sid,
		ChunkRadius:     area.ChunkRadius,
	}
	if err := writeJSON(conn, welcome); err != nil {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	if err := s.world.ObserverJoin(ctx, world.ObserverJoinRequest{SessionID: sid, Out: out, Area: area}); err != nil {
		s.log.Warn().Err(err).Msg("observer join")
		reject(conn, protocol.ErrServerBusy, "server busy")
		return "", nil
	}
	s.log.Info().Str("session_id", sid).Str("client", hello.ClientName).Str("center", area.Center.String()).Int("chunk_radius", area.ChunkRadius).Int("queue", maxQ).Msg("session opened")
	return sid, out
}

func areaFromWire(a protocol.Area) world.Area {
	return world.Area{
		Center:      figure.Pos{X: a.Center[0], Y: a.Center[1], Z: a.Center[2]},
		ChunkRadius: a.ChunkRadius,
	}
}

func reject(conn *websocket.Conn, code, message string) {
	_ = writeJSON(conn, protocol.ErrorMsg{Type: protocol.TypeError, ProtocolVersion: protocol.Version, Code: code, Message: message})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
