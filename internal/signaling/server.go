package signaling

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/webdrop/signaling/internal/metrics"
	"github.com/webdrop/signaling/internal/ratelimit"
	"github.com/webdrop/signaling/internal/room"
)

const wsWriteWait = 1 * time.Second

// Config wires together the runtime dependencies for the signaling surface.
type Config struct {
	Registry *room.Registry
	Limiter  *ratelimit.Limiter

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// MaxMessageBytes caps a single inbound frame. Oversized frames are
	// rejected with a too_large error reply; the connection stays open.
	MaxMessageBytes int64

	// AllowedOrigins restricts the upgrade's Origin header; empty allows any.
	AllowedOrigins []string
}

// Server owns the GET /ws upgrade path. Each accepted connection gets one
// goroutine that processes its frames serially, in arrival order; frames
// from different connections proceed concurrently and meet only inside the
// registry and the rate limiter.
type Server struct {
	registry *room.Registry
	limiter  *ratelimit.Limiter
	log      *slog.Logger
	metrics  *metrics.Metrics

	maxMessageBytes int64
	upgrader        websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}

	return &Server{
		registry:        cfg.Registry,
		limiter:         cfg.Limiter,
		log:             cfg.Logger,
		metrics:         cfg.Metrics,
		maxMessageBytes: cfg.MaxMessageBytes,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(cfg.AllowedOrigins),
		},
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ws := &wsSession{
		srv:       s,
		conn:      conn,
		sourceKey: sourceKey(r),
	}
	ws.session = room.NewSession(ws)

	s.metrics.Inc(metrics.Connections)
	s.log.Info("ws_connection", "source", ws.sourceKey)
	ws.run()
}

// sourceKey derives the rate-limiting identity: the first forwarded-for hop
// when present (reverse-proxy deployments), otherwise the remote host.
func sourceKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		for _, a := range allowed {
			if strings.EqualFold(origin, a) {
				return true
			}
		}
		return false
	}
}

// wsSession is the per-connection context. It implements room.Peer so the
// registry can push guest_joined/signal/ended/expired events at it from
// other connections' goroutines and from the sweeper.
type wsSession struct {
	srv       *Server
	conn      *websocket.Conn
	sourceKey string
	session   *room.Session

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (ws *wsSession) run() {
	defer ws.Close()

	for {
		_, reader, err := ws.conn.NextReader()
		if err != nil {
			return
		}

		// Admission check after reading the frame so bytes already in the
		// TCP receive buffer are consumed; closing with unread data can turn
		// into an abortive close that hides the error reply from the client.
		if ws.srv.limiter != nil && !ws.srv.limiter.Allow(ws.sourceKey) {
			ws.srv.metrics.Inc(metrics.RateLimited)
			ws.send(errorMessage(ErrorRateLimited))
			ws.closeWith(websocket.ClosePolicyViolation, ErrorRateLimited)
			return
		}

		data, err := readLimited(reader, ws.srv.maxMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				// Oversized frames are an error reply, not a close.
				ws.srv.metrics.Inc(metrics.ProtocolErrors)
				ws.send(errorMessage(ErrorTooLarge))
				continue
			}
			return
		}

		msg, code := ParseClientMessage(data)
		if code != "" {
			ws.srv.metrics.Inc(metrics.ProtocolErrors)
			ws.send(errorMessage(code))
			continue
		}

		ws.dispatch(msg)
	}
}

func (ws *wsSession) dispatch(msg ClientMessage) {
	switch msg.Type {
	case MessageTypeCreateRoom:
		if _, _, bound := ws.session.Binding(); bound {
			ws.send(errorMessage(ErrorAlreadyBound))
			return
		}
		created := ws.srv.registry.Create(ws.session)
		ws.send(Envelope{
			Type: MessageTypeRoomCreated,
			Payload: mustPayload(RoomCreatedPayload{
				RoomID:    created.RoomID,
				JoinToken: created.JoinToken,
				ExpiresAt: created.ExpiresAt.UnixMilli(),
			}),
		})

	case MessageTypeJoinRoom:
		if _, _, bound := ws.session.Binding(); bound {
			ws.send(errorMessage(ErrorAlreadyBound))
			return
		}
		if err := ws.srv.registry.Join(msg.Join.RoomID, msg.Join.Token, ws.session); err != nil {
			ws.send(errorMessage(roomErrorCode(err)))
			return
		}
		ws.send(Envelope{
			Type:    MessageTypeRoomJoined,
			Payload: mustPayload(RoomPayload{RoomID: msg.Join.RoomID}),
		})

	case MessageTypeSignal:
		if err := ws.srv.registry.Relay(ws.session, msg.Signal.RoomID, msg.Signal.Data); err != nil {
			ws.send(errorMessage(roomErrorCode(err)))
		}

	case MessageTypeEndRoom:
		ws.srv.registry.End(msg.Room.RoomID, ws.session)

	case MessageTypeHeartbeat:
		ws.srv.registry.Extend(msg.Room.RoomID)
	}
}

func roomErrorCode(err error) string {
	switch {
	case errors.Is(err, room.ErrNoSuchRoom):
		return ErrorNoSuchRoom
	case errors.Is(err, room.ErrExpired):
		return ErrorExpired
	case errors.Is(err, room.ErrBadToken):
		return ErrorBadToken
	case errors.Is(err, room.ErrAlreadyJoined):
		return ErrorAlreadyJoined
	default:
		return ErrorUnknownType
	}
}

// Deliver implements room.Peer. Sends to an already-closed connection are
// swallowed.
func (ws *wsSession) Deliver(ev room.Event) {
	switch ev.Kind {
	case room.EventSignal:
		ws.send(Envelope{
			Type:    MessageTypeSignal,
			Payload: mustPayload(SignalPayload{RoomID: ev.RoomID, Data: ev.Data}),
		})
	case room.EventGuestJoined:
		ws.send(Envelope{Type: MessageTypeGuestJoined, Payload: mustPayload(RoomPayload{RoomID: ev.RoomID})})
	case room.EventGuestLeft:
		ws.send(Envelope{Type: MessageTypeGuestLeft, Payload: mustPayload(RoomPayload{RoomID: ev.RoomID})})
	case room.EventEnded:
		ws.send(Envelope{Type: MessageTypeEnded, Payload: mustPayload(RoomPayload{RoomID: ev.RoomID})})
	case room.EventExpired:
		ws.send(Envelope{Type: MessageTypeExpired, Payload: mustPayload(RoomPayload{RoomID: ev.RoomID})})
	}
}

func (ws *wsSession) send(msg Envelope) {
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	_ = ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = ws.conn.WriteJSON(msg)
}

func (ws *wsSession) closeWith(code int, reason string) {
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	_ = ws.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (ws *wsSession) Close() {
	ws.closeOnce.Do(func() {
		ws.srv.registry.Disconnect(ws.session)
		_ = ws.conn.Close()
	})
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
