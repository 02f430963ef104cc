// Package client implements the connection side of the signaling protocol:
// a controller that dials the service, re-dials with exponential backoff when
// the connection drops, and exposes typed send helpers over the current
// connection.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/webdrop/signaling/internal/signaling"
)

// ErrNotConnected is returned by send helpers while no connection is open.
var ErrNotConnected = errors.New("not connected")

const (
	defaultBackoffBase   = 300 * time.Millisecond
	defaultBackoffCap    = 10 * time.Second
	defaultBackoffJitter = 250 * time.Millisecond
	defaultMaxRetries    = 8

	clientWriteWait = 1 * time.Second
)

// Conn is the transport the controller manages. Satisfied by
// *websocket.Conn.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// DialFunc opens one connection attempt. The default dials cfg.URL with
// gorilla's dialer; tests substitute their own.
type DialFunc func(ctx context.Context) (Conn, error)

type Config struct {
	// URL of the signaling endpoint, e.g. ws://host:port/ws. Ignored when
	// Dial is set.
	URL string

	Dial   DialFunc
	Logger *slog.Logger

	// BackoffBase is the delay before the first reconnect attempt; each
	// subsequent attempt doubles it, capped at BackoffCap. BackoffJitter is
	// added on top of every delay, uniform in [0, BackoffJitter), so the
	// schedule never dips below the exponential step it is jittering.
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	BackoffJitter time.Duration

	// MaxRetries bounds consecutive failed attempts. Crossing it gives up
	// permanently; a successful connection resets the count.
	MaxRetries int

	// OnOpen fires after every successful (re)connect, OnGiveUp at most once
	// when the retry budget is exhausted. Both are optional.
	OnOpen   func()
	OnGiveUp func()
}

// Controller maintains one signaling connection. Received envelopes are
// surfaced on Messages; sends go through the typed helpers. All methods are
// safe for concurrent use.
type Controller struct {
	cfg  Config
	log  *slog.Logger
	dial DialFunc

	msgs chan signaling.Envelope

	cancel     context.CancelFunc
	done       chan struct{}
	giveUpOnce sync.Once

	mu   sync.Mutex
	conn Conn
}

func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	if cfg.BackoffJitter <= 0 {
		cfg.BackoffJitter = defaultBackoffJitter
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	dial := cfg.Dial
	if dial == nil {
		url := cfg.URL
		dial = func(ctx context.Context) (Conn, error) {
			conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			if resp != nil {
				resp.Body.Close()
			}
			if err != nil {
				return nil, err
			}
			return conn, nil
		}
	}

	return &Controller{
		cfg:  cfg,
		log:  cfg.Logger,
		dial: dial,
		msgs: make(chan signaling.Envelope, 16),
		done: make(chan struct{}),
	}
}

// Start begins connecting in the background. The controller stops when ctx
// is cancelled, Close is called, or the retry budget runs out.
func (c *Controller) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// Messages yields envelopes received from the service. The channel closes
// when the controller stops.
func (c *Controller) Messages() <-chan signaling.Envelope {
	return c.msgs
}

// Close stops the controller and closes any open connection. Deliberate
// close never triggers reconnect attempts.
func (c *Controller) Close() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	<-c.done
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.msgs)
	defer close(c.done)

	schedule := newBackoffSchedule(c.cfg.BackoffBase, c.cfg.BackoffCap, c.cfg.BackoffJitter)

	retries := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			retries++
			if retries > c.cfg.MaxRetries {
				c.giveUp()
				return
			}
			delay := schedule.next()
			c.log.Warn("dial_failed", "error", err, "retry", retries, "delay", delay)
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		retries = 0
		schedule.reset()
		c.setConn(conn)
		c.log.Info("connected")
		if c.cfg.OnOpen != nil {
			c.cfg.OnOpen()
		}

		err = c.readLoop(ctx, conn)
		c.setConn(nil)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		delay := schedule.next()
		c.log.Warn("connection_lost", "error", err, "delay", delay)
		if !sleep(ctx, delay) {
			return
		}
	}
}

func (c *Controller) readLoop(ctx context.Context, conn Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env signaling.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("bad_frame", "error", err)
			continue
		}
		select {
		case c.msgs <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Controller) giveUp() {
	c.giveUpOnce.Do(func() {
		c.log.Error("giving_up", "retries", c.cfg.MaxRetries)
		if c.cfg.OnGiveUp != nil {
			c.cfg.OnGiveUp()
		}
	})
}

func (c *Controller) setConn(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Controller) send(env signaling.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// CreateRoom asks the service for a fresh room. The room_created reply
// arrives on Messages.
func (c *Controller) CreateRoom() error {
	return c.send(signaling.Envelope{Type: signaling.MessageTypeCreateRoom})
}

func (c *Controller) JoinRoom(roomID, token string) error {
	return c.send(signaling.Envelope{
		Type:    signaling.MessageTypeJoinRoom,
		Payload: marshalPayload(signaling.JoinRoomPayload{RoomID: roomID, Token: token}),
	})
}

// Signal relays data to the room's counterpart verbatim.
func (c *Controller) Signal(roomID string, data json.RawMessage) error {
	return c.send(signaling.Envelope{
		Type:    signaling.MessageTypeSignal,
		Payload: marshalPayload(signaling.SignalPayload{RoomID: roomID, Data: data}),
	})
}

func (c *Controller) Heartbeat(roomID string) error {
	return c.send(signaling.Envelope{
		Type:    signaling.MessageTypeHeartbeat,
		Payload: marshalPayload(signaling.RoomPayload{RoomID: roomID}),
	})
}

func (c *Controller) EndRoom(roomID string) error {
	return c.send(signaling.Envelope{
		Type:    signaling.MessageTypeEndRoom,
		Payload: marshalPayload(signaling.RoomPayload{RoomID: roomID}),
	})
}

func marshalPayload(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
