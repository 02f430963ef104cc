package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webdrop/signaling/internal/signaling"
)

// fakeConn is an in-memory Conn fed by the test. ReadMessage blocks until a
// frame is queued or the conn is closed.
type fakeConn struct {
	frames chan []byte

	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.frames
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return websocket.TextMessage, data, nil
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("connection closed")
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.frames)
	}
	return nil
}

func (f *fakeConn) serve(env signaling.Envelope) {
	data, _ := json.Marshal(env)
	f.frames <- data
}

func TestGiveUpAfterRetryBudget(t *testing.T) {
	var attempts atomic.Int32
	var giveUps atomic.Int32

	c := New(Config{
		Dial: func(context.Context) (Conn, error) {
			attempts.Add(1)
			return nil, errors.New("refused")
		},
		BackoffBase:   time.Millisecond,
		BackoffCap:    4 * time.Millisecond,
		BackoffJitter: time.Millisecond,
		MaxRetries:    3,
		OnGiveUp:      func() { giveUps.Add(1) },
	})

	c.Start(context.Background())

	// Messages closes when the controller stops.
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-c.Messages():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, int32(4), attempts.Load(), "initial attempt plus three retries")
	assert.Equal(t, int32(1), giveUps.Load())
}

func TestReconnectAfterDrop(t *testing.T) {
	conns := make(chan *fakeConn, 4)
	var opens atomic.Int32

	c := New(Config{
		Dial: func(context.Context) (Conn, error) {
			fc := newFakeConn()
			conns <- fc
			return fc, nil
		},
		BackoffBase:   time.Millisecond,
		BackoffJitter: time.Millisecond,
		MaxRetries:    8,
		OnOpen:        func() { opens.Add(1) },
	})

	c.Start(context.Background())
	defer c.Close()

	first := <-conns
	require.Eventually(t, func() bool { return opens.Load() == 1 }, time.Second, time.Millisecond)

	// Dropping the connection triggers a re-dial after backoff, and a
	// successful reconnect resets the retry budget.
	first.Close()
	second := <-conns
	require.Eventually(t, func() bool { return opens.Load() == 2 }, time.Second, time.Millisecond)
	require.NotSame(t, first, second)
}

func TestDeliberateCloseSuppressesRetries(t *testing.T) {
	var giveUps atomic.Int32
	dialed := make(chan struct{}, 64)

	c := New(Config{
		Dial: func(context.Context) (Conn, error) {
			dialed <- struct{}{}
			return nil, errors.New("refused")
		},
		BackoffBase:   50 * time.Millisecond,
		BackoffJitter: time.Millisecond,
		MaxRetries:    8,
		OnGiveUp:      func() { giveUps.Add(1) },
	})

	c.Start(context.Background())
	<-dialed
	c.Close()

	before := len(dialed)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, before, len(dialed), "no dial attempts after Close")
	assert.Equal(t, int32(0), giveUps.Load())
}

func TestSendHelpers(t *testing.T) {
	fc := newFakeConn()
	opened := make(chan struct{})
	c := New(Config{
		Dial:        func(context.Context) (Conn, error) { return fc, nil },
		BackoffBase: time.Millisecond,
		OnOpen:      func() { close(opened) },
	})

	require.ErrorIs(t, c.CreateRoom(), ErrNotConnected)

	c.Start(context.Background())
	defer c.Close()
	<-opened

	require.NoError(t, c.CreateRoom())
	require.NoError(t, c.JoinRoom("room1", "token1"))
	require.NoError(t, c.Signal("room1", json.RawMessage(`{"sdp":"v=0"}`)))
	require.NoError(t, c.Heartbeat("room1"))
	require.NoError(t, c.EndRoom("room1"))

	fc.mu.Lock()
	sent := fc.sent
	fc.mu.Unlock()
	require.Len(t, sent, 5)

	var env signaling.Envelope
	require.NoError(t, json.Unmarshal(sent[2], &env))
	assert.Equal(t, signaling.MessageTypeSignal, env.Type)
	var sig signaling.SignalPayload
	require.NoError(t, json.Unmarshal(env.Payload, &sig))
	assert.Equal(t, "room1", sig.RoomID)
	assert.JSONEq(t, `{"sdp":"v=0"}`, string(sig.Data))
}

func TestReceivedEnvelopesSurface(t *testing.T) {
	fc := newFakeConn()
	opened := make(chan struct{})

	c := New(Config{
		Dial:        func(context.Context) (Conn, error) { return fc, nil },
		BackoffBase: time.Millisecond,
		OnOpen:      func() { close(opened) },
	})

	c.Start(context.Background())
	defer c.Close()
	<-opened

	fc.serve(signaling.Envelope{
		Type:    signaling.MessageTypeRoomCreated,
		Payload: json.RawMessage(`{"roomId":"r1","joinToken":"t1","expiresAt":1}`),
	})

	select {
	case env := <-c.Messages():
		assert.Equal(t, signaling.MessageTypeRoomCreated, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope received")
	}
}
