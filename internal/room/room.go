// Package room implements the rendezvous registry: short-lived rooms pairing
// at most one host and one guest, joined via a single-use token, with TTL
// based expiry.
package room

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Join failures, reported to the requester only.
var (
	ErrNoSuchRoom    = errors.New("no such room")
	ErrExpired       = errors.New("room expired")
	ErrBadToken      = errors.New("bad join token")
	ErrAlreadyJoined = errors.New("room already has a guest")
)

const (
	roomIDLen    = 20
	joinTokenLen = 24
)

// Role of a session within its bound room.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// EventKind enumerates out-of-band notifications delivered to peers.
type EventKind string

const (
	EventGuestJoined EventKind = "guest_joined"
	EventGuestLeft   EventKind = "guest_left"
	EventSignal      EventKind = "signal"
	EventEnded       EventKind = "ended"
	EventExpired     EventKind = "expired"
)

// Event is a notification pushed to a bound peer. Data is set only for
// EventSignal and carries the relayed payload verbatim.
type Event struct {
	Kind   EventKind
	RoomID string
	Data   []byte
}

// Peer is the delivery side of a connection bound to a room. Deliver is
// best-effort: implementations swallow failed sends to already-closed peers
// and must not block indefinitely, since the registry calls it on lifecycle
// paths shared by all connections.
type Peer interface {
	Deliver(ev Event)
}

// Session binds a transport connection to at most one room and one role for
// its lifetime. The registry is the only writer; the owning connection
// goroutine and the sweeper may read concurrently.
type Session struct {
	peer Peer

	mu     sync.Mutex
	roomID string
	role   Role
}

func NewSession(peer Peer) *Session {
	return &Session{peer: peer}
}

// Binding returns the session's room binding, if any.
func (s *Session) Binding() (roomID string, role Role, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID, s.role, s.roomID != ""
}

func (s *Session) bind(roomID string, role Role) {
	s.mu.Lock()
	s.roomID = roomID
	s.role = role
	s.mu.Unlock()
}

func (s *Session) unbind() {
	s.mu.Lock()
	s.roomID = ""
	s.role = ""
	s.mu.Unlock()
}

// Room pairs a host and a guest under a shared identifier. All fields are
// guarded by the owning registry's mutex.
type Room struct {
	id        string
	joinToken string // cleared on first successful join, never restored
	host      *Session
	guest     *Session
	expiresAt time.Time
}

func newRoomID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:roomIDLen]
}

func newJoinToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:joinTokenLen]
}
