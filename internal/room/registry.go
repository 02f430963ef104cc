package room

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/webdrop/signaling/internal/metrics"
)

// Clock abstracts time for deterministic expiry tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config wires the registry's runtime dependencies. Zero values get safe
// defaults.
type Config struct {
	// TTL is the room lifetime; heartbeats push the deadline forward by the
	// same amount.
	TTL time.Duration

	// SweepInterval is how often Run evicts expired rooms.
	SweepInterval time.Duration

	Clock   Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

const (
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = 30 * time.Second
)

// Registry owns the lifecycle and membership of every active room. All room
// and binding mutations happen under one mutex; peer notifications are
// collected under the lock and delivered after it is released, so a slow
// peer cannot stall the registry.
type Registry struct {
	ttl           time.Duration
	sweepInterval time.Duration
	clock         Clock
	log           *slog.Logger
	metrics       *metrics.Metrics

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry(cfg Config) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Registry{
		ttl:           cfg.TTL,
		sweepInterval: cfg.SweepInterval,
		clock:         cfg.Clock,
		log:           cfg.Logger,
		metrics:       cfg.Metrics,
		rooms:         make(map[string]*Room),
	}
}

// Created describes a freshly created room.
type Created struct {
	RoomID    string
	JoinToken string
	ExpiresAt time.Time
}

type delivery struct {
	sess *Session
	ev   Event
}

func deliverAll(pending []delivery) {
	for _, d := range pending {
		if d.sess != nil && d.sess.peer != nil {
			d.sess.peer.Deliver(d.ev)
		}
	}
}

// Create inserts a new room with a fresh id and single-use join token and
// binds sess as its host.
func (r *Registry) Create(sess *Session) Created {
	now := r.clock.Now()

	r.mu.Lock()
	id := newRoomID()
	for {
		if _, taken := r.rooms[id]; !taken {
			break
		}
		id = newRoomID()
	}
	room := &Room{
		id:        id,
		joinToken: newJoinToken(),
		host:      sess,
		expiresAt: now.Add(r.ttl),
	}
	r.rooms[id] = room
	sess.bind(id, RoleHost)
	created := Created{RoomID: id, JoinToken: room.joinToken, ExpiresAt: room.expiresAt}
	r.mu.Unlock()

	r.metrics.Inc(metrics.RoomsCreated)
	r.log.Info("room_created", "room_id", id, "expires_at", created.ExpiresAt)
	return created
}

// Join binds sess as the room's guest. On success the join token is cleared
// atomically with the guest binding, and the host is notified out of band
// with a guest_joined event.
//
// A room whose deadline has passed is evicted as a side effect of the failed
// join; a room whose token was already consumed reports ErrBadToken even if
// the guest slot has since emptied.
func (r *Registry) Join(roomID, token string, sess *Session) error {
	now := r.clock.Now()

	r.mu.Lock()
	room, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return ErrNoSuchRoom
	}
	if now.After(room.expiresAt) {
		r.destroyLocked(room)
		r.mu.Unlock()
		return ErrExpired
	}
	if room.joinToken == "" || token != room.joinToken {
		r.mu.Unlock()
		return ErrBadToken
	}
	if room.guest != nil {
		r.mu.Unlock()
		return ErrAlreadyJoined
	}

	room.guest = sess
	room.joinToken = "" // single use
	sess.bind(roomID, RoleGuest)
	pending := []delivery{{room.host, Event{Kind: EventGuestJoined, RoomID: roomID}}}
	r.mu.Unlock()

	r.metrics.Inc(metrics.RoomsJoined)
	r.log.Info("room_joined", "room_id", roomID)
	deliverAll(pending)
	return nil
}

// Relay forwards data verbatim to the sender's counterpart. With no bound
// counterpart the payload is silently dropped; there is no store-and-forward.
func (r *Registry) Relay(sess *Session, roomID string, data []byte) error {
	r.mu.Lock()
	room, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return ErrNoSuchRoom
	}

	var target *Session
	switch sess {
	case room.host:
		target = room.guest
	case room.guest:
		target = room.host
	}
	r.mu.Unlock()

	if target == nil {
		r.metrics.Inc(metrics.SignalsDropped)
		return nil
	}

	r.metrics.Inc(metrics.SignalsRelayed)
	r.log.Debug("signal_relay", "room_id", roomID)
	target.peer.Deliver(Event{Kind: EventSignal, RoomID: roomID, Data: data})
	return nil
}

// End destroys the room, notifying every bound party other than the
// requester with a terminal ended event. Ending an absent room is a no-op.
func (r *Registry) End(roomID string, sess *Session) {
	r.mu.Lock()
	room, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return
	}

	var pending []delivery
	for _, member := range [2]*Session{room.host, room.guest} {
		if member != nil && member != sess {
			pending = append(pending, delivery{member, Event{Kind: EventEnded, RoomID: roomID}})
		}
	}
	r.destroyLocked(room)
	r.mu.Unlock()

	r.metrics.Inc(metrics.RoomsEnded)
	r.log.Info("room_end", "room_id", roomID)
	deliverAll(pending)
}

// Extend pushes the room's deadline forward by the TTL. Heartbeats for
// unknown rooms are not an error, to tolerate races with expiry.
func (r *Registry) Extend(roomID string) {
	now := r.clock.Now()

	r.mu.Lock()
	if room, ok := r.rooms[roomID]; ok {
		room.expiresAt = now.Add(r.ttl)
	}
	r.mu.Unlock()
}

// Disconnect handles a connection close. A departing host tears the room
// down and the guest receives ended; a departing guest frees the guest slot
// and the host receives guest_left (the room survives until TTL or an
// explicit end, though its consumed token means no new guest can join).
func (r *Registry) Disconnect(sess *Session) {
	roomID, role, ok := sess.Binding()
	if !ok {
		return
	}

	r.mu.Lock()
	room, exists := r.rooms[roomID]
	if !exists {
		sess.unbind()
		r.mu.Unlock()
		return
	}

	var pending []delivery
	switch role {
	case RoleHost:
		if room.guest != nil {
			pending = append(pending, delivery{room.guest, Event{Kind: EventEnded, RoomID: roomID}})
		}
		r.destroyLocked(room)
	case RoleGuest:
		room.guest = nil
		sess.unbind()
		if room.host != nil {
			pending = append(pending, delivery{room.host, Event{Kind: EventGuestLeft, RoomID: roomID}})
		}
	}
	r.mu.Unlock()

	r.log.Info("ws_close", "room_id", roomID, "role", string(role))
	deliverAll(pending)
}

// SweepExpired evicts every room past its deadline, sending a terminal
// expired event to every still-bound party before deletion. It returns the
// evicted room ids.
func (r *Registry) SweepExpired() []string {
	now := r.clock.Now()

	r.mu.Lock()
	var evicted []string
	var pending []delivery
	for id, room := range r.rooms {
		if !now.After(room.expiresAt) {
			continue
		}
		for _, member := range [2]*Session{room.host, room.guest} {
			if member != nil {
				pending = append(pending, delivery{member, Event{Kind: EventExpired, RoomID: id}})
			}
		}
		r.destroyLocked(room)
		evicted = append(evicted, id)
	}
	r.mu.Unlock()

	for _, id := range evicted {
		r.metrics.Inc(metrics.RoomsExpired)
		r.log.Info("room_expired", "room_id", id)
	}
	deliverAll(pending)
	return evicted
}

// Run drives the expiry sweeper until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.SweepExpired()
		case <-ctx.Done():
			return
		}
	}
}

// Len reports the number of active rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// destroyLocked removes the room and unbinds its members, so a connection
// that outlives its room starts over unbound. Callers hold r.mu.
func (r *Registry) destroyLocked(room *Room) {
	if room.host != nil {
		room.host.unbind()
	}
	if room.guest != nil {
		room.guest.unbind()
	}
	delete(r.rooms, room.id)
}
