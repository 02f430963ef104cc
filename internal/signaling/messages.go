package signaling

import "encoding/json"

// MessageType enumerates the closed set of wire message kinds.
type MessageType string

// Client-to-server kinds.
const (
	MessageTypeCreateRoom MessageType = "create_room"
	MessageTypeJoinRoom   MessageType = "join_room"
	MessageTypeSignal     MessageType = "signal"
	MessageTypeEndRoom    MessageType = "end_room"
	MessageTypeHeartbeat  MessageType = "heartbeat"
)

// Server-to-client kinds.
const (
	MessageTypeRoomCreated MessageType = "room_created"
	MessageTypeRoomJoined  MessageType = "room_joined"
	MessageTypeGuestJoined MessageType = "guest_joined"
	MessageTypeGuestLeft   MessageType = "guest_left"
	MessageTypeEnded       MessageType = "ended"
	MessageTypeExpired     MessageType = "expired"
	MessageTypeError       MessageType = "error"
)

// Error codes carried in the error message's top-level `error` field.
const (
	ErrorInvalidJSON   = "invalid_json"
	ErrorTooLarge      = "too_large"
	ErrorUnknownType   = "unknown_type"
	ErrorRateLimited   = "rate_limited"
	ErrorNoSuchRoom    = "no_such_room"
	ErrorExpired       = "expired"
	ErrorBadToken      = "bad_token"
	ErrorAlreadyJoined = "already_joined"
	ErrorAlreadyBound  = "already_bound"
)

// Envelope is the one-object-per-frame wire envelope. Error replies carry
// their code in Error instead of a payload.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type RoomCreatedPayload struct {
	RoomID    string `json:"roomId"`
	JoinToken string `json:"joinToken"`
	ExpiresAt int64  `json:"expiresAt"` // epoch milliseconds
}

type RoomPayload struct {
	RoomID string `json:"roomId"`
}

type JoinRoomPayload struct {
	RoomID string `json:"roomId"`
	Token  string `json:"token"`
}

type SignalPayload struct {
	RoomID string          `json:"roomId"`
	Data   json.RawMessage `json:"data"`
}

// ClientMessage is a validated inbound frame. Exactly one payload field is
// populated, matching Type.
type ClientMessage struct {
	Type   MessageType
	Join   JoinRoomPayload
	Signal SignalPayload
	Room   RoomPayload
}

// ParseClientMessage validates data against the closed schema. On failure it
// returns the wire error code to report: invalid_json for frames that are
// not a JSON envelope, unknown_type for everything else (unknown kinds and
// known kinds with malformed payloads alike).
func ParseClientMessage(data []byte) (ClientMessage, string) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ClientMessage{}, ErrorInvalidJSON
	}

	msg := ClientMessage{Type: env.Type}
	switch env.Type {
	case MessageTypeCreateRoom:
		return msg, ""
	case MessageTypeJoinRoom:
		if err := json.Unmarshal(env.Payload, &msg.Join); err != nil || msg.Join.RoomID == "" || msg.Join.Token == "" {
			return ClientMessage{}, ErrorUnknownType
		}
		return msg, ""
	case MessageTypeSignal:
		if err := json.Unmarshal(env.Payload, &msg.Signal); err != nil || msg.Signal.RoomID == "" {
			return ClientMessage{}, ErrorUnknownType
		}
		return msg, ""
	case MessageTypeEndRoom, MessageTypeHeartbeat:
		if err := json.Unmarshal(env.Payload, &msg.Room); err != nil || msg.Room.RoomID == "" {
			return ClientMessage{}, ErrorUnknownType
		}
		return msg, ""
	default:
		return ClientMessage{}, ErrorUnknownType
	}
}

func errorMessage(code string) Envelope {
	return Envelope{Type: MessageTypeError, Error: code}
}

func mustPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// All payload types marshal cleanly; this is unreachable for the
		// closed schema.
		panic(err)
	}
	return data
}
