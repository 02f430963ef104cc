package signaling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientMessage(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		wantType MessageType
		wantCode string
	}{
		{name: "create room", frame: `{"type":"create_room"}`, wantType: MessageTypeCreateRoom},
		{name: "create room ignores payload", frame: `{"type":"create_room","payload":{"x":1}}`, wantType: MessageTypeCreateRoom},
		{name: "join room", frame: `{"type":"join_room","payload":{"roomId":"r1","token":"t1"}}`, wantType: MessageTypeJoinRoom},
		{name: "signal", frame: `{"type":"signal","payload":{"roomId":"r1","data":{"sdp":"v=0"}}}`, wantType: MessageTypeSignal},
		{name: "end room", frame: `{"type":"end_room","payload":{"roomId":"r1"}}`, wantType: MessageTypeEndRoom},
		{name: "heartbeat", frame: `{"type":"heartbeat","payload":{"roomId":"r1"}}`, wantType: MessageTypeHeartbeat},

		{name: "not json", frame: `hello`, wantCode: ErrorInvalidJSON},
		{name: "truncated json", frame: `{"type":"signal"`, wantCode: ErrorInvalidJSON},
		{name: "json but not object", frame: `[1,2,3]`, wantCode: ErrorInvalidJSON},
		{name: "unknown kind", frame: `{"type":"open_portal"}`, wantCode: ErrorUnknownType},
		{name: "missing type", frame: `{"payload":{}}`, wantCode: ErrorUnknownType},
		{name: "server kind from client", frame: `{"type":"room_created"}`, wantCode: ErrorUnknownType},
		{name: "join missing payload", frame: `{"type":"join_room"}`, wantCode: ErrorUnknownType},
		{name: "join missing token", frame: `{"type":"join_room","payload":{"roomId":"r1"}}`, wantCode: ErrorUnknownType},
		{name: "signal missing room", frame: `{"type":"signal","payload":{"data":{}}}`, wantCode: ErrorUnknownType},
		{name: "heartbeat missing room", frame: `{"type":"heartbeat","payload":{}}`, wantCode: ErrorUnknownType},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			msg, code := ParseClientMessage([]byte(test.frame))
			assert.Equal(t, test.wantCode, code)
			if test.wantCode == "" {
				assert.Equal(t, test.wantType, msg.Type)
			}
		})
	}
}

func TestParseClientMessageSignalDataVerbatim(t *testing.T) {
	msg, code := ParseClientMessage([]byte(`{"type":"signal","payload":{"roomId":"r1","data":{"candidate":"c","mid":0}}}`))
	require.Empty(t, code)
	assert.Equal(t, "r1", msg.Signal.RoomID)
	assert.JSONEq(t, `{"candidate":"c","mid":0}`, string(msg.Signal.Data))
}
