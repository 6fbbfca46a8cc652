package chat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeVariants(t *testing.T) {
	tests := []struct {
		name  string
		input string
		kind  FrameKind
	}{
		{"ping", "ping", FramePing},
		{"pong", "pong", FramePong},
		{"presence", `{"type":"presence","user":{"id":"a1","nickname":"Alice"}}`, FramePresence},
		{"voice", `{"type":"voice","id":"m1","payload":"AQI="}`, FrameVoice},
		{"listened", `{"type":"listened","messageId":"m1","listenerId":"b1"}`, FrameListened},
		{"unknown type", `{"type":"typing"}`, FrameUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, err := Decode([]byte(tc.input))
			require.NoError(t, err)
			assert.Equal(t, tc.kind, f.Kind)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = Decode([]byte(`{"type":"voice","payload":"%%%"}`))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = Decode([]byte(`{"type":"presence"}`))
	assert.ErrorIs(t, err, ErrMissingUser)
}

func TestVoiceWireFormat(t *testing.T) {
	data, err := EncodeVoice(VoiceEnvelope{
		ID:        "m1",
		Sender:    "Alice",
		SenderID:  "a1",
		CreatedAt: 1700000000000,
		Duration:  1.5,
		Payload:   []byte{1, 2},
		Mime:      "audio/webm",
	})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "voice", raw["type"])
	assert.Equal(t, "AQI=", raw["payload"])
	assert.Equal(t, "a1", raw["senderId"])
	_, hasRecipients := raw["recipients"]
	assert.False(t, hasRecipients, "broadcast omits recipients")

	f, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, f.Voice.Payload)
	assert.True(t, f.Voice.AddressedTo("anyone"))
}

func TestAddressedTo(t *testing.T) {
	v := VoiceEnvelope{Recipients: []string{"b1"}}
	assert.True(t, v.AddressedTo("b1"))
	assert.False(t, v.AddressedTo("c1"))
}
