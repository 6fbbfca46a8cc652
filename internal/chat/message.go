package chat

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EnvelopeType is the "type" discriminator of a JSON frame.
type EnvelopeType string

const (
	TypePresence EnvelopeType = "presence"
	TypeVoice    EnvelopeType = "voice"
	TypeListened EnvelopeType = "listened"
)

// Bare heartbeat frames, sent as plain text rather than JSON.
const (
	PingFrame = "ping"
	PongFrame = "pong"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrMissingUser    = errors.New("presence frame without user")
)

// User is the identity announced in a presence frame.
type User struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
}

type PresenceEnvelope struct {
	Type EnvelopeType `json:"type"`
	User *User        `json:"user,omitempty"`
}

// VoiceEnvelope carries one recorded message. Payload is base64 on the wire;
// a nil Recipients list means broadcast.
type VoiceEnvelope struct {
	Type       EnvelopeType `json:"type"`
	ID         string       `json:"id"`
	Sender     string       `json:"sender"`
	SenderID   string       `json:"senderId"`
	CreatedAt  int64        `json:"createdAt"` // unix ms
	Duration   float64      `json:"duration"`  // seconds
	Payload    []byte       `json:"payload"`
	Mime       string       `json:"mime"`
	Recipients []string     `json:"recipients,omitempty"`
}

// AddressedTo reports whether a client with selfID should keep the message.
func (v *VoiceEnvelope) AddressedTo(selfID string) bool {
	if len(v.Recipients) == 0 {
		return true
	}
	for _, r := range v.Recipients {
		if r == selfID {
			return true
		}
	}
	return false
}

type ListenedEnvelope struct {
	Type       EnvelopeType `json:"type"`
	MessageID  string       `json:"messageId"`
	ListenerID string       `json:"listenerId"`
}

// FrameKind tags the variant held by a decoded Frame.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FramePing
	FramePong
	FramePresence
	FrameVoice
	FrameListened
)

func (k FrameKind) String() string {
	switch k {
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FramePresence:
		return "presence"
	case FrameVoice:
		return "voice"
	case FrameListened:
		return "listened"
	default:
		return "unknown"
	}
}

// Frame is one decoded inbound frame. Exactly the field matching Kind is set.
type Frame struct {
	Kind     FrameKind
	Presence *PresenceEnvelope
	Voice    *VoiceEnvelope
	Listened *ListenedEnvelope
}

type header struct {
	Type EnvelopeType `json:"type"`
}

// Peek classifies a frame by its type only, without decoding the body.
func Peek(data []byte) (FrameKind, error) {
	switch string(data) {
	case PingFrame:
		return FramePing, nil
	case PongFrame:
		return FramePong, nil
	}
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return FrameUnknown, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch h.Type {
	case TypePresence:
		return FramePresence, nil
	case TypeVoice:
		return FrameVoice, nil
	case TypeListened:
		return FrameListened, nil
	default:
		return FrameUnknown, nil
	}
}

// Decode parses a frame into its variant. Unknown types decode to
// FrameUnknown without error.
func Decode(data []byte) (Frame, error) {
	kind, err := Peek(data)
	if err != nil {
		return Frame{}, err
	}
	f := Frame{Kind: kind}
	switch kind {
	case FramePresence:
		var p PresenceEnvelope
		if err := json.Unmarshal(data, &p); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if p.User == nil {
			return Frame{}, ErrMissingUser
		}
		f.Presence = &p
	case FrameVoice:
		var v VoiceEnvelope
		if err := json.Unmarshal(data, &v); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		f.Voice = &v
	case FrameListened:
		var l ListenedEnvelope
		if err := json.Unmarshal(data, &l); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		f.Listened = &l
	}
	return f, nil
}

func EncodePresence(u User) ([]byte, error) {
	return json.Marshal(&PresenceEnvelope{Type: TypePresence, User: &u})
}

func EncodeVoice(v VoiceEnvelope) ([]byte, error) {
	v.Type = TypeVoice
	return json.Marshal(&v)
}

func EncodeListened(messageID, listenerID string) ([]byte, error) {
	return json.Marshal(&ListenedEnvelope{Type: TypeListened, MessageID: messageID, ListenerID: listenerID})
}
