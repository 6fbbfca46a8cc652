package store

import (
	"sort"
	"strings"
	"time"
)

// Status is the delivery state of a single voice message.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSending  Status = "sending"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
	StatusListened Status = "listened"
)

// Terminal reports whether no automatic transition leaves this status.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusListened
}

// Delivered reports whether the relay has accepted the message.
func (s Status) Delivered() bool {
	return s == StatusSent || s == StatusListened
}

// BroadcastConv is the conversation id of messages without recipients.
const BroadcastConv = "__all__"

// MaxMessages bounds the in-memory history.
const MaxMessages = 100

// Message is a voice message record, inbound or outbound.
type Message struct {
	ID         string    `json:"id"`
	Sender     string    `json:"sender"`
	SenderID   string    `json:"senderId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	Duration   float64   `json:"duration"`
	Mime       string    `json:"mime"`
	Payload    []byte    `json:"-"`
	Recipients []string  `json:"recipients,omitempty"`
	ConvID     string    `json:"convId"`
	Status     Status    `json:"status"`
	Attempts   int       `json:"attempts"`
	ListenedBy []string  `json:"listenedBy"`
}

// PresenceUser is a cached entry of someone seen on the relay.
type PresenceUser struct {
	ID       string    `json:"id"`
	Nickname string    `json:"nickname"`
	LastSeen time.Time `json:"lastSeen"`
}

// Identity is the locally persisted self identity.
type Identity struct {
	SelfID   string
	Nickname string
}

// DeriveConvID groups a message into a conversation: broadcast messages share
// BroadcastConv, targeted ones are keyed by the sorted participant set.
func DeriveConvID(senderID string, recipients []string) string {
	if len(recipients) == 0 {
		return BroadcastConv
	}
	set := make(map[string]struct{}, len(recipients)+1)
	for _, r := range recipients {
		set[r] = struct{}{}
	}
	if senderID != "" {
		set[senderID] = struct{}{}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return strings.Join(ids, "|")
}

// MessageStore records messages and their delivery status.
type MessageStore interface {
	// Add stores m unless a message with the same id exists.
	Add(m Message) error
	Get(id string) (Message, bool)
	UpdateStatus(id string, status Status, attempts int) error
	// MarkListened records listenerID once and reports whether it was new.
	MarkListened(id, listenerID string) (bool, error)
}

// PresenceCache persists the presence snapshot between sessions.
type PresenceCache interface {
	LoadPresence() ([]PresenceUser, error)
	SavePresence(users []PresenceUser) error
}

// IdentityStore persists the self identity between sessions.
type IdentityStore interface {
	LoadIdentity() (Identity, error)
	SaveIdentity(id Identity) error
}

func applyListened(m *Message, listenerID string) bool {
	for _, l := range m.ListenedBy {
		if l == listenerID {
			return false
		}
	}
	m.ListenedBy = append(m.ListenedBy, listenerID)
	// only the first new listener moves the status
	if !m.Status.Terminal() {
		m.Status = StatusListened
	}
	return true
}
