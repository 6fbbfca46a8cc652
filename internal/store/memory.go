package store

import (
	"sort"
	"sync"
)

// MemoryStore keeps messages, presence and identity in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*Message
	order    []string
	presence []PresenceUser
	identity Identity
	limit    int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*Message),
		limit:    MaxMessages,
	}
}

func (s *MemoryStore) Add(m Message) error {
	if m.ID == "" {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return nil
	}
	if m.ConvID == "" {
		m.ConvID = DeriveConvID(m.SenderID, m.Recipients)
	}
	if m.Status == "" {
		m.Status = StatusPending
	}
	if m.ListenedBy == nil {
		m.ListenedBy = []string{}
	}
	for len(s.order) >= s.limit {
		delete(s.messages, s.order[0])
		s.order = s.order[1:]
	}
	s.messages[m.ID] = &m
	s.order = append(s.order, m.ID)
	return nil
}

func (s *MemoryStore) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return Message{}, false
	}
	return clone(m), true
}

func (s *MemoryStore) UpdateStatus(id string, status Status, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.Status = status
	m.Attempts = attempts
	return nil
}

func (s *MemoryStore) MarkListened(id, listenerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, ErrNotFound
	}
	return applyListened(m, listenerID), nil
}

// ByConversation returns the messages of convID oldest first. Broadcast
// messages are mixed in when includeBroadcast is set.
func (s *MemoryStore) ByConversation(convID string, includeBroadcast bool) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, 0, len(s.order))
	for _, id := range s.order {
		m := s.messages[id]
		switch {
		case convID == "" || convID == BroadcastConv:
			if m.ConvID != BroadcastConv {
				continue
			}
		case m.ConvID == convID:
		case includeBroadcast && m.ConvID == BroadcastConv:
		default:
			continue
		}
		out = append(out, clone(m))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) LoadPresence() ([]PresenceUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]PresenceUser(nil), s.presence...), nil
}

func (s *MemoryStore) SavePresence(users []PresenceUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence = append([]PresenceUser(nil), users...)
	return nil
}

func (s *MemoryStore) LoadIdentity() (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity, nil
}

func (s *MemoryStore) SaveIdentity(id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = id
	return nil
}

func clone(m *Message) Message {
	cp := *m
	cp.Recipients = append([]string(nil), m.Recipients...)
	cp.ListenedBy = append([]string{}, m.ListenedBy...)
	return cp
}
