package realtime

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gofiber/fiber/v2/log"

	"github.com/pelusa-v/pelusa-voice/internal/chat"
	"github.com/pelusa-v/pelusa-voice/internal/store"
)

// PresenceTTL is how long a user stays listed without a fresh presence frame.
const PresenceTTL = 60 * time.Second

// PresenceStore is the client's view of who is online. Every mutation is
// written through to the cache.
type PresenceStore struct {
	mu     sync.RWMutex
	selfID string
	self   string
	users  map[string]store.PresenceUser
	cache  store.PresenceCache
	clock  clock.Clock
}

func NewPresenceStore(cache store.PresenceCache, clk clock.Clock) *PresenceStore {
	if clk == nil {
		clk = clock.New()
	}
	return &PresenceStore{users: map[string]store.PresenceUser{}, cache: cache, clock: clk}
}

// Load seeds the store from the cache, skipping entries that are already
// PresenceTTL old.
func (p *PresenceStore) Load() error {
	if p.cache == nil {
		return nil
	}
	cached, err := p.cache.LoadPresence()
	if err != nil {
		return err
	}
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range cached {
		if u.ID == "" || now.Sub(u.LastSeen) >= PresenceTTL {
			continue
		}
		p.users[u.ID] = u
	}
	return nil
}

// SetSelf records our own identity and lists us right away, without
// waiting for the relay to echo our presence.
func (p *PresenceStore) SetSelf(id, nickname string) {
	p.mu.Lock()
	p.selfID, p.self = id, nickname
	if id == "" || nickname == "" {
		p.mu.Unlock()
		return
	}
	p.users[id] = store.PresenceUser{ID: id, Nickname: nickname, LastSeen: p.clock.Now()}
	snap := p.snapshotLocked()
	p.mu.Unlock()
	p.persist(snap)
}

func (p *PresenceStore) Self() (id, nickname string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.selfID, p.self
}

// Upsert records u as seen now. lastSeen is always the local receipt time.
func (p *PresenceStore) Upsert(u chat.User) {
	if u.ID == "" {
		return
	}
	p.mu.Lock()
	p.users[u.ID] = store.PresenceUser{ID: u.ID, Nickname: u.Nickname, LastSeen: p.clock.Now()}
	snap := p.snapshotLocked()
	p.mu.Unlock()
	p.persist(snap)
}

// Prune drops users not seen within ttl and returns how many went.
func (p *PresenceStore) Prune(ttl time.Duration) int {
	now := p.clock.Now()
	p.mu.Lock()
	n := 0
	for id, u := range p.users {
		if now.Sub(u.LastSeen) > ttl {
			delete(p.users, id)
			n++
		}
	}
	snap := p.snapshotLocked()
	p.mu.Unlock()
	if n > 0 {
		p.persist(snap)
	}
	return n
}

// List returns the known users ordered by nickname.
func (p *PresenceStore) List() []store.PresenceUser {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshotLocked()
}

// NicknameTaken reports whether another present user, not selfID, already
// goes by nickname. The comparison ignores case.
func (p *PresenceStore) NicknameTaken(nickname, selfID string) bool {
	nickname = strings.TrimSpace(nickname)
	p.mu.RLock()
	defer p.mu.RUnlock()
	for id, u := range p.users {
		if id != selfID && strings.EqualFold(u.Nickname, nickname) {
			return true
		}
	}
	return false
}

func (p *PresenceStore) snapshotLocked() []store.PresenceUser {
	out := make([]store.PresenceUser, 0, len(p.users))
	for _, u := range p.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Nickname), strings.ToLower(out[j].Nickname)
		if a != b {
			return a < b
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (p *PresenceStore) persist(snap []store.PresenceUser) {
	if p.cache == nil {
		return
	}
	if err := p.cache.SavePresence(snap); err != nil {
		log.Warnf("realtime: save presence cache: %v", err)
	}
}
