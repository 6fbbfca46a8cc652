package chat

import (
	"sort"
	"sync"
	"time"
)

// ClientMeta is what the relay knows about a connection after it announced
// itself. It lives only as long as the connection or the presence TTL.
type ClientMeta struct {
	ID       string    `json:"id"`
	Nickname string    `json:"nickname"`
	LastSeen time.Time `json:"lastSeen"`
}

// Registry maps live connections to their announced identity.
type Registry struct {
	mu    sync.RWMutex
	metas map[*Client]ClientMeta
}

func NewRegistry() *Registry {
	return &Registry{metas: map[*Client]ClientMeta{}}
}

func (r *Registry) Upsert(c *Client, u User, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metas[c] = ClientMeta{ID: u.ID, Nickname: u.Nickname, LastSeen: now}
}

func (r *Registry) Remove(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.metas[c]
	delete(r.metas, c)
	return ok
}

// Prune drops every entry whose lastSeen is strictly older than ttl.
func (r *Registry) Prune(now time.Time, ttl time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for c, meta := range r.metas {
		if now.Sub(meta.LastSeen) > ttl {
			delete(r.metas, c)
			n++
		}
	}
	return n
}

// Roster returns a snapshot ordered by nickname.
func (r *Registry) Roster() []ClientMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ClientMeta, 0, len(r.metas))
	for _, meta := range r.metas {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Nickname != out[j].Nickname {
			return out[i].Nickname < out[j].Nickname
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.metas)
}
