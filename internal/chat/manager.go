package chat

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gofiber/fiber/v2/log"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultSweepInterval = 20 * time.Second
	DefaultPresenceTTL   = 60 * time.Second
)

// Inbound is a classified frame read from a client.
type Inbound struct {
	From *Client
	Kind FrameKind
	Data []byte
}

// Options tune a Relay. Zero values fall back to the defaults.
type Options struct {
	SweepInterval time.Duration
	PresenceTTL   time.Duration
	Clock         clock.Clock
	Metrics       *Metrics
}

// Relay fans presence, voice and listened frames out to every connection.
// The connection set is owned by the Start loop; message bodies are never kept.
type Relay struct {
	registry *Registry
	clients  map[*Client]struct{}

	RegisterChan   chan *Client
	UnregisterChan chan *Client
	InboundChan    chan Inbound
	done           chan struct{}

	sweepInterval time.Duration
	ttl           time.Duration
	clock         clock.Clock
	metrics       *Metrics
}

func NewRelay(opts Options) *Relay {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = DefaultPresenceTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	return &Relay{
		registry:       NewRegistry(),
		clients:        map[*Client]struct{}{},
		RegisterChan:   make(chan *Client),
		UnregisterChan: make(chan *Client),
		InboundChan:    make(chan Inbound),
		done:           make(chan struct{}),
		sweepInterval:  opts.SweepInterval,
		ttl:            opts.PresenceTTL,
		clock:          opts.Clock,
		metrics:        opts.Metrics,
	}
}

// Registry exposes the presence registry for read-only use.
func (r *Relay) Registry() *Registry {
	return r.registry
}

// Done is closed once the Start loop has exited.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Register hands c to the loop. It returns false if the relay has stopped.
func (r *Relay) Register(c *Client) bool {
	select {
	case r.RegisterChan <- c:
		return true
	case <-r.done:
		return false
	}
}

func (r *Relay) Unregister(c *Client) {
	select {
	case r.UnregisterChan <- c:
	case <-r.done:
	}
}

func (r *Relay) Dispatch(in Inbound) bool {
	select {
	case r.InboundChan <- in:
		return true
	case <-r.done:
		return false
	}
}

// ListClients returns the announced roster, optionally without one id or nickname.
func (r *Relay) ListClients(exclude string) []User {
	roster := r.registry.Roster()
	out := make([]User, 0, len(roster))
	for _, meta := range roster {
		if exclude != "" && (exclude == meta.ID || exclude == meta.Nickname) {
			continue
		}
		out = append(out, User{ID: meta.ID, Nickname: meta.Nickname})
	}
	return out
}

// Start runs the relay loop until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) {
	ticker := r.clock.Ticker(r.sweepInterval)
	defer func() {
		ticker.Stop()
		for c := range r.clients {
			close(c.Send)
			delete(r.clients, c)
		}
		close(r.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-r.RegisterChan:
			// roster goes out before c can see any broadcast
			for _, meta := range r.registry.Roster() {
				data, err := EncodePresence(User{ID: meta.ID, Nickname: meta.Nickname})
				if err != nil {
					continue
				}
				r.deliver(c, data)
			}
			r.clients[c] = struct{}{}
			r.metrics.Connections.Set(float64(len(r.clients)))
			log.Infof("relay: connection from %s, total %d", c.Addr, len(r.clients))

		case c := <-r.UnregisterChan:
			if _, ok := r.clients[c]; !ok {
				continue
			}
			delete(r.clients, c)
			close(c.Send)
			r.registry.Remove(c)
			r.metrics.Connections.Set(float64(len(r.clients)))
			r.metrics.Present.Set(float64(r.registry.Len()))
			log.Infof("relay: disconnect %s, total %d", c.Addr, len(r.clients))

		case in := <-r.InboundChan:
			if _, ok := r.clients[in.From]; !ok {
				continue
			}
			r.handle(in)

		case <-ticker.C:
			if n := r.registry.Prune(r.clock.Now(), r.ttl); n > 0 {
				r.metrics.Pruned.Add(float64(n))
				r.metrics.Present.Set(float64(r.registry.Len()))
				log.Debugf("relay: pruned %d stale presence entries", n)
			}
		}
	}
}

func (r *Relay) handle(in Inbound) {
	r.metrics.Frames.WithLabelValues(in.Kind.String()).Inc()
	switch in.Kind {
	case FramePing:
		r.deliver(in.From, []byte(PongFrame))

	case FramePresence:
		f, err := Decode(in.Data)
		if err != nil {
			log.Debugf("relay: drop presence from %s: %v", in.From.Addr, err)
			return
		}
		u := *f.Presence.User
		r.registry.Upsert(in.From, u, r.clock.Now())
		r.metrics.Present.Set(float64(r.registry.Len()))
		data, err := EncodePresence(u)
		if err != nil {
			return
		}
		log.Debugf("relay: presence %s %q, total %d", u.ID, u.Nickname, r.registry.Len())
		r.broadcast(data, nil)

	case FrameVoice, FrameListened:
		r.broadcast(in.Data, in.From)
	}
}

// broadcast queues data for every client except skip. A full client buffer
// only costs that client the frame.
func (r *Relay) broadcast(data []byte, skip *Client) int {
	sent := 0
	for c := range r.clients {
		if c == skip {
			continue
		}
		if r.deliver(c, data) {
			sent++
		}
	}
	return sent
}

func (r *Relay) deliver(c *Client, data []byte) bool {
	select {
	case c.Send <- data:
		return true
	default:
		r.metrics.Dropped.Inc()
		log.Warnf("relay: send buffer full for %s, frame dropped", c.Addr)
		return false
	}
}
