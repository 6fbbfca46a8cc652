package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/pelusa-v/pelusa-voice/internal/chat"
	"github.com/pelusa-v/pelusa-voice/internal/store"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// StateChange is what state listeners receive.
type StateChange struct {
	State             State
	ReconnectAttempts int
}

const (
	HeartbeatInterval = 15 * time.Second
	BackoffBase       = time.Second
	BackoffCap        = 10 * time.Second
)

// presence is re-announced shortly after open so peers that were mid-connect
// still hear about us.
var announceEchoes = []time.Duration{300 * time.Millisecond, 700 * time.Millisecond, 1200 * time.Millisecond}

// Backoff is the delay before reconnect attempt n (0 based).
func Backoff(n int) time.Duration {
	d := BackoffBase
	for i := 0; i < n && d < BackoffCap; i++ {
		d *= 2
	}
	if d > BackoffCap {
		d = BackoffCap
	}
	return d
}

const maxMessageID = 128

// ValidMessageID accepts ids made of letters, digits, '-', '_' and '.', with
// no ".." so an id is always safe as a single path element.
func ValidMessageID(id string) bool {
	if id == "" || len(id) > maxMessageID || strings.Contains(id, "..") {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}

// NormalizeMime keeps the two formats receivers can play and maps anything
// else to audio/webm.
func NormalizeMime(mime string) string {
	if mime == "audio/webm" || mime == "audio/wav" {
		return mime
	}
	return "audio/webm"
}

type Options struct {
	URL      string
	Nickname string
	Dialer   Dialer
	Clock    clock.Clock

	Messages store.MessageStore
	Identity store.IdentityStore
	Presence store.PresenceCache
}

// Voice is a recording handed over for sending.
type Voice struct {
	ID         string
	Payload    []byte
	Duration   float64
	Mime       string
	Recipients []string
}

// Client keeps one connection to the relay alive, reconnecting with backoff,
// and routes inbound frames into the local stores.
type Client struct {
	url      string
	dialer   Dialer
	clock    clock.Clock
	messages store.MessageStore
	identity store.IdentityStore
	presence *PresenceStore
	queue    *Queue

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	retries   int
	sock      Socket
	gen       uint64 // bumped on every dial, drop and close; timers compare it when they fire
	heartbeat *clock.Timer
	reconnect *clock.Timer
	announces []*clock.Timer
	closed    bool
	selfID    string
	nickname  string

	listeners    map[int]func(StateChange)
	nextListener int
	onVoice      func(store.Message)
}

func NewClient(opts Options) (*Client, error) {
	if opts.Dialer == nil {
		opts.Dialer = WSDialer{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Messages == nil || opts.Identity == nil || opts.Presence == nil {
		mem := store.NewMemoryStore()
		if opts.Messages == nil {
			opts.Messages = mem
		}
		if opts.Identity == nil {
			opts.Identity = mem
		}
		if opts.Presence == nil {
			opts.Presence = mem
		}
	}

	ident, err := opts.Identity.LoadIdentity()
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if nick := strings.TrimSpace(opts.Nickname); nick != "" {
		ident.Nickname = nick
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:       opts.URL,
		dialer:    opts.Dialer,
		clock:     opts.Clock,
		messages:  opts.Messages,
		identity:  opts.Identity,
		presence:  NewPresenceStore(opts.Presence, opts.Clock),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateDisconnected,
		selfID:    ident.SelfID,
		nickname:  ident.Nickname,
		listeners: map[int]func(StateChange){},
	}
	c.queue = newQueue(c, c.messages, c.clock)
	if err := c.presence.Load(); err != nil {
		log.Warnf("realtime: load presence cache: %v", err)
	}
	c.presence.SetSelf(c.selfID, c.nickname)
	return c, nil
}

func (c *Client) Presence() *PresenceStore { return c.presence }
func (c *Client) Queue() *Queue            { return c.queue }

func (c *Client) State() StateChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return StateChange{State: c.state, ReconnectAttempts: c.retries}
}

// Self returns the local identity. The id is empty until first needed.
func (c *Client) Self() (id, nickname string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID, c.nickname
}

// OnState calls fn with the current state now and on every change until the
// returned func is called.
func (c *Client) OnState(fn func(StateChange)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	cur := StateChange{State: c.state, ReconnectAttempts: c.retries}
	c.mu.Unlock()

	fn(cur)
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// OnVoice sets the handler for voice messages addressed to us.
func (c *Client) OnVoice(fn func(store.Message)) {
	c.mu.Lock()
	c.onVoice = fn
	c.mu.Unlock()
}

// SetNickname validates and stores nickname, announcing it when connected.
func (c *Client) SetNickname(nickname string) error {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return ErrEmptyNickname
	}
	selfID, _ := c.Self()
	if c.presence.NicknameTaken(nickname, selfID) {
		return fmt.Errorf("%q: %w", nickname, ErrNicknameTaken)
	}
	c.mu.Lock()
	c.nickname = nickname
	connected := c.state == StateConnected
	c.mu.Unlock()

	id := c.ensureSelfID()
	c.presence.SetSelf(id, nickname)
	if err := c.identity.SaveIdentity(store.Identity{SelfID: id, Nickname: nickname}); err != nil {
		log.Warnf("realtime: save identity: %v", err)
	}
	if connected {
		return c.announce()
	}
	return nil
}

// Connect starts connecting in the background. It is a no-op while
// connecting or connected.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	stopTimer(c.reconnect)
	c.reconnect = nil
	c.gen++
	gen := c.gen
	c.state = StateConnecting
	change := StateChange{State: c.state, ReconnectAttempts: c.retries}
	c.mu.Unlock()

	c.notify(change)
	go c.dial(gen)
	return nil
}

func (c *Client) dial(gen uint64) {
	sock, err := c.dialer.Dial(c.ctx, c.url)

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		if sock != nil {
			_ = sock.Close()
		}
		return
	}
	if err != nil {
		change, delay := c.scheduleReconnectLocked()
		c.mu.Unlock()
		log.Warnf("realtime: %v, reconnect in %s (attempt %d)", err, delay, change.ReconnectAttempts)
		c.notify(change)
		return
	}
	c.sock = sock
	c.retries = 0
	c.state = StateConnected
	c.startHeartbeatLocked(gen)
	c.announces = c.announces[:0]
	for _, d := range announceEchoes {
		c.announces = append(c.announces, c.clock.AfterFunc(d, func() {
			if c.live(gen) {
				_ = c.announce()
			}
		}))
	}
	change := StateChange{State: StateConnected}
	c.mu.Unlock()

	log.Infof("realtime: connected to %s", c.url)
	c.notify(change)
	if err := c.announce(); err != nil && !errors.Is(err, ErrEmptyNickname) {
		log.Debugf("realtime: announce: %v", err)
	}
	go c.readLoop(sock)
	c.queue.Flush()
}

// scheduleReconnectLocked tears down connection timers and arms the single
// reconnect timer.
func (c *Client) scheduleReconnectLocked() (StateChange, time.Duration) {
	c.stopConnTimersLocked()
	c.gen++
	gen := c.gen
	delay := Backoff(c.retries)
	c.retries++
	c.state = StateDisconnected
	stopTimer(c.reconnect)
	c.reconnect = c.clock.AfterFunc(delay, func() {
		c.mu.Lock()
		stale := c.closed || gen != c.gen || c.state != StateDisconnected
		if !stale {
			c.reconnect = nil
		}
		c.mu.Unlock()
		if !stale {
			_ = c.Connect()
		}
	})
	return StateChange{State: StateDisconnected, ReconnectAttempts: c.retries}, delay
}

func (c *Client) startHeartbeatLocked(gen uint64) {
	stopTimer(c.heartbeat)
	c.heartbeat = c.clock.AfterFunc(HeartbeatInterval, func() { c.beat(gen) })
}

func (c *Client) beat(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.heartbeat = c.clock.AfterFunc(HeartbeatInterval, func() { c.beat(gen) })
	c.mu.Unlock()

	if err := c.writeText([]byte(chat.PingFrame)); err != nil {
		return
	}
	_ = c.announce()
}

func (c *Client) stopConnTimersLocked() {
	stopTimer(c.heartbeat)
	c.heartbeat = nil
	for _, t := range c.announces {
		stopTimer(t)
	}
	c.announces = nil
}

func (c *Client) live(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && gen == c.gen && c.state == StateConnected
}

func (c *Client) readLoop(sock Socket) {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			c.lost(sock, err)
			return
		}
		c.handleFrame(data)
	}
}

// lost handles a dropped socket. Stale sockets and a closed client are ignored.
func (c *Client) lost(sock Socket, cause error) {
	c.mu.Lock()
	if c.closed || sock != c.sock {
		c.mu.Unlock()
		return
	}
	c.sock = nil
	change, delay := c.scheduleReconnectLocked()
	c.mu.Unlock()

	_ = sock.Close()
	log.Warnf("realtime: connection lost: %v, reconnect in %s", cause, delay)
	c.notify(change)
}

// connected and writeText make the client the queue's transport.
func (c *Client) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.sock != nil
}

func (c *Client) writeText(data []byte) error {
	c.mu.Lock()
	sock := c.sock
	ok := c.state == StateConnected && sock != nil
	c.mu.Unlock()
	if !ok {
		return ErrNotOpen
	}
	if err := sock.WriteText(data); err != nil {
		c.lost(sock, err)
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *Client) ensureSelfID() string {
	c.mu.Lock()
	if c.selfID != "" {
		id := c.selfID
		c.mu.Unlock()
		return id
	}
	c.selfID = uuid.NewString()
	id, nick := c.selfID, c.nickname
	c.mu.Unlock()

	c.presence.SetSelf(id, nick)
	if err := c.identity.SaveIdentity(store.Identity{SelfID: id, Nickname: nick}); err != nil {
		log.Warnf("realtime: save identity: %v", err)
	}
	return id
}

// announce sends our presence and prunes stale peers.
func (c *Client) announce() error {
	_, nick := c.Self()
	if nick == "" {
		return ErrEmptyNickname
	}
	id := c.ensureSelfID()
	data, err := chat.EncodePresence(chat.User{ID: id, Nickname: nick})
	if err != nil {
		return err
	}
	err = c.writeText(data)
	c.presence.Prune(PresenceTTL)
	return err
}

func (c *Client) handleFrame(data []byte) {
	f, err := chat.Decode(data)
	if err != nil {
		log.Debugf("realtime: drop frame: %v", err)
		return
	}
	switch f.Kind {
	case chat.FramePresence:
		c.presence.Upsert(*f.Presence.User)

	case chat.FrameListened:
		l := f.Listened
		if l.MessageID == "" || l.ListenerID == "" {
			return
		}
		if _, err := c.messages.MarkListened(l.MessageID, l.ListenerID); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Warnf("realtime: mark %s listened: %v", l.MessageID, err)
		}

	case chat.FrameVoice:
		c.receiveVoice(f.Voice)
	}
}

func (c *Client) receiveVoice(v *chat.VoiceEnvelope) {
	if len(v.Payload) == 0 || !ValidMessageID(v.ID) {
		log.Debugf("realtime: drop voice frame with id %q", v.ID)
		return
	}
	selfID, _ := c.Self()
	if !v.AddressedTo(selfID) {
		return
	}
	m := messageOf(*v)
	m.Mime = NormalizeMime(v.Mime)
	m.Status = store.StatusSent
	if err := c.messages.Add(m); err != nil {
		log.Warnf("realtime: store voice %s: %v", v.ID, err)
		return
	}
	c.mu.Lock()
	fn := c.onVoice
	c.mu.Unlock()
	if fn != nil {
		fn(m)
	}
}

// SendVoice records the message and sends it, or queues it while offline.
// Send failures show up as the message status, not as an error here.
func (c *Client) SendVoice(in Voice) (store.Message, error) {
	if len(in.Payload) == 0 {
		return store.Message{}, ErrEmptyPayload
	}
	_, nick := c.Self()
	if nick == "" {
		return store.Message{}, ErrEmptyNickname
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if !ValidMessageID(in.ID) {
		return store.Message{}, fmt.Errorf("%q: %w", in.ID, ErrInvalidID)
	}
	if in.Mime == "" {
		in.Mime = "audio/webm"
	}
	v := chat.VoiceEnvelope{
		Type:       chat.TypeVoice,
		ID:         in.ID,
		Sender:     nick,
		SenderID:   c.ensureSelfID(),
		CreatedAt:  c.clock.Now().UnixMilli(),
		Duration:   in.Duration,
		Payload:    in.Payload,
		Mime:       in.Mime,
		Recipients: in.Recipients,
	}
	m := messageOf(v)
	m.Status = store.StatusPending
	if err := c.messages.Add(m); err != nil {
		return m, fmt.Errorf("store voice %s: %w", v.ID, err)
	}

	c.queue.Submit(v)
	if got, ok := c.messages.Get(v.ID); ok {
		m = got
	}
	return m, nil
}

// SendListened tells the sender we played messageID. Best effort.
func (c *Client) SendListened(messageID string) error {
	id := c.ensureSelfID()
	data, err := chat.EncodeListened(messageID, id)
	if err != nil {
		return err
	}
	return c.writeText(data)
}

// Retry re-queues a failed message and flushes when connected.
func (c *Client) Retry(messageID string) error {
	if err := c.queue.Retry(messageID); err != nil {
		return err
	}
	if c.connected() {
		c.queue.Flush()
	}
	return nil
}

// Close tears the client down for good. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.gen++
	c.stopConnTimersLocked()
	stopTimer(c.reconnect)
	c.reconnect = nil
	sock := c.sock
	c.sock = nil
	changed := c.state != StateDisconnected
	c.state = StateDisconnected
	change := StateChange{State: StateDisconnected, ReconnectAttempts: c.retries}
	c.mu.Unlock()

	c.cancel()
	var err error
	if sock != nil {
		err = sock.Close()
	}
	if changed {
		c.notify(change)
	}
	return err
}

func (c *Client) notify(change StateChange) {
	c.mu.Lock()
	fns := make([]func(StateChange), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(change)
	}
}

func stopTimer(t *clock.Timer) {
	if t != nil {
		t.Stop()
	}
}
