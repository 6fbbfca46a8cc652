package realtime

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-voice/internal/chat"
	"github.com/pelusa-v/pelusa-voice/internal/store"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type fakeSocket struct {
	in   chan []byte
	done chan struct{}
	once sync.Once

	// when set, presence writes block until release is closed
	release  chan struct{}
	held     chan struct{}
	heldOnce sync.Once

	mu     sync.Mutex
	frames [][]byte
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{in: make(chan []byte, 16), done: make(chan struct{}), held: make(chan struct{})}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case <-s.done:
		return nil, io.EOF
	default:
	}
	select {
	case data := <-s.in:
		return data, nil
	case <-s.done:
		return nil, io.EOF
	}
}

func (s *fakeSocket) WriteText(data []byte) error {
	select {
	case <-s.done:
		return errors.New("use of closed connection")
	default:
	}
	if s.release != nil {
		if kind, _ := chat.Peek(data); kind == chat.FramePresence {
			s.heldOnce.Do(func() { close(s.held) })
			<-s.release
		}
	}
	s.mu.Lock()
	s.frames = append(s.frames, append([]byte(nil), data...))
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSocket) push(data string) { s.in <- []byte(data) }

// kinds lists written frames as "ping" or their envelope type.
func (s *fakeSocket) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.frames))
	for _, f := range s.frames {
		k, err := chat.Peek(f)
		if err != nil {
			out = append(out, "invalid")
			continue
		}
		out = append(out, k.String())
	}
	return out
}

func (s *fakeSocket) count(kind string) int {
	n := 0
	for _, k := range s.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func (s *fakeSocket) voiceIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, data := range s.frames {
		f, err := chat.Decode(data)
		if err == nil && f.Kind == chat.FrameVoice {
			ids = append(ids, f.Voice.ID)
		}
	}
	return ids
}

type fakeDialer struct {
	mu      sync.Mutex
	fail    bool
	release chan struct{}
	dials   int
	sockets []*fakeSocket
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail {
		return nil, errors.New("connection refused")
	}
	s := newFakeSocket()
	s.release = d.release
	d.sockets = append(d.sockets, s)
	return s, nil
}

func (d *fakeDialer) setFail(v bool) {
	d.mu.Lock()
	d.fail = v
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) socket(i int) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.sockets) {
		return nil
	}
	return d.sockets[i]
}

type harness struct {
	client *Client
	clock  *clock.Mock
	dialer *fakeDialer
	store  *store.MemoryStore
}

func newHarness(t *testing.T, nickname string) *harness {
	t.Helper()
	h := &harness{clock: clock.NewMock(), dialer: &fakeDialer{}, store: store.NewMemoryStore()}
	c, err := NewClient(Options{
		URL:      "ws://relay.test/rt",
		Nickname: nickname,
		Dialer:   h.dialer,
		Clock:    h.clock,
		Messages: h.store,
		Identity: h.store,
		Presence: h.store,
	})
	require.NoError(t, err)
	h.client = c
	t.Cleanup(func() { _ = c.Close() })
	return h
}

func (h *harness) connect(t *testing.T) *fakeSocket {
	t.Helper()
	n := h.dialer.dialCount()
	require.NoError(t, h.client.Connect())
	h.waitState(t, StateConnected)
	s := h.dialer.socket(n)
	require.NotNil(t, s)
	return s
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.client.State().State == want }, waitFor, tick)
}

func (h *harness) status(id string) store.Status {
	m, _ := h.store.Get(id)
	return m.Status
}
