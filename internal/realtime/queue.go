package realtime

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gofiber/fiber/v2/log"

	"github.com/pelusa-v/pelusa-voice/internal/chat"
	"github.com/pelusa-v/pelusa-voice/internal/store"
)

// MaxAttempts is the number of failed sends after which a message is failed.
const MaxAttempts = 5

// OutgoingItem is a voice message waiting for the relay.
type OutgoingItem struct {
	Envelope  chat.VoiceEnvelope
	Attempts  int
	CreatedAt time.Time
	status    store.Status
}

type transport interface {
	connected() bool
	writeText(data []byte) error
}

// Queue holds outbound voice messages until the relay takes them, oldest
// first. Delivery is at least once: the relay dedupes nothing, receivers key
// on the message id.
type Queue struct {
	mu    sync.Mutex
	items []*OutgoingItem

	flushMu  sync.Mutex
	t        transport
	messages store.MessageStore
	clock    clock.Clock
}

func newQueue(t transport, messages store.MessageStore, clk clock.Clock) *Queue {
	return &Queue{t: t, messages: messages, clock: clk}
}

// Enqueue parks v for the next flush.
func (q *Queue) Enqueue(v chat.VoiceEnvelope) {
	q.mu.Lock()
	if q.findLocked(v.ID) == nil {
		q.items = append(q.items, &OutgoingItem{Envelope: v, CreatedAt: q.clock.Now(), status: store.StatusPending})
	}
	q.mu.Unlock()
	q.setStatus(v.ID, store.StatusPending, 0)
}

// Submit sends v right away when nothing older is waiting, otherwise it
// queues v behind the pending items and flushes.
func (q *Queue) Submit(v chat.VoiceEnvelope) {
	q.flushMu.Lock()
	if q.Len() == 0 && q.t.connected() {
		_ = q.Send(v)
		q.flushMu.Unlock()
		return
	}
	q.Enqueue(v)
	q.flushMu.Unlock()
	if q.t.connected() {
		q.Flush()
	}
}

// Send writes v to the relay now. A failure is recorded against the queued
// item, creating it if needed, and the returned error is informational.
func (q *Queue) Send(v chat.VoiceEnvelope) error {
	q.mu.Lock()
	attempts := 0
	if it := q.findLocked(v.ID); it != nil {
		attempts = it.Attempts
		it.status = store.StatusSending
	}
	q.mu.Unlock()
	q.setStatus(v.ID, store.StatusSending, attempts)

	if !q.t.connected() {
		return q.fail(v, ErrNotOpen)
	}
	data, err := chat.EncodeVoice(v)
	if err != nil {
		return q.fail(v, err)
	}
	if err := q.t.writeText(data); err != nil {
		return q.fail(v, err)
	}

	q.mu.Lock()
	if it := q.findLocked(v.ID); it != nil {
		it.status = store.StatusSent
	}
	q.mu.Unlock()
	q.setStatus(v.ID, store.StatusSent, attempts)
	return nil
}

func (q *Queue) fail(v chat.VoiceEnvelope, cause error) error {
	q.mu.Lock()
	it := q.findLocked(v.ID)
	if it == nil {
		it = &OutgoingItem{Envelope: v, CreatedAt: q.clock.Now()}
		q.items = append(q.items, it)
	}
	it.Attempts++
	it.status = store.StatusPending
	if it.Attempts >= MaxAttempts {
		it.status = store.StatusFailed
	}
	status, attempts := it.status, it.Attempts
	q.mu.Unlock()

	q.setStatus(v.ID, status, attempts)
	log.Debugf("realtime: send %s failed (%d/%d): %v", v.ID, attempts, MaxAttempts, cause)
	return fmt.Errorf("send %s: %w", v.ID, cause)
}

// Flush sends queued items in order and stops as soon as the socket is seen
// closed. Delivered and failed items are dropped afterwards.
func (q *Queue) Flush() {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	pending := make([]*OutgoingItem, len(q.items))
	copy(pending, q.items)
	q.mu.Unlock()

	for _, it := range pending {
		if !q.t.connected() {
			break
		}
		q.mu.Lock()
		attempts, env := it.Attempts, it.Envelope
		q.mu.Unlock()
		if attempts >= MaxAttempts {
			continue
		}
		if m, ok := q.messages.Get(env.ID); ok && m.Status.Delivered() {
			continue
		}
		if err := q.Send(env); err != nil && !q.t.connected() {
			break
		}
	}
	q.cleanup()
}

func (q *Queue) cleanup() {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	for _, it := range q.items {
		status := it.status
		if m, ok := q.messages.Get(it.Envelope.ID); ok {
			status = m.Status
		}
		if status.Delivered() || status == store.StatusFailed {
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
}

// Retry puts a failed message back in line with a fresh attempt budget.
// Only failed messages can be retried.
func (q *Queue) Retry(id string) error {
	m, ok := q.messages.Get(id)
	if !ok {
		return fmt.Errorf("retry %s: %w", id, store.ErrNotFound)
	}
	if m.Status != store.StatusFailed {
		return fmt.Errorf("retry %s (%s): %w", id, m.Status, ErrNotFailed)
	}
	q.mu.Lock()
	it := q.findLocked(id)
	if it == nil {
		it = &OutgoingItem{Envelope: envelopeOf(m), CreatedAt: q.clock.Now()}
		q.items = append(q.items, it)
	}
	it.Attempts = 0
	it.status = store.StatusPending
	q.mu.Unlock()
	q.setStatus(id, store.StatusPending, 0)
	return nil
}

// Items returns a copy of the queue in send order.
func (q *Queue) Items() []OutgoingItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]OutgoingItem, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, *it)
	}
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) findLocked(id string) *OutgoingItem {
	for _, it := range q.items {
		if it.Envelope.ID == id {
			return it
		}
	}
	return nil
}

func (q *Queue) setStatus(id string, status store.Status, attempts int) {
	err := q.messages.UpdateStatus(id, status, attempts)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warnf("realtime: update status of %s: %v", id, err)
	}
}

func envelopeOf(m store.Message) chat.VoiceEnvelope {
	return chat.VoiceEnvelope{
		Type:       chat.TypeVoice,
		ID:         m.ID,
		Sender:     m.Sender,
		SenderID:   m.SenderID,
		CreatedAt:  m.CreatedAt.UnixMilli(),
		Duration:   m.Duration,
		Payload:    m.Payload,
		Mime:       m.Mime,
		Recipients: m.Recipients,
	}
}

func messageOf(v chat.VoiceEnvelope) store.Message {
	return store.Message{
		ID:         v.ID,
		Sender:     v.Sender,
		SenderID:   v.SenderID,
		CreatedAt:  time.UnixMilli(v.CreatedAt),
		Duration:   v.Duration,
		Mime:       v.Mime,
		Payload:    v.Payload,
		Recipients: v.Recipients,
		ConvID:     store.DeriveConvID(v.SenderID, v.Recipients),
	}
}
