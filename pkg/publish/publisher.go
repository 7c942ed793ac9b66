// Package publish hands values produced on the frame goroutine to a
// consumer goroutine without blocking the producer.
//
// Delivery is FIFO per Publisher. High-frequency signals (faces, lighting)
// are latest-value-wins: a new value replaces an undelivered one of the
// same kind at the tail of the queue. Capture and reset events are never
// coalesced or dropped.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sharmahdk13s/go-facecapture/pkg/detection"
	"github.com/sharmahdk13s/go-facecapture/pkg/frame"
)

// DefaultCapacity bounds the pending queue.
const DefaultCapacity = 64

// Kind identifies an event.
type Kind int

const (
	KindFaces Kind = iota
	KindLighting
	KindCaptured
	KindReset
)

func (k Kind) String() string {
	switch k {
	case KindFaces:
		return "faces"
	case KindLighting:
		return "lighting"
	case KindCaptured:
		return "captured"
	case KindReset:
		return "reset"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Coalescable reports whether a newer event of the same kind supersedes this one.
func (k Kind) Coalescable() bool {
	return k == KindFaces || k == KindLighting
}

// Event is one published value.
type Event struct {
	Kind     Kind
	Faces    []detection.FaceBox
	Lit      bool
	Artifact frame.Artifact
	At       time.Time
}

func (e Event) deliver(c Consumer) {
	switch e.Kind {
	case KindFaces:
		c.OnFacesChanged(e.Faces)
	case KindLighting:
		c.OnLightingChanged(e.Lit)
	case KindCaptured:
		c.OnCaptured(e.Artifact)
	case KindReset:
		c.OnSessionReset()
	}
}

// Stats counts publisher activity.
type Stats struct {
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Coalesced uint64 `json:"coalesced"`
	Dropped   uint64 `json:"dropped"`
	Pending   int    `json:"pending"`
}

// Publisher is a mutex + sync.Cond mailbox.
//
// Publish* methods may be called from any goroutine and only hold the
// mutex for an append. Run or Drain deliver on the caller's goroutine.
type Publisher struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Event
	capacity int
	closed   bool
	log      *slog.Logger

	published atomic.Uint64
	delivered atomic.Uint64
	coalesced atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a publisher. capacity <= 0 uses DefaultCapacity.
func New(capacity int, logger *slog.Logger) *Publisher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		capacity: capacity,
		queue:    make([]Event, 0, capacity),
		log:      logger.With("component", "publish"),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// PublishFaces publishes the current face list. faces must not be
// modified after the call.
func (p *Publisher) PublishFaces(faces []detection.FaceBox) {
	p.publish(Event{Kind: KindFaces, Faces: faces})
}

// PublishLighting publishes the current lighting state.
func (p *Publisher) PublishLighting(lit bool) {
	p.publish(Event{Kind: KindLighting, Lit: lit})
}

// PublishCaptured publishes the captured artifact. Never dropped.
func (p *Publisher) PublishCaptured(a frame.Artifact) {
	p.publish(Event{Kind: KindCaptured, Artifact: a})
}

// PublishReset publishes a session reset. Never dropped.
func (p *Publisher) PublishReset() {
	p.publish(Event{Kind: KindReset})
}

func (p *Publisher) publish(e Event) {
	e.At = time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.published.Add(1)

	if n := len(p.queue); n > 0 && e.Kind.Coalescable() && p.queue[n-1].Kind == e.Kind {
		p.queue[n-1] = e
		p.coalesced.Add(1)
		p.cond.Signal()
		return
	}

	if len(p.queue) >= p.capacity {
		p.dropOldestCoalescable()
	}
	p.queue = append(p.queue, e)
	p.cond.Signal()
}

// dropOldestCoalescable makes room by discarding the oldest superseded
// signal. If only one-shot events are pending the queue grows instead.
func (p *Publisher) dropOldestCoalescable() {
	for i, ev := range p.queue {
		if ev.Kind.Coalescable() {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			p.dropped.Add(1)
			return
		}
	}
}

// take removes and returns all pending events.
func (p *Publisher) take() []Event {
	batch := p.queue
	p.queue = make([]Event, 0, p.capacity)
	return batch
}

// Run delivers events to c until ctx is done or the publisher is closed
// and drained. It must be called from the consumer goroutine.
func (p *Publisher) Run(ctx context.Context, c Consumer) {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed && ctx.Err() == nil {
			p.cond.Wait()
		}
		if ctx.Err() != nil || (p.closed && len(p.queue) == 0) {
			p.mu.Unlock()
			return
		}
		batch := p.take()
		p.mu.Unlock()

		p.deliver(batch, c)
	}
}

// Drain delivers every pending event to c synchronously and returns how
// many were delivered.
func (p *Publisher) Drain(c Consumer) int {
	p.mu.Lock()
	batch := p.take()
	p.mu.Unlock()

	p.deliver(batch, c)
	return len(batch)
}

func (p *Publisher) deliver(batch []Event, c Consumer) {
	for _, e := range batch {
		if p.deliverOne(e, c) {
			p.delivered.Add(1)
		}
	}
}

// deliverOne hands e to c and reports whether no consumer panicked. Each
// member of a Fanout is isolated, so one panicking consumer does not hide
// the event from the rest.
func (p *Publisher) deliverOne(e Event, c Consumer) (ok bool) {
	if fo, isFanout := c.(Fanout); isFanout {
		ok = true
		for _, sub := range fo {
			if !p.deliverOne(e, sub) {
				ok = false
			}
		}
		return ok
	}

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("consumer panicked", "event", e.Kind, "consumer", fmt.Sprintf("%T", c), "panic", r)
			ok = false
		}
	}()
	e.deliver(c)
	return true
}

// Close stops accepting events. Run returns once pending events are delivered.
func (p *Publisher) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Stats returns a snapshot of publisher counters.
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	pending := len(p.queue)
	p.mu.Unlock()

	return Stats{
		Published: p.published.Load(),
		Delivered: p.delivered.Load(),
		Coalesced: p.coalesced.Load(),
		Dropped:   p.dropped.Load(),
		Pending:   pending,
	}
}
