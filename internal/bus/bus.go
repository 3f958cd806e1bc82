// Package bus implements the Status Bus (C1): an in-process, topic-addressed,
// at-least-once publish/subscribe primitive. It is deliberately not backed by
// NATS or any other distributed transport — every subscriber runs in this
// process, and delivery ordering is only guaranteed per originating id, not
// globally. See SPEC_FULL.md §5 for why this diverges from the teacher's
// NATS-based services.
package bus

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/kuintessence/workflow-engine/internal/model"
)

// Handler processes one ChangeMsg. Messages for the same originating id are
// delivered one at a time, in publish order; every handler subscribed to a
// message's topic runs concurrently for that message, and messages for
// different ids are delivered concurrently, with no bound on the number of
// handlers running at once.
type Handler func(ctx context.Context, msg model.ChangeMsg)

// Bus is the process-wide status bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Handler // topic -> handlers

	mailboxMu sync.Mutex
	mailboxes map[string]chan model.ChangeMsg // originating id -> serial queue

	workers int

	published metric.Int64Counter
	delivered metric.Int64Counter
	dropped   metric.Int64Counter
}

// New constructs a Bus. workersPerMailbox is stored on the Bus but does not
// limit delivery: each originating id gets one mailbox goroutine, and each
// handler of a message runs in its own goroutine.
func New(meter metric.Meter, workersPerMailbox int) *Bus {
	if workersPerMailbox <= 0 {
		workersPerMailbox = 1
	}
	published, _ := meter.Int64Counter("wfe_bus_published_total")
	delivered, _ := meter.Int64Counter("wfe_bus_delivered_total")
	dropped, _ := meter.Int64Counter("wfe_bus_dropped_total")
	return &Bus{
		subscribers: make(map[string][]Handler),
		mailboxes:   make(map[string]chan model.ChangeMsg),
		workers:     workersPerMailbox,
		published:   published,
		delivered:   delivered,
		dropped:     dropped,
	}
}

// Subscribe registers a handler for every message published on topic.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], h)
}

// originatingID extracts the id whose mailbox must serialize this message.
func originatingID(msg model.ChangeMsg) string {
	switch msg.Topic {
	case "task":
		if msg.Task != nil {
			return msg.Task.TaskID
		}
	case "node":
		if msg.Node != nil {
			return msg.Node.NodeID
		}
	case "flow":
		if msg.Flow != nil {
			return msg.Flow.FlowInstanceID
		}
	}
	return msg.Topic
}

// Publish delivers msg to every handler subscribed to msg.Topic. Delivery is
// at-least-once: a handler panic is recovered and counted as a drop rather
// than crashing the mailbox worker, and will not be automatically retried by
// the bus itself — callers needing stronger guarantees re-publish.
func (b *Bus) Publish(ctx context.Context, msg model.ChangeMsg) {
	b.published.Add(ctx, 1)
	id := originatingID(msg)

	b.mailboxMu.Lock()
	mb, ok := b.mailboxes[id]
	if !ok {
		mb = make(chan model.ChangeMsg, 256)
		b.mailboxes[id] = mb
		go b.runMailbox(ctx, mb)
	}
	b.mailboxMu.Unlock()

	select {
	case mb <- msg:
	default:
		b.dropped.Add(ctx, 1)
	}
}

// runMailbox delivers messages for one originating id to every current
// subscriber of the message's topic, one message at a time, in order.
func (b *Bus) runMailbox(ctx context.Context, mb chan model.ChangeMsg) {
	for msg := range mb {
		b.mu.RLock()
		handlers := append([]Handler(nil), b.subscribers[msg.Topic]...)
		b.mu.RUnlock()

		var wg sync.WaitGroup
		wg.Add(len(handlers))
		for _, h := range handlers {
			h := h
			go func() {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						b.dropped.Add(ctx, 1)
					}
				}()
				h(ctx, msg)
				b.delivered.Add(ctx, 1)
			}()
		}
		wg.Wait()
	}
}
