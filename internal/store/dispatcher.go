package store

import (
	"context"
	"sync"

	"github.com/parchmentlabs/roomkit/internal/block"
	"github.com/parchmentlabs/roomkit/internal/presence"
	"github.com/parchmentlabs/roomkit/internal/replication"
)

// EventType distinguishes the payloads carried on a room stream.
type EventType string

const (
	// EventDocumentChanged carries a freshly persisted room snapshot.
	EventDocumentChanged EventType = "document-change"
	// EventPresenceChanged carries the room's latest presence records.
	EventPresenceChanged EventType = "presence"
)

// Event is one room-scoped realtime message.
type Event struct {
	Type     EventType
	Snapshot replication.Snapshot
	Presence []presence.Record
}

// Dispatcher fans room events out to in-process subscribers. Channels are
// bounded and sends never block: a slow subscriber drops events rather than
// stalling writers, which is safe because every snapshot is a full document.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*roomSubscriber
	nextID      int64
	bufferSize  int
}

type roomSubscriber struct {
	id     int64
	stream chan Event
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*roomSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a room stream. The cleanup function (or context
// cancellation) removes the subscriber; the channel itself stays open so a
// concurrent Publish can never hit a closed channel.
func (d *Dispatcher) Subscribe(ctx context.Context, roomID block.RoomID) (<-chan Event, func()) {
	subscriber := &roomSubscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.registerSubscriber(roomID.String(), subscriber)

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(roomID.String(), subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers an event to every current subscriber of the room.
func (d *Dispatcher) Publish(roomID block.RoomID, event Event) {
	d.mu.RLock()
	subscribers := d.subscribers[roomID.String()]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*roomSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()

	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports the live subscriptions for one room.
func (d *Dispatcher) SubscriberCount(roomID block.RoomID) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[roomID.String()])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) registerSubscriber(roomID string, subscriber *roomSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[roomID]; !ok {
		d.subscribers[roomID] = make(map[int64]*roomSubscriber)
	}
	d.subscribers[roomID][subscriber.id] = subscriber
}

func (d *Dispatcher) unregisterSubscriber(roomID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[roomID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, roomID)
		}
	}
	d.mu.Unlock()
}
