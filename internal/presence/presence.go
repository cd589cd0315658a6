// Package presence broadcasts this client's activity and cursor to a room
// and aggregates the records of other collaborators. Presence is best
// effort: a lost heartbeat channel degrades to an empty collaborator list
// and never blocks editing.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parchmentlabs/roomkit/internal/block"
)

const (
	defaultTTL               = 12 * time.Second
	defaultHeartbeatInterval = 4 * time.Second
)

var errMissingBackend = errors.New("presence: backend is required")

// Cursor is a collaborator's pointer position on the canvas.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Record describes one active collaborator. Records older than the tracker
// TTL are stale and filtered out of ActiveUsers at read time.
type Record struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Cursor      *Cursor   `json:"cursor,omitempty"`
	Color       string    `json:"color"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Backend is the room-scoped presence surface of the shared store.
type Backend interface {
	UpsertPresence(ctx context.Context, roomID block.RoomID, record Record) error
	ListPresence(ctx context.Context, roomID block.RoomID) ([]Record, error)
	SubscribePresence(ctx context.Context, roomID block.RoomID) (<-chan []Record, func(), error)
}

// TrackerConfig describes the dependencies for one room's presence tracker.
type TrackerConfig struct {
	RoomID            block.RoomID
	UserID            string
	DisplayName       string
	Color             string
	Backend           Backend
	TTL               time.Duration
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
	Clock             func() time.Time
}

// Tracker heartbeats this client's record and mirrors the latest remote set.
type Tracker struct {
	roomID            block.RoomID
	backend           Backend
	ttl               time.Duration
	heartbeatInterval time.Duration
	logger            *zap.Logger
	clock             func() time.Time

	mu     sync.Mutex
	local  Record
	remote map[string]Record
	stop   func()
	done   chan struct{}
}

// NewTracker constructs a tracker with sane defaults.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{
		roomID:            cfg.RoomID,
		backend:           cfg.Backend,
		ttl:               ttl,
		heartbeatInterval: interval,
		logger:            logger,
		clock:             clock,
		local: Record{
			UserID:      cfg.UserID,
			DisplayName: cfg.DisplayName,
			Color:       cfg.Color,
		},
		remote: make(map[string]Record),
	}, nil
}

// Start subscribes to the room's presence stream and begins heartbeating.
// Teardown happens through Stop; failing to call it leaks the subscription.
func (t *Tracker) Start(ctx context.Context) error {
	stream, cancel, err := t.backend.SubscribePresence(ctx, t.roomID)
	if err != nil {
		// Degraded mode: keep heartbeating so others still see this client.
		t.logger.Warn("presence subscription unavailable",
			zap.String("room_id", t.roomID.String()),
			zap.Error(err))
		cancel = func() {}
		stream = nil
	}

	runCtx, stopRun := context.WithCancel(ctx)
	done := make(chan struct{})

	t.mu.Lock()
	t.stop = func() {
		stopRun()
		cancel()
	}
	t.done = done
	t.mu.Unlock()

	go t.run(runCtx, stream, done)
	t.Heartbeat(ctx)
	return nil
}

func (t *Tracker) run(ctx context.Context, stream <-chan []Record, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Heartbeat(ctx)
		case records, ok := <-stream:
			if !ok {
				stream = nil
				continue
			}
			t.absorb(records)
		}
	}
}

func (t *Tracker) absorb(records []Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, record := range records {
		if record.UserID == t.local.UserID {
			continue
		}
		t.remote[record.UserID] = record
	}
}

// Heartbeat upserts this client's record with a fresh last-seen timestamp.
// Failures are logged and swallowed.
func (t *Tracker) Heartbeat(ctx context.Context) {
	t.mu.Lock()
	t.local.LastSeen = t.clock().UTC()
	record := t.local
	t.mu.Unlock()

	if err := t.backend.UpsertPresence(ctx, t.roomID, record); err != nil {
		t.logger.Warn("presence heartbeat failed",
			zap.String("room_id", t.roomID.String()),
			zap.String("user_id", record.UserID),
			zap.Error(err))
	}
}

// SetCursor records the local cursor position; the next heartbeat carries it.
func (t *Tracker) SetCursor(cursor *Cursor) {
	t.mu.Lock()
	if cursor == nil {
		t.local.Cursor = nil
	} else {
		copied := *cursor
		t.local.Cursor = &copied
	}
	t.mu.Unlock()
}

// ActiveUsers returns the local record plus every remote record whose
// last-seen timestamp is within the TTL. Expired records stay in the mirror
// but never surface here (lazy garbage collection).
func (t *Tracker) ActiveUsers() []Record {
	cutoff := t.clock().UTC().Add(-t.ttl)

	t.mu.Lock()
	defer t.mu.Unlock()

	active := make([]Record, 0, len(t.remote)+1)
	if !t.local.LastSeen.Before(cutoff) {
		active = append(active, t.local)
	}
	for _, record := range t.remote {
		if record.LastSeen.Before(cutoff) {
			continue
		}
		active = append(active, record)
	}
	return active
}

// Stop ends the heartbeat loop and the presence subscription.
func (t *Tracker) Stop() {
	t.mu.Lock()
	stop := t.stop
	done := t.done
	t.stop = nil
	t.mu.Unlock()

	if stop == nil {
		return
	}
	stop()
	<-done
}
