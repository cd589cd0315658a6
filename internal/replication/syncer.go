// Package replication keeps a local document store eventually consistent
// with a shared persisted room document. Local edits are coalesced by a
// debounce timer into whole-document writes; incoming snapshots replace the
// local document wholesale (last write wins). A three-state machine — idle,
// dirty, applying-remote — prevents feedback loops without losing edits that
// interleave with a remote apply.
package replication

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parchmentlabs/roomkit/internal/block"
)

const (
	defaultDebounceWindow = 1500 * time.Millisecond
	defaultWriteAttempts  = 4
	defaultRetryBaseDelay = 200 * time.Millisecond
)

var (
	errMissingStore       = errors.New("replication: document store is required")
	errMissingBackend     = errors.New("replication: backend is required")
	errMissingClientID    = errors.New("replication: client id is required")
	errSyncerClosed       = errors.New("replication: syncer closed")
	errSnapshotNoWriter   = errors.New("replication: snapshot missing writer id")
	errSnapshotNoDocument = errors.New("replication: snapshot missing document")
)

type syncState int

const (
	stateIdle syncState = iota
	stateDirty
	stateApplyingRemote
)

// Status is the externally observable sync condition. The editor surfaces
// it as "changes not yet saved" / "reconnecting" indicators instead of
// catching errors.
type Status struct {
	Dirty    bool
	Writing  bool
	LastErr  error
	LastSync time.Time
}

// SyncerConfig describes the dependencies for one room's replicator.
type SyncerConfig struct {
	RoomID         block.RoomID
	ClientID       block.ClientID
	Store          *block.Store
	Backend        Backend
	DebounceWindow time.Duration
	WriteAttempts  int
	RetryBaseDelay time.Duration
	Logger         *zap.Logger
	Clock          func() time.Time
}

// Syncer replicates one room's document between the local store and the
// shared backend.
type Syncer struct {
	roomID         block.RoomID
	clientID       block.ClientID
	store          *block.Store
	backend        Backend
	debounceWindow time.Duration
	writeAttempts  int
	retryBaseDelay time.Duration
	logger         *zap.Logger
	clock          func() time.Time

	mu                sync.Mutex
	state             syncState
	editWhileApplying bool
	timer             *time.Timer
	writing           bool
	lastErr           error
	lastSync          time.Time
	closed            bool

	unsubscribe func()
	streamDone  chan struct{}
	writeWG     sync.WaitGroup
}

// NewSyncer constructs a syncer with sane defaults.
func NewSyncer(cfg SyncerConfig) (*Syncer, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}
	if cfg.ClientID == "" {
		return nil, errMissingClientID
	}
	window := cfg.DebounceWindow
	if window <= 0 {
		window = defaultDebounceWindow
	}
	attempts := cfg.WriteAttempts
	if attempts <= 0 {
		attempts = defaultWriteAttempts
	}
	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultRetryBaseDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Syncer{
		roomID:         cfg.RoomID,
		clientID:       cfg.ClientID,
		store:          cfg.Store,
		backend:        cfg.Backend,
		debounceWindow: window,
		writeAttempts:  attempts,
		retryBaseDelay: baseDelay,
		logger:         logger,
		clock:          clock,
	}, nil
}

// Start subscribes to the room's snapshot stream. Close must run on session
// teardown or the subscription leaks.
func (s *Syncer) Start(ctx context.Context) error {
	stream, cancel, err := s.backend.SubscribeSnapshots(ctx, s.roomID)
	if err != nil {
		return err
	}
	done := make(chan struct{})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		close(done)
		return errSyncerClosed
	}
	s.unsubscribe = cancel
	s.streamDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case snapshot, ok := <-stream:
				if !ok {
					return
				}
				s.ApplyRemote(snapshot)
			}
		}
	}()
	return nil
}

// LocalEdit marks the document dirty and arms (or refreshes) the debounce
// timer. During a remote apply the edit is remembered so the dirty state is
// re-armed once the apply finishes; edits are never silently dropped.
func (s *Syncer) LocalEdit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.state == stateApplyingRemote {
		s.editWhileApplying = true
		return
	}
	s.state = stateDirty
	s.armTimerLocked()
}

// armTimerLocked keeps exactly one pending-write timer alive per room.
func (s *Syncer) armTimerLocked() {
	if s.timer != nil {
		s.timer.Reset(s.debounceWindow)
		return
	}
	s.timer = time.AfterFunc(s.debounceWindow, s.flushDue)
}

func (s *Syncer) flushDue() {
	s.mu.Lock()
	if s.closed || s.state != stateDirty {
		s.mu.Unlock()
		return
	}
	s.state = stateIdle
	s.writing = true
	s.writeWG.Add(1)
	s.mu.Unlock()

	document := s.store.Current()
	go func() {
		defer s.writeWG.Done()
		s.writeWithRetry(document)
	}()
}

// writeWithRetry publishes the snapshot, backing off exponentially on
// transient failures. Exhausted retries mark the room dirty again and re-arm
// the timer; the local store stays the source of truth regardless.
func (s *Syncer) writeWithRetry(document block.Document) {
	snapshot := Snapshot{
		Document:  document,
		WriterID:  s.clientID,
		WrittenAt: s.clock().UTC(),
	}

	var lastErr error
	delay := s.retryBaseDelay
	for attempt := 1; attempt <= s.writeAttempts; attempt++ {
		ctx, cancelWrite := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.backend.WriteSnapshot(ctx, s.roomID, snapshot)
		cancelWrite()
		if err == nil {
			s.mu.Lock()
			s.writing = false
			s.lastErr = nil
			s.lastSync = s.clock().UTC()
			s.mu.Unlock()
			return
		}
		lastErr = err
		s.logger.Warn("room snapshot write failed",
			zap.String("room_id", s.roomID.String()),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == s.writeAttempts {
			break
		}
		time.Sleep(delay)
		delay *= 2
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.writing = false
	s.lastErr = lastErr
	if s.closed {
		return
	}
	if s.state == stateIdle {
		s.state = stateDirty
	}
	if s.state == stateDirty {
		s.armTimerLocked()
	}
}

// ApplyRemote merges an incoming snapshot into the local store. Echoes of
// this client's own writes are discarded by writer-id comparison, never by
// timing heuristics. The apply neither commits history nor arms the write
// timer, which is what breaks the publication loop.
func (s *Syncer) ApplyRemote(snapshot Snapshot) {
	if err := validateSnapshot(snapshot); err != nil {
		s.logger.Warn("discarding malformed room snapshot",
			zap.String("room_id", s.roomID.String()),
			zap.Error(err))
		return
	}
	if snapshot.WriterID == s.clientID {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.timer != nil {
		// The incoming overwrite supersedes any pending local write.
		s.timer.Stop()
	}
	s.state = stateApplyingRemote
	s.editWhileApplying = false
	s.mu.Unlock()

	s.store.ReplaceAll(snapshot.Document)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.editWhileApplying {
		s.editWhileApplying = false
		s.state = stateDirty
		s.armTimerLocked()
		return
	}
	s.state = stateIdle
}

// Status reports the observable sync condition.
func (s *Syncer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Dirty:    s.state == stateDirty || s.editWhileApplying,
		Writing:  s.writing,
		LastErr:  s.lastErr,
		LastSync: s.lastSync,
	}
}

// Flush writes the current document immediately when the room is dirty,
// bypassing the debounce window.
func (s *Syncer) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateDirty {
		s.mu.Unlock()
		return nil
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.state = stateIdle
	s.mu.Unlock()

	snapshot := Snapshot{
		Document:  s.store.Current(),
		WriterID:  s.clientID,
		WrittenAt: s.clock().UTC(),
	}
	if err := s.backend.WriteSnapshot(ctx, s.roomID, snapshot); err != nil {
		s.mu.Lock()
		s.lastErr = err
		if !s.closed {
			s.state = stateDirty
		}
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	s.lastErr = nil
	s.lastSync = s.clock().UTC()
	s.mu.Unlock()
	return nil
}

// Close cancels the debounce timer, flushes a pending dirty write so edits
// are not dropped on exit, waits for in-flight writes and unsubscribes.
func (s *Syncer) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	dirty := s.state == stateDirty || s.editWhileApplying
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.state = stateIdle
	s.editWhileApplying = false
	unsubscribe := s.unsubscribe
	streamDone := s.streamDone
	s.unsubscribe = nil
	s.mu.Unlock()

	s.writeWG.Wait()

	var flushErr error
	if dirty {
		snapshot := Snapshot{
			Document:  s.store.Current(),
			WriterID:  s.clientID,
			WrittenAt: s.clock().UTC(),
		}
		if err := s.backend.WriteSnapshot(ctx, s.roomID, snapshot); err != nil {
			s.logger.Warn("final room snapshot write failed",
				zap.String("room_id", s.roomID.String()),
				zap.Error(err))
			flushErr = err
		}
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if streamDone != nil {
		select {
		case <-streamDone:
		case <-ctx.Done():
		}
	}
	return flushErr
}

func validateSnapshot(snapshot Snapshot) error {
	if snapshot.WriterID == "" {
		return errSnapshotNoWriter
	}
	if snapshot.Document == nil {
		return errSnapshotNoDocument
	}
	return nil
}
