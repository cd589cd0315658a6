// Package session composes the document store, history, replication and
// presence subsystems into the single surface the editor application uses
// for one open room.
package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/parchmentlabs/roomkit/internal/block"
	"github.com/parchmentlabs/roomkit/internal/history"
	"github.com/parchmentlabs/roomkit/internal/presence"
	"github.com/parchmentlabs/roomkit/internal/replication"
)

var (
	// ErrViewOnly signals that a read-only collaborator attempted an edit.
	ErrViewOnly = errors.New("session: room is view only")
	// ErrSessionClosed signals use after teardown.
	ErrSessionClosed = errors.New("session: closed")

	errMissingSnapshotBackend = errors.New("session: snapshot backend is required")
	errMissingPresenceBackend = errors.New("session: presence backend is required")
)

// Config describes one collaborative room session.
type Config struct {
	RoomID      block.RoomID
	ClientID    block.ClientID
	UserID      string
	DisplayName string
	Color       string

	// ViewOnly rejects ApplyEdit/Undo/Redo while still receiving remote
	// snapshots and presence.
	ViewOnly bool
	// CollaborationEnabled false runs the document and history core alone,
	// without replication or presence.
	CollaborationEnabled bool

	// InitialDocument seeds the room when the store holds no snapshot yet.
	InitialDocument block.Document

	SnapshotBackend   replication.Backend
	PresenceBackend   presence.Backend
	DebounceWindow    time.Duration
	PresenceTTL       time.Duration
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
	Clock             func() time.Time
}

// Session is one client's live attachment to a room. Its methods are meant
// for the editor's event loop: call them from one goroutine. Remote
// snapshots and heartbeats arrive on internal goroutines that synchronize
// through the store and syncer, not through the session itself.
type Session struct {
	roomID   block.RoomID
	viewOnly bool
	store    *block.Store
	history  *history.Manager
	syncer   *replication.Syncer
	tracker  *presence.Tracker
	logger   *zap.Logger
	closed   bool
}

// Open loads (or initializes) the room document and wires the session. The
// returned session must be closed to release its timers and subscriptions.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	seed := cfg.InitialDocument.Clone()
	if seed == nil {
		seed = block.Document{}
	}

	if cfg.CollaborationEnabled {
		if cfg.SnapshotBackend == nil {
			return nil, errMissingSnapshotBackend
		}
		if cfg.PresenceBackend == nil {
			return nil, errMissingPresenceBackend
		}
		snapshot, found, err := cfg.SnapshotBackend.LoadSnapshot(ctx, cfg.RoomID)
		if err != nil {
			return nil, err
		}
		if found {
			seed = snapshot.Document.Clone()
		}
	}

	store := block.NewStore(seed)
	sess := &Session{
		roomID:   cfg.RoomID,
		viewOnly: cfg.ViewOnly,
		store:    store,
		history:  history.NewManager(seed),
		logger:   logger,
	}

	if !cfg.CollaborationEnabled {
		return sess, nil
	}

	syncer, err := replication.NewSyncer(replication.SyncerConfig{
		RoomID:         cfg.RoomID,
		ClientID:       cfg.ClientID,
		Store:          store,
		Backend:        cfg.SnapshotBackend,
		DebounceWindow: cfg.DebounceWindow,
		Logger:         logger,
		Clock:          cfg.Clock,
	})
	if err != nil {
		return nil, err
	}
	if err := syncer.Start(ctx); err != nil {
		return nil, err
	}
	sess.syncer = syncer

	tracker, err := presence.NewTracker(presence.TrackerConfig{
		RoomID:            cfg.RoomID,
		UserID:            cfg.UserID,
		DisplayName:       cfg.DisplayName,
		Color:             cfg.Color,
		Backend:           cfg.PresenceBackend,
		TTL:               cfg.PresenceTTL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Logger:            logger,
		Clock:             cfg.Clock,
	})
	if err != nil {
		closeErr := syncer.Close(ctx)
		if closeErr != nil {
			logger.Warn("syncer close failed during session setup", zap.Error(closeErr))
		}
		return nil, err
	}
	if err := tracker.Start(ctx); err != nil {
		closeErr := syncer.Close(ctx)
		if closeErr != nil {
			logger.Warn("syncer close failed during session setup", zap.Error(closeErr))
		}
		return nil, err
	}
	sess.tracker = tracker

	return sess, nil
}

// Document returns the live document value.
func (s *Session) Document() block.Document {
	return s.store.Current()
}

// Subscribe registers a listener for document changes, local and remote.
func (s *Session) Subscribe(listener block.Listener) func() {
	return s.store.Subscribe(listener)
}

// ApplyEdit commits the edited document to history, makes it the live
// document and schedules a debounced write. This is the only entry point
// that grows history.
func (s *Session) ApplyEdit(document block.Document) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.viewOnly {
		return ErrViewOnly
	}
	s.history.Commit(document)
	s.store.ReplaceAll(document)
	if s.syncer != nil {
		s.syncer.LocalEdit()
	}
	return nil
}

// Undo steps history back and propagates the restored document. At the
// bottom of history it is a no-op.
func (s *Session) Undo() (block.Document, error) {
	return s.stepHistory(func() (block.Document, bool) {
		if !s.history.CanUndo() {
			return s.history.Current(), false
		}
		return s.history.Undo(), true
	})
}

// Redo steps history forward and propagates the restored document. At the
// top of history it is a no-op.
func (s *Session) Redo() (block.Document, error) {
	return s.stepHistory(func() (block.Document, bool) {
		if !s.history.CanRedo() {
			return s.history.Current(), false
		}
		return s.history.Redo(), true
	})
}

func (s *Session) stepHistory(step func() (block.Document, bool)) (block.Document, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.viewOnly {
		return nil, ErrViewOnly
	}
	document, moved := step()
	if !moved {
		return s.store.Current(), nil
	}
	s.store.ReplaceAll(document)
	if s.syncer != nil {
		s.syncer.LocalEdit()
	}
	return document, nil
}

// SetCursor shares this client's cursor position with the room.
func (s *Session) SetCursor(cursor *presence.Cursor) {
	if s.tracker != nil {
		s.tracker.SetCursor(cursor)
	}
}

// ActiveUsers returns the non-stale collaborator set, local record included.
func (s *Session) ActiveUsers() []presence.Record {
	if s.tracker == nil {
		return nil
	}
	return s.tracker.ActiveUsers()
}

// Status reports the replication condition for "unsaved changes" badges.
func (s *Session) Status() replication.Status {
	if s.syncer == nil {
		return replication.Status{}
	}
	return s.syncer.Status()
}

// ViewOnly reports whether local edits are rejected.
func (s *Session) ViewOnly() bool {
	return s.viewOnly
}

// Close flushes pending writes, stops the heartbeat and releases every
// subscription held by the session.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.tracker != nil {
		s.tracker.Stop()
	}
	if s.syncer != nil {
		return s.syncer.Close(ctx)
	}
	return nil
}
