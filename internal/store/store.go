// Package store persists room documents and presence records in SQLite via
// GORM and fans every accepted write out to in-process room subscribers. It
// implements the replication and presence backend surfaces the session core
// consumes.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/parchmentlabs/roomkit/internal/block"
	"github.com/parchmentlabs/roomkit/internal/presence"
	"github.com/parchmentlabs/roomkit/internal/replication"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew    = "store.service.new"
	opLoadSnapshot  = "store.load_snapshot"
	opWriteSnapshot = "store.write_snapshot"
	opUpsertPres    = "store.upsert_presence"
	opListPresence  = "store.list_presence"

	fieldRoomID = "room_id"
	fieldUserID = "user_id"

	queryRoomID = fieldRoomID + " = ?"

	reasonMissingDatabase    = "missing_database"
	reasonRowSelectFailed    = "row_select_failed"
	reasonRowSaveFailed      = "row_save_failed"
	reasonAuditInsertFailed  = "audit_insert_failed"
	reasonBlocksEncodeFailed = "blocks_encode_failed"
	reasonBlocksDecodeFailed = "blocks_decode_failed"
	reasonIDGenerationFailed = "id_generation_failed"
	reasonQueryFailed        = "query_failed"
)

// ServiceError carries an <operation>.<reason> code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the machine-readable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues identifiers for audit records.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the room store.
type ServiceConfig struct {
	Database   *gorm.DB
	Dispatcher *Dispatcher
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service is the shared persisted room store.
type Service struct {
	db         *gorm.DB
	dispatcher *Dispatcher
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the store service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		dispatcher: dispatcher,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Dispatcher exposes the realtime fan-out, for transports layered on top.
func (s *Service) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// LoadSnapshot returns the persisted room document, reporting whether one
// exists. Undecodable rows are an error here, never a half-applied document.
func (s *Service) LoadSnapshot(ctx context.Context, roomID block.RoomID) (replication.Snapshot, bool, error) {
	var row RoomDocument
	err := s.db.WithContext(ctx).Where(queryRoomID, roomID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return replication.Snapshot{}, false, nil
	}
	if err != nil {
		s.logError(opLoadSnapshot, reasonRowSelectFailed, err, zap.String(fieldRoomID, roomID.String()))
		return replication.Snapshot{}, false, newServiceError(opLoadSnapshot, reasonRowSelectFailed, err)
	}

	snapshot, err := decodeRoomDocument(row)
	if err != nil {
		s.logError(opLoadSnapshot, reasonBlocksDecodeFailed, err, zap.String(fieldRoomID, roomID.String()))
		return replication.Snapshot{}, false, newServiceError(opLoadSnapshot, reasonBlocksDecodeFailed, err)
	}
	return snapshot, true, nil
}

// WriteSnapshot overwrites the room's block list, merging only metadata, and
// publishes the accepted snapshot to every subscriber — the writer included,
// which is what makes client-side echo suppression observable.
func (s *Service) WriteSnapshot(ctx context.Context, roomID block.RoomID, snapshot replication.Snapshot) error {
	blocksJSON, err := json.Marshal(snapshot.Document)
	if err != nil {
		s.logError(opWriteSnapshot, reasonBlocksEncodeFailed, err, zap.String(fieldRoomID, roomID.String()))
		return newServiceError(opWriteSnapshot, reasonBlocksEncodeFailed, err)
	}

	writtenAt := snapshot.WrittenAt
	if writtenAt.IsZero() {
		writtenAt = s.clock().UTC()
	}

	var stored RoomDocument
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row RoomDocument
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryRoomID, roomID.String()).
			Take(&row).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opWriteSnapshot, reasonRowSelectFailed, err, zap.String(fieldRoomID, roomID.String()))
			return newServiceError(opWriteSnapshot, reasonRowSelectFailed, err)
		}

		previousRevision := row.Revision
		row.RoomID = roomID.String()
		row.BlocksJSON = string(blocksJSON)
		if len(snapshot.Metadata) > 0 {
			row.MetadataJSON = string(snapshot.Metadata)
		}
		row.LastWriterID = snapshot.WriterID.String()
		row.WrittenAtSeconds = writtenAt.Unix()
		row.Revision = previousRevision + 1

		if err := tx.Save(&row).Error; err != nil {
			s.logError(opWriteSnapshot, reasonRowSaveFailed, err, zap.String(fieldRoomID, roomID.String()))
			return newServiceError(opWriteSnapshot, reasonRowSaveFailed, err)
		}

		changeID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opWriteSnapshot, reasonIDGenerationFailed, err, zap.String(fieldRoomID, roomID.String()))
			return newServiceError(opWriteSnapshot, reasonIDGenerationFailed, err)
		}
		audit := RoomChange{
			ChangeID:         changeID,
			RoomID:           roomID.String(),
			WriterID:         snapshot.WriterID.String(),
			PreviousRevision: previousRevision,
			NewRevision:      row.Revision,
			WrittenAtSeconds: writtenAt.Unix(),
			BlockCount:       len(snapshot.Document),
		}
		if err := tx.Create(&audit).Error; err != nil {
			s.logError(opWriteSnapshot, reasonAuditInsertFailed, err, zap.String(fieldRoomID, roomID.String()))
			return newServiceError(opWriteSnapshot, reasonAuditInsertFailed, err)
		}

		stored = row
		return nil
	})
	if txErr != nil {
		return txErr
	}

	published, err := decodeRoomDocument(stored)
	if err != nil {
		s.logError(opWriteSnapshot, reasonBlocksDecodeFailed, err, zap.String(fieldRoomID, roomID.String()))
		return nil
	}
	s.dispatcher.Publish(roomID, Event{Type: EventDocumentChanged, Snapshot: published})
	return nil
}

// SubscribeSnapshots delivers every persisted write for the room.
func (s *Service) SubscribeSnapshots(ctx context.Context, roomID block.RoomID) (<-chan replication.Snapshot, func(), error) {
	events, cleanup := s.dispatcher.Subscribe(ctx, roomID)
	pumpCtx, cancelPump := context.WithCancel(ctx)
	stream := make(chan replication.Snapshot, 16)
	go func() {
		defer close(stream)
		for {
			select {
			case <-pumpCtx.Done():
				return
			case event := <-events:
				if event.Type != EventDocumentChanged {
					continue
				}
				select {
				case stream <- event.Snapshot:
				case <-pumpCtx.Done():
					return
				}
			}
		}
	}()
	cancel := func() {
		cleanup()
		cancelPump()
	}
	return stream, cancel, nil
}

// UpsertPresence refreshes one collaborator's record and publishes the
// room's presence set.
func (s *Service) UpsertPresence(ctx context.Context, roomID block.RoomID, record presence.Record) error {
	cursorJSON := ""
	if record.Cursor != nil {
		encoded, err := json.Marshal(record.Cursor)
		if err != nil {
			return newServiceError(opUpsertPres, "cursor_encode_failed", err)
		}
		cursorJSON = string(encoded)
	}

	row := PresenceRow{
		RoomID:          roomID.String(),
		UserID:          record.UserID,
		DisplayName:     record.DisplayName,
		Color:           record.Color,
		CursorJSON:      cursorJSON,
		LastSeenSeconds: record.LastSeen.Unix(),
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error; err != nil {
		s.logError(opUpsertPres, reasonRowSaveFailed, err,
			zap.String(fieldRoomID, roomID.String()),
			zap.String(fieldUserID, record.UserID))
		return newServiceError(opUpsertPres, reasonRowSaveFailed, err)
	}

	records, err := s.ListPresence(ctx, roomID)
	if err != nil {
		return err
	}
	s.dispatcher.Publish(roomID, Event{Type: EventPresenceChanged, Presence: records})
	return nil
}

// ListPresence returns every stored record for the room. Staleness filtering
// is the reader's concern, by design independent of backend expiry.
func (s *Service) ListPresence(ctx context.Context, roomID block.RoomID) ([]presence.Record, error) {
	var rows []PresenceRow
	if err := s.db.WithContext(ctx).
		Where(queryRoomID, roomID.String()).
		Order("last_seen_s DESC").
		Find(&rows).Error; err != nil {
		s.logError(opListPresence, reasonQueryFailed, err, zap.String(fieldRoomID, roomID.String()))
		return nil, newServiceError(opListPresence, reasonQueryFailed, err)
	}

	records := make([]presence.Record, 0, len(rows))
	for _, row := range rows {
		record := presence.Record{
			UserID:      row.UserID,
			DisplayName: row.DisplayName,
			Color:       row.Color,
			LastSeen:    time.Unix(row.LastSeenSeconds, 0).UTC(),
		}
		if row.CursorJSON != "" {
			var cursor presence.Cursor
			if err := json.Unmarshal([]byte(row.CursorJSON), &cursor); err != nil {
				s.logger.Warn("discarding undecodable presence cursor",
					zap.String(fieldRoomID, roomID.String()),
					zap.String(fieldUserID, row.UserID),
					zap.Error(err))
			} else {
				record.Cursor = &cursor
			}
		}
		records = append(records, record)
	}
	return records, nil
}

// SubscribePresence delivers the room's presence set after every heartbeat.
func (s *Service) SubscribePresence(ctx context.Context, roomID block.RoomID) (<-chan []presence.Record, func(), error) {
	events, cleanup := s.dispatcher.Subscribe(ctx, roomID)
	pumpCtx, cancelPump := context.WithCancel(ctx)
	stream := make(chan []presence.Record, 16)
	go func() {
		defer close(stream)
		for {
			select {
			case <-pumpCtx.Done():
				return
			case event := <-events:
				if event.Type != EventPresenceChanged {
					continue
				}
				select {
				case stream <- event.Presence:
				case <-pumpCtx.Done():
					return
				}
			}
		}
	}()
	cancel := func() {
		cleanup()
		cancelPump()
	}
	return stream, cancel, nil
}

func decodeRoomDocument(row RoomDocument) (replication.Snapshot, error) {
	var document block.Document
	if err := json.Unmarshal([]byte(row.BlocksJSON), &document); err != nil {
		return replication.Snapshot{}, err
	}
	if document == nil {
		document = block.Document{}
	}
	writerID, err := block.NewClientID(row.LastWriterID)
	if err != nil {
		return replication.Snapshot{}, err
	}
	snapshot := replication.Snapshot{
		Document:  document,
		WriterID:  writerID,
		WrittenAt: time.Unix(row.WrittenAtSeconds, 0).UTC(),
	}
	if row.MetadataJSON != "" {
		snapshot.Metadata = json.RawMessage(row.MetadataJSON)
	}
	return snapshot, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("room store error", attrs...)
}
