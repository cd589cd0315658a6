package replication

import (
	"context"
	"encoding/json"
	"time"

	"github.com/parchmentlabs/roomkit/internal/block"
)

// Snapshot is a full room document as persisted in the shared store,
// attributed to the client that wrote it. The writer id drives echo
// suppression: a subscriber discards snapshots carrying its own id.
type Snapshot struct {
	Document  block.Document
	Metadata  json.RawMessage
	WriterID  block.ClientID
	WrittenAt time.Time
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	copied := Snapshot{
		Document:  s.Document.Clone(),
		WriterID:  s.WriterID,
		WrittenAt: s.WrittenAt,
	}
	if len(s.Metadata) > 0 {
		copied.Metadata = make(json.RawMessage, len(s.Metadata))
		copy(copied.Metadata, s.Metadata)
	}
	return copied
}

// Backend is the narrow surface of the shared persisted store. Snapshots
// written here fan out to every subscriber of the room, the writer included.
type Backend interface {
	// LoadSnapshot returns the persisted room document; the boolean reports
	// whether one exists yet.
	LoadSnapshot(ctx context.Context, roomID block.RoomID) (Snapshot, bool, error)
	// WriteSnapshot overwrites the persisted room document with a full
	// block list. Metadata fields are merged, blocks never are.
	WriteSnapshot(ctx context.Context, roomID block.RoomID, snapshot Snapshot) error
	// SubscribeSnapshots delivers every persisted write for the room until
	// the cancel function runs.
	SubscribeSnapshots(ctx context.Context, roomID block.RoomID) (<-chan Snapshot, func(), error)
}
