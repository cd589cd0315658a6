package store

// RoomDocument is the persisted full-snapshot row for one room. The block
// list is always written whole; only metadata fields are merged.
type RoomDocument struct {
	RoomID           string `gorm:"column:room_id;primaryKey;size:190;not null"`
	BlocksJSON       string `gorm:"column:blocks_json;type:text;not null"`
	MetadataJSON     string `gorm:"column:metadata_json;type:text;not null;default:''"`
	LastWriterID     string `gorm:"column:last_writer_id;size:190;not null"`
	WrittenAtSeconds int64  `gorm:"column:written_at_s;not null;index:idx_room_documents_written"`
	Revision         int64  `gorm:"column:revision;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (RoomDocument) TableName() string {
	return "room_documents"
}

// RoomChange captures an append-only audit trail of accepted snapshot writes.
type RoomChange struct {
	ChangeID         string `gorm:"column:change_id;primaryKey;size:190;not null"`
	RoomID           string `gorm:"column:room_id;size:190;not null;index:idx_room_changes_room_time,priority:1"`
	WriterID         string `gorm:"column:writer_id;size:190;not null"`
	PreviousRevision int64  `gorm:"column:prev_revision;not null"`
	NewRevision      int64  `gorm:"column:new_revision;not null"`
	WrittenAtSeconds int64  `gorm:"column:written_at_s;not null;index:idx_room_changes_room_time,priority:2"`
	BlockCount       int    `gorm:"column:block_count;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RoomChange) TableName() string {
	return "room_changes"
}

// PresenceRow is one collaborator's ephemeral record within a room. Expiry
// is a read-time concern of the clients; rows linger until overwritten or
// swept.
type PresenceRow struct {
	RoomID          string `gorm:"column:room_id;primaryKey;size:190;not null;index:idx_presence_room_seen,priority:1"`
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName     string `gorm:"column:display_name;size:320;not null;default:''"`
	Color           string `gorm:"column:color;size:32;not null;default:''"`
	CursorJSON      string `gorm:"column:cursor_json;type:text;not null;default:''"`
	LastSeenSeconds int64  `gorm:"column:last_seen_s;not null;index:idx_presence_room_seen,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (PresenceRow) TableName() string {
	return "room_presence"
}
