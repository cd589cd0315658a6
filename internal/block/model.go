package block

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRoomID indicates that a room identifier is empty or exceeds storage bounds.
	ErrInvalidRoomID = errors.New("block: invalid room id")
	// ErrInvalidClientID indicates that a client identifier is empty or exceeds storage bounds.
	ErrInvalidClientID = errors.New("block: invalid client id")
	// ErrInvalidBlockID indicates that a block identifier is empty or exceeds storage bounds.
	ErrInvalidBlockID = errors.New("block: invalid block id")
	// ErrInvalidBlockType indicates that a block type tag is empty.
	ErrInvalidBlockType = errors.New("block: invalid block type")
)

// RoomID represents a validated collaboration room identifier.
type RoomID string

// NewRoomID validates raw input and returns a RoomID.
func NewRoomID(rawInput string) (RoomID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRoomID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRoomID, maxIdentifierLength)
	}
	return RoomID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RoomID) String() string {
	return string(id)
}

// ClientID identifies one editing client for write attribution and echo checks.
type ClientID string

// NewClientID validates raw input and returns a ClientID.
func NewClientID(rawInput string) (ClientID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidClientID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidClientID, maxIdentifierLength)
	}
	return ClientID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ClientID) String() string {
	return string(id)
}

// BlockID represents a validated block identifier.
type BlockID string

// NewBlockID validates raw input and returns a BlockID.
func NewBlockID(rawInput string) (BlockID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBlockID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidBlockID, maxIdentifierLength)
	}
	return BlockID(trimmed), nil
}

// String returns the underlying string identifier.
func (id BlockID) String() string {
	return string(id)
}

// BlockType tags a block with its renderer-facing kind. The engine never
// interprets the tag beyond equality.
type BlockType string

// NewBlockType validates raw input and returns a BlockType.
func NewBlockType(rawInput string) (BlockType, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBlockType)
	}
	return BlockType(trimmed), nil
}

// String returns the underlying type tag.
func (t BlockType) String() string {
	return string(t)
}

// Block is one unit of document content. Data is an opaque type-specific
// payload carried through unchanged; ID and Type never change for the
// lifetime of a block.
type Block struct {
	ID   BlockID         `json:"id"`
	Type BlockType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Clone returns a deep copy of the block, including its data payload.
func (b Block) Clone() Block {
	copied := Block{ID: b.ID, Type: b.Type}
	if len(b.Data) > 0 {
		copied.Data = make(json.RawMessage, len(b.Data))
		copy(copied.Data, b.Data)
	}
	return copied
}
