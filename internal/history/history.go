// Package history provides linear undo/redo over whole-document snapshots.
// Each entry is a full copy rather than an inverse delta, which keeps undo
// and redo at O(1) pointer moves for the bounded documents this engine
// targets.
package history

import "github.com/parchmentlabs/roomkit/internal/block"

// Manager owns an ordered sequence of immutable document snapshots plus an
// integer pointer into it. Entries are never mutated once pushed; every
// commit stores a structural copy, not a reference into live state.
type Manager struct {
	entries []block.Document
	pointer int
}

// NewManager seeds history with the initial document so that undoing the
// first committed edit lands back on it with the pointer at zero.
func NewManager(initial block.Document) *Manager {
	return &Manager{
		entries: []block.Document{initial.Clone()},
		pointer: 0,
	}
}

// Commit truncates any redo branch beyond the pointer, appends a snapshot of
// the document and advances the pointer. This is the only way edits enter
// history; redo entries discarded here are gone for good.
func (m *Manager) Commit(document block.Document) {
	m.entries = append(m.entries[:m.pointer+1], document.Clone())
	m.pointer = len(m.entries) - 1
}

// Undo steps the pointer back and returns the document at the new position.
// At the bottom of history it is a silent no-op returning the current entry.
func (m *Manager) Undo() block.Document {
	if m.pointer > 0 {
		m.pointer--
	}
	return m.entries[m.pointer].Clone()
}

// Redo steps the pointer forward and returns the document at the new
// position. At the top of history it is a silent no-op returning the current
// entry.
func (m *Manager) Redo() block.Document {
	if m.pointer < len(m.entries)-1 {
		m.pointer++
	}
	return m.entries[m.pointer].Clone()
}

// Current returns the document the pointer rests on.
func (m *Manager) Current() block.Document {
	return m.entries[m.pointer].Clone()
}

// CanUndo reports whether an undo would move the pointer.
func (m *Manager) CanUndo() bool {
	return m.pointer > 0
}

// CanRedo reports whether a redo would move the pointer.
func (m *Manager) CanRedo() bool {
	return m.pointer < len(m.entries)-1
}

// Depth returns the number of stored snapshots, including the seed entry.
func (m *Manager) Depth() int {
	return len(m.entries)
}
