package block

import "encoding/json"

// Document is the ordered block sequence for one room. Operations treat the
// document as an immutable value: each returns a fresh sequence and leaves
// the receiver untouched, which keeps history snapshots free of aliasing.
type Document []Block

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	copied := make(Document, len(d))
	for index, item := range d {
		copied[index] = item.Clone()
	}
	return copied
}

// IndexOf returns the position of the block with the given id, or -1.
func (d Document) IndexOf(id BlockID) int {
	for index, item := range d {
		if item.ID == id {
			return index
		}
	}
	return -1
}

// Insert returns a document with the block placed at the given index. The
// index is clamped to the valid range.
func (d Document) Insert(item Block, atIndex int) Document {
	if atIndex < 0 {
		atIndex = 0
	}
	if atIndex > len(d) {
		atIndex = len(d)
	}
	result := make(Document, 0, len(d)+1)
	result = append(result, d[:atIndex].Clone()...)
	result = append(result, item.Clone())
	result = append(result, d[atIndex:].Clone()...)
	return result
}

// Update returns a document with the identified block's data shallow-merged
// with the partial payload. Unknown ids are a no-op, not an error: callers
// outside the engine own validity. ID and Type are never touched.
func (d Document) Update(id BlockID, partialData json.RawMessage) Document {
	position := d.IndexOf(id)
	if position < 0 {
		return d.Clone()
	}
	result := d.Clone()
	result[position].Data = mergeData(result[position].Data, partialData)
	return result
}

// Remove returns a document without the identified block. Unknown ids are a
// no-op.
func (d Document) Remove(id BlockID) Document {
	position := d.IndexOf(id)
	if position < 0 {
		return d.Clone()
	}
	result := make(Document, 0, len(d)-1)
	result = append(result, d[:position].Clone()...)
	result = append(result, d[position+1:].Clone()...)
	return result
}

// Move returns a document with the identified block relocated to the given
// index (clamped). Unknown ids are a no-op.
func (d Document) Move(id BlockID, toIndex int) Document {
	position := d.IndexOf(id)
	if position < 0 {
		return d.Clone()
	}
	moved := d[position].Clone()
	without := d.Remove(id)
	return without.Insert(moved, toIndex)
}

// mergeData overlays the keys of an object-shaped partial payload onto an
// object-shaped existing payload. Either side failing to decode as a JSON
// object degrades to wholesale replacement; the payload stays opaque beyond
// this mechanical merge.
func mergeData(existing, partial json.RawMessage) json.RawMessage {
	if len(partial) == 0 {
		return existing
	}
	var base map[string]json.RawMessage
	if err := json.Unmarshal(existing, &base); err != nil || base == nil {
		copied := make(json.RawMessage, len(partial))
		copy(copied, partial)
		return copied
	}
	var overlay map[string]json.RawMessage
	if err := json.Unmarshal(partial, &overlay); err != nil || overlay == nil {
		copied := make(json.RawMessage, len(partial))
		copy(copied, partial)
		return copied
	}
	for key, value := range overlay {
		base[key] = value
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return existing
	}
	return merged
}
