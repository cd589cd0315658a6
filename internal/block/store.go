package block

import "sync"

// Listener receives the new document value after every store mutation.
type Listener func(Document)

// Store holds the live document for one open room and fans mutations out to
// subscribed listeners. All mutating operations delegate to the immutable
// Document operations, so callers never observe partially applied state.
type Store struct {
	mu        sync.RWMutex
	current   Document
	listeners map[int64]Listener
	nextID    int64
}

// NewStore constructs a store seeded with the provided document.
func NewStore(initial Document) *Store {
	return &Store{
		current:   initial.Clone(),
		listeners: make(map[int64]Listener),
	}
}

// Current returns a copy of the live document.
func (s *Store) Current() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Subscribe registers a listener and returns its removal function. Listeners
// are invoked synchronously after each mutation with a private copy of the
// new document.
func (s *Store) Subscribe(listener Listener) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = listener
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// ReplaceAll swaps the whole document and returns the new value.
func (s *Store) ReplaceAll(next Document) Document {
	return s.apply(func(Document) Document {
		return next.Clone()
	})
}

// Insert places a block at the given index and returns the new document.
func (s *Store) Insert(item Block, atIndex int) Document {
	return s.apply(func(current Document) Document {
		return current.Insert(item, atIndex)
	})
}

// Update shallow-merges partial data into the identified block and returns
// the new document. Unknown ids are a no-op.
func (s *Store) Update(id BlockID, partialData []byte) Document {
	return s.apply(func(current Document) Document {
		return current.Update(id, partialData)
	})
}

// Remove deletes the identified block and returns the new document.
func (s *Store) Remove(id BlockID) Document {
	return s.apply(func(current Document) Document {
		return current.Remove(id)
	})
}

// Move relocates the identified block and returns the new document.
func (s *Store) Move(id BlockID, toIndex int) Document {
	return s.apply(func(current Document) Document {
		return current.Move(id, toIndex)
	})
}

func (s *Store) apply(mutate func(Document) Document) Document {
	s.mu.Lock()
	next := mutate(s.current)
	s.current = next
	listeners := make([]Listener, 0, len(s.listeners))
	for _, listener := range s.listeners {
		listeners = append(listeners, listener)
	}
	s.mu.Unlock()

	for _, listener := range listeners {
		listener(next.Clone())
	}
	return next.Clone()
}
