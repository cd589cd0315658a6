package replication

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parchmentlabs/roomkit/internal/block"
)

type fakeBackend struct {
	mu       sync.Mutex
	writes   []Snapshot
	failures int
	streams  []chan Snapshot
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{}
}

func (f *fakeBackend) LoadSnapshot(context.Context, block.RoomID) (Snapshot, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return Snapshot{}, false, nil
	}
	return f.writes[len(f.writes)-1].Clone(), true, nil
}

func (f *fakeBackend) WriteSnapshot(_ context.Context, _ block.RoomID, snapshot Snapshot) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("backend unavailable")
	}
	f.writes = append(f.writes, snapshot.Clone())
	streams := append([]chan Snapshot(nil), f.streams...)
	f.mu.Unlock()

	for _, stream := range streams {
		select {
		case stream <- snapshot.Clone():
		default:
		}
	}
	return nil
}

func (f *fakeBackend) SubscribeSnapshots(context.Context, block.RoomID) (<-chan Snapshot, func(), error) {
	stream := make(chan Snapshot, 16)
	f.mu.Lock()
	f.streams = append(f.streams, stream)
	f.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			for index, candidate := range f.streams {
				if candidate == stream {
					f.streams = append(f.streams[:index], f.streams[index+1:]...)
					break
				}
			}
			f.mu.Unlock()
			close(stream)
		})
	}
	return stream, cancel, nil
}

func (f *fakeBackend) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeBackend) lastWrite(t *testing.T) Snapshot {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		t.Fatal("expected at least one write")
	}
	return f.writes[len(f.writes)-1].Clone()
}

func TestDebounceCoalescesBurstOfEdits(t *testing.T) {
	backend := newFakeBackend()
	store := block.NewStore(block.Document{})
	syncer := mustSyncer(t, store, backend, "client-a", SyncerConfig{DebounceWindow: 30 * time.Millisecond})

	store.Insert(testBlock(t, "b1", `{"n":0}`), 0)
	syncer.LocalEdit()
	for index := 1; index <= 4; index++ {
		store.Update("b1", json.RawMessage(`{"n":9}`))
		syncer.LocalEdit()
	}

	waitFor(t, time.Second, func() bool { return backend.writeCount() == 1 })
	time.Sleep(60 * time.Millisecond)
	if backend.writeCount() != 1 {
		t.Fatalf("expected exactly 1 coalesced write, got %d", backend.writeCount())
	}

	written := backend.lastWrite(t)
	if written.Document.IndexOf("b1") == -1 {
		t.Fatalf("write missing final state: %#v", written.Document)
	}
	if written.WriterID != "client-a" {
		t.Fatalf("unexpected writer id %q", written.WriterID)
	}
}

func TestEchoSnapshotNeverMutatesStore(t *testing.T) {
	backend := newFakeBackend()
	store := block.NewStore(block.Document{testBlock(t, "local", `{}`)})
	syncer := mustSyncer(t, store, backend, "client-a", SyncerConfig{})

	syncer.ApplyRemote(Snapshot{
		Document:  block.Document{testBlock(t, "foreign", `{}`)},
		WriterID:  "client-a",
		WrittenAt: time.Now().UTC(),
	})

	current := store.Current()
	if current.IndexOf("local") != 0 || current.IndexOf("foreign") != -1 {
		t.Fatalf("echo snapshot mutated the store: %#v", current)
	}
}

func TestRemoteApplyReplacesStoreWithoutWriting(t *testing.T) {
	backend := newFakeBackend()
	store := block.NewStore(block.Document{})
	syncer := mustSyncer(t, store, backend, "client-b", SyncerConfig{DebounceWindow: 20 * time.Millisecond})

	syncer.ApplyRemote(Snapshot{
		Document:  block.Document{testBlock(t, "b1", `{"text":"hi"}`)},
		WriterID:  "client-a",
		WrittenAt: time.Now().UTC(),
	})

	if store.Current().IndexOf("b1") != 0 {
		t.Fatalf("remote snapshot not applied: %#v", store.Current())
	}

	time.Sleep(80 * time.Millisecond)
	if backend.writeCount() != 0 {
		t.Fatalf("remote apply must not trigger an outbound write, got %d", backend.writeCount())
	}
	if status := syncer.Status(); status.Dirty {
		t.Fatal("remote apply must not leave the room dirty")
	}
}

func TestMalformedSnapshotDiscarded(t *testing.T) {
	backend := newFakeBackend()
	store := block.NewStore(block.Document{testBlock(t, "keep", `{}`)})
	syncer := mustSyncer(t, store, backend, "client-a", SyncerConfig{})

	syncer.ApplyRemote(Snapshot{WriterID: "", Document: block.Document{}})
	syncer.ApplyRemote(Snapshot{WriterID: "client-b", Document: nil})

	if store.Current().IndexOf("keep") != 0 {
		t.Fatalf("malformed snapshot was applied: %#v", store.Current())
	}
}

func TestWriteFailureRetriesWithBackoff(t *testing.T) {
	backend := newFakeBackend()
	backend.failures = 2
	store := block.NewStore(block.Document{testBlock(t, "b1", `{}`)})
	syncer := mustSyncer(t, store, backend, "client-a", SyncerConfig{
		DebounceWindow: 10 * time.Millisecond,
		WriteAttempts:  4,
		RetryBaseDelay: 5 * time.Millisecond,
	})

	syncer.LocalEdit()
	waitFor(t, 2*time.Second, func() bool { return backend.writeCount() == 1 })

	// Local state was never corrupted by the transient failures.
	if store.Current().IndexOf("b1") != 0 {
		t.Fatalf("local document changed during retries: %#v", store.Current())
	}
	if status := syncer.Status(); status.LastErr != nil {
		t.Fatalf("expected error to clear after successful retry: %v", status.LastErr)
	}
}

func TestExhaustedRetriesSurfaceAsStatus(t *testing.T) {
	backend := newFakeBackend()
	backend.failures = 100
	store := block.NewStore(block.Document{testBlock(t, "b1", `{}`)})
	syncer := mustSyncer(t, store, backend, "client-a", SyncerConfig{
		DebounceWindow: 5 * time.Millisecond,
		WriteAttempts:  2,
		RetryBaseDelay: time.Millisecond,
	})

	syncer.LocalEdit()
	waitFor(t, 2*time.Second, func() bool {
		status := syncer.Status()
		return status.LastErr != nil && status.Dirty
	})
}

func TestEditDuringRemoteApplyReArmsDirty(t *testing.T) {
	backend := newFakeBackend()
	store := block.NewStore(block.Document{})
	syncer := mustSyncer(t, store, backend, "client-b", SyncerConfig{DebounceWindow: 15 * time.Millisecond})

	// An edit lands while the remote document replaces the store.
	var once sync.Once
	unsubscribe := store.Subscribe(func(block.Document) {
		once.Do(syncer.LocalEdit)
	})
	defer unsubscribe()

	syncer.ApplyRemote(Snapshot{
		Document:  block.Document{testBlock(t, "remote", `{}`)},
		WriterID:  "client-a",
		WrittenAt: time.Now().UTC(),
	})

	waitFor(t, time.Second, func() bool { return backend.writeCount() == 1 })
}

func TestCloseFlushesPendingDirtyWrite(t *testing.T) {
	backend := newFakeBackend()
	store := block.NewStore(block.Document{})
	syncer := mustSyncer(t, store, backend, "client-a", SyncerConfig{DebounceWindow: time.Hour})

	if err := syncer.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	store.Insert(testBlock(t, "b1", `{"text":"hi"}`), 0)
	syncer.LocalEdit()

	if err := syncer.Close(context.Background()); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if backend.writeCount() != 1 {
		t.Fatalf("expected dirty edit flushed on close, got %d writes", backend.writeCount())
	}
	if len(backend.streams) != 0 {
		t.Fatalf("subscription leaked past close: %d streams", len(backend.streams))
	}

	// Edits after close are rejected quietly.
	syncer.LocalEdit()
	if err := syncer.Close(context.Background()); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}
	if backend.writeCount() != 1 {
		t.Fatalf("closed syncer still wrote, got %d writes", backend.writeCount())
	}
}

func TestStartDeliversForeignWritesThroughStream(t *testing.T) {
	backend := newFakeBackend()
	storeA := block.NewStore(block.Document{})
	storeB := block.NewStore(block.Document{})
	syncerA := mustSyncer(t, storeA, backend, "client-a", SyncerConfig{DebounceWindow: 10 * time.Millisecond})
	syncerB := mustSyncer(t, storeB, backend, "client-b", SyncerConfig{DebounceWindow: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := syncerA.Start(ctx); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if err := syncerB.Start(ctx); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	storeA.Insert(testBlock(t, "b1", `{"text":"hi"}`), 0)
	syncerA.LocalEdit()

	waitFor(t, 2*time.Second, func() bool { return storeB.Current().IndexOf("b1") == 0 })

	// The echo back to A left its document and write count untouched.
	if backend.writeCount() != 1 {
		t.Fatalf("echo triggered an extra write, got %d", backend.writeCount())
	}

	if err := syncerA.Close(context.Background()); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if err := syncerB.Close(context.Background()); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
}

func mustSyncer(t *testing.T, store *block.Store, backend Backend, clientID string, overrides SyncerConfig) *Syncer {
	t.Helper()
	roomID, err := block.NewRoomID("room-1")
	if err != nil {
		t.Fatalf("unexpected room id error: %v", err)
	}
	client, err := block.NewClientID(clientID)
	if err != nil {
		t.Fatalf("unexpected client id error: %v", err)
	}
	cfg := overrides
	cfg.RoomID = roomID
	cfg.ClientID = client
	cfg.Store = store
	cfg.Backend = backend
	syncer, err := NewSyncer(cfg)
	if err != nil {
		t.Fatalf("unexpected syncer error: %v", err)
	}
	return syncer
}

func testBlock(t *testing.T, id, data string) block.Block {
	t.Helper()
	blockID, err := block.NewBlockID(id)
	if err != nil {
		t.Fatalf("unexpected block id error: %v", err)
	}
	return block.Block{ID: blockID, Type: "text", Data: json.RawMessage(data)}
}

func waitFor(t *testing.T, deadline time.Duration, condition func() bool) {
	t.Helper()
	expiry := time.Now().Add(deadline)
	for time.Now().Before(expiry) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}
