package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// fakeIndexer serves fixed memo/nullifier pages and counts how many
// times each fetch method is called, so tests can assert retry and
// resume behavior without a network round trip.
type fakeIndexer struct {
	mu         sync.Mutex
	memos      []EntryMemoRecord
	nulls      []EntryNullifierRecord
	failMemoN  int // fail the first N memo calls with an error
	memoCalls  int
	nullCalls  int
}

func (f *fakeIndexer) FetchMemos(ctx context.Context, chain ChainID, fromCid uint64, pageSize int) ([]EntryMemoRecord, error) {
	f.mu.Lock()
	f.memoCalls++
	shouldFail := f.memoCalls <= f.failMemoN
	f.mu.Unlock()
	if shouldFail {
		return nil, newErr(KindSync, "transient indexer error", nil)
	}
	var out []EntryMemoRecord
	for _, m := range f.memos {
		if m.Cid >= fromCid {
			out = append(out, m)
			if len(out) >= pageSize {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeIndexer) FetchNullifiers(ctx context.Context, chain ChainID, fromNid uint64, pageSize int) ([]EntryNullifierRecord, error) {
	f.mu.Lock()
	f.nullCalls++
	f.mu.Unlock()
	var out []EntryNullifierRecord
	for _, n := range f.nulls {
		if n.Nid >= fromNid {
			out = append(out, n)
			if len(out) >= pageSize {
				break
			}
		}
	}
	return out, nil
}

func newTestSyncEngine(t *testing.T, indexer EntryIndexer, retry SyncRetryConfig) (*SyncEngine, StorageAdapter) {
	t.Helper()
	engine, storage, _ := newTestSyncEngineWithBus(t, indexer, retry)
	return engine, storage
}

func newTestSyncEngineWithBus(t *testing.T, indexer EntryIndexer, retry SyncRetryConfig) (*SyncEngine, StorageAdapter, *EventBus) {
	t.Helper()
	storage := NewMemoryStorage()
	merkle, err := NewMerkleAccumulator(storage, NewPoseidonPrimitives(), nil, ModeLocal, nil)
	if err != nil {
		t.Fatalf("NewMerkleAccumulator: %v", err)
	}
	logNoOutput := logrus.NewEntry(logrus.New())
	bus := NewEventBus()
	engine := NewSyncEngine(storage, merkle, map[ChainID]EntryIndexer{"eth": indexer}, bus, 10, time.Second, retry, logNoOutput)
	return engine, storage, bus
}

func memoEntry(cid uint64, commitment string) EntryMemoRecord {
	return EntryMemoRecord{Chain: "eth", Cid: cid, Commitment: commitment, Memo: []byte("undecryptable")}
}

func TestSyncAdvancesCursorAndIsIdempotent(t *testing.T) {
	idx := &fakeIndexer{memos: []EntryMemoRecord{memoEntry(0, "1"), memoEntry(1, "2"), memoEntry(2, "3")}}
	engine, storage := newTestSyncEngine(t, idx, SyncRetryConfig{Attempts: 1})

	wv, err := OpenWalletView(storage, NewPoseidonPrimitives(), "alice", "eth", testSeed(), 0)
	if err != nil {
		t.Fatalf("OpenWalletView: %v", err)
	}

	if err := engine.Sync(context.Background(), wv, "eth"); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	cursor, err := storage.GetSyncCursor(context.Background(), "alice", "eth")
	if err != nil {
		t.Fatalf("GetSyncCursor: %v", err)
	}
	if cursor.Memo != 3 {
		t.Fatalf("expected memo cursor 3, got %d", cursor.Memo)
	}

	// A second sync with no new entries must be a harmless no-op, not
	// an error and not a duplicate re-application.
	if err := engine.Sync(context.Background(), wv, "eth"); err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	cursor2, err := storage.GetSyncCursor(context.Background(), "alice", "eth")
	if err != nil {
		t.Fatalf("GetSyncCursor: %v", err)
	}
	if cursor2.Memo != 3 {
		t.Fatalf("expected cursor to stay at 3 after idempotent resync, got %d", cursor2.Memo)
	}
}

func TestSyncRejectsNonContiguousMemoPage(t *testing.T) {
	idx := &fakeIndexer{memos: []EntryMemoRecord{memoEntry(0, "1"), memoEntry(2, "3")}} // gap at cid 1
	engine, storage := newTestSyncEngine(t, idx, SyncRetryConfig{Attempts: 1})
	wv, err := OpenWalletView(storage, NewPoseidonPrimitives(), "alice", "eth", testSeed(), 0)
	if err != nil {
		t.Fatalf("OpenWalletView: %v", err)
	}

	if err := engine.Sync(context.Background(), wv, "eth"); err == nil {
		t.Fatalf("expected sync to reject a page with a gap")
	}
}

func TestSyncRetriesThenSucceeds(t *testing.T) {
	idx := &fakeIndexer{memos: []EntryMemoRecord{memoEntry(0, "1")}, failMemoN: 2}
	engine, storage := newTestSyncEngine(t, idx, SyncRetryConfig{Attempts: 5, BaseDelayMs: 1, MaxDelayMs: 5})
	wv, err := OpenWalletView(storage, NewPoseidonPrimitives(), "alice", "eth", testSeed(), 0)
	if err != nil {
		t.Fatalf("OpenWalletView: %v", err)
	}

	if err := engine.Sync(context.Background(), wv, "eth"); err != nil {
		t.Fatalf("expected sync to recover after transient failures, got %v", err)
	}
	if idx.memoCalls < 3 {
		t.Fatalf("expected at least 3 fetch attempts (2 failures + 1 success), got %d", idx.memoCalls)
	}
	cursor, err := storage.GetSyncCursor(context.Background(), "alice", "eth")
	if err != nil {
		t.Fatalf("GetSyncCursor: %v", err)
	}
	if cursor.Memo != 1 {
		t.Fatalf("expected cursor to advance once retries succeed, got %d", cursor.Memo)
	}
}

func TestSyncFailsAfterExhaustingRetries(t *testing.T) {
	idx := &fakeIndexer{memos: []EntryMemoRecord{memoEntry(0, "1")}, failMemoN: 100}
	engine, storage := newTestSyncEngine(t, idx, SyncRetryConfig{Attempts: 2, BaseDelayMs: 1, MaxDelayMs: 2})
	wv, err := OpenWalletView(storage, NewPoseidonPrimitives(), "alice", "eth", testSeed(), 0)
	if err != nil {
		t.Fatalf("OpenWalletView: %v", err)
	}

	if err := engine.Sync(context.Background(), wv, "eth"); err == nil {
		t.Fatalf("expected sync to fail once retries are exhausted")
	}
}

func TestSyncSkipsConcurrentSyncOnSameChain(t *testing.T) {
	idx := &fakeIndexer{memos: []EntryMemoRecord{memoEntry(0, "1")}}
	engine, storage, bus := newTestSyncEngineWithBus(t, idx, SyncRetryConfig{Attempts: 1})
	wv, err := OpenWalletView(storage, NewPoseidonPrimitives(), "alice", "eth", testSeed(), 0)
	if err != nil {
		t.Fatalf("OpenWalletView: %v", err)
	}

	var mu sync.Mutex
	var seen []EventKind
	bus.Subscribe(func(e Event) {
		mu.Lock()
		seen = append(seen, e.Kind)
		mu.Unlock()
	})

	lock := engine.lockFor("eth")
	lock.Lock()
	defer lock.Unlock()

	if err := engine.Sync(context.Background(), wv, "eth"); err != nil {
		t.Fatalf("expected a concurrent Sync call to be skipped, not errored, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != EventSyncSkipped {
		t.Fatalf("expected exactly one sync:skipped event, got %v", seen)
	}

	if idx.memoCalls != 0 {
		t.Fatalf("expected indexer not to be touched by a skipped sync, got %d calls", idx.memoCalls)
	}
}
