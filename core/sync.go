package core

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// EntryIndexer is the external read-only feed of append-only memo and
// nullifier pages for a chain. Both methods return entries with
// Cid/Nid >= the given cursor, in ascending contiguous order; a short
// page (len(result) < requested) signals the caller has caught up to
// the indexer's current head.
type EntryIndexer interface {
	FetchMemos(ctx context.Context, chain ChainID, fromCid uint64, pageSize int) ([]EntryMemoRecord, error)
	FetchNullifiers(ctx context.Context, chain ChainID, fromNid uint64, pageSize int) ([]EntryNullifierRecord, error)
}

// SyncRetryConfig mirrors pkg/config.RetryConfig for the engine's
// capped exponential backoff around transient indexer errors.
type SyncRetryConfig struct {
	Attempts    int
	BaseDelayMs int
	MaxDelayMs  int
}

// SyncEngine replicates one or more chains' memo/nullifier feeds into
// local storage and the Merkle accumulator, then applies each memo to
// whichever WalletView asked for it. A single engine instance
// is safe to share across wallets and chains; per-chain mutual
// exclusion is enforced internally so two concurrent Sync calls for
// the same chain never interleave their page fetches.
type SyncEngine struct {
	storage  StorageAdapter
	merkle   *MerkleAccumulator
	indexers map[ChainID]EntryIndexer
	bus      *EventBus
	log      *logrus.Entry

	pageSize         int
	requestTimeout   time.Duration
	retry            SyncRetryConfig

	locksMu sync.Mutex
	locks   map[ChainID]*sync.Mutex
}

// NewSyncEngine constructs an engine. indexers maps each tracked chain
// to the EntryIndexer that serves it.
func NewSyncEngine(storage StorageAdapter, merkle *MerkleAccumulator, indexers map[ChainID]EntryIndexer, bus *EventBus, pageSize int, requestTimeout time.Duration, retry SyncRetryConfig, log *logrus.Entry) *SyncEngine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if pageSize <= 0 {
		pageSize = 512
	}
	return &SyncEngine{
		storage: storage, merkle: merkle, indexers: indexers, bus: bus,
		log: log.WithField("component", "sync"), pageSize: pageSize,
		requestTimeout: requestTimeout, retry: retry,
		locks: make(map[ChainID]*sync.Mutex),
	}
}

func (e *SyncEngine) lockFor(chain ChainID) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[chain]
	if !ok {
		l = &sync.Mutex{}
		e.locks[chain] = l
	}
	return l
}

// SyncAll drives Sync for every chain in wallets concurrently,
// one goroutine per chain, using golang.org/x/sync/errgroup so each
// chain's loop runs independently and in parallel.
func (e *SyncEngine) SyncAll(ctx context.Context, wallets map[ChainID]*WalletView) error {
	g, gctx := errgroup.WithContext(ctx)
	for chain, wv := range wallets {
		chain, wv := chain, wv
		g.Go(func() error {
			return e.Sync(gctx, wv, chain)
		})
	}
	return g.Wait()
}

// Sync replicates chain's memo and nullifier feeds forward from wv's
// persisted cursor, applying each memo to wv and each nullifier to the
// wallet's spend state, until the indexer reports no further entries
// or ctx is done. Progress is persisted after every page, so a
// cancelled or failed Sync leaves the cursor exactly where it
// advanced to rather than rolling back — a retry resumes from there
// instead of redoing work. A page is checked before any of it is
// applied: a page whose first entry is not at the cursor, or a memo
// page with a gap inside it, is rejected whole, and none of its
// entries are persisted or applied.
func (e *SyncEngine) Sync(ctx context.Context, wv *WalletView, chain ChainID) error {
	lock := e.lockFor(chain)
	if !lock.TryLock() {
		e.log.WithField("chain", chain).Debug("sync already in progress, skipping")
		e.publish(Event{Kind: EventSyncSkipped, Chain: chain})
		return nil
	}
	defer lock.Unlock()

	indexer, ok := e.indexers[chain]
	if !ok {
		return newErr(KindSync, "no indexer configured for chain", nil)
	}

	e.publish(Event{Kind: EventSyncStarted, Chain: chain})

	cursor, err := e.storage.GetSyncCursor(ctx, wv.wallet, chain)
	if err != nil {
		if !isNotFound(err) {
			e.publish(Event{Kind: EventSyncError, Chain: chain, Message: err.Error()})
			return err
		}
		cursor = &SyncCursor{}
	}

	memoCount, err := e.syncMemos(ctx, wv, chain, cursor)
	if err != nil {
		e.publish(Event{Kind: EventSyncError, Chain: chain, Message: err.Error()})
		return err
	}
	nullCount, err := e.syncNullifiers(ctx, wv, chain, indexer, cursor)
	if err != nil {
		e.publish(Event{Kind: EventSyncError, Chain: chain, Message: err.Error()})
		return err
	}

	if memoCount == 0 && nullCount == 0 {
		e.publish(Event{Kind: EventSyncSkipped, Chain: chain})
		return nil
	}
	e.publish(Event{Kind: EventSyncDone, Chain: chain, Count: memoCount + nullCount})
	return nil
}

func (e *SyncEngine) syncMemos(ctx context.Context, wv *WalletView, chain ChainID, cursor *SyncCursor) (int, error) {
	indexer := e.indexers[chain]
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, newErrf(KindSync, err, "sync cancelled")
		}
		page, err := e.fetchMemosRetried(ctx, indexer, chain, cursor.Memo)
		if err != nil {
			return total, err
		}
		if len(page) == 0 {
			return total, nil
		}
		if page[0].Cid != cursor.Memo {
			return total, newErrf(KindSync, nil, "non-contiguous memo page: expected cid %d, got %d", cursor.Memo, page[0].Cid)
		}
		for i := 1; i < len(page); i++ {
			if page[i].Cid != page[i-1].Cid+1 {
				return total, newErrf(KindSync, nil, "gap in memo page at cid %d", page[i].Cid)
			}
		}

		if err := e.storage.PutEntryMemos(ctx, chain, page); err != nil {
			return total, err
		}

		leaves := make([]MerkleLeaf, len(page))
		for i, m := range page {
			leaves[i] = MerkleLeaf{Chain: chain, Cid: m.Cid, Commitment: m.Commitment}
		}
		if err := e.merkle.IngestLeaves(ctx, chain, leaves); err != nil {
			return total, err
		}

		for _, m := range page {
			if _, err := wv.ApplyMemo(ctx, m); err != nil {
				return total, err
			}
		}

		cursor.Memo += uint64(len(page))
		cursor.Merkle = DeriveMerkle(cursor.Memo, SubtreeSize)
		if err := e.storage.PutSyncCursor(ctx, wv.wallet, chain, *cursor); err != nil {
			return total, err
		}
		total += len(page)

		if len(page) < e.pageSize {
			return total, nil
		}
	}
}

func (e *SyncEngine) syncNullifiers(ctx context.Context, wv *WalletView, chain ChainID, indexer EntryIndexer, cursor *SyncCursor) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, newErrf(KindSync, err, "sync cancelled")
		}
		page, err := e.fetchNullifiersRetried(ctx, indexer, chain, cursor.Nullifier)
		if err != nil {
			return total, err
		}
		if len(page) == 0 {
			return total, nil
		}
		if page[0].Nid != cursor.Nullifier {
			return total, newErrf(KindSync, nil, "non-contiguous nullifier page: expected nid %d, got %d", cursor.Nullifier, page[0].Nid)
		}

		if err := e.storage.PutEntryNullifiers(ctx, chain, page); err != nil {
			return total, err
		}
		for _, n := range page {
			if err := wv.ApplyNullifier(ctx, n); err != nil {
				return total, err
			}
		}

		cursor.Nullifier += uint64(len(page))
		if err := e.storage.PutSyncCursor(ctx, wv.wallet, chain, *cursor); err != nil {
			return total, err
		}
		total += len(page)

		if len(page) < e.pageSize {
			return total, nil
		}
	}
}

// fetchMemosRetried wraps a single page fetch in capped exponential
// backoff via github.com/cenkalti/backoff/v4, bounding each attempt by
// requestTimeout and the whole retry budget by ctx (caller signal) —
// the "caller signal ∪ timeout" cancellation rule.
func (e *SyncEngine) fetchMemosRetried(ctx context.Context, indexer EntryIndexer, chain ChainID, fromCid uint64) ([]EntryMemoRecord, error) {
	var page []EntryMemoRecord
	op := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, e.requestTimeout)
		defer cancel()
		var err error
		page, err = indexer.FetchMemos(reqCtx, chain, fromCid, e.pageSize)
		return err
	}
	if err := backoff.Retry(op, e.backoffPolicy(ctx)); err != nil {
		return nil, newErrf(KindSync, err, "fetch memo page")
	}
	return page, nil
}

func (e *SyncEngine) fetchNullifiersRetried(ctx context.Context, indexer EntryIndexer, chain ChainID, fromNid uint64) ([]EntryNullifierRecord, error) {
	var page []EntryNullifierRecord
	op := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, e.requestTimeout)
		defer cancel()
		var err error
		page, err = indexer.FetchNullifiers(reqCtx, chain, fromNid, e.pageSize)
		return err
	}
	if err := backoff.Retry(op, e.backoffPolicy(ctx)); err != nil {
		return nil, newErrf(KindSync, err, "fetch nullifier page")
	}
	return page, nil
}

func (e *SyncEngine) backoffPolicy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(e.retry.BaseDelayMs) * time.Millisecond
	b.MaxInterval = time.Duration(e.retry.MaxDelayMs) * time.Millisecond
	attempts := e.retry.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

func (e *SyncEngine) publish(ev Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}
