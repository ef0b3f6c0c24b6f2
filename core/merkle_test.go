package core

import (
	"context"
	"math/big"
	"testing"
)

func newTestAccumulator(t *testing.T) (*MerkleAccumulator, StorageAdapter) {
	t.Helper()
	storage := NewMemoryStorage()
	acc, err := NewMerkleAccumulator(storage, NewPoseidonPrimitives(), nil, ModeLocal, nil)
	if err != nil {
		t.Fatalf("NewMerkleAccumulator: %v", err)
	}
	return acc, storage
}

func leafAt(cid uint64) MerkleLeaf {
	return MerkleLeaf{Chain: "eth", Cid: cid, Commitment: big.NewInt(int64(cid) + 1).Text(16)}
}

func fullSubtreeLeaves() []MerkleLeaf {
	leaves := make([]MerkleLeaf, 0, SubtreeSize)
	for i := uint64(0); i < SubtreeSize; i++ {
		leaves = append(leaves, leafAt(i))
	}
	return leaves
}

// Leaves below SubtreeSize never form a complete subtree, so they stay
// buffered in memory and ProofByCid has nothing committed to prove
// membership against yet — it must return a stub, not a verifiable
// proof, for every one of them.
func TestIngestLeavesAndVerifyProof(t *testing.T) {
	acc, _ := newTestAccumulator(t)
	ctx := context.Background()

	var leaves []MerkleLeaf
	for i := uint64(0); i < 5; i++ {
		leaves = append(leaves, leafAt(i))
	}
	if err := acc.IngestLeaves(ctx, "eth", leaves); err != nil {
		t.Fatalf("IngestLeaves: %v", err)
	}

	for i := uint64(0); i < 5; i++ {
		proof, err := acc.ProofByCid(ctx, "eth", i)
		if err != nil {
			t.Fatalf("ProofByCid(%d): %v", i, err)
		}
		if !proof.Stub {
			t.Fatalf("expected stub proof for uncommitted cid %d", i)
		}
		ok, err := proof.Verify(NewPoseidonPrimitives())
		if err != nil {
			t.Fatalf("Verify(%d): %v", i, err)
		}
		if ok {
			t.Fatalf("stub proof for cid %d must never verify", i)
		}
	}
}

func TestIngestLeavesFlushesEverySubtree(t *testing.T) {
	acc, storage := newTestAccumulator(t)
	ctx := context.Background()

	if err := acc.IngestLeaves(ctx, "eth", fullSubtreeLeaves()); err != nil {
		t.Fatalf("IngestLeaves: %v", err)
	}

	state, err := storage.GetMerkleTreeState(ctx, "eth")
	if err != nil {
		t.Fatalf("GetMerkleTreeState: %v", err)
	}
	if state.TotalElements != SubtreeSize {
		t.Fatalf("expected TotalElements=%d after one full subtree, got %d", SubtreeSize, state.TotalElements)
	}

	// A committed cid from that subtree now verifies.
	committed, err := acc.ProofByCid(ctx, "eth", 0)
	if err != nil {
		t.Fatalf("ProofByCid(0): %v", err)
	}
	if committed.Stub {
		t.Fatalf("expected a real proof for a committed cid")
	}
	ok, err := committed.Verify(NewPoseidonPrimitives())
	if err != nil {
		t.Fatalf("Verify(0): %v", err)
	}
	if !ok {
		t.Fatalf("proof for committed cid 0 failed to verify")
	}

	// A second, smaller batch is short of a full subtree: it must stay
	// buffered, leaving mergedElements (and the persisted TotalElements)
	// unchanged until another SubtreeSize leaves arrive.
	more := []MerkleLeaf{leafAt(SubtreeSize), leafAt(SubtreeSize + 1)}
	if err := acc.IngestLeaves(ctx, "eth", more); err != nil {
		t.Fatalf("IngestLeaves (second batch): %v", err)
	}
	state, err = storage.GetMerkleTreeState(ctx, "eth")
	if err != nil {
		t.Fatalf("GetMerkleTreeState: %v", err)
	}
	if state.TotalElements != SubtreeSize {
		t.Fatalf("expected TotalElements to stay at %d until the next subtree completes, got %d", SubtreeSize, state.TotalElements)
	}

	proof, err := acc.ProofByCid(ctx, "eth", SubtreeSize+1)
	if err != nil {
		t.Fatalf("ProofByCid: %v", err)
	}
	if !proof.Stub {
		t.Fatalf("expected a stub proof for a cid still buffered in the partial subtree")
	}
}

func TestIngestLeavesRejectsGap(t *testing.T) {
	acc, _ := newTestAccumulator(t)
	ctx := context.Background()

	leaves := []MerkleLeaf{leafAt(0), leafAt(2)} // skips cid 1
	err := acc.IngestLeaves(ctx, "eth", leaves)
	if err == nil {
		t.Fatalf("expected non-contiguous leaf to be rejected")
	}
	if !IsKind(err, KindMerkle) {
		t.Fatalf("expected KindMerkle error, got %v", err)
	}
}

func TestIngestLeavesRejectsStartingMidway(t *testing.T) {
	acc, _ := newTestAccumulator(t)
	ctx := context.Background()

	if err := acc.IngestLeaves(ctx, "eth", []MerkleLeaf{leafAt(1)}); err == nil {
		t.Fatalf("expected rejection when first leaf's cid is not 0")
	}
}

// Re-ingesting a cid already folded into the tree (or already buffered)
// is a harmless no-op, not a gap error.
func TestIngestLeavesSkipsAlreadySeenCids(t *testing.T) {
	acc, storage := newTestAccumulator(t)
	ctx := context.Background()

	if err := acc.IngestLeaves(ctx, "eth", fullSubtreeLeaves()); err != nil {
		t.Fatalf("IngestLeaves: %v", err)
	}
	// Re-deliver the same subtree plus the next leaf; cid 0..31 must be
	// skipped rather than rejected as a gap.
	redelivered := append(fullSubtreeLeaves(), leafAt(SubtreeSize))
	if err := acc.IngestLeaves(ctx, "eth", redelivered); err != nil {
		t.Fatalf("IngestLeaves (redelivered): %v", err)
	}
	state, err := storage.GetMerkleTreeState(ctx, "eth")
	if err != nil {
		t.Fatalf("GetMerkleTreeState: %v", err)
	}
	if state.TotalElements != SubtreeSize {
		t.Fatalf("expected TotalElements to remain %d, got %d", SubtreeSize, state.TotalElements)
	}
}

// In hybrid mode a gap doesn't hard-fail: leaves up to the gap are
// still accepted and the call returns nil, since the feed may simply be
// ahead of what this accumulator has locally reconciled.
func TestIngestLeavesToleratesGapInHybridMode(t *testing.T) {
	storage := NewMemoryStorage()
	acc, err := NewMerkleAccumulator(storage, NewPoseidonPrimitives(), nil, ModeHybrid, nil)
	if err != nil {
		t.Fatalf("NewMerkleAccumulator: %v", err)
	}
	ctx := context.Background()

	leaves := []MerkleLeaf{leafAt(0), leafAt(5)} // gap at cids 1..4
	if err := acc.IngestLeaves(ctx, "eth", leaves); err != nil {
		t.Fatalf("expected hybrid mode to tolerate a gap, got %v", err)
	}
}

// A cid whose subtree hasn't been committed yet has no proof anywhere —
// ProofByCid returns a stub directly, with no error.
func TestProofByCidForUncommittedCidIsStub(t *testing.T) {
	acc, _ := newTestAccumulator(t)
	ctx := context.Background()

	if err := acc.IngestLeaves(ctx, "eth", []MerkleLeaf{leafAt(0)}); err != nil {
		t.Fatalf("IngestLeaves: %v", err)
	}
	proof, err := acc.ProofByCid(ctx, "eth", 5)
	if err != nil {
		t.Fatalf("ProofByCid: %v", err)
	}
	if !proof.Stub {
		t.Fatalf("expected a stub proof for an uncommitted cid, got a real one")
	}
}

// corruptingStorage wraps MemoryStorage and fails GetMerkleNode for one
// chosen node id, simulating local data loss for an otherwise-committed
// leaf so hybrid mode's remote fallback path can be exercised.
type corruptingStorage struct {
	*MemoryStorage
	failNodeID string
}

func (s *corruptingStorage) GetMerkleNode(ctx context.Context, chain ChainID, id string) (*MerkleNode, error) {
	if id == s.failNodeID {
		return nil, newErr(KindStorage, "simulated corruption", ErrNotFound)
	}
	return s.MemoryStorage.GetMerkleNode(ctx, chain, id)
}

func TestHybridModeFallsBackToRemote(t *testing.T) {
	base := NewMemoryStorage()
	storage := &corruptingStorage{MemoryStorage: base, failNodeID: levelNodeID(0, 0)}

	remoteCalled := false
	fetcher := merkleProofFetcherFunc(func(ctx context.Context, chain ChainID, cid uint64) (*MerkleProof, error) {
		remoteCalled = true
		return &MerkleProof{Chain: chain, Cid: cid, Leaf: big.NewInt(1), Root: big.NewInt(1)}, nil
	})
	acc, err := NewMerkleAccumulator(storage, NewPoseidonPrimitives(), fetcher, ModeHybrid, nil)
	if err != nil {
		t.Fatalf("NewMerkleAccumulator: %v", err)
	}
	ctx := context.Background()

	if err := acc.IngestLeaves(ctx, "eth", fullSubtreeLeaves()); err != nil {
		t.Fatalf("IngestLeaves: %v", err)
	}

	if _, err := acc.ProofByCid(ctx, "eth", 0); err != nil {
		t.Fatalf("ProofByCid: %v", err)
	}
	if !remoteCalled {
		t.Fatalf("expected hybrid mode to fall back to the remote fetcher when a committed leaf's node is unreadable")
	}
}

type merkleProofFetcherFunc func(ctx context.Context, chain ChainID, cid uint64) (*MerkleProof, error)

func (f merkleProofFetcherFunc) FetchProof(ctx context.Context, chain ChainID, cid uint64) (*MerkleProof, error) {
	return f(ctx, chain, cid)
}

func TestMerkleProofVerifyRejectsTamperedRoot(t *testing.T) {
	acc, _ := newTestAccumulator(t)
	ctx := context.Background()
	if err := acc.IngestLeaves(ctx, "eth", fullSubtreeLeaves()); err != nil {
		t.Fatalf("IngestLeaves: %v", err)
	}
	proof, err := acc.ProofByCid(ctx, "eth", 0)
	if err != nil {
		t.Fatalf("ProofByCid: %v", err)
	}
	if proof.Stub {
		t.Fatalf("expected a real proof for a committed cid")
	}
	proof.Root = new(big.Int).Add(proof.Root, big.NewInt(1))
	ok, err := proof.Verify(NewPoseidonPrimitives())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatalf("expected tampered root to fail verification")
	}
}
