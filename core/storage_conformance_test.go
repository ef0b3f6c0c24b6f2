package core

import (
	"context"
	"math/big"
	"testing"
	"time"
)

// conformanceStorage exercises the behavior every StorageAdapter
// implementation must share: wallet isolation and IsSpent monotonicity
//. Each backend's own _test.go file calls this against its
// constructor so the contract is checked once per adapter rather than
// duplicated by hand.
func conformanceStorage(t *testing.T, s StorageAdapter) {
	t.Helper()
	ctx := context.Background()

	t.Run("wallet isolation", func(t *testing.T) {
		rec := UtxoRecord{Chain: "eth", Commitment: "aa", AssetID: "pool1", Amount: big.NewInt(10)}
		if err := s.PutUtxo(ctx, "alice", rec); err != nil {
			t.Fatalf("PutUtxo(alice): %v", err)
		}
		if _, err := s.GetUtxo(ctx, "bob", "eth", "aa"); !isNotFound(err) {
			t.Fatalf("expected bob's view to be isolated from alice's utxo, got err=%v", err)
		}
		got, err := s.GetUtxo(ctx, "alice", "eth", "aa")
		if err != nil {
			t.Fatalf("GetUtxo(alice): %v", err)
		}
		if got.AssetID != "pool1" {
			t.Fatalf("expected pool1, got %q", got.AssetID)
		}
	})

	t.Run("spent monotonicity", func(t *testing.T) {
		rec := UtxoRecord{Chain: "eth", Commitment: "bb", Nullifier: "nb", Amount: big.NewInt(5)}
		if err := s.PutUtxo(ctx, "carol", rec); err != nil {
			t.Fatalf("PutUtxo: %v", err)
		}
		if err := s.MarkSpent(ctx, "carol", "eth", "nb"); err != nil {
			t.Fatalf("MarkSpent: %v", err)
		}
		spent, err := s.GetUtxo(ctx, "carol", "eth", "bb")
		if err != nil {
			t.Fatalf("GetUtxo: %v", err)
		}
		if !spent.IsSpent {
			t.Fatalf("expected IsSpent=true after MarkSpent")
		}

		// A later write that doesn't know about the spend must not
		// resurrect the UTXO as unspent.
		rec.IsSpent = false
		if err := s.PutUtxo(ctx, "carol", rec); err != nil {
			t.Fatalf("PutUtxo (resync): %v", err)
		}
		stillSpent, err := s.GetUtxo(ctx, "carol", "eth", "bb")
		if err != nil {
			t.Fatalf("GetUtxo: %v", err)
		}
		if !stillSpent.IsSpent {
			t.Fatalf("expected IsSpent to remain true across a stale resync write")
		}
	})

	t.Run("sync cursor round trip", func(t *testing.T) {
		cursor := SyncCursor{Memo: 64, Nullifier: 3, Merkle: DeriveMerkle(64, SubtreeSize)}
		if err := s.PutSyncCursor(ctx, "dave", "eth", cursor); err != nil {
			t.Fatalf("PutSyncCursor: %v", err)
		}
		got, err := s.GetSyncCursor(ctx, "dave", "eth")
		if err != nil {
			t.Fatalf("GetSyncCursor: %v", err)
		}
		if *got != cursor {
			t.Fatalf("got %+v, want %+v", *got, cursor)
		}
		if _, err := s.GetSyncCursor(ctx, "erin", "eth"); !isNotFound(err) {
			t.Fatalf("expected erin to have no cursor, got %v", err)
		}
	})

	t.Run("operation lifecycle", func(t *testing.T) {
		op := OperationRecord{ID: "op1", Type: OpTransfer, ChainID: "eth", Status: StatusCreated, CreatedAt: time.Now()}
		if err := s.PutOperation(ctx, "frank", op); err != nil {
			t.Fatalf("PutOperation: %v", err)
		}
		op.Status = StatusConfirmed
		if err := s.PutOperation(ctx, "frank", op); err != nil {
			t.Fatalf("PutOperation (update): %v", err)
		}
		got, err := s.GetOperation(ctx, "frank", "op1")
		if err != nil {
			t.Fatalf("GetOperation: %v", err)
		}
		if got.Status != StatusConfirmed {
			t.Fatalf("expected status confirmed, got %v", got.Status)
		}
		if err := s.DeleteOperation(ctx, "frank", "op1"); err != nil {
			t.Fatalf("DeleteOperation: %v", err)
		}
		if _, err := s.GetOperation(ctx, "frank", "op1"); !isNotFound(err) {
			t.Fatalf("expected operation to be gone after delete, got %v", err)
		}
	})

	t.Run("entry feeds are chain scoped not wallet scoped", func(t *testing.T) {
		memos := []EntryMemoRecord{{Chain: "eth", Cid: 0, Commitment: "cc"}, {Chain: "eth", Cid: 1, Commitment: "dd"}}
		if err := s.PutEntryMemos(ctx, "eth", memos); err != nil {
			t.Fatalf("PutEntryMemos: %v", err)
		}
		got, err := s.ListEntryMemosFrom(ctx, "eth", 1, 10)
		if err != nil {
			t.Fatalf("ListEntryMemosFrom: %v", err)
		}
		if len(got) != 1 || got[0].Cid != 1 {
			t.Fatalf("expected 1 memo starting at cid 1, got %+v", got)
		}
	})

	t.Run("merkle node and frontier persistence", func(t *testing.T) {
		nodes := []MerkleNode{
			{Chain: "eth", ID: frontierNodeID(0), Level: 0, Hash: "1"},
			{Chain: "eth", ID: levelNodeID(0, 0), Level: 0, Position: 0, Hash: "1"},
		}
		if err := s.PutMerkleNodes(ctx, "eth", nodes); err != nil {
			t.Fatalf("PutMerkleNodes: %v", err)
		}
		n, err := s.GetMerkleNode(ctx, "eth", levelNodeID(0, 0))
		if err != nil {
			t.Fatalf("GetMerkleNode: %v", err)
		}
		if n.Hash != "1" {
			t.Fatalf("expected hash 1, got %q", n.Hash)
		}
		frontier, err := s.GetMerkleFrontier(ctx, "eth")
		if err != nil {
			t.Fatalf("GetMerkleFrontier: %v", err)
		}
		if len(frontier) != 1 {
			t.Fatalf("expected exactly 1 frontier node, got %d", len(frontier))
		}

		state := MerkleTreeState{Chain: "eth", Root: "ff", TotalElements: 1, LastUpdated: time.Now()}
		if err := s.PutMerkleTreeState(ctx, &state); err != nil {
			t.Fatalf("PutMerkleTreeState: %v", err)
		}
		got, err := s.GetMerkleTreeState(ctx, "eth")
		if err != nil {
			t.Fatalf("GetMerkleTreeState: %v", err)
		}
		if got.Root != "ff" || got.TotalElements != 1 {
			t.Fatalf("unexpected tree state: %+v", got)
		}
	})
}
