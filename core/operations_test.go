package core

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeRelayer struct {
	mu           sync.Mutex
	submitErr    error
	receipts     map[string]*TransactionReceipt
	receiptCalls int
	fee          *FeeConfig
	feeCalls     int
}

func (r *fakeRelayer) Submit(ctx context.Context, chain ChainID, req RelayerRequest) (string, error) {
	if r.submitErr != nil {
		return "", r.submitErr
	}
	return "relayer-tx-1", nil
}

func (r *fakeRelayer) TransactionReceipt(ctx context.Context, chain ChainID, relayerTxHash string) (*TransactionReceipt, error) {
	r.mu.Lock()
	r.receiptCalls++
	r.mu.Unlock()
	if rec, ok := r.receipts[relayerTxHash]; ok {
		return rec, nil
	}
	return &TransactionReceipt{Status: "pending"}, nil
}

func (r *fakeRelayer) FeeConfig(ctx context.Context, chain ChainID) (*FeeConfig, error) {
	r.mu.Lock()
	r.feeCalls++
	r.mu.Unlock()
	return r.fee, nil
}

func TestOperationManagerCreateSubmitConfirm(t *testing.T) {
	storage := NewMemoryStorage()
	relayer := &fakeRelayer{receipts: map[string]*TransactionReceipt{
		"relayer-tx-1": {Status: "confirmed", TxHash: "0xabc"},
	}}
	mgr := NewOperationManager(storage, map[ChainID]RelayerClient{"eth": relayer}, nil, 0, nil)

	op, err := mgr.Create(context.Background(), "alice", "eth", OpTransfer, "token1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if op.Status != StatusCreated {
		t.Fatalf("expected StatusCreated, got %v", op.Status)
	}

	if err := mgr.Submit(context.Background(), "alice", op, RelayerRequest{Type: OpTransfer, TokenID: "token1"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if op.Status != StatusSubmitted || op.RelayerTxHash != "relayer-tx-1" {
		t.Fatalf("expected submitted with relayer tx hash, got %+v", op)
	}

	if err := mgr.WaitForConfirmation(context.Background(), "alice", op, 5*time.Millisecond); err != nil {
		t.Fatalf("WaitForConfirmation: %v", err)
	}
	if op.Status != StatusConfirmed || op.TxHash != "0xabc" {
		t.Fatalf("expected confirmed with tx hash, got %+v", op)
	}

	stored, err := storage.GetOperation(context.Background(), "alice", op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if stored.Status != StatusConfirmed {
		t.Fatalf("expected persisted status confirmed, got %v", stored.Status)
	}
}

func TestOperationManagerSubmitFailureMarksFailed(t *testing.T) {
	storage := NewMemoryStorage()
	relayer := &fakeRelayer{submitErr: newErr(KindRelayer, "insufficient fee", nil)}
	mgr := NewOperationManager(storage, map[ChainID]RelayerClient{"eth": relayer}, nil, 0, nil)

	op, err := mgr.Create(context.Background(), "alice", "eth", OpWithdraw, "token1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mgr.Submit(context.Background(), "alice", op, RelayerRequest{}); err == nil {
		t.Fatalf("expected Submit to surface the relayer error")
	}
	if op.Status != StatusFailed {
		t.Fatalf("expected StatusFailed, got %v", op.Status)
	}
}

func TestOperationManagerFeeConfigCached(t *testing.T) {
	storage := NewMemoryStorage()
	relayer := &fakeRelayer{fee: &FeeConfig{ChainID: "eth", BaseFee: "100", RelayerFee: "10"}}
	mgr := NewOperationManager(storage, map[ChainID]RelayerClient{"eth": relayer}, nil, 0, nil)

	for i := 0; i < 3; i++ {
		if _, err := mgr.FeeConfig(context.Background(), "eth"); err != nil {
			t.Fatalf("FeeConfig: %v", err)
		}
	}
	if relayer.feeCalls != 1 {
		t.Fatalf("expected the relayer to be called exactly once within the cache TTL, got %d", relayer.feeCalls)
	}
}

func TestOperationManagerPruneKeepsInFlightAndRecentTerminal(t *testing.T) {
	storage := NewMemoryStorage()
	mgr := NewOperationManager(storage, nil, nil, 2, nil)
	ctx := context.Background()

	base := time.Now()
	ops := []OperationRecord{
		{ID: "old1", Status: StatusConfirmed, CreatedAt: base.Add(-3 * time.Hour)},
		{ID: "old2", Status: StatusFailed, CreatedAt: base.Add(-2 * time.Hour)},
		{ID: "recent", Status: StatusConfirmed, CreatedAt: base.Add(-1 * time.Hour)},
		{ID: "newest", Status: StatusConfirmed, CreatedAt: base},
		{ID: "in-flight", Status: StatusSubmitted, CreatedAt: base.Add(-4 * time.Hour)},
	}
	for _, op := range ops {
		if err := storage.PutOperation(ctx, "alice", op); err != nil {
			t.Fatalf("PutOperation: %v", err)
		}
	}

	deleted, err := mgr.Prune(ctx, "alice")
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deletions beyond the cap of 2 terminal ops, got %d", deleted)
	}

	remaining, err := storage.ListOperations(ctx, "alice")
	if err != nil {
		t.Fatalf("ListOperations: %v", err)
	}
	ids := map[string]bool{}
	for _, op := range remaining {
		ids[op.ID] = true
	}
	if !ids["in-flight"] {
		t.Fatalf("expected in-flight operation to survive pruning")
	}
	if !ids["recent"] || !ids["newest"] {
		t.Fatalf("expected the 2 newest terminal operations to survive, got %+v", remaining)
	}
	if ids["old1"] || ids["old2"] {
		t.Fatalf("expected the oldest terminal operations to be pruned, got %+v", remaining)
	}
}
