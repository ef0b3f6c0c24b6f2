package core

import (
	"context"
	"math/big"
)

// encodeAmount renders a *big.Int the way every on-disk/over-the-wire
// StorageAdapter encodes it: a plain decimal string, never a bare JSON
// number, so values exceeding float64/int64 precision survive
// round-trips.
func encodeAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// decodeAmount is the inverse of encodeAmount.
func decodeAmount(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, newErr(KindStorage, "malformed amount", nil)
	}
	return v, nil
}

// WalletID identifies a wallet within a StorageAdapter. Storage
// adapters must keep every wallet-scoped method fully isolated by this
// key: two wallets never observe each other's UTXOs or
// operations even when backed by the same adapter instance.
type WalletID string

// StorageAdapter is the pluggable persistence capability.
// Every method that takes a WalletID is wallet-scoped; every method
// that takes only a ChainID is chain-scoped and shared across wallets
// tracking the same chain (the entry cache and the Merkle accumulator
// state, both derived purely from public on-chain data).
//
// Implementations: in-memory (storage_memory.go), file-backed
// (storage_file.go), an embedded key-value store
// (storage_kv.go), an embedded SQL store (storage_sql.go), and a
// browser-indexed store built only for js/wasm (storage_browser.go).
type StorageAdapter interface {
	// Sync cursor.
	GetSyncCursor(ctx context.Context, wallet WalletID, chain ChainID) (*SyncCursor, error)
	PutSyncCursor(ctx context.Context, wallet WalletID, chain ChainID, cursor SyncCursor) error

	// UTXOs.
	GetUtxo(ctx context.Context, wallet WalletID, chain ChainID, commitment string) (*UtxoRecord, error)
	PutUtxo(ctx context.Context, wallet WalletID, rec UtxoRecord) error
	ListUtxos(ctx context.Context, wallet WalletID, chain ChainID) ([]UtxoRecord, error)
	MarkSpent(ctx context.Context, wallet WalletID, chain ChainID, nullifier string) error

	// Entry cache, chain-scoped.
	PutEntryMemos(ctx context.Context, chain ChainID, recs []EntryMemoRecord) error
	ListEntryMemosFrom(ctx context.Context, chain ChainID, fromCid uint64, limit int) ([]EntryMemoRecord, error)
	PutEntryNullifiers(ctx context.Context, chain ChainID, recs []EntryNullifierRecord) error
	ListEntryNullifiersFrom(ctx context.Context, chain ChainID, fromNid uint64, limit int) ([]EntryNullifierRecord, error)

	// Merkle accumulator state, chain-scoped.
	GetMerkleTreeState(ctx context.Context, chain ChainID) (*MerkleTreeState, error)
	PutMerkleTreeState(ctx context.Context, state *MerkleTreeState) error
	GetMerkleFrontier(ctx context.Context, chain ChainID) ([]MerkleNode, error)
	GetMerkleNode(ctx context.Context, chain ChainID, id string) (*MerkleNode, error)
	PutMerkleNodes(ctx context.Context, chain ChainID, nodes []MerkleNode) error

	// Operations, wallet-scoped.
	PutOperation(ctx context.Context, wallet WalletID, op OperationRecord) error
	GetOperation(ctx context.Context, wallet WalletID, id string) (*OperationRecord, error)
	ListOperations(ctx context.Context, wallet WalletID) ([]OperationRecord, error)
	DeleteOperation(ctx context.Context, wallet WalletID, id string) error

	// Close releases any held resources (file handles, connections).
	Close() error
}

// SortOrder is the QueryEngine sort direction.
type SortOrder int

const (
	SortNone SortOrder = iota
	SortAscending
	SortDescending
)

// UtxoFilter narrows ListUtxos results in the QueryEngine.
// Zero-valued fields are not applied.
type UtxoFilter struct {
	Chain      ChainID
	AssetID    string
	IsSpent    *bool
	IsFrozen   *bool
	MinAmount  *int64
	SortBy     string // "amount" | "createdAt" | ""
	SortOrder  SortOrder
	Offset     int
	Limit      int // 0 means unbounded
}

// OperationFilter narrows ListOperations results.
type OperationFilter struct {
	ChainID   ChainID
	Type      OperationType
	Status    OperationStatus
	SortOrder SortOrder
	Offset    int
	Limit     int
}
