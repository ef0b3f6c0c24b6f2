package core

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/pebble/v2"
)

// Prefix scheme: wallet-scoped keys are "w:<wallet>:<chain>:<kind>:<id>"
// (operations, which are not chain-scoped, use "w:<wallet>:op:<id>"),
// chain-scoped keys are "c:<chain>:<kind>:<...>" — the same
// prefix-namespacing idea as containerman17-l1-data-tools's UTXO store
// (indexers/pcx/indexers/utxos/store.go), adapted from per-chain API
// schemas to per-wallet/per-chain scoping.
const (
	kvPrefixCursor   = "cursor"
	kvPrefixUtxo     = "utxo"
	kvPrefixOp       = "op"
	kvPrefixMemo     = "memo"
	kvPrefixNid      = "nid"
	kvPrefixTreeRoot = "root"
	kvPrefixNode     = "node"
)

// kvUtxoRecord mirrors fileUtxoRecord's decimal-string amount encoding
// for the pebble-backed adapter.
type kvUtxoRecord = fileUtxoRecord

// KVStorage is a StorageAdapter backed by github.com/cockroachdb/pebble/v2,
// a single embedded LSM store keyed by composite prefixes so wallet and
// chain data share one database file while staying logically isolated.
type KVStorage struct {
	db *pebble.DB
}

// NewKVStorage opens (creating if needed) a pebble database at path.
func NewKVStorage(path string) (*KVStorage, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, newErrf(KindStorage, err, "open pebble db")
	}
	return &KVStorage{db: db}, nil
}

func walletKey(wallet WalletID, chain ChainID, kind, id string) []byte {
	return []byte(strings.Join([]string{"w", string(wallet), string(chain), kind, id}, ":"))
}

func walletKeyNoChain(wallet WalletID, kind, id string) []byte {
	return []byte(strings.Join([]string{"w", string(wallet), kind, id}, ":"))
}

func chainKey(chain ChainID, kind string, seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return []byte(strings.Join([]string{"c", string(chain), kind, ""}, ":") + string(buf))
}

func chainKeyStr(chain ChainID, kind, id string) []byte {
	return []byte(strings.Join([]string{"c", string(chain), kind, id}, ":"))
}

func (s *KVStorage) getJSON(key []byte, v any) error {
	val, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return newErr(KindStorage, "not found", ErrNotFound)
	}
	if err != nil {
		return newErrf(KindStorage, err, "get")
	}
	defer closer.Close()
	return json.Unmarshal(val, v)
}

func (s *KVStorage) setJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return newErrf(KindStorage, err, "marshal")
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return newErrf(KindStorage, err, "set")
	}
	return nil
}

func (s *KVStorage) GetSyncCursor(_ context.Context, wallet WalletID, chain ChainID) (*SyncCursor, error) {
	var c SyncCursor
	if err := s.getJSON(walletKey(wallet, chain, kvPrefixCursor, ""), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *KVStorage) PutSyncCursor(_ context.Context, wallet WalletID, chain ChainID, cursor SyncCursor) error {
	return s.setJSON(walletKey(wallet, chain, kvPrefixCursor, ""), cursor)
}

func (s *KVStorage) GetUtxo(_ context.Context, wallet WalletID, chain ChainID, commitment string) (*UtxoRecord, error) {
	var f kvUtxoRecord
	if err := s.getJSON(walletKey(wallet, chain, kvPrefixUtxo, commitment), &f); err != nil {
		return nil, err
	}
	rec, err := fromFileUtxo(f)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *KVStorage) PutUtxo(ctx context.Context, wallet WalletID, rec UtxoRecord) error {
	key := walletKey(wallet, rec.Chain, kvPrefixUtxo, rec.Commitment)
	var existing kvUtxoRecord
	if err := s.getJSON(key, &existing); err == nil && existing.IsSpent {
		rec.IsSpent = true
	}
	return s.setJSON(key, toFileUtxo(rec))
}

func (s *KVStorage) ListUtxos(_ context.Context, wallet WalletID, chain ChainID) ([]UtxoRecord, error) {
	prefix := []byte(strings.Join([]string{"w", string(wallet), string(chain), kvPrefixUtxo, ""}, ":"))
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, newErrf(KindStorage, err, "new iter")
	}
	defer iter.Close()

	var out []UtxoRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var f kvUtxoRecord
		if err := json.Unmarshal(iter.Value(), &f); err != nil {
			continue
		}
		rec, err := fromFileUtxo(f)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *KVStorage) MarkSpent(ctx context.Context, wallet WalletID, chain ChainID, nullifier string) error {
	recs, err := s.ListUtxos(ctx, wallet, chain)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, rec := range recs {
		if rec.Nullifier != nullifier {
			continue
		}
		rec.IsSpent = true
		data, err := json.Marshal(toFileUtxo(rec))
		if err != nil {
			return newErrf(KindStorage, err, "marshal")
		}
		if err := batch.Set(walletKey(wallet, chain, kvPrefixUtxo, rec.Commitment), data, nil); err != nil {
			return newErrf(KindStorage, err, "batch set")
		}
	}
	return batch.Commit(pebble.Sync)
}

func (s *KVStorage) PutEntryMemos(_ context.Context, chain ChainID, recs []EntryMemoRecord) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, r := range recs {
		data, err := json.Marshal(r)
		if err != nil {
			return newErrf(KindStorage, err, "marshal")
		}
		if err := batch.Set(chainKey(chain, kvPrefixMemo, r.Cid), data, nil); err != nil {
			return newErrf(KindStorage, err, "batch set")
		}
	}
	return batch.Commit(pebble.Sync)
}

func (s *KVStorage) ListEntryMemosFrom(_ context.Context, chain ChainID, fromCid uint64, limit int) ([]EntryMemoRecord, error) {
	lower := chainKey(chain, kvPrefixMemo, fromCid)
	upper := []byte(strings.Join([]string{"c", string(chain), kvPrefixMemo, ""}, ":") + "\xff\xff\xff\xff\xff\xff\xff\xff")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, newErrf(KindStorage, err, "new iter")
	}
	defer iter.Close()

	var out []EntryMemoRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var r EntryMemoRecord
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *KVStorage) PutEntryNullifiers(_ context.Context, chain ChainID, recs []EntryNullifierRecord) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, r := range recs {
		data, err := json.Marshal(r)
		if err != nil {
			return newErrf(KindStorage, err, "marshal")
		}
		if err := batch.Set(chainKey(chain, kvPrefixNid, r.Nid), data, nil); err != nil {
			return newErrf(KindStorage, err, "batch set")
		}
	}
	return batch.Commit(pebble.Sync)
}

func (s *KVStorage) ListEntryNullifiersFrom(_ context.Context, chain ChainID, fromNid uint64, limit int) ([]EntryNullifierRecord, error) {
	lower := chainKey(chain, kvPrefixNid, fromNid)
	upper := []byte(strings.Join([]string{"c", string(chain), kvPrefixNid, ""}, ":") + "\xff\xff\xff\xff\xff\xff\xff\xff")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, newErrf(KindStorage, err, "new iter")
	}
	defer iter.Close()

	var out []EntryNullifierRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var r EntryNullifierRecord
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *KVStorage) GetMerkleTreeState(_ context.Context, chain ChainID) (*MerkleTreeState, error) {
	var st MerkleTreeState
	if err := s.getJSON(chainKeyStr(chain, kvPrefixTreeRoot, ""), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *KVStorage) PutMerkleTreeState(_ context.Context, state *MerkleTreeState) error {
	return s.setJSON(chainKeyStr(state.Chain, kvPrefixTreeRoot, ""), state)
}

func (s *KVStorage) GetMerkleFrontier(_ context.Context, chain ChainID) ([]MerkleNode, error) {
	prefix := []byte(strings.Join([]string{"c", string(chain), kvPrefixNode, "frontier-"}, ":"))
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, newErrf(KindStorage, err, "new iter")
	}
	defer iter.Close()

	var out []MerkleNode
	for iter.First(); iter.Valid(); iter.Next() {
		var n MerkleNode
		if err := json.Unmarshal(iter.Value(), &n); err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *KVStorage) GetMerkleNode(_ context.Context, chain ChainID, id string) (*MerkleNode, error) {
	var n MerkleNode
	if err := s.getJSON(chainKeyStr(chain, kvPrefixNode, id), &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *KVStorage) PutMerkleNodes(_ context.Context, chain ChainID, nodes []MerkleNode) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, n := range nodes {
		data, err := json.Marshal(n)
		if err != nil {
			return newErrf(KindStorage, err, "marshal")
		}
		if err := batch.Set(chainKeyStr(chain, kvPrefixNode, n.ID), data, nil); err != nil {
			return newErrf(KindStorage, err, "batch set")
		}
	}
	return batch.Commit(pebble.Sync)
}

func (s *KVStorage) PutOperation(_ context.Context, wallet WalletID, op OperationRecord) error {
	return s.setJSON(walletKeyNoChain(wallet, kvPrefixOp, op.ID), op)
}

func (s *KVStorage) GetOperation(_ context.Context, wallet WalletID, id string) (*OperationRecord, error) {
	var op OperationRecord
	if err := s.getJSON(walletKeyNoChain(wallet, kvPrefixOp, id), &op); err != nil {
		return nil, err
	}
	return &op, nil
}

func (s *KVStorage) ListOperations(_ context.Context, wallet WalletID) ([]OperationRecord, error) {
	prefix := []byte(strings.Join([]string{"w", string(wallet), kvPrefixOp, ""}, ":"))
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, newErrf(KindStorage, err, "new iter")
	}
	defer iter.Close()

	var out []OperationRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var op OperationRecord
		if err := json.Unmarshal(iter.Value(), &op); err != nil {
			continue
		}
		out = append(out, op)
	}
	return out, nil
}

func (s *KVStorage) DeleteOperation(_ context.Context, wallet WalletID, id string) error {
	if err := s.db.Delete(walletKeyNoChain(wallet, kvPrefixOp, id), pebble.Sync); err != nil {
		return newErrf(KindStorage, err, "delete")
	}
	return nil
}

func (s *KVStorage) Close() error {
	if err := s.db.Close(); err != nil {
		return newErrf(KindStorage, err, "close pebble db")
	}
	return nil
}

// prefixUpperBound returns the smallest key strictly greater than
// every key with the given prefix, the standard pebble idiom for
// bounding a prefix scan.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}
