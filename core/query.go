package core

import (
	"context"
	"math/big"
	"sort"
)

// QueryEngine applies the uniform filter/sort/paginate contract
// over a single wallet's UTXOs and operations. It holds no state of
// its own beyond the StorageAdapter it reads from.
type QueryEngine struct {
	storage StorageAdapter
}

// NewQueryEngine wraps storage with filter/sort/paginate helpers.
func NewQueryEngine(storage StorageAdapter) *QueryEngine {
	return &QueryEngine{storage: storage}
}

// Utxos returns wallet's UTXOs on f.Chain narrowed and ordered by f.
func (q *QueryEngine) Utxos(ctx context.Context, wallet WalletID, f UtxoFilter) ([]UtxoRecord, error) {
	all, err := q.storage.ListUtxos(ctx, wallet, f.Chain)
	if err != nil {
		return nil, err
	}

	out := all[:0:0]
	for _, rec := range all {
		if f.AssetID != "" && rec.AssetID != f.AssetID {
			continue
		}
		if f.IsSpent != nil && rec.IsSpent != *f.IsSpent {
			continue
		}
		if f.IsFrozen != nil && rec.IsFrozen != *f.IsFrozen {
			continue
		}
		if f.MinAmount != nil && rec.Amount != nil && rec.Amount.Cmp(big.NewInt(*f.MinAmount)) < 0 {
			continue
		}
		out = append(out, rec)
	}

	sortUtxos(out, f.SortBy, f.SortOrder)
	return paginateUtxos(out, f.Offset, f.Limit), nil
}

func sortUtxos(recs []UtxoRecord, sortBy string, order SortOrder) {
	if order == SortNone || sortBy == "" {
		return
	}
	less := func(i, j int) bool {
		switch sortBy {
		case "amount":
			ai, aj := recs[i].Amount, recs[j].Amount
			if ai == nil || aj == nil {
				return false
			}
			return ai.Cmp(aj) < 0
		case "createdAt":
			ci, cj := recs[i].CreatedAt, recs[j].CreatedAt
			if ci == nil || cj == nil {
				return false
			}
			return ci.Before(*cj)
		default:
			return false
		}
	}
	if order == SortDescending {
		sort.SliceStable(recs, func(i, j int) bool { return less(j, i) })
	} else {
		sort.SliceStable(recs, less)
	}
}

func paginateUtxos(recs []UtxoRecord, offset, limit int) []UtxoRecord {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(recs) {
		return []UtxoRecord{}
	}
	recs = recs[offset:]
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs
}

// Operations returns wallet's operations narrowed and ordered by f.
func (q *QueryEngine) Operations(ctx context.Context, wallet WalletID, f OperationFilter) ([]OperationRecord, error) {
	all, err := q.storage.ListOperations(ctx, wallet)
	if err != nil {
		return nil, err
	}

	out := all[:0:0]
	for _, op := range all {
		if f.ChainID != "" && op.ChainID != f.ChainID {
			continue
		}
		if f.Type != "" && op.Type != f.Type {
			continue
		}
		if f.Status != "" && op.Status != f.Status {
			continue
		}
		out = append(out, op)
	}

	if f.SortOrder == SortDescending {
		sort.SliceStable(out, func(i, j int) bool { return out[j].CreatedAt.Before(out[i].CreatedAt) })
	} else if f.SortOrder == SortAscending {
		sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	}

	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(out) {
		return []OperationRecord{}, nil
	}
	out = out[offset:]
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}
