package core

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"
)

// fileUtxoRecord is UtxoRecord's on-disk shape: Amount is a decimal
// string (encodeAmount/decodeAmount) rather than json.Marshal's
// default big.Int rendering, matching the wire convention every
// adapter shares.
type fileUtxoRecord struct {
	Chain      ChainID `json:"chain"`
	Commitment string  `json:"commitment"`
	AssetID    string  `json:"assetId"`
	Amount     string  `json:"amount"`
	Nullifier  string  `json:"nullifier"`
	MkIndex    uint64  `json:"mkIndex"`
	IsFrozen   bool    `json:"isFrozen"`
	IsSpent    bool    `json:"isSpent"`
	Memo       []byte  `json:"memo"`
	CreatedAt  *int64  `json:"createdAt,omitempty"`
}

// walletFile is the full contents of one wallet's JSON document: UTXOs
// and operations and cursors keyed by chain, treating the whole value
// as one JSON document per wallet rather than one file per record.
type walletFile struct {
	Cursors map[ChainID]SyncCursor              `json:"cursors"`
	Utxos   map[ChainID]map[string]fileUtxoRecord `json:"utxos"`
	Ops     map[string]OperationRecord           `json:"ops"`
}

// chainFile is the shared, chain-scoped document: entry cache and
// Merkle state, readable by every wallet tracking that chain.
type chainFile struct {
	Memos      []EntryMemoRecord      `json:"memos"`
	Nullifiers []EntryNullifierRecord `json:"nullifiers"`
	TreeState  *MerkleTreeState       `json:"treeState,omitempty"`
	Nodes      map[string]MerkleNode  `json:"nodes"`
}

// FileStorage is a StorageAdapter that keeps one JSON document per
// wallet and one per chain under baseDir, written via write-to-temp
// then rename so a crash mid-write never corrupts the previous good
// version, and guarded by a gofrs/flock file lock so multiple
// processes sharing baseDir don't race each other.
type FileStorage struct {
	baseDir string
	mu      sync.Mutex
	lock    *flock.Flock
}

// NewFileStorage opens (creating if needed) a file-backed store rooted
// at baseDir.
func NewFileStorage(baseDir string) (*FileStorage, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, newErrf(KindStorage, err, "create base dir")
	}
	if err := os.MkdirAll(filepath.Join(baseDir, "wallets"), 0o755); err != nil {
		return nil, newErrf(KindStorage, err, "create wallets dir")
	}
	if err := os.MkdirAll(filepath.Join(baseDir, "chains"), 0o755); err != nil {
		return nil, newErrf(KindStorage, err, "create chains dir")
	}
	lock := flock.New(filepath.Join(baseDir, ".lock"))
	return &FileStorage{baseDir: baseDir, lock: lock}, nil
}

func (s *FileStorage) walletPath(wallet WalletID) string {
	return filepath.Join(s.baseDir, "wallets", string(wallet)+".json")
}

func (s *FileStorage) chainPath(chain ChainID) string {
	return filepath.Join(s.baseDir, "chains", string(chain)+".json")
}

func writeAtomic(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return newErrf(KindStorage, err, "marshal")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return newErrf(KindStorage, err, "write temp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return newErrf(KindStorage, err, "rename into place")
	}
	return nil
}

func readOrEmpty[T any](path string, zero *T) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return newErrf(KindStorage, err, "read file")
	}
	return json.Unmarshal(raw, zero)
}

func (s *FileStorage) loadWallet(wallet WalletID) (*walletFile, error) {
	wf := &walletFile{
		Cursors: make(map[ChainID]SyncCursor),
		Utxos:   make(map[ChainID]map[string]fileUtxoRecord),
		Ops:     make(map[string]OperationRecord),
	}
	if err := readOrEmpty(s.walletPath(wallet), wf); err != nil {
		return nil, err
	}
	if wf.Cursors == nil {
		wf.Cursors = make(map[ChainID]SyncCursor)
	}
	if wf.Utxos == nil {
		wf.Utxos = make(map[ChainID]map[string]fileUtxoRecord)
	}
	if wf.Ops == nil {
		wf.Ops = make(map[string]OperationRecord)
	}
	return wf, nil
}

func (s *FileStorage) loadChain(chain ChainID) (*chainFile, error) {
	cf := &chainFile{Nodes: make(map[string]MerkleNode)}
	if err := readOrEmpty(s.chainPath(chain), cf); err != nil {
		return nil, err
	}
	if cf.Nodes == nil {
		cf.Nodes = make(map[string]MerkleNode)
	}
	return cf, nil
}

func (s *FileStorage) withWallet(wallet WalletID, fn func(*walletFile) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.Lock(); err != nil {
		return newErrf(KindStorage, err, "acquire lock")
	}
	defer s.lock.Unlock()

	wf, err := s.loadWallet(wallet)
	if err != nil {
		return err
	}
	if err := fn(wf); err != nil {
		return err
	}
	return writeAtomic(s.walletPath(wallet), wf)
}

func (s *FileStorage) withChain(chain ChainID, fn func(*chainFile) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.Lock(); err != nil {
		return newErrf(KindStorage, err, "acquire lock")
	}
	defer s.lock.Unlock()

	cf, err := s.loadChain(chain)
	if err != nil {
		return err
	}
	if err := fn(cf); err != nil {
		return err
	}
	return writeAtomic(s.chainPath(chain), cf)
}

func toFileUtxo(rec UtxoRecord) fileUtxoRecord {
	var ts *int64
	if rec.CreatedAt != nil {
		unix := rec.CreatedAt.Unix()
		ts = &unix
	}
	return fileUtxoRecord{
		Chain: rec.Chain, Commitment: rec.Commitment, AssetID: rec.AssetID,
		Amount: encodeAmount(rec.Amount), Nullifier: rec.Nullifier, MkIndex: rec.MkIndex,
		IsFrozen: rec.IsFrozen, IsSpent: rec.IsSpent, Memo: rec.Memo, CreatedAt: ts,
	}
}

func fromFileUtxo(f fileUtxoRecord) (UtxoRecord, error) {
	amt, err := decodeAmount(f.Amount)
	if err != nil {
		return UtxoRecord{}, err
	}
	rec := UtxoRecord{
		Chain: f.Chain, Commitment: f.Commitment, AssetID: f.AssetID, Amount: amt,
		Nullifier: f.Nullifier, MkIndex: f.MkIndex, IsFrozen: f.IsFrozen, IsSpent: f.IsSpent, Memo: f.Memo,
	}
	if f.CreatedAt != nil {
		t := unixTime(*f.CreatedAt)
		rec.CreatedAt = &t
	}
	return rec, nil
}

func (s *FileStorage) GetSyncCursor(_ context.Context, wallet WalletID, chain ChainID) (*SyncCursor, error) {
	s.mu.Lock()
	wf, err := s.loadWallet(wallet)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c, ok := wf.Cursors[chain]
	if !ok {
		return nil, newErr(KindStorage, "cursor not found", ErrNotFound)
	}
	return &c, nil
}

func (s *FileStorage) PutSyncCursor(_ context.Context, wallet WalletID, chain ChainID, cursor SyncCursor) error {
	return s.withWallet(wallet, func(wf *walletFile) error {
		wf.Cursors[chain] = cursor
		return nil
	})
}

func (s *FileStorage) GetUtxo(_ context.Context, wallet WalletID, chain ChainID, commitment string) (*UtxoRecord, error) {
	s.mu.Lock()
	wf, err := s.loadWallet(wallet)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	byCommit, ok := wf.Utxos[chain]
	if !ok {
		return nil, newErr(KindStorage, "utxo not found", ErrNotFound)
	}
	f, ok := byCommit[commitment]
	if !ok {
		return nil, newErr(KindStorage, "utxo not found", ErrNotFound)
	}
	rec, err := fromFileUtxo(f)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *FileStorage) PutUtxo(_ context.Context, wallet WalletID, rec UtxoRecord) error {
	return s.withWallet(wallet, func(wf *walletFile) error {
		byCommit, ok := wf.Utxos[rec.Chain]
		if !ok {
			byCommit = make(map[string]fileUtxoRecord)
			wf.Utxos[rec.Chain] = byCommit
		}
		if existing, ok := byCommit[rec.Commitment]; ok && existing.IsSpent {
			rec.IsSpent = true
		}
		byCommit[rec.Commitment] = toFileUtxo(rec)
		return nil
	})
}

func (s *FileStorage) ListUtxos(_ context.Context, wallet WalletID, chain ChainID) ([]UtxoRecord, error) {
	s.mu.Lock()
	wf, err := s.loadWallet(wallet)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	byCommit := wf.Utxos[chain]
	out := make([]UtxoRecord, 0, len(byCommit))
	for _, f := range byCommit {
		rec, err := fromFileUtxo(f)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Commitment < out[j].Commitment })
	return out, nil
}

func (s *FileStorage) MarkSpent(_ context.Context, wallet WalletID, chain ChainID, nullifier string) error {
	return s.withWallet(wallet, func(wf *walletFile) error {
		byCommit, ok := wf.Utxos[chain]
		if !ok {
			return nil
		}
		for commit, f := range byCommit {
			if f.Nullifier == nullifier {
				f.IsSpent = true
				byCommit[commit] = f
			}
		}
		return nil
	})
}

func (s *FileStorage) PutEntryMemos(_ context.Context, chain ChainID, recs []EntryMemoRecord) error {
	return s.withChain(chain, func(cf *chainFile) error {
		cf.Memos = append(cf.Memos, recs...)
		return nil
	})
}

func (s *FileStorage) ListEntryMemosFrom(_ context.Context, chain ChainID, fromCid uint64, limit int) ([]EntryMemoRecord, error) {
	s.mu.Lock()
	cf, err := s.loadChain(chain)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var out []EntryMemoRecord
	for _, r := range cf.Memos {
		if r.Cid >= fromCid {
			out = append(out, r)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *FileStorage) PutEntryNullifiers(_ context.Context, chain ChainID, recs []EntryNullifierRecord) error {
	return s.withChain(chain, func(cf *chainFile) error {
		cf.Nullifiers = append(cf.Nullifiers, recs...)
		return nil
	})
}

func (s *FileStorage) ListEntryNullifiersFrom(_ context.Context, chain ChainID, fromNid uint64, limit int) ([]EntryNullifierRecord, error) {
	s.mu.Lock()
	cf, err := s.loadChain(chain)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var out []EntryNullifierRecord
	for _, r := range cf.Nullifiers {
		if r.Nid >= fromNid {
			out = append(out, r)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *FileStorage) GetMerkleTreeState(_ context.Context, chain ChainID) (*MerkleTreeState, error) {
	s.mu.Lock()
	cf, err := s.loadChain(chain)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if cf.TreeState == nil {
		return nil, newErr(KindStorage, "tree state not found", ErrNotFound)
	}
	return cf.TreeState, nil
}

func (s *FileStorage) PutMerkleTreeState(_ context.Context, state *MerkleTreeState) error {
	return s.withChain(state.Chain, func(cf *chainFile) error {
		cp := *state
		cf.TreeState = &cp
		return nil
	})
}

func (s *FileStorage) GetMerkleFrontier(_ context.Context, chain ChainID) ([]MerkleNode, error) {
	s.mu.Lock()
	cf, err := s.loadChain(chain)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var out []MerkleNode
	for id, n := range cf.Nodes {
		if len(id) >= 9 && id[:9] == "frontier-" {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *FileStorage) GetMerkleNode(_ context.Context, chain ChainID, id string) (*MerkleNode, error) {
	s.mu.Lock()
	cf, err := s.loadChain(chain)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	n, ok := cf.Nodes[id]
	if !ok {
		return nil, newErr(KindStorage, "node not found", ErrNotFound)
	}
	return &n, nil
}

func (s *FileStorage) PutMerkleNodes(_ context.Context, chain ChainID, nodes []MerkleNode) error {
	return s.withChain(chain, func(cf *chainFile) error {
		for _, n := range nodes {
			cf.Nodes[n.ID] = n
		}
		return nil
	})
}

func (s *FileStorage) PutOperation(_ context.Context, wallet WalletID, op OperationRecord) error {
	return s.withWallet(wallet, func(wf *walletFile) error {
		wf.Ops[op.ID] = op
		return nil
	})
}

func (s *FileStorage) GetOperation(_ context.Context, wallet WalletID, id string) (*OperationRecord, error) {
	s.mu.Lock()
	wf, err := s.loadWallet(wallet)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	op, ok := wf.Ops[id]
	if !ok {
		return nil, newErr(KindStorage, "operation not found", ErrNotFound)
	}
	return &op, nil
}

func (s *FileStorage) ListOperations(_ context.Context, wallet WalletID) ([]OperationRecord, error) {
	s.mu.Lock()
	wf, err := s.loadWallet(wallet)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]OperationRecord, 0, len(wf.Ops))
	for _, op := range wf.Ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *FileStorage) DeleteOperation(_ context.Context, wallet WalletID, id string) error {
	return s.withWallet(wallet, func(wf *walletFile) error {
		delete(wf.Ops, id)
		return nil
	})
}

func (s *FileStorage) Close() error { return nil }
