package core

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// sqlSchema follows iden3-go-merkletree-sql's db/sql storage in shape:
// a handful of flat tables keyed by the natural identifier, upserted
// with "INSERT ... ON CONFLICT DO UPDATE" (db/sql/sql.go's upsertStmt)
// rather than a read-modify-write round trip.
const sqlSchema = `
CREATE TABLE IF NOT EXISTS sync_cursors (
	wallet TEXT NOT NULL, chain TEXT NOT NULL,
	memo INTEGER NOT NULL, nullifier INTEGER NOT NULL, merkle INTEGER NOT NULL,
	PRIMARY KEY (wallet, chain)
);
CREATE TABLE IF NOT EXISTS utxos (
	wallet TEXT NOT NULL, chain TEXT NOT NULL, commitment TEXT NOT NULL,
	asset_id TEXT NOT NULL, amount TEXT NOT NULL, nullifier TEXT NOT NULL,
	mk_index INTEGER NOT NULL, is_frozen INTEGER NOT NULL, is_spent INTEGER NOT NULL,
	memo BLOB, created_at INTEGER,
	PRIMARY KEY (wallet, chain, commitment)
);
CREATE TABLE IF NOT EXISTS operations (
	wallet TEXT NOT NULL, id TEXT NOT NULL, type TEXT NOT NULL, created_at INTEGER NOT NULL,
	chain TEXT NOT NULL, token_id TEXT NOT NULL, status TEXT NOT NULL, request_url TEXT,
	relayer_tx_hash TEXT, tx_hash TEXT, detail TEXT, error TEXT,
	PRIMARY KEY (wallet, id)
);
CREATE TABLE IF NOT EXISTS entry_memos (
	chain TEXT NOT NULL, cid INTEGER NOT NULL, commitment TEXT NOT NULL, memo BLOB, created_at INTEGER,
	PRIMARY KEY (chain, cid)
);
CREATE TABLE IF NOT EXISTS entry_nullifiers (
	chain TEXT NOT NULL, nid INTEGER NOT NULL, nullifier TEXT NOT NULL, created_at INTEGER,
	PRIMARY KEY (chain, nid)
);
CREATE TABLE IF NOT EXISTS merkle_tree_state (
	chain TEXT NOT NULL PRIMARY KEY, root TEXT NOT NULL, total_elements INTEGER NOT NULL, last_updated INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS merkle_nodes (
	chain TEXT NOT NULL, id TEXT NOT NULL, level INTEGER NOT NULL, position INTEGER NOT NULL, hash TEXT NOT NULL,
	PRIMARY KEY (chain, id)
);
`

// SQLStorage is a StorageAdapter backed by github.com/jmoiron/sqlx over
// modernc.org/sqlite — a pure-Go sqlite driver, chosen so this adapter
// needs no cgo toolchain, the same consideration that led
// iden3-go-merkletree-sql to expose a database/sql-compatible storage
// rather than a driver-specific one.
type SQLStorage struct {
	db *sqlx.DB
}

// NewSQLStorage opens (creating if needed) a sqlite database at path
// and applies the schema.
func NewSQLStorage(path string) (*SQLStorage, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, newErrf(KindStorage, err, "open sqlite")
	}
	if _, err := db.Exec(sqlSchema); err != nil {
		return nil, newErrf(KindStorage, err, "apply schema")
	}
	return &SQLStorage{db: db}, nil
}

func (s *SQLStorage) GetSyncCursor(ctx context.Context, wallet WalletID, chain ChainID) (*SyncCursor, error) {
	var c SyncCursor
	err := s.db.GetContext(ctx, &c,
		`SELECT memo, nullifier, merkle FROM sync_cursors WHERE wallet=? AND chain=?`, wallet, chain)
	if err == sql.ErrNoRows {
		return nil, newErr(KindStorage, "cursor not found", ErrNotFound)
	}
	if err != nil {
		return nil, newErrf(KindStorage, err, "query cursor")
	}
	return &c, nil
}

func (s *SQLStorage) PutSyncCursor(ctx context.Context, wallet WalletID, chain ChainID, cursor SyncCursor) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_cursors (wallet, chain, memo, nullifier, merkle) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (wallet, chain) DO UPDATE SET memo=excluded.memo, nullifier=excluded.nullifier, merkle=excluded.merkle`,
		wallet, chain, cursor.Memo, cursor.Nullifier, cursor.Merkle)
	if err != nil {
		return newErrf(KindStorage, err, "upsert cursor")
	}
	return nil
}

type sqlUtxoRow struct {
	Chain      string         `db:"chain"`
	Commitment string         `db:"commitment"`
	AssetID    string         `db:"asset_id"`
	Amount     string         `db:"amount"`
	Nullifier  string         `db:"nullifier"`
	MkIndex    uint64         `db:"mk_index"`
	IsFrozen   bool           `db:"is_frozen"`
	IsSpent    bool           `db:"is_spent"`
	Memo       []byte         `db:"memo"`
	CreatedAt  sql.NullInt64  `db:"created_at"`
}

func (r sqlUtxoRow) toRecord() (UtxoRecord, error) {
	amt, err := decodeAmount(r.Amount)
	if err != nil {
		return UtxoRecord{}, err
	}
	rec := UtxoRecord{
		Chain: ChainID(r.Chain), Commitment: r.Commitment, AssetID: r.AssetID, Amount: amt,
		Nullifier: r.Nullifier, MkIndex: r.MkIndex, IsFrozen: r.IsFrozen, IsSpent: r.IsSpent, Memo: r.Memo,
	}
	if r.CreatedAt.Valid {
		t := unixTime(r.CreatedAt.Int64)
		rec.CreatedAt = &t
	}
	return rec, nil
}

func (s *SQLStorage) GetUtxo(ctx context.Context, wallet WalletID, chain ChainID, commitment string) (*UtxoRecord, error) {
	var row sqlUtxoRow
	err := s.db.GetContext(ctx, &row,
		`SELECT chain, commitment, asset_id, amount, nullifier, mk_index, is_frozen, is_spent, memo, created_at
		 FROM utxos WHERE wallet=? AND chain=? AND commitment=?`, wallet, chain, commitment)
	if err == sql.ErrNoRows {
		return nil, newErr(KindStorage, "utxo not found", ErrNotFound)
	}
	if err != nil {
		return nil, newErrf(KindStorage, err, "query utxo")
	}
	rec, err := row.toRecord()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLStorage) PutUtxo(ctx context.Context, wallet WalletID, rec UtxoRecord) error {
	var alreadySpent bool
	_ = s.db.GetContext(ctx, &alreadySpent,
		`SELECT is_spent FROM utxos WHERE wallet=? AND chain=? AND commitment=?`, wallet, rec.Chain, rec.Commitment)
	if alreadySpent {
		rec.IsSpent = true
	}
	var createdAt any
	if rec.CreatedAt != nil {
		createdAt = rec.CreatedAt.Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO utxos (wallet, chain, commitment, asset_id, amount, nullifier, mk_index, is_frozen, is_spent, memo, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (wallet, chain, commitment) DO UPDATE SET
		   asset_id=excluded.asset_id, amount=excluded.amount, nullifier=excluded.nullifier,
		   mk_index=excluded.mk_index, is_frozen=excluded.is_frozen, is_spent=excluded.is_spent,
		   memo=excluded.memo, created_at=excluded.created_at`,
		wallet, rec.Chain, rec.Commitment, rec.AssetID, encodeAmount(rec.Amount), rec.Nullifier,
		rec.MkIndex, rec.IsFrozen, rec.IsSpent, rec.Memo, createdAt)
	if err != nil {
		return newErrf(KindStorage, err, "upsert utxo")
	}
	return nil
}

func (s *SQLStorage) ListUtxos(ctx context.Context, wallet WalletID, chain ChainID) ([]UtxoRecord, error) {
	var rows []sqlUtxoRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT chain, commitment, asset_id, amount, nullifier, mk_index, is_frozen, is_spent, memo, created_at
		 FROM utxos WHERE wallet=? AND chain=? ORDER BY commitment`, wallet, chain); err != nil {
		return nil, newErrf(KindStorage, err, "list utxos")
	}
	out := make([]UtxoRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *SQLStorage) MarkSpent(ctx context.Context, wallet WalletID, chain ChainID, nullifier string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE utxos SET is_spent=1 WHERE wallet=? AND chain=? AND nullifier=?`, wallet, chain, nullifier)
	if err != nil {
		return newErrf(KindStorage, err, "mark spent")
	}
	return nil
}

func (s *SQLStorage) PutEntryMemos(ctx context.Context, chain ChainID, recs []EntryMemoRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return newErrf(KindStorage, err, "begin tx")
	}
	for _, r := range recs {
		var createdAt any
		if r.CreatedAt != nil {
			createdAt = r.CreatedAt.Unix()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entry_memos (chain, cid, commitment, memo, created_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (chain, cid) DO UPDATE SET commitment=excluded.commitment, memo=excluded.memo, created_at=excluded.created_at`,
			chain, r.Cid, r.Commitment, r.Memo, createdAt); err != nil {
			tx.Rollback()
			return newErrf(KindStorage, err, "insert entry memo")
		}
	}
	if err := tx.Commit(); err != nil {
		return newErrf(KindStorage, err, "commit")
	}
	return nil
}

func (s *SQLStorage) ListEntryMemosFrom(ctx context.Context, chain ChainID, fromCid uint64, limit int) ([]EntryMemoRecord, error) {
	query := `SELECT chain, cid, commitment, memo, created_at FROM entry_memos WHERE chain=? AND cid>=? ORDER BY cid`
	args := []any{chain, fromCid}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	type row struct {
		Chain      string        `db:"chain"`
		Cid        uint64        `db:"cid"`
		Commitment string        `db:"commitment"`
		Memo       []byte        `db:"memo"`
		CreatedAt  sql.NullInt64 `db:"created_at"`
	}
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, newErrf(KindStorage, err, "list entry memos")
	}
	out := make([]EntryMemoRecord, 0, len(rows))
	for _, r := range rows {
		rec := EntryMemoRecord{Chain: ChainID(r.Chain), Cid: r.Cid, Commitment: r.Commitment, Memo: r.Memo}
		if r.CreatedAt.Valid {
			t := unixTime(r.CreatedAt.Int64)
			rec.CreatedAt = &t
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *SQLStorage) PutEntryNullifiers(ctx context.Context, chain ChainID, recs []EntryNullifierRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return newErrf(KindStorage, err, "begin tx")
	}
	for _, r := range recs {
		var createdAt any
		if r.CreatedAt != nil {
			createdAt = r.CreatedAt.Unix()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entry_nullifiers (chain, nid, nullifier, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (chain, nid) DO UPDATE SET nullifier=excluded.nullifier, created_at=excluded.created_at`,
			chain, r.Nid, r.Nullifier, createdAt); err != nil {
			tx.Rollback()
			return newErrf(KindStorage, err, "insert entry nullifier")
		}
	}
	if err := tx.Commit(); err != nil {
		return newErrf(KindStorage, err, "commit")
	}
	return nil
}

func (s *SQLStorage) ListEntryNullifiersFrom(ctx context.Context, chain ChainID, fromNid uint64, limit int) ([]EntryNullifierRecord, error) {
	query := `SELECT chain, nid, nullifier, created_at FROM entry_nullifiers WHERE chain=? AND nid>=? ORDER BY nid`
	args := []any{chain, fromNid}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	type row struct {
		Chain     string        `db:"chain"`
		Nid       uint64        `db:"nid"`
		Nullifier string        `db:"nullifier"`
		CreatedAt sql.NullInt64 `db:"created_at"`
	}
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, newErrf(KindStorage, err, "list entry nullifiers")
	}
	out := make([]EntryNullifierRecord, 0, len(rows))
	for _, r := range rows {
		rec := EntryNullifierRecord{Chain: ChainID(r.Chain), Nid: r.Nid, Nullifier: r.Nullifier}
		if r.CreatedAt.Valid {
			t := unixTime(r.CreatedAt.Int64)
			rec.CreatedAt = &t
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *SQLStorage) GetMerkleTreeState(ctx context.Context, chain ChainID) (*MerkleTreeState, error) {
	type row struct {
		Chain         string `db:"chain"`
		Root          string `db:"root"`
		TotalElements uint64 `db:"total_elements"`
		LastUpdated   int64  `db:"last_updated"`
	}
	var r row
	err := s.db.GetContext(ctx, &r,
		`SELECT chain, root, total_elements, last_updated FROM merkle_tree_state WHERE chain=?`, chain)
	if err == sql.ErrNoRows {
		return nil, newErr(KindStorage, "tree state not found", ErrNotFound)
	}
	if err != nil {
		return nil, newErrf(KindStorage, err, "query tree state")
	}
	return &MerkleTreeState{Chain: ChainID(r.Chain), Root: r.Root, TotalElements: r.TotalElements, LastUpdated: unixTime(r.LastUpdated)}, nil
}

func (s *SQLStorage) PutMerkleTreeState(ctx context.Context, state *MerkleTreeState) error {
	ts := state.LastUpdated
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO merkle_tree_state (chain, root, total_elements, last_updated) VALUES (?, ?, ?, ?)
		 ON CONFLICT (chain) DO UPDATE SET root=excluded.root, total_elements=excluded.total_elements, last_updated=excluded.last_updated`,
		state.Chain, state.Root, state.TotalElements, ts.Unix())
	if err != nil {
		return newErrf(KindStorage, err, "upsert tree state")
	}
	return nil
}

func (s *SQLStorage) GetMerkleFrontier(ctx context.Context, chain ChainID) ([]MerkleNode, error) {
	var rows []struct {
		Chain    string `db:"chain"`
		ID       string `db:"id"`
		Level    int    `db:"level"`
		Position uint64 `db:"position"`
		Hash     string `db:"hash"`
	}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT chain, id, level, position, hash FROM merkle_nodes WHERE chain=? AND id LIKE 'frontier-%'`, chain); err != nil {
		return nil, newErrf(KindStorage, err, "list frontier")
	}
	out := make([]MerkleNode, 0, len(rows))
	for _, r := range rows {
		out = append(out, MerkleNode{Chain: ChainID(r.Chain), ID: r.ID, Level: r.Level, Position: r.Position, Hash: r.Hash})
	}
	return out, nil
}

func (s *SQLStorage) GetMerkleNode(ctx context.Context, chain ChainID, id string) (*MerkleNode, error) {
	var r struct {
		Chain    string `db:"chain"`
		ID       string `db:"id"`
		Level    int    `db:"level"`
		Position uint64 `db:"position"`
		Hash     string `db:"hash"`
	}
	err := s.db.GetContext(ctx, &r,
		`SELECT chain, id, level, position, hash FROM merkle_nodes WHERE chain=? AND id=?`, chain, id)
	if err == sql.ErrNoRows {
		return nil, newErr(KindStorage, "node not found", ErrNotFound)
	}
	if err != nil {
		return nil, newErrf(KindStorage, err, "query node")
	}
	return &MerkleNode{Chain: ChainID(r.Chain), ID: r.ID, Level: r.Level, Position: r.Position, Hash: r.Hash}, nil
}

func (s *SQLStorage) PutMerkleNodes(ctx context.Context, chain ChainID, nodes []MerkleNode) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return newErrf(KindStorage, err, "begin tx")
	}
	for _, n := range nodes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO merkle_nodes (chain, id, level, position, hash) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (chain, id) DO UPDATE SET level=excluded.level, position=excluded.position, hash=excluded.hash`,
			chain, n.ID, n.Level, n.Position, n.Hash); err != nil {
			tx.Rollback()
			return newErrf(KindStorage, err, "insert merkle node")
		}
	}
	if err := tx.Commit(); err != nil {
		return newErrf(KindStorage, err, "commit")
	}
	return nil
}

func (s *SQLStorage) PutOperation(ctx context.Context, wallet WalletID, op OperationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operations (wallet, id, type, created_at, chain, token_id, status, request_url, relayer_tx_hash, tx_hash, detail, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (wallet, id) DO UPDATE SET
		   type=excluded.type, chain=excluded.chain, token_id=excluded.token_id, status=excluded.status,
		   request_url=excluded.request_url, relayer_tx_hash=excluded.relayer_tx_hash, tx_hash=excluded.tx_hash,
		   detail=excluded.detail, error=excluded.error`,
		wallet, op.ID, op.Type, op.CreatedAt.Unix(), op.ChainID, op.TokenID, op.Status,
		op.RequestURL, op.RelayerTxHash, op.TxHash, op.Detail, op.Error)
	if err != nil {
		return newErrf(KindStorage, err, "upsert operation")
	}
	return nil
}

func (s *SQLStorage) GetOperation(ctx context.Context, wallet WalletID, id string) (*OperationRecord, error) {
	op, err := scanOperation(ctx, s.db, `SELECT id, type, created_at, chain, token_id, status, request_url, relayer_tx_hash, tx_hash, detail, error
		 FROM operations WHERE wallet=? AND id=?`, wallet, id)
	if err == sql.ErrNoRows {
		return nil, newErr(KindStorage, "operation not found", ErrNotFound)
	}
	if err != nil {
		return nil, newErrf(KindStorage, err, "query operation")
	}
	return op, nil
}

func (s *SQLStorage) ListOperations(ctx context.Context, wallet WalletID) ([]OperationRecord, error) {
	var rows []operationRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, type, created_at, chain, token_id, status, request_url, relayer_tx_hash, tx_hash, detail, error
		 FROM operations WHERE wallet=? ORDER BY created_at`, wallet); err != nil {
		return nil, newErrf(KindStorage, err, "list operations")
	}
	out := make([]OperationRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRecord())
	}
	return out, nil
}

func (s *SQLStorage) DeleteOperation(ctx context.Context, wallet WalletID, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE wallet=? AND id=?`, wallet, id)
	if err != nil {
		return newErrf(KindStorage, err, "delete operation")
	}
	return nil
}

func (s *SQLStorage) Close() error {
	if err := s.db.Close(); err != nil {
		return newErrf(KindStorage, err, "close sqlite db")
	}
	return nil
}

type operationRow struct {
	ID            string `db:"id"`
	Type          string `db:"type"`
	CreatedAt     int64  `db:"created_at"`
	Chain         string `db:"chain"`
	TokenID       string `db:"token_id"`
	Status        string `db:"status"`
	RequestURL    string `db:"request_url"`
	RelayerTxHash string `db:"relayer_tx_hash"`
	TxHash        string `db:"tx_hash"`
	Detail        string `db:"detail"`
	Error         string `db:"error"`
}

func (r operationRow) toRecord() OperationRecord {
	return OperationRecord{
		ID: r.ID, Type: OperationType(r.Type), CreatedAt: unixTime(r.CreatedAt),
		ChainID: ChainID(r.Chain), TokenID: r.TokenID, Status: OperationStatus(r.Status),
		RequestURL: r.RequestURL, RelayerTxHash: r.RelayerTxHash, TxHash: r.TxHash,
		Detail: r.Detail, Error: r.Error,
	}
}

func scanOperation(ctx context.Context, db *sqlx.DB, query string, args ...any) (*OperationRecord, error) {
	var r operationRow
	if err := db.GetContext(ctx, &r, query, args...); err != nil {
		return nil, err
	}
	rec := r.toRecord()
	return &rec, nil
}
