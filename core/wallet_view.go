package core

import (
	"context"
	"math/big"
)

// WalletView is the decrypt-and-track boundary for one (wallet, chain)
// pair: it turns indexer-visible memo/nullifier entries into
// the wallet's own UtxoRecords, the way an HD wallet turns a seed into
// addresses — here the "address" a memo is checked against is the
// wallet's viewing keypair rather than a signing key.
type WalletView struct {
	wallet  WalletID
	chain   ChainID
	storage StorageAdapter
	crypto  CryptoPrimitives
	vk      *ViewingKeypair
}

// OpenWalletView derives wallet's viewing keypair from seed/accountNonce
// and returns a view scoped to chain. The same seed opens the same
// viewing keypair on every chain; callers needing per-chain viewing
// keys should vary accountNonce per chain.
func OpenWalletView(storage StorageAdapter, crypto CryptoPrimitives, wallet WalletID, chain ChainID, seed []byte, accountNonce uint32) (*WalletView, error) {
	vk, err := crypto.DeriveViewingKeypair(seed, accountNonce)
	if err != nil {
		return nil, err
	}
	return &WalletView{wallet: wallet, chain: chain, storage: storage, crypto: crypto, vk: vk}, nil
}

// ViewingKeypair exposes the derived keypair, e.g. so a host can
// publish the compressed public key out-of-band to counterparties.
func (wv *WalletView) ViewingKeypair() *ViewingKeypair { return wv.vk }

// ApplyMemo attempts to decrypt m as addressed to this view. A memo
// meant for a different viewer fails AEAD authentication and is
// reported as matched=false with a nil error — that is the expected,
// majority-case outcome for any given memo in a shared entry feed, not
// a fault condition.
func (wv *WalletView) ApplyMemo(ctx context.Context, m EntryMemoRecord) (bool, error) {
	rec, err := wv.crypto.Decrypt(wv.vk, m.Memo)
	if err != nil {
		return false, nil
	}

	commitment, err := wv.crypto.ComputeCommitment(rec)
	if err != nil {
		return false, err
	}
	reported, ok := new(big.Int).SetString(m.Commitment, 16)
	if !ok || reported.Cmp(commitment) != 0 {
		return false, newErr(KindCrypto, "decrypted note does not match reported commitment", nil)
	}

	nullifier, err := wv.crypto.ComputeNullifier(rec, wv.vk, commitment)
	if err != nil {
		return false, err
	}
	assetID, err := PoolID(wv.crypto, PoolKey{TokenAddress: rec.TokenAddress, ViewerPk: rec.ViewerPk, FreezerPk: rec.FreezerPk})
	if err != nil {
		return false, err
	}

	utxo := UtxoRecord{
		Chain:      wv.chain,
		Commitment: m.Commitment,
		AssetID:    hexBig(assetID),
		Amount:     rec.Amount,
		Nullifier:  hexBig(nullifier),
		MkIndex:    m.Cid,
		Memo:       m.Memo,
		CreatedAt:  m.CreatedAt,
	}
	if err := wv.storage.PutUtxo(ctx, wv.wallet, utxo); err != nil {
		return false, err
	}
	return true, nil
}

// ApplyNullifier marks any UTXO owned by this view with the matching
// nullifier as spent. IsSpent only ever moves false->true (enforced by
// the storage adapters) so applying the same nullifier twice is
// harmless.
func (wv *WalletView) ApplyNullifier(ctx context.Context, n EntryNullifierRecord) error {
	return wv.storage.MarkSpent(ctx, wv.wallet, wv.chain, n.Nullifier)
}

// ListUtxos is a thin convenience wrapper so callers that only have a
// WalletView (not a QueryEngine) can still read back balances.
func (wv *WalletView) ListUtxos(ctx context.Context) ([]UtxoRecord, error) {
	return wv.storage.ListUtxos(ctx, wv.wallet, wv.chain)
}
