package core

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/iden3/go-iden3-crypto/babyjub"
	"github.com/iden3/go-iden3-crypto/poseidon"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/chacha20poly1305"
)

// Domain tags separate Poseidon hash uses from each other the way
// go-iden3-core's merkletree package appends a fixed key element ahead
// of hashing (see HashElemsKey in that pack's merkletree/utils.go).
const (
	domainMerkle = 1
	domainAsset  = 2
	domainNote   = 3
	domainNull   = 4
)

// ViewingKeypair is the (secret, compressed-public) pair a wallet
// publishes so memos can be addressed to it — the "viewing address"
// of the glossary.
type ViewingKeypair struct {
	Secret           *babyjub.PrivateKey
	PublicCompressed [32]byte
}

// DecryptedRecord is what CryptoPrimitives.Decrypt recovers from an
// encrypted memo: enough to attribute a UTXO to a pool and compute its
// commitment/nullifier.
type DecryptedRecord struct {
	UserAddress  [32]byte
	TokenAddress string
	ViewerPk     [32]byte
	FreezerPk    [32]byte
	Amount       *big.Int
	Blinding     *big.Int
}

// CryptoPrimitives is the external field/curve/hash capability this
// module depends on. Callers depend only on this interface; the
// concrete PoseidonPrimitives below is a reference implementation
// suitable for tests and non-production deployments, not a substitute
// for a circuit-audited one.
type CryptoPrimitives interface {
	// HashPoseidon computes a domain-separated Poseidon hash over the
	// given field elements (the merkle hashPair, the pool-id derivation,
	// commitment/nullifier computation all route through this).
	HashPoseidon(domain int, elems ...*big.Int) (*big.Int, error)

	// DeriveViewingKeypair derives the viewing keypair for a seed and
	// account nonce.
	DeriveViewingKeypair(seed []byte, accountNonce uint32) (*ViewingKeypair, error)

	// Decrypt opens an encrypted memo with the wallet's viewing
	// secret. It returns KindCrypto errors on authentication
	// failure; a memo addressed to a different viewer is expected to
	// fail here and is treated as "not ours" by WalletView.
	Decrypt(vk *ViewingKeypair, memo []byte) (*DecryptedRecord, error)

	// ComputeCommitment recomputes the note commitment for a decrypted
	// record, used to validate it against the indexer-reported value.
	ComputeCommitment(rec *DecryptedRecord) (*big.Int, error)

	// ComputeNullifier derives the spending nullifier for a note given
	// the wallet's viewing secret.
	ComputeNullifier(rec *DecryptedRecord, vk *ViewingKeypair, commitment *big.Int) (*big.Int, error)
}

// PoseidonPrimitives is the reference CryptoPrimitives backed by
// github.com/iden3/go-iden3-crypto's Poseidon hash and Baby Jubjub
// twisted-edwards implementation — the same library
// demonsh-go-iden3-core's identity/issuer package uses for its own
// key material and state hashing.
type PoseidonPrimitives struct{}

// NewPoseidonPrimitives returns the default reference implementation.
func NewPoseidonPrimitives() *PoseidonPrimitives { return &PoseidonPrimitives{} }

func (PoseidonPrimitives) HashPoseidon(domain int, elems ...*big.Int) (*big.Int, error) {
	in := make([]*big.Int, 0, len(elems)+1)
	in = append(in, big.NewInt(int64(domain)))
	in = append(in, elems...)
	h, err := poseidon.Hash(in)
	if err != nil {
		return nil, newErrf(KindCrypto, err, "poseidon hash")
	}
	return h, nil
}

// NewMnemonic generates a fresh BIP-39 mnemonic phrase a caller can
// show to a user as a human-recoverable backup of their wallet seed,
// the entropy-to-phrase step an HD wallet performs ahead of its own
// key derivation.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", newErrf(KindCrypto, err, "generate mnemonic entropy")
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", newErrf(KindCrypto, err, "build mnemonic")
	}
	return mnemonic, nil
}

// MnemonicSeed turns a BIP-39 mnemonic and an optional passphrase into
// the seed bytes DeriveViewingKeypair expects.
func MnemonicSeed(mnemonic, passphrase string) ([]byte, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, newErr(KindCrypto, "invalid mnemonic", nil)
	}
	return bip39.NewSeed(mnemonic, passphrase), nil
}

// DeriveViewingKeypair derives a Baby Jubjub keypair from seed/nonce.
// The seed is reduced into the Poseidon field (modulo the Baby Jubjub
// subgroup order) and folded together with the nonce through Poseidon
// rather than truncated, so every nonce derives a distinct key even
// when seed is already 32 bytes.
func (p PoseidonPrimitives) DeriveViewingKeypair(seed []byte, accountNonce uint32) (*ViewingKeypair, error) {
	if len(seed) < 16 {
		return nil, newErr(KindCrypto, "seed too short", nil)
	}
	seedInt := new(big.Int).Mod(new(big.Int).SetBytes(seed), babyjub.SubOrder)
	h, err := p.HashPoseidon(domainNote, seedInt, big.NewInt(int64(accountNonce)))
	if err != nil {
		return nil, err
	}

	var skBytes [32]byte
	b := h.Bytes()
	copy(skBytes[32-len(b):], b)
	sk := babyjub.PrivateKey(skBytes)
	pk := sk.Public()
	return &ViewingKeypair{Secret: &sk, PublicCompressed: pk.Compress()}, nil
}

// sharedKey derives a symmetric AEAD key for memo decryption by
// Poseidon-hashing the viewing secret under the note domain tag — a
// stand-in KDF the way go-iden3-core's HashElems
// folds arbitrary field elements into a single hash.
func (p PoseidonPrimitives) sharedKey(vk *ViewingKeypair) ([]byte, error) {
	skInt := new(big.Int).SetBytes(vk.Secret[:])
	h, err := p.HashPoseidon(domainNote, skInt)
	if err != nil {
		return nil, err
	}
	key := make([]byte, chacha20poly1305.KeySize)
	b := h.Bytes()
	copy(key[chacha20poly1305.KeySize-len(b):], b)
	return key, nil
}

// Decrypt opens a ChaCha20-Poly1305-sealed memo. The memo format is
// nonce || ciphertext, a minimal reference wire format; circuit-backed
// production deployments supply their own Decrypt implementation.
func (p PoseidonPrimitives) Decrypt(vk *ViewingKeypair, memo []byte) (*DecryptedRecord, error) {
	key, err := p.sharedKey(vk)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, newErrf(KindCrypto, err, "init aead")
	}
	if len(memo) < aead.NonceSize() {
		return nil, newErr(KindCrypto, "memo too short", nil)
	}
	nonce, ct := memo[:aead.NonceSize()], memo[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, newErrf(KindCrypto, err, "decrypt memo")
	}
	return decodeRecord(plain)
}

// EncryptMemo is the inverse of Decrypt, exposed so tests (and a
// dispatch layer's deposit/transfer path) can construct fixtures
// without duplicating the wire format.
func (p PoseidonPrimitives) EncryptMemo(vk *ViewingKeypair, rec *DecryptedRecord) ([]byte, error) {
	key, err := p.sharedKey(vk)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, newErrf(KindCrypto, err, "init aead")
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, newErrf(KindCrypto, err, "nonce")
	}
	plain := encodeRecord(rec)
	ct := aead.Seal(nil, nonce, plain, nil)
	return append(nonce, ct...), nil
}

func (p PoseidonPrimitives) ComputeCommitment(rec *DecryptedRecord) (*big.Int, error) {
	return p.HashPoseidon(domainNote,
		new(big.Int).SetBytes(rec.UserAddress[:]),
		rec.Amount,
		rec.Blinding,
	)
}

func (p PoseidonPrimitives) ComputeNullifier(rec *DecryptedRecord, vk *ViewingKeypair, commitment *big.Int) (*big.Int, error) {
	skInt := new(big.Int).SetBytes(vk.Secret[:])
	return p.HashPoseidon(domainNull, commitment, skInt)
}

// PoolKey identifies a shielded-asset bucket (a "Pool").
type PoolKey struct {
	TokenAddress string
	ViewerPk     [32]byte
	FreezerPk    [32]byte
}

// PoolID computes Poseidon(Asset)(tokenAddress, viewerPk, freezerPk).
// TokenAddress is parsed the same way go-ethereum's common.Address
// parses any on-chain address literal, so callers can pass either a
// checksummed "0x..." address or a bare hex string. Each compressed
// public key is reduced into the Poseidon field (modulo the Baby
// Jubjub subgroup order) before hashing.
func PoolID(cp CryptoPrimitives, k PoolKey) (*big.Int, error) {
	if !common.IsHexAddress(k.TokenAddress) {
		return nil, newErr(KindCrypto, "invalid token address", nil)
	}
	tokenInt := new(big.Int).SetBytes(common.HexToAddress(k.TokenAddress).Bytes())
	return cp.HashPoseidon(domainAsset,
		tokenInt,
		new(big.Int).Mod(new(big.Int).SetBytes(k.ViewerPk[:]), babyjub.SubOrder),
		new(big.Int).Mod(new(big.Int).SetBytes(k.FreezerPk[:]), babyjub.SubOrder),
	)
}

// encodeRecord/decodeRecord are a minimal fixed-width wire format for
// DecryptedRecord used only by the reference PoseidonPrimitives codec.
func encodeRecord(rec *DecryptedRecord) []byte {
	out := make([]byte, 0, 32+2+len(rec.TokenAddress)+32+32+32+32)
	out = append(out, rec.UserAddress[:]...)
	tokLen := make([]byte, 2)
	binary.BigEndian.PutUint16(tokLen, uint16(len(rec.TokenAddress)))
	out = append(out, tokLen...)
	out = append(out, []byte(rec.TokenAddress)...)
	out = append(out, rec.ViewerPk[:]...)
	out = append(out, rec.FreezerPk[:]...)
	out = appendBigInt32(out, rec.Amount)
	out = appendBigInt32(out, rec.Blinding)
	return out
}

func decodeRecord(b []byte) (*DecryptedRecord, error) {
	if len(b) < 32+2 {
		return nil, newErr(KindCrypto, "malformed record", nil)
	}
	rec := &DecryptedRecord{}
	copy(rec.UserAddress[:], b[:32])
	b = b[32:]
	tokLen := int(binary.BigEndian.Uint16(b[:2]))
	b = b[2:]
	if len(b) < tokLen+32+32+32+32 {
		return nil, newErr(KindCrypto, "malformed record", nil)
	}
	rec.TokenAddress = string(b[:tokLen])
	b = b[tokLen:]
	copy(rec.ViewerPk[:], b[:32])
	b = b[32:]
	copy(rec.FreezerPk[:], b[:32])
	b = b[32:]
	rec.Amount = new(big.Int).SetBytes(b[:32])
	b = b[32:]
	rec.Blinding = new(big.Int).SetBytes(b[:32])
	return rec, nil
}

func appendBigInt32(out []byte, v *big.Int) []byte {
	buf := make([]byte, 32)
	if v != nil {
		b := v.Bytes()
		copy(buf[32-len(b):], b)
	}
	return append(out, buf...)
}
