package core

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TreeDepth is the fixed accumulator depth D.
const TreeDepth = 32

// SubtreeShift determines the batch size S = 1<<SubtreeShift at which
// the accumulator checkpoints its frontier to storage. S=32.
const SubtreeShift = 5

// SubtreeSize is S, the number of leaves per flushed batch.
const SubtreeSize = 1 << SubtreeShift

// MerkleMode selects where ProofByCid looks for membership proofs.
type MerkleMode string

const (
	// ModeLocal reconstructs proofs only from persisted nodes; a miss
	// is ErrNotFound.
	ModeLocal MerkleMode = "local"
	// ModeRemote always defers to the proof-service endpoint.
	ModeRemote MerkleMode = "remote"
	// ModeHybrid tries local reconstruction first and falls back to
	// remote on a miss — the default.
	ModeHybrid MerkleMode = "hybrid"
)

// MerkleProof is an inclusion proof for one leaf against a known root.
// Stub marks a zero-path placeholder returned for a cid whose subtree
// hasn't been committed to the main tree yet; it never verifies.
type MerkleProof struct {
	Chain    ChainID
	Cid      uint64
	Leaf     *big.Int
	Siblings []*big.Int
	Root     *big.Int
	Stub     bool
}

// Verify recomputes the root from Leaf and Siblings using cid's bit
// pattern to choose, at each level, which side the stored sibling sits
// on, and reports whether it matches p.Root. A stub proof never
// verifies — it carries no real path to check.
func (p *MerkleProof) Verify(cp CryptoPrimitives) (bool, error) {
	if p.Stub {
		return false, nil
	}
	node := p.Leaf
	cid := p.Cid
	for level := 0; level < len(p.Siblings); level++ {
		sib := p.Siblings[level]
		var err error
		if cid&1 == 0 {
			node, err = cp.HashPoseidon(domainMerkle, node, sib)
		} else {
			node, err = cp.HashPoseidon(domainMerkle, sib, node)
		}
		if err != nil {
			return false, err
		}
		cid >>= 1
	}
	return node.Cmp(p.Root) == 0, nil
}

// MerkleProofFetcher is the remote proof-service capability a chain's
// MerkleProofURL backs — a thin HTTP client in the same shape as
// HTTPProofBridge, kept separate because membership proofs and spend
// proofs are different services in production deployments.
type MerkleProofFetcher interface {
	FetchProof(ctx context.Context, chain ChainID, cid uint64) (*MerkleProof, error)
}

// MerkleAccumulator maintains one incremental Merkle tree per chain
// using the frontier-node climb algorithm: at each level it keeps
// either a completed left sibling awaiting its pair, or the zero hash
// for that level, exactly the structure of an append-only incremental
// tree with a fixed depth. Leaves are accepted as they arrive and
// flushed to storage in batches of SubtreeSize, keeping the build and
// proof-query paths separate.
type MerkleAccumulator struct {
	storage StorageAdapter
	crypto  CryptoPrimitives
	fetcher MerkleProofFetcher
	mode    MerkleMode
	log     *logrus.Entry

	zero [TreeDepth + 1]*big.Int

	mu     sync.Mutex
	chains map[ChainID]*chainState
}

// NewMerkleAccumulator constructs an accumulator. fetcher may be nil
// when mode is ModeLocal.
func NewMerkleAccumulator(storage StorageAdapter, crypto CryptoPrimitives, fetcher MerkleProofFetcher, mode MerkleMode, log *logrus.Entry) (*MerkleAccumulator, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	m := &MerkleAccumulator{storage: storage, crypto: crypto, fetcher: fetcher, mode: mode, log: log.WithField("component", "merkle"), chains: make(map[ChainID]*chainState)}
	if err := m.computeZeroHashes(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MerkleAccumulator) computeZeroHashes() error {
	m.zero[0] = big.NewInt(0)
	for i := 1; i <= TreeDepth; i++ {
		h, err := m.crypto.HashPoseidon(domainMerkle, m.zero[i-1], m.zero[i-1])
		if err != nil {
			return newErrf(KindMerkle, err, "zero hash level %d", i)
		}
		m.zero[i] = h
	}
	return nil
}

// chainState is the in-memory working state for one chain: the count
// of leaves already folded into S-aligned subtrees (mergedElements,
// always a multiple of SubtreeSize), the FIFO of leaves accepted but
// not yet part of a full subtree (pendingLeaves, size always <
// SubtreeSize), and a cache of each level's frontier node above the
// subtree boundary. Mutation only happens while mu is held; callers
// that also serialize ingestion per chain (the sync engine's per-chain
// lock) make that outer lock redundant but never unsafe.
type chainState struct {
	mu             sync.Mutex
	loaded         bool
	mergedElements uint64
	pendingLeaves  []MerkleLeaf
	frontier       [TreeDepth]*big.Int
}

func (m *MerkleAccumulator) chainStateFor(chain ChainID) *chainState {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.chains[chain]
	if !ok {
		cs = &chainState{}
		m.chains[chain] = cs
	}
	return cs
}

// ensureLoaded hydrates mergedElements and the frontier cache from
// storage on first access for this chain. Callers must hold cs.mu.
func (cs *chainState) ensureLoaded(ctx context.Context, storage StorageAdapter, chain ChainID) error {
	if cs.loaded {
		return nil
	}
	state, err := storage.GetMerkleTreeState(ctx, chain)
	if err != nil && !isNotFound(err) {
		return err
	}
	if state != nil {
		cs.mergedElements = state.TotalElements
	}
	nodes, err := storage.GetMerkleFrontier(ctx, chain)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n.Level < 0 || n.Level >= TreeDepth {
			continue
		}
		v, ok := new(big.Int).SetString(n.Hash, 16)
		if !ok {
			continue
		}
		cs.frontier[n.Level] = v
	}
	cs.loaded = true
	return nil
}

// IngestLeaves buffers new leaves into chain's pendingLeaves FIFO and
// flushes exactly-SubtreeSize subtrees into the main tree as they fill
// up; any remainder smaller than SubtreeSize stays buffered in memory
// for the next call, so mergedElements only ever advances in
// SubtreeSize-aligned steps.
//
// Leaves with cid below the next-expected position are skipped as an
// idempotent re-ingest. A gap (cid ahead of next-expected) is a hard
// MERKLE error except in ModeHybrid, where it is tolerated: leaves up
// to the gap are still buffered/flushed and the call returns nil,
// since the indexer feeding this accumulator may simply be ahead of
// what this accumulator has locally reconciled.
func (m *MerkleAccumulator) IngestLeaves(ctx context.Context, chain ChainID, leaves []MerkleLeaf) error {
	if len(leaves) == 0 {
		return nil
	}
	cs := m.chainStateFor(chain)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if err := cs.ensureLoaded(ctx, m.storage, chain); err != nil {
		return err
	}

	sorted := append([]MerkleLeaf(nil), leaves...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cid < sorted[j].Cid })

	expected := cs.mergedElements + uint64(len(cs.pendingLeaves))
	var accepted []MerkleLeaf
leafLoop:
	for _, lf := range sorted {
		switch {
		case lf.Cid < expected:
			continue // already folded in or buffered; idempotent re-ingest
		case lf.Cid == expected:
			accepted = append(accepted, lf)
			expected++
		default:
			if m.mode == ModeHybrid {
				break leafLoop
			}
			return newErrf(KindMerkle, nil, "non-contiguous leaf: expected cid %d, got %d", expected, lf.Cid)
		}
	}

	cs.pendingLeaves = append(cs.pendingLeaves, accepted...)
	for len(cs.pendingLeaves) >= SubtreeSize {
		batch := cs.pendingLeaves[:SubtreeSize]
		if err := m.flushSubtree(ctx, chain, cs, batch); err != nil {
			return err
		}
		cs.pendingLeaves = append([]MerkleLeaf(nil), cs.pendingLeaves[SubtreeSize:]...)
	}

	m.log.WithFields(logrus.Fields{"chain": chain, "merged": cs.mergedElements, "pending": len(cs.pendingLeaves)}).Debug("merkle leaves ingested")
	return nil
}

// flushSubtree commits exactly SubtreeSize buffered leaves: first the
// subtree's own internal levels 1..SubtreeShift (computed fresh from
// the 32 leaves), then a frontier climb from SubtreeShift up to
// TreeDepth that merges the new subtree root into the main tree using
// each level's persisted frontier node (or the zero hash when the
// sibling subtree hasn't arrived yet). Nodes and tree state are
// persisted together; cs is only mutated after both writes succeed, so
// a failed flush leaves the chain's committed state untouched.
func (m *MerkleAccumulator) flushSubtree(ctx context.Context, chain ChainID, cs *chainState, batch []MerkleLeaf) error {
	basePos := cs.mergedElements
	var dirty []MerkleNode

	level := make([]*big.Int, len(batch))
	for i, lf := range batch {
		v, ok := new(big.Int).SetString(lf.Commitment, 16)
		if !ok {
			return newErr(KindMerkle, "malformed leaf commitment", nil)
		}
		level[i] = v
		dirty = append(dirty, MerkleNode{Chain: chain, ID: levelNodeID(0, basePos+uint64(i)), Level: 0, Position: basePos + uint64(i), Hash: hexBig(v)})
	}

	for l := 1; l <= SubtreeShift; l++ {
		width := len(level) / 2
		next := make([]*big.Int, width)
		for i := 0; i < width; i++ {
			h, err := m.crypto.HashPoseidon(domainMerkle, level[2*i], level[2*i+1])
			if err != nil {
				return newErrf(KindMerkle, err, "subtree level %d", l)
			}
			pos := (basePos >> uint(l)) + uint64(i)
			next[i] = h
			dirty = append(dirty, MerkleNode{Chain: chain, ID: levelNodeID(l, pos), Level: l, Position: pos, Hash: hexBig(h)})
		}
		level = next
	}

	frontier := cs.frontier
	current := level[0]
	for l := SubtreeShift; l < TreeDepth; l++ {
		nodeIndex := (basePos + SubtreeSize - 1) >> uint(l)
		var err error
		if nodeIndex%2 == 0 {
			frontier[l] = current
			dirty = append(dirty, MerkleNode{Chain: chain, ID: frontierNodeID(l), Level: l, Position: nodeIndex, Hash: hexBig(current)})
			current, err = m.crypto.HashPoseidon(domainMerkle, current, m.zero[l])
		} else {
			left := m.zero[l]
			if frontier[l] != nil {
				left = frontier[l]
			}
			current, err = m.crypto.HashPoseidon(domainMerkle, left, current)
		}
		if err != nil {
			return newErrf(KindMerkle, err, "frontier climb level %d", l)
		}
		pos := nodeIndex >> 1
		dirty = append(dirty, MerkleNode{Chain: chain, ID: levelNodeID(l+1, pos), Level: l + 1, Position: pos, Hash: hexBig(current)})
	}

	if err := m.storage.PutMerkleNodes(ctx, chain, dirty); err != nil {
		return err
	}
	newMerged := cs.mergedElements + SubtreeSize
	state := MerkleTreeState{Chain: chain, Root: hexBig(current), TotalElements: newMerged, LastUpdated: time.Now()}
	if err := m.storage.PutMerkleTreeState(ctx, &state); err != nil {
		return err
	}
	cs.frontier = frontier
	cs.mergedElements = newMerged
	return nil
}

// ProofByCid returns an inclusion proof for leaf cid, honoring the
// accumulator's mode: ModeLocal never leaves storage, ModeRemote
// always asks the configured fetcher, ModeHybrid tries local first and
// falls back to remote only when the local path errors outright (the
// cid's subtree is committed locally but the expected node is missing
// or corrupt) — a cid whose subtree isn't committed yet gets a stub
// from localProof directly, with no error and no remote round-trip,
// since no proof exists anywhere for it yet.
func (m *MerkleAccumulator) ProofByCid(ctx context.Context, chain ChainID, cid uint64) (*MerkleProof, error) {
	switch m.mode {
	case ModeRemote:
		return m.remoteProof(ctx, chain, cid)
	case ModeLocal:
		return m.localProof(ctx, chain, cid)
	default:
		p, err := m.localProof(ctx, chain, cid)
		if err == nil {
			return p, nil
		}
		m.log.WithError(err).WithFields(logrus.Fields{"chain": chain, "cid": cid}).Debug("local proof failed, falling back to remote")
		return m.remoteProof(ctx, chain, cid)
	}
}

func (m *MerkleAccumulator) remoteProof(ctx context.Context, chain ChainID, cid uint64) (*MerkleProof, error) {
	if m.fetcher == nil {
		return nil, newErr(KindMerkle, "no remote proof fetcher configured", nil)
	}
	return m.fetcher.FetchProof(ctx, chain, cid)
}

// stubProof is the zero-path placeholder for a cid whose subtree has
// not yet been committed to the main tree: a D+1-length path of zero
// values the caller must treat as unverifiable, never a real proof.
func stubProof(chain ChainID, cid uint64) *MerkleProof {
	siblings := make([]*big.Int, TreeDepth)
	for i := range siblings {
		siblings[i] = big.NewInt(0)
	}
	return &MerkleProof{Chain: chain, Cid: cid, Leaf: big.NewInt(0), Siblings: siblings, Root: big.NewInt(0), Stub: true}
}

// localProof first checks cid against the chain's committed element
// count (contractTreeElements, the highest multiple of SubtreeSize
// folded into the main tree): a cid at or beyond that boundary returns
// a stubProof, since its subtree isn't part of the main tree yet and
// no real path exists to build. Otherwise it walks cid's bit pattern
// from leaf to root, reading each level's sibling node from storage —
// a node at level L, position P has sibling at position P^1; if that
// node hasn't been finalized yet (a neighboring subtree not yet
// ingested), the zero hash for that level stands in.
func (m *MerkleAccumulator) localProof(ctx context.Context, chain ChainID, cid uint64) (*MerkleProof, error) {
	cs := m.chainStateFor(chain)
	cs.mu.Lock()
	err := cs.ensureLoaded(ctx, m.storage, chain)
	merged := cs.mergedElements
	cs.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if cid >= merged {
		return stubProof(chain, cid), nil
	}

	state, err := m.storage.GetMerkleTreeState(ctx, chain)
	if err != nil {
		return nil, err
	}
	leaf, err := m.storage.GetMerkleNode(ctx, chain, levelNodeID(0, cid))
	if err != nil {
		return nil, newErr(KindMerkle, "leaf node not stored", ErrNotFound)
	}
	leafVal, ok := new(big.Int).SetString(leaf.Hash, 16)
	if !ok {
		return nil, newErr(KindMerkle, "corrupt leaf node", nil)
	}

	siblings := make([]*big.Int, TreeDepth)
	pos := cid
	for level := 0; level < TreeDepth; level++ {
		sibPos := pos ^ 1
		n, err := m.storage.GetMerkleNode(ctx, chain, levelNodeID(level, sibPos))
		if err != nil {
			siblings[level] = m.zero[level]
		} else {
			v, ok := new(big.Int).SetString(n.Hash, 16)
			if !ok {
				return nil, newErr(KindMerkle, "corrupt sibling node", nil)
			}
			siblings[level] = v
		}
		pos >>= 1
	}

	root, ok := new(big.Int).SetString(state.Root, 16)
	if !ok {
		root = m.zero[TreeDepth]
	}
	return &MerkleProof{Chain: chain, Cid: cid, Leaf: leafVal, Siblings: siblings, Root: root}, nil
}

func hexBig(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.Text(16)
}
