// Package chainindex is a lightweight, in-memory analogue of the original
// wallet's mapBlockIndex: a per-block metadata arena (height, links, PoS
// proof fields) that lets ancestor/common-ancestor lookups walk hash
// pointers without deserializing full blocks from internal/storage.
//
// It is a warm cache, not a source of truth: entries only exist for blocks
// indexed since the process started (internal/chain populates it as blocks
// are committed), so every lookup has a bool "found" return and callers fall
// back to internal/chain.BlockStore when an entry is missing.
package chainindex

import (
	"sync"

	"github.com/novanode/novanode/pkg/types"
)

// Handle is an arena slot. The zero value, NoHandle, never denotes a real
// entry — arena[0] is a reserved sentinel.
type Handle uint32

// NoHandle marks the absence of a link (no parent, no next).
const NoHandle Handle = 0

// Flags mirrors spec.md's BLOCK_PROOF_OF_STAKE / BLOCK_STAKE_ENTROPY /
// BLOCK_STAKE_MODIFIER bits on the original's CBlockIndex.
type Flags uint32

const (
	FlagProofOfStake Flags = 1 << iota
	FlagStakeEntropy
	FlagStakeModifier
)

// BlockIndex is one arena entry: the fields needed for ancestor walks and
// PoS kernel bookkeeping, without the transaction body internal/storage
// keeps alongside the full block.
type BlockIndex struct {
	Hash     types.Hash
	PrevHash types.Hash
	Height   uint64
	Flags    Flags

	// PoS proof fields, populated only for coinstake blocks (Flags&FlagProofOfStake != 0).
	StakeModifierChecksum uint32
	PrevoutStake          types.Outpoint
	NStakeTime            uint64
	HashProof             types.Hash

	prev Handle
	next Handle
}

// Index is the arena plus its hash→handle map and a secondary height→hash
// map for the currently active chain, matching spec.md §9's redesign note:
// express the original's shared-pointer `prev`/`next` cycle as an arena of
// handles with a read-mostly lookup map, mutating `next` only under a lock
// (here, the whole Index's mutex, mirroring the chain's single cs_main-style
// coarse lock).
type Index struct {
	mu     sync.RWMutex
	arena  []BlockIndex
	byHash map[types.Hash]Handle
	mainAt map[uint64]types.Hash
}

// New creates an empty index.
func New() *Index {
	return &Index{
		arena:  make([]BlockIndex, 1), // slot 0 reserved for NoHandle
		byHash: make(map[types.Hash]Handle),
		mainAt: make(map[uint64]types.Hash),
	}
}

// Insert adds bi's entry if its hash isn't already indexed, linking it to
// its parent (if the parent is itself indexed) by updating the parent's
// next pointer. Returns the entry's handle either way. A no-op re-insert of
// an already-known hash returns the existing handle unchanged — the index
// never needs entries updated in place, since a committed block's metadata
// (height, prev hash, proof fields) never changes after the fact.
func (x *Index) Insert(bi BlockIndex) Handle {
	x.mu.Lock()
	defer x.mu.Unlock()

	if h, ok := x.byHash[bi.Hash]; ok {
		return h
	}

	bi.prev = NoHandle
	bi.next = NoHandle
	if parent, ok := x.byHash[bi.PrevHash]; ok {
		bi.prev = parent
	}

	x.arena = append(x.arena, bi)
	h := Handle(len(x.arena) - 1)
	x.byHash[bi.Hash] = h
	if bi.prev != NoHandle {
		x.arena[bi.prev].next = h
	}
	return h
}

// SetMainChainEntry records hash as the active chain's block at height,
// overwriting whatever was recorded there before (a reorg replacing that
// height). Call this whenever internal/chain commits a block to the active
// tip, including reorg replay.
func (x *Index) SetMainChainEntry(height uint64, hash types.Hash) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.mainAt[height] = hash
}

// ClearMainChainEntry removes height's active-chain mapping, used when a
// reorg reverts the block that used to occupy it. A height left unset after
// a reorg (because the new branch is shorter) means MainChainHash correctly
// reports "not found" rather than returning stale data.
func (x *Index) ClearMainChainEntry(height uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.mainAt, height)
}

// ResetMainChain clears every active-chain height mapping. Used by a full
// rebuild reorg, which re-derives supply/difficulty/UTXOs from genesis and
// re-establishes the mapping as it replays.
func (x *Index) ResetMainChain() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.mainAt = make(map[uint64]types.Hash)
}

// MainChainHash returns the active chain's block hash at height, if known.
func (x *Index) MainChainHash(height uint64) (types.Hash, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	h, ok := x.mainAt[height]
	return h, ok
}

// Lookup returns the indexed entry for hash, if any.
func (x *Index) Lookup(hash types.Hash) (BlockIndex, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	h, ok := x.byHash[hash]
	if !ok {
		return BlockIndex{}, false
	}
	return x.arena[h], true
}

// Ancestor walks prevHash links from hash, entirely in memory, until it
// reaches targetHeight. Returns false without touching storage if any
// ancestor along the way hasn't been indexed yet.
func (x *Index) Ancestor(hash types.Hash, targetHeight uint64) (BlockIndex, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	h, ok := x.byHash[hash]
	if !ok {
		return BlockIndex{}, false
	}
	cur := x.arena[h]
	for cur.Height > targetHeight {
		parent, ok := x.byHash[cur.PrevHash]
		if !ok {
			return BlockIndex{}, false
		}
		cur = x.arena[parent]
	}
	if cur.Height != targetHeight {
		return BlockIndex{}, false
	}
	return cur, true
}

// CommonAncestor walks a and b's prevHash links back to equal height, then
// together until the hashes converge — the in-memory fast path for
// internal/chain.collectBranch's fork-point search. Returns false if either
// walk leaves the indexed region before converging, in which case the
// caller falls back to the BlockStore-based walk.
func (x *Index) CommonAncestor(a, b types.Hash) (BlockIndex, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	ah, ok := x.byHash[a]
	if !ok {
		return BlockIndex{}, false
	}
	bh, ok := x.byHash[b]
	if !ok {
		return BlockIndex{}, false
	}
	ca, cb := x.arena[ah], x.arena[bh]

	for ca.Height > cb.Height {
		p, ok := x.byHash[ca.PrevHash]
		if !ok {
			return BlockIndex{}, false
		}
		ca = x.arena[p]
	}
	for cb.Height > ca.Height {
		p, ok := x.byHash[cb.PrevHash]
		if !ok {
			return BlockIndex{}, false
		}
		cb = x.arena[p]
	}
	for ca.Hash != cb.Hash {
		pa, ok := x.byHash[ca.PrevHash]
		if !ok {
			return BlockIndex{}, false
		}
		pb, ok := x.byHash[cb.PrevHash]
		if !ok {
			return BlockIndex{}, false
		}
		ca, cb = x.arena[pa], x.arena[pb]
	}
	return ca, true
}

// Count returns the number of indexed blocks.
func (x *Index) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.arena) - 1
}
