package forksim

import (
	"math/rand"

	"github.com/novanode/novanode/pkg/types"
)

// CachedForkState is a snapshot of a ForkSpendSimulator's progress, keyed
// in the Cache by the tip it was computed against so a near-identical
// later reorg can resume instead of re-walking the shared prefix.
type CachedForkState struct {
	CommonAncestor            types.Hash
	CommonAncestorHeight      uint64
	ForkTxs                   map[types.Hash]uint32
	SpentOutputs              map[types.Outpoint]struct{}
	LastProcessedTipBlockHash types.Hash
}

// Clone returns a deep copy, since CreateFromCacheObject and
// Resume both mutate their input and a cached entry must stay reusable
// after a failed speculation (see VIUError's "unsafe to reuse" rule).
func (c CachedForkState) Clone() CachedForkState {
	forkTxs := make(map[types.Hash]uint32, len(c.ForkTxs))
	for k, v := range c.ForkTxs {
		forkTxs[k] = v
	}
	spent := make(map[types.Outpoint]struct{}, len(c.SpentOutputs))
	for k := range c.SpentOutputs {
		spent[k] = struct{}{}
	}
	c.ForkTxs = forkTxs
	c.SpentOutputs = spent
	return c
}

// Resume rebuilds a ForkSpendSimulator from a cached state so blocks
// already simulated in a prior speculation don't need to be replayed.
func Resume(blocks BlockSource, locator TxLocator, utxos UTXOSource, decode UndoDecoder, state CachedForkState) *ForkSpendSimulator {
	cloned := state.Clone()
	return &ForkSpendSimulator{
		blocks:                    blocks,
		locator:                   locator,
		utxos:                     utxos,
		decode:                    decode,
		commonAncestor:            cloned.CommonAncestor,
		commonAncestorHeight:      cloned.CommonAncestorHeight,
		forkTxs:                   cloned.ForkTxs,
		spentOutputs:              cloned.SpentOutputs,
		restoredByDisconnect:      make(map[types.Outpoint]struct{}),
		lastProcessedTipBlockHash: cloned.LastProcessedTipBlockHash,
	}
}

// MainChainChecker reports whether a block hash is on the current main
// chain, used by CreateFromCacheObject to detect a stale common ancestor.
type MainChainChecker interface {
	IsOnMainChain(hash types.Hash) (bool, error)
}

// CreateFromCacheObject upgrades a cached fork state whose common ancestor
// has since been reorganized away: it walks back from the stale ancestor
// along PrevHash, folding each visited block's transactions into the
// cached fork's tx set (those blocks are, from newBestHash's perspective,
// now part of the fork rather than the main chain), until it reaches a
// hash that is still on the main chain, which becomes the new common
// ancestor.
func CreateFromCacheObject(obj CachedForkState, newBestHash types.Hash, blocks BlockSource, mainChain MainChainChecker) (CachedForkState, error) {
	state := obj.Clone()

	hash := state.CommonAncestor
	for {
		onMain, err := mainChain.IsOnMainChain(hash)
		if err != nil {
			return CachedForkState{}, &VIUError{Kind: CommonAncestorSearchFailed, Detail: err.Error()}
		}
		if onMain {
			state.CommonAncestor = hash
			break
		}

		blk, err := blocks.GetBlock(hash)
		if err != nil {
			return CachedForkState{}, &VIUError{Kind: BlockCannotBeReadFromDB, Detail: err.Error()}
		}
		for _, t := range blk.Transactions {
			state.ForkTxs[t.Hash()] = uint32(len(t.Outputs))
		}
		if blk.Header.Height == 0 {
			return CachedForkState{}, &VIUError{Kind: FormerCommonAncestorNotFound}
		}
		state.CommonAncestorHeight = blk.Header.Height - 1
		hash = blk.Header.PrevHash
	}

	state.LastProcessedTipBlockHash = newBestHash
	return state, nil
}

// Cache bounds how many CachedForkState entries are kept in memory,
// keyed by the tip block hash they were computed against. Capacity is
// enforced by evicting a uniformly random existing entry, matching
// spec.md's "eviction is random" rule rather than an LRU policy.
type Cache struct {
	capacity int
	entries  map[types.Hash]CachedForkState
	order    []types.Hash // insertion order, used only to pick a random victim
}

// NewCache creates a cache holding at most capacity entries.
func NewCache(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[types.Hash]CachedForkState),
	}
}

// Get returns the cached state for tipHash, if present.
func (c *Cache) Get(tipHash types.Hash) (CachedForkState, bool) {
	state, ok := c.entries[tipHash]
	return state, ok
}

// Put stores state under tipHash, evicting a random existing entry first
// if the cache is already at capacity.
func (c *Cache) Put(tipHash types.Hash, state CachedForkState) {
	if _, exists := c.entries[tipHash]; !exists && len(c.entries) >= c.capacity {
		victim := c.order[rand.Intn(len(c.order))]
		delete(c.entries, victim)
		c.removeFromOrder(victim)
	}
	if _, exists := c.entries[tipHash]; !exists {
		c.order = append(c.order, tipHash)
	}
	c.entries[tipHash] = state
}

func (c *Cache) removeFromOrder(hash types.Hash) {
	for i, h := range c.order {
		if h == hash {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// Len reports how many entries are currently cached.
func (c *Cache) Len() int {
	return len(c.entries)
}
