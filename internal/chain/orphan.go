package chain

import (
	"math/rand"

	"github.com/novanode/novanode/pkg/block"
	"github.com/novanode/novanode/pkg/types"
)

// DefaultMaxOrphanBlocks bounds the orphan block pool, mirroring the
// original wallet's DEFAULT_MAX_ORPHAN_BLOCKS.
const DefaultMaxOrphanBlocks = 750

// OrphanBlockPool holds blocks received before their parent, keyed both by
// their own hash and by the parent hash they're waiting on (mapOrphanBlocks /
// mapOrphanBlocksByPrev's role), so that once the missing parent arrives the
// waiting children can be re-offered to ProcessBlock without a rescan.
type OrphanBlockPool struct {
	maxSize    int
	byHash     map[types.Hash]*block.Block
	byPrev     map[types.Hash][]types.Hash // missing parent hash -> orphan hashes waiting on it
	insertions []types.Hash                // insertion order, for random-then-evict
}

// NewOrphanBlockPool creates an orphan block pool capped at maxSize entries
// (DefaultMaxOrphanBlocks if maxSize <= 0).
func NewOrphanBlockPool(maxSize int) *OrphanBlockPool {
	if maxSize <= 0 {
		maxSize = DefaultMaxOrphanBlocks
	}
	return &OrphanBlockPool{
		maxSize: maxSize,
		byHash:  make(map[types.Hash]*block.Block),
		byPrev:  make(map[types.Hash][]types.Hash),
	}
}

// Add parks blk as an orphan, indexed under its PrevHash. Evicts a random
// existing orphan first if the pool is already at capacity.
func (o *OrphanBlockPool) Add(blk *block.Block) {
	hash := blk.Hash()
	if _, exists := o.byHash[hash]; exists {
		return
	}
	if len(o.byHash) >= o.maxSize {
		o.evictRandom()
	}

	o.byHash[hash] = blk
	o.insertions = append(o.insertions, hash)
	prev := blk.Header.PrevHash
	o.byPrev[prev] = append(o.byPrev[prev], hash)
}

// evictRandom removes a random orphan to make room, matching spec.md's
// random-eviction rule for bounded orphan collections.
func (o *OrphanBlockPool) evictRandom() {
	if len(o.insertions) == 0 {
		return
	}
	idx := rand.Intn(len(o.insertions))
	victim := o.insertions[idx]
	o.insertions = append(o.insertions[:idx], o.insertions[idx+1:]...)
	o.remove(victim)
}

func (o *OrphanBlockPool) remove(hash types.Hash) {
	blk, ok := o.byHash[hash]
	if !ok {
		return
	}
	delete(o.byHash, hash)
	prev := blk.Header.PrevHash
	children := o.byPrev[prev]
	filtered := children[:0]
	for _, h := range children {
		if h != hash {
			filtered = append(filtered, h)
		}
	}
	if len(filtered) == 0 {
		delete(o.byPrev, prev)
	} else {
		o.byPrev[prev] = filtered
	}
}

// Remove discards an orphan by hash, e.g. once it has been successfully
// reprocessed into the chain.
func (o *OrphanBlockPool) Remove(hash types.Hash) {
	o.remove(hash)
	for i, h := range o.insertions {
		if h == hash {
			o.insertions = append(o.insertions[:i], o.insertions[i+1:]...)
			break
		}
	}
}

// Has reports whether hash is currently parked as an orphan.
func (o *OrphanBlockPool) Has(hash types.Hash) bool {
	_, ok := o.byHash[hash]
	return ok
}

// Count returns the number of parked orphans.
func (o *OrphanBlockPool) Count() int {
	return len(o.byHash)
}

// ReadyChildren returns (without removing) every orphan waiting on
// parentHash, so the caller can re-offer them to ProcessBlock now that the
// parent has arrived.
func (o *OrphanBlockPool) ReadyChildren(parentHash types.Hash) []*block.Block {
	hashes := o.byPrev[parentHash]
	if len(hashes) == 0 {
		return nil
	}
	out := make([]*block.Block, 0, len(hashes))
	for _, h := range hashes {
		if blk, ok := o.byHash[h]; ok {
			out = append(out, blk)
		}
	}
	return out
}
