package mempool

import (
	"math/rand"

	"github.com/novanode/novanode/pkg/tx"
	"github.com/novanode/novanode/pkg/types"
)

// DefaultMaxOrphanTx bounds the orphan transaction pool, mirroring the
// original wallet's DEFAULT_MAX_ORPHAN_TX.
const DefaultMaxOrphanTx = 100

// OrphanPool holds transactions whose inputs could not be resolved at
// AcceptToMemoryPool time (step 7: MissingInputs), keyed both by their
// own hash and by each unresolved prevout's txid so that once that
// parent transaction arrives, its orphaned children can be re-offered to
// the pool without a full rescan.
type OrphanPool struct {
	maxSize    int
	byHash     map[types.Hash]*tx.Transaction
	byMissing  map[types.Hash][]types.Hash // missing parent txid -> orphan hashes waiting on it
	insertions []types.Hash                // insertion order, for random-then-evict
}

// NewOrphanPool creates an orphan pool capped at maxSize entries
// (DefaultMaxOrphanTx if maxSize <= 0).
func NewOrphanPool(maxSize int) *OrphanPool {
	if maxSize <= 0 {
		maxSize = DefaultMaxOrphanTx
	}
	return &OrphanPool{
		maxSize:   maxSize,
		byHash:    make(map[types.Hash]*tx.Transaction),
		byMissing: make(map[types.Hash][]types.Hash),
	}
}

// missingParents returns the distinct txids a transaction's inputs
// reference that aren't resolvable right now — the caller (mempool Add
// path) determines this from the UTXO-lookup failure and passes them in,
// since only the caller knows which inputs actually failed to resolve.
func missingParents(transaction *tx.Transaction, unresolved map[types.Outpoint]bool) []types.Hash {
	seen := make(map[types.Hash]bool)
	var parents []types.Hash
	for _, in := range transaction.Inputs {
		if !unresolved[in.PrevOut] {
			continue
		}
		if seen[in.PrevOut.TxID] {
			continue
		}
		seen[in.PrevOut.TxID] = true
		parents = append(parents, in.PrevOut.TxID)
	}
	return parents
}

// Add stores transaction as an orphan, indexed under each txid in
// unresolved's prevouts. Evicts a random existing orphan first if the
// pool is already at capacity.
func (o *OrphanPool) Add(transaction *tx.Transaction, unresolved map[types.Outpoint]bool) {
	txHash := transaction.Hash()
	if _, exists := o.byHash[txHash]; exists {
		return
	}
	if len(o.byHash) >= o.maxSize {
		o.evictOldest()
	}

	o.byHash[txHash] = transaction
	o.insertions = append(o.insertions, txHash)
	for _, parent := range missingParents(transaction, unresolved) {
		o.byMissing[parent] = append(o.byMissing[parent], txHash)
	}
}

// evictOldest removes a random orphan to make room, matching spec.md's
// random-eviction rule for bounded orphan collections.
func (o *OrphanPool) evictOldest() {
	if len(o.insertions) == 0 {
		return
	}
	idx := rand.Intn(len(o.insertions))
	victim := o.insertions[idx]
	o.insertions = append(o.insertions[:idx], o.insertions[idx+1:]...)
	o.remove(victim)
}

func (o *OrphanPool) remove(txHash types.Hash) {
	delete(o.byHash, txHash)
	for parent, children := range o.byMissing {
		filtered := children[:0]
		for _, c := range children {
			if c != txHash {
				filtered = append(filtered, c)
			}
		}
		if len(filtered) == 0 {
			delete(o.byMissing, parent)
		} else {
			o.byMissing[parent] = filtered
		}
	}
}

// Remove discards an orphan by hash, e.g. once it has been successfully
// reprocessed into the main pool or explicitly invalidated.
func (o *OrphanPool) Remove(txHash types.Hash) {
	o.remove(txHash)
	for i, h := range o.insertions {
		if h == txHash {
			o.insertions = append(o.insertions[:i], o.insertions[i+1:]...)
			break
		}
	}
}

// Has reports whether txHash is currently parked as an orphan.
func (o *OrphanPool) Has(txHash types.Hash) bool {
	_, ok := o.byHash[txHash]
	return ok
}

// Count returns the number of parked orphans.
func (o *OrphanPool) Count() int {
	return len(o.byHash)
}

// ReadyChildren returns (without removing) every orphan that was waiting
// on parentTxID, so the caller can re-offer them to AcceptToMemoryPool
// now that the parent has arrived.
func (o *OrphanPool) ReadyChildren(parentTxID types.Hash) []*tx.Transaction {
	hashes := o.byMissing[parentTxID]
	if len(hashes) == 0 {
		return nil
	}
	out := make([]*tx.Transaction, 0, len(hashes))
	for _, h := range hashes {
		if t, ok := o.byHash[h]; ok {
			out = append(out, t)
		}
	}
	return out
}
