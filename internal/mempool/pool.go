// Package mempool manages pending transactions waiting for block inclusion.
package mempool

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/novanode/novanode/internal/token"
	"github.com/novanode/novanode/internal/utxo"
	"github.com/novanode/novanode/pkg/tx"
	"github.com/novanode/novanode/pkg/types"
)

// Mempool errors.
var (
	ErrAlreadyExists     = errors.New("transaction already in mempool")
	ErrConflict          = errors.New("transaction conflicts with existing mempool entry")
	ErrPoolFull          = errors.New("mempool is full")
	ErrValidation        = errors.New("transaction failed validation")
	ErrFeeTooLow         = errors.New("transaction fee below minimum")
	ErrCoinbaseNotMature = errors.New("coinbase output not mature")
	// ErrMissingInputs is returned when a transaction was parked in the
	// orphan pool rather than rejected outright: it isn't invalid, its
	// parent just hasn't arrived yet (AcceptToMemoryPool step 7).
	ErrMissingInputs = errors.New("transaction inputs not yet resolvable, parked as orphan")
	// ErrFreeRelayLimited is returned when a zero-fee-rate transaction
	// exceeds the free-relay token bucket (AcceptToMemoryPool step 10).
	ErrFreeRelayLimited = errors.New("free transaction relay rate exceeded")
)

// entry wraps a transaction with its fee and metadata.
type entry struct {
	tx      *tx.Transaction
	txHash  types.Hash
	fee     uint64
	feeRate float64 // fee per byte of SigningBytes.
}

// Pool holds unconfirmed transactions.
type Pool struct {
	mu      sync.RWMutex
	txs     map[types.Hash]*entry         // txHash -> entry
	spends  map[types.Outpoint]types.Hash // outpoint -> txHash (conflict index)
	maxSize int
	minFeeRate uint64 // Base fee of the minimum-fee step function, (1 + size/1000) × minFeeRate (0 = no minimum).
	utxos   tx.UTXOProvider

	// Coinbase maturity checking.
	utxoSet          utxo.Set      // For maturity checks (nil = disabled).
	heightFn         func() uint64 // Current chain height.
	coinbaseMaturity uint64        // Required confirmations (0 = disabled).

	// Token validation.
	tokenInputs token.InputTokens // For token conservation checks (nil = disabled).
	mintFee     uint64            // Minimum fee for mint transactions (0 = no extra requirement).
	tokenStore  *token.Store      // For committed-chain symbol uniqueness (nil = disabled).

	// symbolIndex/txSymbol track mint transactions' claimed symbols so a
	// second mint for the same symbol is rejected before it ever reaches
	// a block (Testable Property 9).
	symbolIndex map[string]types.Hash // symbol -> txHash holding it
	txSymbol    map[types.Hash]string // txHash -> symbol, for cleanup on Remove

	// Stake validation.
	stakeAmount uint64 // Exact amount required for stake outputs (0 = disabled).

	// orphans holds transactions parked on a missing parent (step 7);
	// freeRelay gates zero-fee-rate transactions (step 10). Both nil means
	// the corresponding policy is disabled.
	orphans   *OrphanPool
	freeRelay *FreeRelayLimiter
}

// New creates a new mempool with the given UTXO provider and max size.
func New(utxos tx.UTXOProvider, maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = 5000
	}
	return &Pool{
		txs:         make(map[types.Hash]*entry),
		spends:      make(map[types.Outpoint]types.Hash),
		maxSize:     maxSize,
		utxos:       utxos,
		symbolIndex: make(map[string]types.Hash),
		txSymbol:    make(map[types.Hash]string),
	}
}

// SetTokenStore enables committed-chain symbol-uniqueness checks at
// AcceptToMemoryPool time (the mempool-side half lives in this pool's own
// symbolIndex regardless of whether a store is set).
func (p *Pool) SetTokenStore(store *token.Store) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenStore = store
}

// HasSymbol reports whether a pending mempool transaction already claims
// symbol, satisfying token.MempoolSymbolIndex.
func (p *Pool) HasSymbol(symbol string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.symbolIndex[token.NormalizeSymbol(symbol)]
	return exists
}

// mintSymbol returns the symbol a transaction's mint output (if any)
// claims, normalized so that "ABCDE" and "abcde" extract to the same
// index key (spec's case-insensitive symbol comparison, Testable
// Property 9). Returns "" if the transaction doesn't mint a token or the
// mint output carries no symbol metadata.
func mintSymbol(transaction *tx.Transaction) string {
	for _, out := range transaction.Outputs {
		if out.Script.Type != types.ScriptTypeMint {
			continue
		}
		_, _, symbol, _, ok := token.DecodeMintData(out.Script.Data)
		if ok && symbol != "" {
			return token.NormalizeSymbol(symbol)
		}
	}
	return ""
}

// SetMinFeeRate sets the base fee (base units) for transaction acceptance: a
// transaction of size bytes must pay at least (1 + size/1000) × rate.
func (p *Pool) SetMinFeeRate(rate uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minFeeRate = rate
}

// MinFeeRate returns the current base fee of the minimum-fee step function.
func (p *Pool) MinFeeRate() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minFeeRate
}

// SetTokenValidator enables token validation in the mempool.
func (p *Pool) SetTokenValidator(inputs token.InputTokens) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenInputs = inputs
}

// SetMintFee sets the minimum fee required for mint transactions.
func (p *Pool) SetMintFee(fee uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mintFee = fee
}

// SetStakeAmount sets the exact amount required for stake outputs.
// Transactions with ScriptTypeStake outputs whose value != stakeAmount are rejected.
func (p *Pool) SetStakeAmount(amount uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stakeAmount = amount
}

// SetOrphanPool enables orphan parking for transactions with unresolvable
// inputs instead of hard-rejecting them.
func (p *Pool) SetOrphanPool(orphans *OrphanPool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orphans = orphans
}

// Orphans returns the pool's orphan pool, or nil if orphan parking is
// disabled. Callers use this to drain ReadyChildren once a parent lands.
func (p *Pool) Orphans() *OrphanPool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.orphans
}

// SetFreeRelayLimiter enables rate-limiting of zero-fee-rate transactions.
func (p *Pool) SetFreeRelayLimiter(limiter *FreeRelayLimiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freeRelay = limiter
}

// SetCoinbaseMaturity enables coinbase maturity checking.
func (p *Pool) SetCoinbaseMaturity(maturity uint64, heightFn func() uint64, set utxo.Set) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.coinbaseMaturity = maturity
	p.heightFn = heightFn
	p.utxoSet = set
}

// Add validates and adds a transaction to the mempool.
// Returns the computed fee. Rejects duplicates and double-spend conflicts.
func (p *Pool) Add(transaction *tx.Transaction) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	txHash := transaction.Hash()

	// Reject duplicates.
	if _, exists := p.txs[txHash]; exists {
		return 0, ErrAlreadyExists
	}

	// Check for double-spend conflicts.
	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		if conflictHash, exists := p.spends[in.PrevOut]; exists {
			return 0, fmt.Errorf("%w: input %s already spent by %s", ErrConflict, in.PrevOut, conflictHash)
		}
	}

	// Coinbase and coinstake transactions only ever arrive inside a block
	// (AcceptToMemoryPool step 2); as loose transactions they're rejected.
	if transaction.IsCoinbase() || transaction.IsCoinstake() {
		return 0, fmt.Errorf("%w: coinbase/coinstake cannot be relayed as a loose transaction", ErrValidation)
	}

	// Standard-form check (AcceptToMemoryPool step 3): size, signature
	// size, output templates, dust, and marker-output cap. Coinbase and
	// coinstake never reach the mempool as loose transactions, so no
	// exemption is needed here.
	if err := tx.CheckStandard(transaction); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	// Finality check (AcceptToMemoryPool step 4): a transaction with a
	// non-final input must not be relayed yet.
	if p.heightFn != nil {
		nextHeight := p.heightFn() + 1
		if !transaction.IsFinal(nextHeight, uint64(time.Now().Unix())) {
			return 0, fmt.Errorf("%w: transaction is not final", ErrValidation)
		}
	}

	// Coinbase maturity check.
	if p.coinbaseMaturity > 0 && p.utxoSet != nil {
		currentHeight := p.heightFn()
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			u, uErr := p.utxoSet.Get(in.PrevOut)
			if uErr == nil && u.Coinbase && currentHeight-u.Height < p.coinbaseMaturity {
				return 0, fmt.Errorf("%w: need %d confirmations, have %d",
					ErrCoinbaseNotMature, p.coinbaseMaturity, currentHeight-u.Height)
			}
			if uErr == nil && u.LockedUntil > 0 && currentHeight < u.LockedUntil {
				return 0, fmt.Errorf("output locked until block %d, current %d", u.LockedUntil, currentHeight)
			}
		}
	}

	// UTXO-aware validation.
	fee, err := transaction.ValidateWithUTXOs(p.utxos)
	if err != nil {
		if p.orphans != nil && errors.Is(err, tx.ErrInputNotFound) {
			unresolved := make(map[types.Outpoint]bool)
			for _, in := range transaction.Inputs {
				if in.PrevOut.IsZero() {
					continue
				}
				if !p.utxos.HasUTXO(in.PrevOut) {
					unresolved[in.PrevOut] = true
				}
			}
			p.orphans.Add(transaction, unresolved)
			return 0, ErrMissingInputs
		}
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	// Token validation.
	if p.tokenInputs != nil {
		if err := token.ValidateTokens(transaction, p.tokenInputs); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	// Mint fee: require higher fee for transactions that create tokens.
	if p.mintFee > 0 && fee < p.mintFee {
		if token.HasMintOutput(transaction) {
			return 0, fmt.Errorf("%w: mint tx needs %d, got %d", ErrFeeTooLow, p.mintFee, fee)
		}
	}

	// Symbol uniqueness: reject a second mint for a symbol already on
	// chain or already pending in this mempool. Checked inline against
	// p.symbolIndex (rather than via token.CheckSymbolUnique, which would
	// call back into Pool.HasSymbol and deadlock on the lock already held
	// here).
	symbol := mintSymbol(transaction)
	if symbol != "" {
		if p.tokenStore != nil {
			taken, err := p.tokenStore.HasSymbol(symbol)
			if err != nil {
				return 0, fmt.Errorf("%w: check committed symbol: %v", ErrValidation, err)
			}
			if taken {
				return 0, fmt.Errorf("%w: %v", ErrValidation, token.ErrSymbolTaken)
			}
		}
		if _, pending := p.symbolIndex[symbol]; pending {
			return 0, fmt.Errorf("%w: %v", ErrValidation, token.ErrSymbolTaken)
		}
	}

	// Stake amount: enforce exact value on ScriptTypeStake outputs.
	if p.stakeAmount > 0 {
		for _, out := range transaction.Outputs {
			if out.Script.Type == types.ScriptTypeStake && out.Value != p.stakeAmount {
				return 0, fmt.Errorf("%w: stake output must be exactly %d, got %d", ErrValidation, p.stakeAmount, out.Value)
			}
		}
	}

	// Compute fee rate for minimum check and eviction comparison.
	sigBytes := len(transaction.SigningBytes())
	var feeRate float64
	if sigBytes > 0 {
		feeRate = float64(fee) / float64(sigBytes)
	}

	// Enforce the minimum fee (AcceptToMemoryPool step 9): a step function
	// of size, not a flat per-byte rate. min_fee = (1 + size/1000) ×
	// baseFee, baseFee being p.minFeeRate (both play MIN_RELAY_TX_FEE's
	// role — this pool's configured rate already doubles as that base).
	// Any output below a Cent raises the floor to one full baseFee; the step
	// function never yields less than one baseFee (and CheckStandard above
	// has already rejected such outputs), so that clause leaves requiredFee
	// unchanged.
	if p.minFeeRate > 0 {
		requiredFee := (1 + uint64(sigBytes)/1000) * p.minFeeRate
		if hasDustOutput(transaction) && requiredFee < p.minFeeRate {
			requiredFee = p.minFeeRate
		}
		if fee < requiredFee {
			return 0, fmt.Errorf("%w: got %d, need %d (%d bytes, base rate %d)", ErrFeeTooLow, fee, requiredFee, sigBytes, p.minFeeRate)
		}
	}

	// Free-relay gate: a zero fee rate still clears the minimum-fee check
	// above when minFeeRate is 0, so it needs its own budget (step 10).
	if feeRate == 0 && p.freeRelay != nil {
		if !p.freeRelay.Allow(sigBytes) {
			return 0, ErrFreeRelayLimited
		}
	}

	// Check pool capacity — evict lowest fee-rate if new tx pays more.
	if len(p.txs) >= p.maxSize {
		lowestHash, lowestRate := p.findLowestFeeRate()
		if feeRate <= lowestRate {
			return 0, ErrPoolFull
		}
		p.removeLocked(lowestHash)
	}

	e := &entry{
		tx:      transaction,
		txHash:  txHash,
		fee:     fee,
		feeRate: feeRate,
	}

	// Add to pool and conflict index.
	p.txs[txHash] = e
	for _, in := range transaction.Inputs {
		if !in.PrevOut.IsZero() {
			p.spends[in.PrevOut] = txHash
		}
	}
	if symbol != "" {
		p.symbolIndex[symbol] = txHash
		p.txSymbol[txHash] = symbol
	}

	return fee, nil
}

// ProcessOrphans re-offers every orphan waiting on parentTxID to Add, now
// that parentTxID has landed in the pool or a block. Orphans that succeed
// or that turn out permanently invalid are dropped from the orphan pool;
// orphans still missing a different input are left parked. Returns the
// transactions that were newly accepted.
func (p *Pool) ProcessOrphans(parentTxID types.Hash) []*tx.Transaction {
	p.mu.Lock()
	orphans := p.orphans
	var candidates []*tx.Transaction
	if orphans != nil {
		candidates = orphans.ReadyChildren(parentTxID)
	}
	p.mu.Unlock()
	if len(candidates) == 0 {
		return nil
	}

	var accepted []*tx.Transaction
	for _, candidate := range candidates {
		_, err := p.Add(candidate)
		p.mu.Lock()
		switch {
		case err == nil:
			orphans.Remove(candidate.Hash())
			accepted = append(accepted, candidate)
		case errors.Is(err, ErrMissingInputs):
			// Still waiting on another parent; Add() already re-parked it.
		default:
			orphans.Remove(candidate.Hash())
		}
		p.mu.Unlock()
	}
	return accepted
}

// Remove removes a transaction from the mempool by hash.
func (p *Pool) Remove(txHash types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(txHash)
}

func (p *Pool) removeLocked(txHash types.Hash) {
	e, exists := p.txs[txHash]
	if !exists {
		return
	}
	// Clean up spend index.
	for _, in := range e.tx.Inputs {
		if !in.PrevOut.IsZero() {
			delete(p.spends, in.PrevOut)
		}
	}
	if symbol, ok := p.txSymbol[txHash]; ok {
		delete(p.symbolIndex, symbol)
		delete(p.txSymbol, txHash)
	}
	delete(p.txs, txHash)
}

// RemoveConfirmed removes all transactions that were included in a block.
func (p *Pool) RemoveConfirmed(transactions []*tx.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range transactions {
		p.removeLocked(t.Hash())
	}
}

// Has checks if a transaction exists in the mempool.
func (p *Pool) Has(txHash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.txs[txHash]
	return exists
}

// Get retrieves a transaction from the mempool.
func (p *Pool) Get(txHash types.Hash) *tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return nil
	}
	return e.tx
}

// GetFee returns the fee for a transaction in the mempool (0 if not found).
func (p *Pool) GetFee(txHash types.Hash) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return 0
	}
	return e.fee
}

// Count returns the number of transactions in the mempool.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// Hashes returns the hashes of all transactions in the mempool.
func (p *Pool) Hashes() []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	hashes := make([]types.Hash, 0, len(p.txs))
	for h := range p.txs {
		hashes = append(hashes, h)
	}
	return hashes
}

// hasDustOutput reports whether transaction carries any non-token output
// below the dust threshold (spec step 9's "any output < CENT" clause).
func hasDustOutput(transaction *tx.Transaction) bool {
	for i, out := range transaction.Outputs {
		if i == 0 && out.Value == 0 && out.Script.Type == 0 && len(out.Script.Data) == 0 {
			continue // coinstake/coinbase marker, never reaches here anyway
		}
		if out.Token == nil && tx.IsDust(out.Value) {
			return true
		}
	}
	return false
}

// findLowestFeeRate returns the hash and fee rate of the lowest fee-rate entry.
// Must be called with p.mu held.
func (p *Pool) findLowestFeeRate() (types.Hash, float64) {
	var lowestHash types.Hash
	lowestRate := math.MaxFloat64
	for h, e := range p.txs {
		if e.feeRate < lowestRate {
			lowestRate = e.feeRate
			lowestHash = h
		}
	}
	return lowestHash, lowestRate
}

// SelectForBlock returns transactions ordered by fee rate (highest first),
// up to the given limit.
func (p *Pool) SelectForBlock(limit int) []*tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}

	// Sort by fee rate descending.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].feeRate > entries[j].feeRate
	})

	if limit > len(entries) {
		limit = len(entries)
	}

	result := make([]*tx.Transaction, limit)
	for i := 0; i < limit; i++ {
		result[i] = entries[i].tx
	}
	return result
}
