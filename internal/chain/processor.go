package chain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/novanode/novanode/config"
	"github.com/novanode/novanode/internal/chainindex"
	"github.com/novanode/novanode/internal/consensus"
	"github.com/novanode/novanode/internal/token"
	"github.com/novanode/novanode/internal/utxo"
	"github.com/novanode/novanode/pkg/block"
	"github.com/novanode/novanode/pkg/tx"
	"github.com/novanode/novanode/pkg/types"
)

// Block processing errors.
var (
	ErrBlockKnown             = errors.New("block already known")
	ErrPrevNotFound           = errors.New("previous block not found")
	ErrBadHeight              = errors.New("block height does not follow parent")
	ErrBadPrevHash            = errors.New("prev_hash does not match current tip")
	ErrApplyUTXO              = errors.New("failed to apply UTXO changes")
	ErrCoinbaseNotMature      = errors.New("coinbase output not mature")
	ErrTimestampTooFuture     = errors.New("block timestamp too far in the future")
	ErrTimestampBeforeParent  = errors.New("block timestamp before parent")
	ErrInvalidStakeAmount     = errors.New("invalid stake amount")
	ErrBadCoinbaseTx          = errors.New("invalid coinbase transaction")
	ErrCoinbaseRewardExceeded = errors.New("coinbase reward exceeds consensus limit")
	ErrSigningLimitExceeded   = errors.New("validator exceeded signing limit")
	ErrDuplicateTx            = errors.New("transaction hash already on chain with unspent outputs")
)

// ProcessBlock validates a block and applies it to the chain.
// It checks structural validity, consensus rules, UTXO state, then
// updates the UTXO set, block store, and chain tip.
// If the block extends a fork that is longer than the current chain, a
// reorg is triggered automatically. A block whose parent is unknown is
// parked in the orphan block pool instead of being rejected outright; it is
// re-offered automatically once its parent is applied.
func (c *Chain) ProcessBlock(blk *block.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.processBlockLocked(blk); err != nil {
		return err
	}

	c.admitReadyOrphans(blk.Hash())
	return nil
}

// admitReadyOrphans re-offers every orphan block that was waiting on
// parentHash now that it has been applied, recursively admitting their own
// children in turn. Must be called with c.mu held.
func (c *Chain) admitReadyOrphans(parentHash types.Hash) {
	for _, orphan := range c.orphans.ReadyChildren(parentHash) {
		hash := orphan.Hash()
		c.orphans.Remove(hash)
		if err := c.processBlockLocked(orphan); err != nil {
			continue // Still invalid (or a duplicate) — drop it.
		}
		c.admitReadyOrphans(hash)
	}
}

// processBlockLocked is ProcessBlock's body, run with c.mu already held.
func (c *Chain) processBlockLocked(blk *block.Block) error {
	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}

	hash := blk.Hash()

	// Reject duplicates.
	known, err := c.blocks.HasBlock(hash)
	if err != nil {
		return fmt.Errorf("check block: %w", err)
	}
	if known {
		return ErrBlockKnown
	}

	// Check parent linkage first — we need the correct height before
	// verifying difficulty and running consensus validation.
	parentErr := c.checkParentLink(blk)
	if errors.Is(parentErr, ErrPrevNotFound) {
		c.orphans.Add(blk)
		return parentErr
	}
	if parentErr != nil && !errors.Is(parentErr, ErrForkDetected) {
		return parentErr
	}

	// Verify PoW difficulty matches expected (from chain history).
	// Only on fast path — fork blocks are verified during reorg replay.
	if !errors.Is(parentErr, ErrForkDetected) {
		if err := c.verifyDifficulty(blk); err != nil {
			return err
		}
	}

	// Structural + consensus validation (VerifyHeader checks hash vs header.Difficulty).
	if err := c.validator.ValidateBlock(blk); err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	// Note: Signing limit is NOT checked here on the fast path.
	// Blocks received from peers during sync were already accepted by the network.
	// The signing limit is enforced in:
	//   - Miner pre-check (IsSigningLimitReached) — prevents local violations
	//   - Reorg replay — prevents rogue validators from forcing reorgs

	// Block timestamp bounds: reject blocks too far in the future.
	maxTime := uint64(time.Now().Add(2 * time.Minute).Unix())
	if blk.Header.Timestamp > maxTime {
		return fmt.Errorf("%w: block timestamp %d exceeds max %d", ErrTimestampTooFuture, blk.Header.Timestamp, maxTime)
	}

	// Block timestamp must not be before its parent (monotonic).
	if blk.Header.Height > 0 {
		parentBlk, err := c.blocks.GetBlock(blk.Header.PrevHash)
		if err == nil && blk.Header.Timestamp < parentBlk.Header.Timestamp {
			return fmt.Errorf("%w: block timestamp %d < parent timestamp %d",
				ErrTimestampBeforeParent, blk.Header.Timestamp, parentBlk.Header.Timestamp)
		}
	}

	// Fork detected: store the block and decide whether to reorg.
	if errors.Is(parentErr, ErrForkDetected) {
		// Store block data only (no height/tx indexes yet).
		if err := c.blocks.StoreBlock(blk); err != nil {
			return fmt.Errorf("store fork block: %w", err)
		}

		// Decide whether to attempt reorg.
		// Same-height or longer forks are candidates — Reorg itself compares
		// cumulative difficulty to decide (works for both PoA and PoW).
		shouldAttempt := blk.Header.Height >= c.state.Height
		if c.isPoWEngine() {
			shouldAttempt = true // PoW: difficulty variations can make shorter chains heavier.
		}
		if shouldAttempt {
			if err := c.Reorg(hash); err != nil {
				return fmt.Errorf("reorg: %w", err)
			}
		}
		// If the reorg didn't proceed, the block is stored but not active.
		return nil
	}

	// Fast path: block extends current tip.

	// Validate UTXO-dependent rules (signatures, maturity, tokens, stakes).
	if err := c.validateBlockState(blk); err != nil {
		return err
	}

	// Compute block reward (new coins) before applying, while inputs are
	// still in the UTXO set. reward = coinbase_value - total_fees.
	blockReward := c.computeBlockReward(blk)

	// Apply UTXO changes and collect undo data.
	undo, err := c.applyBlockWithUndo(blk)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrApplyUTXO, err)
	}
	undo.BlockReward = blockReward

	// Persist the block.
	if err := c.blocks.PutBlock(blk); err != nil {
		return fmt.Errorf("store block: %w", err)
	}

	// Persist undo data.
	undoBytes, err := json.Marshal(undo)
	if err != nil {
		return fmt.Errorf("marshal undo: %w", err)
	}
	if err := c.blocks.PutUndo(hash, undoBytes); err != nil {
		return fmt.Errorf("store undo: %w", err)
	}

	// Cap block reward to respect max supply.
	if c.maxSupply > 0 && c.state.Supply+blockReward > c.maxSupply {
		blockReward = c.maxSupply - c.state.Supply
	}

	// Track newly minted coins (block reward only; fees are recycled).
	c.state.Supply += blockReward
	c.state.CumulativeDifficulty += blk.Header.Difficulty

	// Update chain tip.
	c.state.TipHash = hash
	c.state.Height = blk.Header.Height
	c.state.TipTimestamp = blk.Header.Timestamp
	if err := c.blocks.SetTip(hash, blk.Header.Height, c.state.Supply); err != nil {
		return fmt.Errorf("set tip: %w", err)
	}
	if err := c.blocks.SetCumulativeDifficulty(c.state.CumulativeDifficulty); err != nil {
		return fmt.Errorf("set cumulative difficulty: %w", err)
	}

	// Record this block in the in-memory chain index before the stake
	// modifier advances, so a coinstake block's cached proof fields reflect
	// the modifier value it was actually verified against.
	c.indexBlock(blk, c.state.StakeModifier)
	c.index.SetMainChainEntry(blk.Header.Height, hash)

	// Advance the PoS stake modifier at most once per StakeModifierInterval,
	// mixing in this block's hash the same way a kernel-selected block
	// feeds the next interval's modifier.
	if _, ok := c.engine.(*consensus.PoS); ok {
		newModifier := consensus.NextStakeModifier(c.state.StakeModifier, c.state.StakeModifierTime, blk.Header.Timestamp, hash)
		if newModifier != c.state.StakeModifier {
			c.state.StakeModifier = newModifier
			c.state.StakeModifierTime = blk.Header.Timestamp
			if err := c.blocks.SetStakeModifier(c.state.StakeModifier, c.state.StakeModifierTime); err != nil {
				return fmt.Errorf("set stake modifier: %w", err)
			}
		}
	}

	// Scan for sub-chain registration outputs.
	if c.registrationHandler != nil {
		for _, transaction := range blk.Transactions {
			txHash := transaction.Hash()
			for i, out := range transaction.Outputs {
				if out.Script.Type == types.ScriptTypeRegister {
					c.registrationHandler(txHash, uint32(i), out.Value, out.Script.Data, blk.Header.Height)
				}
			}
		}
	}

	// Scan for stake outputs → register new validators.
	if c.stakeHandler != nil {
		for _, transaction := range blk.Transactions {
			for _, out := range transaction.Outputs {
				if out.Script.Type == types.ScriptTypeStake && len(out.Script.Data) == 33 {
					c.stakeHandler(out.Script.Data)
				}
			}
		}
	}

	// Scan for spent stake UTXOs → fire unstake handler.
	if c.unstakeHandler != nil {
		for i := range undo.SpentUTXOs {
			su := &undo.SpentUTXOs[i]
			if su.Script.Type == types.ScriptTypeStake && len(su.Script.Data) == 33 {
				c.unstakeHandler(su.Script.Data)
			}
		}
	}

	return nil
}

// indexBlock records blk's metadata in the in-memory chain index: its link
// to its parent, and — for a coinstake block — the PoS proof fields
// spec.md's BlockIndex carries. stakeModifier must be the modifier value
// the block was actually verified against (pre-advance), so the cached
// kernel hash matches what checkCoinstakeBlock checked. The kernel hash
// here uses the block's own header timestamp rather than the staked
// UTXO's exact mint time (already consumed by the time this runs), so it's
// a cache key for fast lookups, not a re-derivable consensus artifact.
// Insert is idempotent on a known hash, so calling this more than once for
// the same block (e.g. during both a fast-path commit and a later warm
// reseed) is harmless.
func (c *Chain) indexBlock(blk *block.Block, stakeModifier uint64) {
	bi := chainindex.BlockIndex{
		Hash:     blk.Hash(),
		PrevHash: blk.Header.PrevHash,
		Height:   blk.Header.Height,
	}
	if _, ok := c.engine.(*consensus.PoS); ok && len(blk.Transactions) >= 2 && blk.Transactions[1].IsCoinstake() {
		coinstake := blk.Transactions[1]
		kernelIn := coinstake.Inputs[0]
		bi.Flags |= chainindex.FlagProofOfStake
		bi.PrevoutStake = kernelIn.PrevOut
		bi.NStakeTime = uint64(coinstake.NTime)
		bi.StakeModifierChecksum = uint32(stakeModifier)
		bi.HashProof = consensus.KernelHash(stakeModifier, blk.Header.Timestamp, kernelIn.PrevOut, uint64(coinstake.NTime))
	}
	c.index.Insert(bi)
}

// validateBlockState checks UTXO-dependent rules: transaction signatures,
// coinbase maturity, token conservation, and stake amounts.
// Used by both the fast path and reorg replay to ensure consistent validation.
func (c *Chain) validateBlockState(blk *block.Block) error {
	if err := c.checkDuplicateTransactions(blk); err != nil {
		return err
	}

	coinbaseTx := blk.Transactions[0]

	// Coinbase must be a dedicated transaction:
	// exactly one input and that input must be the zero outpoint marker.
	if len(coinbaseTx.Inputs) != 1 || !coinbaseTx.Inputs[0].PrevOut.IsZero() {
		return ErrBadCoinbaseTx
	}

	// Reject coinbase with token outputs — tokens must go through normal
	// transactions so that mint fee and conservation rules are enforced.
	for i, out := range coinbaseTx.Outputs {
		if out.Token != nil {
			return fmt.Errorf("coinbase output %d: must not contain token data", i)
		}
		if out.Script.Type == types.ScriptTypeMint {
			return fmt.Errorf("coinbase output %d: must not use mint script type", i)
		}
	}

	// Full UTXO-aware transaction validation (skip coinbase):
	// ownership checks, input existence/unspent checks, signatures, and fee sanity.
	// A coinstake transaction (index 1 on a hybrid PoW/PoS chain) is exempted
	// from the inputs >= outputs floor: it mints a PoS reward on top of its
	// staked input by design. Its minted amount is checked separately, against
	// consensus.PoS.ProofOfStakeReward, inside checkCoinstakeBlock below.
	_, isPoS := c.engine.(*consensus.PoS)
	utxoProvider := &chainUTXOProvider{set: c.utxos}
	fees := make([]uint64, len(blk.Transactions))
	var totalFees uint64
	var coinstakeMinted uint64
	for i, transaction := range blk.Transactions {
		if i == 0 {
			continue // Coinbase.
		}
		if isPoS && i == 1 && transaction.IsCoinstake() {
			in, out, err := transaction.ValidateCoinstakeWithUTXOs(utxoProvider)
			if err != nil {
				return fmt.Errorf("tx %d validation: %w", i, err)
			}
			if out > in {
				coinstakeMinted = out - in
			}
			continue
		}
		fee, err := transaction.ValidateWithUTXOs(utxoProvider)
		if err != nil {
			return fmt.Errorf("tx %d validation: %w", i, err)
		}
		if totalFees > math.MaxUint64-fee {
			return fmt.Errorf("tx %d fee overflow", i)
		}
		fees[i] = fee
		totalFees += fee
	}

	// Enforce coinbase mint limit:
	// minted = coinbase_total - total_fees (fees are recycled, not newly minted).
	coinbaseTotal, err := coinbaseTx.TotalOutputValue()
	if err != nil {
		return fmt.Errorf("coinbase output overflow: %w", err)
	}
	var minted uint64
	if coinbaseTotal > totalFees {
		minted = coinbaseTotal - totalFees
	}
	allowedMint := c.blockReward
	if c.maxSupply > 0 {
		if c.state.Supply >= c.maxSupply {
			allowedMint = 0
		} else if remaining := c.maxSupply - c.state.Supply; allowedMint > remaining {
			allowedMint = remaining
		}
	}
	if minted > allowedMint {
		return fmt.Errorf("%w: minted=%d allowed=%d", ErrCoinbaseRewardExceeded, minted, allowedMint)
	}

	// Defensive rule: only transaction 0 may carry a coinbase marker input.
	for i, transaction := range blk.Transactions[1:] {
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				return fmt.Errorf("%w: tx %d contains coinbase input", ErrBadCoinbaseTx, i+1)
			}
		}
	}

	// Coinbase maturity: reject blocks that spend immature coinbase outputs.
	if err := c.checkCoinbaseMaturity(blk); err != nil {
		return err
	}

	// Token validation: verify token conservation, minting, and burning rules.
	tokenInputs := &token.UTXOTokenAdapter{Set: c.utxos}
	for i, transaction := range blk.Transactions[1:] {
		if err := token.ValidateTokens(transaction, tokenInputs); err != nil {
			return fmt.Errorf("token validation: %w", err)
		}
		if config.TokenCreationFee > 0 && token.HasMintOutput(transaction) {
			txFee := fees[i+1]
			if err := token.ValidateMintFee(transaction, txFee, config.TokenCreationFee); err != nil {
				return fmt.Errorf("token creation fee: %w", err)
			}
		}
	}

	// Enforce exact stake amount at chain level. A coinstake's own stake-return
	// output is exempt: it re-stakes the kernel input's value plus the minted
	// PoS reward, so it legitimately exceeds the fixed registration amount.
	if c.validatorStake > 0 {
		for i, transaction := range blk.Transactions[1:] {
			if isPoS && i == 0 && transaction.IsCoinstake() {
				continue
			}
			for _, out := range transaction.Outputs {
				if out.Script.Type == types.ScriptTypeStake && out.Value != c.validatorStake {
					return fmt.Errorf("%w: must be exactly %d, got %d", ErrInvalidStakeAmount, c.validatorStake, out.Value)
				}
			}
		}
	}

	// Hybrid PoW/PoS: a block carrying a coinstake at index 1 must clear
	// the kernel and block-signature checks a bare PoW header can't express,
	// and its minted amount must not exceed the coin-age reward it earned.
	if pos, ok := c.engine.(*consensus.PoS); ok {
		if err := c.checkCoinstakeBlock(pos, blk, coinstakeMinted, totalFees); err != nil {
			return err
		}
	}

	return nil
}

// checkCoinstakeBlock validates the PoS half of a hybrid chain: it is a
// no-op for blocks that don't carry a coinstake (the hybrid schedule's
// PoW-path blocks, already covered by VerifyHeader/verifyDifficulty).
// For a coinstake block, it resolves the kernel input's staked UTXO,
// computes its weighted coin-age, and delegates the kernel-hash and
// block-signature checks to consensus.PoS.VerifyCoinstakeBlock, then checks
// that the coinstake didn't mint more than its coin-age reward plus the
// block's collected transaction fees.
func (c *Chain) checkCoinstakeBlock(pos *consensus.PoS, blk *block.Block, minted, fees uint64) error {
	if len(blk.Transactions) < 2 || !blk.Transactions[1].IsCoinstake() {
		return nil
	}
	coinstake := blk.Transactions[1]
	kernelIn := coinstake.Inputs[0]

	staked, err := c.utxos.Get(kernelIn.PrevOut)
	if err != nil {
		return fmt.Errorf("coinstake kernel input: %w", err)
	}
	if staked.Script.Type != types.ScriptTypeStake || len(staked.Script.Data) != 33 {
		return fmt.Errorf("coinstake kernel input %s is not a stake output", kernelIn.PrevOut)
	}

	if pos.StakeChecker != nil {
		eligible, err := pos.StakeChecker.HasStake(staked.Script.Data)
		if err != nil {
			return fmt.Errorf("coinstake stake check: %w", err)
		}
		if !eligible {
			return fmt.Errorf("coinstake staker no longer meets minimum stake")
		}
	}

	mintTime, err := c.getBlockTimestamp(staked.Height)
	if err != nil {
		return fmt.Errorf("coinstake kernel mint time: %w", err)
	}

	weightedAge := consensus.WeightedCoinAge([]*utxo.UTXO{staked}, []uint64{mintTime}, uint64(coinstake.NTime))

	if err := pos.VerifyCoinstakeBlock(blk, c.state.StakeModifier, mintTime, weightedAge, staked.Script.Data); err != nil {
		return fmt.Errorf("coinstake verification: %w", err)
	}

	allowed := pos.ProofOfStakeReward(weightedAge, fees)
	if minted > allowed {
		return fmt.Errorf("%w: coinstake minted=%d allowed=%d", ErrCoinbaseRewardExceeded, minted, allowed)
	}
	return nil
}

// checkDuplicateTransactions rejects a block that reintroduces a
// transaction hash already committed to the chain while any of that
// earlier transaction's outputs are still unspent (BIP30): letting a
// second transaction share a hash with a still-live one would let its
// outputs silently overwrite the first's in the UTXO set. A hash replay
// is only safe once every one of the original's outputs has already been
// spent, grounded on the tx index (BlockStore.GetTxLocation) and the
// live UTXO set.
func (c *Chain) checkDuplicateTransactions(blk *block.Block) error {
	for _, transaction := range blk.Transactions {
		txHash := transaction.Hash()
		priorHeight, priorBlockHash, err := c.blocks.GetTxLocation(txHash)
		if err != nil {
			continue // Not previously committed — no conflict.
		}

		priorBlk, blkErr := c.blocks.GetBlock(priorBlockHash)
		if blkErr != nil {
			return fmt.Errorf("%w: %s (height %d): %v", ErrDuplicateTx, txHash, priorHeight, blkErr)
		}
		var priorTx *tx.Transaction
		for _, t := range priorBlk.Transactions {
			if t.Hash() == txHash {
				priorTx = t
				break
			}
		}
		if priorTx == nil {
			return fmt.Errorf("%w: %s: indexed but not found in its block", ErrDuplicateTx, txHash)
		}

		for i := range priorTx.Outputs {
			spent, hasErr := c.utxos.Has(types.Outpoint{TxID: txHash, Index: uint32(i)})
			if hasErr == nil && spent {
				return fmt.Errorf("%w: %s output %d still unspent", ErrDuplicateTx, txHash, i)
			}
		}
	}
	return nil
}

// checkParentLink verifies that the block's PrevHash and Height are consistent
// with the current chain tip.
func (c *Chain) checkParentLink(blk *block.Block) error {
	// Genesis block: PrevHash must be zero, height must be 0.
	if c.state.IsGenesis() {
		if blk.Header.Height != 0 {
			return fmt.Errorf("%w: genesis must be height 0, got %d", ErrBadHeight, blk.Header.Height)
		}
		if !blk.Header.PrevHash.IsZero() {
			return fmt.Errorf("%w: genesis must have zero prev_hash", ErrBadPrevHash)
		}
		return nil
	}

	// Non-genesis: check if block extends current tip.
	if blk.Header.PrevHash == c.state.TipHash {
		expectedHeight := c.state.Height + 1
		if blk.Header.Height != expectedHeight {
			return fmt.Errorf("%w: want %d, got %d", ErrBadHeight, expectedHeight, blk.Header.Height)
		}
		return nil
	}

	// PrevHash != tip. Check if the parent exists (fork) or is truly unknown.
	parentKnown, err := c.blocks.HasBlock(blk.Header.PrevHash)
	if err != nil {
		return fmt.Errorf("check parent: %w", err)
	}
	if parentKnown {
		parentBlk, err := c.blocks.GetBlock(blk.Header.PrevHash)
		if err != nil {
			return fmt.Errorf("load parent block: %w", err)
		}
		expectedHeight := parentBlk.Header.Height + 1
		if blk.Header.Height != expectedHeight {
			return fmt.Errorf("%w: parent height %d implies %d, got %d",
				ErrBadHeight, parentBlk.Header.Height, expectedHeight, blk.Header.Height)
		}
		return fmt.Errorf("%w: block %d forks from %s", ErrForkDetected, blk.Header.Height, blk.Header.PrevHash)
	}
	return ErrPrevNotFound
}

// computeBlockReward calculates the new coins minted in this block.
// Block reward = coinbase output value - total fees from non-coinbase txs.
// Must be called BEFORE applyBlock (needs UTXO set for input values).
func (c *Chain) computeBlockReward(blk *block.Block) uint64 {
	if len(blk.Transactions) == 0 || len(blk.Transactions[0].Outputs) == 0 {
		return 0
	}

	coinbaseValue, err := blk.Transactions[0].TotalOutputValue()
	if err != nil {
		return 0
	}

	// Sum fees from non-coinbase transactions, and separately track any
	// amount minted by a coinstake (its outputs exceed its staked input by
	// design — that excess is new supply, not a negative fee).
	var totalFees, coinstakeMinted uint64
	for i, transaction := range blk.Transactions[1:] {
		var inputSum, outputSum uint64
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			u, err := c.utxos.Get(in.PrevOut)
			if err != nil {
				continue // Input not found (shouldn't happen after validation).
			}
			if inputSum > math.MaxUint64-u.Value {
				continue // Overflow guard.
			}
			inputSum += u.Value
		}
		for _, out := range transaction.Outputs {
			if outputSum > math.MaxUint64-out.Value {
				continue // Overflow guard.
			}
			outputSum += out.Value
		}
		if inputSum > outputSum {
			fee := inputSum - outputSum
			if totalFees > math.MaxUint64-fee {
				continue // Overflow guard.
			}
			totalFees += fee
		} else if i == 0 && transaction.IsCoinstake() {
			coinstakeMinted = outputSum - inputSum
		}
	}

	// Reward = coinbase value minus recycled fees, plus whatever the
	// coinstake minted on top of its staked input.
	var reward uint64
	if coinbaseValue > totalFees {
		reward = coinbaseValue - totalFees
	}
	return reward + coinstakeMinted
}

// computeTxFee calculates the fee for a single transaction.
// fee = sum(input values) - sum(output values).
// Must be called BEFORE applyBlock (needs UTXO set for input values).
func (c *Chain) computeTxFee(transaction *tx.Transaction) uint64 {
	var inputSum, outputSum uint64
	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		u, err := c.utxos.Get(in.PrevOut)
		if err != nil {
			continue
		}
		if inputSum > math.MaxUint64-u.Value {
			continue // Overflow guard.
		}
		inputSum += u.Value
	}
	for _, out := range transaction.Outputs {
		if outputSum > math.MaxUint64-out.Value {
			continue // Overflow guard.
		}
		outputSum += out.Value
	}
	if inputSum > outputSum {
		return inputSum - outputSum
	}
	return 0
}

type chainUTXOProvider struct {
	set utxo.Set
}

func (p *chainUTXOProvider) GetUTXO(outpoint types.Outpoint) (uint64, types.Script, error) {
	u, err := p.set.Get(outpoint)
	if err != nil {
		return 0, types.Script{}, err
	}
	return u.Value, u.Script, nil
}

func (p *chainUTXOProvider) HasUTXO(outpoint types.Outpoint) bool {
	has, err := p.set.Has(outpoint)
	return err == nil && has
}

// applyBlock updates the UTXO set: spends inputs and creates outputs.
// Coinbase inputs (zero outpoint) are skipped during spending.
func (c *Chain) applyBlock(blk *block.Block) error {
	for txIdx, transaction := range blk.Transactions {
		txHash := transaction.Hash()
		isCoinbase := txIdx == 0 && blk.Header.Height > 0

		// Spend inputs (skip coinbase zero-outpoint).
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue // Coinbase input.
			}
			if err := c.utxos.Delete(in.PrevOut); err != nil {
				return fmt.Errorf("spend %s: %w", in.PrevOut, err)
			}
		}

		// Create outputs.
		for i, out := range transaction.Outputs {
			u := &utxo.UTXO{
				Outpoint: types.Outpoint{TxID: txHash, Index: uint32(i)},
				Value:    out.Value,
				Script:   out.Script,
				Token:    out.Token,
				Height:   blk.Header.Height,
				Coinbase: isCoinbase,
			}
			if err := c.utxos.Put(u); err != nil {
				return fmt.Errorf("create output %s:%d: %w", txHash, i, err)
			}
		}
	}
	return nil
}

// checkCoinbaseMaturity verifies that no transaction in the block spends
// an immature coinbase output.
func (c *Chain) checkCoinbaseMaturity(blk *block.Block) error {
	for _, transaction := range blk.Transactions {
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			u, err := c.utxos.Get(in.PrevOut)
			if err != nil {
				continue // Will be caught by UTXO validation.
			}
			if u.Coinbase && blk.Header.Height-u.Height < config.CoinbaseMaturity {
				return fmt.Errorf("%w: need %d confirmations, have %d",
					ErrCoinbaseNotMature, config.CoinbaseMaturity, blk.Header.Height-u.Height)
			}
			if u.LockedUntil > 0 && blk.Header.Height < u.LockedUntil {
				return fmt.Errorf("output locked until block %d, current %d", u.LockedUntil, blk.Header.Height)
			}
		}
	}
	return nil
}

// checkSigningLimit enforces the PoA signing frequency rule: a validator
// may sign at most 1 block in any consecutive window of N/2+1 blocks,
// where N is the number of active validators. Returns nil for non-PoA chains
// or single-validator setups.
func (c *Chain) checkSigningLimit(blk *block.Block) error {
	poa, ok := c.engine.(*consensus.PoA)
	if !ok {
		return nil
	}
	limit := poa.SigningLimit()
	if limit == 0 {
		return nil
	}
	signer := poa.IdentifySigner(blk.Header)
	if signer == nil {
		return nil
	}

	// Check the last (limit - 1) blocks for the same signer.
	h := blk.Header.Height
	for i := 1; i < limit; i++ {
		if h < uint64(i) {
			break
		}
		prev, err := c.blocks.GetBlockByHeight(h - uint64(i))
		if err != nil {
			continue
		}
		prevSigner := poa.IdentifySigner(prev.Header)
		if prevSigner != nil && bytes.Equal(signer, prevSigner) {
			return fmt.Errorf("%w: signer appeared at height %d and %d (window=%d)",
				ErrSigningLimitExceeded, h-uint64(i), h, limit)
		}
	}
	return nil
}

// IsSigningLimitReached checks whether the given validator pubkey has signed
// a block recently enough that producing another block would violate the
// signing limit. Used by the miner to skip slots proactively.
func (c *Chain) IsSigningLimitReached(pubkey []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	poa, ok := c.engine.(*consensus.PoA)
	if !ok {
		return false
	}
	limit := poa.SigningLimit()
	if limit == 0 {
		return false
	}

	h := c.state.Height
	for i := 0; i < limit-1; i++ {
		if h < uint64(i+1) {
			break
		}
		prev, err := c.blocks.GetBlockByHeight(h - uint64(i))
		if err != nil {
			continue
		}
		prevSigner := poa.IdentifySigner(prev.Header)
		if prevSigner != nil && bytes.Equal(pubkey, prevSigner) {
			return true
		}
	}
	return false
}
