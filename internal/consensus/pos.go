package consensus

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/novanode/novanode/config"
	"github.com/novanode/novanode/pkg/block"
	"github.com/novanode/novanode/pkg/crypto"
)

// PoS errors.
var (
	ErrMissingCoinstake   = errors.New("block height requires a coinstake transaction")
	ErrKernelMissesTarget = errors.New("kernel hash does not meet stake target")
	ErrNoBlockSignature   = errors.New("coinstake block is missing its signature")
	ErrBadBlockSignature  = errors.New("coinstake block signature does not verify")
	ErrInsufficientAge    = errors.New("staked output has not matured to StakeMinAge")
)

// PoS implements the hybrid chain's proof-of-stake consensus path: odd
// blocks (by convention, any block whose coinbase output is empty and which
// carries a coinstake as its second transaction) are minted by a staker
// holding matured coin-age rather than by hashpower. It composes the
// existing PoW engine for the blocks that are still proof-of-work, since the
// hybrid schedule alternates between the two rather than replacing one with
// the other outright.
type PoS struct {
	*PoW // reuses PoW's difficulty retarget and header hash-check plumbing

	StakeChecker StakeChecker // optional: gates which validators may stake at all
}

// NewPoS creates a hybrid engine. difficulty/adjustInterval/targetBlockTime
// configure the embedded PoW engine exactly as NewPoW does; the PoS-specific
// stake target uses the same difficulty value, scaled by weighted coin-age
// (see MeetsStakeTarget).
func NewPoS(difficulty uint64, adjustInterval, targetBlockTime int) (*PoS, error) {
	pow, err := NewPoW(difficulty, adjustInterval, targetBlockTime)
	if err != nil {
		return nil, err
	}
	return &PoS{PoW: pow}, nil
}

// VerifyHeader checks a PoW header unchanged (delegates to the embedded
// PoW engine); coinstake blocks are validated at the block level via
// VerifyCoinstakeBlock, since the kernel check needs the transaction body
// and UTXO context that a bare header doesn't carry.
func (p *PoS) VerifyHeader(header *block.Header) error {
	return p.PoW.VerifyHeader(header)
}

// VerifyCoinstakeBlock validates a coinstake block: a coinstake transaction
// at index 1 (index 0 is always the empty PoS "coinbase" marker; the other
// positions are not checked here), a kernel hash meeting the stake target,
// and a block signature
// over the header made by the key controlling the kernel's staked output.
//
// weightedCoinAge, utxoMintTime and stakerPubKey are supplied by the caller
// (the chain state machine), which alone has the UTXO context to compute
// them; this function only checks the arithmetic and signature once they're
// in hand.
func (p *PoS) VerifyCoinstakeBlock(blk *block.Block, stakeModifier uint64, utxoMintTime uint64, weightedCoinAge uint64, stakerPubKey []byte) error {
	if len(blk.Transactions) < 2 || !blk.Transactions[1].IsCoinstake() {
		return ErrMissingCoinstake
	}
	coinstake := blk.Transactions[1]
	kernelIn := coinstake.Inputs[0]

	if weightedCoinAge == 0 {
		return ErrInsufficientAge
	}

	kernel := KernelHash(stakeModifier, utxoMintTime, kernelIn.PrevOut, uint64(coinstake.NTime))
	if !MeetsStakeTarget(kernel, weightedCoinAge, blk.Header.Difficulty) {
		return ErrKernelMissesTarget
	}

	if len(blk.Header.ValidatorSig) == 0 {
		return ErrNoBlockSignature
	}
	if !crypto.VerifySignature(blk.Header.Hash()[:], blk.Header.ValidatorSig, stakerPubKey) {
		return ErrBadBlockSignature
	}
	return nil
}

// SignCoinstakeBlock signs the header hash with the staking key and stores
// the signature in ValidatorSig, the same field PoA uses for its validator
// signature: the two consensus paths share one signature slot because a
// block is produced by exactly one of them, never both.
func (p *PoS) SignCoinstakeBlock(blk *block.Block, key *crypto.PrivateKey) error {
	sig, err := key.Sign(blk.Header.Hash().Bytes())
	if err != nil {
		return fmt.Errorf("sign coinstake block: %w", err)
	}
	blk.Header.ValidatorSig = sig
	return nil
}

// ProofOfStakeReward computes the minted amount for a coinstake transaction
// from its weighted coin-age (see WeightedCoinAge) plus any transaction fees
// it collects, using an annual reward rate of CoinYearRewardPercent.
//
//	reward = weightedCoinAge(value*seconds, pre-scaled by /config.Coin) * rate / 100 / secondsPerYear * config.Coin + fees
//
// matching the "coin-year reward" shape named in spec.md's design notes:
// one coin-year of weighted coin-age earns CoinYearRewardPercent of one
// coin. CoinAge caps each output's age at StakeMaxAge (seven days), so a
// single coinstake is never credited with more than that.
func (p *PoS) ProofOfStakeReward(weightedCoinAge uint64, fees uint64) uint64 {
	const secondsPerYear = 60 * 60 * 24 * 365
	reward := new(big.Int).SetUint64(weightedCoinAge)
	reward.Mul(reward, new(big.Int).SetUint64(CoinYearRewardPercent*config.Coin))
	reward.Div(reward, big.NewInt(100*secondsPerYear))
	return reward.Uint64() + fees
}

// CoinYearRewardPercent is the annualized PoS reward rate: a matured,
// unspent coin earns this percentage of its own value per year held, the
// "coin-year reward" spec.md's design notes describe as 10% of CENT-scale
// minimum granularity.
const CoinYearRewardPercent = 10
