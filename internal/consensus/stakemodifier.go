package consensus

import (
	"encoding/binary"
	"math/big"

	"github.com/novanode/novanode/pkg/crypto"
	"github.com/novanode/novanode/pkg/types"
)

// StakeModifierInterval is how often the stake modifier is allowed to
// change: it mixes in a new recent block hash at most once per window, so a
// staker can't grind many candidate modifiers within a single interval.
const StakeModifierInterval = 10 * 60 // seconds

// NextStakeModifier computes the modifier for the block at newTimestamp
// given the previous modifier and the hash of the most recent block whose
// timestamp falls at least StakeModifierInterval before newTimestamp.
// Returns prevModifier unchanged if no interval boundary has been crossed,
// mirroring the "modifier only advances once per interval" rule that
// prevents a staker from selecting which block hash feeds the next kernel.
func NextStakeModifier(prevModifier uint64, prevModifierTime, newTimestamp uint64, selectedBlockHash types.Hash) uint64 {
	if newTimestamp/StakeModifierInterval == prevModifierTime/StakeModifierInterval {
		return prevModifier
	}
	buf := make([]byte, 8, 8+32)
	binary.LittleEndian.PutUint64(buf, prevModifier)
	buf = append(buf, selectedBlockHash[:]...)
	mixed := crypto.Hash(buf)
	return binary.LittleEndian.Uint64(mixed[:8])
}

// KernelHash computes the proof-of-stake kernel hash used both to select a
// staking candidate and to check it against the network's stake target.
// Inputs are the stake modifier in force, the staked UTXO's confirmation
// time and value, its outpoint, and the coinstake transaction's own
// timestamp, the same fields the original kernel protocol hashes, assembled
// here as one little-endian buffer rather than the original's ad hoc struct.
func KernelHash(stakeModifier uint64, utxoTime uint64, outpoint types.Outpoint, stakeTime uint64) types.Hash {
	buf := make([]byte, 0, 8+8+36+8)
	buf = binary.LittleEndian.AppendUint64(buf, stakeModifier)
	buf = binary.LittleEndian.AppendUint64(buf, utxoTime)
	buf = append(buf, outpoint.TxID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, outpoint.Index)
	buf = binary.LittleEndian.AppendUint64(buf, stakeTime)
	return crypto.Hash(buf)
}

// MeetsStakeTarget reports whether a kernel hash satisfies the stake target
// derived from the staked value's weighted coin-age: the PoS analogue of PoW's
// VerifyHeader hash-vs-target check, except the "work" being proven is coin-
// age held rather than energy spent.
func MeetsStakeTarget(kernel types.Hash, weightedCoinAge uint64, difficulty uint64) bool {
	if difficulty == 0 || weightedCoinAge == 0 {
		return false
	}
	t := target(difficulty)
	// Scale the target up by the weighted coin-age: more accumulated stake
	// widens the window of acceptable kernel hashes, exactly as more hash
	// power widens a PoW miner's chance per nonce tried.
	scaledTarget := new(big.Int).Mul(t, new(big.Int).SetUint64(weightedCoinAge))
	kernelInt := new(big.Int).SetBytes(kernel[:])
	return kernelInt.Cmp(scaledTarget) <= 0
}
