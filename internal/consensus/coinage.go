package consensus

import (
	"github.com/novanode/novanode/config"
	"github.com/novanode/novanode/internal/utxo"
)

// Coin-age bounds: a staked output must rest at least StakeMinAge before it
// can mint a coinstake block, and age stops accruing reward beyond
// StakeMaxAge so a single ancient UTXO can't dominate stake weight forever.
const (
	StakeMinAge uint64 = 60 * 60 * 24     // 24 hours, in seconds
	StakeMaxAge uint64 = 60 * 60 * 24 * 7 // 7 days, in seconds
)

// CoinAge returns the clamped coin-age, in seconds, of a UTXO being spent as
// a coinstake kernel at spendTime. mintTime is the timestamp of the block
// that created the UTXO (its confirmation time, not its height).
//
// age = clamp(spendTime - mintTime, 0, StakeMaxAge), and zero below
// StakeMinAge: a UTXO younger than the minimum age has no stake weight at all.
func CoinAge(mintTime, spendTime uint64) uint64 {
	if spendTime <= mintTime {
		return 0
	}
	age := spendTime - mintTime
	if age < StakeMinAge {
		return 0
	}
	if age > StakeMaxAge {
		age = StakeMaxAge
	}
	return age
}

// WeightedCoinAge sums CoinAge(value-weighted) across every UTXO consumed by
// a coinstake transaction's kernel input plus its additional stake inputs,
// the basis for both kernel-hash difficulty and the proof-of-stake reward.
func WeightedCoinAge(utxos []*utxo.UTXO, mintTimes []uint64, spendTime uint64) uint64 {
	var total uint64
	for i, u := range utxos {
		age := CoinAge(mintTimes[i], spendTime)
		if age == 0 {
			continue
		}
		// value is in base units; coin-age accrual is value * seconds, later
		// divided back down by seconds per year in ProofOfStakeReward.
		total += u.Value * age / config.Coin
	}
	return total
}
