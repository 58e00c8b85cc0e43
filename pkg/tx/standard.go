package tx

import (
	"errors"
	"fmt"

	"github.com/novanode/novanode/config"
	"github.com/novanode/novanode/pkg/types"
)

// Non-standard policy errors. These are not consensus failures — a
// non-standard transaction is still valid inside a block a miner chose to
// include, but the mempool won't relay or accept it directly.
var (
	ErrSigTooLarge      = errors.New("input signature too large")
	ErrNonStandardType  = errors.New("output script type is not a standard template")
	ErrDustOutput       = errors.New("output value below dust threshold")
	ErrTooManyMintMarks = errors.New("transaction has more than one mint marker output")
	ErrTxTooLarge       = errors.New("transaction exceeds standard size limit")
)

// maxStandardSigSize bounds an input's signature, the closest analogue in
// this UTXO model to Bitcoin's 500-byte push-only scriptSig cap — there is
// no script VM here, so "push-only" has no separate meaning beyond the
// length bound.
const maxStandardSigSize = 500

// standardOutputTypes are the script templates the mempool will relay.
// ScriptTypeP2SH and ScriptTypeBridge are consensus-defined but not yet
// wired to any spend path, so they're excluded from the standard set until
// a template for them exists.
var standardOutputTypes = map[types.ScriptType]bool{
	types.ScriptTypeP2PKH:    true,
	types.ScriptTypeMint:     true,
	types.ScriptTypeBurn:     true,
	types.ScriptTypeAnchor:   true,
	types.ScriptTypeRegister: true,
	types.ScriptTypeStake:    true,
}

// IsDust reports whether value is below the dust threshold (spec step 3's
// "non-dust outputs" rule): an output worth less than a Cent.
func IsDust(value uint64) bool {
	return value < config.Cent
}

// CheckStandard enforces spec §4.4 step 3's mainnet standard-form rules:
// transaction size, per-input signature size, output script templates,
// the dust floor, and a cap of one mint-marker output per transaction
// (this model's analogue of "at most one OP_RETURN output" — mint scripts
// are the only outputs that carry issuance metadata rather than plain
// value, the same role OP_RETURN plays upstream).
func CheckStandard(transaction *Transaction) error {
	if len(transaction.SigningBytes()) > config.MaxStandardTxSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrTxTooLarge, len(transaction.SigningBytes()), config.MaxStandardTxSize)
	}

	for i, in := range transaction.Inputs {
		if len(in.Signature) > maxStandardSigSize {
			return fmt.Errorf("input %d: %w: %d bytes, max %d", i, ErrSigTooLarge, len(in.Signature), maxStandardSigSize)
		}
	}

	mintMarkers := 0
	for i, out := range transaction.Outputs {
		// The coinstake/coinbase leading marker (zero value, zero-type,
		// zero-data output at index 0) is exempt — it carries no value and
		// is covered separately by IsCoinstake/IsCoinbase.
		if i == 0 && out.Value == 0 && out.Script.Type == 0 && len(out.Script.Data) == 0 {
			continue
		}
		if !standardOutputTypes[out.Script.Type] {
			return fmt.Errorf("output %d: %w: %s", i, ErrNonStandardType, out.Script.Type)
		}
		if out.Script.Type == types.ScriptTypeMint {
			mintMarkers++
		}
		if out.Token == nil && IsDust(out.Value) {
			return fmt.Errorf("output %d: %w: %d < %d", i, ErrDustOutput, out.Value, config.Cent)
		}
	}
	if mintMarkers > 1 {
		return fmt.Errorf("%w: %d", ErrTooManyMintMarks, mintMarkers)
	}

	return nil
}
