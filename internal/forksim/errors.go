package forksim

import (
	"fmt"

	"github.com/novanode/novanode/pkg/types"
)

// VIUErrorKind enumerates every way a candidate fork can fail Verify
// Inputs Unspent replay, per spec.md's ForkSpendSimulator taxonomy.
type VIUErrorKind int

const (
	TxInputIndexOutOfRange_InMainChain VIUErrorKind = iota
	TxInputIndexOutOfRange_InFork
	DoublespendAttempt_SpentAlreadyBeforeTheFork
	DoublespendAttempt_WithinTheFork
	BlockCannotBeReadFromDB
	TxNonExistent_OutputNotFoundInMainChainOrFork
	ReadSpenderBlockIndexFailed
	BlockIndexOfPrevBlockNotFound
	CommonAncestorSearchFailed
	TxAppearedTwiceInFork
	FormerCommonAncestorNotFound
)

func (k VIUErrorKind) String() string {
	switch k {
	case TxInputIndexOutOfRange_InMainChain:
		return "TxInputIndexOutOfRange_InMainChain"
	case TxInputIndexOutOfRange_InFork:
		return "TxInputIndexOutOfRange_InFork"
	case DoublespendAttempt_SpentAlreadyBeforeTheFork:
		return "DoublespendAttempt_SpentAlreadyBeforeTheFork"
	case DoublespendAttempt_WithinTheFork:
		return "DoublespendAttempt_WithinTheFork"
	case BlockCannotBeReadFromDB:
		return "BlockCannotBeReadFromDB"
	case TxNonExistent_OutputNotFoundInMainChainOrFork:
		return "TxNonExistent_OutputNotFoundInMainChainOrFork"
	case ReadSpenderBlockIndexFailed:
		return "ReadSpenderBlockIndexFailed"
	case BlockIndexOfPrevBlockNotFound:
		return "BlockIndexOfPrevBlockNotFound"
	case CommonAncestorSearchFailed:
		return "CommonAncestorSearchFailed"
	case TxAppearedTwiceInFork:
		return "TxAppearedTwiceInFork"
	case FormerCommonAncestorNotFound:
		return "FormerCommonAncestorNotFound"
	default:
		return "UnknownVIUError"
	}
}

// VIUError is returned by every forksim operation that rejects a
// candidate fork. Callers branch on Kind, never on the message string.
type VIUError struct {
	Kind     VIUErrorKind
	TxHash   types.Hash
	Outpoint types.Outpoint
	Detail   string
}

func (e *VIUError) Error() string {
	msg := e.Kind.String()
	if e.TxHash != (types.Hash{}) {
		msg += fmt.Sprintf(" tx=%s", e.TxHash)
	}
	if !e.Outpoint.IsZero() {
		msg += fmt.Sprintf(" outpoint=%s", e.Outpoint)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}
