// Package tx defines transaction types and validation.
package tx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/novanode/novanode/pkg/crypto"
	"github.com/novanode/novanode/pkg/types"
)

// Transaction represents a blockchain transaction.
type Transaction struct {
	Version  uint32   `json:"version"`
	NTime    uint32   `json:"ntime,omitempty"` // transaction timestamp; feeds coin-age for PoS rewards
	Inputs   []Input  `json:"inputs"`
	Outputs  []Output `json:"outputs"`
	LockTime uint64   `json:"locktime"`
}

// IsCoinbase reports whether tx is a coinbase: exactly one input with a
// null prevout, and at least one output.
func (tx *Transaction) IsCoinbase() bool {
	return len(tx.Inputs) == 1 && tx.Inputs[0].PrevOut.IsNull() && len(tx.Outputs) > 0
}

// IsCoinstake reports whether tx is a coinstake: its first output is empty
// (zero value, empty script), its first input has a non-null prevout, and
// it has at least two outputs.
func (tx *Transaction) IsCoinstake() bool {
	if len(tx.Outputs) < 2 || len(tx.Inputs) == 0 {
		return false
	}
	first := tx.Outputs[0]
	if first.Value != 0 || len(first.Script.Data) != 0 {
		return false
	}
	return !tx.Inputs[0].PrevOut.IsNull()
}

// MaxSequence marks an input as final: once every input carries this
// value, the transaction's own LockTime is ignored by IsFinal.
const MaxSequence uint32 = math.MaxUint32

// Input references a UTXO being spent.
type Input struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Signature []byte         `json:"signature"`
	PubKey    []byte         `json:"pubkey"`
	Sequence  uint32         `json:"sequence"`
}

// IsFinal reports whether this input alone would never block a
// transaction's finality, i.e. it carries the sentinel sequence number.
func (in Input) IsFinal() bool {
	return in.Sequence == MaxSequence
}

// inputJSON is the JSON representation of Input with hex-encoded byte fields.
type inputJSON struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Signature *string        `json:"signature"`
	PubKey    *string        `json:"pubkey"`
	Sequence  uint32         `json:"sequence"`
}

// MarshalJSON encodes the input with hex-encoded signature and pubkey.
func (in Input) MarshalJSON() ([]byte, error) {
	j := inputJSON{PrevOut: in.PrevOut, Sequence: in.Sequence}
	if in.Signature != nil {
		s := hex.EncodeToString(in.Signature)
		j.Signature = &s
	}
	if in.PubKey != nil {
		p := hex.EncodeToString(in.PubKey)
		j.PubKey = &p
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes an input with hex-encoded signature and pubkey.
func (in *Input) UnmarshalJSON(data []byte) error {
	var j inputJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	in.PrevOut = j.PrevOut
	in.Sequence = j.Sequence
	if j.Signature != nil {
		b, err := hex.DecodeString(*j.Signature)
		if err != nil {
			return err
		}
		in.Signature = b
	}
	if j.PubKey != nil {
		b, err := hex.DecodeString(*j.PubKey)
		if err != nil {
			return err
		}
		in.PubKey = b
	}
	return nil
}

// Output defines a new UTXO.
type Output struct {
	Value  uint64           `json:"value"`
	Script types.Script     `json:"script"`
	Token  *types.TokenData `json:"token,omitempty"`
}

// Hash computes the transaction ID (BLAKE3 hash of the serialized signing data).
// This excludes signatures to avoid circular dependency.
func (tx *Transaction) Hash() types.Hash {
	return crypto.Hash(tx.SigningBytes())
}

// SigningBytes returns the canonical byte representation used for signing.
// Format: version(4) | ntime(4) | input_count(4) | [prevout(36) + sequence(4) (+ sig_len(4) + sig, zero-outpoint inputs with signature data only)]... | output_count(4) | [value(8) + script_type(1) + script_data_len(4) + script_data (+ token_id(32) + token_amount(8), token outputs only)]... | locktime(8)
func (tx *Transaction) SigningBytes() []byte {
	var buf []byte

	// Version.
	buf = binary.LittleEndian.AppendUint32(buf, tx.Version)
	buf = binary.LittleEndian.AppendUint32(buf, tx.NTime)

	// Input count + prevouts (no signatures, except coinbase data).
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, in.PrevOut.TxID[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, in.PrevOut.Index)
		// Include coinbase data (height) in the hash so each coinbase tx
		// has a unique ID. Regular inputs skip this (signature is excluded
		// to avoid circular dependency during signing).
		buf = binary.LittleEndian.AppendUint32(buf, in.Sequence)
		if in.PrevOut.IsZero() && len(in.Signature) > 0 {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(in.Signature)))
			buf = append(buf, in.Signature...)
		}
	}

	// Output count + outputs.
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = binary.LittleEndian.AppendUint64(buf, out.Value)
		buf = append(buf, byte(out.Script.Type))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(out.Script.Data)))
		buf = append(buf, out.Script.Data...)
		if out.Token != nil {
			buf = append(buf, out.Token.ID[:]...)
			buf = binary.LittleEndian.AppendUint64(buf, out.Token.Amount)
		}
	}

	// Locktime.
	buf = binary.LittleEndian.AppendUint64(buf, tx.LockTime)

	return buf
}

// LockTimeThreshold distinguishes a LockTime interpreted as a block height
// (below the threshold) from one interpreted as a Unix timestamp (at or
// above it).
const LockTimeThreshold = 500_000_000

// IsFinal reports whether tx may be included in a block at nextHeight,
// evaluated at the given Unix time. It passes iff LockTime is zero, iff
// LockTime is already below nextHeight (height lock) or below now
// (timestamp lock, per LockTimeThreshold), or iff every input already
// carries MaxSequence.
func (tx *Transaction) IsFinal(nextHeight, now uint64) bool {
	if tx.LockTime == 0 {
		return true
	}
	if tx.LockTime < LockTimeThreshold {
		if tx.LockTime < nextHeight {
			return true
		}
	} else if tx.LockTime < now {
		return true
	}
	for _, in := range tx.Inputs {
		if !in.IsFinal() {
			return false
		}
	}
	return true
}

// TotalOutputValue returns the sum of all output values.
// Returns an error if the sum overflows uint64.
func (tx *Transaction) TotalOutputValue() (uint64, error) {
	var total uint64
	for _, out := range tx.Outputs {
		if total > math.MaxUint64-out.Value {
			return 0, fmt.Errorf("output value overflow")
		}
		total += out.Value
	}
	return total, nil
}
