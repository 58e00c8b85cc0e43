package types

import "fmt"

// Outpoint references a specific output in a transaction.
type Outpoint struct {
	TxID  Hash   `json:"txid"`
	Index uint32 `json:"index"`
}

// IsZero returns true if the outpoint has a zero TxID and zero index.
func (o Outpoint) IsZero() bool {
	return o.TxID.IsZero() && o.Index == 0
}

// IsNull is an alias for IsZero, naming the null-outpoint predicate that
// marks a coinbase input. This project's null outpoint is (zero hash,
// index 0) rather than the classic (zero hash, index 0xFFFFFFFF); every
// coinbase builder already emits index 0, so the predicate matches what
// is actually on disk.
func (o Outpoint) IsNull() bool {
	return o.IsZero()
}

// String returns "txid:index" in hex.
func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID.String(), o.Index)
}
