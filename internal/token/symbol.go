package token

import (
	"fmt"
	"strings"
)

// NormalizeSymbol folds a token symbol to its canonical comparison form.
// spec requires symbols to collide case-insensitively (e.g. "ABCDE" and
// "abcde" claim the same slot), so every path that stores or looks up a
// symbol — Store.Put/HasSymbol, the mempool's symbolIndex, and
// CheckSymbolUnique — normalizes through this function first.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// MempoolSymbolIndex is the subset of internal/mempool.Pool's API
// CheckSymbolUnique needs. Defined here rather than imported directly:
// internal/mempool already imports internal/token for ValidateTokens, so
// token importing mempool back would cycle.
type MempoolSymbolIndex interface {
	HasSymbol(symbol string) bool
}

// ErrSymbolTaken is returned when a mint transaction's symbol is already
// claimed, either by a committed token or by one still sitting in the
// mempool.
var ErrSymbolTaken = fmt.Errorf("token symbol already claimed")

// CheckSymbolUnique enforces Testable Property 9: a token symbol must be
// unique both against the committed chain (store) and against mint
// transactions already waiting in the mempool (pool), so two mints racing
// for the same symbol can't both make it into the same block.
func CheckSymbolUnique(store *Store, pool MempoolSymbolIndex, symbol string) error {
	symbol = NormalizeSymbol(symbol)
	if symbol == "" {
		return nil // Unnamed mints don't participate in symbol uniqueness.
	}
	if store != nil {
		taken, err := store.HasSymbol(symbol)
		if err != nil {
			return fmt.Errorf("check committed symbol %q: %w", symbol, err)
		}
		if taken {
			return fmt.Errorf("%w: %q is already on chain", ErrSymbolTaken, symbol)
		}
	}
	if pool != nil && pool.HasSymbol(symbol) {
		return fmt.Errorf("%w: %q is pending in the mempool", ErrSymbolTaken, symbol)
	}
	return nil
}
