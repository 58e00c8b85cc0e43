package token

import (
	"encoding/json"
	"fmt"

	"github.com/novanode/novanode/internal/storage"
	"github.com/novanode/novanode/pkg/types"
)

var (
	prefixToken  = []byte("t/") // t/<tokenID(32)> -> Metadata JSON
	prefixSymbol = []byte("n/") // n/<symbol> -> tokenID(32), the Ntp1NamesDb analogue
)

// Store persists token metadata.
type Store struct {
	db storage.DB
}

// NewStore creates a token metadata store.
func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

// Put stores metadata for a token and indexes its symbol for
// CheckSymbolUnique. A symbol once claimed here stays claimed: Put never
// deletes the index entry. Put does not reject a second token with an
// already-claimed symbol; it points the index entry at the later token.
func (s *Store) Put(id types.TokenID, meta *Metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("token marshal: %w", err)
	}
	if err := s.db.Put(tokenKey(id), data); err != nil {
		return err
	}
	if meta.Symbol != "" {
		if err := s.db.Put(symbolKey(meta.Symbol), id[:]); err != nil {
			return fmt.Errorf("symbol index put: %w", err)
		}
	}
	return nil
}

// HasSymbol reports whether symbol is already claimed by a committed
// token. internal/mempool.Pool.Add consults it (together with the pool's
// own Pool.HasSymbol) when admitting a mint; block connection does not.
func (s *Store) HasSymbol(symbol string) (bool, error) {
	return s.db.Has(symbolKey(symbol))
}

// symbolKey builds the Ntp1NamesDb-analogue index key. Symbols are folded
// through NormalizeSymbol first so "ABCDE" and "abcde" hash to the same
// key, per spec's case-insensitive symbol comparison.
func symbolKey(symbol string) []byte {
	symbol = NormalizeSymbol(symbol)
	key := make([]byte, len(prefixSymbol)+len(symbol))
	copy(key, prefixSymbol)
	copy(key[len(prefixSymbol):], symbol)
	return key
}

// Get retrieves metadata for a token.
func (s *Store) Get(id types.TokenID) (*Metadata, error) {
	data, err := s.db.Get(tokenKey(id))
	if err != nil {
		return nil, fmt.Errorf("token get: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("token unmarshal: %w", err)
	}
	return &meta, nil
}

// Has checks if metadata exists for a token.
func (s *Store) Has(id types.TokenID) (bool, error) {
	return s.db.Has(tokenKey(id))
}

// MetadataEntry pairs a token ID with its metadata.
type MetadataEntry struct {
	ID types.TokenID
	Metadata
}

// ForEach iterates over all token metadata entries.
// Return a non-nil error from fn to stop iteration early.
func (s *Store) ForEach(fn func(types.TokenID, *Metadata) error) error {
	return s.db.ForEach(prefixToken, func(key, value []byte) error {
		// Key layout: "t/" + tokenID(32).
		if len(key) < len(prefixToken)+types.HashSize {
			return nil // Malformed key, skip.
		}
		var id types.TokenID
		copy(id[:], key[len(prefixToken):])

		var meta Metadata
		if err := json.Unmarshal(value, &meta); err != nil {
			return nil // Skip corrupt entries.
		}
		return fn(id, &meta)
	})
}

// List returns all token metadata entries.
func (s *Store) List() ([]MetadataEntry, error) {
	var entries []MetadataEntry
	err := s.ForEach(func(id types.TokenID, meta *Metadata) error {
		entries = append(entries, MetadataEntry{ID: id, Metadata: *meta})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []MetadataEntry{}
	}
	return entries, nil
}

func tokenKey(id types.TokenID) []byte {
	key := make([]byte, len(prefixToken)+types.HashSize)
	copy(key, prefixToken)
	copy(key[len(prefixToken):], id[:])
	return key
}
