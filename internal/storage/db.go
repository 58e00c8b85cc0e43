// Package storage provides database abstractions.
package storage

// DB is the interface for key-value storage.
type DB interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	// ForEach iterates over all keys with the given prefix.
	// The callback receives a copy of the key; the value is not copied
	// (with Badger it is valid only until the callback returns).
	// Return a non-nil error from fn to stop iteration early.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Batch accumulates writes and applies them as one atomic unit on Commit.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
}

// Batcher is implemented by DBs that can hand out an atomic Batch. Callers
// that need atomicity (e.g. chain.BlockStore.CommitBlock) type-assert for
// it and fall back to sequential writes when the backing DB doesn't support
// one, the same pattern PrefixDB.NewBatch uses for its inner DB.
type Batcher interface {
	NewBatch() Batch
}
