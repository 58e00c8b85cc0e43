package mempool

import (
	"errors"
	"testing"
	"time"

	"github.com/novanode/novanode/pkg/crypto"
	"github.com/novanode/novanode/pkg/types"
)

func TestPool_Add_ParksOrphanOnMissingInput(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	utxos := newMockUTXOs()
	parentOut := types.Outpoint{TxID: types.Hash{0x02}, Index: 0}
	// parentOut is intentionally absent from utxos: its parent tx hasn't
	// been seen yet, so spending it should park as an orphan, not reject.

	pool := New(utxos, 100)
	orphans := NewOrphanPool(10)
	pool.SetOrphanPool(orphans)

	transaction := buildTx(t, key, parentOut, 4000)

	_, err := pool.Add(transaction)
	if !errors.Is(err, ErrMissingInputs) {
		t.Fatalf("Add err = %v, want ErrMissingInputs", err)
	}
	if pool.Count() != 0 {
		t.Errorf("pool count = %d, want 0 (orphan shouldn't enter the main pool)", pool.Count())
	}
	if orphans.Count() != 1 {
		t.Errorf("orphan count = %d, want 1", orphans.Count())
	}
	if !orphans.Has(transaction.Hash()) {
		t.Error("orphan pool missing parked transaction")
	}
}

func TestPool_ProcessOrphans_PromotesOnceParentArrives(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	utxos := newMockUTXOs()
	parentOut := types.Outpoint{TxID: types.Hash{0x03}, Index: 0}

	pool := New(utxos, 100)
	orphans := NewOrphanPool(10)
	pool.SetOrphanPool(orphans)

	child := buildTx(t, key, parentOut, 4000)
	if _, err := pool.Add(child); !errors.Is(err, ErrMissingInputs) {
		t.Fatalf("Add err = %v, want ErrMissingInputs", err)
	}

	// Parent lands: its output now resolves parentOut.
	utxos.add(parentOut, 5000, addr)

	accepted := pool.ProcessOrphans(parentOut.TxID)
	if len(accepted) != 1 {
		t.Fatalf("accepted = %d, want 1", len(accepted))
	}
	if orphans.Count() != 0 {
		t.Errorf("orphan count = %d, want 0 after promotion", orphans.Count())
	}
	if pool.Count() != 1 {
		t.Errorf("pool count = %d, want 1 after promotion", pool.Count())
	}
}

func TestPool_Add_FreeRelayLimiterBlocksZeroFeeBurst(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	utxos := newMockUTXOs()
	pool := New(utxos, 100)

	limiter := NewFreeRelayLimiter(1) // 1000 bytes/minute budget
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return fixed }
	pool.SetFreeRelayLimiter(limiter)

	prevOut1 := types.Outpoint{TxID: types.Hash{0x10}, Index: 0}
	utxos.add(prevOut1, 5000, addr)
	tx1 := buildTx(t, key, prevOut1, 5000) // fee = 0, feeRate = 0

	if _, err := pool.Add(tx1); err != nil {
		t.Fatalf("first free tx rejected: %v", err)
	}

	// Drain the bucket with more zero-fee transactions at the same
	// instant (no decay) until the limiter refuses one.
	var blocked bool
	for i := 0; i < 50; i++ {
		prevOut := types.Outpoint{TxID: types.Hash{0x20, byte(i)}, Index: 0}
		utxos.add(prevOut, 5000, addr)
		tx := buildTx(t, key, prevOut, 5000)
		if _, err := pool.Add(tx); errors.Is(err, ErrFreeRelayLimited) {
			blocked = true
			break
		}
	}
	if !blocked {
		t.Error("expected free-relay limiter to eventually block a zero-fee burst")
	}
}
