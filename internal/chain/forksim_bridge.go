package chain

import (
	"encoding/json"
	"fmt"

	"github.com/novanode/novanode/internal/forksim"
	"github.com/novanode/novanode/pkg/block"
	"github.com/novanode/novanode/pkg/types"
)

// simulateForkSpends runs the VIU (Verify Inputs Unspent) replay over a
// candidate fork before Reorg commits any of it. It seeds the simulator
// with the spends the currently-disconnecting branch made after the fork
// point (those become available again once that branch is reverted), then
// replays newBranch's transactions in order. Any VIUError here means the
// fork is rejected outright.
func (c *Chain) simulateForkSpends(newBranch []*block.Block, forkHeight uint64) error {
	ancestorBlk, err := c.blocks.GetBlockByHeight(forkHeight)
	if err != nil {
		return fmt.Errorf("load common ancestor at height %d: %w", forkHeight, err)
	}
	ancestorHash := ancestorBlk.Hash()

	sim := forksim.New(c.blocks, c.blocks, c.utxos, decodeUndoSpentOutpoints, ancestorHash, forkHeight)

	if c.state.TipHash != ancestorHash {
		if err := sim.SeedDisconnectedSpends(c.state.TipHash); err != nil {
			return err
		}
	}

	for _, blk := range newBranch {
		if err := sim.SimulateSpendingBlock(blk); err != nil {
			return err
		}
	}

	return nil
}

// decodeUndoSpentOutpoints adapts chain's UndoData JSON encoding to the
// forksim.UndoDecoder the simulator needs, without forksim importing
// chain (which would create a cycle, since chain imports forksim).
func decodeUndoSpentOutpoints(data []byte) ([]types.Outpoint, error) {
	var undo UndoData
	if err := json.Unmarshal(data, &undo); err != nil {
		return nil, fmt.Errorf("unmarshal undo data: %w", err)
	}
	ops := make([]types.Outpoint, len(undo.SpentUTXOs))
	for i, u := range undo.SpentUTXOs {
		ops[i] = u.Outpoint
	}
	return ops, nil
}

// IsOnMainChain reports whether hash names a block that sits on the
// current best chain at its own height, satisfying forksim.MainChainChecker
// for CreateFromCacheObject.
func (c *Chain) IsOnMainChain(hash types.Hash) (bool, error) {
	blk, err := c.blocks.GetBlock(hash)
	if err != nil {
		return false, fmt.Errorf("load block %s: %w", hash, err)
	}
	mainBlk, err := c.blocks.GetBlockByHeight(blk.Header.Height)
	if err != nil {
		return false, nil
	}
	return mainBlk.Hash() == hash, nil
}
