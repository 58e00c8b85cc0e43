package p2p

import "github.com/libp2p/go-libp2p/core/peer"

// Per-message size/count caps carried over from spec.md §4.8's peer handler
// contract. version/verack live in handshake.go, tx/block in gossip.go +
// node.go, getblocks in sync.go (already capped at 500) — these constants
// cover the rest of the contract, implemented in handlers.go.
const (
	// MaxInvSize bounds the number of hashes an inv/getdata/mempool message
	// may carry.
	MaxInvSize = 50_000

	// MaxLocatorSize bounds the number of hashes in a getheaders locator.
	MaxLocatorSize = 500

	// MaxGetHeadersResult bounds the number of headers returned per
	// getheaders response (sync.go's block sync caps full blocks at 500;
	// headers are lighter, so this contract allows more per round trip).
	MaxGetHeadersResult = 2000

	// MaxFilterSize bounds a filterload/filteradd payload in bytes.
	MaxFilterSize = 520

	// MaxAddrSize bounds the number of addresses in one addr message.
	MaxAddrSize = 1000

	// PenaltyOversizedMessage is charged for any message that violates one
	// of the caps above — the same weight as a handshake failure, since
	// both indicate a peer not worth talking to further.
	PenaltyOversizedMessage = 100

	// PenaltyMalformedMessage is charged for a message that's under the
	// size cap but otherwise malformed (bad JSON, wrong field shape).
	PenaltyMalformedMessage = 20
)

// Score returns id's current cumulative offense score. It's 0 both for a
// peer with a clean record and for one already banned — a ban is tracked
// as its own state (bm.bans) and the running score that triggered it is
// cleared, so Score answers "how close to a ban" only for peers not
// already past it; IsBanned answers the rest.
func (bm *BanManager) Score(id peer.ID) int {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.scores[id]
}
