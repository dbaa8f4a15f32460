// Package stratum implements the Stratum V1 session core: per-client
// state, request dispatch, duplicate detection, share classification,
// and mining.notify fan-out. It plugs into rpcjson.Server for the
// wire transport and hands accepted shares to the P2P facade.
package stratum

import (
	"sync"

	"github.com/obsidian-pool/poolcore/address"
	"github.com/obsidian-pool/poolcore/bigint"
	"github.com/obsidian-pool/poolcore/rpcjson"
)

// Client is one connected miner's session state: its unique
// extranonce1, authorized workers, per-session duplicate set, and
// current difficulty target.
type Client struct {
	mu                sync.Mutex
	notifier          *rpcjson.Notifier
	extraNonce        uint32
	authorizedWorkers map[string]address.Address
	submittedShares   map[uint64]struct{}
	target            bigint.Uint256
	subscriptionKey   int
	hasSubscription   bool
}

func newClient(notifier *rpcjson.Notifier, extraNonce uint32) *Client {
	return &Client{
		notifier:          notifier,
		extraNonce:        extraNonce,
		authorizedWorkers: make(map[string]address.Address),
		submittedShares:   make(map[uint64]struct{}),
		target:            bigint.Zero,
		subscriptionKey:   -1,
	}
}

// ExtraNonce1 returns the client's unique extranonce1 value.
func (c *Client) ExtraNonce1() uint32 {
	return c.extraNonce
}
