// Package tasks contains the periodic entry points the external
// scheduler (cron or a job queue) invokes: deposit processing, the
// batched withdrawal sender, the since-block reconciliation scanner and
// the address pool refill. All ledger effects funnel through the
// wallets package, which is the single writer to wallet balances.
package tasks

import (
	"time"

	"gitlab.com/arcanecrypto/coinledger/build"
	"gitlab.com/arcanecrypto/coinledger/coind"
	"gitlab.com/arcanecrypto/coinledger/models/currencies"
)

var log = build.AddSubLogger("TASK")

// DefaultAddressQueueTarget is how many unassigned addresses we keep
// pooled per currency.
const DefaultAddressQueueTarget = 20

// Config is the injected runtime configuration for the task entry
// points. The per-currency settings (dust, confirmation threshold, RPC
// endpoint) live on the currency rows instead.
type Config struct {
	// Account is the account label passed to the node daemons,
	// normally the empty string
	Account string
	// AddressQueueTarget is the pool size RefillAddressesQueue aims
	// for. Zero means DefaultAddressQueueTarget.
	AddressQueueTarget int
	// RPCTimeout bounds a single node RPC roundtrip
	RPCTimeout time.Duration
	// RPCRetries is the retry budget for idempotent node calls
	RPCRetries int
}

// WithDefaults fills the zero fields with their defaults
func (c Config) WithDefaults() Config {
	if c.AddressQueueTarget == 0 {
		c.AddressQueueTarget = DefaultAddressQueueTarget
	}
	if c.RPCTimeout == 0 {
		c.RPCTimeout = coind.DefaultTimeout
	}
	if c.RPCRetries == 0 {
		c.RPCRetries = coind.DefaultRetryAttempts
	}
	return c
}

// ClientFactory returns a node RPC client for the given currency.
// Injected so tests can script the node.
type ClientFactory func(currency currencies.Currency) (coind.Client, error)

// NodeClientFactory connects to the RPC endpoint configured on the
// currency row.
func NodeClientFactory(cfg Config) ClientFactory {
	cfg = cfg.WithDefaults()
	return func(currency currencies.Currency) (coind.Client, error) {
		return coind.NewConn(coind.Config{
			URL:           currency.APIURL,
			Timeout:       cfg.RPCTimeout,
			RetryAttempts: cfg.RPCRetries,
		})
	}
}
