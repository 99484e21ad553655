package ark

import (
	"context"
	"strconv"
	"time"

	"github.com/bonomat/satsday/internal/keys"
)

// Outpoint identifies a virtual transaction output
type Outpoint struct {
	Txid string
	VOut uint32
}

func (o Outpoint) String() string {
	return o.Txid + "." + strconv.FormatUint(uint64(o.VOut), 10)
}

// VtxoOutPoint is a virtual UTXO as reported by the Ark server
type VtxoOutPoint struct {
	Outpoint      Outpoint
	Amount        uint64
	// Hex-encoded script pubkey
	Script        string
	ExpiresAt     time.Time
	IsSpent       bool
	IsRecoverable bool
}

// Event is one deposit notification from the script subscription.
// Events may arrive out of order and may be duplicated; idempotence is
// the ledger's job.
type Event struct {
	Txid   string
	VOut   uint32
	Amount uint64
	Script string
}

// Balance is the house's funds split by location and spendability
type Balance struct {
	OffchainSpendable uint64
	OffchainExpired   uint64
	BoardingSpendable uint64
	BoardingExpired   uint64
	BoardingPending   uint64
}

// GameAddress is one advertised deposit address together with the
// multiplier it encodes. Each logical address has two script-pubkey
// encodings; deposits may arrive under either.
type GameAddress struct {
	Multiplier keys.Multiplier
	// Encoded Ark address
	Address string
	// Hex-encoded p2tr script pubkey
	Script string
	// Hex-encoded sub-dust script pubkey, used for deposits below the
	// server's dust value
	SubDustScript string
}

// MatchesScript reports whether a script pubkey is one of the two
// encodings of this address
func (g GameAddress) MatchesScript(script string) bool {
	return script == g.Script || script == g.SubDustScript
}

// Backend is the settlement pipeline's view of the Ark server. The
// implementation wraps the external gRPC client and is safe for
// concurrent use; everything past this interface is opaque.
type Backend interface {
	// MainAddress returns the house's encoded main Ark address
	MainAddress() string
	// BoardingAddress returns the house's on-chain funding address
	BoardingAddress() string
	// GameAddresses returns every advertised game address
	GameAddresses() []GameAddress
	// DustValue returns the server's minimum spendable output value
	DustValue() uint64
	// SubscribeScripts establishes a deposit subscription for the given
	// script pubkeys and returns its id
	SubscribeScripts(ctx context.Context, scripts []string) (string, error)
	// Events opens the notification stream for a subscription. The
	// returned channel is closed when the stream dies.
	Events(ctx context.Context, subscriptionId string) (<-chan Event, error)
	// ListVtxos returns the full VTXO set for the given addresses
	ListVtxos(ctx context.Context, addresses []string) ([]VtxoOutPoint, error)
	// ParentAddresses resolves the addresses funding a transaction's
	// inputs. Returns an empty slice when the parent is outside the
	// server's horizon.
	ParentAddresses(ctx context.Context, outpoint Outpoint) ([]string, error)
	// Send builds, signs, submits and finalises an offchain payment to
	// the given address, selecting coins over the house's main and game
	// VTXOs. Returns the new virtual txid.
	Send(ctx context.Context, address string, amountSats uint64) (string, error)
	// Settle runs a round of the batching protocol, consolidating all
	// spendable house VTXOs and boarding outputs into the main address.
	// Returns an empty txid when there was nothing to settle.
	Settle(ctx context.Context) (string, error)
	// Balance reports offchain and boarding funds
	Balance(ctx context.Context) (*Balance, error)
}
