// Package ledger provides the per-network ledger source interface and the
// registry that maps each supported Stellar network to its source.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/stellar/go/network"
)

// ErrNotFound is returned when a ledger or contract code does not exist.
// It is permanent and never retried.
var ErrNotFound = errors.New("ledger object not found")

// ErrUnknownNetwork is returned for a network name outside the supported set
var ErrUnknownNetwork = errors.New("unknown network")

// Network identifies a Stellar network
type Network string

const (
	Mainnet   Network = "mainnet"
	Testnet   Network = "testnet"
	Futurenet Network = "futurenet"
)

// Networks lists every supported network
var Networks = []Network{Mainnet, Testnet, Futurenet}

// ParseNetwork validates a network name
func ParseNetwork(s string) (Network, error) {
	for _, n := range Networks {
		if string(n) == s {
			return n, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownNetwork, s)
}

// Passphrase returns the network passphrase used to hash transactions
func (n Network) Passphrase() string {
	switch n {
	case Mainnet:
		return network.PublicNetworkPassphrase
	case Testnet:
		return network.TestNetworkPassphrase
	case Futurenet:
		return network.FutureNetworkPassphrase
	default:
		return ""
	}
}

// EventKind classifies a contract lifecycle event
type EventKind string

const (
	EventCreate EventKind = "create"
	EventUpdate EventKind = "update"
	EventRetire EventKind = "retire"
)

// Event is a contract lifecycle event observed in a ledger
type Event struct {
	Kind       EventKind
	ContractID string // C... strkey
	WasmHash   string // hex, empty for retire events
	Ledger     uint32
	TxHash     string
}

// Ledger is one closed ledger and the contract events it carries, in
// application order.
type Ledger struct {
	Sequence uint32
	ClosedAt time.Time
	Events   []Event
}

// Source reads closed ledgers and contract code for one network.
// Every method is idempotent: ledger data is immutable once closed.
type Source interface {
	Network() Network

	// LatestLedger returns the sequence of the latest closed ledger
	LatestLedger(ctx context.Context) (uint32, error)

	// FetchLedgerRange returns ledgers from..to inclusive, in order
	FetchLedgerRange(ctx context.Context, from, to uint32) ([]Ledger, error)

	// FetchContractCode returns the WASM currently executed by a contract
	FetchContractCode(ctx context.Context, contractID string) ([]byte, error)

	// FetchCode returns the WASM uploaded under a hex wasm hash
	FetchCode(ctx context.Context, wasmHash string) ([]byte, error)
}

// Registry holds the configured source for each network
type Registry struct {
	sources map[Network]Source
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[Network]Source),
	}
}

// Register adds a source, replacing any source for the same network
func (r *Registry) Register(s Source) {
	r.sources[s.Network()] = s
}

// Get retrieves the source for a network
func (r *Registry) Get(n Network) (Source, bool) {
	s, ok := r.sources[n]
	return s, ok
}

// List returns all registered sources ordered by network name
func (r *Registry) List() []Source {
	sources := make([]Source, 0, len(r.sources))
	for _, s := range r.sources {
		sources = append(sources, s)
	}
	sort.Slice(sources, func(i, j int) bool {
		return sources[i].Network() < sources[j].Network()
	})
	return sources
}
