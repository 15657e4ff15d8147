// Package chain defines the read/write chain provider collaborators
// (§6, §9 "Polymorphism over chain providers") and the simulate-then-send
// submission helper built on top of them.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/reilabs/signup-sequencer/pkg/field"
)

var (
	// ErrSimulation is returned when a transaction fails the read
	// provider's simulation call; the containing batch is left
	// unsubmitted per spec.md §7 "Simulation failure".
	ErrSimulation = errors.New("chain: transaction simulation failed")
)

// UpdateTreeTx is the on-chain call a proven batch is submitted as.
type UpdateTreeTx struct {
	PriorRoot  field.Element
	PostRoot   field.Element
	Operations []Operation
	Proof      []byte
}

// Operation is the on-chain encoding of one batched operation.
type Operation struct {
	LeafIndex  uint64
	Commitment field.Element // zero for a deletion
}

// ReadProvider is the capability set {call, chain_id, latest_block}.
type ReadProvider interface {
	Call(ctx context.Context, tx UpdateTreeTx) error
	ChainID() int64
	LatestBlock(ctx context.Context) (uint64, error)
}

// WriteProvider is the capability set {send(only_once), status, address}.
type WriteProvider interface {
	SendTransaction(ctx context.Context, tx UpdateTreeTx, onlyOnce bool, idempotencyKey string) (txID string, err error)
	FetchPendingTransactions(ctx context.Context) ([]string, error)
	MineTransaction(ctx context.Context, txID string) (mined bool, minedBlock uint64, err error)
	Address() string
}

// RootReader is an optional ReadProvider capability exposing the anchor
// contract's latest committed root. Sync-Tree-State-With-DB type-asserts
// for it to detect divergence between the local batching chain and the
// chain's own view (§4.3); a ReadProvider that doesn't implement it is
// simply skipped for that check, per §9 "Polymorphism over chain providers."
type RootReader interface {
	LatestRoot(ctx context.Context) (field.Element, error)
}

// Providers bundles the primary read/write pair plus secondary read
// providers indexed by chain_id, per the design note that multiple
// secondary read providers exist for cross-chain root verification.
type Providers struct {
	Read           ReadProvider
	Write          WriteProvider
	SecondaryReads map[int64]ReadProvider
}

// SecondaryRead returns the secondary read provider for chainID, if any.
func (p Providers) SecondaryRead(chainID int64) (ReadProvider, bool) {
	r, ok := p.SecondaryReads[chainID]
	return r, ok
}

// SendTransaction simulates tx against the read provider before submitting
// it via the write provider, per original_source's Ethereum.send_transaction:
// a simulation failure is a distinct error classification (ErrSimulation)
// from a write-provider failure.
func SendTransaction(ctx context.Context, p Providers, tx UpdateTreeTx, onlyOnce bool, idempotencyKey string) (string, error) {
	if err := p.Read.Call(ctx, tx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSimulation, err)
	}
	txID, err := p.Write.SendTransaction(ctx, tx, onlyOnce, idempotencyKey)
	if err != nil {
		return "", fmt.Errorf("chain: submit transaction: %w", err)
	}
	return txID, nil
}
