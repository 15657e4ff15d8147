// Package store defines the durable store collaborator: the persistent
// queues, tree deltas, and transaction ledger the sequencer's tasks read
// and write. The HTTP façade, Postgres schema, and SQL are out of scope
// for this module; this package specifies the logical interface plus a
// Postgres-backed and an in-memory implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/reilabs/signup-sequencer/pkg/field"
)

var (
	ErrNotFound          = errors.New("store: record not found")
	ErrDuplicatePostRoot = errors.New("store: batch with this post_root already exists")
	ErrIndexOccupied     = errors.New("store: leaf index is already occupied")
	ErrIndexNotOccupied  = errors.New("store: leaf index has no live commitment to delete")
)

// OperationKind distinguishes insertions from deletions. A batch contains
// operations of exactly one kind.
type OperationKind string

const (
	KindInsertion OperationKind = "insertion"
	KindDeletion  OperationKind = "deletion"
)

// OperationStatus is the operation lifecycle: New -> Processed -> Batched
// -> Mined -> Finalized. Transitions are monotonic; a regression is a
// fatal invariant violation, never a recoverable state.
type OperationStatus string

const (
	StatusNew       OperationStatus = "new"
	StatusProcessed OperationStatus = "processed"
	StatusBatched   OperationStatus = "batched"
	StatusMined     OperationStatus = "mined"
	StatusFinalized OperationStatus = "finalized"
)

// UnprocessedOperation is a row in the unprocessed_operations FIFO.
type UnprocessedOperation struct {
	Sequence    int64
	Kind        OperationKind
	Commitment  field.Element // insertion payload; zero for a deletion
	LeafIndex   uint64        // deletion target; ignored for an insertion
	SubmittedAt time.Time
}

// ProcessedOperation is a row in processed_operations: an operation that
// Modify-Tree has drained into the processed layer.
type ProcessedOperation struct {
	Sequence    int64
	Kind        OperationKind
	LeafIndex   uint64
	Commitment  field.Element // the post-operation leaf value (zero for a deletion)
	PostRoot    field.Element
	ProcessedAt time.Time // age of the oldest pending op drives the batch-timeout policy
}

// Batch is an immutable record of one committed batch.
type Batch struct {
	ID        uuid.UUID
	Kind      OperationKind
	PriorRoot field.Element
	PostRoot  field.Element
	Sequences []int64 // the processed_operations sequence numbers it covers
	Proof     []byte  // opaque zkSNARK proof blob
	CreatedAt time.Time
}

// TxStatus is a Tracked Transaction's on-chain lifecycle.
type TxStatus string

const (
	TxPending  TxStatus = "pending"
	TxMined    TxStatus = "mined"
	TxFinal    TxStatus = "finalized"
	TxDropped  TxStatus = "dropped"
)

// Transaction is a Tracked Transaction: one per submitted batch (though a
// batch may accumulate more than one row across resubmission after a drop).
type Transaction struct {
	TxID        string
	BatchID     uuid.UUID
	Nonce       uint64
	Status      TxStatus
	SubmittedAt time.Time
	MinedBlock  *uint64
}

// Store is the durable store collaborator. All methods that mutate more
// than one logical row do so atomically; implementations are expected to
// use a single database transaction per call where that matters (noted per
// method).
type Store interface {
	// InsertUnprocessed appends a new operation to the unprocessed FIFO and
	// returns its sequence number. It does not validate the operation:
	// admission-time validation against the live tree is the caller's job;
	// this method only persists.
	InsertUnprocessed(ctx context.Context, op UnprocessedOperation) (sequence int64, err error)

	// TakeUnprocessed returns up to n operations in FIFO order without
	// removing them; the caller removes them as part of the same
	// transaction that writes the corresponding processed_operations rows,
	// via MarkProcessed.
	TakeUnprocessed(ctx context.Context, n int) ([]UnprocessedOperation, error)

	// MarkProcessed atomically deletes the unprocessed row at sequence and
	// inserts the corresponding processed_operations row under that same
	// sequence (po.Sequence is ignored), in one store transaction, per
	// spec.md §4.2.
	MarkProcessed(ctx context.Context, sequence int64, po ProcessedOperation) error

	// PendingProcessed returns processed operations not yet covered by any
	// batch, in sequence order, optionally filtered by kind.
	PendingProcessed(ctx context.Context, kind OperationKind, limit int) ([]ProcessedOperation, error)

	// ProcessedOperations returns every processed_operations row with
	// sequence > fromSequence, in sequence order, regardless of batch
	// assignment. Used by Sync-Tree-State-With-DB to replay the full
	// processed-layer history after a restart.
	ProcessedOperations(ctx context.Context, fromSequence int64, limit int) ([]ProcessedOperation, error)

	// InsertBatch persists an immutable batch record. ErrDuplicatePostRoot
	// if post_root already exists (the unique index from spec.md §3).
	InsertBatch(ctx context.Context, b Batch) error

	// LatestBatch returns the most recently inserted batch, or ErrNotFound
	// if none exist.
	LatestBatch(ctx context.Context) (Batch, error)

	// PendingBatches returns batches that do not yet have a Mined or
	// Finalized transaction, in post_root-chain order.
	PendingBatches(ctx context.Context) ([]Batch, error)

	// AllBatches returns every batch ever inserted, in post_root-chain
	// (creation) order, each with its Sequences populated. Used by
	// Sync-Tree-State-With-DB to fold the full batching-layer history
	// forward after a restart.
	AllBatches(ctx context.Context) ([]Batch, error)

	// BatchOperations returns the processed_operations rows assigned to
	// batchID, in sequence order: the per-operation detail (leaf index,
	// commitment) a Batch's Sequences list references but doesn't carry
	// directly. Used to reconstruct the on-chain call and to replay the
	// batching layer during a rebuild.
	BatchOperations(ctx context.Context, batchID uuid.UUID) ([]ProcessedOperation, error)

	// InsertTransaction records a new Tracked Transaction for a batch.
	InsertTransaction(ctx context.Context, tx Transaction) error

	// UpdateTransactionStatus transitions a transaction's status, and for
	// TxMined records the block it was mined in.
	UpdateTransactionStatus(ctx context.Context, txID string, status TxStatus, minedBlock *uint64) error

	// PendingTransactions returns transactions not yet Finalized or
	// Dropped, in submission order.
	PendingTransactions(ctx context.Context) ([]Transaction, error)

	// AllTransactions returns every transaction ever inserted, in
	// submission order, regardless of status. Used by
	// Sync-Tree-State-With-DB to identify batches that were Mined or
	// already Finalized (and so must be replayed into the mined layer),
	// which PendingTransactions alone cannot answer since it excludes
	// Finalized rows.
	AllTransactions(ctx context.Context) ([]Transaction, error)

	// CountPendingIdentities reports the number of processed-but-not-yet-
	// batched operations (the pending_identities metric).
	CountPendingIdentities(ctx context.Context) (int64, error)

	// CountUnprocessedIdentities reports the number of operations still in
	// the unprocessed FIFO (the unprocessed_identities metric).
	CountUnprocessedIdentities(ctx context.Context) (int64, error)

	// MarkFinalized marks every Mined transaction mined at or before
	// upToBlock Finalized, in one store transaction, and returns their ids.
	// Only transaction rows change: processed operations carry no status
	// of their own, so the operations a transaction covers are not updated.
	MarkFinalized(ctx context.Context, upToBlock uint64) (finalizedTxIDs []string, err error)

	Close() error
}
