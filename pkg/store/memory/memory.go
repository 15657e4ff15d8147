// Package memory is an in-memory store.Store implementation used by tests
// and by single-process development deployments. It preserves the same
// ordering and atomicity contracts as the Postgres implementation, backed
// by a single mutex rather than database transactions.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reilabs/signup-sequencer/pkg/store"
)

// Store is a mutex-guarded, in-memory store.Store.
type Store struct {
	mu sync.Mutex

	nextSeq     int64
	unprocessed []store.UnprocessedOperation
	processed   []store.ProcessedOperation
	batchOf     map[int64]uuid.UUID // processed sequence -> batch id, once assigned

	batches []store.Batch
	txs     []store.Transaction
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{batchOf: make(map[int64]uuid.UUID)}
}

func (s *Store) InsertUnprocessed(_ context.Context, op store.UnprocessedOperation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq++
	op.Sequence = s.nextSeq
	if op.SubmittedAt.IsZero() {
		op.SubmittedAt = time.Now()
	}
	s.unprocessed = append(s.unprocessed, op)
	return op.Sequence, nil
}

func (s *Store) TakeUnprocessed(_ context.Context, n int) ([]store.UnprocessedOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n > len(s.unprocessed) {
		n = len(s.unprocessed)
	}
	out := make([]store.UnprocessedOperation, n)
	copy(out, s.unprocessed[:n])
	return out, nil
}

func (s *Store) MarkProcessed(_ context.Context, sequence int64, po store.ProcessedOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, op := range s.unprocessed {
		if op.Sequence == sequence {
			idx = i
			break
		}
	}
	if idx == -1 {
		return store.ErrNotFound
	}
	s.unprocessed = append(s.unprocessed[:idx], s.unprocessed[idx+1:]...)
	po.Sequence = sequence
	if po.ProcessedAt.IsZero() {
		po.ProcessedAt = time.Now()
	}
	s.processed = append(s.processed, po)
	return nil
}

// PendingProcessed returns processed operations of kind (or every kind, if
// kind is "") that have not yet been assigned to a batch, in sequence
// order. Assignment is tracked per-sequence in batchOf rather than via a
// single global prefix counter, since insertion and deletion operations
// interleave in processed_operations and a batch only ever covers one kind.
func (s *Store) PendingProcessed(_ context.Context, kind store.OperationKind, limit int) ([]store.ProcessedOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.ProcessedOperation
	for _, po := range s.processed {
		if _, assigned := s.batchOf[po.Sequence]; assigned {
			continue
		}
		if kind != "" && po.Kind != kind {
			continue
		}
		out = append(out, po)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ProcessedOperations(_ context.Context, fromSequence int64, limit int) ([]store.ProcessedOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.ProcessedOperation
	for _, po := range s.processed {
		if po.Sequence <= fromSequence {
			continue
		}
		out = append(out, po)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// BatchOperations returns the processed_operations rows assigned to
// batchID, in sequence order — the per-operation detail (leaf index,
// commitment) a Batch's Sequences list doesn't carry directly.
func (s *Store) BatchOperations(_ context.Context, batchID uuid.UUID) ([]store.ProcessedOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.ProcessedOperation
	for _, po := range s.processed {
		if id, ok := s.batchOf[po.Sequence]; ok && id == batchID {
			out = append(out, po)
		}
	}
	return out, nil
}

func (s *Store) InsertBatch(_ context.Context, b store.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.batches {
		if existing.PostRoot.Equal(b.PostRoot) {
			return store.ErrDuplicatePostRoot
		}
	}
	s.batches = append(s.batches, b)
	for _, seq := range b.Sequences {
		s.batchOf[seq] = b.ID
	}
	return nil
}

func (s *Store) LatestBatch(_ context.Context) (store.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.batches) == 0 {
		return store.Batch{}, store.ErrNotFound
	}
	return s.batches[len(s.batches)-1], nil
}

func (s *Store) AllBatches(_ context.Context) ([]store.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.Batch, len(s.batches))
	copy(out, s.batches)
	return out, nil
}

func (s *Store) PendingBatches(_ context.Context) ([]store.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mined := make(map[uuid.UUID]bool)
	for _, tx := range s.txs {
		if tx.Status == store.TxMined || tx.Status == store.TxFinal {
			mined[tx.BatchID] = true
		}
	}
	var out []store.Batch
	for _, b := range s.batches {
		if !mined[b.ID] {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *Store) InsertTransaction(_ context.Context, tx store.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs = append(s.txs, tx)
	return nil
}

func (s *Store) UpdateTransactionStatus(_ context.Context, txID string, status store.TxStatus, minedBlock *uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.txs {
		if s.txs[i].TxID == txID {
			s.txs[i].Status = status
			if minedBlock != nil {
				s.txs[i].MinedBlock = minedBlock
			}
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) AllTransactions(_ context.Context) ([]store.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.Transaction, len(s.txs))
	copy(out, s.txs)
	return out, nil
}

func (s *Store) PendingTransactions(_ context.Context) ([]store.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Transaction
	for _, tx := range s.txs {
		if tx.Status != store.TxFinal && tx.Status != store.TxDropped {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (s *Store) CountPendingIdentities(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, po := range s.processed {
		if _, assigned := s.batchOf[po.Sequence]; !assigned {
			count++
		}
	}
	return count, nil
}

func (s *Store) CountUnprocessedIdentities(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.unprocessed)), nil
}

func (s *Store) MarkFinalized(_ context.Context, upToBlock uint64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finalized []string
	for i := range s.txs {
		tx := &s.txs[i]
		if tx.Status == store.TxMined && tx.MinedBlock != nil && *tx.MinedBlock <= upToBlock {
			tx.Status = store.TxFinal
			finalized = append(finalized, tx.TxID)
		}
	}
	return finalized, nil
}

func (s *Store) Close() error { return nil }
