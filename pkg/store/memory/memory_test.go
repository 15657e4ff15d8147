package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reilabs/signup-sequencer/pkg/field"
	"github.com/reilabs/signup-sequencer/pkg/store"
)

func TestUnprocessedFIFOAndMarkProcessed(t *testing.T) {
	ctx := context.Background()
	s := New()

	seq1, err := s.InsertUnprocessed(ctx, store.UnprocessedOperation{Kind: store.KindInsertion, Commitment: field.FromUint64(1)})
	require.NoError(t, err)
	seq2, err := s.InsertUnprocessed(ctx, store.UnprocessedOperation{Kind: store.KindInsertion, Commitment: field.FromUint64(2)})
	require.NoError(t, err)
	assert.Less(t, seq1, seq2)

	taken, err := s.TakeUnprocessed(ctx, 1)
	require.NoError(t, err)
	require.Len(t, taken, 1)
	assert.Equal(t, seq1, taken[0].Sequence)

	require.NoError(t, s.MarkProcessed(ctx, seq1, store.ProcessedOperation{Sequence: seq1, Kind: store.KindInsertion, LeafIndex: 0, Commitment: field.FromUint64(1)}))

	remaining, err := s.TakeUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, seq2, remaining[0].Sequence)

	count, err := s.CountUnprocessedIdentities(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestBatchLifecycleAndPendingCounts(t *testing.T) {
	ctx := context.Background()
	s := New()

	for i := 0; i < 3; i++ {
		seq, err := s.InsertUnprocessed(ctx, store.UnprocessedOperation{Kind: store.KindInsertion, Commitment: field.FromUint64(uint64(i + 1))})
		require.NoError(t, err)
		require.NoError(t, s.MarkProcessed(ctx, seq, store.ProcessedOperation{Sequence: seq, Kind: store.KindInsertion, LeafIndex: uint64(i), Commitment: field.FromUint64(uint64(i + 1))}))
	}

	pending, err := s.CountPendingIdentities(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pending)

	ops, err := s.PendingProcessed(ctx, store.KindInsertion, 10)
	require.NoError(t, err)
	require.Len(t, ops, 3)

	batchID := uuid.New()
	seqs := []int64{ops[0].Sequence, ops[1].Sequence, ops[2].Sequence}
	b := store.Batch{ID: batchID, Kind: store.KindInsertion, PostRoot: field.FromUint64(777), Sequences: seqs, CreatedAt: time.Now()}
	require.NoError(t, s.InsertBatch(ctx, b))

	dup := b
	dup.ID = uuid.New()
	err = s.InsertBatch(ctx, dup)
	assert.ErrorIs(t, err, store.ErrDuplicatePostRoot)

	pendingBatches, err := s.PendingBatches(ctx)
	require.NoError(t, err)
	require.Len(t, pendingBatches, 1)

	remainingPending, err := s.CountPendingIdentities(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), remainingPending)
}

func TestTransactionStatusAndFinalization(t *testing.T) {
	ctx := context.Background()
	s := New()

	batchID := uuid.New()
	require.NoError(t, s.InsertTransaction(ctx, store.Transaction{TxID: "0xabc", BatchID: batchID, Status: store.TxPending, SubmittedAt: time.Now()}))

	pending, err := s.PendingTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	minedBlock := uint64(100)
	require.NoError(t, s.UpdateTransactionStatus(ctx, "0xabc", store.TxMined, &minedBlock))

	finalized, err := s.MarkFinalized(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, []string{"0xabc"}, finalized)

	pending, err = s.PendingTransactions(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 0)
}

func TestUpdateTransactionStatusUnknownTxIsNotFound(t *testing.T) {
	s := New()
	err := s.UpdateTransactionStatus(context.Background(), "missing", store.TxMined, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
