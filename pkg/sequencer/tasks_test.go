package sequencer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reilabs/signup-sequencer/pkg/field"
	"github.com/reilabs/signup-sequencer/pkg/merkle"
	"github.com/reilabs/signup-sequencer/pkg/store"
)

// processAt drives one operation straight into the processed layer and the
// store's processed_operations table with an explicit ProcessedAt, bypassing
// the unprocessed FIFO so age-based batch policy tests don't need to sleep
// for real wall-clock time.
func (rig *testRig) processAt(t *testing.T, ctx context.Context, kind store.OperationKind, index uint64, value field.Element, at time.Time) int64 {
	t.Helper()

	seq, err := rig.store.InsertUnprocessed(ctx, store.UnprocessedOperation{Kind: kind, Commitment: value, LeafIndex: index})
	require.NoError(t, err)

	root, err := rig.seq.tree.AppendProcessed(index, value)
	require.NoError(t, err)

	err = rig.store.MarkProcessed(ctx, seq, store.ProcessedOperation{
		Kind:        kind,
		LeafIndex:   index,
		Commitment:  value,
		PostRoot:    root,
		ProcessedAt: at,
	})
	require.NoError(t, err)
	return seq
}

// insertNow processes an insertion of value at the tree's next free index,
// with ProcessedAt set to now, and returns the index used.
func (rig *testRig) insertNow(t *testing.T, ctx context.Context, value field.Element) uint64 {
	t.Helper()
	idx, err := rig.seq.tree.NextFreeIndex()
	require.NoError(t, err)
	rig.processAt(t, ctx, store.KindInsertion, idx, value, time.Now())
	return idx
}

func TestBatchReadyAtInsertionClosesAtConfiguredSize(t *testing.T) {
	cfg := testConfig()
	rig := newTestRig(t, cfg)
	defer rig.done()
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		rig.insertNow(t, ctx, field.FromUint64(uint64(100+i)))
	}

	ops, err := rig.store.PendingProcessed(ctx, store.KindInsertion, 0)
	require.NoError(t, err)
	require.Len(t, ops, 8)

	size, ready := rig.seq.batchReadyAt(store.KindInsertion, ops)
	require.True(t, ready)
	assert.Equal(t, 8, size)
}

func TestBatchReadyAtInsertionWaitsForSizeOrTimeout(t *testing.T) {
	cfg := testConfig()
	rig := newTestRig(t, cfg)
	defer rig.done()
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		rig.insertNow(t, ctx, field.FromUint64(uint64(200+i)))
	}
	ops, err := rig.store.PendingProcessed(ctx, store.KindInsertion, 0)
	require.NoError(t, err)

	_, ready := rig.seq.batchReadyAt(store.KindInsertion, ops)
	assert.False(t, ready, "7 pending with only size-8 configured and no elapsed timeout must not be ready")
}

func TestBatchReadyAtInsertionClosesSubNominalBatchAfterTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.InsertionBatchSizes = []int{8, 4}
	cfg.BatchTimeout = 10 * time.Second
	rig := newTestRigWithProvers(t, cfg, "insertion:8", "insertion:4", "deletion:3")
	defer rig.done()
	ctx := context.Background()

	old := time.Now().Add(-cfg.BatchTimeout - time.Second)
	for i := 0; i < 7; i++ {
		idx, err := rig.seq.tree.NextFreeIndex()
		require.NoError(t, err)
		rig.processAt(t, ctx, store.KindInsertion, idx, field.FromUint64(uint64(300+i)), old)
	}

	ops, err := rig.store.PendingProcessed(ctx, store.KindInsertion, 0)
	require.NoError(t, err)
	require.Len(t, ops, 7)

	size, ready := rig.seq.batchReadyAt(store.KindInsertion, ops)
	require.True(t, ready, "age past batch_timeout must close a batch even short of the configured size")
	assert.Equal(t, 4, size, "largest provable size <= 7 pending is 4")
}

func TestBatchReadyAtInsertionDefersWhenNoProvableSizeFits(t *testing.T) {
	cfg := testConfig()
	cfg.BatchTimeout = 10 * time.Second
	rig := newTestRig(t, cfg) // only "insertion:8" is registered
	defer rig.done()
	ctx := context.Background()

	old := time.Now().Add(-cfg.BatchTimeout - time.Second)
	for i := 0; i < 7; i++ {
		idx, err := rig.seq.tree.NextFreeIndex()
		require.NoError(t, err)
		rig.processAt(t, ctx, store.KindInsertion, idx, field.FromUint64(uint64(400+i)), old)
	}
	ops, err := rig.store.PendingProcessed(ctx, store.KindInsertion, 0)
	require.NoError(t, err)

	_, ready := rig.seq.batchReadyAt(store.KindInsertion, ops)
	assert.False(t, ready, "timeout elapsed but no configured size <= 7 has a registered prover, so the batch must defer")
}

func TestBatchReadyAtDeletionRequiresMinimumRegardlessOfAge(t *testing.T) {
	cfg := testConfig()
	rig := newTestRig(t, cfg)
	defer rig.done()
	ctx := context.Background()

	idx0 := rig.insertNow(t, ctx, field.FromUint64(1))
	idx1 := rig.insertNow(t, ctx, field.FromUint64(2))

	old := time.Now().Add(-cfg.BatchDeletionTimeout - time.Second)
	rig.processAt(t, ctx, store.KindDeletion, idx0, field.Zero(), old)
	rig.processAt(t, ctx, store.KindDeletion, idx1, field.Zero(), old)

	ops, err := rig.store.PendingProcessed(ctx, store.KindDeletion, 0)
	require.NoError(t, err)
	require.Len(t, ops, 2)

	_, ready := rig.seq.batchReadyAt(store.KindDeletion, ops)
	assert.False(t, ready, "2 pending deletions must never close, even past the age timeout, below min_batch_deletion_size=3")
}

func TestBatchReadyAtDeletionClosesImmediatelyAtMinimum(t *testing.T) {
	cfg := testConfig()
	rig := newTestRig(t, cfg)
	defer rig.done()
	ctx := context.Background()

	idx0 := rig.insertNow(t, ctx, field.FromUint64(1))
	idx1 := rig.insertNow(t, ctx, field.FromUint64(2))
	idx2 := rig.insertNow(t, ctx, field.FromUint64(3))

	rig.processAt(t, ctx, store.KindDeletion, idx0, field.Zero(), time.Now())
	rig.processAt(t, ctx, store.KindDeletion, idx1, field.Zero(), time.Now())
	rig.processAt(t, ctx, store.KindDeletion, idx2, field.Zero(), time.Now())

	ops, err := rig.store.PendingProcessed(ctx, store.KindDeletion, 0)
	require.NoError(t, err)
	require.Len(t, ops, 3)

	size, ready := rig.seq.batchReadyAt(store.KindDeletion, ops)
	require.True(t, ready)
	assert.Equal(t, 3, size)
}

func TestCloseBatchThenSubmitThenMineAdvancesAllLayers(t *testing.T) {
	cfg := testConfig()
	rig := newTestRig(t, cfg)
	defer rig.done()
	ctx := context.Background()

	commitments := make([]field.Element, 8)
	indices := make([]uint64, 8)
	for i := range commitments {
		commitments[i] = field.FromUint64(uint64(500 + i))
		indices[i] = rig.insertNow(t, ctx, commitments[i])
	}

	closed, err := rig.seq.tryCloseBatch(ctx)
	require.NoError(t, err)
	require.True(t, closed)

	batches, err := rig.store.AllBatches(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	batch := batches[0]
	assert.Len(t, batch.Sequences, 8)
	assert.False(t, batch.CreatedAt.IsZero(), "closeBatch must stamp CreatedAt so submission ordering is well-defined")

	require.NoError(t, rig.seq.submitPendingBatches(ctx))
	pendingTxs, err := rig.store.PendingTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, pendingTxs, 1)
	txID := pendingTxs[0].TxID

	rig.write.setMined(txID, true, 42)
	require.NoError(t, rig.seq.monitorOne(ctx, txID))

	for i, idx := range indices {
		proof, err := rig.seq.InclusionProofByIndex(idx)
		require.NoError(t, err)
		assert.Equal(t, merkle.Mined, proof.Layer, "once mined, the inclusion proof must come from the mined layer")
		assert.True(t, proof.Leaf.Equal(commitments[i]))
		assert.True(t, proof.Verify())
	}
}

func TestCloseBatchDeletionReportsZeroLeafOnceMined(t *testing.T) {
	cfg := testConfig()
	cfg.InsertionBatchSizes = []int{3}
	rig := newTestRigWithProvers(t, cfg, "insertion:3", "deletion:3")
	defer rig.done()
	ctx := context.Background()

	// Insert and mine three identities first, so the later deletion batch
	// has no competing pending insertions to close instead (tryCloseBatch
	// checks insertions before deletions each tick).
	c := field.FromUint64(777)
	idx := rig.insertNow(t, ctx, c)
	other1 := rig.insertNow(t, ctx, field.FromUint64(951))
	other2 := rig.insertNow(t, ctx, field.FromUint64(952))

	closed, err := rig.seq.tryCloseBatch(ctx)
	require.NoError(t, err)
	require.True(t, closed)
	require.NoError(t, rig.seq.submitPendingBatches(ctx))
	pendingTxs, err := rig.store.PendingTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, pendingTxs, 1)
	rig.write.setMined(pendingTxs[0].TxID, true, 10)
	require.NoError(t, rig.seq.monitorOne(ctx, pendingTxs[0].TxID))

	rig.processAt(t, ctx, store.KindDeletion, idx, field.Zero(), time.Now())
	rig.processAt(t, ctx, store.KindDeletion, other1, field.Zero(), time.Now())
	rig.processAt(t, ctx, store.KindDeletion, other2, field.Zero(), time.Now())

	closed, err = rig.seq.tryCloseBatch(ctx)
	require.NoError(t, err)
	require.True(t, closed)
	require.NoError(t, rig.seq.submitPendingBatches(ctx))

	// The first batch's transaction is Mined but not yet Finalized, so it is
	// still listed (first, by submission time) alongside the new one.
	pendingTxs, err = rig.store.PendingTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, pendingTxs, 2)
	rig.write.setMined(pendingTxs[1].TxID, true, 11)
	require.NoError(t, rig.seq.monitorOne(ctx, pendingTxs[1].TxID))

	proof, err := rig.seq.InclusionProofByIndex(idx)
	require.NoError(t, err)
	assert.Equal(t, merkle.Mined, proof.Layer)
	assert.True(t, proof.Leaf.IsZero())
}

func TestMonitorOneRetractsOnReorgDrop(t *testing.T) {
	cfg := testConfig()
	rig := newTestRig(t, cfg)
	defer rig.done()
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		rig.insertNow(t, ctx, field.FromUint64(uint64(600+i)))
	}
	_, err := rig.seq.tryCloseBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, rig.seq.submitPendingBatches(ctx))

	pendingTxs, err := rig.store.PendingTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, pendingTxs, 1)
	txID := pendingTxs[0].TxID

	emptyMined, err := rig.seq.tree.Root(merkle.Mined)
	require.NoError(t, err)

	rig.write.setMined(txID, true, 50)
	require.NoError(t, rig.seq.monitorOne(ctx, txID))
	minedRoot, err := rig.seq.tree.Root(merkle.Mined)
	require.NoError(t, err)
	assert.False(t, minedRoot.Equal(emptyMined))

	rig.write.setMined(txID, false, 0)
	rig.seq.rebuildNotify.TryConsume() // drain the pre-notified startup state first
	require.NoError(t, rig.seq.monitorOne(ctx, txID))

	minedRootAfter, err := rig.seq.tree.Root(merkle.Mined)
	require.NoError(t, err)
	assert.True(t, minedRootAfter.Equal(emptyMined), "retracting the only mined batch must return the mined layer to empty")

	notified := rig.seq.rebuildNotify.TryConsume()
	assert.True(t, notified, "a re-org drop must request a full rebuild")
}

func TestFinalizeOnceMarksTransactionsPastFinalizationDepth(t *testing.T) {
	cfg := testConfig()
	cfg.FinalizationDepth = 10
	rig := newTestRig(t, cfg)
	defer rig.done()
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		rig.insertNow(t, ctx, field.FromUint64(uint64(700+i)))
	}
	_, err := rig.seq.tryCloseBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, rig.seq.submitPendingBatches(ctx))
	pendingTxs, err := rig.store.PendingTransactions(ctx)
	require.NoError(t, err)
	txID := pendingTxs[0].TxID
	rig.write.setMined(txID, true, 100)
	require.NoError(t, rig.seq.monitorOne(ctx, txID))

	rig.read.setLatestBlock(105)
	require.NoError(t, rig.seq.finalizeOnce(ctx))
	all, err := rig.store.AllTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, store.TxMined, all[0].Status, "head is only 5 blocks past mined_block, short of finalization_depth=10")

	rig.read.setLatestBlock(111)
	require.NoError(t, rig.seq.finalizeOnce(ctx))
	all, err = rig.store.AllTransactions(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.TxFinal, all[0].Status)
}

func TestSyncTreeStateWithDBRebuildsFromScratch(t *testing.T) {
	cfg := testConfig()
	rig := newTestRig(t, cfg)
	defer rig.done()
	ctx := context.Background()

	commitments := make([]field.Element, 8)
	for i := range commitments {
		commitments[i] = field.FromUint64(uint64(800 + i))
		rig.insertNow(t, ctx, commitments[i])
	}
	_, err := rig.seq.tryCloseBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, rig.seq.submitPendingBatches(ctx))
	pendingTxs, err := rig.store.PendingTransactions(ctx)
	require.NoError(t, err)
	txID := pendingTxs[0].TxID
	rig.write.setMined(txID, true, 1)
	require.NoError(t, rig.seq.monitorOne(ctx, txID))

	wantMined, err := rig.seq.tree.Root(merkle.Mined)
	require.NoError(t, err)

	// A fresh tree, rebuilt purely from the store, must reach the same
	// mined root the live tree arrived at incrementally.
	fresh, err := merkle.NewTree(cfg.TreeDepth, cfg.TreeGCThreshold)
	require.NoError(t, err)
	rig.seq.tree = fresh
	rig.seq.txIndex = make(map[string]txRecord)

	require.NoError(t, rig.seq.syncTreeStateWithDB(ctx))

	gotMined, err := rig.seq.tree.Root(merkle.Mined)
	require.NoError(t, err)
	assert.True(t, wantMined.Equal(gotMined), "rebuild must reproduce the same mined root as the incrementally-built tree")
}

func TestSyncTreeStateWithDBRetractsDivergentBatchingRoot(t *testing.T) {
	cfg := testConfig()
	rig := newTestRig(t, cfg)
	defer rig.done()
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		rig.insertNow(t, ctx, field.FromUint64(uint64(1000+i)))
	}
	closed, err := rig.seq.tryCloseBatch(ctx)
	require.NoError(t, err)
	require.True(t, closed)

	batches, err := rig.store.AllBatches(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	batch := batches[0]

	// The chain's anchor contract still reports the pre-batch root: the
	// batch was committed locally but never adopted on-chain.
	rig.seq.chain.Read = &fakeReadWithRoot{fakeRead: fakeRead{chainID: 1, latestBlock: 100}, root: batch.PriorRoot}

	require.NoError(t, rig.seq.syncTreeStateWithDB(ctx))

	batchingRoot, err := rig.seq.tree.Root(merkle.Batching)
	require.NoError(t, err)
	assert.True(t, batchingRoot.Equal(batch.PriorRoot), "sync must retract the unmined batch back to the chain's reported root")
}
