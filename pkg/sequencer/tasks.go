package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/reilabs/signup-sequencer/pkg/chain"
	"github.com/reilabs/signup-sequencer/pkg/merkle"
	"github.com/reilabs/signup-sequencer/pkg/metrics"
	"github.com/reilabs/signup-sequencer/pkg/prover"
	"github.com/reilabs/signup-sequencer/pkg/store"
)

// runSyncTreeStateWithDB (§4.3) waits for an on-demand rebuild request —
// raised by Create-Batches when PreviewBatch reports ErrBatchMismatch, or
// by Monitor-Txs on a re-org drop — and replays the full durable history into Tree
// State. The startup rebuild runs synchronously in Start, not here; this
// loop only serves later, on-demand rebuilds.
func (s *Sequencer) runSyncTreeStateWithDB(ctx context.Context) error {
	for {
		if err := s.rebuildNotify.Wait(ctx.Done()); err != nil {
			return nil
		}
		if err := s.syncTreeStateWithDB(ctx); err != nil {
			s.rebuildNotify.Notify() // retry this rebuild once backoff elapses
			return fmt.Errorf("sync tree state with db: %w", err)
		}
	}
}

// syncTreeStateWithDB rebuilds Tree State from scratch: replay every
// processed operation, fold every known batch into the batching layer,
// advance the mined layer to match every batch with a Mined or Finalized
// transaction, then reconcile the batching root against the chain's own
// view if the read provider exposes one.
func (s *Sequencer) syncTreeStateWithDB(ctx context.Context) error {
	s.batchLock.Lock()
	defer s.batchLock.Unlock()

	s.tree.Reset()

	processedOps, err := s.store.ProcessedOperations(ctx, 0, 0)
	if err != nil {
		return fmt.Errorf("load processed operations: %w", err)
	}
	for _, po := range processedOps {
		if _, err := s.tree.AppendProcessed(po.LeafIndex, po.Commitment); err != nil {
			return fmt.Errorf("replay processed op seq %d: %w", po.Sequence, err)
		}
	}

	batches, err := s.store.AllBatches(ctx)
	if err != nil {
		return fmt.Errorf("load batches: %w", err)
	}

	txs, err := s.store.AllTransactions(ctx)
	if err != nil {
		return fmt.Errorf("load transactions: %w", err)
	}
	txByBatch := make(map[uuid.UUID]store.Transaction, len(txs))
	for _, tx := range txs {
		txByBatch[tx.BatchID] = tx
	}

	s.txIndexMu.Lock()
	s.txIndex = make(map[string]txRecord, len(txs))
	s.txIndexMu.Unlock()

	for _, b := range batches {
		ops, err := s.store.BatchOperations(ctx, b.ID)
		if err != nil {
			return fmt.Errorf("load batch %s operations: %w", b.ID, err)
		}
		pendingOps := make([]merkle.PendingOp, len(ops))
		for i, po := range ops {
			pendingOps[i] = merkle.PendingOp{Index: po.LeafIndex, Value: po.Commitment}
		}
		if _, _, err := s.tree.CommitBatch(pendingOps); err != nil {
			return fmt.Errorf("replay batch %s: %w", b.ID, err)
		}

		tx, ok := txByBatch[b.ID]
		if !ok {
			continue
		}
		s.rememberTx(tx.TxID, b)
		if tx.Status == store.TxMined || tx.Status == store.TxFinal {
			if err := s.tree.MarkMined(b.PostRoot); err != nil {
				return fmt.Errorf("mark mined batch %s: %w", b.ID, err)
			}
			s.markTxMined(tx.TxID)
		}
	}

	if reader, ok := s.chain.Read.(chain.RootReader); ok {
		if err := s.reconcileWithChainRoot(ctx, reader, batches); err != nil {
			return fmt.Errorf("reconcile chain root: %w", err)
		}
	}

	s.treeSyncedNotify.Notify()
	s.nextBatchNotify.Notify()
	s.log.Printf("sync tree state with db: rebuilt from %d processed ops, %d batches", len(processedOps), len(batches))
	return nil
}

// reconcileWithChainRoot detects divergence between the locally rebuilt
// batching root and the anchor contract's own latest_root (§4.3, §9 Open
// Question on the re-org retraction boundary), retracting any batches the
// chain has not actually adopted.
func (s *Sequencer) reconcileWithChainRoot(ctx context.Context, reader chain.RootReader, batches []store.Batch) error {
	chainRoot, err := reader.LatestRoot(ctx)
	if err != nil {
		return fmt.Errorf("latest root: %w", err)
	}
	batchingRoot, err := s.tree.Root(merkle.Batching)
	if err != nil {
		return err
	}
	if chainRoot.Equal(batchingRoot) {
		return nil
	}
	for _, b := range batches {
		if b.PriorRoot.Equal(chainRoot) {
			if err := s.tree.RetractBatching(b.PostRoot); err != nil {
				return fmt.Errorf("retract batching at %s: %w", b.PostRoot.Hex(), err)
			}
			s.log.Printf("sync tree state with db: retracted batching layer to chain root %s", chainRoot.Hex())
			return nil
		}
	}
	s.log.Printf("sync tree state with db: local batching root %s diverges from chain root %s with no known boundary batch; leaving as-is",
		batchingRoot.Hex(), chainRoot.Hex())
	return nil
}

// runModifyTree (§4.2) drains the unprocessed FIFO into the processed
// layer, one micro-batch at a time, signaling treeSyncedNotify after each
// so Create-Batches can react without waiting for its own poll tick.
func (s *Sequencer) runModifyTree(ctx context.Context) error {
	const drainSize = 64

	for {
		if err := s.syncTreeNotify.Wait(ctx.Done()); err != nil {
			return nil
		}

		for {
			ops, err := s.store.TakeUnprocessed(ctx, drainSize)
			if err != nil {
				return fmt.Errorf("modify tree: take unprocessed: %w", err)
			}
			if len(ops) == 0 {
				break
			}
			for _, op := range ops {
				if err := s.applyUnprocessed(ctx, op); err != nil {
					return fmt.Errorf("modify tree: apply sequence %d: %w", op.Sequence, err)
				}
			}
			s.treeSyncedNotify.Notify()
			if len(ops) < drainSize {
				break
			}
		}
	}
}

func (s *Sequencer) applyUnprocessed(ctx context.Context, op store.UnprocessedOperation) error {
	var index uint64
	value := op.Commitment

	switch op.Kind {
	case store.KindInsertion:
		idx, err := s.tree.NextFreeIndex()
		if err != nil {
			return fmt.Errorf("assign free index: %w", err)
		}
		index = idx
	case store.KindDeletion:
		index = op.LeafIndex
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}

	root, err := s.tree.AppendProcessed(index, value)
	if err != nil {
		return fmt.Errorf("append processed: %w", err)
	}

	po := store.ProcessedOperation{
		Kind:       op.Kind,
		LeafIndex:  index,
		Commitment: value,
		PostRoot:   root,
	}
	if err := s.store.MarkProcessed(ctx, op.Sequence, po); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// runCreateBatches (§4.4) closes batches under the size/timeout policy,
// one at a time (batchLock preventing re-entrancy), and requests their
// proof before persisting.
func (s *Sequencer) runCreateBatches(ctx context.Context) error {
	const pollInterval = time.Second

	for {
		closed, err := s.tryCloseBatch(ctx)
		if err != nil {
			return fmt.Errorf("create batches: %w", err)
		}
		if closed {
			continue
		}
		if _, err := s.treeSyncedNotify.WaitTimeout(ctx.Done(), pollInterval); err != nil {
			return nil
		}
	}
}

// tryCloseBatch attempts to close one ready batch, insertions taking
// priority over deletions when both happen to be ready in the same tick
// (an arbitrary but stable tie-break; the spec only requires each kind's
// own policy be honored independently).
func (s *Sequencer) tryCloseBatch(ctx context.Context) (bool, error) {
	s.batchLock.Lock()
	defer s.batchLock.Unlock()

	for _, kind := range [...]store.OperationKind{store.KindInsertion, store.KindDeletion} {
		ops, err := s.store.PendingProcessed(ctx, kind, 0)
		if err != nil {
			return false, fmt.Errorf("pending processed (%s): %w", kind, err)
		}
		size, ready := s.batchReadyAt(kind, ops)
		if !ready {
			continue
		}
		if err := s.closeBatch(ctx, kind, ops[:size]); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// batchReadyAt implements §4.4's closing policy:
//   - insertions close at pending >= insertion_batch_size OR age >= batch_timeout.
//   - deletions close at pending >= min_batch_deletion_size AND
//     (pending >= deletion_batch_size OR age >= batch_deletion_timeout).
//
// The actual size submitted is the largest configured, provable size <=
// pending; if none is provable yet, the batch is deferred even if the
// timing policy says it's ready.
func (s *Sequencer) batchReadyAt(kind store.OperationKind, ops []store.ProcessedOperation) (int, bool) {
	pending := len(ops)
	if pending == 0 {
		return 0, false
	}
	sizes := s.cfg.ProverSizesForKind(string(kind))
	if len(sizes) == 0 {
		return 0, false
	}
	maxConfigured := sizes[0]
	for _, sz := range sizes {
		if sz > maxConfigured {
			maxConfigured = sz
		}
	}
	age := time.Since(ops[0].ProcessedAt)
	sizeReached := pending >= maxConfigured

	switch kind {
	case store.KindInsertion:
		if !sizeReached && age < s.cfg.BatchTimeout {
			return 0, false
		}
	case store.KindDeletion:
		if pending < s.cfg.MinBatchDeletionSize {
			return 0, false
		}
		if !sizeReached && age < s.cfg.BatchDeletionTimeout {
			return 0, false
		}
	default:
		return 0, false
	}

	size := s.selectBatchSize(kind, pending)
	if size == 0 {
		return 0, false // policy says ready, but no provable size <= pending; defer
	}
	return size, true
}

// selectBatchSize returns the largest configured size <= pending that has
// a registered prover, or 0 if none qualifies.
func (s *Sequencer) selectBatchSize(kind store.OperationKind, pending int) int {
	best := 0
	for _, sz := range s.cfg.ProverSizesForKind(string(kind)) {
		if sz <= pending && sz > best && s.prover.HasProver(prover.Kind(kind), sz) {
			best = sz
		}
	}
	return best
}

// closeBatch takes the given prefix of pending processed operations,
// proves the transition, persists the batch, and only then mutates the
// batching layer — in that order, so a proof failure or crash before
// insert_batch leaves no trace in either the tree or the store (§4.4).
func (s *Sequencer) closeBatch(ctx context.Context, kind store.OperationKind, ops []store.ProcessedOperation) error {
	pendingOps := make([]merkle.PendingOp, len(ops))
	leafIndices := make([]uint64, len(ops))
	commitments := make([]string, len(ops))
	sequences := make([]int64, len(ops))
	for i, po := range ops {
		pendingOps[i] = merkle.PendingOp{Index: po.LeafIndex, Value: po.Commitment}
		leafIndices[i] = po.LeafIndex
		commitments[i] = po.Commitment.Hex()
		sequences[i] = po.Sequence
	}

	priorRoot, postRoot, err := s.tree.PreviewBatch(pendingOps)
	if err != nil {
		if errors.Is(err, merkle.ErrBatchMismatch) {
			// Our view of the processed layer disagrees with the store's
			// pending-processed prefix: someone else mutated Tree State
			// concurrently, or we're running against stale state. Force a
			// rebuild rather than guess.
			s.rebuildNotify.Notify()
		}
		return fmt.Errorf("preview batch: %w", err)
	}

	proof, err := s.prover.RequestProof(ctx, prover.Kind(kind), len(ops), priorRoot, postRoot, prover.Witness{
		LeafIndices: leafIndices,
		Commitments: commitments,
	})
	if err != nil {
		return fmt.Errorf("request proof: %w", err)
	}

	batch := store.Batch{
		ID:        uuid.New(),
		Kind:      kind,
		PriorRoot: priorRoot,
		PostRoot:  postRoot,
		Sequences: sequences,
		Proof:     proof,
		CreatedAt: time.Now(),
	}
	if err := s.store.InsertBatch(ctx, batch); err != nil {
		if !errors.Is(err, store.ErrDuplicatePostRoot) {
			return fmt.Errorf("insert batch: %w", err)
		}
		// Already persisted by a crashed prior attempt with the identical
		// operation set; still commit locally so the tree catches up.
	}

	if _, _, err := s.tree.CommitBatch(pendingOps); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	s.nextBatchNotify.Notify()
	return nil
}

// runProcessBatches (§4.5) submits every batch without a transaction yet,
// strictly in creation order, one at a time so nonce assignment stays
// ordered.
func (s *Sequencer) runProcessBatches(ctx context.Context) error {
	const pollInterval = time.Second

	for {
		if err := s.submitPendingBatches(ctx); err != nil {
			return fmt.Errorf("process batches: %w", err)
		}
		if _, err := s.nextBatchNotify.WaitTimeout(ctx.Done(), pollInterval); err != nil {
			return nil
		}
	}
}

func (s *Sequencer) submitPendingBatches(ctx context.Context) error {
	batches, err := s.store.PendingBatches(ctx)
	if err != nil {
		return fmt.Errorf("pending batches: %w", err)
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].CreatedAt.Before(batches[j].CreatedAt) })

	pendingTxs, err := s.store.PendingTransactions(ctx)
	if err != nil {
		return fmt.Errorf("pending transactions: %w", err)
	}
	submitted := make(map[uuid.UUID]bool, len(pendingTxs))
	for _, tx := range pendingTxs {
		submitted[tx.BatchID] = true
	}

	for _, b := range batches {
		if submitted[b.ID] {
			continue
		}
		if err := s.submitBatch(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sequencer) submitBatch(ctx context.Context, b store.Batch) error {
	ops, err := s.store.BatchOperations(ctx, b.ID)
	if err != nil {
		return fmt.Errorf("batch operations: %w", err)
	}
	chainOps := make([]chain.Operation, len(ops))
	for i, po := range ops {
		chainOps[i] = chain.Operation{LeafIndex: po.LeafIndex, Commitment: po.Commitment}
	}
	tx := chain.UpdateTreeTx{PriorRoot: b.PriorRoot, PostRoot: b.PostRoot, Operations: chainOps, Proof: b.Proof}

	txID, err := chain.SendTransaction(ctx, s.chain, tx, true, b.ID.String())
	if err != nil {
		if errors.Is(err, chain.ErrSimulation) {
			s.log.Printf("process batches: simulation failed for batch %s, leaving unsubmitted: %v", b.ID, err)
		}
		return fmt.Errorf("submit batch %s: %w", b.ID, err)
	}

	record := store.Transaction{
		TxID:        txID,
		BatchID:     b.ID,
		Status:      store.TxPending,
		SubmittedAt: time.Now(),
	}
	if err := s.store.InsertTransaction(ctx, record); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	s.rememberTx(txID, b)
	metrics.SubmittedBatchSizes.Observe(float64(len(ops)))

	select {
	case s.monitoredTxs <- txID:
	case <-ctx.Done():
		return errShutdown
	}
	return nil
}

// runMonitorTxs (§4.6) consumes the monitored_txs channel, polling each
// transaction's mined status and advancing or retracting the mined layer.
func (s *Sequencer) runMonitorTxs(ctx context.Context) error {
	for {
		select {
		case txID := <-s.monitoredTxs:
			if err := s.monitorOne(ctx, txID); err != nil {
				return fmt.Errorf("monitor txs: %w", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Sequencer) monitorOne(ctx context.Context, txID string) error {
	mined, block, err := s.chain.Write.MineTransaction(ctx, txID)
	if err != nil {
		return fmt.Errorf("mine transaction %s: %w", txID, err)
	}

	rec, ok := s.lookupTx(txID)
	if !ok {
		s.log.Printf("monitor txs: untracked tx %s, dropping", txID)
		return nil
	}

	if mined {
		if err := s.store.UpdateTransactionStatus(ctx, txID, store.TxMined, &block); err != nil {
			return fmt.Errorf("update transaction status: %w", err)
		}
		if err := s.tree.MarkMined(rec.postRoot); err != nil {
			return fmt.Errorf("mark mined: %w", err)
		}
		s.markTxMined(txID)
		return nil
	}

	if rec.mined {
		// Re-org: a transaction previously observed mined is now reported
		// unmined (§4.6 re-org rule, §9 Open Question resolution).
		if err := s.store.UpdateTransactionStatus(ctx, txID, store.TxDropped, nil); err != nil {
			return fmt.Errorf("update transaction status dropped: %w", err)
		}
		if err := s.tree.RetractMined(rec.postRoot); err != nil {
			return fmt.Errorf("retract mined: %w", err)
		}
		if err := s.tree.RetractBatching(rec.postRoot); err != nil {
			return fmt.Errorf("retract batching: %w", err)
		}
		s.rebuildNotify.Notify()
		s.nextBatchNotify.Notify()
		return nil
	}

	// Still pending: re-enqueue for another poll shortly.
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return nil
	}
	select {
	case s.monitoredTxs <- txID:
	case <-ctx.Done():
		return nil
	}
	return nil
}

func (s *Sequencer) rememberTx(txID string, b store.Batch) {
	s.txIndexMu.Lock()
	defer s.txIndexMu.Unlock()
	if s.txIndex == nil {
		s.txIndex = make(map[string]txRecord)
	}
	s.txIndex[txID] = txRecord{batchID: b.ID, priorRoot: b.PriorRoot, postRoot: b.PostRoot}
}

func (s *Sequencer) lookupTx(txID string) (txRecord, bool) {
	s.txIndexMu.Lock()
	defer s.txIndexMu.Unlock()
	rec, ok := s.txIndex[txID]
	return rec, ok
}

func (s *Sequencer) markTxMined(txID string) {
	s.txIndexMu.Lock()
	defer s.txIndexMu.Unlock()
	if rec, ok := s.txIndex[txID]; ok {
		rec.mined = true
		s.txIndex[txID] = rec
	}
}

func (s *Sequencer) markTxFinalized(txID string) {
	s.txIndexMu.Lock()
	defer s.txIndexMu.Unlock()
	delete(s.txIndex, txID)
}

// runFinalizeIdentities (§4.7) periodically marks transactions Finalized
// once the chain head has advanced finalization_depth blocks past the
// mined block. Operations have no status of their own and are not updated.
func (s *Sequencer) runFinalizeIdentities(ctx context.Context) error {
	const pollInterval = 5 * time.Second

	for {
		if err := s.finalizeOnce(ctx); err != nil {
			return fmt.Errorf("finalize identities: %w", err)
		}
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Sequencer) finalizeOnce(ctx context.Context) error {
	head, err := s.chain.Read.LatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("latest block: %w", err)
	}
	depth := uint64(s.cfg.FinalizationDepth)
	if head < depth {
		return nil
	}
	upTo := head - depth

	finalizedTxIDs, err := s.store.MarkFinalized(ctx, upTo)
	if err != nil {
		return fmt.Errorf("mark finalized: %w", err)
	}
	for _, txID := range finalizedTxIDs {
		s.markTxFinalized(txID)
	}
	return nil
}

// runMonitorQueue (§6 "Metrics exported", supplemented per original_source)
// periodically republishes the queue-depth gauges.
func (s *Sequencer) runMonitorQueue(ctx context.Context) error {
	const pollInterval = 2 * time.Second

	for {
		pending, err := s.store.CountPendingIdentities(ctx)
		if err != nil {
			return fmt.Errorf("monitor queue: count pending identities: %w", err)
		}
		unprocessed, err := s.store.CountUnprocessedIdentities(ctx)
		if err != nil {
			return fmt.Errorf("monitor queue: count unprocessed identities: %w", err)
		}
		metrics.PendingIdentities.Set(float64(pending))
		metrics.UnprocessedIdentities.Set(float64(unprocessed))

		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return nil
		}
	}
}
