// Package sequencer implements the seven long-lived pipeline tasks
// (§4.2-§4.7) and the Supervisor (§4.8) that drives them, wired together
// over a shared Tree State, Durable Store, chain providers, and prover
// client.
package sequencer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reilabs/signup-sequencer/pkg/chain"
	"github.com/reilabs/signup-sequencer/pkg/config"
	"github.com/reilabs/signup-sequencer/pkg/field"
	"github.com/reilabs/signup-sequencer/pkg/merkle"
	"github.com/reilabs/signup-sequencer/pkg/prover"
	"github.com/reilabs/signup-sequencer/pkg/store"
)

// backoff is the uniform minimum restart delay the original implementation
// uses for every supervised task.
const backoff = 5 * time.Second

// Sequencer wires the Tree State, Durable Store, chain providers, and
// prover client into the seven supervised tasks plus the level-triggered
// latches and bounded channel that coordinate them.
type Sequencer struct {
	cfg    *config.Config
	tree   *merkle.Tree
	store  store.Store
	chain  chain.Providers
	prover *prover.Client
	sup    *Supervisor

	// syncTreeNotify wakes Modify-Tree whenever new unprocessed operations
	// may exist (submission, or a restart's initial backlog).
	syncTreeNotify *Latch
	// treeSyncedNotify is signaled whenever the processed layer has
	// advanced — by Modify-Tree after draining a micro-batch, and by the
	// initial synchronous rebuild in Start. Create-Batches treats it as a
	// wakeup hint in addition to its own poll timer.
	treeSyncedNotify *Latch
	// rebuildNotify wakes Sync-Tree-State-With-DB for an on-demand full
	// rebuild, requested by Monitor-Txs (a re-org drop of a mined
	// transaction) or Create-Batches (its processed-layer view disagreeing
	// with the store's pending operations, merkle.ErrBatchMismatch).
	rebuildNotify *Latch
	// nextBatchNotify wakes Process-Batches after a batch is committed and
	// durably persisted.
	nextBatchNotify *Latch

	monitoredTxs chan string

	// batchLock is the single logical lock on the batching layer Create-
	// Batches holds across the commit_batch suspension point, per spec.md
	// §5 "Tasks hold no Tree State lock across suspension except the single
	// batching-layer lock held by Create-Batches during commit_batch." The
	// full-rebuild path in Sync-Tree-State-With-DB also holds it, since a
	// rebuild mutates the same layers a concurrent batch-close would.
	batchLock sync.Mutex

	// submitMu serializes the synchronous admission-time validation in
	// SubmitInsertion/SubmitDeletion against Tree State, so two concurrent
	// submissions can't both observe a stale "not yet occupied/deleted"
	// view before either is durably recorded.
	submitMu sync.Mutex

	// txIndex maps a submitted transaction id to the batch it carries,
	// rebuilt from the store on every full rebuild and extended in-memory
	// as Process-Batches submits new batches. It exists purely to let
	// Monitor-Txs resolve a bare tx_id (the only thing the monitored_txs
	// channel carries) back to the roots needed for mark_mined/retract.
	txIndexMu sync.Mutex
	txIndex   map[string]txRecord

	log *log.Logger
}

// txRecord is the in-memory projection of a submitted transaction Monitor-
// Txs needs: which batch it carries, that batch's roots, and whether it was
// last observed mined (to detect the true->false re-org transition).
type txRecord struct {
	batchID   uuid.UUID
	priorRoot field.Element
	postRoot  field.Element
	mined     bool
}

// New constructs a Sequencer. Call Start to begin running its tasks.
func New(cfg *config.Config, tree *merkle.Tree, st store.Store, providers chain.Providers, pv *prover.Client) *Sequencer {
	return &Sequencer{
		cfg:              cfg,
		tree:             tree,
		store:            st,
		chain:            providers,
		prover:           pv,
		sup:              NewSupervisor(log.New(log.Writer(), "[Sequencer] ", log.LstdFlags)),
		syncTreeNotify:   NewLatch(),
		treeSyncedNotify: NewLatch(),
		rebuildNotify:    NewLatch(),
		nextBatchNotify:  NewLatch(),
		monitoredTxs:     make(chan string, cfg.MonitoredTxsCapacity),
		txIndex:          make(map[string]txRecord),
		log:              log.New(log.Writer(), "[Sequencer] ", log.LstdFlags),
	}
}

// Start performs the initial synchronous Sync-Tree-State-With-DB rebuild
// (§4.3's "on startup... blocks all other tasks until complete", realized
// here by simply not spawning anything else until it returns) and then
// spawns the seven supervised tasks. Callers stop the sequencer via Stop.
func (s *Sequencer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.sup.Start(cancel)

	if err := s.syncTreeStateWithDB(ctx); err != nil {
		cancel()
		return fmt.Errorf("sequencer: initial tree sync: %w", err)
	}
	s.rebuildNotify.TryConsume()

	s.sup.Spawn(ctx, "sync_tree_state_with_db", backoff, s.runSyncTreeStateWithDB)
	s.sup.Spawn(ctx, "modify_tree", backoff, s.runModifyTree)
	s.sup.Spawn(ctx, "create_batches", backoff, s.runCreateBatches)
	s.sup.Spawn(ctx, "process_batches", backoff, s.runProcessBatches)
	s.sup.Spawn(ctx, "monitor_txs", backoff, s.runMonitorTxs)
	s.sup.Spawn(ctx, "finalize_identities", backoff, s.runFinalizeIdentities)
	s.sup.Spawn(ctx, "monitor_queue", backoff, s.runMonitorQueue)
	return nil
}

// Stop broadcasts shutdown and waits for every task to drain in-flight
// work and exit.
func (s *Sequencer) Stop() {
	s.sup.Stop()
}

// Tree exposes the Tree State for the HTTP façade's inclusion-proof reads,
// which always consult Tree State and never the chain (§2 "Data flow").
func (s *Sequencer) Tree() *merkle.Tree {
	return s.tree
}
