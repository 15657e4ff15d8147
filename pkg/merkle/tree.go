// Package merkle implements the sequencer's Tree State: three overlaid
// sparse Merkle trees (processed, batching, mined) over the same set of
// identity-commitment leaves, each a pointwise-consistent prefix of the
// next, behind a single reader-writer lock.
package merkle

import (
	"errors"
	"fmt"
	"sync"

	"github.com/reilabs/signup-sequencer/pkg/field"
)

// Layer identifies one of the three overlaid tree views.
type Layer int

const (
	Processed Layer = iota
	Batching
	Mined
)

func (l Layer) String() string {
	switch l {
	case Processed:
		return "processed"
	case Batching:
		return "batching"
	case Mined:
		return "mined"
	default:
		return "unknown"
	}
}

var (
	ErrNotFound            = errors.New("merkle: leaf not found at requested layer")
	ErrIndexOutOfRange     = errors.New("merkle: leaf index out of range for tree depth")
	ErrIndexOccupied       = errors.New("merkle: leaf index is already occupied")
	ErrIndexFree           = errors.New("merkle: leaf index has no occupant to delete")
	ErrBatchMismatch       = errors.New("merkle: batch operations do not match pending processed operations")
	ErrPriorRootMismatch   = errors.New("merkle: batch prior root does not match current batching root")
	ErrUnknownPostRoot     = errors.New("merkle: post root does not correspond to any pending batch")
	ErrTreeExhausted       = errors.New("merkle: no free leaf index remains")
)

// LeafWrite records one leaf mutation, enough to replay it forward
// (postValue) or undo it (preValue).
type LeafWrite struct {
	Index     uint64
	PreValue  field.Element
	PostValue field.Element
}

// batchDiff is one committed batch's worth of leaf writes, the unit the
// batching and mined layers are rolled forward and backward by. Keeping
// these as an ordered stack instead of re-deriving state from scratch is
// what makes re-org rollback O(k·depth) rather than O(tree size).
type batchDiff struct {
	priorRoot field.Element
	postRoot  field.Element
	writes    []LeafWrite
}

// MerkleProof is an inclusion proof against a specific layer's root at the
// time it was generated.
type MerkleProof struct {
	Layer     Layer
	Index     uint64
	Leaf      field.Element
	Root      field.Element
	Siblings  []field.Element
}

// Verify recomputes the root from the leaf and sibling path and reports
// whether it matches p.Root.
func (p MerkleProof) Verify() bool {
	cur := p.Leaf
	idx := p.Index
	for _, sib := range p.Siblings {
		if idx%2 == 0 {
			cur = field.MustPoseidon(cur, sib)
		} else {
			cur = field.MustPoseidon(sib, cur)
		}
		idx >>= 1
	}
	return cur.Equal(p.Root)
}

// minedSnapshot is a materialized mined-layer state retained for proof
// queries against a root that is mined but not yet finalized. The number
// retained is bounded by tree_gc_threshold.
type minedSnapshot struct {
	root field.Element
	core *sparseCore
}

// Tree is the three-layer Tree State. Readers (proof queries) never block
// each other; writers (append_processed, commit_batch, mark_mined) are
// serialized against both readers and each other by a single RWMutex, per
// the "shared mutable pipeline state" design note: the three layers are a
// single owned aggregate, never handed out as separate handles.
type Tree struct {
	mu sync.RWMutex

	depth       int
	gcThreshold int

	processed *sparseCore

	batching    *sparseCore
	diffs       []*batchDiff // every committed batch since construction or the last Reset, oldest first
	minedCount  int          // diffs[:minedCount] are mined

	minedSnapshots []*minedSnapshot // the current one plus up to gcThreshold prior ones, newest last

	freed       map[uint64]struct{} // indices vacated by a mined-or-pending deletion, eligible for reuse
	nextNew     uint64              // watermark: smallest index never yet assigned
}

// NewTree constructs an empty Tree State of the given depth, retaining up
// to gcThreshold historical mined snapshots.
func NewTree(depth, gcThreshold int) (*Tree, error) {
	if depth <= 0 || depth > 256 {
		return nil, fmt.Errorf("merkle: depth %d out of range", depth)
	}
	processed := newSparseCore(depth)
	batching := newSparseCore(depth)
	t := &Tree{
		depth:       depth,
		gcThreshold: gcThreshold,
		processed:   processed,
		batching:    batching,
		freed:       make(map[uint64]struct{}),
	}
	emptyMined := newSparseCore(depth)
	t.minedSnapshots = []*minedSnapshot{{root: emptyMined.root(), core: emptyMined}}
	return t, nil
}

// Reset discards all three layers and their history, returning the Tree to
// its just-constructed empty state. Sync-Tree-State-With-DB uses this to
// replay the durable store's full history from a known-empty starting
// point rather than reconcile against whatever partial state is already
// resident, since a partial in-memory state may itself be the thing a
// rebuild was triggered to correct.
func (t *Tree) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.processed = newSparseCore(t.depth)
	t.batching = newSparseCore(t.depth)
	t.diffs = nil
	t.minedCount = 0
	emptyMined := newSparseCore(t.depth)
	t.minedSnapshots = []*minedSnapshot{{root: emptyMined.root(), core: emptyMined}}
	t.freed = make(map[uint64]struct{})
	t.nextNew = 0
}

func (t *Tree) validIndex(index uint64) bool {
	return index < (uint64(1) << uint(t.depth))
}

// NextFreeIndex returns the smallest available leaf index: a slot vacated
// by a deletion if one exists, otherwise the next never-assigned index.
// It does not reserve the index; the caller assigns it via append_processed.
func (t *Tree) NextFreeIndex() (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	best, ok := uint64(0), false
	for idx := range t.freed {
		if !ok || idx < best {
			best, ok = idx, true
		}
	}
	if ok {
		return best, nil
	}
	if !t.validIndex(t.nextNew) {
		return 0, ErrTreeExhausted
	}
	return t.nextNew, nil
}

// AppendProcessed applies one operation to the processed layer only.
// value is the commitment for an insertion, field.Zero() for a deletion.
// Returns the new processed root.
func (t *Tree) AppendProcessed(index uint64, value field.Element) (field.Element, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.validIndex(index) {
		return field.Element{}, ErrIndexOutOfRange
	}
	current := t.processed.leafAt(index)
	if value.IsZero() {
		if current.IsZero() {
			return field.Element{}, ErrIndexFree
		}
		t.freed[index] = struct{}{}
	} else {
		if !current.IsZero() {
			return field.Element{}, ErrIndexOccupied
		}
		delete(t.freed, index)
		if index >= t.nextNew {
			t.nextNew = index + 1
		}
	}
	t.processed.setLeaf(index, value)
	return t.processed.root(), nil
}

// PendingOp is one operation awaiting promotion from the processed layer
// into a batch.
type PendingOp struct {
	Index uint64
	Value field.Element // commitment (insertion) or field.Zero() (deletion)
}

// PreviewBatch computes the (prior_root, post_root) a CommitBatch(ops) call
// would produce, without mutating the batching layer. Create-Batches uses
// this to assemble the witness before requesting a proof, since the actual
// commit must not happen until the proof is obtained and the batch row is
// durably persisted (§4.4): prior_root/post_root are needed up front, but
// the mutation they describe cannot be applied yet.
func (t *Tree) PreviewBatch(ops []PendingOp) (field.Element, field.Element, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(ops) == 0 {
		return field.Element{}, field.Element{}, fmt.Errorf("%w: empty batch", ErrBatchMismatch)
	}

	priorRoot := t.batching.root()
	preview := t.batching.clone()
	for _, op := range ops {
		if !t.validIndex(op.Index) {
			return field.Element{}, field.Element{}, ErrIndexOutOfRange
		}
		if !t.processed.leafAt(op.Index).Equal(op.Value) {
			return field.Element{}, field.Element{}, fmt.Errorf("%w: index %d", ErrBatchMismatch, op.Index)
		}
		preview.setLeaf(op.Index, op.Value)
	}
	return priorRoot, preview.root(), nil
}

// CommitBatch promotes ops, in order, from the processed layer into the
// batching layer, failing with ErrBatchMismatch if any op's value differs
// from the processed layer's leaf at that index. It does not track which
// processed operations are still pending, so it does not check that ops
// are the next pending operations in order; the caller, Create-Batches,
// reads that prefix from the store under batchLock. Returns (prior_root,
// post_root) of the batching layer.
func (t *Tree) CommitBatch(ops []PendingOp) (field.Element, field.Element, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(ops) == 0 {
		return field.Element{}, field.Element{}, fmt.Errorf("%w: empty batch", ErrBatchMismatch)
	}

	priorRoot := t.batching.root()
	writes := make([]LeafWrite, 0, len(ops))
	for _, op := range ops {
		if !t.validIndex(op.Index) {
			return field.Element{}, field.Element{}, ErrIndexOutOfRange
		}
		pre := t.batching.leafAt(op.Index)
		// The processed layer must already reflect this operation: batching
		// is always a prefix of processed, so the post-processed value is
		// what batching is promoted to.
		if !t.processed.leafAt(op.Index).Equal(op.Value) {
			return field.Element{}, field.Element{}, fmt.Errorf("%w: index %d", ErrBatchMismatch, op.Index)
		}
		t.batching.setLeaf(op.Index, op.Value)
		writes = append(writes, LeafWrite{Index: op.Index, PreValue: pre, PostValue: op.Value})
	}
	postRoot := t.batching.root()

	t.diffs = append(t.diffs, &batchDiff{priorRoot: priorRoot, postRoot: postRoot, writes: writes})
	return priorRoot, postRoot, nil
}

// MarkMined advances the mined layer up to and including the batch ending
// at postRoot, replaying each intervening batch's writes forward onto the
// mined core. Idempotent: marking an already-mined root a second time is a
// no-op.
func (t *Tree) MarkMined(postRoot field.Element) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := 0; i < t.minedCount; i++ {
		if t.diffs[i].postRoot.Equal(postRoot) {
			return nil
		}
	}

	target := -1
	for i := t.minedCount; i < len(t.diffs); i++ {
		if t.diffs[i].postRoot.Equal(postRoot) {
			target = i
			break
		}
	}
	if target == -1 {
		return fmt.Errorf("%w: %s", ErrUnknownPostRoot, postRoot)
	}

	minedCore := t.currentMinedCore().clone()
	for i := t.minedCount; i <= target; i++ {
		for _, w := range t.diffs[i].writes {
			minedCore.setLeaf(w.Index, w.PostValue)
		}
	}
	t.minedCount = target + 1
	t.pushMinedSnapshot(minedCore)
	return nil
}

// RetractMined rolls the mined layer back to the highest batch still
// mined before postRoot (exclusive), for the re-org case where the relayer
// reports a previously mined transaction as dropped. The batching layer is
// left untouched; the retracted batches remain pending and are expected to
// be resubmitted by Process-Batches.
func (t *Tree) RetractMined(postRoot field.Element) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	target := -1
	for i := 0; i < t.minedCount; i++ {
		if t.diffs[i].postRoot.Equal(postRoot) {
			target = i
			break
		}
	}
	if target == -1 {
		return fmt.Errorf("%w: %s", ErrUnknownPostRoot, postRoot)
	}

	minedCore := t.currentMinedCore().clone()
	for i := t.minedCount - 1; i >= target; i-- {
		for j := len(t.diffs[i].writes) - 1; j >= 0; j-- {
			w := t.diffs[i].writes[j]
			minedCore.setLeaf(w.Index, w.PreValue)
		}
	}
	t.minedCount = target
	t.pushMinedSnapshot(minedCore)
	return nil
}

// RetractBatching discards every committed-but-unmined batch after and
// including the one ending at postRoot, rolling the batching layer back to
// the prior root. Used by Sync-Tree-State-With-DB when the local batching
// chain has diverged from the chain's reported latest_root.
func (t *Tree) RetractBatching(postRoot field.Element) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	target := -1
	for i := t.minedCount; i < len(t.diffs); i++ {
		if t.diffs[i].postRoot.Equal(postRoot) {
			target = i
			break
		}
	}
	if target == -1 {
		return fmt.Errorf("%w: %s", ErrUnknownPostRoot, postRoot)
	}

	for i := len(t.diffs) - 1; i >= target; i-- {
		for j := len(t.diffs[i].writes) - 1; j >= 0; j-- {
			w := t.diffs[i].writes[j]
			t.batching.setLeaf(w.Index, w.PreValue)
		}
	}
	t.diffs = t.diffs[:target]
	return nil
}

func (t *Tree) currentMinedCore() *sparseCore {
	return t.minedSnapshots[len(t.minedSnapshots)-1].core
}

func (t *Tree) pushMinedSnapshot(core *sparseCore) {
	t.minedSnapshots = append(t.minedSnapshots, &minedSnapshot{root: core.root(), core: core})
	if len(t.minedSnapshots) > t.gcThreshold+1 {
		t.minedSnapshots = t.minedSnapshots[len(t.minedSnapshots)-(t.gcThreshold+1):]
	}
}

func (t *Tree) coreFor(layer Layer) *sparseCore {
	switch layer {
	case Processed:
		return t.processed
	case Batching:
		return t.batching
	case Mined:
		return t.currentMinedCore()
	default:
		return nil
	}
}

// Root returns the current root of the given layer.
func (t *Tree) Root(layer Layer) (field.Element, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c := t.coreFor(layer)
	if c == nil {
		return field.Element{}, fmt.Errorf("merkle: unknown layer %v", layer)
	}
	return c.root(), nil
}

// Proof returns an inclusion proof for index at the given layer.
func (t *Tree) Proof(index uint64, layer Layer) (MerkleProof, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.validIndex(index) {
		return MerkleProof{}, ErrIndexOutOfRange
	}
	c := t.coreFor(layer)
	if c == nil {
		return MerkleProof{}, fmt.Errorf("merkle: unknown layer %v", layer)
	}
	return MerkleProof{
		Layer:    layer,
		Index:    index,
		Leaf:     c.leafAt(index),
		Root:     c.root(),
		Siblings: c.siblingPath(index),
	}, nil
}

// ProofAtRoot looks up a proof for index against a specific historical
// mined root, bounded by tree_gc_threshold retained snapshots. Returns
// ErrNotFound if the root has aged out of retention.
func (t *Tree) ProofAtRoot(index uint64, root field.Element) (MerkleProof, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.validIndex(index) {
		return MerkleProof{}, ErrIndexOutOfRange
	}
	for i := len(t.minedSnapshots) - 1; i >= 0; i-- {
		snap := t.minedSnapshots[i]
		if snap.root.Equal(root) {
			return MerkleProof{
				Layer:    Mined,
				Index:    index,
				Leaf:     snap.core.leafAt(index),
				Root:     snap.root,
				Siblings: snap.core.siblingPath(index),
			}, nil
		}
	}
	return MerkleProof{}, ErrNotFound
}

// FindByCommitment scans the given layer for the leaf index holding value,
// used to answer inclusion-proof requests keyed by commitment rather than
// index. Returns ErrNotFound if value is not present (including if it was
// deleted, since a deleted leaf reads back as the zero sentinel and this
// method never matches the zero value).
func (t *Tree) FindByCommitment(value field.Element, layer Layer) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if value.IsZero() {
		return 0, ErrNotFound
	}
	c := t.coreFor(layer)
	if c == nil {
		return 0, fmt.Errorf("merkle: unknown layer %v", layer)
	}
	for idx, v := range c.nodes[0] {
		if v.Equal(value) {
			return idx, nil
		}
	}
	return 0, ErrNotFound
}
