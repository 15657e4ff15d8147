package sequencer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reilabs/signup-sequencer/pkg/chain"
	"github.com/reilabs/signup-sequencer/pkg/config"
	"github.com/reilabs/signup-sequencer/pkg/field"
	"github.com/reilabs/signup-sequencer/pkg/merkle"
	"github.com/reilabs/signup-sequencer/pkg/prover"
	"github.com/reilabs/signup-sequencer/pkg/store"
	"github.com/reilabs/signup-sequencer/pkg/store/memory"
)

// fakeRead is a minimal chain.ReadProvider: simulation always succeeds
// unless callErr is set, grounded on pkg/chain/chain_test.go's fakeRead.
type fakeRead struct {
	mu          sync.Mutex
	chainID     int64
	callErr     error
	latestBlock uint64
}

func (f *fakeRead) Call(context.Context, chain.UpdateTreeTx) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callErr
}
func (f *fakeRead) ChainID() int64 { return f.chainID }
func (f *fakeRead) LatestBlock(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latestBlock, nil
}
func (f *fakeRead) setLatestBlock(b uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latestBlock = b
}

// fakeReadWithRoot additionally implements chain.RootReader.
type fakeReadWithRoot struct {
	fakeRead
	root field.Element
}

func (f *fakeReadWithRoot) LatestRoot(context.Context) (field.Element, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.root, nil
}

// fakeWrite is a chain.WriteProvider whose mined status per tx_id is set
// explicitly by the test, grounded on pkg/chain/chain_test.go's fakeWrite.
type fakeWrite struct {
	mu        sync.Mutex
	nextID    int
	submitted map[string]string // idempotency key -> tx id
	mined     map[string]bool
	minedAt   map[string]uint64
	sendErr   error
}

func newFakeWrite() *fakeWrite {
	return &fakeWrite{
		submitted: make(map[string]string),
		mined:     make(map[string]bool),
		minedAt:   make(map[string]uint64),
	}
}

func (f *fakeWrite) SendTransaction(_ context.Context, _ chain.UpdateTreeTx, onlyOnce bool, idempotencyKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	if onlyOnce {
		if id, ok := f.submitted[idempotencyKey]; ok {
			return id, nil
		}
	}
	f.nextID++
	id := fakeTxID(f.nextID)
	f.submitted[idempotencyKey] = id
	return id, nil
}

func (f *fakeWrite) FetchPendingTransactions(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, id := range f.submitted {
		out = append(out, id)
	}
	return out, nil
}

func (f *fakeWrite) MineTransaction(_ context.Context, txID string) (bool, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mined[txID], f.minedAt[txID], nil
}

func (f *fakeWrite) Address() string { return "0xfeed" }

func (f *fakeWrite) setMined(txID string, mined bool, block uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mined[txID] = mined
	f.minedAt[txID] = block
}

func fakeTxID(n int) string {
	digits := "0123456789"
	s := ""
	for n > 0 {
		s = string(digits[n%10]) + s
		n /= 10
	}
	if s == "" {
		s = "0"
	}
	return "0xtx" + s
}

// proverAlwaysOK runs an httptest server that signs off on every witness
// with a fixed proof blob, registered for every "kind:size" key requested.
func proverAlwaysOK(t *testing.T, keys ...string) (*prover.Client, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"proof": "0xc0ffee"})
	}))
	endpoints := make(map[string]string, len(keys))
	for _, k := range keys {
		endpoints[k] = srv.URL
	}
	return prover.NewClient(endpoints), srv.Close
}

func testConfig() *config.Config {
	return &config.Config{
		TreeDepth:            18,
		TreeGCThreshold:      50,
		InsertionBatchSizes:  []int{8},
		DeletionBatchSizes:   []int{3},
		BatchTimeout:         10 * time.Second,
		BatchDeletionTimeout: 10 * time.Second,
		MinBatchDeletionSize: 3,
		MinedConfirmations:   1,
		FinalizationDepth:    10,
		MonitoredTxsCapacity: 100,
	}
}

type testRig struct {
	seq   *Sequencer
	store *memory.Store
	read  *fakeRead
	write *fakeWrite
	done  func()
}

func newTestRig(t *testing.T, cfg *config.Config) *testRig {
	t.Helper()
	return newTestRigWithProvers(t, cfg, "insertion:8", "deletion:3")
}

// newTestRigWithProvers builds a rig whose prover endpoint table registers
// exactly the given "kind:size" keys, for tests exercising provable-size
// selection against a non-default batch-size configuration.
func newTestRigWithProvers(t *testing.T, cfg *config.Config, proverKeys ...string) *testRig {
	t.Helper()

	tr, err := merkle.NewTree(cfg.TreeDepth, cfg.TreeGCThreshold)
	require.NoError(t, err)

	st := memory.New()
	read := &fakeRead{chainID: 1, latestBlock: 100}
	write := newFakeWrite()
	providers := chain.Providers{Read: read, Write: write}

	pv, cleanup := proverAlwaysOK(t, proverKeys...)

	seq := New(cfg, tr, st, providers, pv)
	return &testRig{seq: seq, store: st, read: read, write: write, done: cleanup}
}

func TestSubmitInsertionRejectsZeroAndDuplicateCommitment(t *testing.T) {
	rig := newTestRig(t, testConfig())
	defer rig.done()
	ctx := context.Background()

	_, err := rig.seq.SubmitInsertion(ctx, field.Zero())
	require.Error(t, err)

	c := field.FromUint64(7)
	_, err = rig.seq.SubmitInsertion(ctx, c)
	require.NoError(t, err)

	require.NoError(t, rig.seq.applyUnprocessed(ctx, mustTakeOne(t, ctx, rig.store)))

	_, err = rig.seq.SubmitInsertion(ctx, c)
	assert.Error(t, err, "resubmitting a commitment already in the processed layer must be rejected synchronously")
}

func mustTakeOne(t *testing.T, ctx context.Context, st *memory.Store) store.UnprocessedOperation {
	t.Helper()
	ops, err := st.TakeUnprocessed(ctx, 1)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	return ops[0]
}

func TestSubmitDeletionRejectsOutOfRangeAndDoubleDelete(t *testing.T) {
	rig := newTestRig(t, testConfig())
	defer rig.done()
	ctx := context.Background()

	_, err := rig.seq.SubmitDeletion(ctx, 0)
	require.Error(t, err, "index 0 has no live commitment yet")

	_, err = rig.seq.SubmitDeletion(ctx, 1<<18)
	require.Error(t, err, "index 2^18 is outside a depth-18 tree")

	c := field.FromUint64(11)
	_, err = rig.seq.SubmitInsertion(ctx, c)
	require.NoError(t, err)
	require.NoError(t, rig.seq.applyUnprocessed(ctx, mustTakeOne(t, ctx, rig.store)))

	_, err = rig.seq.SubmitDeletion(ctx, 0)
	require.NoError(t, err)

	op := mustTakeOne(t, ctx, rig.store)
	require.NoError(t, rig.seq.applyUnprocessed(ctx, op))

	_, err = rig.seq.SubmitDeletion(ctx, 0)
	assert.Error(t, err, "a second deletion of the same index must be rejected synchronously")
}

func TestInclusionProofReportsProcessedLayerUntilMined(t *testing.T) {
	rig := newTestRig(t, testConfig())
	defer rig.done()
	ctx := context.Background()

	c := field.FromUint64(99)
	_, err := rig.seq.SubmitInsertion(ctx, c)
	require.NoError(t, err)
	require.NoError(t, rig.seq.applyUnprocessed(ctx, mustTakeOne(t, ctx, rig.store)))

	proof, err := rig.seq.InclusionProofByCommitment(c)
	require.NoError(t, err)
	assert.Equal(t, merkle.Processed, proof.Layer)
	assert.True(t, proof.Leaf.Equal(c))
	assert.True(t, proof.Verify())
}
