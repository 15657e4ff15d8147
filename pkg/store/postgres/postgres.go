package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/reilabs/signup-sequencer/pkg/field"
	"github.com/reilabs/signup-sequencer/pkg/store"
)

// Store is the Postgres-backed store.Store. One row write per call is a
// single statement; multi-row writes use an explicit transaction, mirroring
// the teacher's repository pattern of raw SQL over database/sql.
type Store struct {
	client *Client
}

// NewStore wraps an already-connected Client.
func NewStore(c *Client) *Store {
	return &Store{client: c}
}

func (s *Store) InsertUnprocessed(ctx context.Context, op store.UnprocessedOperation) (int64, error) {
	var sequence int64
	row := s.client.db.QueryRowContext(ctx, `
		INSERT INTO unprocessed_operations (kind, commitment, leaf_index, submitted_at)
		VALUES ($1, $2, $3, $4)
		RETURNING sequence`,
		op.Kind, op.Commitment.Hex(), int64(op.LeafIndex), timeOrNow(op.SubmittedAt))
	if err := row.Scan(&sequence); err != nil {
		return 0, fmt.Errorf("store/postgres: insert unprocessed: %w", err)
	}
	return sequence, nil
}

func (s *Store) TakeUnprocessed(ctx context.Context, n int) ([]store.UnprocessedOperation, error) {
	rows, err := s.client.db.QueryContext(ctx, `
		SELECT sequence, kind, commitment, leaf_index, submitted_at
		FROM unprocessed_operations
		ORDER BY sequence ASC
		LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: take unprocessed: %w", err)
	}
	defer rows.Close()

	var out []store.UnprocessedOperation
	for rows.Next() {
		var op store.UnprocessedOperation
		var commitmentHex string
		var leafIndex int64
		if err := rows.Scan(&op.Sequence, &op.Kind, &commitmentHex, &leafIndex, &op.SubmittedAt); err != nil {
			return nil, fmt.Errorf("store/postgres: scan unprocessed: %w", err)
		}
		c, err := field.FromHex(commitmentHex)
		if err != nil {
			return nil, fmt.Errorf("store/postgres: decode commitment: %w", err)
		}
		op.Commitment = c
		op.LeafIndex = uint64(leafIndex)
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *Store) MarkProcessed(ctx context.Context, sequence int64, po store.ProcessedOperation) error {
	tx, err := s.client.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store/postgres: begin mark processed: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM unprocessed_operations WHERE sequence = $1`, sequence)
	if err != nil {
		return fmt.Errorf("store/postgres: delete unprocessed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO processed_operations (sequence, kind, leaf_index, commitment, post_root, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sequence, po.Kind, int64(po.LeafIndex), po.Commitment.Hex(), po.PostRoot.Hex(), timeOrNow(po.ProcessedAt)); err != nil {
		return fmt.Errorf("store/postgres: insert processed: %w", err)
	}

	return tx.Commit()
}

func (s *Store) PendingProcessed(ctx context.Context, kind store.OperationKind, limit int) ([]store.ProcessedOperation, error) {
	query := `
		SELECT sequence, kind, leaf_index, commitment, post_root, processed_at
		FROM processed_operations
		WHERE batch_id IS NULL`
	args := []interface{}{}
	if kind != "" {
		query += ` AND kind = $1`
		args = append(args, kind)
	}
	query += ` ORDER BY sequence ASC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.client.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: pending processed: %w", err)
	}
	defer rows.Close()

	var out []store.ProcessedOperation
	for rows.Next() {
		var po store.ProcessedOperation
		var commitmentHex, postRootHex string
		var leafIndex int64
		if err := rows.Scan(&po.Sequence, &po.Kind, &leafIndex, &commitmentHex, &postRootHex, &po.ProcessedAt); err != nil {
			return nil, fmt.Errorf("store/postgres: scan processed: %w", err)
		}
		c, err := field.FromHex(commitmentHex)
		if err != nil {
			return nil, fmt.Errorf("store/postgres: decode commitment: %w", err)
		}
		root, err := field.FromHex(postRootHex)
		if err != nil {
			return nil, fmt.Errorf("store/postgres: decode post root: %w", err)
		}
		po.LeafIndex = uint64(leafIndex)
		po.Commitment = c
		po.PostRoot = root
		out = append(out, po)
	}
	return out, rows.Err()
}

func (s *Store) ProcessedOperations(ctx context.Context, fromSequence int64, limit int) ([]store.ProcessedOperation, error) {
	query := `
		SELECT sequence, kind, leaf_index, commitment, post_root, processed_at
		FROM processed_operations
		WHERE sequence > $1
		ORDER BY sequence ASC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.client.db.QueryContext(ctx, query, fromSequence)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: processed operations: %w", err)
	}
	defer rows.Close()

	var out []store.ProcessedOperation
	for rows.Next() {
		var po store.ProcessedOperation
		var commitmentHex, postRootHex string
		var leafIndex int64
		if err := rows.Scan(&po.Sequence, &po.Kind, &leafIndex, &commitmentHex, &postRootHex, &po.ProcessedAt); err != nil {
			return nil, fmt.Errorf("store/postgres: scan processed: %w", err)
		}
		c, err := field.FromHex(commitmentHex)
		if err != nil {
			return nil, fmt.Errorf("store/postgres: decode commitment: %w", err)
		}
		root, err := field.FromHex(postRootHex)
		if err != nil {
			return nil, fmt.Errorf("store/postgres: decode post root: %w", err)
		}
		po.LeafIndex = uint64(leafIndex)
		po.Commitment = c
		po.PostRoot = root
		out = append(out, po)
	}
	return out, rows.Err()
}

func (s *Store) BatchOperations(ctx context.Context, batchID uuid.UUID) ([]store.ProcessedOperation, error) {
	rows, err := s.client.db.QueryContext(ctx, `
		SELECT sequence, kind, leaf_index, commitment, post_root, processed_at
		FROM processed_operations
		WHERE batch_id = $1
		ORDER BY sequence ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: batch operations: %w", err)
	}
	defer rows.Close()

	var out []store.ProcessedOperation
	for rows.Next() {
		var po store.ProcessedOperation
		var commitmentHex, postRootHex string
		var leafIndex int64
		if err := rows.Scan(&po.Sequence, &po.Kind, &leafIndex, &commitmentHex, &postRootHex, &po.ProcessedAt); err != nil {
			return nil, fmt.Errorf("store/postgres: scan batch operation: %w", err)
		}
		c, err := field.FromHex(commitmentHex)
		if err != nil {
			return nil, fmt.Errorf("store/postgres: decode commitment: %w", err)
		}
		root, err := field.FromHex(postRootHex)
		if err != nil {
			return nil, fmt.Errorf("store/postgres: decode post root: %w", err)
		}
		po.LeafIndex = uint64(leafIndex)
		po.Commitment = c
		po.PostRoot = root
		out = append(out, po)
	}
	return out, rows.Err()
}

func (s *Store) InsertBatch(ctx context.Context, b store.Batch) error {
	tx, err := s.client.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store/postgres: begin insert batch: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batches (id, kind, prior_root, post_root, proof, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.Kind, b.PriorRoot.Hex(), b.PostRoot.Hex(), b.Proof, timeOrNow(b.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicatePostRoot
		}
		return fmt.Errorf("store/postgres: insert batch: %w", err)
	}

	for _, seq := range b.Sequences {
		if _, err := tx.ExecContext(ctx, `UPDATE processed_operations SET batch_id = $1 WHERE sequence = $2`, b.ID, seq); err != nil {
			return fmt.Errorf("store/postgres: assign batch to sequence %d: %w", seq, err)
		}
	}

	return tx.Commit()
}

func (s *Store) LatestBatch(ctx context.Context) (store.Batch, error) {
	row := s.client.db.QueryRowContext(ctx, `
		SELECT id, kind, prior_root, post_root, proof, created_at
		FROM batches ORDER BY created_at DESC LIMIT 1`)
	b, err := scanBatch(row)
	if err != nil {
		return store.Batch{}, err
	}
	if err := s.fillBatchSequences(ctx, &b); err != nil {
		return store.Batch{}, err
	}
	return b, nil
}

func (s *Store) PendingBatches(ctx context.Context) ([]store.Batch, error) {
	rows, err := s.client.db.QueryContext(ctx, `
		SELECT b.id, b.kind, b.prior_root, b.post_root, b.proof, b.created_at
		FROM batches b
		WHERE NOT EXISTS (
			SELECT 1 FROM transactions t
			WHERE t.batch_id = b.id AND t.status IN ('mined', 'finalized')
		)
		ORDER BY b.created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: pending batches: %w", err)
	}
	defer rows.Close()

	var out []store.Batch
	for rows.Next() {
		b, err := scanBatchRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := s.fillBatchSequences(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AllBatches returns every batch in creation (post_root-chain) order, each
// with Sequences populated from processed_operations.batch_id.
func (s *Store) AllBatches(ctx context.Context) ([]store.Batch, error) {
	rows, err := s.client.db.QueryContext(ctx, `
		SELECT id, kind, prior_root, post_root, proof, created_at
		FROM batches
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: all batches: %w", err)
	}
	defer rows.Close()

	var out []store.Batch
	for rows.Next() {
		b, err := scanBatchRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := s.fillBatchSequences(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// fillBatchSequences populates b.Sequences from the processed_operations
// rows assigned to it, in sequence order, mirroring the InsertBatch write
// path that assigns batch_id per sequence rather than storing the list
// redundantly on the batches row itself.
func (s *Store) fillBatchSequences(ctx context.Context, b *store.Batch) error {
	rows, err := s.client.db.QueryContext(ctx, `
		SELECT sequence FROM processed_operations WHERE batch_id = $1 ORDER BY sequence ASC`, b.ID)
	if err != nil {
		return fmt.Errorf("store/postgres: batch sequences: %w", err)
	}
	defer rows.Close()

	var seqs []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return fmt.Errorf("store/postgres: scan batch sequence: %w", err)
		}
		seqs = append(seqs, seq)
	}
	b.Sequences = seqs
	return rows.Err()
}

func (s *Store) InsertTransaction(ctx context.Context, t store.Transaction) error {
	_, err := s.client.db.ExecContext(ctx, `
		INSERT INTO transactions (tx_id, batch_id, nonce, status, submitted_at, mined_block)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.TxID, t.BatchID, int64(t.Nonce), t.Status, timeOrNow(t.SubmittedAt), t.MinedBlock)
	if err != nil {
		return fmt.Errorf("store/postgres: insert transaction: %w", err)
	}
	return nil
}

func (s *Store) UpdateTransactionStatus(ctx context.Context, txID string, status store.TxStatus, minedBlock *uint64) error {
	res, err := s.client.db.ExecContext(ctx, `
		UPDATE transactions SET status = $1, mined_block = COALESCE($2, mined_block) WHERE tx_id = $3`,
		status, minedBlock, txID)
	if err != nil {
		return fmt.Errorf("store/postgres: update transaction status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) PendingTransactions(ctx context.Context) ([]store.Transaction, error) {
	rows, err := s.client.db.QueryContext(ctx, `
		SELECT tx_id, batch_id, nonce, status, submitted_at, mined_block
		FROM transactions
		WHERE status NOT IN ('finalized', 'dropped')
		ORDER BY submitted_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: pending transactions: %w", err)
	}
	defer rows.Close()

	var out []store.Transaction
	for rows.Next() {
		var t store.Transaction
		var nonce int64
		if err := rows.Scan(&t.TxID, &t.BatchID, &nonce, &t.Status, &t.SubmittedAt, &t.MinedBlock); err != nil {
			return nil, fmt.Errorf("store/postgres: scan transaction: %w", err)
		}
		t.Nonce = uint64(nonce)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) AllTransactions(ctx context.Context) ([]store.Transaction, error) {
	rows, err := s.client.db.QueryContext(ctx, `
		SELECT tx_id, batch_id, nonce, status, submitted_at, mined_block
		FROM transactions
		ORDER BY submitted_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: all transactions: %w", err)
	}
	defer rows.Close()

	var out []store.Transaction
	for rows.Next() {
		var t store.Transaction
		var nonce int64
		if err := rows.Scan(&t.TxID, &t.BatchID, &nonce, &t.Status, &t.SubmittedAt, &t.MinedBlock); err != nil {
			return nil, fmt.Errorf("store/postgres: scan transaction: %w", err)
		}
		t.Nonce = uint64(nonce)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) CountPendingIdentities(ctx context.Context) (int64, error) {
	var count int64
	row := s.client.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_operations WHERE batch_id IS NULL`)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("store/postgres: count pending identities: %w", err)
	}
	return count, nil
}

func (s *Store) CountUnprocessedIdentities(ctx context.Context) (int64, error) {
	var count int64
	row := s.client.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM unprocessed_operations`)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("store/postgres: count unprocessed identities: %w", err)
	}
	return count, nil
}

func (s *Store) MarkFinalized(ctx context.Context, upToBlock uint64) ([]string, error) {
	tx, err := s.client.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: begin mark finalized: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT tx_id FROM transactions
		WHERE status = 'mined' AND mined_block IS NOT NULL AND mined_block <= $1`, int64(upToBlock))
	if err != nil {
		return nil, fmt.Errorf("store/postgres: select finalizable: %w", err)
	}
	var txIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store/postgres: scan finalizable: %w", err)
		}
		txIDs = append(txIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range txIDs {
		if _, err := tx.ExecContext(ctx, `UPDATE transactions SET status = 'finalized' WHERE tx_id = $1`, id); err != nil {
			return nil, fmt.Errorf("store/postgres: finalize transaction %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store/postgres: commit mark finalized: %w", err)
	}
	return txIDs, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanBatch(row *sql.Row) (store.Batch, error) {
	return scanBatchGeneric(row)
}

func scanBatchRow(row scannable) (store.Batch, error) {
	return scanBatchGeneric(row)
}

func scanBatchGeneric(row scannable) (store.Batch, error) {
	var b store.Batch
	var priorHex, postHex string
	if err := row.Scan(&b.ID, &b.Kind, &priorHex, &postHex, &b.Proof, &b.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Batch{}, store.ErrNotFound
		}
		return store.Batch{}, fmt.Errorf("store/postgres: scan batch: %w", err)
	}
	prior, err := field.FromHex(priorHex)
	if err != nil {
		return store.Batch{}, fmt.Errorf("store/postgres: decode prior root: %w", err)
	}
	post, err := field.FromHex(postHex)
	if err != nil {
		return store.Batch{}, fmt.Errorf("store/postgres: decode post root: %w", err)
	}
	b.PriorRoot = prior
	b.PostRoot = post
	return b, nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505), without importing lib/pq's error type here
// so callers needn't vendor it too.
func isUniqueViolation(err error) bool {
	return err != nil && containsSQLState(err.Error(), "23505")
}

func containsSQLState(msg, code string) bool {
	for i := 0; i+len(code) <= len(msg); i++ {
		if msg[i:i+len(code)] == code {
			return true
		}
	}
	return false
}
