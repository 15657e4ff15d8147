package sequencer

import (
	"context"
	"errors"
	"fmt"

	"github.com/reilabs/signup-sequencer/pkg/field"
	"github.com/reilabs/signup-sequencer/pkg/merkle"
	"github.com/reilabs/signup-sequencer/pkg/store"
)

// SubmitInsertion validates commitment against live Tree State and enqueues
// it for processing, returning the durable sequence number once persisted.
// Validation happens here, synchronously, so a duplicate is a caller-visible
// error that never reaches the pipeline (§7 "Duplicate deletion / missing
// commitment").
func (s *Sequencer) SubmitInsertion(ctx context.Context, commitment field.Element) (int64, error) {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	if commitment.IsZero() {
		return 0, errors.New("sequencer: cannot insert the reserved zero commitment")
	}
	if _, err := s.tree.FindByCommitment(commitment, merkle.Processed); err == nil {
		return 0, fmt.Errorf("sequencer: commitment %s is already present", commitment.Hex())
	} else if !errors.Is(err, merkle.ErrNotFound) {
		return 0, fmt.Errorf("sequencer: check existing commitment: %w", err)
	}

	seq, err := s.store.InsertUnprocessed(ctx, store.UnprocessedOperation{
		Kind:       store.KindInsertion,
		Commitment: commitment,
	})
	if err != nil {
		return 0, fmt.Errorf("sequencer: insert unprocessed: %w", err)
	}
	s.syncTreeNotify.Notify()
	return seq, nil
}

// SubmitDeletion validates leafIndex against live Tree State (must hold a
// live, non-zero commitment) and enqueues the deletion.
func (s *Sequencer) SubmitDeletion(ctx context.Context, leafIndex uint64) (int64, error) {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	proof, err := s.tree.Proof(leafIndex, merkle.Processed)
	if err != nil {
		return 0, fmt.Errorf("sequencer: leaf index %d: %w", leafIndex, err)
	}
	if proof.Leaf.IsZero() {
		return 0, fmt.Errorf("sequencer: leaf index %d has no live commitment to delete", leafIndex)
	}

	seq, err := s.store.InsertUnprocessed(ctx, store.UnprocessedOperation{
		Kind:      store.KindDeletion,
		LeafIndex: leafIndex,
	})
	if err != nil {
		return 0, fmt.Errorf("sequencer: insert unprocessed: %w", err)
	}
	s.syncTreeNotify.Notify()
	return seq, nil
}

// SubmitDeletionByCommitment resolves commitment to its current leaf index
// against the processed layer and submits a deletion for it.
func (s *Sequencer) SubmitDeletionByCommitment(ctx context.Context, commitment field.Element) (int64, error) {
	idx, err := s.tree.FindByCommitment(commitment, merkle.Processed)
	if err != nil {
		return 0, fmt.Errorf("sequencer: commitment %s: %w", commitment.Hex(), err)
	}
	return s.SubmitDeletion(ctx, idx)
}

// InclusionProofByIndex returns the inclusion proof for leafIndex at
// whichever layer actually reflects it: the mined layer once the leaf's
// value there agrees with the processed layer (the operation has fully
// propagated), the processed layer otherwise (still in flight). The
// returned MerkleProof.Layer reports which one, per §6 "Inclusion-proof
// response reports the layer... at which the proof is valid." The read
// path never consults the chain (§2).
func (s *Sequencer) InclusionProofByIndex(leafIndex uint64) (merkle.MerkleProof, error) {
	minedProof, err := s.tree.Proof(leafIndex, merkle.Mined)
	if err != nil {
		return merkle.MerkleProof{}, err
	}
	processedProof, err := s.tree.Proof(leafIndex, merkle.Processed)
	if err != nil {
		return merkle.MerkleProof{}, err
	}
	if minedProof.Leaf.Equal(processedProof.Leaf) {
		return minedProof, nil
	}
	return processedProof, nil
}

// InclusionProofByCommitment resolves commitment to its processed-layer
// index and returns its inclusion proof. A deleted commitment is no longer
// resolvable this way (it reads back as the zero sentinel, which
// FindByCommitment never matches); callers that need a proof for a deleted
// identity must query by the index they already know.
func (s *Sequencer) InclusionProofByCommitment(commitment field.Element) (merkle.MerkleProof, error) {
	idx, err := s.tree.FindByCommitment(commitment, merkle.Processed)
	if err != nil {
		return merkle.MerkleProof{}, err
	}
	return s.InclusionProofByIndex(idx)
}
