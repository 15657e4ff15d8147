// Package prover implements the per-(kind, batch_size) HTTP prover client
// (§6 collaborator): request is {prior_root, post_root, witness}, response
// is an opaque proof blob. Grounded on the teacher's functional-option HTTP
// client construction and context-deadline call pattern.
package prover

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/reilabs/signup-sequencer/pkg/field"
)

var (
	ErrNoProverRegistered = errors.New("prover: no prover registered for this (kind, size)")
	ErrProverTimeout      = errors.New("prover: request timed out")
	ErrProverRejected      = errors.New("prover: prover rejected the witness")
)

// Kind mirrors store.OperationKind without importing it, keeping this
// package usable independently of the store schema.
type Kind string

const (
	KindInsertion Kind = "insertion"
	KindDeletion  Kind = "deletion"
)

// WitnessRequest is the request body sent to a registered prover endpoint.
type WitnessRequest struct {
	PriorRoot string   `json:"prior_root"`
	PostRoot  string   `json:"post_root"`
	Witness   Witness  `json:"witness"`
}

// Witness is the batch transition's public+private inputs, opaque beyond
// the shape the prover needs: leaf indices and the commitments involved.
type Witness struct {
	LeafIndices []uint64 `json:"leaf_indices"`
	Commitments []string `json:"commitments"` // hex-encoded field elements
}

type witnessResponse struct {
	Proof string `json:"proof"` // hex-encoded opaque proof blob
	Error string `json:"error,omitempty"`
}

// ClientOption configures a Client at construction time.
type ClientOption func(*Client)

// WithHTTPClient overrides the default *http.Client (e.g. for custom
// transports or timeouts in tests).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request deadline. Defaults to 30s.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// Client is a registry of prover endpoints keyed by (kind, size), each
// called over HTTP with a deadline derived from the caller's context and
// the configured timeout, whichever is tighter.
type Client struct {
	http     *http.Client
	timeout  time.Duration
	endpoints map[string]string // "kind:size" -> URL
}

// NewClient constructs a prover client with the given endpoint table
// (keys formatted "insertion:8", "deletion:3", etc., as produced by
// pkg/config.Config.ProverURLs).
func NewClient(endpoints map[string]string, opts ...ClientOption) *Client {
	c := &Client{
		http:      http.DefaultClient,
		timeout:   30 * time.Second,
		endpoints: endpoints,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func endpointKey(kind Kind, size int) string {
	return fmt.Sprintf("%s:%d", kind, size)
}

// HasProver reports whether a prover is registered for (kind, size).
func (c *Client) HasProver(kind Kind, size int) bool {
	_, ok := c.endpoints[endpointKey(kind, size)]
	return ok
}

// RequestProof submits a witness to the (kind, size) prover and blocks
// until it returns a proof or the call fails. A timeout or transport
// failure is classified as transient (§7): the caller should leave the
// batch un-persisted and retry.
func (c *Client) RequestProof(ctx context.Context, kind Kind, size int, priorRoot, postRoot field.Element, witness Witness) ([]byte, error) {
	url, ok := c.endpoints[endpointKey(kind, size)]
	if !ok {
		return nil, fmt.Errorf("%w: kind=%s size=%d", ErrNoProverRegistered, kind, size)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(WitnessRequest{
		PriorRoot: priorRoot.Hex(),
		PostRoot:  postRoot.Hex(),
		Witness:   witness,
	})
	if err != nil {
		return nil, fmt.Errorf("prover: encode witness request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("prover: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrProverTimeout
		}
		return nil, fmt.Errorf("prover: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("prover: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrProverRejected, resp.StatusCode, string(raw))
	}

	var wr witnessResponse
	if err := json.Unmarshal(raw, &wr); err != nil {
		return nil, fmt.Errorf("prover: decode response: %w", err)
	}
	if wr.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrProverRejected, wr.Error)
	}

	proof, err := hex.DecodeString(strings.TrimPrefix(wr.Proof, "0x"))
	if err != nil {
		return nil, fmt.Errorf("prover: decode proof hex: %w", err)
	}
	return proof, nil
}
