package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/reilabs/signup-sequencer/pkg/field"
)

// anchorABI describes the single method this module calls on the identity
// anchor contract: updateTree(priorRoot, postRoot, leafIndices, commitments,
// proof). The real contract's full ABI is out of scope (§1 "the blockchain
// read/write providers" are a collaborator); this is the minimal slice the
// sequencer itself needs to encode a call.
const anchorABIJSON = `[{
	"type": "function",
	"name": "updateTree",
	"stateMutability": "nonpayable",
	"inputs": [
		{"name": "priorRoot", "type": "uint256"},
		{"name": "postRoot", "type": "uint256"},
		{"name": "leafIndices", "type": "uint256[]"},
		{"name": "commitments", "type": "uint256[]"},
		{"name": "proof", "type": "bytes"}
	],
	"outputs": []
}, {
	"type": "function",
	"name": "latestRoot",
	"stateMutability": "view",
	"inputs": [],
	"outputs": [{"name": "root", "type": "uint256"}]
}]`

var anchorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(anchorABIJSON))
	if err != nil {
		panic(fmt.Sprintf("chain: parse anchor ABI: %v", err))
	}
	anchorABI = parsed
}

func encodeUpdateTree(tx UpdateTreeTx) ([]byte, error) {
	indices := make([]*big.Int, len(tx.Operations))
	commitments := make([]*big.Int, len(tx.Operations))
	for i, op := range tx.Operations {
		indices[i] = new(big.Int).SetUint64(op.LeafIndex)
		commitments[i] = op.Commitment.Big()
	}
	return anchorABI.Pack("updateTree", tx.PriorRoot.Big(), tx.PostRoot.Big(), indices, commitments, tx.Proof)
}

// EthereumRead is a ReadProvider backed by a go-ethereum JSON-RPC client,
// grounded on the teacher's pkg/ethereum/client.go (ethclient.Dial, chain
// id as a *big.Int, EstimateGas-style simulation via CallContract).
type EthereumRead struct {
	client    *ethclient.Client
	chainID   int64
	contract  common.Address
}

// DialRead connects a read-only provider to rpcURL.
func DialRead(ctx context.Context, rpcURL string, chainID int64, contract common.Address) (*EthereumRead, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	return &EthereumRead{client: c, chainID: chainID, contract: contract}, nil
}

func (r *EthereumRead) Call(ctx context.Context, tx UpdateTreeTx) error {
	data, err := encodeUpdateTree(tx)
	if err != nil {
		return fmt.Errorf("chain: encode updateTree call: %w", err)
	}
	msg := ethereum.CallMsg{To: &r.contract, Data: data}
	if _, err := r.client.CallContract(ctx, msg, nil); err != nil {
		return fmt.Errorf("chain: simulate updateTree: %w", err)
	}
	return nil
}

// LatestRoot calls the anchor contract's latestRoot() view method,
// implementing the optional RootReader capability.
func (r *EthereumRead) LatestRoot(ctx context.Context) (field.Element, error) {
	data, err := anchorABI.Pack("latestRoot")
	if err != nil {
		return field.Element{}, fmt.Errorf("chain: encode latestRoot call: %w", err)
	}
	out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &r.contract, Data: data}, nil)
	if err != nil {
		return field.Element{}, fmt.Errorf("chain: call latestRoot: %w", err)
	}
	unpacked, err := anchorABI.Unpack("latestRoot", out)
	if err != nil {
		return field.Element{}, fmt.Errorf("chain: decode latestRoot: %w", err)
	}
	if len(unpacked) != 1 {
		return field.Element{}, fmt.Errorf("chain: latestRoot returned %d values", len(unpacked))
	}
	root, ok := unpacked[0].(*big.Int)
	if !ok {
		return field.Element{}, fmt.Errorf("chain: latestRoot returned unexpected type %T", unpacked[0])
	}
	return field.FromBigInt(root), nil
}

func (r *EthereumRead) ChainID() int64 { return r.chainID }

func (r *EthereumRead) LatestBlock(ctx context.Context) (uint64, error) {
	header, err := r.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("chain: latest block: %w", err)
	}
	return header.Number.Uint64(), nil
}

// EthereumWrite is a WriteProvider backed by a go-ethereum client and a
// single signing key, tracking nonces and submitted transactions in-memory
// for the idempotent-resubmission and pending-transaction-query surface.
type EthereumWrite struct {
	client   *ethclient.Client
	chainID  *big.Int
	contract common.Address
	key      *ecdsa.PrivateKey
	address  common.Address

	mu          sync.Mutex
	nextNonce   uint64
	nonceKnown  bool
	submitted   map[string]bool // idempotency key -> already submitted
	pending     map[string]*types.Transaction
}

// DialWrite connects a signing write provider to rpcURL using privateKeyHex
// (no "0x" prefix required).
func DialWrite(ctx context.Context, rpcURL string, chainID int64, contract common.Address, privateKeyHex string) (*EthereumWrite, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: parse private key: %w", err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey)
	return &EthereumWrite{
		client:    c,
		chainID:   big.NewInt(chainID),
		contract:  contract,
		key:       key,
		address:   address,
		submitted: make(map[string]bool),
		pending:   make(map[string]*types.Transaction),
	}, nil
}

func (w *EthereumWrite) Address() string {
	return w.address.Hex()
}

func (w *EthereumWrite) SendTransaction(ctx context.Context, tx UpdateTreeTx, onlyOnce bool, idempotencyKey string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if onlyOnce && w.submitted[idempotencyKey] {
		return "", fmt.Errorf("chain: transaction for key %q already submitted", idempotencyKey)
	}

	data, err := encodeUpdateTree(tx)
	if err != nil {
		return "", fmt.Errorf("chain: encode updateTree call: %w", err)
	}

	if !w.nonceKnown {
		n, err := w.client.PendingNonceAt(ctx, w.address)
		if err != nil {
			return "", fmt.Errorf("chain: fetch nonce: %w", err)
		}
		w.nextNonce = n
		w.nonceKnown = true
	}

	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("chain: suggest gas price: %w", err)
	}

	rawTx := types.NewTransaction(w.nextNonce, w.contract, big.NewInt(0), 500_000, gasPrice, data)
	signer := types.NewEIP155Signer(w.chainID)
	signedTx, err := types.SignTx(rawTx, signer, w.key)
	if err != nil {
		return "", fmt.Errorf("chain: sign transaction: %w", err)
	}

	if err := w.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("chain: broadcast transaction: %w", err)
	}

	txID := signedTx.Hash().Hex()
	w.submitted[idempotencyKey] = true
	w.pending[txID] = signedTx
	w.nextNonce++
	return txID, nil
}

func (w *EthereumWrite) FetchPendingTransactions(ctx context.Context) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]string, 0, len(w.pending))
	for txID := range w.pending {
		out = append(out, txID)
	}
	return out, nil
}

func (w *EthereumWrite) MineTransaction(ctx context.Context, txID string) (bool, uint64, error) {
	w.mu.Lock()
	signedTx, ok := w.pending[txID]
	w.mu.Unlock()
	if !ok {
		return false, 0, fmt.Errorf("chain: unknown transaction %s", txID)
	}

	receipt, err := w.client.TransactionReceipt(ctx, signedTx.Hash())
	if err != nil {
		return false, 0, nil // not yet mined; not an error
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return false, 0, fmt.Errorf("chain: transaction %s reverted", txID)
	}
	return true, receipt.BlockNumber.Uint64(), nil
}
