// Package wallet is the facilitator's own signing account. It pays the gas
// for transferWithAuthorization calls submitted on behalf of buyers.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/p402/facilitator/internal/eip3009"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey = errors.New("wallet: invalid private key")
	ErrInvalidAddress    = errors.New("wallet: invalid address")
	ErrRPCConnection     = errors.New("wallet: RPC connection failed")
	ErrMissingChainID    = errors.New("wallet: chain ID required")
)

// TxError wraps a failed chain interaction with the step that failed.
type TxError struct {
	Op     string // simulate, nonce, gas_price, sign, send
	TxHash string // set once the transaction has been signed
	Err    error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("wallet: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("wallet: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces - for testability
// -----------------------------------------------------------------------------

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	Close()
}

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

// tokenABI covers the EIP-3009 entry point plus the read calls we use.
const tokenABI = `[
	{"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"name":"transferWithAuthorization","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"authorizer","type":"address"},{"name":"nonce","type":"bytes32"}],"name":"authorizationState","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

// DefaultGasLimit is used when estimation fails after a successful
// simulation. transferWithAuthorization typically costs ~80k gas.
const DefaultGasLimit = uint64(120000)

var weiPerETH = decimal.New(1, 18)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Config for creating a facilitator wallet.
type Config struct {
	RPCURL     string
	PrivateKey string // hex, with or without 0x
	ChainID    int64
}

// Option configures the wallet.
type Option func(*Wallet)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(w *Wallet) {
		w.client = client
	}
}

// Submission describes a signed and broadcast transaction.
type Submission struct {
	TxHash   string
	Nonce    uint64
	GasLimit uint64
	GasPrice *big.Int
}

// Wallet signs and submits transactions from the facilitator account.
type Wallet struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	tokenABI   abi.ABI
}

// New loads the signing key and connects to the RPC endpoint unless a
// client is injected.
func New(cfg Config, opts ...Option) (*Wallet, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token ABI: %w", err)
	}

	w := &Wallet{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:    big.NewInt(cfg.ChainID),
		tokenABI:   parsedABI,
	}

	for _, opt := range opts {
		opt(w)
	}

	if w.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		w.client = client
	}

	return w, nil
}

func validateConfig(cfg Config) error {
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private key required", ErrInvalidPrivateKey)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return ErrMissingChainID
	}
	return nil
}

// Address returns the facilitator account address.
func (w *Wallet) Address() common.Address {
	return w.address
}

// Client exposes the underlying RPC client for read-only collaborators.
func (w *Wallet) Client() EthClient {
	return w.client
}

// Balance returns the facilitator's native gas balance in wei.
func (w *Wallet) Balance(ctx context.Context) (*big.Int, error) {
	return w.client.BalanceAt(ctx, w.address, nil)
}

// TokenBalance returns holder's balance of token in base units.
func (w *Wallet) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	data, err := w.tokenABI.Pack("balanceOf", holder)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}
	out, err := w.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}
	return new(big.Int).SetBytes(out), nil
}

// AuthorizationUsed asks the token contract whether the authorizer's nonce
// has already been consumed on chain.
func (w *Wallet) AuthorizationUsed(ctx context.Context, token, authorizer common.Address, nonce [32]byte) (bool, error) {
	data, err := w.tokenABI.Pack("authorizationState", authorizer, nonce)
	if err != nil {
		return false, fmt.Errorf("failed to pack authorizationState call: %w", err)
	}
	out, err := w.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("failed to call authorizationState: %w", err)
	}
	res, err := w.tokenABI.Unpack("authorizationState", out)
	if err != nil || len(res) != 1 {
		return false, fmt.Errorf("failed to decode authorizationState: %v", err)
	}
	used, _ := res[0].(bool)
	return used, nil
}

// PackTransferWithAuthorization encodes the EIP-3009 call for p.
func (w *Wallet) PackTransferWithAuthorization(p *eip3009.Parsed) ([]byte, error) {
	return w.tokenABI.Pack("transferWithAuthorization",
		p.From, p.To, p.Value, p.ValidAfter, p.ValidBefore, p.Nonce, p.V, p.R, p.S)
}

// Simulate runs data against to as an eth_call from the facilitator
// account. A revert comes back as a *TxError with Op "simulate".
func (w *Wallet) Simulate(ctx context.Context, to common.Address, data []byte) error {
	_, err := w.client.CallContract(ctx, ethereum.CallMsg{
		From: w.address,
		To:   &to,
		Data: data,
	}, nil)
	if err != nil {
		return &TxError{Op: "simulate", Err: err}
	}
	return nil
}

// Submit signs and broadcasts a call to to. gasPrice is the price the
// caller already checked; nil asks the node for a suggestion.
func (w *Wallet) Submit(ctx context.Context, to common.Address, data []byte, gasPrice *big.Int) (*Submission, error) {
	nonce, err := w.client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return nil, &TxError{Op: "nonce", Err: err}
	}

	if gasPrice == nil {
		gasPrice, err = w.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, &TxError{Op: "gas_price", Err: err}
		}
	}

	gasLimit, err := w.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  w.address,
		To:    &to,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil || gasLimit == 0 {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(w.chainID), w.privateKey)
	if err != nil {
		return nil, &TxError{Op: "sign", Err: err}
	}

	if err := w.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &TxError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return &Submission{
		TxHash:   signedTx.Hash().Hex(),
		Nonce:    nonce,
		GasLimit: gasLimit,
		GasPrice: gasPrice,
	}, nil
}

// Close closes the client connection.
func (w *Wallet) Close() error {
	if w.client != nil {
		w.client.Close()
	}
	return nil
}

// FormatETH renders wei as a decimal ETH string.
func FormatETH(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -18).String()
}

// ETHToWei converts an ETH amount to wei, truncating below one wei.
func ETHToWei(eth float64) *big.Int {
	return decimal.NewFromFloat(eth).Mul(weiPerETH).Truncate(0).BigInt()
}

// WeiToETH converts wei to a float ETH amount for gauges and comparisons.
func WeiToETH(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f, _ := decimal.NewFromBigInt(wei, -18).Float64()
	return f
}
