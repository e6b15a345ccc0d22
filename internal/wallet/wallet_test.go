package wallet

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p402/facilitator/internal/eip3009"
	"github.com/p402/facilitator/internal/testutil"
)

const (
	testKey   = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	testToken = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
)

func newTestWallet(t *testing.T) (*Wallet, *testutil.FakeEthClient) {
	t.Helper()
	fake := &testutil.FakeEthClient{}
	w, err := New(Config{PrivateKey: testKey, ChainID: 84532}, WithClient(fake))
	require.NoError(t, err)
	return w, fake
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{
			name: "valid config",
			cfg:  Config{PrivateKey: testKey, ChainID: 84532},
		},
		{
			name: "valid config with 0x prefix",
			cfg:  Config{PrivateKey: "0x" + testKey, ChainID: 84532},
		},
		{
			name:    "missing private key",
			cfg:     Config{ChainID: 84532},
			wantErr: ErrInvalidPrivateKey,
		},
		{
			name:    "invalid private key length",
			cfg:     Config{PrivateKey: "tooshort", ChainID: 84532},
			wantErr: ErrInvalidPrivateKey,
		},
		{
			name:    "missing chain ID",
			cfg:     Config{PrivateKey: testKey},
			wantErr: ErrMissingChainID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfig(tt.cfg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew_DerivesAddress(t *testing.T) {
	w, _ := newTestWallet(t)

	key, err := crypto.HexToECDSA(testKey)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), w.Address())
}

func TestNew_RejectsNonHexKey(t *testing.T) {
	_, err := New(Config{PrivateKey: "zz" + testKey[2:], ChainID: 1}, WithClient(&testutil.FakeEthClient{}))
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)
}

func TestSubmit_SignsForChain(t *testing.T) {
	w, fake := newTestWallet(t)
	fake.Nonce = 7
	fake.GasLimit = 90_000

	to := common.HexToAddress(testToken)
	price := big.NewInt(2_000_000_000)
	sub, err := w.Submit(t.Context(), to, []byte{0xde, 0xad}, price)
	require.NoError(t, err)

	sent := fake.Sent()
	require.Len(t, sent, 1)
	tx := sent[0]

	assert.Equal(t, tx.Hash().Hex(), sub.TxHash)
	assert.Equal(t, uint64(7), sub.Nonce)
	assert.Equal(t, uint64(90_000), sub.GasLimit)
	assert.Equal(t, 0, price.Cmp(tx.GasPrice()))
	assert.Equal(t, to, *tx.To())
	assert.Equal(t, 0, fake.GasPriceCalls(), "a checked price must not be re-read")

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(84532)), tx)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), sender)
}

func TestSubmit_SuggestsPriceWhenNil(t *testing.T) {
	w, fake := newTestWallet(t)
	fake.GasPrice = big.NewInt(3_000_000_000)

	sub, err := w.Submit(t.Context(), common.HexToAddress(testToken), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3_000_000_000), sub.GasPrice.Int64())
	assert.Equal(t, 1, fake.GasPriceCalls())
}

func TestSubmit_EstimateFailureFallsBack(t *testing.T) {
	w, fake := newTestWallet(t)
	fake.EstimateErr = errors.New("execution reverted")

	sub, err := w.Submit(t.Context(), common.HexToAddress(testToken), nil, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, DefaultGasLimit, sub.GasLimit)
}

func TestSubmit_Errors(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(f *testutil.FakeEthClient)
		op     string
		hasTxn bool
	}{
		{
			name:  "nonce",
			setup: func(f *testutil.FakeEthClient) { f.NonceErr = errors.New("rpc down") },
			op:    "nonce",
		},
		{
			name:  "gas price",
			setup: func(f *testutil.FakeEthClient) { f.GasPriceErr = errors.New("rpc down") },
			op:    "gas_price",
		},
		{
			name:   "send",
			setup:  func(f *testutil.FakeEthClient) { f.SendErr = errors.New("nonce too low") },
			op:     "send",
			hasTxn: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, fake := newTestWallet(t)
			tt.setup(fake)

			_, err := w.Submit(t.Context(), common.HexToAddress(testToken), nil, nil)
			var txErr *TxError
			require.ErrorAs(t, err, &txErr)
			assert.Equal(t, tt.op, txErr.Op)
			assert.Equal(t, tt.hasTxn, txErr.TxHash != "")
		})
	}
}

func TestSimulate_UsesFacilitatorAsSender(t *testing.T) {
	w, fake := newTestWallet(t)

	require.NoError(t, w.Simulate(t.Context(), common.HexToAddress(testToken), []byte{1}))

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, w.Address(), calls[0].From)
	assert.Equal(t, common.HexToAddress(testToken), *calls[0].To)
}

func TestSimulate_RevertIsTxError(t *testing.T) {
	w, fake := newTestWallet(t)
	fake.CallFn = func(ethereum.CallMsg) ([]byte, error) {
		return nil, errors.New("execution reverted: FiatTokenV2: authorization is used or canceled")
	}

	err := w.Simulate(t.Context(), common.HexToAddress(testToken), nil)
	var txErr *TxError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "simulate", txErr.Op)
	assert.Contains(t, err.Error(), "authorization is used")
}

func TestPackTransferWithAuthorization(t *testing.T) {
	w, _ := newTestWallet(t)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	nonce, err := eip3009.NewNonce()
	require.NoError(t, err)
	auth := &eip3009.Authorization{
		From:        crypto.PubkeyToAddress(key.PublicKey).Hex(),
		To:          "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		Value:       "2500000",
		ValidAfter:  "0",
		ValidBefore: "1900000000",
		Nonce:       nonce,
	}
	token := eip3009.TokenConfig{Address: testToken, Name: "USDC", Version: "2", ChainID: big.NewInt(84532), Decimals: 6}
	require.NoError(t, eip3009.Sign(auth, token, key))
	parsed, err := auth.Parse()
	require.NoError(t, err)

	data, err := w.PackTransferWithAuthorization(parsed)
	require.NoError(t, err)

	method := w.tokenABI.Methods["transferWithAuthorization"]
	assert.Equal(t, method.ID, data[:4])

	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Len(t, args, 9)
	assert.Equal(t, parsed.From, args[0].(common.Address))
	assert.Equal(t, parsed.To, args[1].(common.Address))
	assert.Equal(t, 0, parsed.Value.Cmp(args[2].(*big.Int)))
	assert.Equal(t, parsed.Nonce, args[5].([32]byte))
	assert.Equal(t, parsed.V, args[6].(uint8))
	assert.Equal(t, parsed.R, args[7].([32]byte))
	assert.Equal(t, parsed.S, args[8].([32]byte))
}

func TestAuthorizationUsed(t *testing.T) {
	w, fake := newTestWallet(t)

	word := make([]byte, 32)
	word[31] = 1
	fake.CallFn = func(ethereum.CallMsg) ([]byte, error) { return word, nil }

	used, err := w.AuthorizationUsed(t.Context(), common.HexToAddress(testToken), w.Address(), [32]byte{1})
	require.NoError(t, err)
	assert.True(t, used)
}

func TestTokenBalance(t *testing.T) {
	w, fake := newTestWallet(t)
	fake.CallFn = func(ethereum.CallMsg) ([]byte, error) {
		return common.LeftPadBytes(big.NewInt(1_500_000).Bytes(), 32), nil
	}

	bal, err := w.TokenBalance(t.Context(), common.HexToAddress(testToken), w.Address())
	require.NoError(t, err)
	assert.Equal(t, int64(1_500_000), bal.Int64())
}

func TestBalance(t *testing.T) {
	w, fake := newTestWallet(t)
	fake.Balance = ETHToWei(0.25)

	bal, err := w.Balance(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "0.25", FormatETH(bal))
	assert.InDelta(t, 0.25, WeiToETH(bal), 1e-12)
}

func TestClose(t *testing.T) {
	w, fake := newTestWallet(t)
	require.NoError(t, w.Close())
	assert.True(t, fake.Closed())
}

func TestTxError(t *testing.T) {
	inner := errors.New("network error")
	withHash := &TxError{Op: "send", TxHash: "0xabc123", Err: inner}
	noHash := &TxError{Op: "nonce", Err: inner}

	assert.Contains(t, withHash.Error(), "0xabc123")
	assert.Contains(t, noHash.Error(), "nonce failed")
	assert.ErrorIs(t, withHash, inner)
}

func TestFormatETH(t *testing.T) {
	tests := []struct {
		wei  *big.Int
		want string
	}{
		{nil, "0"},
		{big.NewInt(0), "0"},
		{ETHToWei(1), "1"},
		{ETHToWei(0.01), "0.01"},
		{big.NewInt(1), "0.000000000000000001"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatETH(tt.wei))
	}
}
