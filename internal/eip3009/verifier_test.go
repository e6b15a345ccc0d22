package eip3009

import (
	"crypto/ecdsa"
	"math/big"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/p402/facilitator/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTreasury = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"

var (
	testNow   = time.Unix(1_750_000_000, 0)
	testToken = TokenConfig{
		Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Name:     "USDC",
		Version:  "2",
		ChainID:  big.NewInt(84532),
		Decimals: 6,
	}
)

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func unix(t time.Time) string { return strconv.FormatInt(t.Unix(), 10) }

// signedAuth builds and signs a $1 authorization to the treasury, letting
// mutate adjust fields before signing.
func signedAuth(t *testing.T, key *ecdsa.PrivateKey, mutate func(a *Authorization)) *Authorization {
	t.Helper()
	nonce, err := NewNonce()
	require.NoError(t, err)
	a := &Authorization{
		From:        crypto.PubkeyToAddress(key.PublicKey).Hex(),
		To:          testTreasury,
		Value:       "1000000",
		ValidAfter:  unix(testNow.Add(-time.Minute)),
		ValidBefore: unix(testNow.Add(time.Hour)),
		Nonce:       nonce,
	}
	if mutate != nil {
		mutate(a)
	}
	require.NoError(t, Sign(a, testToken, key))
	return a
}

func newTestVerifier() *Verifier {
	return NewVerifier(testTreasury, WithClock(func() time.Time { return testNow }))
}

func TestValidate_Success(t *testing.T) {
	key := newKey(t)
	auth := signedAuth(t, key, nil)

	res, err := newTestVerifier().Validate(auth, testToken)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), res.Payer)
	assert.Equal(t, "1", res.AmountUSD.String())
	assert.Equal(t, strings.ToLower(auth.Nonce), res.Auth.NonceHex())
}

func TestValidate_CaseInsensitiveAddresses(t *testing.T) {
	key := newKey(t)
	auth := signedAuth(t, key, func(a *Authorization) {
		a.To = strings.ToLower(testTreasury)
	})
	auth.From = strings.ToLower(auth.From)

	_, err := newTestVerifier().Validate(auth, testToken)
	assert.NoError(t, err)
}

func TestValidate_Failures(t *testing.T) {
	key := newKey(t)
	other := newKey(t)

	tests := []struct {
		name  string
		build func(t *testing.T) *Authorization
		want  apperr.Kind
	}{
		{
			name: "missing nonce",
			build: func(t *testing.T) *Authorization {
				a := signedAuth(t, key, nil)
				a.Nonce = ""
				return a
			},
			want: apperr.InvalidPayload,
		},
		{
			name: "malformed from",
			build: func(t *testing.T) *Authorization {
				a := signedAuth(t, key, nil)
				a.From = "0x1234"
				return a
			},
			want: apperr.InvalidPayload,
		},
		{
			name: "short nonce",
			build: func(t *testing.T) *Authorization {
				a := signedAuth(t, key, nil)
				a.Nonce = "0xabcd"
				return a
			},
			want: apperr.InvalidPayload,
		},
		{
			name: "bad v",
			build: func(t *testing.T) *Authorization {
				a := signedAuth(t, key, nil)
				a.V = 1
				return a
			},
			want: apperr.InvalidPayload,
		},
		{
			name: "negative value",
			build: func(t *testing.T) *Authorization {
				a := signedAuth(t, key, nil)
				a.Value = "-5"
				return a
			},
			want: apperr.InvalidPayload,
		},
		{
			name: "below minimum",
			build: func(t *testing.T) *Authorization {
				return signedAuth(t, key, func(a *Authorization) { a.Value = "9999" })
			},
			want: apperr.AmountOutOfRange,
		},
		{
			name: "above maximum",
			build: func(t *testing.T) *Authorization {
				return signedAuth(t, key, func(a *Authorization) { a.Value = "10000000001" })
			},
			want: apperr.AmountOutOfRange,
		},
		{
			name: "not yet valid",
			build: func(t *testing.T) *Authorization {
				return signedAuth(t, key, func(a *Authorization) { a.ValidAfter = unix(testNow.Add(time.Minute)) })
			},
			want: apperr.AuthorizationNotYetValid,
		},
		{
			name: "expired",
			build: func(t *testing.T) *Authorization {
				return signedAuth(t, key, func(a *Authorization) { a.ValidBefore = unix(testNow.Add(-time.Second)) })
			},
			want: apperr.AuthorizationExpired,
		},
		{
			name: "wrong recipient",
			build: func(t *testing.T) *Authorization {
				return signedAuth(t, key, func(a *Authorization) {
					a.To = crypto.PubkeyToAddress(other.PublicKey).Hex()
				})
			},
			want: apperr.InvalidRecipient,
		},
		{
			name: "signed by someone else",
			build: func(t *testing.T) *Authorization {
				a := signedAuth(t, other, nil)
				a.From = crypto.PubkeyToAddress(key.PublicKey).Hex()
				return a
			},
			want: apperr.InvalidSignature,
		},
		{
			name: "value tampered after signing",
			build: func(t *testing.T) *Authorization {
				a := signedAuth(t, key, nil)
				a.Value = "2000000"
				return a
			},
			want: apperr.InvalidSignature,
		},
		{
			name: "high-s signature",
			build: func(t *testing.T) *Authorization {
				a := signedAuth(t, key, nil)
				n := crypto.S256().Params().N
				s := new(big.Int).SetBytes(common.FromHex(a.S))
				a.S = hexutil.Encode(common.LeftPadBytes(new(big.Int).Sub(n, s).Bytes(), 32))
				if a.V == 27 {
					a.V = 28
				} else {
					a.V = 27
				}
				return a
			},
			want: apperr.InvalidSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestVerifier().Validate(tt.build(t), testToken)
			require.Error(t, err)
			assert.Equal(t, tt.want, apperr.KindOf(err), err.Error())
		})
	}
}

func TestValidate_ExpiredShortCircuitsSignature(t *testing.T) {
	key := newKey(t)
	auth := signedAuth(t, key, func(a *Authorization) { a.ValidBefore = unix(testNow.Add(-time.Hour)) })
	// Corrupt the signature: expiry must be reported, not the signature.
	auth.R = "0x" + strings.Repeat("00", 32)

	_, err := newTestVerifier().Validate(auth, testToken)
	assert.Equal(t, apperr.AuthorizationExpired, apperr.KindOf(err))
}

func TestValidate_BoundaryTimes(t *testing.T) {
	key := newKey(t)
	auth := signedAuth(t, key, func(a *Authorization) {
		a.ValidAfter = unix(testNow)
		a.ValidBefore = unix(testNow)
	})
	_, err := newTestVerifier().Validate(auth, testToken)
	assert.NoError(t, err)
}

func TestValidate_WrongDomain(t *testing.T) {
	key := newKey(t)
	auth := signedAuth(t, key, nil)

	mainnet := testToken
	mainnet.ChainID = big.NewInt(8453)
	_, err := newTestVerifier().Validate(auth, mainnet)
	assert.Equal(t, apperr.InvalidSignature, apperr.KindOf(err))
}

// TestDigest_MatchesManualEncoding recomputes the EIP-712 digest from the raw
// type hashes and ABI word encoding.
func TestDigest_MatchesManualEncoding(t *testing.T) {
	key := newKey(t)
	auth := signedAuth(t, key, nil)
	p, err := auth.Parse()
	require.NoError(t, err)

	word := func(b []byte) []byte { return common.LeftPadBytes(b, 32) }

	domainType := crypto.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	domainSep := crypto.Keccak256(
		domainType,
		crypto.Keccak256([]byte(testToken.Name)),
		crypto.Keccak256([]byte(testToken.Version)),
		word(testToken.ChainID.Bytes()),
		word(common.HexToAddress(testToken.Address).Bytes()),
	)
	msgType := crypto.Keccak256([]byte("TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"))
	structHash := crypto.Keccak256(
		msgType,
		word(p.From.Bytes()),
		word(p.To.Bytes()),
		word(p.Value.Bytes()),
		word(p.ValidAfter.Bytes()),
		word(p.ValidBefore.Bytes()),
		p.Nonce[:],
	)
	want := crypto.Keccak256([]byte{0x19, 0x01}, domainSep, structHash)

	got, err := Digest(auth, testToken)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSign_FreshAuthorization(t *testing.T) {
	key := newKey(t)
	nonce, err := NewNonce()
	require.NoError(t, err)
	auth := &Authorization{
		From:        crypto.PubkeyToAddress(key.PublicKey).Hex(),
		To:          testTreasury,
		Value:       "1000000",
		ValidAfter:  "0",
		ValidBefore: "9999999999",
		Nonce:       nonce,
	}

	_, err = auth.Parse()
	require.Error(t, err, "an unsigned authorization is not a valid payload")
	assert.Equal(t, apperr.InvalidPayload, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "r, s")

	unsigned, err := Digest(auth, testToken)
	require.NoError(t, err)

	require.NoError(t, Sign(auth, testToken, key))
	assert.Regexp(t, `^0x[0-9a-f]{64}$`, auth.R)
	assert.Regexp(t, `^0x[0-9a-f]{64}$`, auth.S)
	assert.Contains(t, []uint8{27, 28}, auth.V)

	signed, err := Digest(auth, testToken)
	require.NoError(t, err)
	assert.Equal(t, unsigned, signed, "the signature is not part of the digest")

	p, err := auth.Parse()
	require.NoError(t, err)
	signer, err := p.RecoverSigner(signed)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), signer)
}

func TestSign_StillValidatesMessageFields(t *testing.T) {
	key := newKey(t)
	auth := &Authorization{
		From:        crypto.PubkeyToAddress(key.PublicKey).Hex(),
		To:          testTreasury,
		Value:       "1000000",
		ValidAfter:  "0",
		ValidBefore: "9999999999",
		Nonce:       "0x1234",
	}
	err := Sign(auth, testToken, key)
	assert.Equal(t, apperr.InvalidPayload, apperr.KindOf(err))
	assert.Empty(t, auth.R)
}

func TestNewNonce(t *testing.T) {
	a, err := NewNonce()
	require.NoError(t, err)
	b, err := NewNonce()
	require.NoError(t, err)
	assert.Regexp(t, `^0x[0-9a-f]{64}$`, a)
	assert.NotEqual(t, a, b)
}
