package x402

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/p402/facilitator/internal/eip3009"
)

// DefaultValidFor is used when a requirement does not set ValidFor.
const DefaultValidFor = 5 * time.Minute

// SignAuthorization builds and signs a Payment that satisfies req from the
// account holding key. The authorization is valid from one minute ago (to
// absorb clock skew) until ValidFor from now, with a fresh random nonce.
func SignAuthorization(key *ecdsa.PrivateKey, req *PaymentRequirement, now time.Time) (*Payment, error) {
	if req.Scheme != "" && req.Scheme != SchemeExact {
		return nil, fmt.Errorf("unsupported payment scheme %q", req.Scheme)
	}
	if _, ok := new(big.Int).SetString(req.MaxAmountRequired, 10); !ok {
		return nil, fmt.Errorf("invalid amount %q", req.MaxAmountRequired)
	}

	validFor := DefaultValidFor
	if req.ValidFor > 0 {
		validFor = time.Duration(req.ValidFor) * time.Second
	}

	nonce, err := eip3009.NewNonce()
	if err != nil {
		return nil, err
	}

	p := &Payment{
		From:        crypto.PubkeyToAddress(key.PublicKey).Hex(),
		To:          req.PayTo,
		Value:       req.MaxAmountRequired,
		ValidAfter:  strconv.FormatInt(now.Add(-time.Minute).Unix(), 10),
		ValidBefore: strconv.FormatInt(now.Add(validFor).Unix(), 10),
		Nonce:       nonce,
	}

	token := eip3009.TokenConfig{
		Address: req.Asset,
		Name:    req.AssetName,
		Version: req.AssetVersion,
		ChainID: big.NewInt(req.ChainID),
	}
	if err := eip3009.Sign(p, token, key); err != nil {
		return nil, fmt.Errorf("sign authorization: %w", err)
	}
	return p, nil
}
