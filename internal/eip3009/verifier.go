package eip3009

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/p402/facilitator/internal/apperr"
	"github.com/p402/facilitator/internal/usdc"
	"github.com/shopspring/decimal"
)

// DefaultBounds is the accepted payment range: $0.01 to $10,000.
var DefaultBounds = usdc.Bounds{
	Min: decimal.RequireFromString("0.01"),
	Max: decimal.NewFromInt(10_000),
}

// Verifier validates authorizations against a fixed treasury.
type Verifier struct {
	treasury string
	bounds   usdc.Bounds
	now      func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithBounds overrides the accepted payment range.
func WithBounds(b usdc.Bounds) Option {
	return func(v *Verifier) { v.bounds = b }
}

// WithClock overrides the time source used for the validity window.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier returns a Verifier that only accepts payments to treasury.
func NewVerifier(treasury string, opts ...Option) *Verifier {
	v := &Verifier{
		treasury: treasury,
		bounds:   DefaultBounds,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Treasury returns the configured recipient address.
func (v *Verifier) Treasury() string { return v.treasury }

// Result is a successfully validated authorization.
type Result struct {
	Auth      *Parsed
	Payer     common.Address
	AmountUSD decimal.Decimal
}

// Validate runs every check in order and returns the first failure.
func (v *Verifier) Validate(auth *Authorization, token TokenConfig) (*Result, error) {
	p, err := auth.Parse()
	if err != nil {
		return nil, err
	}

	amount := usdc.ToUSD(p.Value, token.Decimals)
	if !v.bounds.Contains(amount) {
		return nil, apperr.Newf(apperr.AmountOutOfRange,
			"amount $%s is outside the accepted range $%s to $%s",
			amount.String(), v.bounds.Min.String(), v.bounds.Max.String())
	}

	now := big.NewInt(v.now().Unix())
	if now.Cmp(p.ValidAfter) < 0 {
		return nil, apperr.New(apperr.AuthorizationNotYetValid, "authorization is not yet valid")
	}
	if now.Cmp(p.ValidBefore) > 0 {
		return nil, apperr.New(apperr.AuthorizationExpired, "authorization has expired")
	}

	if !strings.EqualFold(auth.To, v.treasury) {
		return nil, apperr.New(apperr.InvalidRecipient, "payment recipient does not match the treasury address")
	}

	digest, err := p.Digest(token)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to compute authorization digest", err)
	}
	signer, err := p.RecoverSigner(digest)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidSignature, "signature could not be recovered", err)
	}
	if !strings.EqualFold(signer.Hex(), auth.From) {
		return nil, apperr.New(apperr.InvalidSignature, "signature does not match the payer address")
	}

	return &Result{Auth: p, Payer: p.From, AmountUSD: amount}, nil
}
