// Package eip3009 validates gasless transferWithAuthorization payloads.
//
// Validation is pure: it never touches a store or the chain. Checks run in
// a fixed order and stop at the first failure (structure, amount, timing,
// recipient, signature), so an expired authorization is rejected before any
// signature recovery is attempted.
package eip3009

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/p402/facilitator/internal/apperr"
)

var (
	addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	bytes32Re = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	uintRe    = regexp.MustCompile(`^[0-9]{1,78}$`)
)

// Authorization is a signed TransferWithAuthorization as submitted by a
// buyer. Integers are decimal strings so uint256 values survive JSON.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
	V           uint8  `json:"v"`
	R           string `json:"r"`
	S           string `json:"s"`
}

// Parsed is an Authorization with every field decoded into its ABI type.
type Parsed struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
	V           uint8
	R           [32]byte
	S           [32]byte
}

// NonceHex returns the lowercase 0x-prefixed nonce.
func (p *Parsed) NonceHex() string {
	return hexutil.Encode(p.Nonce[:])
}

// Signature returns the 65-byte [R || S || V] signature with V in {0,1}.
func (p *Parsed) Signature() []byte {
	sig := make([]byte, 65)
	copy(sig[:32], p.R[:])
	copy(sig[32:64], p.S[:])
	sig[64] = p.V - 27
	return sig
}

// Parse performs the structural checks and decodes every field.
func (a *Authorization) Parse() (*Parsed, error) {
	if a == nil {
		return nil, apperr.New(apperr.InvalidPayload, "authorization is required")
	}
	var missing []string
	for _, f := range []struct{ name, value string }{{"r", a.R}, {"s", a.S}} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	p, err := a.parseMessage(missing)
	if err != nil {
		return nil, err
	}
	if !bytes32Re.MatchString(a.R) || !bytes32Re.MatchString(a.S) {
		return nil, apperr.New(apperr.InvalidPayload, "r and s must be 0x followed by 64 hex characters")
	}
	if a.V != 27 && a.V != 28 {
		return nil, apperr.New(apperr.InvalidPayload, "v must be 27 or 28")
	}
	p.V = a.V
	copy(p.R[:], common.FromHex(a.R))
	copy(p.S[:], common.FromHex(a.S))
	return p, nil
}

// parseMessage checks and decodes the signed message fields only, leaving
// V, R and S zero. missing carries absent signature fields so a single
// error lists everything the caller left out.
func (a *Authorization) parseMessage(missing []string) (*Parsed, error) {
	if a == nil {
		return nil, apperr.New(apperr.InvalidPayload, "authorization is required")
	}
	var absent []string
	for _, f := range []struct{ name, value string }{
		{"from", a.From}, {"to", a.To}, {"value", a.Value},
		{"validAfter", a.ValidAfter}, {"validBefore", a.ValidBefore},
		{"nonce", a.Nonce},
	} {
		if strings.TrimSpace(f.value) == "" {
			absent = append(absent, f.name)
		}
	}
	absent = append(absent, missing...)
	if len(absent) > 0 {
		return nil, apperr.Newf(apperr.InvalidPayload, "missing authorization fields: %s", strings.Join(absent, ", "))
	}
	if !addressRe.MatchString(a.From) {
		return nil, apperr.New(apperr.InvalidPayload, "from must be a 0x-prefixed 20-byte address")
	}
	if !addressRe.MatchString(a.To) {
		return nil, apperr.New(apperr.InvalidPayload, "to must be a 0x-prefixed 20-byte address")
	}
	if !bytes32Re.MatchString(a.Nonce) {
		return nil, apperr.New(apperr.InvalidPayload, "nonce must be 0x followed by 64 hex characters")
	}

	value, err := parseUint256("value", a.Value)
	if err != nil {
		return nil, err
	}
	after, err := parseUint256("validAfter", a.ValidAfter)
	if err != nil {
		return nil, err
	}
	before, err := parseUint256("validBefore", a.ValidBefore)
	if err != nil {
		return nil, err
	}

	p := &Parsed{
		From:        common.HexToAddress(a.From),
		To:          common.HexToAddress(a.To),
		Value:       value,
		ValidAfter:  after,
		ValidBefore: before,
	}
	copy(p.Nonce[:], common.FromHex(a.Nonce))
	return p, nil
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func parseUint256(field, s string) (*big.Int, error) {
	if !uintRe.MatchString(s) {
		return nil, apperr.Newf(apperr.InvalidPayload, "%s must be a non-negative decimal integer", field)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Cmp(maxUint256) > 0 {
		return nil, apperr.Newf(apperr.InvalidPayload, "%s is out of uint256 range", field)
	}
	return n, nil
}

// NewNonce returns a random 0x-prefixed 32-byte nonce.
func NewNonce() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("eip3009: generate nonce: %w", err)
	}
	return hexutil.Encode(b[:]), nil
}

// Sign fills in V, R and S by signing auth's EIP-712 digest with key. It is
// what a buyer runs; the facilitator only ever verifies.
func Sign(auth *Authorization, token TokenConfig, key *ecdsa.PrivateKey) error {
	digest, err := Digest(auth, token)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return fmt.Errorf("eip3009: sign: %w", err)
	}
	auth.R = hexutil.Encode(sig[:32])
	auth.S = hexutil.Encode(sig[32:64])
	auth.V = sig[64] + 27
	return nil
}
