package eip3009

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// TokenConfig identifies the EIP-712 domain of an EIP-3009 token.
type TokenConfig struct {
	Address  string   // verifying contract
	Name     string   // domain name, e.g. "USD Coin" on Base, "USDC" on Base Sepolia
	Version  string   // domain version, "2" for USDC
	ChainID  *big.Int // chain the contract lives on
	Decimals int      // 6 for USDC
}

var transferWithAuthorizationTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"TransferWithAuthorization": {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// Digest returns keccak256(0x19 0x01 ‖ domainSeparator ‖ hashStruct(message))
// for auth under the token's domain. The signature fields are ignored, so
// an unsigned authorization can be digested.
func Digest(auth *Authorization, token TokenConfig) ([]byte, error) {
	p, err := auth.parseMessage(nil)
	if err != nil {
		return nil, err
	}
	return p.Digest(token)
}

// Digest computes the EIP-712 digest of an already parsed authorization.
func (p *Parsed) Digest(token TokenConfig) ([]byte, error) {
	if token.ChainID == nil {
		return nil, fmt.Errorf("eip3009: token chain id is required")
	}
	td := apitypes.TypedData{
		Types:       transferWithAuthorizationTypes,
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              token.Name,
			Version:           token.Version,
			ChainId:           (*math.HexOrDecimal256)(token.ChainID),
			VerifyingContract: common.HexToAddress(token.Address).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        p.From.Hex(),
			"to":          p.To.Hex(),
			"value":       p.Value,
			"validAfter":  p.ValidAfter,
			"validBefore": p.ValidBefore,
			"nonce":       p.Nonce[:],
		},
	}

	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("eip3009: hash message: %w", err)
	}
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("eip3009: hash domain: %w", err)
	}

	raw := make([]byte, 0, 66)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, structHash...)
	return crypto.Keccak256(raw), nil
}

// RecoverSigner returns the address that produced p's signature over digest.
func (p *Parsed) RecoverSigner(digest []byte) (common.Address, error) {
	r := new(big.Int).SetBytes(p.R[:])
	s := new(big.Int).SetBytes(p.S[:])
	// Token contracts reject high-s signatures; reject them here too.
	if !crypto.ValidateSignatureValues(p.V-27, r, s, true) {
		return common.Address{}, fmt.Errorf("eip3009: signature values out of range")
	}
	pub, err := crypto.SigToPub(digest, p.Signature())
	if err != nil {
		return common.Address{}, fmt.Errorf("eip3009: recover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
