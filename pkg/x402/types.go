// Package x402 implements the wire types of the p402 facilitator API, a
// client for it, and the buyer-side helpers for answering a 402 Payment
// Required response with a signed EIP-3009 authorization.
package x402

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/p402/facilitator/internal/eip3009"
)

// SchemeExact is the only supported scheme: a transferWithAuthorization of
// exactly the required amount.
const SchemeExact = "exact"

// Payment is a signed TransferWithAuthorization. Integers are decimal
// strings; nonce, r and s are 0x-prefixed 32-byte hex.
type Payment = eip3009.Authorization

// PaymentRequirement is returned by resource servers in 402 responses.
type PaymentRequirement struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	ChainID           int64  `json:"chainId"`
	Asset             string `json:"asset"`        // token contract
	AssetName         string `json:"assetName"`    // EIP-712 domain name
	AssetVersion      string `json:"assetVersion"` // EIP-712 domain version
	PayTo             string `json:"payTo"`
	MaxAmountRequired string `json:"maxAmountRequired"` // token base units
	Description       string `json:"description,omitempty"`
	ValidFor          int64  `json:"validFor,omitempty"` // seconds
}

// SettleRequest is the body of POST /v1/settle and POST /v1/verify.
type SettleRequest struct {
	Scheme  string  `json:"scheme"`
	Payment Payment `json:"payment"`
}

// SettleResponse is returned for a submitted settlement.
type SettleResponse struct {
	Success      bool   `json:"success"`
	TxHash       string `json:"txHash"`
	AmountUSD    string `json:"amount_usd"`
	SettlementID string `json:"settlement_id"`
	ExplorerURL  string `json:"explorer_url"`
	Payer        string `json:"payer,omitempty"`
	Network      string `json:"network,omitempty"`
}

// VerifyResponse reports whether a payment would be accepted for settlement.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SupportedKind is one accepted scheme/network/asset combination.
type SupportedKind struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
	Asset   string `json:"asset"`
}

// SupportedResponse lists what the facilitator settles.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// SettlementStatus is the advisory lookup of a settlement key (the
// authorization nonce).
type SettlementStatus struct {
	Key         string     `json:"key"`
	Processed   bool       `json:"processed"`
	RequestID   string     `json:"requestId,omitempty"`
	AmountUSD   string     `json:"amountUsd,omitempty"`
	Network     string     `json:"network,omitempty"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}

// Error represents a failed facilitator response
type Error struct {
	Status       int    `json:"-"`
	Code         string `json:"code"`
	Message      string `json:"error"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// RetryAfter returns the server's retry hint.
func (e *Error) RetryAfter() time.Duration {
	return time.Duration(e.RetryAfterMs) * time.Millisecond
}

// Is402Response checks if an HTTP response is a 402 Payment Required
func Is402Response(resp *http.Response) bool {
	return resp.StatusCode == http.StatusPaymentRequired
}

// ParsePaymentRequirement extracts payment requirements from a 402 response
func ParsePaymentRequirement(resp *http.Response) (*PaymentRequirement, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("not a 402 response: got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var req PaymentRequirement
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirement: %w", err)
	}
	if req.Scheme == "" {
		req.Scheme = SchemeExact
	}
	if req.Scheme != SchemeExact {
		return nil, fmt.Errorf("unsupported payment scheme %q", req.Scheme)
	}

	return &req, nil
}
