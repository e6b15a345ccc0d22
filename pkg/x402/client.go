package x402

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// PaymentHeader carries the JSON-encoded SettleRequest on a paid retry.
const PaymentHeader = "X-Payment"

// FacilitatorClient calls the facilitator API with a tenant API key.
type FacilitatorClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// FacilitatorOption configures a FacilitatorClient.
type FacilitatorOption func(*FacilitatorClient)

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(c *http.Client) FacilitatorOption {
	return func(f *FacilitatorClient) { f.httpClient = c }
}

// NewFacilitatorClient creates a client for the facilitator at baseURL.
func NewFacilitatorClient(baseURL, apiKey string, opts ...FacilitatorOption) *FacilitatorClient {
	f := &FacilitatorClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Settle submits p for on-chain settlement.
func (f *FacilitatorClient) Settle(ctx context.Context, p *Payment) (*SettleResponse, error) {
	var out SettleResponse
	if err := f.do(ctx, http.MethodPost, "/v1/settle", &SettleRequest{Scheme: SchemeExact, Payment: *p}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify checks p without settling it.
func (f *FacilitatorClient) Verify(ctx context.Context, p *Payment) (*VerifyResponse, error) {
	var out VerifyResponse
	if err := f.do(ctx, http.MethodPost, "/v1/verify", &SettleRequest{Scheme: SchemeExact, Payment: *p}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Supported lists the accepted scheme/network/asset combinations.
func (f *FacilitatorClient) Supported(ctx context.Context) (*SupportedResponse, error) {
	var out SupportedResponse
	if err := f.do(ctx, http.MethodGet, "/v1/supported", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Settlement looks up whether the settlement key (authorization nonce) has
// been processed. The answer is advisory.
func (f *FacilitatorClient) Settlement(ctx context.Context, key string) (*SettlementStatus, error) {
	var out SettlementStatus
	if err := f.do(ctx, http.MethodGet, "/v1/settlements/"+url.PathEscape(key), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (f *FacilitatorClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, f.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// Client wraps http.Client with automatic 402 payment handling: a 402
// answer is paid by signing an authorization for the stated requirement
// and retrying with it in the X-Payment header.
type Client struct {
	httpClient *http.Client
	key        *ecdsa.PrivateKey

	// Configuration
	MaxRetries int      // Max payment retries (default: 1)
	AutoPay    bool     // Automatically pay 402s (default: true)
	MaxPayment *big.Int // Max payment in token base units (nil: unlimited)

	// Hooks
	OnPayment func(req *PaymentRequirement, p *Payment) // Called before each payment

	now func() time.Time
}

// NewClient creates a new x402-enabled HTTP client paying from key.
func NewClient(key *ecdsa.PrivateKey) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		key:        key,
		MaxRetries: 1,
		AutoPay:    true,
		now:        time.Now,
	}
}

// Do performs an HTTP request with automatic 402 payment handling
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	// Buffer the body; a paid retry needs it again.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		_ = req.Body.Close()
	}

	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}

		if !Is402Response(resp) || !c.AutoPay {
			return resp, nil
		}

		payReq, err := ParsePaymentRequirement(resp)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to parse payment requirement: %w", err)
		}

		if err := c.checkPaymentLimit(payReq.MaxAmountRequired); err != nil {
			return nil, err
		}

		p, err := SignAuthorization(c.key, payReq, c.now())
		if err != nil {
			return nil, fmt.Errorf("payment failed: %w", err)
		}

		if c.OnPayment != nil {
			c.OnPayment(payReq, p)
		}

		if err := AddPaymentToRequest(req, p); err != nil {
			return nil, fmt.Errorf("failed to add payment: %w", err)
		}
	}

	return nil, fmt.Errorf("max retries exceeded")
}

// Get performs a GET request with automatic 402 handling
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// checkPaymentLimit verifies the payment doesn't exceed max
func (c *Client) checkPaymentLimit(amount string) error {
	if c.MaxPayment == nil {
		return nil
	}
	req, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return fmt.Errorf("invalid amount %q", amount)
	}
	if req.Cmp(c.MaxPayment) > 0 {
		return fmt.Errorf("payment %s exceeds max %s", amount, c.MaxPayment)
	}
	return nil
}

// AddPaymentToRequest sets the X-Payment header to the JSON SettleRequest
// for p.
func AddPaymentToRequest(req *http.Request, p *Payment) error {
	data, err := json.Marshal(&SettleRequest{Scheme: SchemeExact, Payment: *p})
	if err != nil {
		return fmt.Errorf("failed to marshal payment: %w", err)
	}
	req.Header.Set(PaymentHeader, string(data))
	return nil
}
