// Package gas protects the facilitator's own operating costs: a ceiling on
// the network gas price it is willing to pay, an ETH/USD price oracle, and
// the cost model that turns gas into a USD figure for the billing guard.
package gas

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/p402/facilitator/internal/apperr"
	"github.com/p402/facilitator/internal/metrics"
)

// PriceReader reads the current network gas price in wei.
type PriceReader interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// ceilingRetryAfter is the hint returned with GAS_PRICE_TOO_HIGH.
const ceilingRetryAfter = 30 * time.Second

var weiPerGwei = decimal.New(1, 9)

// Ceiling refuses to pay more than a configured gas price.
type Ceiling struct {
	reader  PriceReader
	maxGwei float64
	maxWei  *big.Int
}

// NewCeiling creates a ceiling of maxGwei over reader.
func NewCeiling(reader PriceReader, maxGwei float64) *Ceiling {
	return &Ceiling{
		reader:  reader,
		maxGwei: maxGwei,
		maxWei:  GweiToWei(maxGwei),
	}
}

// MaxGwei returns the configured ceiling.
func (c *Ceiling) MaxGwei() float64 { return c.maxGwei }

// Check reads the current gas price and returns it if it is at or below the
// ceiling. Above the ceiling it fails with GAS_PRICE_TOO_HIGH.
func (c *Ceiling) Check(ctx context.Context) (*big.Int, error) {
	price, err := c.reader.SuggestGasPrice(ctx)
	if err != nil {
		return nil, readError(err)
	}

	gwei := WeiToGwei(price)
	metrics.GasPriceGwei.Set(gwei)

	if price.Cmp(c.maxWei) > 0 {
		return nil, apperr.RateLimited(apperr.GasPriceTooHigh,
			"Gas price "+decimal.NewFromFloat(gwei).StringFixed(2)+" gwei exceeds ceiling of "+
				decimal.NewFromFloat(c.maxGwei).String()+" gwei", ceilingRetryAfter)
	}
	return price, nil
}

func readError(err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.NetworkTimeout, "Gas price lookup timed out", err)
	}
	return apperr.Wrap(apperr.Internal, "Failed to read gas price", err)
}

// GweiToWei converts gwei to wei, truncating below one wei.
func GweiToWei(gwei float64) *big.Int {
	return decimal.NewFromFloat(gwei).Mul(weiPerGwei).Truncate(0).BigInt()
}

// WeiToGwei converts wei to gwei.
func WeiToGwei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f, _ := decimal.NewFromBigInt(wei, -9).Float64()
	return f
}
