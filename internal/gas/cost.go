package gas

import (
	"context"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/p402/facilitator/internal/billing"
)

// CostModelName labels estimates produced by CostModel.
const CostModelName = "gas:transferWithAuthorization"

// CostModel prices a settlement as the USD value of the gas the facilitator
// pays for it. Reservations use the worst case (gas limit at the ceiling
// price); finalized spend uses the price actually paid.
type CostModel struct {
	oracle   *PriceOracle
	gasLimit uint64
	maxGwei  float64
}

// NewCostModel creates a cost model for calls of up to gasLimit gas.
func NewCostModel(oracle *PriceOracle, gasLimit uint64, maxGwei float64) *CostModel {
	return &CostModel{oracle: oracle, gasLimit: gasLimit, maxGwei: maxGwei}
}

// Estimate implements billing.Estimator.
func (m *CostModel) Estimate(ctx context.Context) (billing.CostEstimate, error) {
	return billing.CostEstimate{
		EstimatedCost: m.WorstCaseUSD(ctx),
		Model:         CostModelName,
	}, nil
}

// WorstCaseUSD is the most a single settlement can cost at the ceiling.
func (m *CostModel) WorstCaseUSD(ctx context.Context) float64 {
	return m.ActualUSD(ctx, m.gasLimit, GweiToWei(m.maxGwei))
}

// ActualUSD prices gasLimit units of gas at gasPrice wei.
func (m *CostModel) ActualUSD(ctx context.Context, gasLimit uint64, gasPrice *big.Int) float64 {
	if gasPrice == nil {
		return 0
	}
	wei := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), gasPrice)
	usd := decimal.NewFromBigInt(wei, -18).
		Mul(decimal.NewFromFloat(m.oracle.GetETHPrice(ctx))).
		Round(6)
	f, _ := usd.Float64()
	return f
}
