package gas

import (
	"context"
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/p402/facilitator/internal/logging"
)

// BalanceReader reports the facilitator's native gas balance in wei.
type BalanceReader interface {
	Balance(ctx context.Context) (*big.Int, error)
}

// Handler provides HTTP handlers for gas operations
type Handler struct {
	ceiling *Ceiling
	cost    *CostModel
	oracle  *PriceOracle
	balance BalanceReader
	network string
}

// NewHandler creates a new gas handler
func NewHandler(ceiling *Ceiling, cost *CostModel, oracle *PriceOracle, balance BalanceReader, network string) *Handler {
	return &Handler{ceiling: ceiling, cost: cost, oracle: oracle, balance: balance, network: network}
}

// RegisterRoutes sets up the gas routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/gas/status", h.GetStatus)
}

// GetStatus handles GET /gas/status. It never fails: fields that could not
// be read are omitted.
func (h *Handler) GetStatus(c *gin.Context) {
	ctx := c.Request.Context()

	status := gin.H{
		"network":      h.network,
		"ceilingGwei":  h.ceiling.MaxGwei(),
		"ethPriceUsd":  h.oracle.GetETHPrice(ctx),
		"worstCaseUsd": h.cost.WorstCaseUSD(ctx),
	}

	price, err := h.ceiling.reader.SuggestGasPrice(ctx)
	if err != nil {
		logging.L(ctx).Warn("gas status: price lookup failed", "error", err)
	} else {
		status["gasPriceGwei"] = WeiToGwei(price)
		status["withinCeiling"] = price.Cmp(h.ceiling.maxWei) <= 0
	}

	if h.balance != nil {
		bal, err := h.balance.Balance(ctx)
		if err != nil {
			logging.L(ctx).Warn("gas status: balance lookup failed", "error", err)
		} else {
			status["facilitatorBalanceEth"] = decimal.NewFromBigInt(bal, -18).String()
		}
	}

	c.JSON(http.StatusOK, status)
}
