package facilitator

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/p402/facilitator/internal/apperr"
	"github.com/p402/facilitator/internal/auth"
	"github.com/p402/facilitator/internal/idgen"
	"github.com/p402/facilitator/internal/logging"
	"github.com/p402/facilitator/internal/validation"
	"github.com/p402/facilitator/pkg/x402"
)

// Handler provides the facilitator HTTP API.
type Handler struct {
	service *Service
}

// NewHandler creates a new facilitator handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the payment endpoints. r must already run
// auth.RequireAPIKey; rate limiting is applied per route by the caller.
func (h *Handler) RegisterRoutes(r gin.IRoutes, settle, verify gin.HandlerFunc) {
	r.POST("/settle", chain(settle, h.Settle)...)
	r.POST("/verify", chain(verify, h.Verify)...)
	r.GET("/supported", h.Supported)
	r.GET("/settlements/:txHash", validation.TxHashParamMiddleware(), h.GetSettlement)
}

func chain(mw, handler gin.HandlerFunc) []gin.HandlerFunc {
	if mw == nil {
		return []gin.HandlerFunc{handler}
	}
	return []gin.HandlerFunc{mw, handler}
}

// Settle handles POST /v1/settle
func (h *Handler) Settle(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}

	out, err := h.service.Settle(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, x402.SettleResponse{
		Success:      true,
		TxHash:       out.TxHash,
		AmountUSD:    out.AmountUSD.String(),
		SettlementID: out.ID,
		ExplorerURL:  out.ExplorerURL,
		Payer:        out.Payer,
		Network:      out.Network,
	})
}

// Verify handles POST /v1/verify. Authorizations that fail a check are
// answered 200 with isValid=false.
func (h *Handler) Verify(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}

	v, err := h.service.Verify(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, x402.VerifyResponse{
		IsValid:       v.Valid,
		InvalidReason: string(v.Reason),
		Payer:         v.Payer,
	})
}

// Supported handles GET /v1/supported
func (h *Handler) Supported(c *gin.Context) {
	cfg := h.service.Config()
	c.JSON(http.StatusOK, x402.SupportedResponse{
		Kinds: []x402.SupportedKind{{
			Scheme:  SchemeExact,
			Network: cfg.Network,
			Asset:   cfg.Token.Address,
		}},
	})
}

// GetSettlement handles GET /v1/settlements/:txHash. The key is the
// authorization nonce the settlement was claimed under.
func (h *Handler) GetSettlement(c *gin.Context) {
	key := c.Param("txHash")
	claim, err := h.service.Processed(c.Request.Context(), key)
	if err != nil {
		fail(c, err)
		return
	}

	status := x402.SettlementStatus{Key: key, Processed: claim != nil}
	if claim != nil {
		status.Key = claim.TxHash
		// Claims belong to the tenant that made them.
		if claim.TenantID == auth.TenantID(c) {
			status.RequestID = claim.RequestID
			status.AmountUSD = claim.AmountUSD.String()
		}
		status.Network = claim.Network
		at := claim.ProcessedAt
		status.ProcessedAt = &at
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) bind(c *gin.Context) (Request, bool) {
	var body x402.SettleRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, apperr.Wrap(apperr.InvalidPayload, "Invalid request body", err))
		return Request{}, false
	}

	ctx := c.Request.Context()
	requestID := logging.RequestID(ctx)
	if requestID == "" {
		requestID = idgen.WithPrefix("req_")
	}
	return Request{
		Scheme:        body.Scheme,
		Authorization: &body.Payment,
		TenantID:      auth.TenantID(c),
		RequestID:     requestID,
	}, true
}

func fail(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
	}
	if d := apperr.RetryAfterOf(err); d > 0 {
		c.Header("Retry-After", strconv.FormatInt(int64(math.Ceil(d.Seconds())), 10))
	}
	c.JSON(status, apperr.ResponseFor(err))
}
