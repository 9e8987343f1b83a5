package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"marginx/internal/application/service"
	"marginx/internal/domain/model"
)

// HeaderAccountID 请求方账户
const HeaderAccountID = "X-Account-ID"

// PositionHandler 持仓相关的 HTTP 处理器
type PositionHandler struct {
	engine *service.PositionEngine
}

func NewPositionHandler(engine *service.PositionEngine) *PositionHandler {
	return &PositionHandler{engine: engine}
}

// RegisterRoutes 注册路由
func (h *PositionHandler) RegisterRoutes(router gin.IRouter) {
	accounts := router.Group("/api/v1/accounts/:id", requireOwner)
	{
		accounts.GET("", h.GetAccount)
		accounts.POST("/positions", h.OpenPosition)
		accounts.GET("/positions", h.ListOpenPositions)
		accounts.GET("/history", h.ListHistory)
		accounts.GET("/ledger", h.ListLedger)
	}

	positions := router.Group("/api/v1/positions")
	{
		positions.GET("/:id", h.GetPosition)
		positions.POST("/:id/close", h.ClosePosition)
	}
}

// requireOwner 账户路由只允许账户本人访问
func requireOwner(c *gin.Context) {
	requester := c.GetHeader(HeaderAccountID)
	if requester == "" || requester != c.Param("id") {
		writeError(c, model.ErrUnauthorized)
		c.Abort()
		return
	}
	c.Next()
}

// OpenPositionRequest 开仓请求，数值字段接受字符串或数字
type OpenPositionRequest struct {
	Symbol     string              `json:"symbol" binding:"required"`
	Side       string              `json:"side" binding:"required"`
	Size       decimal.Decimal     `json:"size"`
	Leverage   decimal.Decimal     `json:"leverage"`
	TakeProfit decimal.NullDecimal `json:"take_profit"`
	StopLoss   decimal.NullDecimal `json:"stop_loss"`
}

// OpenPosition 开仓
func (h *PositionHandler) OpenPosition(c *gin.Context) {
	var req OpenPositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	side, ok := model.ParseSide(req.Side)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "side must be long or short"})
		return
	}

	pos, err := h.engine.Open(c.Request.Context(), service.OpenRequest{
		AccountID:  c.Param("id"),
		Symbol:     req.Symbol,
		Side:       side,
		Size:       req.Size,
		Leverage:   req.Leverage,
		TakeProfit: req.TakeProfit,
		StopLoss:   req.StopLoss,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": pos})
}

// ClosePosition 手动平仓；已被平仓视为成功
func (h *PositionHandler) ClosePosition(c *gin.Context) {
	positionID := c.Param("id")
	settlement, err := h.engine.ManualClose(c.Request.Context(), positionID, c.GetHeader(HeaderAccountID))
	if errors.Is(err, model.ErrAlreadyClosed) {
		c.JSON(http.StatusOK, gin.H{"status": "already_closed", "position_id": positionID})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed", "data": settlement})
}

// GetPosition 持仓详情，仅所有者可见
func (h *PositionHandler) GetPosition(c *gin.Context) {
	pos, err := h.engine.GetPosition(c.Request.Context(), c.Param("id"), c.GetHeader(HeaderAccountID))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": pos})
}

// GetAccount 账户余额
func (h *PositionHandler) GetAccount(c *gin.Context) {
	acct, err := h.engine.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": acct})
}

// ListOpenPositions 未结持仓，附带标记价格与未实现盈亏
func (h *PositionHandler) ListOpenPositions(c *gin.Context) {
	ctx := c.Request.Context()
	positions, err := h.engine.ListOpenPositions(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	views := h.engine.MarkToMarket(ctx, positions)
	c.JSON(http.StatusOK, gin.H{"data": views, "total": len(views)})
}

// ListHistory 已平仓持仓
func (h *PositionHandler) ListHistory(c *gin.Context) {
	positions, err := h.engine.ListHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": positions, "total": len(positions)})
}

// ListLedger 结算流水
func (h *PositionHandler) ListLedger(c *gin.Context) {
	entries, err := h.engine.ListLedger(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries, "total": len(entries)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, model.ErrAccountNotFound), errors.Is(err, model.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAlreadyClosed):
		return http.StatusConflict
	case errors.Is(err, model.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
