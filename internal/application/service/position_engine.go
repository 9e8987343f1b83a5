package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"marginx/internal/application/port"
	"marginx/internal/domain/model"
	calc "marginx/internal/domain/service"
)

const (
	defaultPriceTimeout = 2 * time.Second
	defaultTxTimeout    = 3 * time.Second
)

// EngineDeps 持仓引擎依赖，Publisher/Metrics 可选
type EngineDeps struct {
	Store     port.LedgerStore
	Oracle    port.PriceOracle
	Publisher port.SettlementPublisher
	Metrics   port.Metrics

	PriceTimeout time.Duration
	TxTimeout    time.Duration

	Now   func() time.Time
	NewID func() string

	// NormalizeSymbol 开仓时把 symbol 转为行情源使用的合约格式；默认只转大写
	NormalizeSymbol func(string) string
}

// PositionEngine 持仓生命周期：开仓、平仓（手动/扫描）、结算恢复
//
// Every close funnels through ClaimClose, the open -> closing compare-and-set,
// so a manual close racing a liquidation scan settles exactly once.
type PositionEngine struct {
	store     port.LedgerStore
	oracle    port.PriceOracle
	publisher port.SettlementPublisher
	metrics   port.Metrics

	priceTimeout time.Duration
	txTimeout    time.Duration

	now       func() time.Time
	newID     func() string
	normalize func(string) string
}

func NewPositionEngine(deps EngineDeps) *PositionEngine {
	e := &PositionEngine{
		store:        deps.Store,
		oracle:       deps.Oracle,
		publisher:    deps.Publisher,
		metrics:      deps.Metrics,
		priceTimeout: deps.PriceTimeout,
		txTimeout:    deps.TxTimeout,
		now:          deps.Now,
		newID:        deps.NewID,
		normalize:    deps.NormalizeSymbol,
	}
	if e.metrics == nil {
		e.metrics = port.NopMetrics{}
	}
	if e.priceTimeout <= 0 {
		e.priceTimeout = defaultPriceTimeout
	}
	if e.txTimeout <= 0 {
		e.txTimeout = defaultTxTimeout
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.normalize == nil {
		e.normalize = func(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }
	}
	return e
}

// OpenRequest 开仓请求
type OpenRequest struct {
	AccountID  string
	Symbol     string
	Side       model.Side
	Size       decimal.Decimal
	Leverage   decimal.Decimal
	TakeProfit decimal.NullDecimal
	StopLoss   decimal.NullDecimal
}

func (r *OpenRequest) validate() error {
	switch {
	case strings.TrimSpace(r.AccountID) == "":
		return fmt.Errorf("%w: account id required", model.ErrInvalidParameters)
	case strings.TrimSpace(r.Symbol) == "":
		return fmt.Errorf("%w: symbol required", model.ErrInvalidParameters)
	case r.Side != model.SideLong && r.Side != model.SideShort:
		return fmt.Errorf("%w: side must be long or short, got %q", model.ErrInvalidParameters, r.Side)
	case !r.Size.IsPositive():
		return fmt.Errorf("%w: size must be > 0, got %s", model.ErrInvalidParameters, r.Size)
	case r.Leverage.LessThan(decimal.NewFromInt(1)):
		return fmt.Errorf("%w: leverage must be >= 1, got %s", model.ErrInvalidParameters, r.Leverage)
	case r.TakeProfit.Valid && !r.TakeProfit.Decimal.IsPositive():
		return fmt.Errorf("%w: take profit must be > 0", model.ErrInvalidParameters)
	case r.StopLoss.Valid && !r.StopLoss.Decimal.IsPositive():
		return fmt.Errorf("%w: stop loss must be > 0", model.ErrInvalidParameters)
	}
	return nil
}

// Open 开仓：校验、取入场价、冻结保证金并落库（单事务）
func (e *PositionEngine) Open(ctx context.Context, req OpenRequest) (*model.Position, error) {
	req.Symbol = e.normalize(req.Symbol)
	if err := req.validate(); err != nil {
		return nil, err
	}

	margin, err := calc.ComputeMargin(req.Size, req.Leverage)
	if err != nil {
		return nil, err
	}

	if _, err := e.store.GetAccount(ctx, req.AccountID); err != nil {
		return nil, err
	}

	entry, err := e.Price(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	liq, err := calc.ComputeLiquidationPrice(entry, req.Leverage, req.Side)
	if err != nil {
		return nil, err
	}

	pos := &model.Position{
		ID:               e.newID(),
		AccountID:        req.AccountID,
		Symbol:           req.Symbol,
		Side:             req.Side,
		Size:             req.Size,
		Leverage:         req.Leverage,
		Margin:           margin,
		EntryPrice:       entry,
		LiquidationPrice: liq,
		TakeProfit:       req.TakeProfit,
		StopLoss:         req.StopLoss,
		Status:           model.StatusPending,
		OpenedAt:         e.now().UTC(),
	}

	txCtx, cancel := context.WithTimeout(ctx, e.txTimeout)
	defer cancel()
	if err := e.store.OpenPosition(txCtx, pos); err != nil {
		return nil, err
	}

	e.metrics.PositionOpened(pos.Symbol, pos.Side)
	log.Info().
		Str("position_id", pos.ID).
		Str("account_id", pos.AccountID).
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Str("size", pos.Size.String()).
		Str("leverage", pos.Leverage.String()).
		Str("margin", pos.Margin.String()).
		Str("entry", pos.EntryPrice.String()).
		Msg("position opened")
	return pos, nil
}

// Close 以给定价格和原因平仓，手动平仓与扫描平仓共用
//
// Returns model.ErrAlreadyClosed when another caller won the close. Once the claim
// succeeds the close is never rolled back: a failed commit leaves the position in
// closing and surfaces model.ErrSettlementCommitFailed for Recover to pick up.
func (e *PositionEngine) Close(ctx context.Context, positionID string, exitPrice decimal.Decimal, reason model.ExitReason) (*model.Settlement, error) {
	if !exitPrice.IsPositive() {
		return nil, fmt.Errorf("%w: exit price must be > 0, got %s", model.ErrInvalidParameters, exitPrice)
	}
	if !reason.Valid() {
		return nil, fmt.Errorf("%w: unknown exit reason %q", model.ErrInvalidParameters, reason)
	}

	getCtx, cancel := context.WithTimeout(ctx, e.txTimeout)
	pos, err := e.store.GetPosition(getCtx, positionID)
	cancel()
	if err != nil {
		return nil, err
	}
	if pos.Status != model.StatusOpen {
		return nil, model.ErrAlreadyClosed
	}

	claimCtx, cancel := context.WithTimeout(ctx, e.txTimeout)
	claimed, err := e.store.ClaimClose(claimCtx, positionID, exitPrice, reason)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("claim close %s: %w", positionID, err)
	}
	if !claimed {
		e.metrics.CloseConflict(pos.Symbol)
		log.Debug().Str("position_id", positionID).Str("reason", string(reason)).Msg("close lost race")
		return nil, model.ErrAlreadyClosed
	}

	return e.settle(ctx, pos, exitPrice, reason)
}

// settle 提交结算；调用方必须已持有 closing 认领
func (e *PositionEngine) settle(ctx context.Context, pos *model.Position, exitPrice decimal.Decimal, reason model.ExitReason) (*model.Settlement, error) {
	pnl := calc.ComputePnl(pos.EntryPrice, exitPrice, pos.Size, pos.Side)
	amount, shortfall := calc.ComputeSettlement(pos.Margin, pnl)

	s := &model.Settlement{
		PositionID: pos.ID,
		AccountID:  pos.AccountID,
		Symbol:     pos.Symbol,
		Reason:     reason,
		ExitPrice:  exitPrice,
		Margin:     pos.Margin,
		Pnl:        pnl,
		Amount:     amount,
		Shortfall:  shortfall,
		EntryID:    e.newID(),
		ClosedAt:   e.now().UTC(),
	}

	// the claim is already taken: caller cancellation must not abort the commit
	txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.txTimeout)
	defer cancel()

	if err := e.store.CommitSettlement(txCtx, s); err != nil {
		if errors.Is(err, model.ErrAlreadySettled) {
			return nil, model.ErrAlreadyClosed
		}
		e.metrics.SettlementFailed(pos.Symbol)
		log.Error().Err(err).
			Str("position_id", pos.ID).
			Str("account_id", pos.AccountID).
			Str("reason", string(reason)).
			Msg("settlement commit failed, position left closing")
		return nil, fmt.Errorf("%w: %v", model.ErrSettlementCommitFailed, err)
	}

	e.metrics.PositionClosed(pos.Symbol, reason)
	if shortfall.IsPositive() {
		f, _ := shortfall.Float64()
		e.metrics.Shortfall(pos.Symbol, f)
		log.Warn().
			Str("position_id", pos.ID).
			Str("account_id", pos.AccountID).
			Str("symbol", pos.Symbol).
			Str("exit", exitPrice.String()).
			Str("shortfall", shortfall.String()).
			Msg("settlement floored at zero, loss exceeded margin")
	}
	log.Info().
		Str("position_id", pos.ID).
		Str("account_id", pos.AccountID).
		Str("symbol", pos.Symbol).
		Str("reason", string(reason)).
		Str("exit", exitPrice.String()).
		Str("pnl", pnl.String()).
		Str("settlement", amount.String()).
		Msg("position settled")

	e.publish(ctx, s)
	return s, nil
}

func (e *PositionEngine) publish(ctx context.Context, s *model.Settlement) {
	if e.publisher == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.txTimeout)
	defer cancel()
	if err := e.publisher.PublishSettlement(pctx, s); err != nil {
		log.Warn().Err(err).Str("position_id", s.PositionID).Msg("publish settlement failed")
	}
}

// ManualClose 用户主动平仓，按当前价格结算
func (e *PositionEngine) ManualClose(ctx context.Context, positionID, requestingAccountID string) (*model.Settlement, error) {
	pos, err := e.GetPosition(ctx, positionID, requestingAccountID)
	if err != nil {
		return nil, err
	}
	if pos.Status != model.StatusOpen {
		return nil, model.ErrAlreadyClosed
	}

	price, err := e.Price(ctx, pos.Symbol)
	if err != nil {
		return nil, err
	}
	return e.Close(ctx, positionID, price, model.ReasonManualClose)
}

// CloseResult 扫描中一个被触发持仓的处理结果
type CloseResult struct {
	PositionID    string
	Symbol        string
	Reason        model.ExitReason
	Settlement    *model.Settlement
	AlreadyClosed bool
	Err           error
}

// ScanAndClose 用同一价格评估一组持仓，触发的逐个平仓；单个失败不影响其他持仓
func (e *PositionEngine) ScanAndClose(ctx context.Context, positions []*model.Position, price decimal.Decimal) []CloseResult {
	var results []CloseResult
	for _, pos := range positions {
		if ctx.Err() != nil {
			break
		}
		reason, fired := calc.Evaluate(pos, price)
		if !fired {
			continue
		}

		res := CloseResult{PositionID: pos.ID, Symbol: pos.Symbol, Reason: reason}
		s, err := e.Close(ctx, pos.ID, price, reason)
		switch {
		case err == nil:
			res.Settlement = s
		case errors.Is(err, model.ErrAlreadyClosed):
			res.AlreadyClosed = true
		default:
			res.Err = err
			log.Error().Err(err).
				Str("position_id", pos.ID).
				Str("symbol", pos.Symbol).
				Str("reason", string(reason)).
				Msg("scan close failed")
		}
		results = append(results, res)
	}
	return results
}

// RecoveryResult 恢复扫描统计
type RecoveryResult struct {
	Pending   int
	Recovered int
	Healed    int // ledger entry already existed, status fixed up
	Failed    int
}

// Recover 重放停留在 closing 的持仓结算，使用认领时记录的价格与原因
func (e *PositionEngine) Recover(ctx context.Context) (RecoveryResult, error) {
	var res RecoveryResult

	listCtx, cancel := context.WithTimeout(ctx, e.txTimeout)
	closing, err := e.store.ListPositionsByStatus(listCtx, model.StatusClosing)
	cancel()
	if err != nil {
		return res, fmt.Errorf("list closing positions: %w", err)
	}
	res.Pending = len(closing)

	for _, pos := range closing {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if !pos.ExitPrice.Valid || !pos.CloseReason.Valid() {
			res.Failed++
			log.Error().Str("position_id", pos.ID).Msg("closing position has no claimed price or reason")
			continue
		}

		_, err := e.settle(ctx, pos, pos.ExitPrice.Decimal, pos.CloseReason)
		switch {
		case err == nil:
			res.Recovered++
		case errors.Is(err, model.ErrAlreadyClosed):
			res.Healed++
		default:
			res.Failed++
		}
	}

	if res.Pending > 0 {
		log.Info().
			Int("pending", res.Pending).
			Int("recovered", res.Recovered).
			Int("healed", res.Healed).
			Int("failed", res.Failed).
			Msg("settlement recovery sweep")
	}
	return res, nil
}

// Price 带超时的取价，失败统一为 model.ErrPriceUnavailable
func (e *PositionEngine) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	pctx, cancel := context.WithTimeout(ctx, e.priceTimeout)
	defer cancel()

	px, err := e.oracle.GetPrice(pctx, symbol)
	if err != nil {
		e.metrics.PriceFetchFailed(symbol)
		if errors.Is(err, model.ErrPriceUnavailable) {
			return decimal.Zero, err
		}
		return decimal.Zero, fmt.Errorf("%w: %s: %v", model.ErrPriceUnavailable, symbol, err)
	}
	if !px.IsPositive() {
		e.metrics.PriceFetchFailed(symbol)
		return decimal.Zero, fmt.Errorf("%w: %s: non-positive price %s", model.ErrPriceUnavailable, symbol, px)
	}
	return px, nil
}
