package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marginx/internal/domain/model"
	"marginx/internal/infrastructure/exchange"
	"marginx/internal/infrastructure/storage/sqlite"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeOracle struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	calls  int
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{prices: make(map[string]decimal.Decimal)}
}

func (o *fakeOracle) set(symbol, price string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[symbol] = d(price)
}

func (o *fakeOracle) GetPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	px, ok := o.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", model.ErrPriceUnavailable, symbol)
	}
	return px, nil
}

// flakyStore fails CommitSettlement for chosen positions a number of times.
type flakyStore struct {
	*sqlite.Repo
	mu       sync.Mutex
	failures map[string]int
}

func (s *flakyStore) failCommit(positionID string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[positionID] = times
}

func (s *flakyStore) CommitSettlement(ctx context.Context, st *model.Settlement) error {
	s.mu.Lock()
	if s.failures[st.PositionID] > 0 {
		s.failures[st.PositionID]--
		s.mu.Unlock()
		return errors.New("disk I/O error")
	}
	s.mu.Unlock()
	return s.Repo.CommitSettlement(ctx, st)
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []*model.Settlement
	err error
}

func (p *recordingPublisher) PublishSettlement(_ context.Context, s *model.Settlement) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, s)
	return p.err
}

type harness struct {
	engine    *PositionEngine
	store     *flakyStore
	oracle    *fakeOracle
	publisher *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo, err := sqlite.New(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	h := &harness{
		store:     &flakyStore{Repo: repo, failures: make(map[string]int)},
		oracle:    newFakeOracle(),
		publisher: &recordingPublisher{},
	}
	h.engine = NewPositionEngine(EngineDeps{
		Store:     h.store,
		Oracle:    h.oracle,
		Publisher: h.publisher,
	})
	return h
}

func (h *harness) account(t *testing.T, id, balance string) {
	t.Helper()
	_, err := h.store.CreateAccount(context.Background(), id, d(balance))
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	acc, err := h.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acc.Balance
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, got.Equal(d(want)), "%s: got %s, want %s", msg, got, want)
}

func TestScenarioLongLiquidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.account(t, "alice", "1000")
	h.oracle.set("BTCUSDT", "50000")

	pos, err := h.engine.Open(ctx, OpenRequest{
		AccountID: "alice",
		Symbol:    "btcusdt",
		Side:      model.SideLong,
		Size:      d("1000"),
		Leverage:  d("10"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, pos.Status)
	assert.Equal(t, "BTCUSDT", pos.Symbol)
	assertDecimal(t, "100", pos.Margin, "margin")
	assertDecimal(t, "45000", pos.LiquidationPrice.Decimal, "liquidation price")
	assertDecimal(t, "900", h.balance(t, "alice"), "balance after open")

	open, err := h.engine.OpenPositions(ctx)
	require.NoError(t, err)

	results := h.engine.ScanAndClose(ctx, open, d("45000"))
	require.Len(t, results, 1)
	res := results[0]
	require.NoError(t, res.Err)
	assert.Equal(t, model.ReasonLiquidation, res.Reason)
	require.NotNil(t, res.Settlement)
	assertDecimal(t, "-100", res.Settlement.Pnl, "pnl")
	assertDecimal(t, "0", res.Settlement.Amount, "settlement")
	assertDecimal(t, "0", res.Settlement.Shortfall, "shortfall")

	// full margin loss: nothing comes back
	assertDecimal(t, "900", h.balance(t, "alice"), "balance after liquidation")

	closed, err := h.store.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, closed.Status)
	assert.Equal(t, model.ReasonLiquidation, closed.CloseReason)
	assert.NotNil(t, closed.ClosedAt)
}

func TestScenarioShortStopLoss(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.account(t, "bob", "1000")
	h.oracle.set("ETHUSDT", "2000")

	pos, err := h.engine.Open(ctx, OpenRequest{
		AccountID: "bob",
		Symbol:    "ETHUSDT",
		Side:      model.SideShort,
		Size:      d("500"),
		Leverage:  d("5"),
		StopLoss:  decimal.NewNullDecimal(d("2100")),
	})
	require.NoError(t, err)
	assertDecimal(t, "100", pos.Margin, "margin")
	assertDecimal(t, "2400", pos.LiquidationPrice.Decimal, "liquidation price")

	open, err := h.engine.OpenPositions(ctx)
	require.NoError(t, err)

	results := h.engine.ScanAndClose(ctx, open, d("2100"))
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, model.ReasonStopLoss, results[0].Reason)
	assertDecimal(t, "-25", results[0].Settlement.Pnl, "pnl")
	assertDecimal(t, "75", results[0].Settlement.Amount, "settlement")
	assertDecimal(t, "975", h.balance(t, "bob"), "balance after stop loss")

	entries, err := h.engine.ListLedger(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.ReasonStopLoss, entries[0].Reason)
	assertDecimal(t, "75", entries[0].Amount, "ledger amount")
}

func TestOpenValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.account(t, "alice", "1000")
	h.oracle.set("BTCUSDT", "50000")

	cases := []struct {
		name string
		req  OpenRequest
	}{
		{name: "leverage below one", req: OpenRequest{AccountID: "alice", Symbol: "BTCUSDT", Side: model.SideLong, Size: d("100"), Leverage: d("0.5")}},
		{name: "zero size", req: OpenRequest{AccountID: "alice", Symbol: "BTCUSDT", Side: model.SideLong, Size: d("0"), Leverage: d("2")}},
		{name: "bad side", req: OpenRequest{AccountID: "alice", Symbol: "BTCUSDT", Side: "up", Size: d("100"), Leverage: d("2")}},
		{name: "no symbol", req: OpenRequest{AccountID: "alice", Side: model.SideLong, Size: d("100"), Leverage: d("2")}},
		{name: "negative take profit", req: OpenRequest{AccountID: "alice", Symbol: "BTCUSDT", Side: model.SideLong, Size: d("100"), Leverage: d("2"), TakeProfit: decimal.NewNullDecimal(d("-1"))}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.Open(ctx, tc.req)
			assert.ErrorIs(t, err, model.ErrInvalidParameters)
		})
	}

	// rejected before any price fetch or mutation
	assert.Equal(t, 0, h.oracle.calls)
	assertDecimal(t, "1000", h.balance(t, "alice"), "balance")
}

func TestOpenInsufficientFunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.account(t, "alice", "50")
	h.oracle.set("BTCUSDT", "50000")

	_, err := h.engine.Open(ctx, OpenRequest{
		AccountID: "alice", Symbol: "BTCUSDT", Side: model.SideLong, Size: d("1000"), Leverage: d("10"),
	})
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)
	assertDecimal(t, "50", h.balance(t, "alice"), "balance")

	positions, err := h.store.ListPositionsByAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestOpenUnknownAccountAndPrice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.account(t, "alice", "1000")

	_, err := h.engine.Open(ctx, OpenRequest{
		AccountID: "ghost", Symbol: "BTCUSDT", Side: model.SideLong, Size: d("100"), Leverage: d("2"),
	})
	assert.ErrorIs(t, err, model.ErrAccountNotFound)

	_, err = h.engine.Open(ctx, OpenRequest{
		AccountID: "alice", Symbol: "DOGEUSDT", Side: model.SideLong, Size: d("100"), Leverage: d("2"),
	})
	assert.ErrorIs(t, err, model.ErrPriceUnavailable)
	assertDecimal(t, "1000", h.balance(t, "alice"), "balance")
}

func openBTC(t *testing.T, h *harness, account string) *model.Position {
	t.Helper()
	pos, err := h.engine.Open(context.Background(), OpenRequest{
		AccountID: account, Symbol: "BTCUSDT", Side: model.SideLong, Size: d("1000"), Leverage: d("10"),
	})
	require.NoError(t, err)
	return pos
}

func TestManualClose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.account(t, "alice", "1000")
	h.account(t, "mallory", "1000")
	h.oracle.set("BTCUSDT", "50000")
	pos := openBTC(t, h, "alice")

	h.oracle.set("BTCUSDT", "55000")

	_, err := h.engine.ManualClose(ctx, pos.ID, "mallory")
	assert.ErrorIs(t, err, model.ErrUnauthorized)
	_, err = h.engine.ManualClose(ctx, "missing", "alice")
	assert.ErrorIs(t, err, model.ErrPositionNotFound)

	s, err := h.engine.ManualClose(ctx, pos.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.ReasonManualClose, s.Reason)
	assertDecimal(t, "55000", s.ExitPrice, "exit")
	assertDecimal(t, "100", s.Pnl, "pnl")
	assertDecimal(t, "200", s.Amount, "settlement")
	assertDecimal(t, "1100", h.balance(t, "alice"), "balance")

	_, err = h.engine.ManualClose(ctx, pos.ID, "alice")
	assert.ErrorIs(t, err, model.ErrAlreadyClosed)

	require.Len(t, h.publisher.got, 1)
	assert.Equal(t, pos.ID, h.publisher.got[0].PositionID)

	history, err := h.engine.ListHistory(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, history, 1)
	open, err := h.engine.ListOpenPositions(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestCloseTwiceSettlesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.account(t, "alice", "1000")
	h.oracle.set("BTCUSDT", "50000")
	pos := openBTC(t, h, "alice")

	_, err := h.engine.Close(ctx, pos.ID, d("51000"), model.ReasonTakeProfit)
	require.NoError(t, err)
	_, err = h.engine.Close(ctx, pos.ID, d("40000"), model.ReasonLiquidation)
	assert.ErrorIs(t, err, model.ErrAlreadyClosed)

	// 900 + 100 margin + 20 pnl
	assertDecimal(t, "1020", h.balance(t, "alice"), "balance")
	entries, err := h.engine.ListLedger(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestConcurrentCloseSettlesExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.account(t, "alice", "1000")
	h.oracle.set("BTCUSDT", "50000")
	pos := openBTC(t, h, "alice")

	h.oracle.set("BTCUSDT", "45000")

	var (
		wg            sync.WaitGroup
		settled       atomic.Int32
		alreadyClosed atomic.Int32
		other         atomic.Int32
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = h.engine.ManualClose(ctx, pos.ID, "alice")
			} else {
				_, err = h.engine.Close(ctx, pos.ID, d("45000"), model.ReasonLiquidation)
			}
			switch {
			case err == nil:
				settled.Add(1)
			case errors.Is(err, model.ErrAlreadyClosed):
				alreadyClosed.Add(1)
			default:
				other.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), settled.Load())
	assert.Equal(t, int32(99), alreadyClosed.Load())
	assert.Equal(t, int32(0), other.Load())

	entries, err := h.engine.ListLedger(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assertDecimal(t, "900", h.balance(t, "alice"), "balance")
}

func TestRecoverAfterCommitFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.account(t, "alice", "1000")
	h.oracle.set("BTCUSDT", "50000")
	pos := openBTC(t, h, "alice")

	h.store.failCommit(pos.ID, 1)
	_, err := h.engine.Close(ctx, pos.ID, d("52500"), model.ReasonTakeProfit)
	require.ErrorIs(t, err, model.ErrSettlementCommitFailed)

	stuck, err := h.store.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosing, stuck.Status)
	assertDecimal(t, "900", h.balance(t, "alice"), "balance while closing")

	// a late scanner must not claim it again
	_, err = h.engine.Close(ctx, pos.ID, d("40000"), model.ReasonLiquidation)
	assert.ErrorIs(t, err, model.ErrAlreadyClosed)

	res, err := h.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryResult{Pending: 1, Recovered: 1}, res)

	closed, err := h.store.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, closed.Status)
	assert.Equal(t, model.ReasonTakeProfit, closed.CloseReason)
	assertDecimal(t, "52500", closed.ExitPrice.Decimal, "replayed exit price")
	// 900 + 100 margin + 50 pnl
	assertDecimal(t, "1050", h.balance(t, "alice"), "balance after recovery")

	res, err = h.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryResult{}, res)
}

func TestScanAndCloseIsolatesFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.account(t, "alice", "1000")
	h.oracle.set("BTCUSDT", "50000")
	first := openBTC(t, h, "alice")
	second := openBTC(t, h, "alice")

	h.store.failCommit(first.ID, 1)

	open, err := h.engine.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)

	results := h.engine.ScanAndClose(ctx, open, d("44000"))
	require.Len(t, results, 2)

	byID := map[string]CloseResult{}
	for _, r := range results {
		byID[r.PositionID] = r
	}
	assert.ErrorIs(t, byID[first.ID].Err, model.ErrSettlementCommitFailed)
	require.NoError(t, byID[second.ID].Err)
	require.NotNil(t, byID[second.ID].Settlement)

	// gap through the liquidation price: settlement floored, shortfall recorded
	assertDecimal(t, "0", byID[second.ID].Settlement.Amount, "settlement")
	assertDecimal(t, "20", byID[second.ID].Settlement.Shortfall, "shortfall")
}

func TestScanAndCloseSkipsUntriggered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.account(t, "alice", "1000")
	h.oracle.set("BTCUSDT", "50000")
	openBTC(t, h, "alice")

	open, err := h.engine.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, h.engine.ScanAndClose(ctx, open, d("45000.01")))

	// stale snapshot: the position was closed after the scan loaded it
	_, err = h.engine.Close(ctx, open[0].ID, d("49000"), model.ReasonManualClose)
	require.NoError(t, err)
	results := h.engine.ScanAndClose(ctx, open, d("40000"))
	require.Len(t, results, 1)
	assert.True(t, results[0].AlreadyClosed)
	assert.NoError(t, results[0].Err)
}

func TestPublishFailureDoesNotAffectSettlement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.account(t, "alice", "1000")
	h.oracle.set("BTCUSDT", "50000")
	pos := openBTC(t, h, "alice")

	h.publisher.err = errors.New("redis down")
	s, err := h.engine.Close(ctx, pos.ID, d("50000"), model.ReasonManualClose)
	require.NoError(t, err)
	assertDecimal(t, "100", s.Amount, "settlement")
	assertDecimal(t, "1000", h.balance(t, "alice"), "balance")
}

func TestMarkToMarket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.account(t, "alice", "10000")
	h.oracle.set("BTCUSDT", "50000")
	h.oracle.set("ETHUSDT", "2000")
	openBTC(t, h, "alice")
	_, err := h.engine.Open(ctx, OpenRequest{
		AccountID: "alice", Symbol: "ETHUSDT", Side: model.SideShort, Size: d("500"), Leverage: d("5"),
	})
	require.NoError(t, err)

	h.oracle.set("BTCUSDT", "52500")
	delete(h.oracle.prices, "ETHUSDT")

	open, err := h.engine.ListOpenPositions(ctx, "alice")
	require.NoError(t, err)
	views := h.engine.MarkToMarket(ctx, open)
	require.Len(t, views, 2)

	for _, v := range views {
		switch v.Symbol {
		case "BTCUSDT":
			require.True(t, v.UnrealizedPnl.Valid)
			assertDecimal(t, "50", v.UnrealizedPnl.Decimal, "btc unrealized")
		case "ETHUSDT":
			assert.False(t, v.MarkPrice.Valid)
			assert.False(t, v.UnrealizedPnl.Valid)
		}
	}
}

func TestOpenNormalizesSymbol(t *testing.T) {
	repo, err := sqlite.New(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	ctx := context.Background()
	_, err = repo.CreateAccount(ctx, "alice", d("10000"))
	require.NoError(t, err)

	oracle := newFakeOracle()
	oracle.set("BTCUSDT", "50000")
	engine := NewPositionEngine(EngineDeps{
		Store:           repo,
		Oracle:          oracle,
		NormalizeSymbol: exchange.NewSymbolConverter("USDT").Normalize,
	})

	for _, sym := range []string{"BTC", "btc-usdt", "BTCUSDT"} {
		pos, err := engine.Open(ctx, OpenRequest{
			AccountID: "alice",
			Symbol:    sym,
			Side:      model.SideLong,
			Size:      d("100"),
			Leverage:  d("2"),
		})
		require.NoError(t, err, sym)
		assert.Equal(t, "BTCUSDT", pos.Symbol, sym)
	}

	open, err := engine.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 3)
	for _, pos := range open {
		assert.Equal(t, "BTCUSDT", pos.Symbol)
	}
}

// stallingStore blocks reads until the caller's context ends.
type stallingStore struct {
	*sqlite.Repo
}

func stall(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Second):
		return errors.New("read had no deadline")
	}
}

func (s *stallingStore) GetPosition(ctx context.Context, _ string) (*model.Position, error) {
	return nil, stall(ctx)
}

func (s *stallingStore) ListPositionsByStatus(ctx context.Context, _ model.PositionStatus) ([]*model.Position, error) {
	return nil, stall(ctx)
}

func TestStoreReadsCarryTxTimeout(t *testing.T) {
	repo, err := sqlite.New(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	engine := NewPositionEngine(EngineDeps{
		Store:     &stallingStore{Repo: repo},
		Oracle:    newFakeOracle(),
		TxTimeout: 50 * time.Millisecond,
	})
	ctx := context.Background()

	_, err = engine.Close(ctx, "pos-1", d("100"), model.ReasonManualClose)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = engine.OpenPositions(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = engine.Recover(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
