package port

import "marginx/internal/domain/model"

// Metrics 引擎指标
type Metrics interface {
	PositionOpened(symbol string, side model.Side)
	PositionClosed(symbol string, reason model.ExitReason)
	CloseConflict(symbol string)
	SettlementFailed(symbol string)
	Shortfall(symbol string, amount float64)
	PriceFetchFailed(symbol string)
	ObserveScan(seconds float64, evaluated int)
	SetOpenPositions(n int)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) PositionOpened(string, model.Side)       {}
func (NopMetrics) PositionClosed(string, model.ExitReason) {}
func (NopMetrics) CloseConflict(string)                    {}
func (NopMetrics) SettlementFailed(string)                 {}
func (NopMetrics) Shortfall(string, float64)               {}
func (NopMetrics) PriceFetchFailed(string)                 {}
func (NopMetrics) ObserveScan(float64, int)                {}
func (NopMetrics) SetOpenPositions(int)                    {}
