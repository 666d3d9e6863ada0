// Package risk implements position sizing and the daily trading halt.
package risk

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Saravanaperu/Webportal-SingleUser/internal/config"
	"github.com/Saravanaperu/Webportal-SingleUser/internal/models"
)

// StateStore persists the daily risk ledger.
type StateStore interface {
	SaveRiskState(ctx context.Context, state *models.RiskState) error
}

// priceEpsilon guards the per-unit risk division. An entry and stop
// closer than this are treated as identical.
const priceEpsilon = 1e-9

// Engine tracks realized daily performance and decides whether new
// trades may be placed. The halt is a one-way latch; only an explicit
// ResetDay reopens trading.
type Engine struct {
	cfg        config.RiskConfig
	logger     zerolog.Logger
	stateStore StateStore

	mu                sync.RWMutex
	startingEquity    float64
	maxDailyLossValue float64
	dailyPnL          float64
	consecutiveLosses int
	stopped           bool
	stopReason        string
	stoppedAt         time.Time

	wins         int
	losses       int
	totalWinPnL  float64
	totalLossPnL float64
}

// Snapshot is a point-in-time view of the engine's state.
type Snapshot struct {
	StartingEquity    float64
	Equity            float64 // starting equity plus realized daily P&L
	DailyPnL          float64
	MaxDailyLossValue float64
	ConsecutiveLosses int
	TradingStopped    bool
	StopReason        string
	TotalTrades       int
	WinRate           float64
	AvgWinPnL         float64
	AvgLossPnL        float64
}

// NewEngine creates a risk engine for the given starting equity.
func NewEngine(cfg config.RiskConfig, startingEquity float64, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:               cfg,
		logger:            logger.With().Str("component", "risk").Logger(),
		startingEquity:    startingEquity,
		maxDailyLossValue: startingEquity * cfg.MaxDailyLossPercent / 100,
	}
}

// AttachStore enables persistence of the daily ledger. Every state
// change is written through after it is applied in memory.
func (e *Engine) AttachStore(st StateStore) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stateStore = st
}

// Restore resumes a previously persisted day, including an active halt.
func (e *Engine) Restore(state *models.RiskState) {
	if state == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if state.StartingEquity > 0 {
		e.startingEquity = state.StartingEquity
		e.maxDailyLossValue = state.StartingEquity * e.cfg.MaxDailyLossPercent / 100
	}
	e.dailyPnL = state.DailyPnL
	e.consecutiveLosses = state.ConsecutiveLosses
	e.stopped = state.Stopped
	e.stopReason = state.StopReason
	e.wins = state.Wins
	e.losses = state.Losses
	e.totalWinPnL = state.TotalWinPnL
	e.totalLossPnL = state.TotalLossPnL

	e.logger.Info().
		Float64("daily_pnl", e.dailyPnL).
		Bool("stopped", e.stopped).
		Msg("risk state restored")
}

// persistLocked writes the ledger through to the store, best effort.
func (e *Engine) persistLocked() {
	if e.stateStore == nil {
		return
	}
	state := &models.RiskState{
		Date:              time.Now().Format("2006-01-02"),
		StartingEquity:    e.startingEquity,
		DailyPnL:          e.dailyPnL,
		ConsecutiveLosses: e.consecutiveLosses,
		Stopped:           e.stopped,
		StopReason:        e.stopReason,
		Wins:              e.wins,
		Losses:            e.losses,
		TotalWinPnL:       e.totalWinPnL,
		TotalLossPnL:      e.totalLossPnL,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.stateStore.SaveRiskState(ctx, state); err != nil {
		e.logger.Error().Err(err).Msg("persisting risk state failed")
	}
}

// CalculatePositionSize returns the quantity to trade for a signal.
// The base risk is a fixed percentage of equity, halved (or scaled by
// the configured factor) when ATR relative to entry exceeds the high
// volatility threshold. Returns 0 when entry and stop coincide.
func (e *Engine) CalculatePositionSize(equity, entry, stop, atr float64) int {
	if equity <= 0 {
		return 0
	}

	riskAmount := equity * e.cfg.RiskPerTradePercent / 100

	if atr > 0 && entry > 0 {
		volPercent := atr / entry * 100
		if volPercent > e.cfg.VolatilityAdjustment.HighVolThresholdPercent {
			riskAmount *= e.cfg.VolatilityAdjustment.RiskReductionFactor
		}
	}

	perUnitRisk := math.Abs(entry - stop)
	if perUnitRisk <= priceEpsilon {
		return 0
	}

	return int(riskAmount / perUnitRisk)
}

// RecordTrade registers a realized trade result. A losing trade extends
// the consecutive loss streak, a winning trade resets it, and a
// break-even trade touches neither. The halt conditions are evaluated
// after every trade.
func (e *Engine) RecordTrade(pnl float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.persistLocked()

	e.dailyPnL += pnl

	switch {
	case pnl < 0:
		e.consecutiveLosses++
		e.losses++
		e.totalLossPnL += pnl
	case pnl > 0:
		e.consecutiveLosses = 0
		e.wins++
		e.totalWinPnL += pnl
	}

	if e.stopped {
		return
	}

	if e.dailyPnL <= -e.maxDailyLossValue {
		e.haltLocked("daily loss limit reached")
		return
	}
	if e.consecutiveLosses >= e.cfg.ConsecutiveLossesStop {
		e.haltLocked("consecutive loss limit reached")
	}
}

// StopTrading latches the halt with an explicit reason.
func (e *Engine) StopTrading(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.haltLocked(reason)
	e.persistLocked()
}

func (e *Engine) haltLocked(reason string) {
	if e.stopped {
		return
	}
	e.stopped = true
	e.stopReason = reason
	e.stoppedAt = time.Now()
	e.logger.Warn().
		Str("reason", reason).
		Float64("daily_pnl", e.dailyPnL).
		Int("consecutive_losses", e.consecutiveLosses).
		Msg("trading halted")
}

// CanPlaceTrade reports whether new entries are permitted.
func (e *Engine) CanPlaceTrade() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.stopped
}

// IsTradingStopped reports whether the halt latch is set.
func (e *Engine) IsTradingStopped() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stopped
}

// StopReason returns why trading was halted, if it was.
func (e *Engine) StopReason() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stopReason
}

// DailyPnL returns realized profit and loss since the last reset.
func (e *Engine) DailyPnL() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dailyPnL
}

// ResetDay clears the daily counters and reopens trading with the
// given starting equity. Called once at the start of a trading day,
// never implicitly.
func (e *Engine) ResetDay(startingEquity float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.startingEquity = startingEquity
	e.maxDailyLossValue = startingEquity * e.cfg.MaxDailyLossPercent / 100
	e.dailyPnL = 0
	e.consecutiveLosses = 0
	e.stopped = false
	e.stopReason = ""
	e.stoppedAt = time.Time{}
	e.wins = 0
	e.losses = 0
	e.totalWinPnL = 0
	e.totalLossPnL = 0

	e.logger.Info().Float64("equity", startingEquity).Msg("risk engine reset for new day")
	e.persistLocked()
}

// Snapshot returns the current state for status reporting.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := Snapshot{
		StartingEquity:    e.startingEquity,
		Equity:            e.startingEquity + e.dailyPnL,
		DailyPnL:          e.dailyPnL,
		MaxDailyLossValue: e.maxDailyLossValue,
		ConsecutiveLosses: e.consecutiveLosses,
		TradingStopped:    e.stopped,
		StopReason:        e.stopReason,
		TotalTrades:       e.wins + e.losses,
	}
	if snap.TotalTrades > 0 {
		snap.WinRate = float64(e.wins) / float64(snap.TotalTrades) * 100
	}
	if e.wins > 0 {
		snap.AvgWinPnL = e.totalWinPnL / float64(e.wins)
	}
	if e.losses > 0 {
		snap.AvgLossPnL = e.totalLossPnL / float64(e.losses)
	}
	return snap
}
