package risk

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/rs/zerolog"
)

// Property: position sizing never risks more than the configured
// percentage of equity, for any combination of equity, prices and ATR.
func TestProperty_PositionSizeNeverExceedsRiskBudget(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("risked value stays within budget", prop.ForAll(
		func(equity, entry, stopDist, atr float64) bool {
			e := NewEngine(testRiskConfig(), equity, zerolog.Nop())
			stop := entry - stopDist

			qty := e.CalculatePositionSize(equity, entry, stop, atr)
			if qty < 0 {
				return false
			}

			// Full risk budget, before any volatility reduction
			budget := equity * testRiskConfig().RiskPerTradePercent / 100
			risked := float64(qty) * stopDist
			return risked <= budget+1e-6
		},
		gen.Float64Range(1000, 10_000_000),
		gen.Float64Range(1, 50_000),
		gen.Float64Range(0.05, 500),
		gen.Float64Range(0, 1000),
	))

	properties.TestingRun(t)
}

// Property: the trading halt is a one-way latch. Whatever sequence of
// trade results follows the halt, trading stays stopped until an
// explicit reset.
func TestProperty_HaltLatchSurvivesAnyTradeSequence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("halt survives trades", prop.ForAll(
		func(pnls []float64) bool {
			e := NewEngine(testRiskConfig(), 100000, zerolog.Nop())
			e.StopTrading("latch test")

			for _, pnl := range pnls {
				e.RecordTrade(pnl)
				if !e.IsTradingStopped() {
					return false
				}
			}
			return !e.CanPlaceTrade()
		},
		gen.SliceOf(gen.Float64Range(-5000, 5000)),
	))

	properties.TestingRun(t)
}

// Property: recording trades preserves the daily PnL sum exactly as
// the running total of the recorded values.
func TestProperty_DailyPnLIsSumOfTrades(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("daily pnl equals trade sum", prop.ForAll(
		func(pnls []float64) bool {
			// Huge equity so the loss limit never engages
			e := NewEngine(testRiskConfig(), 1e12, zerolog.Nop())

			var sum float64
			for _, pnl := range pnls {
				e.RecordTrade(pnl)
				sum += pnl
			}

			diff := e.DailyPnL() - sum
			return diff < 1e-6 && diff > -1e-6
		},
		gen.SliceOf(gen.Float64Range(-1000, 1000)),
	))

	properties.TestingRun(t)
}
