// Package marketdata aggregates raw ticks into per-minute candles and
// serves the latest-price cache.
package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apierrors "github.com/Saravanaperu/Webportal-SingleUser/internal/errors"
	"github.com/Saravanaperu/Webportal-SingleUser/internal/models"
	"github.com/Saravanaperu/Webportal-SingleUser/internal/store"
)

// maxBufferedTicks bounds the per-symbol tick history kept between
// resamples.
const maxBufferedTicks = 100

// Aggregator consumes ticks and derives one-minute candles. Candles are
// only emitted for fully completed minutes; re-deriving a minute is a
// no-op thanks to the store's unique constraint.
type Aggregator struct {
	store        store.DataStore
	logger       zerolog.Logger
	staleTimeout time.Duration

	mu       sync.RWMutex
	buffers  map[string][]models.Tick
	latest   map[string]models.LatestPrice
	lastTick time.Time
}

// NewAggregator creates a tick aggregator backed by the given store.
func NewAggregator(st store.DataStore, staleTimeout time.Duration, logger zerolog.Logger) *Aggregator {
	if staleTimeout <= 0 {
		staleTimeout = 30 * time.Second
	}
	return &Aggregator{
		store:        st,
		logger:       logger.With().Str("component", "aggregator").Logger(),
		staleTimeout: staleTimeout,
		buffers:      make(map[string][]models.Tick),
		latest:       make(map[string]models.LatestPrice),
	}
}

// UpdateTick ingests one tick. Ticks without a symbol or with a
// non-positive price are rejected; valid ticks refresh the latest-price
// cache and join the resample buffer.
func (a *Aggregator) UpdateTick(tick models.Tick) error {
	if tick.Symbol == "" {
		return apierrors.NewDataError("tick", tick.Token, "tick has no symbol mapping", nil)
	}
	if tick.LTP <= 0 {
		return apierrors.NewDataError("tick", tick.Symbol, "non-positive price", nil)
	}
	if tick.Timestamp.IsZero() {
		tick.Timestamp = time.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.latest[tick.Symbol] = models.LatestPrice{
		Symbol:    tick.Symbol,
		LTP:       tick.LTP,
		Volume:    tick.Volume,
		Timestamp: tick.Timestamp,
	}
	if tick.Timestamp.After(a.lastTick) {
		a.lastTick = tick.Timestamp
	}

	buf := append(a.buffers[tick.Symbol], tick)
	if len(buf) > maxBufferedTicks {
		buf = buf[len(buf)-maxBufferedTicks:]
	}
	a.buffers[tick.Symbol] = buf

	return nil
}

// Resample derives the candle for the most recently completed minute of
// every buffered symbol and persists it. Ticks at or before the
// completed minute's end are trimmed from the buffer whether or not the
// write succeeds, so a persistent store failure cannot grow the buffer
// without bound.
func (a *Aggregator) Resample(ctx context.Context, now time.Time) error {
	minuteEnd := now.Truncate(time.Minute)
	minuteStart := minuteEnd.Add(-time.Minute)

	a.mu.Lock()
	pending := make(map[string][]models.Tick, len(a.buffers))
	for symbol, buf := range a.buffers {
		pending[symbol] = buf
	}
	a.mu.Unlock()

	var firstErr error
	for symbol, buf := range pending {
		candle, ok := buildCandle(symbol, buf, minuteStart, minuteEnd)

		// Trim before attempting the write
		a.trimBuffer(symbol, minuteEnd)

		if !ok {
			continue
		}

		exists, err := a.store.HasCandle(ctx, symbol, candle.Timestamp)
		if err != nil {
			a.logger.Error().Err(err).Str("symbol", symbol).Msg("candle existence check failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if exists {
			continue
		}

		if err := a.store.SaveCandle(ctx, &candle); err != nil {
			a.logger.Error().Err(err).Str("symbol", symbol).Msg("candle write failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		a.logger.Debug().
			Str("symbol", symbol).
			Time("minute", candle.Timestamp).
			Float64("close", candle.Close).
			Msg("candle persisted")
	}
	return firstErr
}

// buildCandle folds the ticks belonging to [minuteStart, minuteEnd)
// into a candle stamped with the minute's start.
func buildCandle(symbol string, ticks []models.Tick, minuteStart, minuteEnd time.Time) (models.Candle, bool) {
	var candle models.Candle
	found := false

	for _, t := range ticks {
		if t.Timestamp.Before(minuteStart) || !t.Timestamp.Before(minuteEnd) {
			continue
		}
		if !found {
			candle = models.Candle{
				Symbol:    symbol,
				Timestamp: minuteStart,
				Open:      t.LTP,
				High:      t.LTP,
				Low:       t.LTP,
				Close:     t.LTP,
				Volume:    t.Volume,
			}
			found = true
			continue
		}
		if t.LTP > candle.High {
			candle.High = t.LTP
		}
		if t.LTP < candle.Low {
			candle.Low = t.LTP
		}
		candle.Close = t.LTP
		if t.Volume > candle.Volume {
			candle.Volume = t.Volume
		}
	}
	return candle, found
}

// trimBuffer drops ticks older than the completed minute boundary.
func (a *Aggregator) trimBuffer(symbol string, minuteEnd time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf := a.buffers[symbol]
	kept := buf[:0]
	for _, t := range buf {
		if !t.Timestamp.Before(minuteEnd) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(a.buffers, symbol)
		return
	}
	a.buffers[symbol] = kept
}

// GetLatestPrice returns the cached latest price for a symbol.
func (a *Aggregator) GetLatestPrice(symbol string) (models.LatestPrice, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	lp, ok := a.latest[symbol]
	return lp, ok
}

// LastTickTime returns the timestamp of the most recent tick seen
// across all symbols.
func (a *Aggregator) LastTickTime() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastTick
}

// IsDataFresh reports whether a tick has been seen within the staleness
// window. Before the first tick it reports false.
func (a *Aggregator) IsDataFresh(now time.Time) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.lastTick.IsZero() {
		return false
	}
	return now.Sub(a.lastTick) <= a.staleTimeout
}

// GetCandles returns persisted candles for a symbol within a range.
func (a *Aggregator) GetCandles(ctx context.Context, symbol string, from, to time.Time) ([]models.Candle, error) {
	return a.store.GetCandles(ctx, symbol, from, to)
}
