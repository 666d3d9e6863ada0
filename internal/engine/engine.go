// Package engine supervises the trading session: it owns the broker
// connection, routes stream events to the aggregator and order
// manager, and keeps the session alive across reconnects.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Saravanaperu/Webportal-SingleUser/internal/broker"
	"github.com/Saravanaperu/Webportal-SingleUser/internal/config"
	apierrors "github.com/Saravanaperu/Webportal-SingleUser/internal/errors"
	"github.com/Saravanaperu/Webportal-SingleUser/internal/marketdata"
	"github.com/Saravanaperu/Webportal-SingleUser/internal/models"
	"github.com/Saravanaperu/Webportal-SingleUser/internal/orders"
	"github.com/Saravanaperu/Webportal-SingleUser/internal/risk"
)

// Engine wires the components together and runs the session loop.
type Engine struct {
	cfg        *config.Config
	logger     zerolog.Logger
	connector  *broker.Connector
	aggregator *marketdata.Aggregator
	manager    *orders.Manager
	risk       *risk.Engine

	signals chan models.Signal

	mu        sync.RWMutex
	session   *broker.Session
	connected bool
	startedAt time.Time
	lastError string
}

// Status is a point-in-time view of the engine for the status command.
type Status struct {
	Connected     bool
	DataFresh     bool
	LastTickTime  time.Time
	DroppedTicks  uint64
	DroppedOrders uint64
	Uptime        time.Duration
	LastError     string
	Risk          risk.Snapshot
	OpenPositions []models.Position
}

// New creates the engine.
func New(cfg *config.Config, connector *broker.Connector, agg *marketdata.Aggregator, mgr *orders.Manager, riskEngine *risk.Engine, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		logger:     logger.With().Str("component", "engine").Logger(),
		connector:  connector,
		aggregator: agg,
		manager:    mgr,
		risk:       riskEngine,
		signals:    make(chan models.Signal, 16),
	}
}

// Submit queues a trade signal for execution. Non-blocking; returns
// false if the signal queue is full.
func (e *Engine) Submit(sig models.Signal) bool {
	select {
	case e.signals <- sig:
		return true
	default:
		return false
	}
}

// Run drives the session until the context is cancelled. Each
// iteration of the outer loop owns one broker session; any fatal
// stream error or the periodic refresh tears it down and reconnects.
func (e *Engine) Run(ctx context.Context) error {
	session, err := e.connector.Connect(ctx)
	if err != nil {
		return apierrors.Wrap(err, "initial broker connect")
	}
	e.setSession(session)

	if err := e.manager.Restore(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	e.startedAt = time.Now()
	e.mu.Unlock()

	refresh := time.NewTicker(e.cfg.Session.RefreshInterval)
	defer refresh.Stop()

	for {
		streamErr := make(chan error, 2)
		consumerCtx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup

		wg.Add(4)
		go func() { defer wg.Done(); e.consumeTicks(consumerCtx, session, streamErr) }()
		go func() { defer wg.Done(); e.consumeOrderUpdates(consumerCtx, session, streamErr) }()
		go func() { defer wg.Done(); e.resampleLoop(consumerCtx) }()
		go func() { defer wg.Done(); e.signalLoop(consumerCtx) }()

		var reason string
		select {
		case <-ctx.Done():
			cancel()
			wg.Wait()
			e.connector.Close()
			e.setConnected(false)
			return ctx.Err()
		case err := <-streamErr:
			reason = "stream failure"
			e.setLastError(err)
			e.logger.Warn().Err(err).Msg("stream failed, reconnecting")
		case <-refresh.C:
			reason = "scheduled session refresh"
			e.logger.Info().Msg("refreshing broker session")
		}

		cancel()
		wg.Wait()
		e.setConnected(false)

		session, err = e.connector.Reconnect(ctx)
		if err != nil {
			return apierrors.Wrapf(err, "reconnect after %s", reason)
		}
		e.setSession(session)
		e.manager.SetBroker(session.Broker)

		// Replay the order book to catch updates missed while down
		e.resyncOrders(ctx, session)
	}
}

func (e *Engine) consumeTicks(ctx context.Context, session *broker.Session, streamErr chan<- error) {
	for {
		tick, err := session.Ticks.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case streamErr <- err:
			default:
			}
			return
		}

		if err := e.aggregator.UpdateTick(tick); err != nil {
			e.logger.Debug().Err(err).Msg("tick rejected")
			continue
		}
		e.manager.EvaluateExit(ctx, tick.Symbol, tick.LTP)
	}
}

func (e *Engine) consumeOrderUpdates(ctx context.Context, session *broker.Session, streamErr chan<- error) {
	for {
		upd, err := session.Orders.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case streamErr <- err:
			default:
			}
			return
		}

		if err := e.manager.HandleOrderUpdate(ctx, upd); err != nil {
			e.logger.Error().Err(err).Str("broker_order_id", upd.BrokerOrderID).Msg("applying order update failed")
		}
	}
}

// resampleLoop derives candles on minute boundaries and watches for
// stale data.
func (e *Engine) resampleLoop(ctx context.Context) {
	now := time.Now()
	next := now.Truncate(time.Minute).Add(time.Minute)
	timer := time.NewTimer(next.Sub(now))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-timer.C:
			if err := e.aggregator.Resample(ctx, t); err != nil {
				e.logger.Error().Err(err).Msg("resample failed")
			}
			if !e.aggregator.IsDataFresh(time.Now()) && e.isConnected() {
				e.logger.Warn().
					Time("last_tick", e.aggregator.LastTickTime()).
					Msg("market data is stale")
			}
			now = time.Now()
			next = now.Truncate(time.Minute).Add(time.Minute)
			timer.Reset(next.Sub(now))
		}
	}
}

func (e *Engine) signalLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-e.signals:
			if !e.aggregator.IsDataFresh(time.Now()) {
				e.logger.Warn().Str("symbol", sig.Symbol).Msg("signal rejected, market data stale")
				continue
			}
			if _, err := e.manager.HandleSignal(ctx, sig); err != nil {
				e.logger.Warn().Err(err).Str("symbol", sig.Symbol).Msg("signal rejected")
			}
		}
	}
}

// resyncOrders replays the broker order book through the normal update
// path so fills reported while disconnected are applied exactly once.
func (e *Engine) resyncOrders(ctx context.Context, session *broker.Session) {
	updates, err := session.Broker.GetOrderBook(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("order book resync failed")
		return
	}
	for _, upd := range updates {
		if err := e.manager.HandleOrderUpdate(ctx, upd); err != nil {
			e.logger.Error().Err(err).Str("broker_order_id", upd.BrokerOrderID).Msg("resync update failed")
		}
	}
}

// CloseAll closes all open positions, used at end of day.
func (e *Engine) CloseAll(ctx context.Context, reason string) {
	e.manager.CloseAllPositions(ctx, reason)
}

// Status reports the engine's current state.
func (e *Engine) Status() Status {
	e.mu.RLock()
	session := e.session
	connected := e.connected
	started := e.startedAt
	lastErr := e.lastError
	e.mu.RUnlock()

	st := Status{
		Connected:     connected,
		LastError:     lastErr,
		DataFresh:     e.aggregator.IsDataFresh(time.Now()),
		LastTickTime:  e.aggregator.LastTickTime(),
		Risk:          e.risk.Snapshot(),
		OpenPositions: e.manager.OpenPositions(),
	}
	if !started.IsZero() {
		st.Uptime = time.Since(started)
	}
	if session != nil {
		st.DroppedTicks = session.Ticks.Dropped()
		st.DroppedOrders = session.Orders.Dropped()
	}
	return st
}

func (e *Engine) setSession(s *broker.Session) {
	e.mu.Lock()
	e.session = s
	e.connected = true
	e.mu.Unlock()
}

func (e *Engine) setLastError(err error) {
	e.mu.Lock()
	e.lastError = err.Error()
	e.mu.Unlock()
}

func (e *Engine) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *Engine) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}
