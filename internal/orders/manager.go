// Package orders implements the order and position lifecycle.
package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Saravanaperu/Webportal-SingleUser/internal/broker"
	apierrors "github.com/Saravanaperu/Webportal-SingleUser/internal/errors"
	"github.com/Saravanaperu/Webportal-SingleUser/internal/models"
	"github.com/Saravanaperu/Webportal-SingleUser/internal/risk"
	"github.com/Saravanaperu/Webportal-SingleUser/internal/store"
)

// Notifier delivers human-facing trade notifications. Failures are the
// notifier's problem; the manager never blocks on it.
type Notifier interface {
	Notify(ctx context.Context, message string)
}

// Manager owns order and position state. All mutations happen under a
// single mutex; every state change is persisted before the in-memory
// copy is updated, so a crash can lose at most the change in flight.
type Manager struct {
	broker   broker.Broker
	store    store.DataStore
	risk     *risk.Engine
	notifier Notifier
	logger   zerolog.Logger
	product  models.ProductType

	mu        sync.Mutex
	orders    map[string]*models.Order // keyed by internal order ID
	byBroker  map[string]string        // broker order ID -> internal ID
	positions map[string]*models.Position
}

// NewManager creates an order manager.
func NewManager(b broker.Broker, st store.DataStore, r *risk.Engine, n Notifier, product models.ProductType, logger zerolog.Logger) *Manager {
	return &Manager{
		broker:    b,
		store:     st,
		risk:      r,
		notifier:  n,
		logger:    logger.With().Str("component", "orders").Logger(),
		product:   product,
		orders:    make(map[string]*models.Order),
		byBroker:  make(map[string]string),
		positions: make(map[string]*models.Position),
	}
}

// SetBroker swaps the broker after a reconnect produced a new session.
func (m *Manager) SetBroker(b broker.Broker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broker = b
}

// Restore loads open positions from the store. Called once at startup
// so a restart resumes managing positions opened earlier in the day.
func (m *Manager) Restore(ctx context.Context) error {
	positions, err := m.store.GetOpenPositions(ctx)
	if err != nil {
		return apierrors.Wrap(err, "restoring positions")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range positions {
		p := positions[i]
		m.positions[p.Symbol] = &p
		m.logger.Info().
			Str("symbol", p.Symbol).
			Int("quantity", p.Quantity).
			Float64("avg_price", p.AveragePrice).
			Msg("restored open position")
	}
	return nil
}

// HandleSignal validates a trade signal, sizes it, and submits the
// entry order. Rejected when trading is halted, when the symbol already
// has an open position, or when sizing produces zero quantity.
func (m *Manager) HandleSignal(ctx context.Context, sig models.Signal) (*models.Order, error) {
	if !m.risk.CanPlaceTrade() {
		return nil, apierrors.ErrTradingHalted
	}

	m.mu.Lock()
	_, exists := m.positions[sig.Symbol]
	m.mu.Unlock()
	if exists {
		return nil, apierrors.Wrapf(apierrors.ErrPositionExists, "signal for %s rejected", sig.Symbol)
	}

	account, err := m.broker.GetAccountDetails(ctx)
	if err != nil {
		return nil, apierrors.Wrap(err, "fetching account equity for sizing")
	}

	qty := m.risk.CalculatePositionSize(account.AvailableCash, sig.Entry, sig.StopLoss, sig.ATR)
	if qty <= 0 {
		return nil, apierrors.NewOrderError("", sig.Symbol, "size",
			fmt.Sprintf("position size is zero (equity %.2f, entry %.2f, stop %.2f)",
				account.AvailableCash, sig.Entry, sig.StopLoss), nil)
	}

	order := &models.Order{
		ID:         uuid.NewString(),
		Symbol:     sig.Symbol,
		Token:      sig.Token,
		Exchange:   sig.Exchange,
		Side:       sig.Side,
		Quantity:   qty,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		ATRAtEntry: sig.ATR,
		Status:     models.OrderStatusPending,
		CreatedAt:  time.Now(),
	}

	if err := m.store.SaveOrder(ctx, order); err != nil {
		return nil, apierrors.Wrap(err, "persisting order")
	}
	m.mu.Lock()
	m.orders[order.ID] = order
	m.mu.Unlock()

	result, err := m.broker.PlaceOrder(ctx, broker.OrderParams{
		Symbol:    order.Symbol,
		Token:     order.Token,
		Exchange:  order.Exchange,
		Side:      order.Side,
		OrderType: models.OrderTypeMarket,
		Product:   m.product,
		Quantity:  order.Quantity,
	})
	if err != nil {
		m.failOrder(ctx, order, err.Error())
		return nil, apierrors.NewOrderError(order.ID, order.Symbol, "place", "broker rejected order", err)
	}

	// Register the broker id before the store write so a fill arriving
	// in that window is not dropped as unknown
	m.mu.Lock()
	order.BrokerOrderID = result.BrokerOrderID
	order.Status = models.OrderStatusSubmitted
	m.byBroker[result.BrokerOrderID] = order.ID
	updated := *order
	m.mu.Unlock()

	if err := m.store.UpdateOrder(ctx, &updated); err != nil {
		m.logger.Error().Err(err).Str("order_id", order.ID).Msg("persisting submitted order failed")
	}

	m.logger.Info().
		Str("order_id", order.ID).
		Str("broker_order_id", result.BrokerOrderID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Int("quantity", qty).
		Msg("entry order submitted")

	return order, nil
}

// HandleOrderUpdate applies a broker order update. Fill quantities in
// the update are running totals, so the executed delta is the
// difference against the last applied state. Updates for unknown or
// already terminal orders are ignored.
func (m *Manager) HandleOrderUpdate(ctx context.Context, upd models.OrderUpdate) error {
	m.mu.Lock()
	id, ok := m.byBroker[upd.BrokerOrderID]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug().Str("broker_order_id", upd.BrokerOrderID).Msg("update for unknown order, ignoring")
		return nil
	}
	order := m.orders[id]
	if order.Status.IsTerminal() {
		m.mu.Unlock()
		return nil
	}

	prevFilled := order.FilledQuantity
	prevAvg := order.AveragePrice
	m.mu.Unlock()

	delta := upd.FilledQuantity - prevFilled
	if delta < 0 {
		// Out of order delivery; the broker never unreports a fill
		m.logger.Warn().
			Str("broker_order_id", upd.BrokerOrderID).
			Int("reported", upd.FilledQuantity).
			Int("applied", prevFilled).
			Msg("stale fill report, ignoring")
		return nil
	}

	updated := *order
	updated.Status = upd.Status
	updated.FilledQuantity = upd.FilledQuantity
	if upd.AveragePrice > 0 {
		updated.AveragePrice = upd.AveragePrice
	}
	if upd.Status == models.OrderStatusRejected || upd.Status == models.OrderStatusFailed {
		updated.FailureReason = upd.Text
	}

	if err := m.store.UpdateOrder(ctx, &updated); err != nil {
		return apierrors.Wrap(err, "persisting order update")
	}

	m.mu.Lock()
	*order = updated
	if updated.Status.IsTerminal() && !updated.Status.IsFill() {
		// Cancelled and rejected orders leave the active index; no
		// position was touched and no further updates are expected
		delete(m.byBroker, upd.BrokerOrderID)
	}
	m.mu.Unlock()

	if upd.Status.IsFill() && delta > 0 {
		// Price of just this delta, backed out of the running totals
		deltaPrice := upd.AveragePrice
		if delta != upd.FilledQuantity && upd.AveragePrice > 0 {
			deltaValue := upd.AveragePrice*float64(upd.FilledQuantity) - prevAvg*float64(prevFilled)
			deltaPrice = deltaValue / float64(delta)
		}
		if err := m.applyFill(ctx, order, delta, deltaPrice); err != nil {
			return err
		}
	}

	if upd.Status == models.OrderStatusRejected {
		m.logger.Warn().
			Str("order_id", order.ID).
			Str("symbol", order.Symbol).
			Str("reason", upd.Text).
			Msg("order rejected by broker")
	}
	return nil
}

// applyFill routes an executed delta to position entry or exit. A fill
// whose side opposes the open position reduces it; anything else opens
// or extends. Fills on orders created as exits never open a position.
func (m *Manager) applyFill(ctx context.Context, order *models.Order, delta int, price float64) error {
	m.mu.Lock()
	pos, exists := m.positions[order.Symbol]
	isExit := order.IsExit || (exists && pos.Side == order.Side.Opposite())
	m.mu.Unlock()

	if !isExit {
		return m.applyEntryFill(ctx, order, delta, price)
	}
	if !exists {
		m.logger.Warn().
			Str("order_id", order.ID).
			Str("symbol", order.Symbol).
			Int("delta", delta).
			Msg("exit fill with no open position, dropping")
		return nil
	}
	return m.applyExitFill(ctx, order, delta, price)
}

func (m *Manager) applyEntryFill(ctx context.Context, order *models.Order, delta int, price float64) error {
	m.mu.Lock()
	pos, exists := m.positions[order.Symbol]
	var updated models.Position
	if exists {
		updated = *pos
		updated.Quantity += delta
		updated.CostBasis += price * float64(delta)
		updated.AveragePrice = updated.CostBasis / float64(updated.Quantity)
	} else {
		updated = models.Position{
			Symbol:       order.Symbol,
			Side:         order.Side,
			Quantity:     delta,
			AveragePrice: price,
			CostBasis:    price * float64(delta),
			StopLoss:     order.StopLoss,
			TakeProfit:   order.TakeProfit,
			EntryTime:    time.Now(),
		}
	}
	m.mu.Unlock()

	var err error
	if exists {
		err = m.store.UpdatePosition(ctx, &updated)
	} else {
		err = m.store.SavePosition(ctx, &updated)
	}
	if err != nil {
		return apierrors.Wrap(err, "persisting position")
	}

	m.mu.Lock()
	if exists {
		*pos = updated
	} else {
		p := updated
		m.positions[order.Symbol] = &p
	}
	m.mu.Unlock()

	m.logger.Info().
		Str("symbol", updated.Symbol).
		Str("side", string(updated.Side)).
		Int("quantity", updated.Quantity).
		Float64("avg_price", updated.AveragePrice).
		Msg("position entry fill")

	if !exists {
		m.sendNotification(ctx, fmt.Sprintf("Opened %s %s x%d @ %.2f",
			updated.Side, updated.Symbol, updated.Quantity, updated.AveragePrice))
	}
	return nil
}

func (m *Manager) applyExitFill(ctx context.Context, order *models.Order, delta int, price float64) error {
	m.mu.Lock()
	pos, exists := m.positions[order.Symbol]
	if !exists {
		m.mu.Unlock()
		return apierrors.Wrapf(apierrors.ErrPositionNotFound, "exit fill for %s", order.Symbol)
	}

	if delta > pos.Quantity {
		m.logger.Warn().
			Str("symbol", order.Symbol).
			Int("fill", delta).
			Int("position", pos.Quantity).
			Msg("exit fill exceeds position, clamping")
		delta = pos.Quantity
	}

	pnlPerUnit := price - pos.AveragePrice
	if pos.Side == models.OrderSideSell {
		pnlPerUnit = pos.AveragePrice - price
	}
	pnl := pnlPerUnit * float64(delta)

	updated := *pos
	updated.Quantity -= delta
	updated.CostBasis = updated.AveragePrice * float64(updated.Quantity)
	updated.ExitQuantity += delta
	updated.ExitValue += price * float64(delta)
	updated.RealizedPnL += pnl
	closed := updated.Quantity == 0
	entry := *pos
	m.mu.Unlock()

	if closed {
		// The trade record covers the whole position, not just the
		// final delta, so fold in the earlier partial exits
		totalQty := updated.ExitQuantity
		totalPnL := updated.RealizedPnL
		exitPrice := price
		if totalQty > 0 {
			exitPrice = updated.ExitValue / float64(totalQty)
		}

		trade := &models.HistoricalTrade{
			ID:             uuid.NewString(),
			Symbol:         entry.Symbol,
			Side:           entry.Side,
			Quantity:       totalQty,
			EntryPrice:     entry.AveragePrice,
			ExitPrice:      exitPrice,
			PnL:            totalPnL,
			EntryTime:      entry.EntryTime,
			ExitTime:       time.Now(),
			HoldingMinutes: time.Since(entry.EntryTime).Minutes(),
		}
		if cost := entry.AveragePrice * float64(totalQty); cost > 0 {
			trade.PnLPercent = totalPnL / cost * 100
		}

		if err := m.store.SaveTrade(ctx, trade); err != nil {
			return apierrors.Wrap(err, "persisting closed trade")
		}
		if err := m.store.DeletePosition(ctx, entry.Symbol); err != nil {
			return apierrors.Wrap(err, "removing closed position")
		}

		m.mu.Lock()
		delete(m.positions, entry.Symbol)
		m.mu.Unlock()

		// One trade result per closed position, regardless of how many
		// exit fills it took
		m.recordTradeResult(ctx, trade.PnL)

		m.logger.Info().
			Str("symbol", entry.Symbol).
			Float64("pnl", trade.PnL).
			Float64("exit_price", trade.ExitPrice).
			Msg("position closed")
		m.sendNotification(ctx, fmt.Sprintf("Closed %s: PnL %.2f", entry.Symbol, trade.PnL))
		return nil
	}

	if err := m.store.UpdatePosition(ctx, &updated); err != nil {
		return apierrors.Wrap(err, "persisting partial exit")
	}

	m.mu.Lock()
	*pos = updated
	m.mu.Unlock()

	m.logger.Info().
		Str("symbol", updated.Symbol).
		Int("remaining", updated.Quantity).
		Float64("realized_pnl", updated.RealizedPnL).
		Msg("partial exit fill")
	return nil
}

// recordTradeResult feeds the realized result to the risk engine and
// announces the halt if this trade tripped it.
func (m *Manager) recordTradeResult(ctx context.Context, pnl float64) {
	wasHalted := m.risk.IsTradingStopped()
	m.risk.RecordTrade(pnl)
	if !wasHalted && m.risk.IsTradingStopped() {
		m.logger.Warn().Str("reason", m.risk.StopReason()).Msg("risk engine halted trading")
		m.sendNotification(ctx, "Trading halted: "+m.risk.StopReason())
	}
}

// ClosePosition submits a market order for the opposite side of the
// open position. Exits are always allowed, halted or not.
func (m *Manager) ClosePosition(ctx context.Context, symbol, reason string) error {
	m.mu.Lock()
	pos, exists := m.positions[symbol]
	if !exists {
		m.mu.Unlock()
		return apierrors.Wrapf(apierrors.ErrPositionNotFound, "close %s", symbol)
	}
	// One exit in flight per symbol; every breaching tick between
	// submission and fill would otherwise place another full-size order
	for _, o := range m.orders {
		if o.Symbol == symbol && o.IsExit && !o.Status.IsTerminal() {
			m.mu.Unlock()
			m.logger.Debug().Str("symbol", symbol).Str("order_id", o.ID).Msg("exit already in flight")
			return nil
		}
	}
	snapshot := *pos
	m.mu.Unlock()

	order := &models.Order{
		ID:        uuid.NewString(),
		Symbol:    snapshot.Symbol,
		Side:      snapshot.Side.Opposite(),
		Quantity:  snapshot.Quantity,
		IsExit:    true,
		Status:    models.OrderStatusPending,
		CreatedAt: time.Now(),
	}

	// Token and exchange come from the entry order when available
	m.mu.Lock()
	for _, o := range m.orders {
		if o.Symbol == symbol && o.Side == snapshot.Side {
			order.Token = o.Token
			order.Exchange = o.Exchange
		}
	}
	m.mu.Unlock()

	if err := m.store.SaveOrder(ctx, order); err != nil {
		return apierrors.Wrap(err, "persisting exit order")
	}
	m.mu.Lock()
	m.orders[order.ID] = order
	m.mu.Unlock()

	result, err := m.broker.PlaceOrder(ctx, broker.OrderParams{
		Symbol:    order.Symbol,
		Token:     order.Token,
		Exchange:  order.Exchange,
		Side:      order.Side,
		OrderType: models.OrderTypeMarket,
		Product:   m.product,
		Quantity:  order.Quantity,
	})
	if err != nil {
		m.failOrder(ctx, order, err.Error())
		return apierrors.NewOrderError(order.ID, symbol, "close", "broker rejected exit order", err)
	}

	m.mu.Lock()
	order.BrokerOrderID = result.BrokerOrderID
	order.Status = models.OrderStatusSubmitted
	m.byBroker[result.BrokerOrderID] = order.ID
	updated := *order
	m.mu.Unlock()

	if err := m.store.UpdateOrder(ctx, &updated); err != nil {
		m.logger.Error().Err(err).Str("order_id", order.ID).Msg("persisting exit order failed")
	}

	m.logger.Info().
		Str("symbol", symbol).
		Str("reason", reason).
		Int("quantity", order.Quantity).
		Msg("exit order submitted")
	return nil
}

// CloseAllPositions closes every open position, used at end of day and
// when the risk engine halts trading.
func (m *Manager) CloseAllPositions(ctx context.Context, reason string) {
	m.mu.Lock()
	symbols := make([]string, 0, len(m.positions))
	for s := range m.positions {
		symbols = append(symbols, s)
	}
	m.mu.Unlock()

	for _, s := range symbols {
		if err := m.ClosePosition(ctx, s, reason); err != nil {
			m.logger.Error().Err(err).Str("symbol", s).Msg("closing position failed")
		}
	}
}

// EvaluateExit marks the position to market and closes it when the
// latest price breaches its stop or target.
func (m *Manager) EvaluateExit(ctx context.Context, symbol string, ltp float64) {
	m.mu.Lock()
	pos, exists := m.positions[symbol]
	if !exists {
		m.mu.Unlock()
		return
	}
	if pos.Side == models.OrderSideBuy {
		pos.UnrealizedPnL = (ltp - pos.AveragePrice) * float64(pos.Quantity)
	} else {
		pos.UnrealizedPnL = (pos.AveragePrice - ltp) * float64(pos.Quantity)
	}
	snapshot := *pos
	m.mu.Unlock()

	var reason string
	if snapshot.Side == models.OrderSideBuy {
		switch {
		case snapshot.StopLoss > 0 && ltp <= snapshot.StopLoss:
			reason = "stop loss"
		case snapshot.TakeProfit > 0 && ltp >= snapshot.TakeProfit:
			reason = "take profit"
		}
	} else {
		switch {
		case snapshot.StopLoss > 0 && ltp >= snapshot.StopLoss:
			reason = "stop loss"
		case snapshot.TakeProfit > 0 && ltp <= snapshot.TakeProfit:
			reason = "take profit"
		}
	}
	if reason == "" {
		return
	}

	if err := m.ClosePosition(ctx, symbol, reason); err != nil {
		m.logger.Error().Err(err).Str("symbol", symbol).Str("reason", reason).Msg("exit trigger failed")
	}
}

// UpdatePositionStop moves the stop of an open position, used for
// trailing stops. The stop only moves in the position's favor.
func (m *Manager) UpdatePositionStop(ctx context.Context, symbol string, newStop float64) error {
	m.mu.Lock()
	pos, exists := m.positions[symbol]
	if !exists {
		m.mu.Unlock()
		return apierrors.Wrapf(apierrors.ErrPositionNotFound, "trail %s", symbol)
	}

	improves := (pos.Side == models.OrderSideBuy && newStop > pos.StopLoss) ||
		(pos.Side == models.OrderSideSell && (pos.StopLoss == 0 || newStop < pos.StopLoss))
	if !improves {
		m.mu.Unlock()
		return nil
	}

	updated := *pos
	updated.StopLoss = newStop
	m.mu.Unlock()

	if err := m.store.UpdatePosition(ctx, &updated); err != nil {
		return apierrors.Wrap(err, "persisting stop update")
	}

	m.mu.Lock()
	*pos = updated
	m.mu.Unlock()

	m.logger.Info().Str("symbol", symbol).Float64("stop", newStop).Msg("stop updated")
	return nil
}

// OpenPositions returns a snapshot of all open positions.
func (m *Manager) OpenPositions() []models.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out
}

// HasPosition reports whether the symbol has an open position.
func (m *Manager) HasPosition(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.positions[symbol]
	return ok
}

// failOrder marks an order failed and persists the reason.
func (m *Manager) failOrder(ctx context.Context, order *models.Order, reason string) {
	updated := *order
	updated.Status = models.OrderStatusFailed
	updated.FailureReason = reason
	if err := m.store.UpdateOrder(ctx, &updated); err != nil {
		m.logger.Error().Err(err).Str("order_id", order.ID).Msg("persisting failed order")
	}
	m.mu.Lock()
	*order = updated
	m.mu.Unlock()
}

func (m *Manager) sendNotification(ctx context.Context, message string) {
	if m.notifier == nil {
		return
	}
	m.notifier.Notify(ctx, message)
}
