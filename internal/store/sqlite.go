package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Saravanaperu/Webportal-SingleUser/internal/models"
)

// SQLiteStore implements DataStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based data store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Orders table, one row per placement attempt
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		broker_order_id TEXT,
		symbol TEXT NOT NULL,
		token TEXT,
		exchange TEXT,
		side TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		stop_loss REAL,
		take_profit REAL,
		atr_at_entry REAL,
		is_exit INTEGER DEFAULT 0,
		status TEXT NOT NULL,
		failure_reason TEXT,
		filled_quantity INTEGER DEFAULT 0,
		average_price REAL DEFAULT 0,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_orders_broker_id ON orders(broker_order_id);

	-- Open positions, at most one per symbol
	CREATE TABLE IF NOT EXISTS positions (
		symbol TEXT PRIMARY KEY,
		side TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		average_price REAL NOT NULL,
		cost_basis REAL NOT NULL,
		stop_loss REAL,
		take_profit REAL,
		entry_time DATETIME NOT NULL,
		exit_quantity INTEGER DEFAULT 0,
		exit_value REAL DEFAULT 0,
		realized_pnl REAL DEFAULT 0
	);

	-- Historical trades, written once per closed position
	CREATE TABLE IF NOT EXISTS historical_trades (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		pnl REAL NOT NULL,
		pnl_percent REAL,
		entry_time DATETIME NOT NULL,
		exit_time DATETIME NOT NULL,
		holding_minutes REAL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_trades_symbol ON historical_trades(symbol);

	-- Daily risk ledger, one row per trading date
	CREATE TABLE IF NOT EXISTS risk_state (
		date TEXT PRIMARY KEY,
		starting_equity REAL NOT NULL,
		daily_pnl REAL NOT NULL,
		consecutive_losses INTEGER NOT NULL,
		stopped INTEGER NOT NULL,
		stop_reason TEXT,
		wins INTEGER NOT NULL,
		losses INTEGER NOT NULL,
		total_win_pnl REAL NOT NULL,
		total_loss_pnl REAL NOT NULL
	);

	-- One-minute candles resampled from ticks
	CREATE TABLE IF NOT EXISTS candles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(symbol, timestamp)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveOrder inserts a new order.
func (s *SQLiteStore) SaveOrder(ctx context.Context, order *models.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, broker_order_id, symbol, token, exchange, side, quantity,
			stop_loss, take_profit, atr_at_entry, is_exit, status, failure_reason,
			filled_quantity, average_price, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.BrokerOrderID, order.Symbol, order.Token, string(order.Exchange),
		string(order.Side), order.Quantity, order.StopLoss, order.TakeProfit,
		order.ATRAtEntry, boolToInt(order.IsExit), string(order.Status), order.FailureReason,
		order.FilledQuantity, order.AveragePrice, order.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving order %s: %w", order.ID, err)
	}
	return nil
}

// UpdateOrder updates the mutable fields of an order.
func (s *SQLiteStore) UpdateOrder(ctx context.Context, order *models.Order) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders SET broker_order_id = ?, status = ?, failure_reason = ?,
			filled_quantity = ?, average_price = ?
		WHERE id = ?`,
		order.BrokerOrderID, string(order.Status), order.FailureReason,
		order.FilledQuantity, order.AveragePrice, order.ID)
	if err != nil {
		return fmt.Errorf("updating order %s: %w", order.ID, err)
	}
	return nil
}

// GetOrders returns the most recent orders.
func (s *SQLiteStore) GetOrders(ctx context.Context, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, broker_order_id, symbol, token, exchange, side, quantity,
			stop_loss, take_profit, atr_at_entry, is_exit, status, failure_reason,
			filled_quantity, average_price, created_at
		FROM orders ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var o models.Order
		var exchange, side, status string
		var brokerID, reason sql.NullString
		var isExit int
		if err := rows.Scan(&o.ID, &brokerID, &o.Symbol, &o.Token, &exchange, &side,
			&o.Quantity, &o.StopLoss, &o.TakeProfit, &o.ATRAtEntry, &isExit, &status, &reason,
			&o.FilledQuantity, &o.AveragePrice, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		o.IsExit = isExit != 0
		o.BrokerOrderID = brokerID.String
		o.FailureReason = reason.String
		o.Exchange = models.Exchange(exchange)
		o.Side = models.OrderSide(side)
		o.Status = models.OrderStatus(status)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// SavePosition inserts a new open position.
func (s *SQLiteStore) SavePosition(ctx context.Context, pos *models.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (symbol, side, quantity, average_price, cost_basis,
			stop_loss, take_profit, entry_time, exit_quantity, exit_value, realized_pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pos.Symbol, string(pos.Side), pos.Quantity, pos.AveragePrice, pos.CostBasis,
		pos.StopLoss, pos.TakeProfit, pos.EntryTime,
		pos.ExitQuantity, pos.ExitValue, pos.RealizedPnL)
	if err != nil {
		return fmt.Errorf("saving position %s: %w", pos.Symbol, err)
	}
	return nil
}

// UpdatePosition updates an open position in place.
func (s *SQLiteStore) UpdatePosition(ctx context.Context, pos *models.Position) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE positions SET side = ?, quantity = ?, average_price = ?, cost_basis = ?,
			stop_loss = ?, take_profit = ?, exit_quantity = ?, exit_value = ?, realized_pnl = ?
		WHERE symbol = ?`,
		string(pos.Side), pos.Quantity, pos.AveragePrice, pos.CostBasis,
		pos.StopLoss, pos.TakeProfit, pos.ExitQuantity, pos.ExitValue, pos.RealizedPnL,
		pos.Symbol)
	if err != nil {
		return fmt.Errorf("updating position %s: %w", pos.Symbol, err)
	}
	return nil
}

// DeletePosition removes a closed position.
func (s *SQLiteStore) DeletePosition(ctx context.Context, symbol string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, symbol)
	if err != nil {
		return fmt.Errorf("deleting position %s: %w", symbol, err)
	}
	return nil
}

// GetOpenPositions returns all open positions.
func (s *SQLiteStore) GetOpenPositions(ctx context.Context) ([]models.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, side, quantity, average_price, cost_basis,
			stop_loss, take_profit, entry_time, exit_quantity, exit_value, realized_pnl
		FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("querying positions: %w", err)
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		var p models.Position
		var side string
		if err := rows.Scan(&p.Symbol, &side, &p.Quantity, &p.AveragePrice,
			&p.CostBasis, &p.StopLoss, &p.TakeProfit, &p.EntryTime,
			&p.ExitQuantity, &p.ExitValue, &p.RealizedPnL); err != nil {
			return nil, fmt.Errorf("scanning position: %w", err)
		}
		p.Side = models.OrderSide(side)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// SaveTrade inserts a historical trade record.
func (s *SQLiteStore) SaveTrade(ctx context.Context, trade *models.HistoricalTrade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO historical_trades (id, symbol, side, quantity, entry_price,
			exit_price, pnl, pnl_percent, entry_time, exit_time, holding_minutes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trade.ID, trade.Symbol, string(trade.Side), trade.Quantity, trade.EntryPrice,
		trade.ExitPrice, trade.PnL, trade.PnLPercent, trade.EntryTime, trade.ExitTime,
		trade.HoldingMinutes)
	if err != nil {
		return fmt.Errorf("saving trade %s: %w", trade.ID, err)
	}
	return nil
}

// GetTrades returns historical trades matching the filter.
func (s *SQLiteStore) GetTrades(ctx context.Context, filter TradeFilter) ([]models.HistoricalTrade, error) {
	query := `
		SELECT id, symbol, side, quantity, entry_price, exit_price, pnl,
			pnl_percent, entry_time, exit_time, holding_minutes
		FROM historical_trades WHERE 1=1`
	var args []interface{}

	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if !filter.StartDate.IsZero() {
		query += " AND exit_time >= ?"
		args = append(args, filter.StartDate)
	}
	if !filter.EndDate.IsZero() {
		query += " AND exit_time <= ?"
		args = append(args, filter.EndDate)
	}
	query += " ORDER BY exit_time DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying trades: %w", err)
	}
	defer rows.Close()

	var trades []models.HistoricalTrade
	for rows.Next() {
		var t models.HistoricalTrade
		var side string
		if err := rows.Scan(&t.ID, &t.Symbol, &side, &t.Quantity, &t.EntryPrice,
			&t.ExitPrice, &t.PnL, &t.PnLPercent, &t.EntryTime, &t.ExitTime,
			&t.HoldingMinutes); err != nil {
			return nil, fmt.Errorf("scanning trade: %w", err)
		}
		t.Side = models.OrderSide(side)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// SaveRiskState upserts the daily risk ledger row.
func (s *SQLiteStore) SaveRiskState(ctx context.Context, state *models.RiskState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO risk_state (date, starting_equity, daily_pnl,
			consecutive_losses, stopped, stop_reason, wins, losses,
			total_win_pnl, total_loss_pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.Date, state.StartingEquity, state.DailyPnL, state.ConsecutiveLosses,
		boolToInt(state.Stopped), state.StopReason, state.Wins, state.Losses,
		state.TotalWinPnL, state.TotalLossPnL)
	if err != nil {
		return fmt.Errorf("saving risk state for %s: %w", state.Date, err)
	}
	return nil
}

// GetRiskState returns the risk ledger for a date, or nil if absent.
func (s *SQLiteStore) GetRiskState(ctx context.Context, date string) (*models.RiskState, error) {
	var st models.RiskState
	var stopped int
	var reason sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT date, starting_equity, daily_pnl, consecutive_losses, stopped,
			stop_reason, wins, losses, total_win_pnl, total_loss_pnl
		FROM risk_state WHERE date = ?`, date).
		Scan(&st.Date, &st.StartingEquity, &st.DailyPnL, &st.ConsecutiveLosses,
			&stopped, &reason, &st.Wins, &st.Losses, &st.TotalWinPnL, &st.TotalLossPnL)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading risk state for %s: %w", date, err)
	}
	st.Stopped = stopped != 0
	st.StopReason = reason.String
	return &st, nil
}

// DeleteRiskState removes the ledger row for a date.
func (s *SQLiteStore) DeleteRiskState(ctx context.Context, date string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM risk_state WHERE date = ?`, date)
	if err != nil {
		return fmt.Errorf("deleting risk state for %s: %w", date, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SaveCandle inserts a candle. The UNIQUE(symbol, timestamp) constraint
// makes re-derivation of the same minute a no-op.
func (s *SQLiteStore) SaveCandle(ctx context.Context, candle *models.Candle) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO candles (symbol, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		candle.Symbol, candle.Timestamp.UTC(), candle.Open, candle.High, candle.Low,
		candle.Close, candle.Volume)
	if err != nil {
		return fmt.Errorf("saving candle %s@%s: %w", candle.Symbol, candle.Timestamp, err)
	}
	return nil
}

// HasCandle reports whether a candle exists for the symbol and minute.
func (s *SQLiteStore) HasCandle(ctx context.Context, symbol string, ts time.Time) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM candles WHERE symbol = ? AND timestamp = ?`,
		symbol, ts.UTC()).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking candle %s@%s: %w", symbol, ts, err)
	}
	return count > 0, nil
}

// GetCandles returns candles for a symbol within a time range.
func (s *SQLiteStore) GetCandles(ctx context.Context, symbol string, from, to time.Time) ([]models.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, timestamp, open, high, low, close, volume
		FROM candles WHERE symbol = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC`,
		symbol, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying candles: %w", err)
	}
	defer rows.Close()

	var candles []models.Candle
	for rows.Next() {
		var c models.Candle
		if err := rows.Scan(&c.Symbol, &c.Timestamp, &c.Open, &c.High, &c.Low,
			&c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("scanning candle: %w", err)
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// Ping verifies the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ensure SQLiteStore implements DataStore
var _ DataStore = (*SQLiteStore)(nil)
