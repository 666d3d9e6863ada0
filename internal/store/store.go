// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/Saravanaperu/Webportal-SingleUser/internal/models"
)

// DataStore defines the interface for data persistence.
//
// Every write mirrors an in-memory state change in the order/position
// manager; callers persist first and mutate memory second.
type DataStore interface {
	// Orders
	SaveOrder(ctx context.Context, order *models.Order) error
	UpdateOrder(ctx context.Context, order *models.Order) error
	GetOrders(ctx context.Context, limit int) ([]models.Order, error)

	// Positions
	SavePosition(ctx context.Context, pos *models.Position) error
	UpdatePosition(ctx context.Context, pos *models.Position) error
	DeletePosition(ctx context.Context, symbol string) error
	GetOpenPositions(ctx context.Context) ([]models.Position, error)

	// Historical trades
	SaveTrade(ctx context.Context, trade *models.HistoricalTrade) error
	GetTrades(ctx context.Context, filter TradeFilter) ([]models.HistoricalTrade, error)

	// Risk state
	SaveRiskState(ctx context.Context, state *models.RiskState) error
	GetRiskState(ctx context.Context, date string) (*models.RiskState, error)
	DeleteRiskState(ctx context.Context, date string) error

	// Candles
	SaveCandle(ctx context.Context, candle *models.Candle) error
	HasCandle(ctx context.Context, symbol string, ts time.Time) (bool, error)
	GetCandles(ctx context.Context, symbol string, from, to time.Time) ([]models.Candle, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// TradeFilter represents filters for querying historical trades.
type TradeFilter struct {
	Symbol    string
	StartDate time.Time
	EndDate   time.Time
	Limit     int
}
