// Package broker provides broker integration interfaces and implementations.
package broker

import (
	"context"
	"time"

	"github.com/Saravanaperu/Webportal-SingleUser/internal/models"
)

// Broker defines the interface for broker operations.
type Broker interface {
	// Authentication
	Login(ctx context.Context) (*Tokens, error)
	Logout(ctx context.Context) error
	IsAuthenticated() bool

	// Account
	GetAccountDetails(ctx context.Context) (*models.AccountDetails, error)

	// Orders
	PlaceOrder(ctx context.Context, params OrderParams) (*OrderResult, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	GetOrderBook(ctx context.Context) ([]models.OrderUpdate, error)

	// Positions
	GetPositions(ctx context.Context) ([]models.Position, error)

	// Market Data
	GetQuote(ctx context.Context, exchange models.Exchange, token string) (*models.Quote, error)
	GetHistorical(ctx context.Context, req HistoricalRequest) ([]models.Candle, error)
}

// TickStream delivers market ticks through a bounded internal queue.
// The connection owns a reader goroutine; consumers drain via Receive.
type TickStream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, tokens []SubscriptionToken) error
	Receive(ctx context.Context) (models.Tick, error)
	Dropped() uint64
	Close() error
}

// OrderStream delivers broker order updates the same way.
type OrderStream interface {
	Connect(ctx context.Context) error
	Receive(ctx context.Context) (models.OrderUpdate, error)
	Dropped() uint64
	Close() error
}

// SubscriptionToken identifies an instrument on the tick feed.
type SubscriptionToken struct {
	Exchange models.Exchange
	Token    string
	Symbol   string
}

// Tokens holds the session tokens returned on login.
type Tokens struct {
	JWT     string
	Refresh string
	Feed    string
}

// OrderParams represents the parameters for placing an order.
type OrderParams struct {
	Symbol    string
	Token     string
	Exchange  models.Exchange
	Side      models.OrderSide
	OrderType models.OrderType
	Product   models.ProductType
	Quantity  int
	Price     float64 // 0 for market orders
}

// OrderResult represents the result of placing an order.
type OrderResult struct {
	BrokerOrderID string
	Status        models.OrderStatus
}

// HistoricalRequest represents a request for historical candle data.
type HistoricalRequest struct {
	Exchange models.Exchange
	Token    string
	Interval string // ONE_MINUTE, FIVE_MINUTE, ONE_DAY
	From     time.Time
	To       time.Time
}
