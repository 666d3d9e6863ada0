// Package models provides domain models for the execution engine.
package models

import (
	"time"
)

// Exchange represents a stock exchange segment.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	NFO Exchange = "NFO" // F&O
	MCX Exchange = "MCX" // Commodity
)

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the opposing side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket   OrderType = "MARKET"
	OrderTypeLimit    OrderType = "LIMIT"
	OrderTypeStopLoss OrderType = "STOPLOSS_LIMIT"
)

// ProductType represents the product type of an order.
type ProductType string

const (
	ProductIntraday ProductType = "INTRADAY"
	ProductDelivery ProductType = "DELIVERY"
	ProductCarry    ProductType = "CARRYFORWARD"
)

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusComplete        OrderStatus = "COMPLETE"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusFailed          OrderStatus = "FAILED"
)

// IsTerminal reports whether no further updates are accepted for the status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusComplete, OrderStatusCancelled, OrderStatusRejected, OrderStatusFailed:
		return true
	}
	return false
}

// IsFill reports whether the status carries executed quantity.
func (s OrderStatus) IsFill() bool {
	return s == OrderStatusPartiallyFilled || s == OrderStatusComplete
}

// Tick represents a single price/volume update from the market feed.
type Tick struct {
	Token     string
	Symbol    string
	LTP       float64
	Volume    int64
	Timestamp time.Time
}

// Candle represents OHLCV data for one minute.
type Candle struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// Quote represents a point-in-time market quote.
type Quote struct {
	Symbol    string
	LTP       float64
	Close     float64
	Change    float64
	Timestamp time.Time
}

// LatestPrice is the cached most recent price for a symbol.
type LatestPrice struct {
	Symbol    string
	LTP       float64
	Volume    int64
	Timestamp time.Time
}

// AccountDetails holds account funds as reported by the broker RMS.
type AccountDetails struct {
	Balance       float64
	MarginUsed    float64
	AvailableCash float64
}

// Instrument represents a tradeable instrument.
type Instrument struct {
	Token    string
	Symbol   string
	Exchange Exchange
	LotSize  int
	TickSize float64
	Expiry   time.Time
	Strike   float64
}
