package models

import "time"

// Signal is a trade intent produced by the strategy layer.
type Signal struct {
	ID         string
	Symbol     string
	Token      string
	Exchange   Exchange
	Side       OrderSide
	Entry      float64
	StopLoss   float64
	TakeProfit float64
	ATR        float64
	Reason     string
	Timestamp  time.Time
}

// Order represents one placement attempt against the broker.
// Immutable after creation except Status, BrokerOrderID and FailureReason.
type Order struct {
	ID            string
	BrokerOrderID string
	Symbol        string
	Token         string
	Exchange      Exchange
	Side          OrderSide
	Quantity      int
	StopLoss      float64
	TakeProfit    float64
	ATRAtEntry    float64
	IsExit        bool // order was created to reduce or close a position
	Status        OrderStatus
	FailureReason string
	CreatedAt     time.Time

	// Cumulative fill state as last reported by the broker.
	FilledQuantity int
	AveragePrice   float64
}

// OrderUpdate is a status/fill event from the broker order stream.
// FilledQuantity and AveragePrice are broker-reported running totals,
// not per-fill deltas.
type OrderUpdate struct {
	BrokerOrderID  string
	Symbol         string
	Status         OrderStatus
	FilledQuantity int
	AveragePrice   float64
	Text           string
	Timestamp      time.Time
}

// Position represents the single open position for a symbol.
type Position struct {
	Symbol        string
	Side          OrderSide
	Quantity      int
	AveragePrice  float64
	CostBasis     float64
	StopLoss      float64
	TakeProfit    float64
	EntryTime     time.Time
	UnrealizedPnL float64

	// Exit progress accumulated across partial exit fills. The realized
	// result is booked as a single trade when the last lot closes.
	ExitQuantity int
	ExitValue    float64
	RealizedPnL  float64
}

// RiskState is the persisted daily risk ledger. Keyed by trading date
// so a restart resumes the day's counters and any active halt.
type RiskState struct {
	Date              string // YYYY-MM-DD
	StartingEquity    float64
	DailyPnL          float64
	ConsecutiveLosses int
	Stopped           bool
	StopReason        string
	Wins              int
	Losses            int
	TotalWinPnL       float64
	TotalLossPnL      float64
}

// HistoricalTrade is the immutable record written when a position closes.
type HistoricalTrade struct {
	ID             string
	Symbol         string
	Side           OrderSide
	Quantity       int
	EntryPrice     float64
	ExitPrice      float64
	PnL            float64
	PnLPercent     float64
	EntryTime      time.Time
	ExitTime       time.Time
	HoldingMinutes float64
}
