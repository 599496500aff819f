package db

import "time"

// Order is the persisted row for a tracked exchange action.
type Order struct {
	ID              string
	IdempotencyKey  string
	Role            string
	Instrument      string
	Side            string
	OrderType       string
	Price           float64
	Qty             float64
	FilledQty       float64
	AvgFillPrice    float64
	Status          string
	ExchangeOrderID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Fill is one applied execution; fill_id is the venue's unique execution id
// so replays of the same event insert-or-ignore.
type Fill struct {
	FillID     string
	OrderID    string
	Instrument string
	Side       string
	Qty        float64
	Price      float64
	Fee        float64
	CreatedAt  time.Time
}

// Position is the persisted ledger row for one instrument.
type Position struct {
	Instrument  string
	Qty         float64
	AvgPrice    float64
	RealizedPnL float64
	UpdatedAt   time.Time
}

// CycleAudit records one orchestration cycle: which roles ran, what they
// asked for, and what the gateway decided. Entries is a JSON array.
type CycleAudit struct {
	ID         int64
	CycleID    string
	InstanceID string
	StartedAt  time.Time
	FinishedAt time.Time
	Entries    string
}
