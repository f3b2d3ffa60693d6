package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Notification kinds. Status notifications carry health conditions such
// as a capped recovery window and are distinct from fill notifications.
const (
	KindFill      = "fill"
	KindAggregate = "aggregate"
	KindStatus    = "status"
)

// Notification is a rendered message handed to the external transport.
type Notification struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// PendingAggregate accumulates fills of one group while its coalescing
// window is open. It lives only inside the dispatcher goroutine and is
// never persisted: losing one on crash degrades batching, not delivery.
type PendingAggregate struct {
	GroupKey       string
	Coin           string
	Side           string
	Fills          []FillEvent
	TotalSize      float64
	TotalValue     float64
	WindowDeadline time.Time
	Capped         bool
}

// NewPendingAggregate opens a window for the first fill of a group.
func NewPendingAggregate(f FillEvent, deadline time.Time) *PendingAggregate {
	a := &PendingAggregate{
		GroupKey:       f.Group(),
		Coin:           f.Coin,
		Side:           f.Side,
		WindowDeadline: deadline,
	}
	a.Add(f)
	return a
}

// Add folds another fill into the aggregate.
func (a *PendingAggregate) Add(f FillEvent) {
	a.Fills = append(a.Fills, f)
	if f.Capped {
		a.Capped = true
	}
	size := decimal.NewFromFloat(a.TotalSize).Add(decimal.NewFromFloat(f.Size))
	value := decimal.NewFromFloat(a.TotalValue).
		Add(decimal.NewFromFloat(f.Size).Mul(decimal.NewFromFloat(f.Price)))
	a.TotalSize, _ = size.Float64()
	a.TotalValue, _ = value.Float64()
}

// Count returns the number of fills in the open window.
func (a *PendingAggregate) Count() int {
	return len(a.Fills)
}

// VWAP returns the volume-weighted average price across the window.
func (a *PendingAggregate) VWAP() float64 {
	if a.TotalSize == 0 {
		return 0
	}
	v, _ := decimal.NewFromFloat(a.TotalValue).
		Div(decimal.NewFromFloat(a.TotalSize)).Float64()
	return v
}
