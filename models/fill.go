package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Fill sources. The stream and the poller feed the same pipeline; the
// recovery source is only used during startup reconciliation.
const (
	SourceStream   = "stream"
	SourcePoller   = "poller"
	SourceRecovery = "recovery"
)

// Order sides as reported by the exchange.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// FillEvent represents one execution (full or partial) of a previously
// placed order. Events are immutable once constructed; only the hash is
// persisted after the event passes through the dispatcher.
type FillEvent struct {
	Coin           string    `json:"coin"`
	Side           string    `json:"side"`
	Size           float64   `json:"size"`
	Price          float64   `json:"price"`
	Fee            float64   `json:"fee"`
	OrderID        string    `json:"order_id"`
	Timestamp      time.Time `json:"timestamp"`
	ExchangeFillID string    `json:"exchange_fill_id,omitempty"`

	// GroupKey ties fills of one multi-order placement together for
	// batching. Empty means the dispatcher falls back to coin+side.
	GroupKey string `json:"group_key,omitempty"`
	Source   string `json:"source"`

	// Capped marks a recovery fill whose replay window was truncated by
	// the max lookback, so the user is told history may be incomplete.
	Capped bool `json:"capped,omitempty"`
}

// Validate checks the fields the pipeline depends on. Exchange fill IDs
// are optional since not every transport carries them.
func (f *FillEvent) Validate() error {
	if f.Coin == "" {
		return fmt.Errorf("%w: missing coin", ErrParse)
	}
	if f.Side != SideBuy && f.Side != SideSell {
		return fmt.Errorf("%w: invalid side %q", ErrParse, f.Side)
	}
	if f.Size <= 0 {
		return fmt.Errorf("%w: non-positive size", ErrParse)
	}
	if f.Price <= 0 {
		return fmt.Errorf("%w: non-positive price", ErrParse)
	}
	if f.OrderID == "" {
		return fmt.Errorf("%w: missing order_id", ErrParse)
	}
	if f.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrParse)
	}
	return nil
}

// Hash returns the deterministic identity used for deduplication. It is
// computed from (coin, order_id, timestamp, size, price) so fills are
// matched across transports that do not carry an exchange fill ID.
func (f *FillEvent) Hash() string {
	key := strings.Join([]string{
		f.Coin,
		f.OrderID,
		strconv.FormatInt(f.Timestamp.UnixMilli(), 10),
		strconv.FormatFloat(f.Size, 'f', -1, 64),
		strconv.FormatFloat(f.Price, 'f', -1, 64),
	}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}

// Value returns the notional value of the fill.
func (f *FillEvent) Value() float64 {
	return f.Size * f.Price
}

// Group returns the dispatcher group key, defaulting to coin+side when
// the exchange did not supply a placement group.
func (f *FillEvent) Group() string {
	if f.GroupKey != "" {
		return f.GroupKey
	}
	return f.Coin + "|" + f.Side
}
