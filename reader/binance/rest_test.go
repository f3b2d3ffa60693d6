package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func tradeJSON(id, orderID, tradeTime int64) string {
	return fmt.Sprintf(`{"symbol":"BTCUSDT","id":%d,"orderId":%d,"side":"BUY","price":"50000.0","qty":"0.01","commission":"0.02","commissionAsset":"USDT","time":%d}`,
		id, orderID, tradeTime)
}

// The userTrades endpoint caps pages, and several fills can land on the
// same millisecond. Pages resume by trade id, so siblings of the last
// trade on a full page must still come back on the next one.
func TestSymbolFillsPagesByTradeID(t *testing.T) {
	oldLimit := tradePageLimit
	tradePageLimit = 2
	defer func() { tradePageLimit = oldLimit }()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		switch q.Get("fromId") {
		case "":
			if q.Get("startTime") == "" || q.Get("endTime") == "" {
				t.Errorf("first page missing time window: %s", r.URL.RawQuery)
			}
			// Two trades sharing the boundary millisecond fill the page.
			fmt.Fprintf(w, "[%s,%s]", tradeJSON(1, 10, 1000), tradeJSON(2, 10, 1000))
		case "3":
			// A third trade on the same millisecond, then one past the window end.
			fmt.Fprintf(w, "[%s,%s]", tradeJSON(3, 11, 1000), tradeJSON(4, 12, 2000))
		default:
			t.Errorf("unexpected fromId %q", q.Get("fromId"))
			fmt.Fprint(w, "[]")
		}
	}))
	defer srv.Close()

	cfg := minimalConfig()
	client := NewFuturesClient(cfg)
	client.SetApiEndpoint(srv.URL)
	h := NewHistory(cfg, client)

	fills, err := h.symbolFills(context.Background(), "BTCUSDT", time.UnixMilli(500), time.UnixMilli(1500))
	if err != nil {
		t.Fatalf("symbolFills: %v", err)
	}

	if len(fills) != 3 {
		t.Fatalf("expected 3 fills, got %d", len(fills))
	}
	ids := make([]string, 0, len(fills))
	for _, f := range fills {
		ids = append(ids, f.ExchangeFillID)
	}
	for i, want := range []string{"1", "2", "3"} {
		if ids[i] != want {
			t.Fatalf("expected fill ids [1 2 3], got %v", ids)
		}
	}
}

func TestSymbolFillsStopsOnShortPage(t *testing.T) {
	oldLimit := tradePageLimit
	tradePageLimit = 2
	defer func() { tradePageLimit = oldLimit }()

	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, "[%s]", tradeJSON(7, 20, 1000))
	}))
	defer srv.Close()

	cfg := minimalConfig()
	client := NewFuturesClient(cfg)
	client.SetApiEndpoint(srv.URL)
	h := NewHistory(cfg, client)

	fills, err := h.symbolFills(context.Background(), "BTCUSDT", time.UnixMilli(500), time.UnixMilli(1500))
	if err != nil {
		t.Fatalf("symbolFills: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(fills))
	}
	if requests != 1 {
		t.Fatalf("expected a single request for a short page, got %d", requests)
	}
}
