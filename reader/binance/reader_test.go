package binance

import (
	"context"
	"errors"
	"testing"
	"time"

	appconfig "fillwatch/config"
	"fillwatch/internal/channel"
	"fillwatch/models"

	futures "github.com/adshao/go-binance/v2/futures"
)

func minimalConfig() *appconfig.Config {
	return &appconfig.Config{
		Stream: appconfig.StreamConfig{
			Enabled:            true,
			URL:                "wss://example.com",
			ReconnectBaseDelay: time.Second,
			ReconnectMaxDelay:  time.Minute,
			StableResetAfter:   time.Minute,
			SilenceTimeout:     time.Minute,
			KeepaliveInterval:  time.Minute,
		},
		Exchange: appconfig.ExchangeConfig{
			Symbols:     []string{"BTCUSDT"},
			RESTTimeout: time.Second,
			ConnectionPool: appconfig.ConnectionPoolConfig{
				MaxIdleConns:    1,
				MaxConnsPerHost: 1,
				IdleConnTimeout: time.Second,
			},
		},
	}
}

func TestNewReaders(t *testing.T) {
	cfg := minimalConfig()
	client := NewFuturesClient(cfg)
	if client == nil {
		t.Fatal("NewFuturesClient returned nil")
	}
	ch := channel.NewChannels(1, 1)
	if s := NewStream(cfg, ch, nil, client); s == nil {
		t.Fatal("NewStream returned nil")
	}
	if h := NewHistory(cfg, client); h == nil {
		t.Fatal("NewHistory returned nil")
	}
}

func TestStartRejectsDisabledStream(t *testing.T) {
	cfg := minimalConfig()
	cfg.Stream.Enabled = false
	s := NewStream(cfg, channel.NewChannels(1, 1), nil, NewFuturesClient(cfg))

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error when stream is disabled")
	}
}

func TestFillFromOrderUpdate(t *testing.T) {
	o := &orderUpdate{
		Symbol:        "ETHUSDT",
		Side:          "SELL",
		ExecutionType: "TRADE",
		OrderID:       991,
		LastFilledQty: "2.5",
		LastPrice:     "3100.25",
		Commission:    "0.31",
		TradeTime:     1700000000000,
		TradeID:       12345,
	}

	fill, err := fillFromOrderUpdate(o)
	if err != nil {
		t.Fatalf("fillFromOrderUpdate: %v", err)
	}
	if fill.Coin != "ETHUSDT" || fill.Side != models.SideSell {
		t.Errorf("unexpected coin/side: %s/%s", fill.Coin, fill.Side)
	}
	if fill.Size != 2.5 || fill.Price != 3100.25 || fill.Fee != 0.31 {
		t.Errorf("unexpected numeric fields: %v %v %v", fill.Size, fill.Price, fill.Fee)
	}
	if fill.OrderID != "991" || fill.ExchangeFillID != "12345" {
		t.Errorf("unexpected ids: %s/%s", fill.OrderID, fill.ExchangeFillID)
	}
	if fill.Source != models.SourceStream {
		t.Errorf("unexpected source: %s", fill.Source)
	}
	if fill.Timestamp.UnixMilli() != 1700000000000 {
		t.Errorf("unexpected timestamp: %s", fill.Timestamp)
	}
}

func TestFillFromOrderUpdateRejectsBadFields(t *testing.T) {
	o := &orderUpdate{
		Symbol:        "ETHUSDT",
		Side:          "SELL",
		ExecutionType: "TRADE",
		LastFilledQty: "not-a-number",
		LastPrice:     "3100.25",
		TradeTime:     1700000000000,
	}

	if _, err := fillFromOrderUpdate(o); !errors.Is(err, models.ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
}

func TestHandleMessageForwardsOnlyTrades(t *testing.T) {
	cfg := minimalConfig()
	ch := channel.NewChannels(10, 10)
	s := NewStream(cfg, ch, nil, NewFuturesClient(cfg))
	s.ctx = context.Background()
	log := s.log.WithComponent("binance_stream")

	// Non-trade execution types and unrelated events are liveness only.
	s.handleMessage([]byte(`{"e":"ACCOUNT_UPDATE"}`), log)
	s.handleMessage([]byte(`{"e":"ORDER_TRADE_UPDATE","o":{"s":"BTCUSDT","S":"BUY","x":"NEW","i":1,"l":"0","L":"0","T":1700000000000,"t":0}}`), log)

	trade := `{"e":"ORDER_TRADE_UPDATE","o":{"s":"BTCUSDT","S":"BUY","x":"TRADE","i":7,"l":"0.5","L":"60000","n":"0.1","T":1700000000000,"t":99}}`
	s.handleMessage([]byte(trade), log)

	select {
	case fill := <-ch.Fills:
		if fill.OrderID != "7" || fill.Size != 0.5 {
			t.Errorf("unexpected fill: %+v", fill)
		}
	default:
		t.Fatal("expected one fill on the channel")
	}

	select {
	case fill := <-ch.Fills:
		t.Fatalf("unexpected extra fill: %+v", fill)
	default:
	}
}

func TestFillFromTrade(t *testing.T) {
	trade := &futures.AccountTrade{
		Symbol:     "BTCUSDT",
		ID:         555,
		OrderID:    42,
		Side:       futures.SideTypeBuy,
		Price:      "60000.5",
		Quantity:   "0.25",
		Commission: "0.02",
		Time:       1700000000000,
	}

	fill, err := fillFromTrade(trade)
	if err != nil {
		t.Fatalf("fillFromTrade: %v", err)
	}
	if fill.Side != models.SideBuy {
		t.Errorf("unexpected side: %s", fill.Side)
	}
	if fill.Source != models.SourcePoller {
		t.Errorf("unexpected source: %s", fill.Source)
	}
	if fill.OrderID != "42" || fill.ExchangeFillID != "555" {
		t.Errorf("unexpected ids: %s/%s", fill.OrderID, fill.ExchangeFillID)
	}
}
