package binance

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	appconfig "fillwatch/config"
	"fillwatch/logger"
	"fillwatch/models"

	futures "github.com/adshao/go-binance/v2/futures"
)

// NewFuturesClient builds the shared REST client with a pooled
// transport. Both the history reader and the stream listen key
// management go through this client.
func NewFuturesClient(cfg *appconfig.Config) *futures.Client {
	pool := cfg.Exchange.ConnectionPool
	transport := &http.Transport{
		MaxIdleConns:        pool.MaxIdleConns,
		MaxIdleConnsPerHost: pool.MaxIdleConns,
		MaxConnsPerHost:     pool.MaxConnsPerHost,
		IdleConnTimeout:     pool.IdleConnTimeout,
		DisableCompression:  false,
	}

	client := futures.NewClient(cfg.Exchange.APIKey, cfg.Exchange.APISecret)
	client.HTTPClient = &http.Client{
		Transport: transport,
		Timeout:   cfg.Exchange.RESTTimeout,
	}

	logger.GetLogger().WithComponent("binance_rest").WithFields(logger.Fields{
		"max_idle_conns":     pool.MaxIdleConns,
		"max_conns_per_host": pool.MaxConnsPerHost,
		"timeout":            cfg.Exchange.RESTTimeout,
	}).Info("binance rest client initialized")

	return client
}

// History fetches account trade history over the REST API. It backs up
// the stream and feeds gap recovery.
type History struct {
	config  *appconfig.Config
	client  *futures.Client
	symbols []string
	log     *logger.Log
}

// NewHistory creates a history reader over the shared REST client.
func NewHistory(cfg *appconfig.Config, client *futures.Client) *History {
	return &History{
		config:  cfg,
		client:  client,
		symbols: cfg.Exchange.Symbols,
		log:     logger.GetLogger(),
	}
}

// RecentFills returns all account fills across the configured symbols
// within [start, end], ordered by execution time.
func (h *History) RecentFills(ctx context.Context, start, end time.Time) ([]models.FillEvent, error) {
	log := h.log.WithComponent("binance_rest").WithFields(logger.Fields{
		"start": start.Format(time.RFC3339),
		"end":   end.Format(time.RFC3339),
	})

	var fills []models.FillEvent
	for _, symbol := range h.symbols {
		symbolFills, err := h.symbolFills(ctx, symbol, start, end)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch trades for %s: %w", symbol, err)
		}
		fills = append(fills, symbolFills...)
	}

	sort.Slice(fills, func(i, j int) bool {
		return fills[i].Timestamp.Before(fills[j].Timestamp)
	})

	log.WithFields(logger.Fields{"count": len(fills)}).Debug("fetched recent fills")
	return fills, nil
}

// tradePageLimit is the userTrades endpoint page cap.
var tradePageLimit = 1000

// symbolFills pages through the userTrades endpoint for one symbol. The
// first page is bounded by the time window; follow-up pages resume from
// the trade id after the last one seen, because several trades can share
// a timestamp and advancing by time would lose siblings on a page
// boundary. Paging stops on a short page or once trades pass the window
// end.
func (h *History) symbolFills(ctx context.Context, symbol string, start, end time.Time) ([]models.FillEvent, error) {
	endMillis := end.UnixMilli()

	var out []models.FillEvent
	fromID := int64(-1)

	for {
		svc := h.client.NewListAccountTradeService().
			Symbol(symbol).
			Limit(tradePageLimit)
		if fromID < 0 {
			svc = svc.StartTime(start.UnixMilli()).EndTime(endMillis)
		} else {
			svc = svc.FromID(fromID)
		}

		trades, err := svc.Do(ctx)
		if err != nil {
			return nil, err
		}

		for _, trade := range trades {
			if trade.Time > endMillis {
				return out, nil
			}
			fill, err := fillFromTrade(trade)
			if err != nil {
				h.log.WithComponent("binance_rest").WithError(err).WithFields(logger.Fields{
					"symbol":   symbol,
					"trade_id": trade.ID,
				}).Warn("discarding malformed trade record")
				continue
			}
			out = append(out, fill)
		}

		if len(trades) < tradePageLimit {
			return out, nil
		}
		fromID = trades[len(trades)-1].ID + 1
	}
}

func fillFromTrade(trade *futures.AccountTrade) (models.FillEvent, error) {
	qty, err := strconv.ParseFloat(trade.Quantity, 64)
	if err != nil {
		return models.FillEvent{}, fmt.Errorf("%w: bad trade quantity %q", models.ErrParse, trade.Quantity)
	}
	price, err := strconv.ParseFloat(trade.Price, 64)
	if err != nil {
		return models.FillEvent{}, fmt.Errorf("%w: bad trade price %q", models.ErrParse, trade.Price)
	}
	fee := 0.0
	if trade.Commission != "" {
		if fee, err = strconv.ParseFloat(trade.Commission, 64); err != nil {
			return models.FillEvent{}, fmt.Errorf("%w: bad trade commission %q", models.ErrParse, trade.Commission)
		}
	}

	fill := models.FillEvent{
		Coin:           trade.Symbol,
		Side:           strings.ToLower(string(trade.Side)),
		Size:           qty,
		Price:          price,
		Fee:            fee,
		OrderID:        strconv.FormatInt(trade.OrderID, 10),
		Timestamp:      time.UnixMilli(trade.Time).UTC(),
		ExchangeFillID: strconv.FormatInt(trade.ID, 10),
		Source:         models.SourcePoller,
	}
	if err := fill.Validate(); err != nil {
		return models.FillEvent{}, err
	}
	return fill, nil
}
