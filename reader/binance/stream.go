package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	appconfig "fillwatch/config"
	"fillwatch/internal/channel"
	"fillwatch/logger"
	"fillwatch/models"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
)

// Stream consumes the Binance futures user data stream and forwards
// order fills into the fill channel. It owns the listen key lifecycle,
// keepalive, and reconnection with exponential backoff. Every received
// frame, fill or not, counts as a liveness signal.
type Stream struct {
	config     *appconfig.Config
	channels   *channel.Channels
	heartbeats chan<- time.Time
	client     *futures.Client
	ctx        context.Context
	wg         *sync.WaitGroup
	mu         sync.RWMutex
	running    bool
	connected  bool
	log        *logger.Log
}

// NewStream creates a stream reader sharing the REST client used for
// listen key management.
func NewStream(cfg *appconfig.Config, ch *channel.Channels, heartbeats chan<- time.Time, client *futures.Client) *Stream {
	return &Stream{
		config:     cfg,
		channels:   ch,
		heartbeats: heartbeats,
		client:     client,
		wg:         &sync.WaitGroup{},
		log:        logger.GetLogger(),
	}
}

// Start launches the stream worker. The worker reconnects on its own
// until the context is cancelled.
func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("stream reader already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	log := s.log.WithComponent("binance_stream").WithFields(logger.Fields{"operation": "start"})

	if !s.config.Stream.Enabled {
		log.Warn("user data stream is disabled")
		return fmt.Errorf("user data stream is disabled")
	}

	log.WithFields(logger.Fields{"url": s.config.Stream.URL}).Info("starting user data stream reader")

	s.wg.Add(1)
	go s.run()

	log.Info("user data stream reader started successfully")
	return nil
}

// Stop waits for the stream worker to exit.
func (s *Stream) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.log.WithComponent("binance_stream").Info("stopping user data stream reader")
	s.wg.Wait()
	s.log.WithComponent("binance_stream").Info("user data stream reader stopped")
}

// Connected reports whether a websocket session is currently open.
func (s *Stream) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Stream) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

// run owns the connect/read/reconnect cycle. The backoff resets only
// after a session has stayed up for the configured stable period, so a
// connection that drops immediately keeps escalating the delay.
func (s *Stream) run() {
	defer s.wg.Done()

	log := s.log.WithComponent("binance_stream").WithFields(logger.Fields{"worker": "user_data_stream"})

	b := &backoff.Backoff{
		Min:    s.config.Stream.ReconnectBaseDelay,
		Max:    s.config.Stream.ReconnectMaxDelay,
		Factor: 2,
		Jitter: true,
	}

	for {
		if s.ctx.Err() != nil {
			return
		}

		connectedAt, err := s.session(log)
		s.setConnected(false)
		if s.ctx.Err() != nil {
			return
		}

		if err != nil {
			log.WithError(err).Warn("stream session ended, reconnecting")
		}
		if !connectedAt.IsZero() && time.Since(connectedAt) >= s.config.Stream.StableResetAfter {
			b.Reset()
		}

		delay := b.Duration()
		log.WithFields(logger.Fields{"delay": delay.String()}).Info("waiting before reconnect")
		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return
		}
	}
}

// session runs one full websocket session: obtain a listen key, dial,
// keep the key alive, and read until the connection breaks. Returns the
// time the connection was established, or the zero time when the dial
// never succeeded.
func (s *Stream) session(log *logger.Entry) (time.Time, error) {
	listenKey, err := s.client.NewStartUserStreamService().Do(s.ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to obtain listen key: %w", err)
	}

	wsURL := strings.TrimRight(s.config.Stream.URL, "/") + "/ws/" + listenKey
	conn, _, err := websocket.DefaultDialer.DialContext(s.ctx, wsURL, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to dial user data stream: %w", err)
	}
	connectedAt := time.Now()
	s.setConnected(true)
	log.Info("user data stream connected")

	done := make(chan struct{})
	defer close(done)

	// Close the connection on shutdown so the read loop unblocks.
	go func() {
		select {
		case <-s.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	go s.keepalive(listenKey, done, log)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.config.Stream.SilenceTimeout)); err != nil {
			conn.Close()
			return connectedAt, fmt.Errorf("failed to set read deadline: %w", err)
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return connectedAt, fmt.Errorf("websocket read error: %w", err)
		}

		s.signalHeartbeat(time.Now())
		s.handleMessage(msg, log)
	}
}

// keepalive renews the listen key periodically. Binance expires keys
// that go unrenewed for an hour.
func (s *Stream) keepalive(listenKey string, done <-chan struct{}, log *logger.Entry) {
	ticker := time.NewTicker(s.config.Stream.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(s.ctx); err != nil {
				log.WithError(err).Warn("listen key keepalive failed")
			}
		}
	}
}

func (s *Stream) signalHeartbeat(t time.Time) {
	if s.heartbeats == nil {
		return
	}
	select {
	case s.heartbeats <- t:
	default:
	}
}

type userDataEvent struct {
	Event string       `json:"e"`
	Order *orderUpdate `json:"o"`
}

type orderUpdate struct {
	Symbol        string `json:"s"`
	Side          string `json:"S"`
	ExecutionType string `json:"x"`
	OrderID       int64  `json:"i"`
	LastFilledQty string `json:"l"`
	LastPrice     string `json:"L"`
	Commission    string `json:"n"`
	TradeTime     int64  `json:"T"`
	TradeID       int64  `json:"t"`
}

// handleMessage parses a frame and forwards trade executions. Frames
// that are not order trade updates are liveness only.
func (s *Stream) handleMessage(msg []byte, log *logger.Entry) {
	var event userDataEvent
	if err := json.Unmarshal(msg, &event); err != nil {
		log.WithError(err).Debug("failed to decode stream frame")
		return
	}
	if event.Event != "ORDER_TRADE_UPDATE" || event.Order == nil {
		return
	}
	if event.Order.ExecutionType != "TRADE" {
		return
	}

	fill, err := fillFromOrderUpdate(event.Order)
	if err != nil {
		log.WithError(err).Warn("discarding malformed order update")
		return
	}

	if s.channels.SendFill(s.ctx, fill) {
		logger.IncrementStreamFill(len(msg))
		if log.Logger.IsLevelEnabled(logrus.DebugLevel) {
			logger.LogDataFlowEntry(log, "binance_ws", "fill_channel", 1, "order_fill")
		}
	}
}

func fillFromOrderUpdate(o *orderUpdate) (models.FillEvent, error) {
	size, err := strconv.ParseFloat(o.LastFilledQty, 64)
	if err != nil {
		return models.FillEvent{}, fmt.Errorf("%w: bad fill quantity %q", models.ErrParse, o.LastFilledQty)
	}
	price, err := strconv.ParseFloat(o.LastPrice, 64)
	if err != nil {
		return models.FillEvent{}, fmt.Errorf("%w: bad fill price %q", models.ErrParse, o.LastPrice)
	}
	fee := 0.0
	if o.Commission != "" {
		if fee, err = strconv.ParseFloat(o.Commission, 64); err != nil {
			return models.FillEvent{}, fmt.Errorf("%w: bad commission %q", models.ErrParse, o.Commission)
		}
	}

	fill := models.FillEvent{
		Coin:           o.Symbol,
		Side:           strings.ToLower(o.Side),
		Size:           size,
		Price:          price,
		Fee:            fee,
		OrderID:        strconv.FormatInt(o.OrderID, 10),
		Timestamp:      time.UnixMilli(o.TradeTime).UTC(),
		ExchangeFillID: strconv.FormatInt(o.TradeID, 10),
		Source:         models.SourceStream,
	}
	if err := fill.Validate(); err != nil {
		return models.FillEvent{}, err
	}
	return fill, nil
}
