package binancef

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/your-org/hedge-grid-bot/internal/exchange"
	"github.com/your-org/hedge-grid-bot/pkg/logger"
)

const (
	defaultWSBaseURL   = "wss://fstream.binance.com"
	listenKeyKeepalive = 30 * time.Minute
	maxDialRetries     = 5
)

// StreamHandlers are the callbacks invoked from the stream read loops. They
// must not block; the controller enqueues into its event queue.
type StreamHandlers struct {
	OnFill      func(exchange.FillEvent)
	OnMarkPrice func(exchange.MarkPriceEvent)
	// OnFatal is called when a stream gives up reconnecting.
	OnFatal func(error)
}

// StreamClient manages the user-data and mark-price push streams.
type StreamClient struct {
	rest     *Client
	wsBase   string
	handlers StreamHandlers

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStreamClient creates a StreamClient on top of an existing REST client,
// which it uses for listen-key management.
func NewStreamClient(rest *Client, wsBaseURL string, handlers StreamHandlers) *StreamClient {
	if wsBaseURL == "" {
		wsBaseURL = defaultWSBaseURL
	}
	return &StreamClient{
		rest:     rest,
		wsBase:   wsBaseURL,
		handlers: handlers,
	}
}

// Start opens the user-data stream and the all-market mark-price stream. The
// combined mark stream covers every symbol, so rotating to a new coin needs
// no reconnect. Start returns once the connections are being established;
// delivery happens on background goroutines until Close.
func (s *StreamClient) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("binancef: streams already started")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	listenKey, err := s.createListenKey(streamCtx)
	if err != nil {
		cancel()
		s.cancel = nil
		return err
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.keepAliveLoop(streamCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.runStream(streamCtx, "user-data", s.wsBase+"/ws/"+listenKey, s.handleUserData)
	}()
	markURL := s.wsBase + "/ws/!markPrice@arr@1s"
	go func() {
		defer s.wg.Done()
		s.runStream(streamCtx, "mark-price", markURL, s.handleMarkPrice)
	}()
	return nil
}

// Close tears down both streams and waits for the read loops to exit.
func (s *StreamClient) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *StreamClient) createListenKey(ctx context.Context) (string, error) {
	var resp listenKeyResponse
	if err := s.rest.do(ctx, http.MethodPost, "/fapi/v1/listenKey", nil, false, &resp); err != nil {
		return "", fmt.Errorf("binancef: creating listen key: %w", err)
	}
	if resp.ListenKey == "" {
		return "", fmt.Errorf("binancef: venue returned empty listen key")
	}
	return resp.ListenKey, nil
}

func (s *StreamClient) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(listenKeyKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.rest.do(ctx, http.MethodPut, "/fapi/v1/listenKey", nil, false, nil); err != nil {
				logger.Errorf("[binancef] listen key keepalive failed: %v", err)
			}
		}
	}
}

// runStream dials url and pumps messages into handle, reconnecting with
// exponential backoff until the context is cancelled or the retry budget for
// a single outage is exhausted.
func (s *StreamClient) runStream(ctx context.Context, name, url string, handle func([]byte)) {
	for {
		conn, err := s.dial(ctx, name, url)
		if err != nil {
			if ctx.Err() == nil && s.handlers.OnFatal != nil {
				s.handlers.OnFatal(fmt.Errorf("binancef: %s stream gave up: %w", name, err))
			}
			return
		}

		readErr := s.readLoop(ctx, conn, handle)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Warnf("[binancef] %s stream disconnected: %v, reconnecting...", name, readErr)
	}
}

func (s *StreamClient) dial(ctx context.Context, name, url string) (*websocket.Conn, error) {
	backoff := time.Second
	var lastErr error
	for attempt := 0; attempt < maxDialRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err == nil {
			logger.Infof("[binancef] %s stream connected", name)
			return conn, nil
		}
		lastErr = err
		logger.Errorf("[binancef] %s dial error (attempt %d/%d): %v. Retrying in %v...", name, attempt+1, maxDialRetries, err, backoff)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil, lastErr
}

func (s *StreamClient) readLoop(ctx context.Context, conn *websocket.Conn, handle func([]byte)) error {
	// Unblock ReadMessage on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		handle(message)
	}
}

func (s *StreamClient) handleUserData(message []byte) {
	var head struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(message, &head); err != nil {
		logger.Errorf("[binancef] unparseable user-data message: %v", err)
		return
	}
	if head.EventType != "ORDER_TRADE_UPDATE" {
		return
	}

	var ev orderTradeUpdateEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		logger.Errorf("[binancef] error unmarshalling ORDER_TRADE_UPDATE: %v", err)
		return
	}
	if s.handlers.OnFill == nil {
		return
	}
	s.handlers.OnFill(exchange.FillEvent{
		Symbol:        ev.Order.Symbol,
		OrderID:       ev.Order.OrderID,
		ClientOrderID: ev.Order.ClientOrderID,
		Status:        exchange.OrderStatus(ev.Order.Status),
		OrderType:     ev.Order.OrderType,
		Side:          exchange.Side(ev.Order.Side),
		PositionSide:  exchange.PositionSide(ev.Order.PositionSide),
		AvgPrice:      parseFloat(ev.Order.AvgPrice),
		FilledQty:     parseFloat(ev.Order.FilledQty),
		RealizedPnL:   parseFloat(ev.Order.RealizedPnl),
		Time:          time.UnixMilli(ev.Order.TradeTime),
	})
}

func (s *StreamClient) handleMarkPrice(message []byte) {
	if s.handlers.OnMarkPrice == nil {
		return
	}
	// The all-market stream delivers an array; a single-symbol subscription
	// delivers one object.
	var events []markPriceUpdateEvent
	if len(message) > 0 && message[0] == '[' {
		if err := json.Unmarshal(message, &events); err != nil {
			logger.Errorf("[binancef] error unmarshalling mark price array: %v", err)
			return
		}
	} else {
		var ev markPriceUpdateEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			logger.Errorf("[binancef] error unmarshalling mark price update: %v", err)
			return
		}
		events = append(events, ev)
	}
	for _, ev := range events {
		if ev.EventType != "markPriceUpdate" {
			continue
		}
		s.handlers.OnMarkPrice(exchange.MarkPriceEvent{
			Symbol:    ev.Symbol,
			MarkPrice: parseFloat(ev.MarkPrice),
			Time:      time.UnixMilli(ev.EventTime),
		})
	}
}
