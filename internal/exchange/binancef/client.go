package binancef

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/your-org/hedge-grid-bot/internal/exchange"
	"github.com/your-org/hedge-grid-bot/pkg/logger"
	"github.com/your-org/hedge-grid-bot/pkg/retry"
)

const (
	defaultBaseURL    = "https://fapi.binance.com"
	defaultRecvWindow = "5000"
)

// Client is a signed REST client for Binance USD-M futures implementing
// exchange.Gateway.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	// timeOffsetMs is serverTime - localTime, applied to request timestamps.
	timeOffsetMs atomic.Int64
}

var _ exchange.Gateway = (*Client)(nil)

// NewClient creates a new futures API client. An empty baseURL falls back to
// the production endpoint; tests point it at a mock server.
func NewClient(apiKey, secretKey, baseURL string, requestsPerSecond float64) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = 8
	}
	return &Client{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)),
	}
}

// BaseURL returns the configured REST endpoint. Useful in tests.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	if params == nil {
		params = url.Values{}
	}
	if signed {
		ts := time.Now().UnixMilli() + c.timeOffsetMs.Load()
		params.Set("timestamp", strconv.FormatInt(ts, 10))
		params.Set("recvWindow", defaultRecvWindow)
		params.Set("signature", c.sign(params.Encode()))
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return exchange.NewAPIError(exchange.KindTransient, 0, fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return exchange.NewAPIError(exchange.KindTransient, 0, fmt.Sprintf("reading %s response (status %d)", path, resp.StatusCode), err)
	}

	if resp.StatusCode >= 400 {
		var venueErr apiError
		_ = json.Unmarshal(body, &venueErr)
		return classify(resp.StatusCode, venueErr.Code, venueErr.Msg)
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("binancef: decoding %s response: %w (body: %s)", path, err, truncate(body, 256))
		}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// classify maps venue HTTP status and error codes onto the error taxonomy.
func classify(status, code int, msg string) *exchange.APIError {
	switch {
	case code == -1021:
		return exchange.NewAPIError(exchange.KindClockDrift, code, msg, nil)
	case code == -1003 || status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return exchange.NewAPIError(exchange.KindRateLimit, code, msg, nil)
	case status >= 500:
		return exchange.NewAPIError(exchange.KindTransient, code, msg, nil)
	case code != 0:
		// 4xx with a venue code carries business meaning: insufficient margin
		// (-2019), notional too small (-4164), leverage unavailable (-4028)...
		return exchange.NewAPIError(exchange.KindRejected, code, msg, nil)
	default:
		return exchange.NewAPIError(exchange.KindTransient, 0, fmt.Sprintf("status %d: %s", status, msg), nil)
	}
}

// SyncServerTime refreshes the local clock offset against the venue.
func (c *Client) SyncServerTime(ctx context.Context) error {
	var out serverTimeResponse
	before := time.Now().UnixMilli()
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/time", nil, false, &out); err != nil {
		return err
	}
	after := time.Now().UnixMilli()
	local := (before + after) / 2
	c.timeOffsetMs.Store(out.ServerTime - local)
	logger.Debugf("[binancef] server time synced, offset=%dms", out.ServerTime-local)
	return nil
}

// PlaceMarketOrder submits a market order and waits for fill confirmation.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side exchange.Side, positionSide exchange.PositionSide, qty float64, clientOrderID string) (*exchange.FillConfirmation, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("positionSide", string(positionSide))
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(qty, 'f', -1, 64))
	params.Set("newOrderRespType", "RESULT")
	if clientOrderID != "" {
		params.Set("newClientOrderId", clientOrderID)
	}

	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, "/fapi/v1/order", params, true, &resp); err != nil {
		return nil, fmt.Errorf("binancef: market %s %s %s: %w", side, positionSide, symbol, err)
	}

	// RESULT responses normally come back FILLED; poll the order briefly when
	// the venue reports it still working.
	if resp.Status != string(exchange.StatusFilled) {
		outcome, err := retry.Poll(ctx, retry.Policy{MaxAttempts: 5, Delay: 500 * time.Millisecond}, func(ctx context.Context) (bool, error) {
			q := url.Values{}
			q.Set("symbol", symbol)
			q.Set("orderId", strconv.FormatInt(resp.OrderID, 10))
			var check orderResponse
			if err := c.do(ctx, http.MethodGet, "/fapi/v1/order", q, true, &check); err != nil {
				return false, err
			}
			if check.Status == string(exchange.StatusFilled) {
				resp = check
				return true, nil
			}
			return false, nil
		})
		if err != nil {
			return nil, fmt.Errorf("binancef: verifying market order %d: %w", resp.OrderID, err)
		}
		if outcome != retry.Confirmed {
			return nil, exchange.NewAPIError(exchange.KindCritical, 0,
				fmt.Sprintf("market order %d on %s not filled within verification budget", resp.OrderID, symbol), nil)
		}
	}

	return &exchange.FillConfirmation{
		OrderID:       resp.OrderID,
		ClientOrderID: resp.ClientOrderID,
		AvgPrice:      parseFloat(resp.AvgPrice),
		ExecutedQty:   parseFloat(resp.ExecutedQty),
	}, nil
}

// PlaceConditionalOrder submits a TP/SL trigger order and returns its id.
func (c *Client) PlaceConditionalOrder(ctx context.Context, req exchange.ConditionalOrderRequest) (int64, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("positionSide", string(req.PositionSide))
	params.Set("type", string(req.Type))
	params.Set("stopPrice", strconv.FormatFloat(req.TriggerPrice, 'f', -1, 64))
	params.Set("workingType", "MARK_PRICE")
	if req.ClosePosition {
		params.Set("closePosition", "true")
	} else {
		params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))
		params.Set("reduceOnly", "true")
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, "/fapi/v1/order", params, true, &resp); err != nil {
		return 0, fmt.Errorf("binancef: conditional %s on %s at %.8f: %w", req.Type, req.Symbol, req.TriggerPrice, err)
	}
	return resp.OrderID, nil
}

// CancelAllOpenOrders cancels every open order on symbol.
func (c *Client) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	if err := c.do(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params, true, nil); err != nil {
		return fmt.Errorf("binancef: cancelling open orders on %s: %w", symbol, err)
	}
	return nil
}

// ListOpenOrders returns the resting orders on symbol.
func (c *Client) ListOpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var resp []orderResponse
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/openOrders", params, true, &resp); err != nil {
		return nil, fmt.Errorf("binancef: listing open orders on %s: %w", symbol, err)
	}
	out := make([]exchange.OpenOrder, 0, len(resp))
	for _, o := range resp {
		out = append(out, exchange.OpenOrder{
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          exchange.Side(o.Side),
			PositionSide:  exchange.PositionSide(o.PositionSide),
			Type:          o.Type,
			TriggerPrice:  parseFloat(o.StopPrice),
			ClosePosition: o.ClosePosition,
		})
	}
	return out, nil
}

// ListPositions returns open positions; symbol may be empty for all.
func (c *Client) ListPositions(ctx context.Context, symbol string) ([]exchange.PositionInfo, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	var resp []positionRiskEntry
	if err := c.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, true, &resp); err != nil {
		return nil, fmt.Errorf("binancef: listing positions: %w", err)
	}
	out := make([]exchange.PositionInfo, 0, len(resp))
	for _, p := range resp {
		amt := parseFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		if amt < 0 {
			amt = -amt
		}
		lev, _ := strconv.Atoi(p.Leverage)
		out = append(out, exchange.PositionInfo{
			Symbol:        p.Symbol,
			PositionSide:  exchange.PositionSide(p.PositionSide),
			Quantity:      amt,
			EntryPrice:    parseFloat(p.EntryPrice),
			UnrealizedPnL: parseFloat(p.UnRealizedProfit),
			Leverage:      lev,
		})
	}
	return out, nil
}

// SetLeverage requests leverage on symbol and returns what the venue granted.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) (int, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	var resp leverageResponse
	if err := c.do(ctx, http.MethodPost, "/fapi/v1/leverage", params, true, &resp); err != nil {
		return 0, fmt.Errorf("binancef: setting leverage %dx on %s: %w", leverage, symbol, err)
	}
	return resp.Leverage, nil
}

// GetInstrumentFilters fetches precision and sizing constraints for symbol.
func (c *Client) GetInstrumentFilters(ctx context.Context, symbol string) (exchange.Filters, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var resp exchangeInfoResponse
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", params, false, &resp); err != nil {
		return exchange.Filters{}, fmt.Errorf("binancef: fetching exchange info for %s: %w", symbol, err)
	}
	for _, s := range resp.Symbols {
		if !strings.EqualFold(s.Symbol, symbol) {
			continue
		}
		f := exchange.Filters{
			PricePrecision: s.PricePrecision,
			QtyPrecision:   s.QuantityPrecision,
		}
		for _, fl := range s.Filters {
			switch fl.FilterType {
			case "PRICE_FILTER":
				f.PriceStep = parseFloat(fl.TickSize)
			case "LOT_SIZE":
				f.QtyStep = parseFloat(fl.StepSize)
			case "MIN_NOTIONAL":
				f.MinNotional = parseFloat(fl.Notional)
			}
		}
		return f, nil
	}
	return exchange.Filters{}, fmt.Errorf("binancef: symbol %s not in exchange info", symbol)
}

// GetCurrentPrice returns the current mark price for symbol.
func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var resp premiumIndexResponse
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/premiumIndex", params, false, &resp); err != nil {
		return 0, fmt.Errorf("binancef: fetching mark price for %s: %w", symbol, err)
	}
	price := parseFloat(resp.MarkPrice)
	if price <= 0 {
		return 0, fmt.Errorf("binancef: venue returned non-positive mark price %q for %s", resp.MarkPrice, symbol)
	}
	return price, nil
}

// ListOrderTrades returns the constituent fills of an order from trade history.
func (c *Client) ListOrderTrades(ctx context.Context, symbol string, orderID int64) ([]exchange.OrderTrade, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	var resp []userTradeEntry
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/userTrades", params, true, &resp); err != nil {
		return nil, fmt.Errorf("binancef: fetching trades for order %d on %s: %w", orderID, symbol, err)
	}
	out := make([]exchange.OrderTrade, 0, len(resp))
	for _, tr := range resp {
		if tr.OrderID != orderID {
			continue
		}
		out = append(out, exchange.OrderTrade{
			OrderID:     tr.OrderID,
			Price:       parseFloat(tr.Price),
			Qty:         parseFloat(tr.Qty),
			RealizedPnL: parseFloat(tr.RealizedPnl),
			Commission:  parseFloat(tr.Commission),
			Time:        time.UnixMilli(tr.Time),
		})
	}
	return out, nil
}
