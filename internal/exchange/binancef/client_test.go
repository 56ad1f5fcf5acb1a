package binancef

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/your-org/hedge-grid-bot/internal/exchange"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := NewClient("test-key", "test-secret", srv.URL, 1000)
	return c, srv
}

func TestPlaceMarketOrderFilled(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/order", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		q := r.URL.Query()
		assert.Equal(t, "DOGEUSDT", q.Get("symbol"))
		assert.Equal(t, "BUY", q.Get("side"))
		assert.Equal(t, "LONG", q.Get("positionSide"))
		assert.Equal(t, "MARKET", q.Get("type"))
		assert.NotEmpty(t, q.Get("signature"), "signed endpoint requires a signature")
		assert.NotEmpty(t, q.Get("timestamp"))
		assert.Equal(t, "test-key", r.Header.Get("X-MBX-APIKEY"))
		w.Write([]byte(`{"orderId":42,"clientOrderId":"kill-long-entry","status":"FILLED","avgPrice":"0.12345","executedQty":"4000"}`))
	})
	defer srv.Close()

	fill, err := c.PlaceMarketOrder(context.Background(), "DOGEUSDT", exchange.SideBuy, exchange.PositionLong, 4000, "kill-long-entry")
	require.NoError(t, err)
	assert.Equal(t, int64(42), fill.OrderID)
	assert.InDelta(t, 0.12345, fill.AvgPrice, 1e-9)
	assert.InDelta(t, 4000.0, fill.ExecutedQty, 1e-9)
}

func TestPlaceConditionalOrderClosePosition(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "STOP_MARKET", q.Get("type"))
		assert.Equal(t, "true", q.Get("closePosition"))
		assert.Empty(t, q.Get("quantity"), "closePosition orders carry no quantity")
		w.Write([]byte(`{"orderId":77}`))
	})
	defer srv.Close()

	id, err := c.PlaceConditionalOrder(context.Background(), exchange.ConditionalOrderRequest{
		Symbol:        "DOGEUSDT",
		Side:          exchange.SideSell,
		PositionSide:  exchange.PositionLong,
		Type:          exchange.ConditionalStopLoss,
		TriggerPrice:  0.11,
		ClosePosition: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(77), id)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind exchange.ErrorKind
	}{
		{"clock drift", 400, `{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow."}`, exchange.KindClockDrift},
		{"rate limit", 429, `{"code":-1003,"msg":"Too many requests."}`, exchange.KindRateLimit},
		{"rejection", 400, `{"code":-2019,"msg":"Margin is insufficient."}`, exchange.KindRejected},
		{"server error", 502, `{}`, exchange.KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			defer srv.Close()

			_, err := c.SetLeverage(context.Background(), "DOGEUSDT", 50)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, exchange.KindOf(err))
		})
	}
}

func TestGetInstrumentFilters(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/exchangeInfo", r.URL.Path)
		w.Write([]byte(`{"symbols":[{"symbol":"DOGEUSDT","pricePrecision":5,"quantityPrecision":0,
			"filters":[
				{"filterType":"PRICE_FILTER","tickSize":"0.00001"},
				{"filterType":"LOT_SIZE","stepSize":"1"},
				{"filterType":"MIN_NOTIONAL","notional":"5"}
			]}]}`))
	})
	defer srv.Close()

	f, err := c.GetInstrumentFilters(context.Background(), "DOGEUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 0.00001, f.PriceStep, 1e-12)
	assert.InDelta(t, 1.0, f.QtyStep, 1e-12)
	assert.InDelta(t, 5.0, f.MinNotional, 1e-12)
	assert.Equal(t, int32(5), f.PricePrecision)
	assert.Equal(t, int32(0), f.QtyPrecision)
}

func TestGetInstrumentFiltersUnknownSymbol(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbols":[]}`))
	})
	defer srv.Close()

	_, err := c.GetInstrumentFilters(context.Background(), "NOPEUSDT")
	assert.Error(t, err)
}

func TestListPositionsSkipsFlat(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"symbol":"DOGEUSDT","positionAmt":"4000","entryPrice":"0.12","unRealizedProfit":"1.5","positionSide":"LONG","leverage":"50"},
			{"symbol":"DOGEUSDT","positionAmt":"-4000","entryPrice":"0.12","unRealizedProfit":"-1.5","positionSide":"SHORT","leverage":"50"},
			{"symbol":"DOGEUSDT","positionAmt":"0","entryPrice":"0","unRealizedProfit":"0","positionSide":"BOTH","leverage":"20"}
		]`))
	})
	defer srv.Close()

	positions, err := c.ListPositions(context.Background(), "DOGEUSDT")
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, exchange.PositionLong, positions[0].PositionSide)
	assert.InDelta(t, 4000.0, positions[1].Quantity, 1e-9, "short quantity reported as absolute")
	assert.Equal(t, 50, positions[0].Leverage)
}

func TestListOrderTradesSumsOnlyRequestedOrder(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "9001", r.URL.Query().Get("orderId"))
		w.Write([]byte(`[
			{"orderId":9001,"price":"0.120","qty":"2000","realizedPnl":"0.8","commission":"0.01","time":1700000000000},
			{"orderId":9001,"price":"0.121","qty":"2000","realizedPnl":"0.9","commission":"0.01","time":1700000000500}
		]`))
	})
	defer srv.Close()

	trades, err := c.ListOrderTrades(context.Background(), "DOGEUSDT", 9001)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.InDelta(t, 0.8, trades[0].RealizedPnL, 1e-9)
}

func TestSyncServerTime(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/time", r.URL.Path)
		w.Write([]byte(`{"serverTime":1700000000000}`))
	})
	defer srv.Close()

	assert.NoError(t, c.SyncServerTime(context.Background()))
}
