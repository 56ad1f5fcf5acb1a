// Package dbwriter persists settled trades and periodic PnL summaries to
// TimescaleDB. Writes are buffered and flushed in batches so the trading loop
// never waits on the database.
package dbwriter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/your-org/hedge-grid-bot/internal/config"
)

// ClosedTrade is one settled closing order.
type ClosedTrade struct {
	Time          time.Time `db:"time"`
	Symbol        string    `db:"symbol"`
	Mode          string    `db:"mode"` // "kill" or "grid"
	Side          string    `db:"side"` // "LONG" or "SHORT"
	Tag           string    `db:"tag"`  // tp, sl, p5, close, ...
	Quantity      float64   `db:"quantity"`
	RealizedPnL   float64   `db:"realized_pnl"`
	Commission    float64   `db:"commission"`
	NetPnL        float64   `db:"net_pnl"`
	OrderID       int64     `db:"order_id"`
	ClientOrderID string    `db:"client_order_id"`
}

// PnLSummary is a periodic snapshot of the bot's cumulative performance.
type PnLSummary struct {
	Time          time.Time `db:"time"`
	Mode          string    `db:"mode"`
	Symbol        string    `db:"symbol"`
	RealizedPnL   float64   `db:"realized_pnl"`
	UnrealizedPnL float64   `db:"unrealized_pnl"`
	CumulativePnL float64   `db:"cumulative_pnl"`
	OpenQuantity  float64   `db:"open_quantity"`
}

// Pool is an interface that abstracts the pgxpool.Pool for testability.
type Pool interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Close()
}

// DBWriter defines the interface for writing data to the database.
// This allows for mocking in tests.
type DBWriter interface {
	SaveClosedTrade(trade ClosedTrade)
	SavePnLSummary(ctx context.Context, pnl PnLSummary) error
	Close()
}

// TimescaleWriter buffers rows and flushes them on a ticker or when a buffer
// reaches the batch size. A nil pool turns it into a no-op writer.
type TimescaleWriter struct {
	pool         Pool
	logger       *zap.Logger
	config       config.DBWriterConf
	tradeBuffer  []ClosedTrade
	bufferMutex  sync.Mutex
	flushTicker  *time.Ticker
	shutdownChan chan struct{}
}

// NewTimescaleWriter creates a writer over an externally provided pool. Pass
// a nil pool to get a writer that discards everything (no database mode).
func NewTimescaleWriter(pool Pool, writerConfig config.DBWriterConf, logger *zap.Logger) (DBWriter, error) {
	if pool == nil {
		logger.Info("pgxpool.Pool is nil, creating dummy DB writer.")
		return &TimescaleWriter{
			pool:         nil,
			logger:       logger,
			shutdownChan: make(chan struct{}),
		}, nil
	}

	if writerConfig.WriteIntervalSeconds <= 0 {
		logger.Warn("WriteIntervalSeconds is zero or negative, defaulting to 1s.", zap.Int("originalValue", writerConfig.WriteIntervalSeconds))
		writerConfig.WriteIntervalSeconds = 1
	}
	if writerConfig.BatchSize <= 0 {
		logger.Warn("BatchSize is zero or negative, defaulting to 100.", zap.Int("originalValue", writerConfig.BatchSize))
		writerConfig.BatchSize = 100
	}

	writer := &TimescaleWriter{
		pool:         pool,
		logger:       logger,
		config:       writerConfig,
		tradeBuffer:  make([]ClosedTrade, 0, writerConfig.BatchSize),
		shutdownChan: make(chan struct{}),
	}
	writer.flushTicker = time.NewTicker(time.Duration(writerConfig.WriteIntervalSeconds) * time.Second)
	go writer.run()
	logger.Info("Started TimescaleDB batch writer")
	return writer, nil
}

// Close flushes any buffered rows and closes the pool.
func (w *TimescaleWriter) Close() {
	if w.pool == nil {
		w.logger.Info("Closing dummy DB writer.")
		return
	}

	w.logger.Info("Closing TimescaleDB writer...")
	close(w.shutdownChan)
	w.flushTicker.Stop()

	w.flushBuffers()

	w.pool.Close()
	w.logger.Info("TimescaleDB connection pool closed")
}

func (w *TimescaleWriter) run() {
	for {
		select {
		case <-w.flushTicker.C:
			w.flushBuffers()
		case <-w.shutdownChan:
			return
		}
	}
}

// SaveClosedTrade appends a settled trade to the buffer.
func (w *TimescaleWriter) SaveClosedTrade(trade ClosedTrade) {
	if w.pool == nil {
		return
	}

	w.bufferMutex.Lock()
	w.tradeBuffer = append(w.tradeBuffer, trade)
	shouldFlush := len(w.tradeBuffer) >= w.config.BatchSize
	w.bufferMutex.Unlock()

	if shouldFlush {
		w.flushBuffers()
	}
}

func (w *TimescaleWriter) flushBuffers() {
	if w.pool == nil {
		return
	}
	w.bufferMutex.Lock()
	defer w.bufferMutex.Unlock()

	if len(w.tradeBuffer) > 0 {
		w.batchInsertClosedTrades(context.Background(), w.tradeBuffer)
		w.tradeBuffer = w.tradeBuffer[:0]
	}
}

func (w *TimescaleWriter) batchInsertClosedTrades(ctx context.Context, trades []ClosedTrade) {
	w.logger.Debug("Flushing closed trades", zap.Int("count", len(trades)))
	_, err := w.pool.CopyFrom(
		ctx,
		pgx.Identifier{"closed_trades"},
		[]string{"time", "symbol", "mode", "side", "tag", "quantity", "realized_pnl", "commission", "net_pnl", "order_id", "client_order_id"},
		pgx.CopyFromRows(toClosedTradeInterfaces(trades)),
	)
	if err != nil {
		w.logger.Error("Failed to batch insert closed trades", zap.Error(err))
	}
}

func toClosedTradeInterfaces(trades []ClosedTrade) [][]interface{} {
	rows := make([][]interface{}, len(trades))
	for i, t := range trades {
		rows[i] = []interface{}{t.Time, t.Symbol, t.Mode, t.Side, t.Tag, t.Quantity, t.RealizedPnL, t.Commission, t.NetPnL, t.OrderID, t.ClientOrderID}
	}
	return rows
}

// SavePnLSummary inserts a single PnL snapshot row.
func (w *TimescaleWriter) SavePnLSummary(ctx context.Context, pnl PnLSummary) error {
	if w.pool == nil {
		w.logger.Debug("Skipping PnL summary save for dummy writer", zap.Any("pnl", pnl))
		return nil
	}

	query := `INSERT INTO pnl_summary (time, mode, symbol, realized_pnl, unrealized_pnl, cumulative_pnl, open_quantity)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := w.pool.Exec(ctx, query,
		pnl.Time, pnl.Mode, pnl.Symbol,
		pnl.RealizedPnL, pnl.UnrealizedPnL, pnl.CumulativePnL,
		pnl.OpenQuantity,
	)
	if err != nil {
		w.logger.Error("Failed to insert PnL summary", zap.Error(err), zap.Any("pnl", pnl))
		return fmt.Errorf("failed to insert PnL summary: %w", err)
	}
	return nil
}
