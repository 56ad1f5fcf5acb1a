package dbwriter

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/hedge-grid-bot/internal/config"
)

func TestTimescaleWriterImplementsDBWriter(t *testing.T) {
	assert.Implements(t, (*DBWriter)(nil), new(TimescaleWriter))
}

func TestSaveClosedTradeFlushesBatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	writerConfig := config.DBWriterConf{
		BatchSize:            1, // flush immediately
		WriteIntervalSeconds: 1,
	}

	writer, err := NewTimescaleWriter(mock, writerConfig, zap.NewNop())
	require.NoError(t, err)

	mock.ExpectCopyFrom(
		pgx.Identifier{"closed_trades"},
		[]string{"time", "symbol", "mode", "side", "tag", "quantity", "realized_pnl", "commission", "net_pnl", "order_id", "client_order_id"},
	)

	writer.SaveClosedTrade(ClosedTrade{
		Time:          time.Now(),
		Symbol:        "DOGEUSDT",
		Mode:          "kill",
		Side:          "SHORT",
		Tag:           "p3",
		Quantity:      400,
		RealizedPnL:   -1.2,
		Commission:    0.05,
		NetPnL:        -1.25,
		OrderID:       42,
		ClientOrderID: "kill-a1b2c3d4-short-p3",
	})
	writer.Close()

	require.NoError(t, mock.ExpectationsWereMet(), "there were unfulfilled expectations")
}

func TestSavePnLSummary(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	writer, err := NewTimescaleWriter(mock, config.DBWriterConf{BatchSize: 10, WriteIntervalSeconds: 1}, zap.NewNop())
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO pnl_summary").
		WithArgs(pgxmock.AnyArg(), "grid", "XRPUSDT", 1.5, -0.2, 1.3, 120.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = writer.SavePnLSummary(context.Background(), PnLSummary{
		Time:          time.Now(),
		Mode:          "grid",
		Symbol:        "XRPUSDT",
		RealizedPnL:   1.5,
		UnrealizedPnL: -0.2,
		CumulativePnL: 1.3,
		OpenQuantity:  120.0,
	})
	require.NoError(t, err)
}

func TestNilPoolWriterIsSilent(t *testing.T) {
	writer, err := NewTimescaleWriter(nil, config.DBWriterConf{}, zap.NewNop())
	require.NoError(t, err)

	writer.SaveClosedTrade(ClosedTrade{Symbol: "DOGEUSDT"})
	require.NoError(t, writer.SavePnLSummary(context.Background(), PnLSummary{}))
	writer.Close()
}
