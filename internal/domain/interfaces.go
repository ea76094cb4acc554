package domain

import (
	"context"

	"github.com/vitos/microstructure-core/internal/fixedpoint"
)

// BookReader is the read-only capability OrderFlowPreprocessor holds over
// OrderBookState. It is intentionally one-way: preprocessor -> book, never
// a back-reference.
type BookReader interface {
	GetBestBid() fixedpoint.Ticks
	GetBestAsk() fixedpoint.Ticks
	GetLevel(price fixedpoint.Ticks) (PriceLevel, bool)
	SumBand(center fixedpoint.Ticks, bandTicks int) (bidQty, askQty fixedpoint.Ticks, levels int)
	GetDepthMetrics() DepthMetrics
}

// DepthFeed delivers raw depth-diff messages from the exchange.
type DepthFeed interface {
	Connect(ctx context.Context, symbols []string) error
	Diffs() <-chan RawDiff
}

// TradeFeed delivers raw aggregated trades from the exchange.
type TradeFeed interface {
	Connect(ctx context.Context, symbols []string) error
	Trades() <-chan AggTrade
	Close() error
}

// SnapshotFetcher fetches a full L2 snapshot over REST.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, symbol string) (RawSnapshot, error)
}

// OutcomeSink is the persistence boundary SignalValidationLedger writes
// finalized records through.
type OutcomeSink interface {
	Write(ctx context.Context, detector DetectorType, kind OutcomeKind, record ValidationRecord) error
	Flush(ctx context.Context) error
	Close() error
}
