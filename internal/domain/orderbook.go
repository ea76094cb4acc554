package domain

import "github.com/vitos/microstructure-core/internal/fixedpoint"

// PriceLevel is one price point in the book. A level with both sides at
// zero is removed rather than kept around as a zero entry.
type PriceLevel struct {
	Price     fixedpoint.Ticks
	BidQty    fixedpoint.Ticks
	AskQty    fixedpoint.Ticks
	UpdatedAt int64 // unix millis
}

// Empty reports whether both sides of the level are zero.
func (l PriceLevel) Empty() bool {
	return l.BidQty == 0 && l.AskQty == 0
}

// PriceQty is one (price, quantity) pair as it appears on the wire, already
// parsed into ticks.
type PriceQty struct {
	Price fixedpoint.Ticks
	Qty   fixedpoint.Ticks
}

// RawDiff is one incremental depth-diff message, already tick-parsed.
type RawDiff struct {
	Symbol       string
	FirstUpdate  int64 // U
	FinalUpdate  int64 // u
	Bids         []PriceQty
	Asks         []PriceQty
}

// RawSnapshot is a full L2 snapshot fetched over REST, already tick-parsed.
type RawSnapshot struct {
	Symbol       string
	LastUpdateID int64
	Bids         []PriceQty
	Asks         []PriceQty
}

// DepthMetrics summarizes the current book state for health/monitoring and
// for detectors that need a coarse liquidity read without walking the map.
type DepthMetrics struct {
	BidLevels int
	AskLevels int
	TotalBid  fixedpoint.Ticks
	TotalAsk  fixedpoint.Ticks
	Imbalance float64 // (Σbid-Σask)/(Σbid+Σask), 0 when both sides empty

	LiquidityDepth5  fixedpoint.Ticks
	LiquidityDepth10 fixedpoint.Ticks
	LiquidityDepth20 fixedpoint.Ticks
}

// WallSignificance buckets a detected liquidity wall by how far its size
// exceeds the configured threshold.
type WallSignificance string

const (
	WallMinor    WallSignificance = "MINOR"
	WallModerate WallSignificance = "MODERATE"
	WallMajor    WallSignificance = "MAJOR"
	WallMassive  WallSignificance = "MASSIVE"
)

// Wall is a single price level whose resting quantity on one side is at
// least the threshold passed to FindWalls.
type Wall struct {
	Price           fixedpoint.Ticks
	Qty             fixedpoint.Ticks
	IsBid           bool
	DistanceFromMid fixedpoint.Ticks
	Significance    WallSignificance
}

// MarketImpact is the result of walking the book to estimate the price
// impact of executing a trade of a given quantity (in ticks).
type MarketImpact struct {
	Side                  string // "buy" or "sell"
	RequestedQty          fixedpoint.Ticks
	FilledQty             fixedpoint.Ticks
	StartPrice            fixedpoint.Ticks
	AveragePrice          fixedpoint.Ticks
	FinalPrice            fixedpoint.Ticks
	SlippageBps           float64
	LevelsConsumed        int
	InsufficientLiquidity bool
	ShortfallQty          fixedpoint.Ticks
}

// HealthStatus is the book's coarse-grained health classification.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Health is the snapshot returned by OrderBookState.GetHealth.
type Health struct {
	Status             HealthStatus
	Initialized        bool
	LastUpdateMs       int64
	CircuitBreakerOpen bool
	ErrorRate          float64
	BookSize           int
	Spread             fixedpoint.Ticks
	MidPrice           fixedpoint.Ticks
}

// ErrSequenceGap is returned by ApplyDiff when a strict update-id gap is
// detected; the caller is expected to invoke Recover.
type ErrSequenceGap struct {
	Symbol   string
	Expected int64
	Got      int64
}

func (e *ErrSequenceGap) Error() string {
	return "orderbook: sequence gap on " + e.Symbol
}
