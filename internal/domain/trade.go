package domain

import "github.com/vitos/microstructure-core/internal/fixedpoint"

// AggTrade is one aggregated trade as received from the exchange trade
// stream. TradeID is monotonic per symbol.
type AggTrade struct {
	Symbol        string
	TradeID       int64
	Price         fixedpoint.Ticks
	Quantity      fixedpoint.Ticks
	Timestamp     int64 // unix millis
	BuyerIsMaker  bool  // true => seller was the taker (aggressive sell)
}

// EnrichedTrade is an AggTrade augmented with passive-liquidity context and
// the multi-resolution zone snapshot in effect at the time of the trade.
// It is immutable once created.
type EnrichedTrade struct {
	AggTrade
	QuoteQuantity fixedpoint.Ticks

	BestBid fixedpoint.Ticks
	BestAsk fixedpoint.Ticks

	PassiveBidVolume fixedpoint.Ticks
	PassiveAskVolume fixedpoint.Ticks

	ZonePassiveBidVolume fixedpoint.Ticks
	ZonePassiveAskVolume fixedpoint.Ticks

	// ZoneData is nil only while the preprocessor is still initializing.
	ZoneData *StandardZoneData
}
