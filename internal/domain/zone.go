package domain

import "github.com/vitos/microstructure-core/internal/fixedpoint"

// ZoneConfig is the immutable configuration shared by every zone of a given
// resolution. Passed at construction, never mutated.
type ZoneConfig struct {
	BaseTicks  int // 5, 10, or 20
	TickValue  fixedpoint.Ticks
	TimeWindow int64 // milliseconds, default 60_000
}

// ZoneBoundaries spans exactly BaseTicks ticks: [Min, Max).
type ZoneBoundaries struct {
	Min fixedpoint.Ticks
	Max fixedpoint.Ticks
}

// ZoneSnapshot is the aggregated trade-flow state for one r-tick zone,
// anchored at PriceLevel, over the rolling TimeWindow.
type ZoneSnapshot struct {
	ZoneID      string
	PriceLevel  fixedpoint.Ticks // anchor
	TickSize    fixedpoint.Ticks

	AggressiveVolume     fixedpoint.Ticks
	AggressiveBuyVolume  fixedpoint.Ticks
	AggressiveSellVolume fixedpoint.Ticks

	PassiveVolume    fixedpoint.Ticks
	PassiveBidVolume fixedpoint.Ticks
	PassiveAskVolume fixedpoint.Ticks

	TradeCount int
	Timespan   int64 // ms, lastUpdate - firstTradeTime, bounded by TimeWindow

	Boundaries ZoneBoundaries

	LastUpdate         int64 // unix millis
	VolumeWeightedPrice float64
}

// StandardZoneData bundles the three zone resolutions emitted with every
// EnrichedTrade.
type StandardZoneData struct {
	Zones5Tick  []ZoneSnapshot
	Zones10Tick []ZoneSnapshot
	Zones20Tick []ZoneSnapshot
	ZoneConfigs map[int]ZoneConfig // keyed by BaseTicks
}
