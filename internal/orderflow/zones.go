package orderflow

import (
	"fmt"
	"sort"

	"github.com/vitos/microstructure-core/internal/domain"
	"github.com/vitos/microstructure-core/internal/fixedpoint"
)

// contribution is one trade's effect on a zone, kept only so it can be
// evicted once it falls outside the rolling time window.
type contribution struct {
	timestamp int64
	qty       fixedpoint.Ticks
	isBuy     bool
}

// zoneState is the mutable, server-side state backing one ZoneSnapshot.
type zoneState struct {
	resolution    int
	anchor        fixedpoint.Ticks
	firstTradeMs  int64
	contributions []contribution

	aggressiveVolume     fixedpoint.Ticks
	aggressiveBuyVolume  fixedpoint.Ticks
	aggressiveSellVolume fixedpoint.Ticks
	passiveBidVolume     fixedpoint.Ticks
	passiveAskVolume     fixedpoint.Ticks
	tradeCount           int
	lastUpdateMs         int64
	vwapNumerator        float64 // Σ price*qty
	vwapDenominator      float64 // Σ qty
}

func (z *zoneState) snapshot(tickValue fixedpoint.Ticks) domain.ZoneSnapshot {
	vwap := 0.0
	if z.vwapDenominator != 0 {
		vwap = z.vwapNumerator / z.vwapDenominator
	}
	return domain.ZoneSnapshot{
		ZoneID:               fmt.Sprintf("%d:%d", z.resolution, z.anchor),
		PriceLevel:           z.anchor,
		TickSize:             tickValue,
		AggressiveVolume:     z.aggressiveVolume,
		AggressiveBuyVolume:  z.aggressiveBuyVolume,
		AggressiveSellVolume: z.aggressiveSellVolume,
		PassiveVolume:        z.passiveBidVolume + z.passiveAskVolume,
		PassiveBidVolume:     z.passiveBidVolume,
		PassiveAskVolume:     z.passiveAskVolume,
		TradeCount:           z.tradeCount,
		Timespan:             z.lastUpdateMs - z.firstTradeMs,
		Boundaries: domain.ZoneBoundaries{
			Min: z.anchor,
			Max: z.anchor + fixedpoint.Ticks(z.resolution),
		},
		LastUpdate:          z.lastUpdateMs,
		VolumeWeightedPrice: vwap,
	}
}

// applyTrade folds one trade into the zone's running aggregates. passiveBid/
// passiveAsk are the book's resting volume at the zone, refreshed from the
// book on every touch per the zone's "opportunistic refresh" semantics.
func (z *zoneState) applyTrade(price, qty fixedpoint.Ticks, isAggressiveBuy bool, nowMs int64, passiveBid, passiveAsk fixedpoint.Ticks) {
	if z.tradeCount == 0 {
		z.firstTradeMs = nowMs
	}
	z.aggressiveVolume += qty
	if isAggressiveBuy {
		z.aggressiveBuyVolume += qty
	} else {
		z.aggressiveSellVolume += qty
	}
	z.tradeCount++
	z.lastUpdateMs = nowMs
	z.vwapNumerator += float64(price) * float64(qty)
	z.vwapDenominator += float64(qty)
	z.passiveBidVolume = passiveBid
	z.passiveAskVolume = passiveAsk
	z.contributions = append(z.contributions, contribution{timestamp: nowMs, qty: qty, isBuy: isAggressiveBuy})
}

// evictOlderThan drops contributions outside the rolling window and rolls
// the aggregate counters back accordingly. Returns true if the zone still
// has at least one live contribution.
func (z *zoneState) evictOlderThan(cutoffMs int64) bool {
	i := 0
	for i < len(z.contributions) && z.contributions[i].timestamp < cutoffMs {
		c := z.contributions[i]
		z.aggressiveVolume -= c.qty
		if c.isBuy {
			z.aggressiveBuyVolume -= c.qty
		} else {
			z.aggressiveSellVolume -= c.qty
		}
		z.tradeCount--
		i++
	}
	if i > 0 {
		z.contributions = z.contributions[i:]
	}
	if len(z.contributions) == 0 {
		return false
	}
	z.firstTradeMs = z.contributions[0].timestamp
	return true
}

// zoneBook holds every live zone for one resolution, keyed by anchor.
type zoneBook struct {
	resolution int
	zones      map[fixedpoint.Ticks]*zoneState
}

func newZoneBook(resolution int) *zoneBook {
	return &zoneBook{resolution: resolution, zones: make(map[fixedpoint.Ticks]*zoneState)}
}

func anchorFor(price fixedpoint.Ticks, resolution int) fixedpoint.Ticks {
	return fixedpoint.FloorToMultiple(price, fixedpoint.Ticks(resolution))
}

func (b *zoneBook) getOrCreate(anchor fixedpoint.Ticks) *zoneState {
	z, ok := b.zones[anchor]
	if !ok {
		z = &zoneState{resolution: b.resolution, anchor: anchor}
		b.zones[anchor] = z
	}
	return z
}

// evict removes contributions older than cutoffMs across every zone,
// deleting zones left with no contributions.
func (b *zoneBook) evict(cutoffMs int64) {
	for anchor, z := range b.zones {
		if !z.evictOlderThan(cutoffMs) {
			delete(b.zones, anchor)
		}
	}
}

// nearest returns the k zones whose anchor is closest to price, sorted by
// distance ascending.
func (b *zoneBook) nearest(price fixedpoint.Ticks, k int, tickValue fixedpoint.Ticks) []domain.ZoneSnapshot {
	type distAnchor struct {
		dist   fixedpoint.Ticks
		anchor fixedpoint.Ticks
	}
	ordered := make([]distAnchor, 0, len(b.zones))
	for anchor := range b.zones {
		d := anchor - price
		if d < 0 {
			d = -d
		}
		ordered = append(ordered, distAnchor{dist: d, anchor: anchor})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].dist != ordered[j].dist {
			return ordered[i].dist < ordered[j].dist
		}
		return ordered[i].anchor < ordered[j].anchor
	})
	if k > 0 && len(ordered) > k {
		ordered = ordered[:k]
	}
	out := make([]domain.ZoneSnapshot, 0, len(ordered))
	for _, da := range ordered {
		out = append(out, b.zones[da.anchor].snapshot(tickValue))
	}
	return out
}
