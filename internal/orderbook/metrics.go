package orderbook

import (
	"fmt"
	"sort"

	"github.com/vitos/microstructure-core/internal/domain"
	"github.com/vitos/microstructure-core/internal/fixedpoint"
)

// GetDepthMetrics returns level counts, total volume, imbalance, and the
// top-5/10/20 liquidity depth buckets.
func (s *State) GetDepthMetrics() domain.DepthMetrics {
	s.quoteMutex.RLock()
	defer s.quoteMutex.RUnlock()

	bids, asks := s.sortedLevelsLocked()

	var m domain.DepthMetrics
	m.BidLevels = len(bids)
	m.AskLevels = len(asks)
	for _, l := range bids {
		m.TotalBid += l.BidQty
	}
	for _, l := range asks {
		m.TotalAsk += l.AskQty
	}
	total := m.TotalBid + m.TotalAsk
	if total != 0 {
		m.Imbalance = float64(m.TotalBid-m.TotalAsk) / float64(total)
	}

	m.LiquidityDepth5 = depthBucket(bids, asks, 5)
	m.LiquidityDepth10 = depthBucket(bids, asks, 10)
	m.LiquidityDepth20 = depthBucket(bids, asks, 20)
	return m
}

func depthBucket(bids, asks []domain.PriceLevel, n int) fixedpoint.Ticks {
	var total fixedpoint.Ticks
	for i, l := range bids {
		if i >= n {
			break
		}
		total += l.BidQty
	}
	for i, l := range asks {
		if i >= n {
			break
		}
		total += l.AskQty
	}
	return total
}

// sortedLevelsLocked returns bids sorted highest-first and asks sorted
// lowest-first. Caller holds quoteMutex.
func (s *State) sortedLevelsLocked() (bids, asks []domain.PriceLevel) {
	for _, l := range s.levels {
		if l.BidQty > 0 {
			bids = append(bids, l)
		}
		if l.AskQty > 0 {
			asks = append(asks, l)
		}
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })
	return bids, asks
}

// FindWalls returns levels whose resting quantity is at least threshold,
// tagged by how far beyond the threshold they sit.
func (s *State) FindWalls(threshold fixedpoint.Ticks) []domain.Wall {
	if threshold <= 0 {
		return nil
	}
	s.quoteMutex.RLock()
	defer s.quoteMutex.RUnlock()

	mid := s.midLocked()
	var walls []domain.Wall
	for price, l := range s.levels {
		if l.BidQty >= threshold {
			walls = append(walls, wallFor(price, l.BidQty, true, mid, threshold))
		}
		if l.AskQty >= threshold {
			walls = append(walls, wallFor(price, l.AskQty, false, mid, threshold))
		}
	}
	sort.Slice(walls, func(i, j int) bool { return walls[i].Price < walls[j].Price })
	return walls
}

func wallFor(price, qty fixedpoint.Ticks, isBid bool, mid, threshold fixedpoint.Ticks) domain.Wall {
	dist := price - mid
	if dist < 0 {
		dist = -dist
	}
	ratio := float64(qty) / float64(threshold)
	sig := domain.WallMinor
	switch {
	case ratio >= 10:
		sig = domain.WallMassive
	case ratio >= 5:
		sig = domain.WallMajor
	case ratio >= 2:
		sig = domain.WallModerate
	}
	return domain.Wall{
		Price:           price,
		Qty:             qty,
		IsBid:           isBid,
		DistanceFromMid: dist,
		Significance:    sig,
	}
}

// EstimateMarketImpact walks the book from the best quote on side,
// consuming levels until qty is filled, and reports the resulting VWAP,
// final price, and slippage in basis points.
func (s *State) EstimateMarketImpact(qty fixedpoint.Ticks, side domain.Side) (domain.MarketImpact, error) {
	if qty <= 0 {
		return domain.MarketImpact{}, fmt.Errorf("orderbook: invalid quantity %d", qty)
	}

	s.quoteMutex.RLock()
	bids, asks := s.sortedLevelsLocked()
	s.quoteMutex.RUnlock()

	var levels []domain.PriceLevel
	switch side {
	case domain.SideBuy:
		levels = asks
	case domain.SideSell:
		levels = bids
	default:
		return domain.MarketImpact{}, fmt.Errorf("orderbook: invalid side %q", side)
	}
	if len(levels) == 0 {
		return domain.MarketImpact{}, fmt.Errorf("orderbook: no %s side liquidity", side)
	}

	impact := domain.MarketImpact{Side: string(side), RequestedQty: qty, StartPrice: levels[0].Price}

	remaining := qty
	var totalCost, totalQty int64
	for _, l := range levels {
		if remaining <= 0 {
			break
		}
		avail := l.BidQty
		if side == domain.SideBuy {
			avail = l.AskQty
		}
		consumed := remaining
		if avail < consumed {
			consumed = avail
		}
		totalCost += int64(consumed) * int64(l.Price)
		totalQty += int64(consumed)
		remaining -= consumed
		impact.LevelsConsumed++
		impact.FinalPrice = l.Price
	}

	if remaining > 0 {
		impact.InsufficientLiquidity = true
		impact.ShortfallQty = remaining
	}
	impact.FilledQty = qty - remaining
	if totalQty > 0 {
		impact.AveragePrice = fixedpoint.Ticks(totalCost / totalQty)
		if impact.StartPrice != 0 {
			diff := impact.AveragePrice - impact.StartPrice
			if diff < 0 {
				diff = -diff
			}
			impact.SlippageBps = float64(diff) / float64(impact.StartPrice) * 10000
		}
	}
	return impact, nil
}
