// Package orderflow classifies trades as aggressive or passive against the
// live order book and folds them into multi-resolution tick zones.
package orderflow

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/microstructure-core/internal/domain"
	"github.com/vitos/microstructure-core/internal/fixedpoint"
)

// Config is the immutable configuration for one Preprocessor.
type Config struct {
	Symbol                string
	Resolutions           []int // e.g. 5, 10, 20 ticks
	TimeWindow            time.Duration
	MaxZonesPerResolution int
	DepthHistoryLen       int
}

// Preprocessor is the OrderFlowPreprocessor component from the spec: one
// instance per symbol, fed a trade at a time.
type Preprocessor struct {
	symbol string
	cfg    Config
	book   domain.BookReader
	scale  fixedpoint.Scale
	logger *zap.Logger

	mu    sync.Mutex
	books map[int]*zoneBook
	cvd   fixedpoint.Ticks

	depthMu      sync.Mutex
	depthHistory []domain.DepthMetrics
}

// New constructs a Preprocessor reading quotes from book.
func New(cfg Config, book domain.BookReader, scale fixedpoint.Scale, logger *zap.Logger) *Preprocessor {
	books := make(map[int]*zoneBook, len(cfg.Resolutions))
	for _, r := range cfg.Resolutions {
		books[r] = newZoneBook(r)
	}
	return &Preprocessor{
		symbol: cfg.Symbol,
		cfg:    cfg,
		book:   book,
		scale:  scale,
		logger: logger,
		books:  books,
	}
}

// Process enriches one raw trade against the live book and folds it into
// every configured zone resolution. The pipeline:
//  1. atomic best bid/ask read
//  2. aggressive-side classification from buyerIsMaker
//  3. passive liquidity lookup at the normalized trade price
//  4. zone-band passive sums
//  5. per-resolution zone update (create-on-first-touch), refreshing each
//     zone's passive volumes from the book on every touch
//  6. eviction of contributions outside the rolling time window
//  7. bounded nearest-zone selection for the returned snapshot
//  8. depth-snapshot sample appended to the rolling history
func (p *Preprocessor) Process(trade domain.AggTrade) domain.EnrichedTrade {
	bestBid := p.book.GetBestBid()
	bestAsk := p.book.GetBestAsk()

	isAggressiveBuy := !trade.BuyerIsMaker

	passiveAtTrade, _ := p.book.GetLevel(trade.Price)

	zoneBid, zoneAsk, _ := p.book.SumBand(trade.Price, 5)

	p.mu.Lock()
	p.updateCVDLocked(trade.Quantity, isAggressiveBuy)
	nowMs := trade.Timestamp
	cutoff := nowMs - p.cfg.TimeWindow.Milliseconds()
	for _, r := range p.cfg.Resolutions {
		b := p.books[r]
		anchor := anchorFor(trade.Price, r)
		z := b.getOrCreate(anchor)
		zonePassiveBid, zonePassiveAsk, _ := p.book.SumBand(anchor, r)
		z.applyTrade(trade.Price, trade.Quantity, isAggressiveBuy, nowMs, zonePassiveBid, zonePassiveAsk)
		b.evict(cutoff)
	}
	zoneData := p.buildZoneDataLocked(trade.Price)
	p.mu.Unlock()

	p.RecordDepthSnapshot(p.book.GetDepthMetrics())

	return domain.EnrichedTrade{
		AggTrade:             trade,
		QuoteQuantity:        fixedpoint.Ticks(int64(trade.Price) * int64(trade.Quantity)),
		BestBid:              bestBid,
		BestAsk:              bestAsk,
		PassiveBidVolume:     passiveAtTrade.BidQty,
		PassiveAskVolume:     passiveAtTrade.AskQty,
		ZonePassiveBidVolume: zoneBid,
		ZonePassiveAskVolume: zoneAsk,
		ZoneData:             zoneData,
	}
}

func (p *Preprocessor) updateCVDLocked(qty fixedpoint.Ticks, isAggressiveBuy bool) {
	if isAggressiveBuy {
		p.cvd += qty
	} else {
		p.cvd -= qty
	}
}

// GetCVD returns the running cumulative volume delta (aggressive buy minus
// aggressive sell volume) since the Preprocessor was created.
func (p *Preprocessor) GetCVD() fixedpoint.Ticks {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cvd
}

func (p *Preprocessor) buildZoneDataLocked(price fixedpoint.Ticks) *domain.StandardZoneData {
	data := &domain.StandardZoneData{
		ZoneConfigs: make(map[int]domain.ZoneConfig, len(p.cfg.Resolutions)),
	}
	for _, r := range p.cfg.Resolutions {
		tickValue := fixedpoint.Ticks(r)
		data.ZoneConfigs[r] = domain.ZoneConfig{
			BaseTicks:  r,
			TickValue:  tickValue,
			TimeWindow: p.cfg.TimeWindow.Milliseconds(),
		}
		zones := p.books[r].nearest(price, p.cfg.MaxZonesPerResolution, tickValue)
		switch r {
		case 5:
			data.Zones5Tick = zones
		case 10:
			data.Zones10Tick = zones
		case 20:
			data.Zones20Tick = zones
		}
	}
	return data
}

// RecordDepthSnapshot appends the current depth metrics to the rolling
// history ring, evicting the oldest entry once DepthHistoryLen is exceeded.
func (p *Preprocessor) RecordDepthSnapshot(m domain.DepthMetrics) {
	p.depthMu.Lock()
	defer p.depthMu.Unlock()
	p.depthHistory = append(p.depthHistory, m)
	if max := p.cfg.DepthHistoryLen; max > 0 && len(p.depthHistory) > max {
		p.depthHistory = p.depthHistory[len(p.depthHistory)-max:]
	}
}

// GetDepthSnapshotHistory returns a copy of the recorded depth history,
// oldest first.
func (p *Preprocessor) GetDepthSnapshotHistory() []domain.DepthMetrics {
	p.depthMu.Lock()
	defer p.depthMu.Unlock()
	out := make([]domain.DepthMetrics, len(p.depthHistory))
	copy(out, p.depthHistory)
	return out
}

// FindMostRelevantZone ranks every known zone across resolutions by inverse
// tick distance from price, normalized volume, and passive/aggressive
// balance, breaking ties by recency.
func (p *Preprocessor) FindMostRelevantZone(price fixedpoint.Ticks) *domain.ZoneSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *domain.ZoneSnapshot
	var bestScore float64
	for _, r := range p.cfg.Resolutions {
		tickValue := fixedpoint.Ticks(r)
		for _, z := range p.books[r].zones {
			snap := z.snapshot(tickValue)
			score := relevanceScore(snap, price)
			if best == nil || score > bestScore ||
				(score == bestScore && snap.LastUpdate > best.LastUpdate) {
				s := snap
				best = &s
				bestScore = score
			}
		}
	}
	return best
}

func relevanceScore(z domain.ZoneSnapshot, price fixedpoint.Ticks) float64 {
	dist := z.PriceLevel - price
	if dist < 0 {
		dist = -dist
	}
	proximity := 1.0 / (1.0 + float64(dist))

	totalVolume := float64(z.AggressiveVolume + z.PassiveVolume)
	volumeScore := totalVolume / (totalVolume + 1)

	balance := 1.0
	if z.PassiveVolume > 0 {
		balance = float64(z.AggressiveVolume) / float64(z.PassiveVolume)
		if balance > 1 {
			balance = 1 / balance
		}
	}

	return proximity*0.5 + volumeScore*0.3 + balance*0.2
}
