package orderflow

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/microstructure-core/internal/domain"
	"github.com/vitos/microstructure-core/internal/fixedpoint"
)

// fakeBook is a minimal domain.BookReader stub for preprocessor tests.
type fakeBook struct {
	bestBid, bestAsk fixedpoint.Ticks
	levels           map[fixedpoint.Ticks]domain.PriceLevel
	bandBid, bandAsk fixedpoint.Ticks
	bandLevels       int
}

func (f *fakeBook) GetBestBid() fixedpoint.Ticks { return f.bestBid }
func (f *fakeBook) GetBestAsk() fixedpoint.Ticks { return f.bestAsk }
func (f *fakeBook) GetLevel(price fixedpoint.Ticks) (domain.PriceLevel, bool) {
	l, ok := f.levels[price]
	return l, ok
}
func (f *fakeBook) SumBand(center fixedpoint.Ticks, bandTicks int) (fixedpoint.Ticks, fixedpoint.Ticks, int) {
	return f.bandBid, f.bandAsk, f.bandLevels
}
func (f *fakeBook) GetDepthMetrics() domain.DepthMetrics { return domain.DepthMetrics{} }

func testCfg() Config {
	return Config{
		Symbol:                "BTCUSDT",
		Resolutions:           []int{5, 10, 20},
		TimeWindow:            10 * time.Minute,
		MaxZonesPerResolution: 20,
		DepthHistoryLen:       100,
	}
}

// TestClassicAbsorptionSetup mirrors the spec's scenario 1: 20 trades at
// price 89.00, qty 10, buyerIsMaker=true (aggressive sells resting against
// a standing bid) should accumulate aggressiveSellVolume=200 and
// tradeCount=20 in the zone covering 89.00, with zero aggressive buys.
func TestClassicAbsorptionSetup(t *testing.T) {
	scale := fixedpoint.NewScale(2)
	price := scale.FromFloat(89.00)
	book := &fakeBook{
		bestBid: price,
		bestAsk: scale.FromFloat(89.01),
		levels: map[fixedpoint.Ticks]domain.PriceLevel{
			price: {Price: price, BidQty: scale.FromFloat(40.0)},
		},
		bandBid: scale.FromFloat(40.0),
	}
	pp := New(testCfg(), book, scale, zap.NewNop())

	qty := scale.FromFloat(10.0)
	baseMs := int64(1_700_000_000_000)
	for i := 0; i < 20; i++ {
		trade := domain.AggTrade{
			Symbol:       "BTCUSDT",
			TradeID:      int64(i),
			Price:        price,
			Quantity:     qty,
			Timestamp:    baseMs + int64(i)*100,
			BuyerIsMaker: true,
		}
		pp.Process(trade)
	}

	zone := pp.FindMostRelevantZone(price)
	if zone == nil {
		t.Fatalf("expected a zone at %v", price)
	}
	wantSell := scale.FromFloat(200.0)
	if zone.AggressiveSellVolume != wantSell {
		t.Fatalf("AggressiveSellVolume = %v, want %v", zone.AggressiveSellVolume, wantSell)
	}
	if zone.AggressiveBuyVolume != 0 {
		t.Fatalf("AggressiveBuyVolume = %v, want 0", zone.AggressiveBuyVolume)
	}
	if zone.TradeCount != 20 {
		t.Fatalf("TradeCount = %d, want 20", zone.TradeCount)
	}
	if zone.PassiveBidVolume < scale.FromFloat(40.0) {
		t.Fatalf("PassiveBidVolume = %v, want >= 40", zone.PassiveBidVolume)
	}

	if got := pp.GetCVD(); got != -wantSell {
		t.Fatalf("CVD = %v, want %v", got, -wantSell)
	}
}

// TestAggressiveSideClassification verifies invariant 2: buyerIsMaker=false
// is an aggressive buy, buyerIsMaker=true is an aggressive sell.
func TestAggressiveSideClassification(t *testing.T) {
	scale := fixedpoint.NewScale(2)
	price := scale.FromFloat(100.00)
	book := &fakeBook{bestBid: price, bestAsk: price + 1}
	pp := New(testCfg(), book, scale, zap.NewNop())

	pp.Process(domain.AggTrade{Price: price, Quantity: scale.FromFloat(1), Timestamp: 1000, BuyerIsMaker: false})
	pp.Process(domain.AggTrade{Price: price, Quantity: scale.FromFloat(3), Timestamp: 1001, BuyerIsMaker: true})

	zone := pp.FindMostRelevantZone(price)
	if zone.AggressiveBuyVolume != scale.FromFloat(1) {
		t.Fatalf("AggressiveBuyVolume = %v, want 1", zone.AggressiveBuyVolume)
	}
	if zone.AggressiveSellVolume != scale.FromFloat(3) {
		t.Fatalf("AggressiveSellVolume = %v, want 3", zone.AggressiveSellVolume)
	}
}

// TestZoneEvictionOutsideTimeWindow confirms contributions older than the
// rolling window are evicted and the zone disappears once empty.
func TestZoneEvictionOutsideTimeWindow(t *testing.T) {
	scale := fixedpoint.NewScale(2)
	price := scale.FromFloat(50.00)
	cfg := testCfg()
	cfg.TimeWindow = 1 * time.Minute
	book := &fakeBook{bestBid: price, bestAsk: price + 1}
	pp := New(cfg, book, scale, zap.NewNop())

	pp.Process(domain.AggTrade{Price: price, Quantity: scale.FromFloat(5), Timestamp: 0, BuyerIsMaker: false})
	if z := pp.FindMostRelevantZone(price); z == nil || z.TradeCount != 1 {
		t.Fatalf("expected zone with 1 trade immediately after first trade")
	}

	// A trade 2 minutes later evicts the first (outside the 1-minute window).
	farFuture := int64(2 * time.Minute / time.Millisecond)
	pp.Process(domain.AggTrade{Price: price + 1000, Quantity: scale.FromFloat(1), Timestamp: farFuture, BuyerIsMaker: false})

	z := pp.FindMostRelevantZone(price)
	if z != nil {
		t.Fatalf("expected zone at original price evicted, got %+v", z)
	}
}

func TestBestQuotesAndPassiveLookup(t *testing.T) {
	scale := fixedpoint.NewScale(2)
	price := scale.FromFloat(10.00)
	book := &fakeBook{
		bestBid: price,
		bestAsk: price + 5,
		levels: map[fixedpoint.Ticks]domain.PriceLevel{
			price:     {Price: price, BidQty: scale.FromFloat(7)},
			price + 5: {Price: price + 5, AskQty: scale.FromFloat(3)},
		},
	}
	pp := New(testCfg(), book, scale, zap.NewNop())
	enriched := pp.Process(domain.AggTrade{Price: price, Quantity: scale.FromFloat(2), Timestamp: 1, BuyerIsMaker: false})

	if enriched.BestBid != price || enriched.BestAsk != price+5 {
		t.Fatalf("unexpected best quotes on enriched trade: %+v", enriched)
	}
	if enriched.PassiveBidVolume != scale.FromFloat(7) {
		t.Fatalf("PassiveBidVolume = %v, want 7", enriched.PassiveBidVolume)
	}
}
