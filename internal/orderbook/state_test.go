package orderbook

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/vitos/microstructure-core/internal/domain"
	"github.com/vitos/microstructure-core/internal/fixedpoint"
)

type fakeSnapshotFetcher struct {
	snap domain.RawSnapshot
	err  error
	n    int
}

func (f *fakeSnapshotFetcher) FetchSnapshot(ctx context.Context, symbol string) (domain.RawSnapshot, error) {
	f.n++
	return f.snap, f.err
}

func testScale() fixedpoint.Scale { return fixedpoint.NewScale(2) }

func p(scale fixedpoint.Scale, v float64) fixedpoint.Ticks { return scale.FromFloat(v) }

func newTestState(t *testing.T, fetcher *fakeSnapshotFetcher) *State {
	t.Helper()
	cfg := Config{Symbol: "BTCUSDT", Precision: 2, MaxLevels: 1000, MaxPriceDistance: 0.5}
	return New(cfg, fetcher, zap.NewNop())
}

func TestInitLoadsSnapshotAndReplaysBuffered(t *testing.T) {
	scale := testScale()
	fetcher := &fakeSnapshotFetcher{snap: domain.RawSnapshot{
		Symbol:       "BTCUSDT",
		LastUpdateID: 100,
		Bids:         []domain.PriceQty{{Price: p(scale, 89.00), Qty: p(scale, 6.0)}},
		Asks:         []domain.PriceQty{{Price: p(scale, 89.01), Qty: p(scale, 0.5)}},
	}}
	s := newTestState(t, fetcher)

	// Diffs arriving before Init should buffer, not apply.
	if err := s.ApplyDiff(domain.RawDiff{Symbol: "BTCUSDT", FirstUpdate: 50, FinalUpdate: 55}); err != nil {
		t.Fatalf("buffered apply should not error: %v", err)
	}
	if s.Initialized() {
		t.Fatalf("expected uninitialized before Init")
	}

	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !s.Initialized() {
		t.Fatalf("expected initialized after Init")
	}
	if got := s.GetBestBid(); got != p(scale, 89.00) {
		t.Fatalf("bestBid = %v, want %v", got, p(scale, 89.00))
	}
	if got := s.GetBestAsk(); got != p(scale, 89.01) {
		t.Fatalf("bestAsk = %v, want %v", got, p(scale, 89.01))
	}
}

func TestSequenceGapTriggersRecover(t *testing.T) {
	scale := testScale()
	fetcher := &fakeSnapshotFetcher{snap: domain.RawSnapshot{
		Symbol:       "BTCUSDT",
		LastUpdateID: 105,
		Bids:         []domain.PriceQty{{Price: p(scale, 100.00), Qty: p(scale, 1.0)}},
		Asks:         []domain.PriceQty{{Price: p(scale, 100.01), Qty: p(scale, 1.0)}},
	}}
	s := newTestState(t, fetcher)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	// {U=100, u=105} was already "applied" via the initial snapshot at 105.
	// Next diff has a strict gap.
	err := s.ApplyDiff(domain.RawDiff{Symbol: "BTCUSDT", FirstUpdate: 108, FinalUpdate: 110})
	if _, ok := err.(*domain.ErrSequenceGap); !ok {
		t.Fatalf("expected ErrSequenceGap, got %v", err)
	}

	// Recovery: fresh snapshot lands at 109, buffered {U=108,u=110} replays.
	fetcher.snap.LastUpdateID = 109
	if err := s.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	buffered := domain.RawDiff{
		Symbol: "BTCUSDT", FirstUpdate: 108, FinalUpdate: 110,
		Bids: []domain.PriceQty{{Price: p(scale, 100.00), Qty: p(scale, 2.0)}},
	}
	if err := s.ApplyDiff(buffered); err != nil {
		t.Fatalf("apply post-recover diff: %v", err)
	}
	// Subsequent diff applies normally.
	if err := s.ApplyDiff(domain.RawDiff{Symbol: "BTCUSDT", FirstUpdate: 111, FinalUpdate: 112}); err != nil {
		t.Fatalf("apply subsequent diff: %v", err)
	}
}

func TestDuplicateDiffDroppedSilently(t *testing.T) {
	scale := testScale()
	fetcher := &fakeSnapshotFetcher{snap: domain.RawSnapshot{LastUpdateID: 10}}
	s := newTestState(t, fetcher)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	diff := domain.RawDiff{FirstUpdate: 11, FinalUpdate: 11, Bids: []domain.PriceQty{{Price: p(scale, 5), Qty: p(scale, 1)}}}
	if err := s.ApplyDiff(diff); err != nil {
		t.Fatalf("apply: %v", err)
	}
	// Replaying the same diff (u <= lastUpdateId) must be a silent no-op.
	if err := s.ApplyDiff(diff); err != nil {
		t.Fatalf("duplicate apply should not error: %v", err)
	}
	if got := s.GetBestBid(); got != p(scale, 5) {
		t.Fatalf("bestBid = %v, want unchanged %v", got, p(scale, 5))
	}
}

func TestLevelDeletionRecomputesBest(t *testing.T) {
	scale := testScale()
	fetcher := &fakeSnapshotFetcher{snap: domain.RawSnapshot{
		LastUpdateID: 1,
		Bids: []domain.PriceQty{
			{Price: p(scale, 89.03), Qty: p(scale, 30)},
			{Price: p(scale, 89.02), Qty: p(scale, 10)},
		},
	}}
	s := newTestState(t, fetcher)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got := s.GetBestBid(); got != p(scale, 89.03) {
		t.Fatalf("bestBid = %v, want 89.03", got)
	}

	// Zero out the bid at 89.03: level removed, best recomputed to 89.02.
	err := s.ApplyDiff(domain.RawDiff{
		FirstUpdate: 2, FinalUpdate: 2,
		Bids: []domain.PriceQty{{Price: p(scale, 89.03), Qty: 0}},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, ok := s.GetLevel(p(scale, 89.03)); ok {
		t.Fatalf("level at 89.03 should have been removed")
	}
	if got := s.GetBestBid(); got != p(scale, 89.02) {
		t.Fatalf("bestBid = %v, want next-highest 89.02", got)
	}
}

func TestSumBandAndDepthMetrics(t *testing.T) {
	scale := testScale()
	fetcher := &fakeSnapshotFetcher{snap: domain.RawSnapshot{
		LastUpdateID: 1,
		Bids: []domain.PriceQty{
			{Price: p(scale, 100.00), Qty: p(scale, 10)},
			{Price: p(scale, 99.99), Qty: p(scale, 5)},
		},
		Asks: []domain.PriceQty{
			{Price: p(scale, 100.01), Qty: p(scale, 8)},
		},
	}}
	s := newTestState(t, fetcher)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	bidQty, askQty, levels := s.SumBand(p(scale, 100.00), 2)
	if bidQty != p(scale, 15) {
		t.Fatalf("bidQty = %v, want 15", bidQty)
	}
	if askQty != p(scale, 8) {
		t.Fatalf("askQty = %v, want 8", askQty)
	}
	if levels != 3 {
		t.Fatalf("levels = %d, want 3", levels)
	}

	metrics := s.GetDepthMetrics()
	if metrics.BidLevels != 2 || metrics.AskLevels != 1 {
		t.Fatalf("unexpected level counts: %+v", metrics)
	}
	if metrics.Imbalance <= 0 {
		t.Fatalf("expected positive (bid-heavy) imbalance, got %v", metrics.Imbalance)
	}
}

func TestGetMidPriceZeroWhenOneSideMissing(t *testing.T) {
	scale := testScale()
	fetcher := &fakeSnapshotFetcher{snap: domain.RawSnapshot{
		LastUpdateID: 1,
		Bids:         []domain.PriceQty{{Price: p(scale, 100.00), Qty: p(scale, 1)}},
	}}
	s := newTestState(t, fetcher)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got := s.GetMidPrice(); got != 0 {
		t.Fatalf("GetMidPrice with no asks = %v, want 0", got)
	}
}
