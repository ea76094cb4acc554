// Package orderbook maintains a sequence-correct, tick-aligned view of one
// symbol's L2 depth: best quotes, per-price lookups, and volume summation
// over a price band, with gap detection, circuit breaking, and pruning.
package orderbook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/microstructure-core/internal/domain"
	"github.com/vitos/microstructure-core/internal/fixedpoint"
)

// Config is the immutable configuration for one OrderBookState. Passed at
// construction, never mutated — no package-level singleton.
type Config struct {
	Symbol           string
	Precision        int
	MaxLevels        int
	MaxPriceDistance float64       // relative distance from mid, e.g. 0.2 for 20%
	PruneInterval    time.Duration
	MaxErrorRate     int // errors within the 60s window before the breaker opens
}

const (
	errorWindow      = 60 * time.Second
	circuitCooldown  = 30 * time.Second
	staleLevelTTL    = 5 * time.Minute
	watchdogInterval = 10 * time.Second
	staleBookTimeout = 30 * time.Second
)

// State is the OrderBookState component from the spec: one instance per
// symbol.
type State struct {
	cfg    Config
	scale  fixedpoint.Scale
	logger *zap.Logger

	snapshots domain.SnapshotFetcher

	quoteMutex sync.RWMutex
	levels     map[fixedpoint.Ticks]domain.PriceLevel
	bestBid    fixedpoint.Ticks
	bestAsk    fixedpoint.Ticks
	dirty      bool

	lastUpdateID         int64
	expectedNextUpdateID int64
	initialized          bool
	lastUpdateTimeMs      int64
	buffer               []domain.RawDiff

	breakerMu        sync.Mutex
	errorTimestamps  []time.Time
	circuitOpenUntil time.Time
	rejectionCount   int64
}

// New constructs a State. Connect upstream feeds into it before calling
// Init, so diffs arriving before the snapshot lands get buffered.
func New(cfg Config, snapshots domain.SnapshotFetcher, logger *zap.Logger) *State {
	return &State{
		cfg:       cfg,
		scale:     fixedpoint.NewScale(cfg.Precision),
		logger:    logger,
		snapshots: snapshots,
		levels:    make(map[fixedpoint.Ticks]domain.PriceLevel),
	}
}

// Init fetches the REST snapshot, loads its levels, and replays any diffs
// buffered while uninitialized. A snapshot fetch failure is propagated to
// the caller; the book remains uninitialized.
func (s *State) Init(ctx context.Context) error {
	return s.Recover(ctx)
}

// Recover resets the book, re-fetches the REST snapshot, and replays
// buffered diffs. Invoked by the health watchdog; on a sequence gap ApplyDiff
// returns ErrSequenceGap and the caller invokes Recover. May also be called
// again directly by the caller after a REST failure.
func (s *State) Recover(ctx context.Context) error {
	snap, err := s.snapshots.FetchSnapshot(ctx, s.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("orderbook: recover %s: fetch snapshot: %w", s.cfg.Symbol, err)
	}

	s.quoteMutex.Lock()
	s.levels = make(map[fixedpoint.Ticks]domain.PriceLevel)
	now := time.Now().UnixMilli()
	for _, b := range snap.Bids {
		s.setSideLocked(b.Price, b.Qty, true, now)
	}
	for _, a := range snap.Asks {
		s.setSideLocked(a.Price, a.Qty, false, now)
	}
	s.lastUpdateID = snap.LastUpdateID
	s.expectedNextUpdateID = snap.LastUpdateID + 1
	s.recomputeBestLocked()
	s.lastUpdateTimeMs = now
	s.initialized = true

	buffered := s.buffer
	s.buffer = nil
	s.quoteMutex.Unlock()

	for _, diff := range buffered {
		if diff.FinalUpdate <= snap.LastUpdateID {
			continue // stale relative to the fresh snapshot
		}
		if err := s.ApplyDiff(diff); err != nil {
			s.logger.Warn("orderbook: buffered diff failed to replay",
				zap.String("symbol", s.cfg.Symbol), zap.Error(err))
		}
	}

	s.logger.Info("orderbook: recovered",
		zap.String("symbol", s.cfg.Symbol),
		zap.Int64("lastUpdateId", snap.LastUpdateID))
	return nil
}

// ApplyDiff applies one incremental depth-diff message.
func (s *State) ApplyDiff(diff domain.RawDiff) error {
	if s.breakerOpen() {
		s.breakerMu.Lock()
		s.rejectionCount++
		s.breakerMu.Unlock()
		return nil
	}

	s.quoteMutex.Lock()
	if !s.initialized {
		s.buffer = append(s.buffer, diff)
		s.quoteMutex.Unlock()
		return nil
	}

	if s.expectedNextUpdateID != 0 {
		if diff.FirstUpdate != s.expectedNextUpdateID && diff.FirstUpdate-s.expectedNextUpdateID > 1 {
			// Hold the diff back so the next Recover replays it.
			s.buffer = append(s.buffer, diff)
			s.quoteMutex.Unlock()
			s.recordError()
			return &domain.ErrSequenceGap{
				Symbol:   s.cfg.Symbol,
				Expected: s.expectedNextUpdateID,
				Got:      diff.FirstUpdate,
			}
		}
	}

	if diff.FinalUpdate <= s.lastUpdateID {
		s.quoteMutex.Unlock()
		return nil // duplicate/stale, dropped silently
	}

	now := time.Now().UnixMilli()
	for _, b := range diff.Bids {
		s.setSideLocked(b.Price, b.Qty, true, now)
	}
	for _, a := range diff.Asks {
		s.setSideLocked(a.Price, a.Qty, false, now)
	}
	s.lastUpdateID = diff.FinalUpdate
	s.expectedNextUpdateID = diff.FinalUpdate + 1
	s.lastUpdateTimeMs = now

	if s.dirty {
		s.recomputeBestLocked()
	}
	inverted := s.bestBid != 0 && s.bestAsk != 0 && s.bestBid >= s.bestAsk
	if inverted {
		s.recomputeBestLocked()
	}
	s.quoteMutex.Unlock()

	if inverted {
		s.logger.Warn("orderbook: quote inversion, recomputed",
			zap.String("symbol", s.cfg.Symbol))
	}
	return nil
}

// setSideLocked applies one side of one price level. Caller holds
// quoteMutex.
func (s *State) setSideLocked(price, qty fixedpoint.Ticks, isBid bool, nowMs int64) {
	level, exists := s.levels[price]
	if !exists {
		level = domain.PriceLevel{Price: price}
	}
	if isBid {
		level.BidQty = qty
	} else {
		level.AskQty = qty
	}
	level.UpdatedAt = nowMs

	wasBest := exists && ((isBid && price == s.bestBid) || (!isBid && price == s.bestAsk))

	if level.Empty() {
		delete(s.levels, price)
		if wasBest {
			s.dirty = true
		}
		return
	}
	s.levels[price] = level

	if isBid && (s.bestBid == 0 || price > s.bestBid) {
		s.bestBid = price
	} else if !isBid && (s.bestAsk == 0 || price < s.bestAsk) {
		s.bestAsk = price
	}
	if wasBest {
		s.dirty = true
	}
}

// recomputeBestLocked does a full linear scan to find the true best bid and
// ask. Caller holds quoteMutex.
func (s *State) recomputeBestLocked() {
	var bestBid, bestAsk fixedpoint.Ticks
	for price, level := range s.levels {
		if level.BidQty > 0 && (bestBid == 0 || price > bestBid) {
			bestBid = price
		}
		if level.AskQty > 0 && (bestAsk == 0 || price < bestAsk) {
			bestAsk = price
		}
	}
	s.bestBid = bestBid
	s.bestAsk = bestAsk
	s.dirty = false
}

// GetLevel returns the level at price, if any.
func (s *State) GetLevel(price fixedpoint.Ticks) (domain.PriceLevel, bool) {
	s.quoteMutex.RLock()
	defer s.quoteMutex.RUnlock()
	l, ok := s.levels[price]
	return l, ok
}

// GetBestBid returns the current best bid, 0 if none.
func (s *State) GetBestBid() fixedpoint.Ticks {
	s.quoteMutex.RLock()
	defer s.quoteMutex.RUnlock()
	return s.bestBid
}

// GetBestAsk returns the current best ask, 0 if none.
func (s *State) GetBestAsk() fixedpoint.Ticks {
	s.quoteMutex.RLock()
	defer s.quoteMutex.RUnlock()
	return s.bestAsk
}

// GetSpread returns bestAsk - bestBid, 0 if either side is missing.
func (s *State) GetSpread() fixedpoint.Ticks {
	s.quoteMutex.RLock()
	defer s.quoteMutex.RUnlock()
	if s.bestBid == 0 || s.bestAsk == 0 {
		return 0
	}
	return s.bestAsk - s.bestBid
}

// GetMidPrice returns (bestBid+bestAsk)/2, 0 when either side is missing.
func (s *State) GetMidPrice() fixedpoint.Ticks {
	s.quoteMutex.RLock()
	defer s.quoteMutex.RUnlock()
	return s.midLocked()
}

func (s *State) midLocked() fixedpoint.Ticks {
	if s.bestBid == 0 || s.bestAsk == 0 {
		return 0
	}
	return (s.bestBid + s.bestAsk) / 2
}

// SumBand sums bid and ask quantities, and counts levels, within
// [center-bandTicks*tickSize, center+bandTicks*tickSize].
func (s *State) SumBand(center fixedpoint.Ticks, bandTicks int) (bidQty, askQty fixedpoint.Ticks, levels int) {
	s.quoteMutex.RLock()
	defer s.quoteMutex.RUnlock()
	lo := center - fixedpoint.Ticks(bandTicks)
	hi := center + fixedpoint.Ticks(bandTicks)
	for price, level := range s.levels {
		if price < lo || price > hi {
			continue
		}
		bidQty += level.BidQty
		askQty += level.AskQty
		levels++
	}
	return bidQty, askQty, levels
}

// Snapshot returns a deep clone of the price map for out-of-band consumers.
func (s *State) Snapshot() map[fixedpoint.Ticks]domain.PriceLevel {
	s.quoteMutex.RLock()
	defer s.quoteMutex.RUnlock()
	out := make(map[fixedpoint.Ticks]domain.PriceLevel, len(s.levels))
	for k, v := range s.levels {
		out[k] = v
	}
	return out
}

// Initialized reports whether the book has completed its initial snapshot
// load.
func (s *State) Initialized() bool {
	s.quoteMutex.RLock()
	defer s.quoteMutex.RUnlock()
	return s.initialized
}
