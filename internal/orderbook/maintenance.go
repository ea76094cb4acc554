package orderbook

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/microstructure-core/internal/domain"
	"github.com/vitos/microstructure-core/internal/fixedpoint"
)

// recordError appends an error timestamp to the rolling 60s window and
// opens the circuit breaker once maxErrorRate is reached within it.
func (s *State) recordError() {
	s.breakerMu.Lock()
	defer s.breakerMu.Unlock()

	now := time.Now()
	s.errorTimestamps = append(s.errorTimestamps, now)
	s.errorTimestamps = pruneOlderThan(s.errorTimestamps, now.Add(-errorWindow))

	if s.cfg.MaxErrorRate > 0 && len(s.errorTimestamps) >= s.cfg.MaxErrorRate {
		s.circuitOpenUntil = now.Add(circuitCooldown)
	}
}

func pruneOlderThan(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

// breakerOpen reports whether the circuit breaker is currently open. It
// auto-closes once the cool-down has elapsed, no explicit action required.
func (s *State) breakerOpen() bool {
	s.breakerMu.Lock()
	defer s.breakerMu.Unlock()
	return time.Now().Before(s.circuitOpenUntil)
}

func (s *State) errorRate() float64 {
	s.breakerMu.Lock()
	defer s.breakerMu.Unlock()
	count := len(pruneOlderThan(s.errorTimestamps, time.Now().Add(-errorWindow)))
	if s.cfg.MaxErrorRate <= 0 {
		return 0
	}
	return float64(count) / float64(s.cfg.MaxErrorRate)
}

// StartMaintenance runs the pruning loop and the health watchdog until ctx
// is cancelled. Both are timer-driven background tasks, separate from the
// hot diff-apply path.
func (s *State) StartMaintenance(ctx context.Context) {
	go s.pruneLoop(ctx)
	go s.watchdogLoop(ctx)
}

func (s *State) pruneLoop(ctx context.Context) {
	interval := s.cfg.PruneInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.prune()
		}
	}
}

func (s *State) prune() {
	s.quoteMutex.Lock()
	defer s.quoteMutex.Unlock()

	mid := s.midLocked()
	now := time.Now()
	staleCutoffMs := now.Add(-staleLevelTTL).UnixMilli()

	for price, level := range s.levels {
		// Distance prune.
		if mid != 0 && s.cfg.MaxPriceDistance > 0 {
			maxDist := fixedpoint.Ticks(float64(mid) * s.cfg.MaxPriceDistance)
			dist := price - mid
			if dist < 0 {
				dist = -dist
			}
			if dist > maxDist {
				delete(s.levels, price)
				continue
			}
		}
		// Stale prune: empty levels older than 5 minutes. Levels are
		// removed on both-sides-zero already, snapshot loads included;
		// this guards against any that lingered.
		if level.Empty() && level.UpdatedAt < staleCutoffMs {
			delete(s.levels, price)
		}
	}

	// Cap prune: drop levels furthest from mid until within maxLevels.
	if s.cfg.MaxLevels > 0 && len(s.levels) > s.cfg.MaxLevels {
		type distPrice struct {
			dist  fixedpoint.Ticks
			price fixedpoint.Ticks
		}
		ordered := make([]distPrice, 0, len(s.levels))
		for price := range s.levels {
			d := price - mid
			if d < 0 {
				d = -d
			}
			ordered = append(ordered, distPrice{dist: d, price: price})
		}
		for excess := len(s.levels) - s.cfg.MaxLevels; excess > 0; {
			farthestIdx := -1
			for i, dp := range ordered {
				if dp.price == 0 {
					continue // already removed
				}
				if farthestIdx == -1 || dp.dist > ordered[farthestIdx].dist {
					farthestIdx = i
				}
			}
			if farthestIdx == -1 {
				break
			}
			delete(s.levels, ordered[farthestIdx].price)
			ordered[farthestIdx].price = 0
			excess--
		}
	}

	if s.dirty {
		s.recomputeBestLocked()
	}
}

func (s *State) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.quoteMutex.RLock()
			stale := s.initialized && time.Since(msToTime(s.lastUpdateTimeMs)) > staleBookTimeout
			s.quoteMutex.RUnlock()
			if stale {
				s.logger.Warn("orderbook: stale book detected, recovering",
					zap.String("symbol", s.cfg.Symbol))
				if err := s.Recover(ctx); err != nil {
					s.logger.Error("orderbook: watchdog recover failed",
						zap.String("symbol", s.cfg.Symbol), zap.Error(err))
				}
			}
		}
	}
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// GetHealth returns the book's current health classification.
func (s *State) GetHealth() domain.Health {
	s.quoteMutex.RLock()
	initialized := s.initialized
	lastUpdate := s.lastUpdateTimeMs
	bookSize := len(s.levels)
	spread := s.spreadLocked()
	mid := s.midLocked()
	s.quoteMutex.RUnlock()

	open := s.breakerOpen()
	rate := s.errorRate()

	status := domain.HealthHealthy
	switch {
	case !initialized:
		status = domain.HealthUnhealthy
	case open:
		status = domain.HealthDegraded
	case lastUpdate != 0 && time.Since(msToTime(lastUpdate)) > staleBookTimeout:
		status = domain.HealthDegraded
	case rate >= 1:
		status = domain.HealthDegraded
	}

	return domain.Health{
		Status:             status,
		Initialized:        initialized,
		LastUpdateMs:       lastUpdate,
		CircuitBreakerOpen: open,
		ErrorRate:          rate,
		BookSize:           bookSize,
		Spread:             spread,
		MidPrice:           mid,
	}
}

// spreadLocked returns the spread assuming quoteMutex is already held for
// reading. Used by GetHealth's single-lock read.
func (s *State) spreadLocked() fixedpoint.Ticks {
	if s.bestBid == 0 || s.bestAsk == 0 {
		return 0
	}
	return s.bestAsk - s.bestBid
}
