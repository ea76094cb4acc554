// Package validation tracks every emitted signal and rejection against its
// subsequent price trajectory and persists the resulting TP/SL/NEITHER
// outcome.
package validation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/microstructure-core/internal/domain"
	"github.com/vitos/microstructure-core/internal/fixedpoint"
)

const (
	tpPct = 0.007
	slPct = 0.0035

	priceHistoryWindow = 2 * time.Hour
)

// Config is the immutable configuration for one Ledger.
type Config struct {
	Symbol string
	Scale  fixedpoint.Scale
}

type pricePoint struct {
	timestampMs int64
	price       fixedpoint.Ticks
}

// Ledger is the SignalValidationLedger component from the spec: one
// instance per symbol.
type Ledger struct {
	cfg    Config
	logger *zap.Logger

	primary   domain.OutcomeSink // required JSONL stream
	secondary domain.OutcomeSink // best-effort secondary index (SQLite), failures are logged only

	mu                 sync.Mutex
	pendingSignals     map[string]*domain.ValidationRecord
	pendingRejections  map[string]*domain.ValidationRecord
	priceHistory       []pricePoint
	wheel              *timerWheel
}

// New constructs a Ledger. primary must not be nil; secondary may be nil if
// no SQLite index is configured.
func New(cfg Config, primary, secondary domain.OutcomeSink, logger *zap.Logger) *Ledger {
	return &Ledger{
		cfg:               cfg,
		logger:            logger,
		primary:           primary,
		secondary:         secondary,
		pendingSignals:    make(map[string]*domain.ValidationRecord),
		pendingRejections: make(map[string]*domain.ValidationRecord),
		wheel:             newTimerWheel(),
	}
}

// UpdateCurrentPrice appends a price observation and evicts entries older
// than the 2-hour retention window.
func (l *Ledger) UpdateCurrentPrice(timestampMs int64, price fixedpoint.Ticks) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.priceHistory = append(l.priceHistory, pricePoint{timestampMs: timestampMs, price: price})
	cutoff := timestampMs - priceHistoryWindow.Milliseconds()
	i := 0
	for i < len(l.priceHistory) && l.priceHistory[i].timestampMs < cutoff {
		i++
	}
	if i > 0 {
		l.priceHistory = l.priceHistory[i:]
	}
}

// SubmitSignal registers an accepted signal for validation and schedules its
// four fixed checkpoints.
func (l *Ledger) SubmitSignal(s domain.SignalCandidate) {
	record := &domain.ValidationRecord{
		ID:              s.SignalID,
		DetectorType:    s.DetectorType,
		Side:            s.Side,
		OriginPrice:     s.Price,
		OriginTimestamp: s.Timestamp,
		ThresholdChecks: s.ThresholdChecks,
		TPSLStatus:      domain.StatusPending,
	}
	l.mu.Lock()
	l.pendingSignals[s.SignalID] = record
	l.wheel.schedule(s.SignalID, false, s.Timestamp)
	l.mu.Unlock()
}

// SubmitRejection registers a rejected signal for missed-opportunity
// tracking.
func (l *Ledger) SubmitRejection(r domain.RejectionCandidate) {
	record := &domain.ValidationRecord{
		ID:              r.RejectionID,
		IsRejection:     true,
		RejectReason:    r.Reason,
		DetectorType:    r.DetectorType,
		Side:            r.Side,
		OriginPrice:     r.Price,
		OriginTimestamp: r.Timestamp,
		ThresholdChecks: r.ThresholdChecks,
		TPSLStatus:      domain.StatusPending,
	}
	l.mu.Lock()
	l.pendingRejections[r.RejectionID] = record
	l.wheel.schedule(r.RejectionID, true, r.Timestamp)
	l.mu.Unlock()
}

// ProcessDue runs every scheduled check whose deadline has passed. It is
// called cooperatively after trade processing and by the engine's periodic
// sweep during quiet periods; due checks run inline on the calling
// goroutine, so a burst of signals never spawns a burst of goroutines.
func (l *Ledger) ProcessDue(ctx context.Context, nowMs int64) {
	l.mu.Lock()
	due := l.wheel.due(nowMs)
	l.mu.Unlock()

	for _, check := range due {
		l.runCheck(ctx, check)
	}
}

func (l *Ledger) runCheck(ctx context.Context, check *scheduledCheck) {
	l.mu.Lock()
	record := l.lookupLocked(check.recordID, check.isRejection)
	if record == nil {
		l.mu.Unlock()
		return
	}
	outcome := l.checkSignalOutcomeLocked(record)
	record.MaxFavorableMove = outcome.maxFavorableMove
	record.ActualTPPrice = outcome.tpPrice
	record.ActualSLPrice = outcome.slPrice
	record.TimeToTPMinutes = outcome.timeToTPMinutes
	record.TPSLStatus = outcome.status

	finalize := check.kind == checkFinal
	var finalized domain.ValidationRecord
	if finalize {
		record.SignalQuality = classifyQuality(record)
		finalized = *record
		if check.isRejection {
			delete(l.pendingRejections, check.recordID)
		} else {
			delete(l.pendingSignals, check.recordID)
		}
	}
	l.mu.Unlock()

	if !finalize {
		return
	}
	l.persist(ctx, finalized)
}

func (l *Ledger) lookupLocked(id string, isRejection bool) *domain.ValidationRecord {
	if isRejection {
		return l.pendingRejections[id]
	}
	return l.pendingSignals[id]
}

func classifyQuality(r *domain.ValidationRecord) domain.SignalQuality {
	if r.TPSLStatus != domain.StatusTP {
		return domain.QualityNoise
	}
	if r.Side == domain.SideBuy {
		return domain.QualityBottom
	}
	return domain.QualityTop
}

func (l *Ledger) persist(ctx context.Context, record domain.ValidationRecord) {
	kind := outcomeKindFor(record)
	if err := l.primary.Write(ctx, record.DetectorType, kind, record); err != nil {
		l.logger.Error("validation: primary sink write failed",
			zap.String("symbol", l.cfg.Symbol), zap.String("id", record.ID), zap.Error(err))
	}
	if l.secondary != nil {
		if err := l.secondary.Write(ctx, record.DetectorType, kind, record); err != nil {
			l.logger.Warn("validation: secondary index write failed",
				zap.String("symbol", l.cfg.Symbol), zap.String("id", record.ID), zap.Error(err))
		}
	}

	if record.IsRejection {
		if record.TPSLStatus == domain.StatusTP && record.RejectReason != "Insufficient aggregate volume" {
			if err := l.primary.Write(ctx, record.DetectorType, domain.KindRejectedMissed, record); err != nil {
				l.logger.Error("validation: missed-opportunity write failed",
					zap.String("symbol", l.cfg.Symbol), zap.String("id", record.ID), zap.Error(err))
			}
		}
		return
	}
	if record.TPSLStatus == domain.StatusTP {
		if err := l.primary.Write(ctx, record.DetectorType, domain.KindSuccessful, record); err != nil {
			l.logger.Error("validation: successful-stream write failed",
				zap.String("symbol", l.cfg.Symbol), zap.String("id", record.ID), zap.Error(err))
		}
	}
}

func outcomeKindFor(r domain.ValidationRecord) domain.OutcomeKind {
	if r.IsRejection {
		return domain.KindRejections
	}
	return domain.KindValidation
}

// Shutdown cancels every pending timer and flushes the persistence sinks.
// Called with the fixed-final-check semantics bypassed: anything still
// pending at shutdown is simply dropped, matching "timers are cancellable
// on shutdown".
func (l *Ledger) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.wheel.cancelAll()
	l.mu.Unlock()

	if err := l.primary.Flush(ctx); err != nil {
		l.logger.Error("validation: primary flush on shutdown failed", zap.Error(err))
	}
	if l.secondary != nil {
		if err := l.secondary.Flush(ctx); err != nil {
			l.logger.Warn("validation: secondary flush on shutdown failed", zap.Error(err))
		}
	}
	return nil
}

type outcomeResult struct {
	maxFavorableMove float64
	tpPrice          fixedpoint.Ticks
	slPrice          fixedpoint.Ticks
	timeToTPMinutes  float64
	status           domain.TPSLStatus
}

// checkSignalOutcomeLocked walks priceHistory forward from the record's
// origin timestamp to the 90-minute horizon, per the spec's walk algorithm.
// Caller holds l.mu.
func (l *Ledger) checkSignalOutcomeLocked(record *domain.ValidationRecord) outcomeResult {
	p0 := float64(record.OriginPrice)
	t0 := record.OriginTimestamp
	horizon := t0 + 90*60_000

	var tp, sl float64
	isBuy := record.Side == domain.SideBuy
	if isBuy {
		tp = p0 * (1 + tpPct)
		sl = p0 * (1 - slPct)
	} else {
		tp = p0 * (1 - tpPct)
		sl = p0 * (1 + slPct)
	}

	var (
		tpHit, slHit, hitStopLossFirst bool
		tpPriceHit, slPriceHit         fixedpoint.Ticks
		timeToTPMinutes                float64
		bestFavorable                  = p0
	)

	for _, pt := range l.priceHistory {
		if pt.timestampMs < t0 {
			continue
		}
		if pt.timestampMs > horizon {
			break
		}
		price := float64(pt.price)

		if isBuy {
			if price > bestFavorable {
				bestFavorable = price
			}
		} else {
			if price < bestFavorable {
				bestFavorable = price
			}
		}

		if !tpHit && !slHit {
			if isBuy && price <= sl {
				slHit, hitStopLossFirst = true, true
				slPriceHit = pt.price
			} else if !isBuy && price >= sl {
				slHit, hitStopLossFirst = true, true
				slPriceHit = pt.price
			}
		}

		if !tpHit {
			if isBuy && price >= tp {
				tpHit = true
				tpPriceHit = pt.price
				timeToTPMinutes = float64(pt.timestampMs-t0) / 60000
			} else if !isBuy && price <= tp {
				tpHit = true
				tpPriceHit = pt.price
				timeToTPMinutes = float64(pt.timestampMs-t0) / 60000
			}
		}
	}

	status := domain.StatusNeither
	switch {
	case hitStopLossFirst:
		status = domain.StatusSL
	case tpHit:
		status = domain.StatusTP
	}

	var maxFavorableMove float64
	if p0 != 0 {
		maxFavorableMove = (bestFavorable - p0) / p0
		if !isBuy {
			maxFavorableMove = -maxFavorableMove
		}
	}

	return outcomeResult{
		maxFavorableMove: maxFavorableMove,
		tpPrice:          tpPriceHit,
		slPrice:          slPriceHit,
		timeToTPMinutes:  timeToTPMinutes,
		status:           status,
	}
}
