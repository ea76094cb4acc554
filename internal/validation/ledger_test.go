package validation

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/vitos/microstructure-core/internal/domain"
	"github.com/vitos/microstructure-core/internal/fixedpoint"
)

// fakeSink is an in-memory domain.OutcomeSink recording every write.
type fakeSink struct {
	mu    sync.Mutex
	lines []fakeLine
}

type fakeLine struct {
	detector domain.DetectorType
	kind     domain.OutcomeKind
	record   domain.ValidationRecord
}

func (f *fakeSink) Write(ctx context.Context, detector domain.DetectorType, kind domain.OutcomeKind, record domain.ValidationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, fakeLine{detector: detector, kind: kind, record: record})
	return nil
}
func (f *fakeSink) Flush(ctx context.Context) error { return nil }
func (f *fakeSink) Close() error                    { return nil }

func (f *fakeSink) kinds(id string) []domain.OutcomeKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.OutcomeKind
	for _, l := range f.lines {
		if l.record.ID == id {
			out = append(out, l.kind)
		}
	}
	return out
}

func (f *fakeSink) last(id string) (domain.ValidationRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found domain.ValidationRecord
	ok := false
	for _, l := range f.lines {
		if l.record.ID == id && l.kind != domain.KindSuccessful && l.kind != domain.KindRejectedMissed {
			found = l.record
			ok = true
		}
	}
	return found, ok
}

func newTestLedger(sink *fakeSink) *Ledger {
	return New(Config{Symbol: "BTCUSDT", Scale: fixedpoint.NewScale(2)}, sink, nil, zap.NewNop())
}

// TestTPBeforeSLForBuySignal mirrors the spec's scenario 3.
func TestTPBeforeSLForBuySignal(t *testing.T) {
	scale := fixedpoint.NewScale(2)
	sink := &fakeSink{}
	l := newTestLedger(sink)

	t0 := int64(1_700_000_000_000)
	l.UpdateCurrentPrice(t0, scale.FromFloat(100.00))
	l.UpdateCurrentPrice(t0+1*60_000, scale.FromFloat(100.20))
	l.UpdateCurrentPrice(t0+5*60_000, scale.FromFloat(100.50))
	l.UpdateCurrentPrice(t0+20*60_000, scale.FromFloat(100.71))

	l.SubmitSignal(domain.SignalCandidate{
		SignalID: "sig-1", DetectorType: domain.DetectorAbsorption, Side: domain.SideBuy,
		Price: scale.FromFloat(100.00), Timestamp: t0,
	})

	l.ProcessDue(context.Background(), t0+90*60_000+1)

	record, ok := sink.last("sig-1")
	if !ok {
		t.Fatalf("expected a finalized record for sig-1")
	}
	if record.TPSLStatus != domain.StatusTP {
		t.Fatalf("TPSLStatus = %v, want TP", record.TPSLStatus)
	}
	if record.ActualTPPrice != scale.FromFloat(100.71) {
		t.Fatalf("ActualTPPrice = %v, want 100.71", record.ActualTPPrice)
	}
	if record.TimeToTPMinutes != 20 {
		t.Fatalf("TimeToTPMinutes = %v, want 20", record.TimeToTPMinutes)
	}
	if record.SignalQuality != domain.QualityBottom {
		t.Fatalf("SignalQuality = %v, want bottom", record.SignalQuality)
	}
	found := false
	for _, k := range sink.kinds("sig-1") {
		if k == domain.KindSuccessful {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected sig-1 written to successful stream")
	}
}

// TestSLBeforeTPInvalidatesSuccess mirrors the spec's scenario 4.
func TestSLBeforeTPInvalidatesSuccess(t *testing.T) {
	scale := fixedpoint.NewScale(2)
	sink := &fakeSink{}
	l := newTestLedger(sink)

	t0 := int64(1_700_000_000_000)
	l.UpdateCurrentPrice(t0, scale.FromFloat(100.00))
	l.UpdateCurrentPrice(t0+1*60_000, scale.FromFloat(99.60))
	l.UpdateCurrentPrice(t0+30*60_000, scale.FromFloat(100.71))

	l.SubmitSignal(domain.SignalCandidate{
		SignalID: "sig-2", DetectorType: domain.DetectorAbsorption, Side: domain.SideBuy,
		Price: scale.FromFloat(100.00), Timestamp: t0,
	})
	l.ProcessDue(context.Background(), t0+90*60_000+1)

	record, ok := sink.last("sig-2")
	if !ok {
		t.Fatalf("expected a finalized record for sig-2")
	}
	if record.TPSLStatus != domain.StatusSL {
		t.Fatalf("TPSLStatus = %v, want SL", record.TPSLStatus)
	}
	for _, k := range sink.kinds("sig-2") {
		if k == domain.KindSuccessful {
			t.Fatalf("sig-2 must not be written to the successful stream")
		}
	}
}

// TestMissedOpportunityOnRejection mirrors the spec's scenario 5.
func TestMissedOpportunityOnRejection(t *testing.T) {
	scale := fixedpoint.NewScale(2)
	sink := &fakeSink{}
	l := newTestLedger(sink)

	t0 := int64(1_700_000_000_000)
	l.UpdateCurrentPrice(t0, scale.FromFloat(50.00))
	l.UpdateCurrentPrice(t0+10*60_000, scale.FromFloat(49.90))
	l.UpdateCurrentPrice(t0+40*60_000, scale.FromFloat(50.40))

	l.SubmitRejection(domain.RejectionCandidate{
		RejectionID: "rej-1", DetectorType: domain.DetectorAbsorption, Side: domain.SideBuy,
		Price: scale.FromFloat(50.00), Timestamp: t0, Reason: "confidence_too_low",
	})
	l.ProcessDue(context.Background(), t0+90*60_000+1)

	record, ok := sink.last("rej-1")
	if !ok {
		t.Fatalf("expected a finalized record for rej-1")
	}
	if record.TPSLStatus != domain.StatusTP {
		t.Fatalf("TPSLStatus = %v, want TP", record.TPSLStatus)
	}
	found := false
	for _, k := range sink.kinds("rej-1") {
		if k == domain.KindRejectedMissed {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected rej-1 written to rejected_missed stream")
	}
}

// TestInsufficientVolumeRejectionNeverMissedOpportunity confirms the
// reason-based exclusion from the missed-opportunity stream.
func TestInsufficientVolumeRejectionNeverMissedOpportunity(t *testing.T) {
	scale := fixedpoint.NewScale(2)
	sink := &fakeSink{}
	l := newTestLedger(sink)

	t0 := int64(1_700_000_000_000)
	l.UpdateCurrentPrice(t0, scale.FromFloat(50.00))
	l.UpdateCurrentPrice(t0+40*60_000, scale.FromFloat(50.40))

	l.SubmitRejection(domain.RejectionCandidate{
		RejectionID: "rej-2", DetectorType: domain.DetectorAbsorption, Side: domain.SideBuy,
		Price: scale.FromFloat(50.00), Timestamp: t0, Reason: "Insufficient aggregate volume",
	})
	l.ProcessDue(context.Background(), t0+90*60_000+1)

	for _, k := range sink.kinds("rej-2") {
		if k == domain.KindRejectedMissed {
			t.Fatalf("Insufficient aggregate volume rejection must not reach rejected_missed")
		}
	}
}

// TestMissingPriceHistoryRecordsNeither verifies the failure semantics:
// no price-history data means the ledger records NEITHER and proceeds.
func TestMissingPriceHistoryRecordsNeither(t *testing.T) {
	scale := fixedpoint.NewScale(2)
	sink := &fakeSink{}
	l := newTestLedger(sink)

	t0 := int64(1_700_000_000_000)
	l.SubmitSignal(domain.SignalCandidate{
		SignalID: "sig-3", DetectorType: domain.DetectorExhaustion, Side: domain.SideSell,
		Price: scale.FromFloat(20.00), Timestamp: t0,
	})
	l.ProcessDue(context.Background(), t0+90*60_000+1)

	record, ok := sink.last("sig-3")
	if !ok {
		t.Fatalf("expected a finalized record for sig-3")
	}
	if record.TPSLStatus != domain.StatusNeither {
		t.Fatalf("TPSLStatus = %v, want NEITHER", record.TPSLStatus)
	}
}
