package domain

import "github.com/vitos/microstructure-core/internal/fixedpoint"

// DetectorType identifies which out-of-scope detector produced a signal or
// rejection.
type DetectorType string

const (
	DetectorAbsorption DetectorType = "absorption"
	DetectorExhaustion  DetectorType = "exhaustion"
	DetectorDeltaCVD    DetectorType = "deltacvd"
)

// Side is the direction a signal or rejection would have traded.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// AbsorptionChecks are the threshold checks specific to the absorption
// detector.
type AbsorptionChecks struct {
	PassiveAbsorptionRatio float64
	AggressiveVolume       fixedpoint.Ticks
	DominantSide           Side
}

// ExhaustionChecks are the threshold checks specific to the exhaustion
// detector.
type ExhaustionChecks struct {
	DepletionRatio float64
	VelocityDrop   float64
}

// DeltaCVDChecks are the threshold checks specific to the CVD-divergence
// detector.
type DeltaCVDChecks struct {
	CVDSlope       float64
	PriceSlope     float64
	DivergenceBps  float64
}

// ThresholdChecks is a tagged variant keyed by DetectorType: exactly one of
// Absorption/Exhaustion/DeltaCVD is set, matching the field named by Type.
// Deliberately not a free-form map — see DESIGN.md Open Questions.
type ThresholdChecks struct {
	Type        DetectorType
	Absorption  *AbsorptionChecks `json:",omitempty"`
	Exhaustion  *ExhaustionChecks `json:",omitempty"`
	DeltaCVD    *DeltaCVDChecks   `json:",omitempty"`
}

// NewAbsorptionChecks builds a ThresholdChecks tagged as absorption.
func NewAbsorptionChecks(c AbsorptionChecks) ThresholdChecks {
	return ThresholdChecks{Type: DetectorAbsorption, Absorption: &c}
}

// NewExhaustionChecks builds a ThresholdChecks tagged as exhaustion.
func NewExhaustionChecks(c ExhaustionChecks) ThresholdChecks {
	return ThresholdChecks{Type: DetectorExhaustion, Exhaustion: &c}
}

// NewDeltaCVDChecks builds a ThresholdChecks tagged as deltacvd.
func NewDeltaCVDChecks(c DeltaCVDChecks) ThresholdChecks {
	return ThresholdChecks{Type: DetectorDeltaCVD, DeltaCVD: &c}
}

// SignalCandidate is an emitted signal awaiting validation.
type SignalCandidate struct {
	SignalID        string
	DetectorType    DetectorType
	Side            Side
	Price           fixedpoint.Ticks
	Timestamp       int64 // unix millis
	Confidence      float64
	ThresholdChecks ThresholdChecks
}

// RejectionCandidate is a rejected signal tracked for missed-opportunity
// analysis.
type RejectionCandidate struct {
	RejectionID     string
	DetectorType    DetectorType
	Side            Side
	Price           fixedpoint.Ticks
	Timestamp       int64
	Reason          string
	ThresholdChecks ThresholdChecks
}

// TPSLStatus is the outcome classification of a validation record.
type TPSLStatus string

const (
	StatusPending TPSLStatus = "PENDING"
	StatusTP      TPSLStatus = "TP"
	StatusSL      TPSLStatus = "SL"
	StatusNeither TPSLStatus = "NEITHER"
)

// SignalQuality buckets a finalized record for reporting.
type SignalQuality string

const (
	QualityTop   SignalQuality = "top"
	QualityBottom SignalQuality = "bottom"
	QualityNoise SignalQuality = "noise"
)

// ValidationRecord tracks one signal or rejection against its subsequent
// price trajectory.
type ValidationRecord struct {
	ID           string // SignalID or RejectionID
	IsRejection  bool
	RejectReason string

	DetectorType    DetectorType
	Side            Side
	OriginPrice     fixedpoint.Ticks
	OriginTimestamp int64
	ThresholdChecks ThresholdChecks

	MaxFavorableMove float64
	ActualTPPrice    fixedpoint.Ticks
	ActualSLPrice    fixedpoint.Ticks
	TimeToTPMinutes  float64

	TPSLStatus    TPSLStatus
	SignalQuality SignalQuality
}

// OutcomeKind selects which JSONL stream a finalized record is written to.
type OutcomeKind string

const (
	KindValidation     OutcomeKind = "validation"
	KindRejections     OutcomeKind = "rejections"
	KindSuccessful     OutcomeKind = "successful"
	KindRejectedMissed OutcomeKind = "rejected_missed"
)
