// Package arbitration implements the Confidence Scorer and Arbitration
// Coordinator: the confidence scorer turns one worker's verification and
// history signals into a score in [0,1]; the coordinator combines N
// pleading decisions, scored this way, into a single final decision with a
// consensus classification and an escalation signal.
package arbitration

import "math"

// ConfidenceLevel buckets a score for display/thresholding purposes.
type ConfidenceLevel string

const (
	VeryHigh ConfidenceLevel = "very_high"
	High     ConfidenceLevel = "high"
	Medium   ConfidenceLevel = "medium"
	Low      ConfidenceLevel = "low"
	VeryLow  ConfidenceLevel = "very_low"
)

// ScorerWeights are the confidence scorer's per-factor weights. They need
// not sum to exactly 1 — the overall score is weight-normalized.
type ScorerWeights struct {
	VerificationSuccessRate float64
	ClaimEvidenceQuality    float64
	WorkerHistory           float64
	ArbitrationWins         float64
	CawsCompliance          float64
}

// DefaultScorerWeights holds the default per-factor scorer weights; CawsCompliance defaults
// to 0 (opt-in).
var DefaultScorerWeights = ScorerWeights{
	VerificationSuccessRate: 0.40,
	ClaimEvidenceQuality:    0.30,
	WorkerHistory:           0.20,
	ArbitrationWins:         0.10,
	CawsCompliance:          0,
}

// WorkerContext carries the raw per-worker signals the scorer weighs. Zero
// values fall back to neutral defaults (new
// workers score 0.5 on history/arbitration factors rather than 0).
type WorkerContext struct {
	VerificationSuccessRate       float64 // fraction of verification checks that succeeded, in [0,1]
	SuccessfulVerificationAvgConf float64 // average confidence of the successful verifications
	EvidenceKinds                 int     // distinct evidence kinds present (sources, citations, calculations, data, references)

	SuccessfulTasks        int
	TotalTasks              int
	AvgHistoricalAccuracy   float64 // in [0,1]

	ArbitrationWins   int
	ArbitrationLosses int

	CawsViolations int
	CawsTasks      int
}

// Score computes the weight-normalized, clamped overall confidence score
// for a single worker's decision.
func Score(ctx WorkerContext, weights ScorerWeights) float64 {
	evidenceMultiplier := math.Min(1.0, 0.2*float64(ctx.EvidenceKinds))
	claimEvidenceQuality := ctx.SuccessfulVerificationAvgConf * evidenceMultiplier

	var workerHistory float64
	if ctx.TotalTasks == 0 {
		workerHistory = 0.5
	} else {
		successRate := float64(ctx.SuccessfulTasks) / float64(ctx.TotalTasks)
		workerHistory = math.Min(1.0, successRate+0.2*ctx.AvgHistoricalAccuracy)
	}

	var arbitrationWins float64
	if ctx.ArbitrationWins+ctx.ArbitrationLosses == 0 {
		arbitrationWins = 0.5
	} else {
		arbitrationWins = float64(ctx.ArbitrationWins) / float64(ctx.ArbitrationWins+ctx.ArbitrationLosses)
	}

	var cawsCompliance float64 = 1.0
	if ctx.CawsTasks > 0 {
		cawsCompliance = 1.0 - float64(ctx.CawsViolations)/float64(ctx.CawsTasks)
	}

	verificationSuccessRate := clamp01(ctx.VerificationSuccessRate)

	totalWeight := weights.VerificationSuccessRate + weights.ClaimEvidenceQuality + weights.WorkerHistory + weights.ArbitrationWins + weights.CawsCompliance
	if totalWeight == 0 {
		return 0.5
	}

	sum := weights.VerificationSuccessRate*verificationSuccessRate +
		weights.ClaimEvidenceQuality*claimEvidenceQuality +
		weights.WorkerHistory*workerHistory +
		weights.ArbitrationWins*arbitrationWins +
		weights.CawsCompliance*cawsCompliance

	return clamp01(sum / totalWeight)
}

// Level buckets a score into a ConfidenceLevel using the default
// thresholds (very_high >= 0.9, high >= 0.8, medium >= 0.6, low >= 0.4, else
// very_low).
func Level(score float64) ConfidenceLevel {
	switch {
	case score >= 0.9:
		return VeryHigh
	case score >= 0.8:
		return High
	case score >= 0.6:
		return Medium
	case score >= 0.4:
		return Low
	default:
		return VeryLow
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
