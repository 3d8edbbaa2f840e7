package arbitration

import (
	"fmt"
	"time"

	kerrors "orchestrator/internal/errors"
)

// Decision is one worker's vote in an arbitration.
type Decision string

const (
	Approve Decision = "approve"
	Deny    Decision = "deny"
	Abstain Decision = "abstain"
)

// PleadingDecision is a single worker's decision in an arbitration.
type PleadingDecision struct {
	ID         string
	WorkerID   string
	Decision   Decision
	Confidence float64
	Reasoning  string
	Evidence   []string
	Timestamp  time.Time
}

// ConsensusLevel qualifies how closely N pleadings agree.
type ConsensusLevel string

const (
	Unanimous ConsensusLevel = "unanimous"
	Strong    ConsensusLevel = "strong"
	Weak      ConsensusLevel = "weak"
	Contested ConsensusLevel = "contested"
)

// ConsensusWeights maps a consensus level to its weight in the final-decision score.
type ConsensusWeights map[ConsensusLevel]float64

// DefaultConsensusWeights holds the default per-tier consensus weights.
var DefaultConsensusWeights = ConsensusWeights{
	Unanimous: 1.0,
	Strong:    0.8,
	Weak:      0.6,
	Contested: 0.4,
}

// CategoryBreakdown summarizes one decision category.
type CategoryBreakdown struct {
	Count          int
	TotalConfidence float64
	Workers         []string
}

// DecisionBreakdown is the {approve, deny, abstain} tally.
type DecisionBreakdown struct {
	Approve CategoryBreakdown
	Deny    CategoryBreakdown
	Abstain CategoryBreakdown
}

// ArbitrationResult is the coordinator's output.
type ArbitrationResult struct {
	FinalDecision      Decision
	Confidence         float64
	Reasoning          []string
	DecisionBreakdown  DecisionBreakdown
	ConsensusLevel     ConsensusLevel
	EscalationRequired bool
	ParticipantIDs     []string
}

// Config bundles the coordinator's tunables.
type Config struct {
	MinParticipants     int
	EscalationThreshold float64
	ConsensusWeights    ConsensusWeights
	ScorerWeights       ScorerWeights
}

// DefaultConfig holds the default arbitration thresholds and weights.
var DefaultConfig = Config{
	MinParticipants:     3,
	EscalationThreshold: 0.3,
	ConsensusWeights:    DefaultConsensusWeights,
	ScorerWeights:       DefaultScorerWeights,
}

// Arbitrate combines pleadings into a single ArbitrationResult. context maps
// a workerID to the signals the confidence scorer uses to compute that
// pleading's effective confidence; a worker absent from context falls back
// to its own self-reported Confidence.
func Arbitrate(pleadings []PleadingDecision, context map[string]WorkerContext, cfg Config) (ArbitrationResult, error) {
	if len(pleadings) < cfg.MinParticipants {
		return ArbitrationResult{}, kerrors.New(kerrors.InsufficientParticipants, "fewer than minParticipants pleadings")
	}

	breakdown := DecisionBreakdown{}
	participantIDs := make([]string, 0, len(pleadings))

	for _, p := range pleadings {
		confidence := p.Confidence
		if ctx, ok := context[p.WorkerID]; ok {
			confidence = Score(ctx, cfg.ScorerWeights)
		}
		participantIDs = append(participantIDs, p.WorkerID)

		switch p.Decision {
		case Approve:
			addToCategory(&breakdown.Approve, p.WorkerID, confidence)
		case Deny:
			addToCategory(&breakdown.Deny, p.WorkerID, confidence)
		default:
			addToCategory(&breakdown.Abstain, p.WorkerID, confidence)
		}
	}

	if breakdown.Approve.Count == 0 && breakdown.Deny.Count == 0 {
		return ArbitrationResult{}, kerrors.New(kerrors.InsufficientParticipants, "all pleadings abstained")
	}

	total := len(pleadings)
	level := classifyConsensus(breakdown, total)

	var finalDecision Decision
	var reasoning []string
	if level == Unanimous {
		if breakdown.Approve.Count > 0 {
			finalDecision = Approve
		} else {
			finalDecision = Deny
		}
		reasoning = append(reasoning, "unanimous "+string(finalDecision))
	} else {
		consensusWeight := cfg.ConsensusWeights[level]
		approveScore := sideScore(breakdown.Approve, consensusWeight)
		denyScore := sideScore(breakdown.Deny, consensusWeight)
		if approveScore >= denyScore {
			finalDecision = Approve
		} else {
			finalDecision = Deny
		}
		reasoning = append(reasoning, fmt.Sprintf("weighted score approve=%.2f deny=%.2f", approveScore, denyScore))
	}

	meanConfidence := meanConfidence(breakdown)
	winningCount := breakdown.Approve.Count
	if breakdown.Deny.Count > winningCount {
		winningCount = breakdown.Deny.Count
	}
	confidence := clamp01(0.4*cfg.ConsensusWeights[level] + 0.4*meanConfidence + 0.2*(float64(winningCount)/float64(total)))

	abstentionRatio := float64(breakdown.Abstain.Count) / float64(total)
	escalate := confidence < cfg.EscalationThreshold || level == Contested || abstentionRatio > 0.5

	return ArbitrationResult{
		FinalDecision:      finalDecision,
		Confidence:         confidence,
		Reasoning:          reasoning,
		DecisionBreakdown:  breakdown,
		ConsensusLevel:     level,
		EscalationRequired: escalate,
		ParticipantIDs:     participantIDs,
	}, nil
}

func addToCategory(cat *CategoryBreakdown, workerID string, confidence float64) {
	cat.Count++
	cat.TotalConfidence += confidence
	cat.Workers = append(cat.Workers, workerID)
}

// classifyConsensus implements: unanimous (all in one non-empty category),
// strong (>=75%), weak (>=50% and <75%), else contested. The >=50% boundary
// is fixed to weak, never contested.
func classifyConsensus(b DecisionBreakdown, total int) ConsensusLevel {
	nonEmpty := 0
	if b.Approve.Count > 0 {
		nonEmpty++
	}
	if b.Deny.Count > 0 {
		nonEmpty++
	}
	if b.Abstain.Count > 0 {
		nonEmpty++
	}
	if nonEmpty == 1 {
		return Unanimous
	}

	maxRatio := 0.0
	for _, count := range []int{b.Approve.Count, b.Deny.Count, b.Abstain.Count} {
		ratio := float64(count) / float64(total)
		if ratio > maxRatio {
			maxRatio = ratio
		}
	}

	switch {
	case maxRatio >= 0.75:
		return Strong
	case maxRatio >= 0.50:
		return Weak
	default:
		return Contested
	}
}

func sideScore(cat CategoryBreakdown, consensusWeight float64) float64 {
	if cat.Count == 0 {
		return 0
	}
	avgConfidence := cat.TotalConfidence / float64(cat.Count)
	return avgConfidence*consensusWeight + float64(cat.Count)*0.1
}

func meanConfidence(b DecisionBreakdown) float64 {
	total := b.Approve.Count + b.Deny.Count + b.Abstain.Count
	if total == 0 {
		return 0
	}
	sum := b.Approve.TotalConfidence + b.Deny.TotalConfidence + b.Abstain.TotalConfidence
	return sum / float64(total)
}
