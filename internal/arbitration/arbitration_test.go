package arbitration

import (
	"testing"

	"github.com/stretchr/testify/require"

	kerrors "orchestrator/internal/errors"
)

func TestArbitrate_InsufficientParticipants(t *testing.T) {
	_, err := Arbitrate([]PleadingDecision{{Decision: Approve, Confidence: 0.9}}, nil, DefaultConfig)
	require.True(t, kerrors.Is(err, kerrors.InsufficientParticipants))
}

func TestArbitrate_AllAbstain(t *testing.T) {
	pleadings := []PleadingDecision{
		{WorkerID: "w1", Decision: Abstain, Confidence: 0.5},
		{WorkerID: "w2", Decision: Abstain, Confidence: 0.5},
		{WorkerID: "w3", Decision: Abstain, Confidence: 0.5},
	}
	_, err := Arbitrate(pleadings, nil, DefaultConfig)
	require.True(t, kerrors.Is(err, kerrors.InsufficientParticipants))
}

func TestScenarioD_Unanimous(t *testing.T) {
	pleadings := []PleadingDecision{
		{WorkerID: "w1", Decision: Approve, Confidence: 0.9},
		{WorkerID: "w2", Decision: Approve, Confidence: 0.8},
		{WorkerID: "w3", Decision: Approve, Confidence: 0.85},
	}
	result, err := Arbitrate(pleadings, nil, DefaultConfig)
	require.NoError(t, err)
	require.Equal(t, Approve, result.FinalDecision)
	require.Equal(t, Unanimous, result.ConsensusLevel)
	require.False(t, result.EscalationRequired)
	require.InDelta(t, 0.94, result.Confidence, 0.005)
}

func TestScenarioE_FiftyFiftyIsWeakNotContested(t *testing.T) {
	pleadings := []PleadingDecision{
		{WorkerID: "w1", Decision: Approve, Confidence: 0.6},
		{WorkerID: "w2", Decision: Approve, Confidence: 0.5},
		{WorkerID: "w3", Decision: Deny, Confidence: 0.7},
		{WorkerID: "w4", Decision: Deny, Confidence: 0.8},
	}
	result, err := Arbitrate(pleadings, nil, DefaultConfig)
	require.NoError(t, err)
	require.Equal(t, Weak, result.ConsensusLevel)
	require.Equal(t, Deny, result.FinalDecision)
}

func TestProperty_FinalDecisionNeverAbstain(t *testing.T) {
	pleadings := []PleadingDecision{
		{WorkerID: "w1", Decision: Approve, Confidence: 0.4},
		{WorkerID: "w2", Decision: Deny, Confidence: 0.4},
		{WorkerID: "w3", Decision: Abstain, Confidence: 0.9},
	}
	result, err := Arbitrate(pleadings, nil, DefaultConfig)
	require.NoError(t, err)
	require.Contains(t, []Decision{Approve, Deny}, result.FinalDecision)
}

func TestProperty_UnanimousMatchesParticipants(t *testing.T) {
	pleadings := []PleadingDecision{
		{WorkerID: "w1", Decision: Deny, Confidence: 0.6},
		{WorkerID: "w2", Decision: Deny, Confidence: 0.7},
		{WorkerID: "w3", Decision: Deny, Confidence: 0.8},
	}
	result, err := Arbitrate(pleadings, nil, DefaultConfig)
	require.NoError(t, err)
	require.Equal(t, Unanimous, result.ConsensusLevel)
	require.Equal(t, Deny, result.FinalDecision)
}

func TestEscalation_ExactlyAtThresholdDoesNotEscalate(t *testing.T) {
	cfg := DefaultConfig
	cfg.EscalationThreshold = 0.94 // match scenario D's confidence exactly
	pleadings := []PleadingDecision{
		{WorkerID: "w1", Decision: Approve, Confidence: 0.9},
		{WorkerID: "w2", Decision: Approve, Confidence: 0.8},
		{WorkerID: "w3", Decision: Approve, Confidence: 0.85},
	}
	result, err := Arbitrate(pleadings, nil, cfg)
	require.NoError(t, err)
	require.InDelta(t, cfg.EscalationThreshold, result.Confidence, 0.005)
	require.False(t, result.EscalationRequired, "confidence exactly at threshold must not escalate")
}
