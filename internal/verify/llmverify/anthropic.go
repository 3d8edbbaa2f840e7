// Package llmverify is an example out-of-core verification provider backed
// by the Anthropic API: one concrete Verifier the confidence scorer's
// context can be populated from. Circuit breaking lives here, in the
// adapter, never in the core, per the kernel's retry/circuit-breaker
// redesign note; a failed call is not retried.
package llmverify

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker"

	"orchestrator/internal/verify"
)

// Config controls the Anthropic-backed verifier.
type Config struct {
	APIKey string
	Model  string
}

// AnthropicVerifier checks a claim by asking the model to judge it,
// guarded by a circuit breaker so a degraded API surfaces as an Errored
// result (an open breaker rejects the call at once) rather than cascading
// failures into every arbitration call.
type AnthropicVerifier struct {
	client  anthropic.Client
	model   string
	breaker *gobreaker.CircuitBreaker
}

// New constructs an AnthropicVerifier.
func New(cfg Config) *AnthropicVerifier {
	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
	model := cfg.Model
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "anthropic-verifier",
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &AnthropicVerifier{client: client, model: model, breaker: breaker}
}

// Verify asks the model whether claim.Text is supported, classifying the
// reply into the core's closed Outcome set.
func (v *AnthropicVerifier) Verify(ctx context.Context, claim verify.Claim) verify.Result {
	result, err := v.breaker.Execute(func() (any, error) {
		return v.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(v.model),
			MaxTokens: 256,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(
					"Judge whether the following claim is well-supported. Reply with exactly one word: SUPPORTED, REFUTED, or UNCLEAR.\n\nClaim: " + claim.Text,
				)),
			},
		})
	})
	if err != nil {
		return verify.Result{Outcome: verify.Errored, Err: err}
	}

	message, ok := result.(*anthropic.Message)
	if !ok || len(message.Content) == 0 {
		return verify.Result{Outcome: verify.Insufficient}
	}

	verdict := strings.ToUpper(strings.TrimSpace(message.Content[0].Text))
	switch {
	case strings.Contains(verdict, "SUPPORTED"):
		return verify.Result{Outcome: verify.Verified, Confidence: 0.8}
	case strings.Contains(verdict, "REFUTED"):
		return verify.Result{Outcome: verify.Refuted, Confidence: 0.8}
	default:
		return verify.Result{Outcome: verify.Insufficient}
	}
}
