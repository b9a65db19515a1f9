// Package grading turns a completing agent's self-assessment into a risk
// classification the orchestrator can act on.
package grading

import (
	"github.com/agentmux/agentmux/internal/common/errdefs"
)

// Levels for the clarity and confidence axes.
const (
	LevelHigh   = "high"
	LevelMedium = "medium"
	LevelLow    = "low"
)

// Levels for the blastRadius axis.
const (
	RadiusIsolated = "isolated"
	RadiusModerate = "moderate"
	RadiusWide     = "wide"
)

// Risk classes.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

const maxReasoningLen = 5000

// Grade is the self-assessment an agent attaches to a task result.
type Grade struct {
	Clarity     string `json:"clarity"`
	Confidence  string `json:"confidence"`
	BlastRadius string `json:"blastRadius"`
	Reasoning   string `json:"reasoning,omitempty"`
}

// Result is the computed classification.
type Result struct {
	Risk      string `json:"risk"`
	Score     int    `json:"score"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Axis scores: 0 best, 2 worst.
var (
	clarityScores = map[string]int{
		LevelHigh:   0,
		LevelMedium: 1,
		LevelLow:    2,
	}
	confidenceScores = map[string]int{
		LevelHigh:   0,
		LevelMedium: 1,
		LevelLow:    2,
	}
	radiusScores = map[string]int{
		RadiusIsolated: 0,
		RadiusModerate: 1,
		RadiusWide:     2,
	}
)

// Validate rejects unknown axis labels and oversized reasoning.
func Validate(g Grade) error {
	if _, ok := clarityScores[g.Clarity]; !ok {
		return errdefs.Invalidf("invalid clarity level %q", g.Clarity)
	}
	if _, ok := confidenceScores[g.Confidence]; !ok {
		return errdefs.Invalidf("invalid confidence level %q", g.Confidence)
	}
	if _, ok := radiusScores[g.BlastRadius]; !ok {
		return errdefs.Invalidf("invalid blastRadius level %q", g.BlastRadius)
	}
	if len(g.Reasoning) > maxReasoningLen {
		return errdefs.Invalidf("reasoning exceeds %d characters", maxReasoningLen)
	}
	return nil
}

// Compute validates the grade and derives its risk class. The summed axis
// score maps 0..1 to low, 2..3 to medium and 4..6 to high; any axis at its
// worst value raises the floor to medium.
func Compute(g Grade) (Result, error) {
	if err := Validate(g); err != nil {
		return Result{}, err
	}
	c := clarityScores[g.Clarity]
	f := confidenceScores[g.Confidence]
	r := radiusScores[g.BlastRadius]
	score := c + f + r

	risk := RiskLow
	switch {
	case score >= 4:
		risk = RiskHigh
	case score >= 2:
		risk = RiskMedium
	}
	if risk == RiskLow && (c == 2 || f == 2 || r == 2) {
		risk = RiskMedium
	}
	return Result{Risk: risk, Score: score, Reasoning: g.Reasoning}, nil
}
