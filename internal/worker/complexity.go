package worker

import (
	"strings"

	"github.com/justinstimatze/undercity/internal/core"
)

// ComplexityLevel buckets a task's expected difficulty, used to shape the
// agent prompt and pick a sane starting review depth.
type ComplexityLevel string

const (
	ComplexityTrivial  ComplexityLevel = "trivial"
	ComplexitySimple   ComplexityLevel = "simple"
	ComplexityStandard ComplexityLevel = "standard"
	ComplexityComplex  ComplexityLevel = "complex"
	ComplexityCritical ComplexityLevel = "critical"
)

var highRiskKeywords = []string{"security", "migration", "payment", "auth", "encryption"}

// classifyComplexity derives a complexity bucket from the objective text and
// task metadata already known before the agent is ever invoked: file
// footprint, dependency count, tags, and ticket richness.
func classifyComplexity(t *core.Task) ComplexityLevel {
	score := 0

	score += len(t.PredictedFiles)
	score += len(t.DependsOn)
	if t.Ticket != nil {
		score += len(t.Ticket.AcceptanceCriteria)
		if t.Ticket.TestPlan != "" {
			score++
		}
	}

	lower := strings.ToLower(t.Objective)
	for _, kw := range highRiskKeywords {
		if strings.Contains(lower, kw) {
			score += 3
		}
	}
	for _, tag := range t.Tags {
		for _, kw := range highRiskKeywords {
			if strings.EqualFold(tag, kw) {
				score += 3
			}
		}
	}

	switch {
	case score == 0:
		return ComplexityTrivial
	case score <= 2:
		return ComplexitySimple
	case score <= 5:
		return ComplexityStandard
	case score <= 9:
		return ComplexityComplex
	default:
		return ComplexityCritical
	}
}

// looksLikeResearch reports whether a task's objective or tags mark it as
// exploratory work, the only category the research-saturation policy is
// ever consulted for.
func looksLikeResearch(t *core.Task) bool {
	if strings.Contains(strings.ToLower(t.Objective), "research") {
		return true
	}
	for _, tag := range t.Tags {
		if strings.EqualFold(tag, "research") {
			return true
		}
	}
	return false
}
