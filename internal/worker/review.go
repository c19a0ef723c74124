package worker

import (
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ReviewOutcome is the reviewer's explicit, tagged verdict. The engine never
// infers an outcome from substring matching on free-form reviewer prose.
type ReviewOutcome string

const (
	OutcomePass      ReviewOutcome = "pass"
	OutcomeFix       ReviewOutcome = "fix"
	OutcomeEscalate  ReviewOutcome = "escalate"
	OutcomeDecompose ReviewOutcome = "decompose"
)

// ReviewResult is the parsed reviewer response.
type ReviewResult struct {
	Outcome   ReviewOutcome
	Notes     string
	RawOutput string
}

// reviewFrontmatter is the YAML block a reviewer pass is prompted to emit
// ahead of its free-form notes, e.g.:
//
//	---
//	outcome: fix
//	---
//	The retry loop doesn't release the mutex on the error path.
type reviewFrontmatter struct {
	Outcome string `yaml:"outcome"`
}

var frontmatterPattern = regexp.MustCompile(`(?s)(?:^|\n)---\s*\n(.*?)\n---\s*(?:\n|$)`)

// parseReviewResponse extracts the tagged outcome and accompanying notes
// from a reviewer's raw output. If no frontmatter is found, or the declared
// outcome is not one of the four enumerated values, the response is treated
// conservatively as "fix" with the raw text as notes; an unparseable
// review is never silently treated as a pass.
func parseReviewResponse(output string) *ReviewResult {
	result := &ReviewResult{RawOutput: output, Outcome: OutcomeFix, Notes: output}

	cleaned := stripCodeFences(output)
	match := frontmatterPattern.FindStringSubmatchIndex(cleaned)
	if match == nil {
		return result
	}

	block := cleaned[match[2]:match[3]]
	var fm reviewFrontmatter
	if err := yaml.Unmarshal([]byte(block), &fm); err != nil {
		return result
	}

	outcome := ReviewOutcome(strings.ToLower(strings.TrimSpace(fm.Outcome)))
	switch outcome {
	case OutcomePass, OutcomeFix, OutcomeEscalate, OutcomeDecompose:
		result.Outcome = outcome
	default:
		return result
	}

	body := ""
	if match[1] < len(cleaned) {
		body = cleaned[match[1]:]
	}
	result.Notes = strings.TrimSpace(body)
	return result
}

func stripCodeFences(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
