// Package sanitize guards every untrusted text block before it reaches an
// agent prompt: prior-learning snippets from the Retrieval Index, verifier
// output, and reviewer notes are all external data and none of it is
// trusted to carry instructions.
package sanitize

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Category classifies why a pattern triggered.
type Category string

const (
	CategoryBlocking  Category = "blocking"  // content replaced outright
	CategoryStripping Category = "stripping" // offending substring removed, rest kept
	CategoryWarning   Category = "warning"   // content kept, annotated
)

// MaxLength is the default truncation ceiling before wrapping.
const MaxLength = 50000

// Result is the outcome of sanitising one untrusted block.
type Result struct {
	Blocked        bool
	MatchedPattern string
	Content        string // sanitised content, empty if Blocked
	Wrapped        string // the final delimited block to inject into the prompt
}

// blockingPatterns replace the whole block with nothing: these are
// attempts to override the agent's instructions, not content to strip.
var blockingPatterns = []struct {
	re   *regexp.Regexp
	name string
}{
	{regexp.MustCompile(`(?i)ignore\s+(?:all\s+)?(?:previous|prior|above)\s+instructions?`), "Instruction override attempt"},
	{regexp.MustCompile(`(?i)disregard\s+(?:all\s+)?(?:previous|prior|above)\s+(?:instructions?|prompts?)`), "Instruction override attempt"},
	{regexp.MustCompile(`(?i)you\s+are\s+now\s+(?:in\s+)?(?:developer|jailbreak|dan)\s+mode`), "Jailbreak marker"},
	{regexp.MustCompile(`(?i)act\s+as\s+(?:if\s+you\s+(?:are|have)\s+no\s+restrictions|an?\s+unrestricted)`), "Role-hijacking phrase"},
	{regexp.MustCompile(`(?i)new\s+instructions?\s*:\s*override`), "Instruction override attempt"},
}

// strippingPatterns name system-prompt markers removed in place; the rest
// of the block is otherwise trusted content (e.g. a real error message
// that happens to contain a stray delimiter).
var strippingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*system\s*:`),
	regexp.MustCompile(`(?i)\[\[\s*SYSTEM\s*\]\]`),
	regexp.MustCompile(`(?is)<system>.*?</system>`),
	regexp.MustCompile(`(?i)<<\s*SYS\s*>>`),
	regexp.MustCompile(`(?i)\[\s*INST\s*\]`),
}

var warningPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)i\s+am\s+(?:the\s+)?(?:an?\s+)?administrator`),
	regexp.MustCompile(`(?i)as\s+(?:the\s+)?(?:system\s+)?admin(?:istrator)?\s*,\s*i\s+(?:authorize|instruct)`),
}

// zeroWidthAndOverrides strips characters invisible rendering can use to
// hide or reorder injected text.
var zeroWidthAndOverrides = map[rune]bool{
	'​': true, // zero width space
	'‌': true, // zero width non-joiner
	'‍': true, // zero width joiner
	'⁠': true, // word joiner
	'\uFEFF': true, // BOM / zero width no-break space
	'‪': true, // LRE
	'‫': true, // RLE
	'‬': true, // PDF
	'‭': true, // LRO
	'‮': true, // RLO
	'⁦': true, // LRI
	'⁧': true, // RLI
	'⁨': true, // FSI
	'⁩': true, // PDI
}

// Sanitise normalises, screens, truncates, and wraps one untrusted block
// before it is safe to splice into an agent prompt. source labels where the
// content came from (e.g. "retrieval_index", "verifier_output").
func Sanitise(content, source string) Result {
	normalised := stripInvisible(norm.NFKC.String(content))

	for _, p := range blockingPatterns {
		if p.re.MatchString(normalised) {
			return Result{
				Blocked:        true,
				MatchedPattern: p.name,
				Content:        "",
				Wrapped:        wrap("", source, true),
			}
		}
	}

	stripped := normalised
	for _, p := range strippingPatterns {
		stripped = p.ReplaceAllString(stripped, "")
	}

	var annotated bool
	for _, p := range warningPatterns {
		if p.MatchString(stripped) {
			annotated = true
			break
		}
	}

	truncated := stripped
	if len(truncated) > MaxLength {
		truncated = truncated[:MaxLength]
	}

	if annotated {
		truncated = "[unverified claim of administrator identity in source content]\n" + truncated
	}

	return Result{
		Blocked: false,
		Content: truncated,
		Wrapped: wrap(truncated, source, false),
	}
}

func stripInvisible(s string) string {
	return strings.Map(func(r rune) rune {
		if zeroWidthAndOverrides[r] {
			return -1
		}
		if unicode.Is(unicode.Cf, r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
}

func wrap(content, source string, blocked bool) string {
	status := "ok"
	if blocked {
		status = "blocked"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "---BEGIN EXTERNAL DATA--- source=%s status=%q\n", source, status)
	b.WriteString(content)
	b.WriteString("\n---END EXTERNAL DATA---")
	return b.String()
}
