package promptguard

import (
	"regexp"

	"go.uber.org/zap"
)

// Kind classifies what a screening finding detected.
type Kind string

const (
	KindInjection Kind = "injection"
	KindPII       Kind = "pii"
)

// Finding is one suspicious span in a screened prompt.
type Finding struct {
	Kind   Kind   `json:"kind"`
	Label  string `json:"label"`
	Sample string `json:"sample,omitempty"`
}

// injectionPatterns flag common prompt-injection phrasings: instruction
// override, system-prompt extraction and role hijacking. Heuristic by
// nature; the gateway only uses them when screening is explicitly enabled
// for the deployment.
var injectionPatterns = []struct {
	label string
	re    *regexp.Regexp
}{
	{"instruction_override", regexp.MustCompile(`(?i)(ignore|disregard|forget)\s+(all\s+|any\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules)`)},
	{"system_prompt_leak", regexp.MustCompile(`(?i)(show|reveal|print|repeat)\s+(me\s+)?(your|the)\s+(system|original|initial|hidden)\s+(prompt|instructions?)`)},
	{"role_hijack", regexp.MustCompile(`(?i)(you\s+are\s+now|from\s+now\s+on\s+you|pretend\s+to\s+be|act\s+as\s+if\s+you\s+(are|were))`)},
	{"jailbreak", regexp.MustCompile(`(?i)(developer\s+mode|do\s+anything\s+now|no\s+(restrictions|limitations|filters)\s+(apply|mode))`)},
}

// piiPatterns flag data that should not transit to an external provider.
var piiPatterns = []struct {
	label string
	re    *regexp.Regexp
}{
	{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"credit_card", regexp.MustCompile(`\b(?:4\d{12}(?:\d{3})?|5[1-5]\d{14}|3[47]\d{13})\b`)},
	{"api_key", regexp.MustCompile(`\b(sk|pk|api|key)[-_][A-Za-z0-9]{20,}\b`)},
}

// Guard screens prompts before they leave the gateway. Findings never
// modify the prompt; the pipeline decides whether to reject.
type Guard struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Guard {
	return &Guard{logger: logger}
}

// Screen returns every suspicious span found in the prompt. An empty
// result means the prompt passed.
func (g *Guard) Screen(prompt string) []Finding {
	var findings []Finding

	for _, p := range injectionPatterns {
		if loc := p.re.FindString(prompt); loc != "" {
			findings = append(findings, Finding{
				Kind:   KindInjection,
				Label:  p.label,
				Sample: truncate(loc, 60),
			})
		}
	}

	for _, p := range piiPatterns {
		if p.re.MatchString(prompt) {
			// PII samples stay out of findings so they do not leak into
			// logs or error responses.
			findings = append(findings, Finding{
				Kind:  KindPII,
				Label: p.label,
			})
		}
	}

	if len(findings) > 0 {
		labels := make([]string, len(findings))
		for i, f := range findings {
			labels[i] = f.Label
		}
		g.logger.Warn("prompt screening flagged request",
			zap.Strings("labels", labels))
	}
	return findings
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
