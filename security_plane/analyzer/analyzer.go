// Package analyzer implements the static pattern scan run against plugin
// source before install. Analysis is a pure function: no side effects,
// deterministic for identical input, and it never panics on adversarial
// input. Unparsable source is reported as maximally suspicious instead.
package analyzer

import (
	"strings"
	"unicode/utf8"

	"github.com/plugsentry/PlugSentry/security_plane/observability"
)

// DefaultScoreFloor is the score below which a plugin is flagged unsafe.
const DefaultScoreFloor = 40

// maxSourceBytes bounds scan input. Anything larger is treated as
// unparsable rather than silently truncated.
const maxSourceBytes = 4 << 20

// Threat is one matched dangerous construct.
type Threat struct {
	Category string `json:"category"`
	Severity string `json:"severity"`
	Line     int    `json:"line"`
	Snippet  string `json:"snippet"`
}

// Warning is a non-blocking finding (dependency denylist hits, manifest
// shape problems).
type Warning struct {
	Message string `json:"message"`
}

// Result is the outcome of one static scan. Immutable once produced.
type Result struct {
	Safe     bool      `json:"safe"`
	Score    int       `json:"score"`
	Threats  []Threat  `json:"threats"`
	Warnings []Warning `json:"warnings"`
}

// Analyzer scans plugin source for the six malicious-pattern families.
type Analyzer struct {
	scoreFloor int
}

// New creates an Analyzer with the given unsafe-score floor. A floor of 0
// or less falls back to DefaultScoreFloor.
func New(scoreFloor int) *Analyzer {
	if scoreFloor <= 0 {
		scoreFloor = DefaultScoreFloor
	}
	return &Analyzer{scoreFloor: scoreFloor}
}

// Analyze scans source text and the optional manifest. It never panics:
// malformed input produces an unparsable verdict, never a silent pass.
func (a *Analyzer) Analyze(source string, manifest *Manifest) (result Result) {
	defer func() {
		// The scanner runs against adversarial input. If anything in the
		// pattern machinery gives out, fail closed.
		if r := recover(); r != nil {
			result = unparsableResult()
			observability.AnalysisResults.WithLabelValues("unparsable").Inc()
		}
	}()

	if len(source) == 0 || len(source) > maxSourceBytes || !utf8.ValidString(source) {
		observability.AnalysisResults.WithLabelValues("unparsable").Inc()
		return unparsableResult()
	}

	result.Score = 100
	forceUnsafe := false

	lines := strings.Split(source, "\n")
	for i, line := range lines {
		for _, rule := range threatRules {
			loc := rule.re.FindStringIndex(line)
			if loc == nil {
				continue
			}
			result.Threats = append(result.Threats, Threat{
				Category: rule.category,
				Severity: rule.severity,
				Line:     i + 1,
				Snippet:  snippet(line, loc),
			})
			result.Score -= deductions[rule.severity]
			if rule.severity == SeverityCritical || rule.severity == SeverityHigh {
				forceUnsafe = true
			}
		}
	}
	if result.Score < 0 {
		result.Score = 0
	}

	if manifest != nil {
		result.Warnings = append(result.Warnings, manifest.check()...)
	}

	// Medium-only findings are judged by the floor; anything high or
	// critical is unsafe outright.
	result.Safe = !forceUnsafe && result.Score >= a.scoreFloor

	verdict := "safe"
	if !result.Safe {
		verdict = "unsafe"
	}
	observability.AnalysisResults.WithLabelValues(verdict).Inc()
	observability.AnalysisScore.Observe(float64(result.Score))
	return result
}

func unparsableResult() Result {
	return Result{
		Safe:  false,
		Score: 0,
		Threats: []Threat{{
			Category: CategoryUnparsable,
			Severity: SeverityCritical,
			Line:     0,
			Snippet:  "",
		}},
	}
}

// snippet returns the matched text with a little surrounding context,
// trimmed so audit entries stay bounded.
func snippet(line string, loc []int) string {
	start := loc[0] - 20
	if start < 0 {
		start = 0
	}
	end := loc[1] + 20
	if end > len(line) {
		end = len(line)
	}
	s := strings.TrimSpace(line[start:end])
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
