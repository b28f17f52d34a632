package llm

import (
	"regexp"
	"strings"
)

// Guardrails between raw model output and the decision layer. Two concerns:
// refusal boilerplate leaking into wager claims, and the JSON dialects models
// actually emit (markdown fences, trailing commas, unquoted keys).

var refusalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bI('| a)?m sorry\b`),
	regexp.MustCompile(`(?i)\bI cannot (assist|help|comply|provide)\b`),
	regexp.MustCompile(`(?i)\bI can('|no)?t (assist|help|comply|provide)\b`),
	regexp.MustCompile(`(?i)\bas an AI( language)? model\b`),
	regexp.MustCompile(`(?i)\bagainst my (guidelines|programming|policies)\b`),
	regexp.MustCompile(`(?i)\bI (must|have to) (decline|refuse)\b`),
	regexp.MustCompile(`(?i)\bunable to (assist|help|fulfill)\b`),
}

var (
	jsonFenceRe     = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
	trailingCommaRe = regexp.MustCompile(`,\s*([\]\}])`)
	bareKeyRe       = regexp.MustCompile(`([\{,])\s*([a-zA-Z_]\w*)\s*:`)
)

// SanitizeThought strips refusal boilerplate from free-text output. If the
// whole response is a short refusal there is nothing to salvage and the
// result is empty; the caller falls back to its next strategy.
func SanitizeThought(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	refused := false
	for _, re := range refusalPatterns {
		if re.MatchString(trimmed) {
			refused = true
			break
		}
	}
	if !refused {
		return trimmed
	}
	if len(trimmed) < 300 {
		return ""
	}
	// Long response with an embedded refusal line: drop the offending
	// sentences, keep the rest.
	lines := strings.Split(trimmed, "\n")
	kept := lines[:0]
	for _, line := range lines {
		bad := false
		for _, re := range refusalPatterns {
			if re.MatchString(line) {
				bad = true
				break
			}
		}
		if !bad {
			kept = append(kept, line)
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// CleanJSON normalizes a model response into parseable JSON: unwraps
// markdown fences, removes trailing commas, quotes bare object keys.
func CleanJSON(text string) string {
	trimmed := strings.TrimSpace(text)
	if m := jsonFenceRe.FindStringSubmatch(trimmed); m != nil {
		trimmed = strings.TrimSpace(m[1])
	}
	trimmed = trailingCommaRe.ReplaceAllString(trimmed, "$1")
	trimmed = bareKeyRe.ReplaceAllString(trimmed, `$1 "$2":`)
	return trimmed
}
