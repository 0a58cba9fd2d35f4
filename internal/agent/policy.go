package agent

import (
	"regexp"
	"strings"
)

// Policy holds the heuristics the orchestrator consults per turn: how
// large the step budget should be, whether to route to the planning
// strategy proactively, and whether a reply with no tool calls should be
// retried with a demand for tool use. It is injectable so the ambiguous
// keyword logic stays testable in isolation and replaceable per locale.
type Policy interface {
	// Budget returns the step budget for a user message, given the
	// configured base.
	Budget(userMessage string, base int) int

	// UsePlanner reports whether the turn should start on the planning
	// loop instead of native tool calling.
	UsePlanner(userMessage string) bool

	// ForceToolUse reports whether a message looks like it requires a
	// tool, justifying one forced retry when the model answers without
	// calling any.
	ForceToolUse(userMessage string) bool
}

// DefaultPolicy implements the stock English/French heuristics.
type DefaultPolicy struct{}

var (
	segmentSplit  = regexp.MustCompile(`[\n;]+`)
	sentenceSplit = regexp.MustCompile(`[.!?]+`)

	// Words that mark an explicitly sequenced multi-step request.
	multiStepMarkers = []string{
		"then ", "after that", "and then", "first ", "next ", "finally ",
		"puis ", "ensuite", "d'abord", "après ça", "enfin ",
	}

	// Words that almost always require a side-effecting tool.
	forceToolKeywords = []string{
		"file", "export", "plot", "graph", "chart", "download", "save",
		"schedule", "remind", "calendar", "draft an email",
		"fichier", "exporte", "graphique", "télécharge", "enregistre",
		"planifie", "rappelle", "calendrier", "rédige un email",
	}
)

// Budget boosts the configured base when a message enumerates several
// tasks: split on newlines/semicolons first, then on sentence punctuation.
func (DefaultPolicy) Budget(userMessage string, base int) int {
	text := strings.TrimSpace(userMessage)
	if text == "" {
		return base
	}
	pieces := nonEmpty(segmentSplit.Split(text, -1))
	if len(pieces) < 2 {
		pieces = nonEmpty(sentenceSplit.Split(text, -1))
	}
	switch {
	case len(pieces) >= 3:
		return max(base, 8)
	case len(pieces) >= 2:
		return max(base, 6)
	default:
		return base
	}
}

// UsePlanner routes long, explicitly sequenced requests to the planning
// loop up front; short or single-task messages stay on the native loop
// and only fall back reactively.
func (DefaultPolicy) UsePlanner(userMessage string) bool {
	lower := strings.ToLower(userMessage)
	if !containsAny(lower, multiStepMarkers) {
		return false
	}
	if len(userMessage) > 400 {
		return true
	}
	return len(nonEmpty(sentenceSplit.Split(userMessage, -1))) >= 4
}

// ForceToolUse flags messages whose wording implies a concrete artifact
// or side effect.
func (DefaultPolicy) ForceToolUse(userMessage string) bool {
	return containsAny(strings.ToLower(userMessage), forceToolKeywords)
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func nonEmpty(parts []string) []string {
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

