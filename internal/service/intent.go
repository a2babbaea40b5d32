package service

import (
	"fmt"
	"strings"

	"github.com/rcliao/memvault/internal/model"
	"github.com/rcliao/memvault/internal/textrank"
)

// Intent is the detected purpose of a recall query. It selects the
// namespace weights applied to fused scores.
type Intent string

const (
	IntentGeneral  Intent = "general"
	IntentDebug    Intent = "debug"
	IntentDecision Intent = "decision"
	IntentHowTo    Intent = "howto"
	IntentStatus   Intent = "status"
)

// intentKeywords are matched against query tokens. The first intent with
// the most hits wins; ties resolve in this order.
var intentKeywords = []struct {
	intent Intent
	words  map[string]bool
}{
	{IntentDebug, set("error", "errors", "bug", "bugs", "fail", "failed", "failing", "failure", "crash", "panic",
		"broken", "fix", "debug", "exception", "stacktrace", "timeout", "flaky")},
	{IntentDecision, set("why", "decide", "decided", "decision", "decisions", "chose", "choose", "choice",
		"tradeoff", "tradeoffs", "alternative", "alternatives", "rationale")},
	{IntentHowTo, set("how", "pattern", "patterns", "example", "examples", "usage", "use", "configure",
		"setup", "install", "api", "endpoint", "convention")},
	{IntentStatus, set("status", "progress", "todo", "next", "blocked", "blocker", "blockers", "done",
		"remaining", "milestone", "plan")},
}

func set(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// DetectIntent classifies a query by keyword. Queries with no signal are
// general.
func DetectIntent(query string) Intent {
	toks := textrank.Tokenize(query)
	best, bestHits := IntentGeneral, 0
	for _, k := range intentKeywords {
		hits := 0
		for _, t := range toks {
			if k.words[t] {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = k.intent, hits
		}
	}
	return best
}

// ParseIntent validates an intent name. Empty means auto-detect.
func ParseIntent(s string) (Intent, error) {
	switch i := Intent(strings.ToLower(strings.TrimSpace(s))); i {
	case "", IntentGeneral, IntentDebug, IntentDecision, IntentHowTo, IntentStatus:
		return i, nil
	}
	return "", fmt.Errorf("invalid intent %q (valid: general, debug, decision, howto, status)", s)
}

// weightFor returns the namespace multiplier for intent; missing entries
// weigh 1.
func (r RecallOptions) weightFor(intent Intent, ns model.Namespace) float64 {
	if w, ok := r.NamespaceWeights[intent][ns]; ok && w > 0 {
		return w
	}
	return 1
}
