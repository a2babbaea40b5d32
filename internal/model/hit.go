package model

import (
	"fmt"
	"strings"
)

// Origin records which search branch produced a hit.
type Origin string

const (
	OriginText   Origin = "text"
	OriginVector Origin = "vector"
	OriginBoth   Origin = "both"
)

// SearchMode selects the search branches used by recall.
type SearchMode string

const (
	ModeText   SearchMode = "text"
	ModeVector SearchMode = "vector"
	ModeHybrid SearchMode = "hybrid"
)

// ParseSearchMode validates a mode string. Empty means hybrid.
func ParseSearchMode(s string) (SearchMode, error) {
	switch SearchMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeHybrid:
		return ModeHybrid, nil
	case ModeText:
		return ModeText, nil
	case ModeVector:
		return ModeVector, nil
	}
	return "", fmt.Errorf("invalid search mode %q (valid: text, vector, hybrid)", s)
}

// SearchHit is one ranked recall result. Score is normalized to [0, 1]
// within the returned batch; RawScore is the value before normalization.
type SearchHit struct {
	MemoryID string  `json:"memory_id"`
	Score    float64 `json:"score"`
	RawScore float64 `json:"raw_score"`
	Origin   Origin  `json:"origin"`
	Memory   *Memory `json:"memory,omitempty"`
}
