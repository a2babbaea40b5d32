// Package model defines the core memory data types.
package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
)

// Namespace is the coarse category of a memory.
type Namespace string

const (
	NSDecisions Namespace = "decisions"
	NSPatterns  Namespace = "patterns"
	NSLearnings Namespace = "learnings"
	NSContext   Namespace = "context"
	NSTechDebt  Namespace = "tech-debt"
	NSBlockers  Namespace = "blockers"
	NSProgress  Namespace = "progress"
	NSAPIs      Namespace = "apis"
	NSConfig    Namespace = "config"
	NSSecurity  Namespace = "security"
	NSTesting   Namespace = "testing"
)

// ValidNamespaces are the allowed namespaces.
var ValidNamespaces = map[Namespace]bool{
	NSDecisions: true,
	NSPatterns:  true,
	NSLearnings: true,
	NSContext:   true,
	NSTechDebt:  true,
	NSBlockers:  true,
	NSProgress:  true,
	NSAPIs:      true,
	NSConfig:    true,
	NSSecurity:  true,
	NSTesting:   true,
}

// Domain scopes the visibility of a memory.
type Domain string

const (
	DomainProject Domain = "project"
	DomainUser    Domain = "user"
	DomainOrg     Domain = "org"
)

// ValidDomains are the allowed domains.
var ValidDomains = map[Domain]bool{
	DomainProject: true,
	DomainUser:    true,
	DomainOrg:     true,
}

// Status is the soft-delete state of a memory.
type Status string

const (
	StatusActive     Status = "active"
	StatusTombstoned Status = "tombstoned"
	StatusArchived   Status = "archived"
)

// ValidStatuses are the allowed statuses.
var ValidStatuses = map[Status]bool{
	StatusActive:     true,
	StatusTombstoned: true,
	StatusArchived:   true,
}

// transitions lists the allowed status changes.
var transitions = map[Status]map[Status]bool{
	StatusActive:     {StatusTombstoned: true, StatusArchived: true},
	StatusArchived:   {StatusActive: true, StatusTombstoned: true},
	StatusTombstoned: {StatusActive: true},
}

// CanTransition reports whether a memory may move from one status to another.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

const (
	DefaultMaxContentBytes = 1 << 20
	MaxTagLength           = 64
	MaxTags                = 32
)

// Memory represents a stored memory entry.
type Memory struct {
	ID           string     `json:"id"`
	Content      string     `json:"content"`
	Namespace    Namespace  `json:"namespace"`
	Domain       Domain     `json:"domain"`
	Tags         []string   `json:"tags,omitempty"`
	Source       string     `json:"source,omitempty"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	TombstonedAt *time.Time `json:"tombstoned_at,omitempty"`
	Embedding    []float32  `json:"embedding,omitempty"`
}

// NewID returns a new sortable unique memory id.
func NewID() string {
	return ulid.Make().String()
}

// Clone returns a deep copy so callers can mutate without aliasing backend state.
func (m *Memory) Clone() *Memory {
	if m == nil {
		return nil
	}
	c := *m
	if m.Tags != nil {
		c.Tags = append([]string(nil), m.Tags...)
	}
	if m.Embedding != nil {
		c.Embedding = append([]float32(nil), m.Embedding...)
	}
	if m.TombstonedAt != nil {
		t := *m.TombstonedAt
		c.TombstonedAt = &t
	}
	return &c
}

// HasEmbedding reports whether the memory carries a vector.
func (m *Memory) HasEmbedding() bool {
	return len(m.Embedding) > 0
}

// Metadata returns the filterable fields stored next to a vector.
func (m *Memory) Metadata() VectorMetadata {
	return VectorMetadata{
		Namespace: m.Namespace,
		Domain:    m.Domain,
		Tags:      append([]string(nil), m.Tags...),
		Status:    m.Status,
		CreatedAt: m.CreatedAt,
	}
}

// Validate checks the memory against the data model rules.
func (m *Memory) Validate(maxContentBytes int) error {
	if maxContentBytes <= 0 {
		maxContentBytes = DefaultMaxContentBytes
	}
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("content is required")
	}
	if len(m.Content) > maxContentBytes {
		return fmt.Errorf("content is %d bytes, max %d", len(m.Content), maxContentBytes)
	}
	if !utf8.ValidString(m.Content) {
		return fmt.Errorf("content is not valid UTF-8")
	}
	if !ValidNamespaces[m.Namespace] {
		return fmt.Errorf("invalid namespace %q", m.Namespace)
	}
	if !ValidDomains[m.Domain] {
		return fmt.Errorf("invalid domain %q", m.Domain)
	}
	if !ValidStatuses[m.Status] {
		return fmt.Errorf("invalid status %q", m.Status)
	}
	if len(m.Tags) > MaxTags {
		return fmt.Errorf("too many tags: %d (max %d)", len(m.Tags), MaxTags)
	}
	for _, t := range m.Tags {
		if t == "" || len(t) > MaxTagLength {
			return fmt.Errorf("invalid tag %q", t)
		}
	}
	if m.UpdatedAt.Before(m.CreatedAt) {
		return fmt.Errorf("updated_at precedes created_at")
	}
	return nil
}

// NormalizeTags trims, lower-cases, de-duplicates and sorts tags.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// ParseNamespace validates a namespace string.
func ParseNamespace(s string) (Namespace, error) {
	ns := Namespace(strings.ToLower(strings.TrimSpace(s)))
	if !ValidNamespaces[ns] {
		return "", fmt.Errorf("invalid namespace %q", s)
	}
	return ns, nil
}

// ParseDomain validates a domain string. Empty means project.
func ParseDomain(s string) (Domain, error) {
	if s == "" {
		return DomainProject, nil
	}
	d := Domain(strings.ToLower(strings.TrimSpace(s)))
	if !ValidDomains[d] {
		return "", fmt.Errorf("invalid domain %q", s)
	}
	return d, nil
}
