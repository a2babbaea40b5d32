package model

import "time"

// SearchFilter restricts which memories a search or listing may return.
// Every backend applies it with the same semantics:
//
//   - Namespaces: any-of, empty means all.
//   - Tags: all-of, exact match.
//   - ExcludeTags: none-of.
//   - Since/Until: CreatedAt in [Since, Until).
//   - Domain: empty means any.
//   - Statuses: when set, only those statuses. Otherwise tombstoned
//     memories are excluded unless IncludeTombstoned is true.
type SearchFilter struct {
	Namespaces        []Namespace `json:"namespaces,omitempty"`
	Tags              []string    `json:"tags,omitempty"`
	ExcludeTags       []string    `json:"exclude_tags,omitempty"`
	Since             *time.Time  `json:"since,omitempty"`
	Until             *time.Time  `json:"until,omitempty"`
	Domain            Domain      `json:"domain,omitempty"`
	IncludeTombstoned bool        `json:"include_tombstoned,omitempty"`
	Statuses          []Status    `json:"statuses,omitempty"`
}

// VectorMetadata is the filterable side data stored with each vector.
type VectorMetadata struct {
	Namespace Namespace `json:"namespace"`
	Domain    Domain    `json:"domain"`
	Tags      []string  `json:"tags,omitempty"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Matches reports whether m passes the filter.
func (f SearchFilter) Matches(m *Memory) bool {
	if m == nil {
		return false
	}
	return f.MatchesMeta(m.Metadata())
}

// MatchesMeta reports whether a vector's metadata passes the filter.
func (f SearchFilter) MatchesMeta(meta VectorMetadata) bool {
	if !f.StatusAllowed(meta.Status) {
		return false
	}
	if len(f.Namespaces) > 0 {
		ok := false
		for _, ns := range f.Namespaces {
			if ns == meta.Namespace {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Domain != "" && f.Domain != meta.Domain {
		return false
	}
	if f.Since != nil && meta.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !meta.CreatedAt.Before(*f.Until) {
		return false
	}
	if len(f.Tags) > 0 || len(f.ExcludeTags) > 0 {
		have := make(map[string]bool, len(meta.Tags))
		for _, t := range meta.Tags {
			have[t] = true
		}
		for _, t := range f.Tags {
			if !have[t] {
				return false
			}
		}
		for _, t := range f.ExcludeTags {
			if have[t] {
				return false
			}
		}
	}
	return true
}

// StatusAllowed applies the status part of the filter.
func (f SearchFilter) StatusAllowed(s Status) bool {
	if len(f.Statuses) > 0 {
		for _, want := range f.Statuses {
			if want == s {
				return true
			}
		}
		return false
	}
	return s != StatusTombstoned || f.IncludeTombstoned
}

// AllowedStatuses expands the status rule into an explicit list, in a stable order.
func (f SearchFilter) AllowedStatuses() []Status {
	if len(f.Statuses) > 0 {
		return f.Statuses
	}
	if f.IncludeTombstoned {
		return []Status{StatusActive, StatusArchived, StatusTombstoned}
	}
	return []Status{StatusActive, StatusArchived}
}

// Normalized returns a copy with tags normalized the way capture stores them.
func (f SearchFilter) Normalized() SearchFilter {
	f.Tags = NormalizeTags(f.Tags)
	f.ExcludeTags = NormalizeTags(f.ExcludeTags)
	return f
}
