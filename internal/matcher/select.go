package matcher

import (
	"sort"
	"time"
	"unicode/utf8"
)

// Candidate is the part of an endpoint definition the ranking needs.
type Candidate struct {
	ID        string
	Pattern   string
	CreatedAt time.Time
}

// Match is the winning candidate for a path.
type Match struct {
	Index  int
	Exact  bool
	Params map[string]string
}

// Best picks the candidate that matches path, preferring an exact pattern,
// then the longer pattern, then the newer one. Ties beyond that are broken by
// id so that the choice is stable. ok is false when nothing matches.
func (m *Matcher) Best(path string, candidates []Candidate) (Match, bool) {
	type hit struct {
		index  int
		exact  bool
		length int
	}

	hits := make([]hit, 0, len(candidates))
	for i, c := range candidates {
		if c.Pattern == path {
			hits = append(hits, hit{index: i, exact: true, length: utf8.RuneCountInString(c.Pattern)})
			continue
		}
		if m.Matches(c.Pattern, path) {
			hits = append(hits, hit{index: i, length: utf8.RuneCountInString(c.Pattern)})
		}
	}
	if len(hits) == 0 {
		return Match{}, false
	}

	sort.SliceStable(hits, func(a, b int) bool {
		ha, hb := hits[a], hits[b]
		if ha.exact != hb.exact {
			return ha.exact
		}
		if ha.length != hb.length {
			return ha.length > hb.length
		}
		ca, cb := candidates[ha.index], candidates[hb.index]
		if !ca.CreatedAt.Equal(cb.CreatedAt) {
			return ca.CreatedAt.After(cb.CreatedAt)
		}
		return ca.ID < cb.ID
	})

	best := hits[0]
	return Match{
		Index:  best.index,
		Exact:  best.exact,
		Params: m.ExtractParams(candidates[best.index].Pattern, path),
	}, true
}
