package policy

import (
	"errors"

	"github.com/bmatcuk/doublestar/v4"
)

// ISMTemplate attaches a policy to indices matching its patterns.
//
// When several policies match a new index, the highest priority wins;
// ties break toward the lexicographically smallest policy id so the
// outcome is stable across nodes.
type ISMTemplate struct {
	IndexPatterns []string `json:"index_patterns"`
	Priority      int      `json:"priority,omitempty"`
}

// Matches reports whether the template covers the index name.
func (t *ISMTemplate) Matches(indexName string) (bool, error) {
	if t == nil || len(t.IndexPatterns) == 0 {
		return false, errors.New("ism template has no index patterns")
	}
	for _, pattern := range t.IndexPatterns {
		ok, err := doublestar.Match(pattern, indexName)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// FindMatching selects the winning policy for a new index, or nil when no
// template covers it.
func FindMatching(policies []*Policy, indexName string) *Policy {
	var best *Policy
	bestPriority := -1

	for _, p := range policies {
		if p == nil {
			continue
		}
		for i := range p.ISMTemplates {
			ok, err := p.ISMTemplates[i].Matches(indexName)
			if err != nil || !ok {
				continue
			}
			priority := p.ISMTemplates[i].Priority
			switch {
			case priority > bestPriority:
				best, bestPriority = p, priority
			case priority == bestPriority && best != nil && p.ID < best.ID:
				best = p
			}
		}
	}
	return best
}
