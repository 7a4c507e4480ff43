package contacts

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Match is one fuzzy resolution candidate.
type Match struct {
	DID   string  `json:"did"`
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// FindFuzzy scores every contact name against the query and returns the
// matches at or above threshold, best first. Ties keep insertion order.
func (b *Book) FindFuzzy(name string, threshold float64) []Match {
	b.mu.RLock()
	defer b.mu.RUnlock()

	query := strings.ToLower(name)
	var matches []Match
	for _, did := range b.order {
		contact := b.entries[did]
		score := similarity(query, strings.ToLower(contact.Name))
		if score >= threshold {
			matches = append(matches, Match{
				DID:   did,
				Name:  contact.Name,
				Score: score,
			})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	return matches
}

// similarity is a normalized symmetric ratio in [0, 1]: 1 minus the edit
// distance divided by the longer length. Identical strings score 1.0.
func similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}

	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 1.0
	}

	distance := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(distance)/float64(longest)
}
