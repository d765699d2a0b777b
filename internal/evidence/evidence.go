// Package evidence retrieves ranked text snippets used to seed planning
// context and to weigh debate candidates.
package evidence

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Snippet is one retrieved piece of evidence.
type Snippet struct {
	Citation    string  `json:"citation" yaml:"citation"`
	Text        string  `json:"text" yaml:"text"`
	Reliability float64 `json:"reliability" yaml:"reliability"`
	Rank        int     `json:"rank" yaml:"-"`
}

// Provider answers a query with ranked snippets.
type Provider interface {
	Retrieve(ctx context.Context, query string, limit int) ([]Snippet, error)
}

// Static ranks a fixed corpus by keyword overlap with the query.
type Static struct {
	corpus []Snippet
	tokens []map[string]struct{}
}

// NewStatic builds a provider over an in-memory corpus.
func NewStatic(corpus []Snippet) *Static {
	s := &Static{corpus: corpus}
	for _, snip := range corpus {
		s.tokens = append(s.tokens, tokenSet(snip.Citation+" "+snip.Text))
	}
	return s
}

// LoadStatic reads a YAML corpus of the form `snippets: [{citation, text, reliability}]`.
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read evidence corpus: %w", err)
	}
	var doc struct {
		Snippets []Snippet `yaml:"snippets"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse evidence corpus %s: %w", path, err)
	}
	for i, snip := range doc.Snippets {
		if strings.TrimSpace(snip.Citation) == "" {
			return nil, fmt.Errorf("evidence corpus %s: snippets[%d].citation is required", path, i)
		}
		if snip.Reliability < 0 || snip.Reliability > 1 {
			return nil, fmt.Errorf("evidence corpus %s: snippets[%d].reliability must be within [0,1]", path, i)
		}
	}
	return NewStatic(doc.Snippets), nil
}

// Retrieve returns up to limit snippets sharing at least one keyword with the
// query, best overlap first, ties broken by reliability then citation.
func (s *Static) Retrieve(_ context.Context, query string, limit int) ([]Snippet, error) {
	q := tokenSet(query)
	type hit struct {
		snip  Snippet
		score int
	}
	var hits []hit
	for i, toks := range s.tokens {
		score := 0
		for tok := range q {
			if _, ok := toks[tok]; ok {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, hit{snip: s.corpus[i], score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		if hits[i].snip.Reliability != hits[j].snip.Reliability {
			return hits[i].snip.Reliability > hits[j].snip.Reliability
		}
		return hits[i].snip.Citation < hits[j].snip.Citation
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Snippet, 0, len(hits))
	for i, h := range hits {
		h.snip.Rank = i + 1
		out = append(out, h.snip)
	}
	return out, nil
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "of": {}, "to": {}, "for": {}, "in": {}, "on": {}, "with": {},
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if _, stop := stopwords[tok]; stop || len(tok) < 2 {
			continue
		}
		set[tok] = struct{}{}
	}
	return set
}
