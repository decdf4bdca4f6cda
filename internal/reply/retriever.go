package reply

import (
	"context"
	"sort"
	"strings"

	"wagate/internal/domain"
)

// ContextRetriever selects knowledge fragments relevant to a query. The
// default implementation is lexical; a semantic retriever can replace it
// without touching the engine.
type ContextRetriever interface {
	Retrieve(ctx context.Context, query string, limit int) ([]domain.Fragment, error)
}

// fragmentSource is the slice of the knowledge store the retriever needs.
type fragmentSource interface {
	ProcessedFragments(ctx context.Context) ([]domain.Fragment, error)
}

// LexicalRetriever scores fragments by the number of distinct query words
// longer than 3 runes that occur case-insensitively as substrings of the
// fragment content, and returns the top scorers. Ties keep store order,
// which is newest first.
type LexicalRetriever struct {
	store fragmentSource
}

func NewLexicalRetriever(store fragmentSource) *LexicalRetriever {
	return &LexicalRetriever{store: store}
}

func (r *LexicalRetriever) Retrieve(ctx context.Context, query string, limit int) ([]domain.Fragment, error) {
	if limit <= 0 {
		limit = 5
	}

	frags, err := r.store.ProcessedFragments(ctx)
	if err != nil {
		return nil, err
	}

	words := queryWords(query)
	if len(words) == 0 {
		return nil, nil
	}

	type scored struct {
		frag  domain.Fragment
		score int
		pos   int
	}
	var hits []scored
	for i, f := range frags {
		s := score(words, f.Content)
		if s > 0 {
			hits = append(hits, scored{frag: f, score: s, pos: i})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].pos < hits[j].pos
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]domain.Fragment, len(hits))
	for i, h := range hits {
		out[i] = h.frag
	}
	return out, nil
}

// queryWords returns the distinct lowercased words of the query longer than
// 3 runes.
func queryWords(query string) []string {
	seen := make(map[string]bool)
	var words []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if len([]rune(w)) <= 3 || seen[w] {
			continue
		}
		seen[w] = true
		words = append(words, w)
	}
	return words
}

func score(words []string, content string) int {
	lower := strings.ToLower(content)
	n := 0
	for _, w := range words {
		if strings.Contains(lower, w) {
			n++
		}
	}
	return n
}
