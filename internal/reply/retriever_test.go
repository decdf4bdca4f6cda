package reply

import (
	"context"
	"testing"

	"wagate/internal/domain"
)

type memFragments struct {
	frags []domain.Fragment
}

func (m *memFragments) ProcessedFragments(ctx context.Context) ([]domain.Fragment, error) {
	return m.frags, nil
}

func TestLexicalRetriever_RelevanceBySubstring(t *testing.T) {
	src := &memFragments{frags: []domain.Fragment{
		{ID: "1", Content: "Opening hours are 9am to 5pm on weekdays"},
		{ID: "2", Content: "Delivery takes two days"},
		{ID: "3", Content: "Completely unrelated text"},
	}}
	r := NewLexicalRetriever(src)

	got, err := r.Retrieve(context.Background(), "what are your opening hours", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "1" {
		t.Fatalf("expected only fragment 1, got %+v", got)
	}
}

func TestLexicalRetriever_ShortWordsIgnored(t *testing.T) {
	src := &memFragments{frags: []domain.Fragment{
		{ID: "1", Content: "cat and dog are pets"},
	}}
	r := NewLexicalRetriever(src)

	// All query words are 3 runes or shorter, so nothing can match.
	got, err := r.Retrieve(context.Background(), "cat dog the a", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("expected no fragments for short-word query, got %d", len(got))
	}
}

func TestLexicalRetriever_CaseInsensitive(t *testing.T) {
	src := &memFragments{frags: []domain.Fragment{
		{ID: "1", Content: "PRICING information for Gold plans"},
	}}
	r := NewLexicalRetriever(src)

	got, err := r.Retrieve(context.Background(), "tell me about pricing", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected case-insensitive match, got %d fragments", len(got))
	}
}

func TestLexicalRetriever_TopKMostRelevant(t *testing.T) {
	src := &memFragments{frags: []domain.Fragment{
		{ID: "weak", Content: "pricing only"},
		{ID: "strong", Content: "pricing plans with delivery options"},
		{ID: "none", Content: "nothing here"},
	}}
	r := NewLexicalRetriever(src)

	got, err := r.Retrieve(context.Background(), "pricing plans delivery", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "strong" {
		t.Fatalf("expected the highest-scoring fragment, got %+v", got)
	}
}

func TestLexicalRetriever_LimitApplied(t *testing.T) {
	var frags []domain.Fragment
	for i := 0; i < 10; i++ {
		frags = append(frags, domain.Fragment{ID: string(rune('a' + i)), Content: "matching keyword inside"})
	}
	r := NewLexicalRetriever(&memFragments{frags: frags})

	got, err := r.Retrieve(context.Background(), "keyword", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Errorf("expected 5 fragments, got %d", len(got))
	}
}
