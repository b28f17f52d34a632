package market

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"agent-arena/internal/config"
	"agent-arena/internal/feeds"
	"agent-arena/pkg/types"
)

func researchOnlyCfg(minOpen int) config.MarketsConfig {
	return config.MarketsConfig{
		MinOpen:        minOpen,
		WeightResearch: 100,
	}
}

func TestEnsureOpenMarketsTopsUp(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	stub := &stubFeeds{articles: []*feeds.Article{
		{Title: "First Topic", Extract: "x", ID: 101},
		{Title: "Second Topic", Extract: "y", ID: 202},
	}}
	mk := NewMaker(s, stub, researchOnlyCfg(2), researchCfg(), testLogger())

	created, err := mk.EnsureOpenMarkets(ctx)
	if err != nil {
		t.Fatalf("EnsureOpenMarkets: %v", err)
	}
	if created != 2 {
		t.Fatalf("created = %d, want 2", created)
	}
	open, _ := s.CountOpen(ctx, types.SourceResearch)
	if open != 2 {
		t.Errorf("open research markets = %d, want 2", open)
	}
}

func TestEnsureOpenMarketsNoopWhenStocked(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	stub := &stubFeeds{articles: []*feeds.Article{{Title: "Only Topic", Extract: "x", ID: 1}}}
	mk := NewMaker(s, stub, researchOnlyCfg(1), researchCfg(), testLogger())

	if _, err := mk.EnsureOpenMarkets(ctx); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	created, err := mk.EnsureOpenMarkets(ctx)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if created != 0 {
		t.Errorf("created = %d on stocked board, want 0", created)
	}
}

func TestEnsureOpenMarketsBoundsAttempts(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	// Every generation attempt fails; the cycle must terminate anyway.
	stub := &stubFeeds{articleErr: errors.New("wiki down")}
	mk := NewMaker(s, stub, researchOnlyCfg(3), researchCfg(), testLogger())

	created, err := mk.EnsureOpenMarkets(ctx)
	if err != nil {
		t.Fatalf("EnsureOpenMarkets: %v", err)
	}
	if created != 0 {
		t.Errorf("created = %d with dead feed, want 0", created)
	}
}

func TestResearchMarketAnswerIsPageID(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	stub := &stubFeeds{articles: []*feeds.Article{{Title: "Hash Check", Extract: "x", ID: 31337}}}
	mk := NewMaker(s, stub, researchOnlyCfg(1), researchCfg(), testLogger())
	if _, err := mk.EnsureOpenMarkets(ctx); err != nil {
		t.Fatalf("EnsureOpenMarkets: %v", err)
	}

	markets, err := s.ListActiveForAgent(ctx, s.DB(), "nobody", 10)
	if err != nil {
		t.Fatalf("ListActiveForAgent: %v", err)
	}
	if len(markets) != 1 {
		t.Fatalf("markets = %d, want 1", len(markets))
	}
	m := markets[0]
	if m.Criteria.Subject != "Hash Check" {
		t.Errorf("subject = %q, want article title", m.Criteria.Subject)
	}
	if m.Criteria.AnswerHash != hashAnswer(strconv.Itoa(31337)) {
		t.Error("answer hash does not match the page id")
	}
}

func TestPickKeyword(t *testing.T) {
	t.Parallel()
	cases := []struct {
		title string
		want  string
	}{
		{"Researchers discover breakthrough in batteries", "breakthrough"},
		{"Go 1.x is out", ""},
		{"A big, strange (announcement) today!", "announcement"},
	}
	for _, tc := range cases {
		if got := pickKeyword(tc.title); got != tc.want {
			t.Errorf("pickKeyword(%q) = %q, want %q", tc.title, got, tc.want)
		}
	}
}
