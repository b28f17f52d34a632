package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"agent-arena/internal/config"
	"agent-arena/internal/store"
	"agent-arena/pkg/types"
)

// Event markets carry a flat bounty; research bounties come from config
// because they anchor the research economy.
var eventBounty = decimal.RequireFromString("10.00")

// Maker keeps the board stocked. Each cycle it tops the open-market count
// up to the configured floor, drawing market types by weight. Generators
// are fail-silent: a feed hiccup skips one candidate, never the cycle.
type Maker struct {
	store    *store.Store
	feeds    FeedSource
	cfg      config.MarketsConfig
	research config.ResearchConfig
	logger   *slog.Logger
}

// NewMaker builds the market maker.
func NewMaker(s *store.Store, f FeedSource, cfg config.MarketsConfig, research config.ResearchConfig, logger *slog.Logger) *Maker {
	return &Maker{store: s, feeds: f, cfg: cfg, research: research, logger: logger}
}

// EnsureOpenMarkets generates markets until MinOpen are open or the attempt
// budget runs out. Returns how many were created.
func (mk *Maker) EnsureOpenMarkets(ctx context.Context) (int, error) {
	open, err := mk.store.CountOpen(ctx, "")
	if err != nil {
		return 0, err
	}
	need := mk.cfg.MinOpen - open
	if need <= 0 {
		return 0, nil
	}

	created := 0
	for attempts := 0; created < need && attempts < mk.cfg.MinOpen*3; attempts++ {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		var ok bool
		switch mk.pickSource() {
		case types.SourceResearch:
			ok = mk.generateResearch(ctx)
		case types.SourceWeather:
			ok = mk.generateWeather(ctx)
		case types.SourceGitHub:
			ok = mk.generateGitHub(ctx)
		case types.SourceNews:
			ok = mk.generateNews(ctx)
		}
		if ok {
			created++
		}
	}
	if created > 0 {
		mk.logger.Info("market maker cycle", "created", created, "wanted", need)
	}
	return created, nil
}

func (mk *Maker) pickSource() types.SourceKind {
	type weighted struct {
		source types.SourceKind
		weight int
	}
	choices := []weighted{
		{types.SourceResearch, mk.cfg.WeightResearch},
		{types.SourceWeather, mk.cfg.WeightWeather},
		{types.SourceGitHub, mk.cfg.WeightGitHub},
		{types.SourceNews, mk.cfg.WeightNews},
	}
	total := 0
	for _, c := range choices {
		total += c.weight
	}
	if total <= 0 {
		return types.SourceResearch
	}
	r := rand.Intn(total)
	for _, c := range choices {
		r -= c.weight
		if r < 0 {
			return c.source
		}
	}
	return types.SourceResearch
}

// generateResearch mints a knowledge market from a random Wikipedia
// article. The answer is the page id; only its hash is stored, so the
// answer key never leaks through the market row.
func (mk *Maker) generateResearch(ctx context.Context) bool {
	art, err := mk.feeds.RandomArticle(ctx)
	if err != nil {
		mk.logger.Debug("research generator skipped", "err", err)
		return false
	}
	answer := strconv.FormatInt(art.ID, 10)
	_, err = mk.store.CreateMarket(ctx, store.CreateMarketInput{
		Description: fmt.Sprintf("RESEARCH: What is the Wikipedia page ID for the article titled '%s'?", art.Title),
		Source:      types.SourceResearch,
		Criteria: types.Criteria{
			AnswerHash: hashAnswer(answer),
			MatchType:  "exact_string",
			Subject:    art.Title,
		},
		Bounty:   decimal.NewFromFloat(mk.research.Bounty),
		Deadline: time.Now().UTC().Add(time.Duration(mk.research.DeadlineMinutes) * time.Minute),
	})
	return mk.created("research", err)
}

func (mk *Maker) generateWeather(ctx context.Context) bool {
	if len(mk.cfg.Cities) == 0 {
		return false
	}
	city := mk.cfg.Cities[rand.Intn(len(mk.cfg.Cities))]
	if covered, err := mk.store.HasOpenCovering(ctx, types.SourceWeather, city.Name); err != nil || covered {
		return false
	}
	reading, err := mk.feeds.CurrentTemperature(ctx, city.Latitude, city.Longitude)
	if err != nil {
		mk.logger.Debug("weather generator skipped", "city", city.Name, "err", err)
		return false
	}
	// Strike near the current reading keeps the market genuinely uncertain.
	offset := (rand.Float64()*3 - 1.5)
	threshold := float64(int((reading+offset)*10)) / 10
	_, err = mk.store.CreateMarket(ctx, store.CreateMarketInput{
		Description: fmt.Sprintf("WEATHER: Will the temperature in %s exceed %.1f C within the hour?", city.Name, threshold),
		Source:      types.SourceWeather,
		Criteria: types.Criteria{
			City:           city.Name,
			Latitude:       city.Latitude,
			Longitude:      city.Longitude,
			Metric:         "temperature_c",
			Operator:       "gt",
			Threshold:      threshold,
			CurrentReading: &reading,
		},
		Bounty:   eventBounty,
		Deadline: time.Now().UTC().Add(time.Hour),
	})
	return mk.created("weather", err)
}

func (mk *Maker) generateGitHub(ctx context.Context) bool {
	if len(mk.cfg.GitHubRepos) == 0 {
		return false
	}
	repo := mk.cfg.GitHubRepos[rand.Intn(len(mk.cfg.GitHubRepos))]
	if covered, err := mk.store.HasOpenCovering(ctx, types.SourceGitHub, repo); err != nil || covered {
		return false
	}
	n, err := mk.feeds.PRVelocity(ctx, repo)
	if err != nil {
		mk.logger.Debug("github generator skipped", "repo", repo, "err", err)
		return false
	}
	reading := float64(n)
	_, err = mk.store.CreateMarket(ctx, store.CreateMarketInput{
		Description: fmt.Sprintf("GITHUB: Will %s merge more than %d PRs in the next 24 hours?", repo, n),
		Source:      types.SourceGitHub,
		Criteria: types.Criteria{
			Repo:           repo,
			Metric:         "merged_prs_24h",
			Operator:       "gt",
			Threshold:      reading,
			CurrentReading: &reading,
		},
		Bounty:   eventBounty,
		Deadline: time.Now().UTC().Add(24 * time.Hour),
	})
	return mk.created("github", err)
}

func (mk *Maker) generateNews(ctx context.Context) bool {
	if len(mk.cfg.NewsFeeds) == 0 {
		return false
	}
	feedURL := mk.cfg.NewsFeeds[rand.Intn(len(mk.cfg.NewsFeeds))]
	items, err := mk.feeds.Headlines(ctx, feedURL)
	if err != nil || len(items) == 0 {
		mk.logger.Debug("news generator skipped", "feed", feedURL, "err", err)
		return false
	}
	keyword := pickKeyword(items[rand.Intn(len(items))].Title)
	if keyword == "" {
		return false
	}
	if covered, err := mk.store.HasOpenCovering(ctx, types.SourceNews, keyword); err != nil || covered {
		return false
	}
	_, err = mk.store.CreateMarket(ctx, store.CreateMarketInput{
		Description: fmt.Sprintf("NEWS: Will a headline mentioning '%s' still be on the feed in 6 hours?", keyword),
		Source:      types.SourceNews,
		Criteria: types.Criteria{
			FeedURL: feedURL,
			Keyword: keyword,
		},
		Bounty:   eventBounty,
		Deadline: time.Now().UTC().Add(6 * time.Hour),
	})
	return mk.created("news", err)
}

func (mk *Maker) created(source string, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrDuplicateMarket):
		return false
	default:
		mk.logger.Debug("market create failed", "source", source, "err", err)
		return false
	}
}

// pickKeyword selects the longest word of at least five letters, stripped
// of punctuation. Short or stop-word-only headlines yield nothing.
func pickKeyword(title string) string {
	best := ""
	for _, word := range strings.Fields(title) {
		cleaned := strings.TrimFunc(word, func(r rune) bool {
			return !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9')
		})
		if len(cleaned) >= 5 && len(cleaned) > len(best) {
			best = cleaned
		}
	}
	return best
}
