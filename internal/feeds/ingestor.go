// Package feeds talks to the external truth sources: Wikipedia for the
// knowledge gateway and research markets, GitHub and Open-Meteo for event
// markets, RSS for news markets. All calls are rate limited per upstream and
// identify themselves with a stable User-Agent.
package feeds

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const userAgent = "agent-arena/1.0 (autonomous prediction arena; contact: ops@agent-arena.local)"

// Article is a Wikipedia page summary. ID is the canonical page id, which
// research markets use as their answer key.
type Article struct {
	Title   string
	Extract string
	ID      int64
}

// Headline is one RSS item.
type Headline struct {
	Title     string
	Link      string
	Published string
}

// Ingestor is the shared client for all upstreams.
type Ingestor struct {
	http   *resty.Client
	limits *RateLimiter
	logger *slog.Logger

	// Overridable in tests to point at local servers.
	wikiBase   string
	githubBase string
	meteoBase  string
	retryBase  time.Duration
}

// NewIngestor builds the client with production endpoints.
func NewIngestor(logger *slog.Logger) *Ingestor {
	return &Ingestor{
		http: resty.New().
			SetHeader("User-Agent", userAgent).
			SetTimeout(15 * time.Second),
		limits:     NewRateLimiter(),
		logger:     logger,
		wikiBase:   "https://en.wikipedia.org",
		githubBase: "https://api.github.com",
		meteoBase:  "https://api.open-meteo.com",
		retryBase:  2 * time.Second,
	}
}

// ——————————————————————————————————————————————————————————————————————————
// Wikipedia
// ——————————————————————————————————————————————————————————————————————————

type wikiSummary struct {
	Title   string `json:"title"`
	Extract string `json:"extract"`
	PageID  int64  `json:"pageid"`
}

// KnowledgeLookup resolves a page title to its summary. A missing page is
// (nil, nil), not an error: "the encyclopedia has no such page" is a valid
// research finding. 429 and transport errors retry with doubling backoff;
// 403 falls through to the MediaWiki action API, which throttles separately
// from the REST gateway.
func (in *Ingestor) KnowledgeLookup(ctx context.Context, title string) (*Article, error) {
	if err := in.limits.Wikipedia.Wait(ctx); err != nil {
		return nil, err
	}
	endpoint := in.wikiBase + "/api/rest_v1/page/summary/" + url.PathEscape(strings.ReplaceAll(title, " ", "_"))

	backoff := in.retryBase
	for attempt := 0; attempt < 3; attempt++ {
		resp, err := in.http.R().SetContext(ctx).Get(endpoint)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			in.logger.Debug("wikipedia summary transport error", "title", title, "attempt", attempt, "err", err)
		case resp.StatusCode() == 200:
			var s wikiSummary
			if err := json.Unmarshal(resp.Body(), &s); err != nil {
				return nil, fmt.Errorf("feeds: decode wikipedia summary: %w", err)
			}
			return &Article{Title: s.Title, Extract: s.Extract, ID: s.PageID}, nil
		case resp.StatusCode() == 404:
			return nil, nil
		case resp.StatusCode() == 403:
			return in.actionAPILookup(ctx, title)
		case resp.StatusCode() == 429:
			in.logger.Debug("wikipedia rate limited", "title", title, "attempt", attempt)
		default:
			return nil, fmt.Errorf("feeds: wikipedia summary status %d", resp.StatusCode())
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil, nil
}

type actionQueryResponse struct {
	Query struct {
		Pages map[string]struct {
			PageID  int64  `json:"pageid"`
			Title   string `json:"title"`
			Extract string `json:"extract"`
			Missing string `json:"missing"`
		} `json:"pages"`
	} `json:"query"`
}

// actionAPILookup is the legacy-API fallback for REST 403s.
func (in *Ingestor) actionAPILookup(ctx context.Context, title string) (*Article, error) {
	resp, err := in.http.R().SetContext(ctx).
		SetQueryParams(map[string]string{
			"action":      "query",
			"prop":        "extracts",
			"titles":      title,
			"format":      "json",
			"explaintext": "1",
			"exintro":     "1",
		}).
		Get(in.wikiBase + "/w/api.php")
	if err != nil {
		return nil, fmt.Errorf("feeds: mediawiki action api: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("feeds: mediawiki action api status %d", resp.StatusCode())
	}
	var q actionQueryResponse
	if err := json.Unmarshal(resp.Body(), &q); err != nil {
		return nil, fmt.Errorf("feeds: decode action api response: %w", err)
	}
	for id, page := range q.Query.Pages {
		if id == "-1" || page.PageID == 0 {
			return nil, nil
		}
		return &Article{Title: page.Title, Extract: page.Extract, ID: page.PageID}, nil
	}
	return nil, nil
}

// RandomArticle returns a random page summary, the seed for research markets.
func (in *Ingestor) RandomArticle(ctx context.Context) (*Article, error) {
	if err := in.limits.Wikipedia.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := in.http.R().SetContext(ctx).Get(in.wikiBase + "/api/rest_v1/page/random/summary")
	if err != nil {
		return nil, fmt.Errorf("feeds: random article: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("feeds: random article status %d", resp.StatusCode())
	}
	var s wikiSummary
	if err := json.Unmarshal(resp.Body(), &s); err != nil {
		return nil, fmt.Errorf("feeds: decode random article: %w", err)
	}
	if s.Title == "" || s.PageID == 0 {
		return nil, errors.New("feeds: random article missing title or page id")
	}
	return &Article{Title: s.Title, Extract: s.Extract, ID: s.PageID}, nil
}

// ——————————————————————————————————————————————————————————————————————————
// GitHub
// ——————————————————————————————————————————————————————————————————————————

type githubSearchResponse struct {
	TotalCount int `json:"total_count"`
}

// PRVelocity counts pull requests merged into repo over the last 24 hours.
// A GITHUB_TOKEN in the environment lifts the anonymous quota.
func (in *Ingestor) PRVelocity(ctx context.Context, repo string) (int, error) {
	if err := in.limits.GitHub.Wait(ctx); err != nil {
		return 0, err
	}
	since := time.Now().UTC().Add(-24 * time.Hour).Format("2006-01-02T15:04:05Z")
	req := in.http.R().SetContext(ctx).
		SetHeader("Accept", "application/vnd.github+json").
		SetQueryParam("q", fmt.Sprintf("repo:%s is:pr is:merged merged:>%s", repo, since)).
		SetQueryParam("per_page", "1")
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		req.SetAuthToken(token)
	}
	resp, err := req.Get(in.githubBase + "/search/issues")
	if err != nil {
		return 0, fmt.Errorf("feeds: github search: %w", err)
	}
	if resp.StatusCode() != 200 {
		return 0, fmt.Errorf("feeds: github search status %d", resp.StatusCode())
	}
	var s githubSearchResponse
	if err := json.Unmarshal(resp.Body(), &s); err != nil {
		return 0, fmt.Errorf("feeds: decode github search: %w", err)
	}
	return s.TotalCount, nil
}

// ——————————————————————————————————————————————————————————————————————————
// Open-Meteo
// ——————————————————————————————————————————————————————————————————————————

type meteoResponse struct {
	Current struct {
		Temperature float64 `json:"temperature_2m"`
	} `json:"current"`
}

// CurrentTemperature reads the current 2m air temperature in Celsius.
func (in *Ingestor) CurrentTemperature(ctx context.Context, lat, lon float64) (float64, error) {
	if err := in.limits.Weather.Wait(ctx); err != nil {
		return 0, err
	}
	resp, err := in.http.R().SetContext(ctx).
		SetQueryParams(map[string]string{
			"latitude":  strconv.FormatFloat(lat, 'f', 4, 64),
			"longitude": strconv.FormatFloat(lon, 'f', 4, 64),
			"current":   "temperature_2m",
		}).
		Get(in.meteoBase + "/v1/forecast")
	if err != nil {
		return 0, fmt.Errorf("feeds: open-meteo: %w", err)
	}
	if resp.StatusCode() != 200 {
		return 0, fmt.Errorf("feeds: open-meteo status %d", resp.StatusCode())
	}
	var m meteoResponse
	if err := json.Unmarshal(resp.Body(), &m); err != nil {
		return 0, fmt.Errorf("feeds: decode open-meteo: %w", err)
	}
	return m.Current.Temperature, nil
}

// ——————————————————————————————————————————————————————————————————————————
// RSS
// ——————————————————————————————————————————————————————————————————————————

type rssDocument struct {
	Channel struct {
		Items []struct {
			Title   string `xml:"title"`
			Link    string `xml:"link"`
			PubDate string `xml:"pubDate"`
		} `xml:"item"`
	} `xml:"channel"`
}

// Headlines fetches the current items of an RSS feed.
func (in *Ingestor) Headlines(ctx context.Context, feedURL string) ([]Headline, error) {
	if err := in.limits.News.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := in.http.R().SetContext(ctx).Get(feedURL)
	if err != nil {
		return nil, fmt.Errorf("feeds: rss fetch: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("feeds: rss status %d", resp.StatusCode())
	}
	var doc rssDocument
	if err := xml.Unmarshal(resp.Body(), &doc); err != nil {
		return nil, fmt.Errorf("feeds: decode rss: %w", err)
	}
	out := make([]Headline, 0, len(doc.Channel.Items))
	for _, item := range doc.Channel.Items {
		out = append(out, Headline{
			Title:     strings.TrimSpace(item.Title),
			Link:      strings.TrimSpace(item.Link),
			Published: strings.TrimSpace(item.PubDate),
		})
	}
	return out, nil
}
