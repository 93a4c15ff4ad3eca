package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/sony/gobreaker"

	"regtech-pipeline/internal/config"
	"regtech-pipeline/internal/models"
	"regtech-pipeline/internal/pkg/logger"
)

const excerptLimit = 300

// SearchService retrieves regulation documents through the Tavily API and
// enriches the top results by scraping their pages for a better excerpt.
// An empty result set is a valid outcome, not an error.
type SearchService struct {
	config  config.TavilyConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *logger.Logger
}

type tavilyRequest struct {
	APIKey      string `json:"api_key"`
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	SearchDepth string `json:"search_depth"`
}

type tavilyResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

type tavilyResponse struct {
	Results []tavilyResult `json:"results"`
}

func NewSearchService(cfg config.TavilyConfig, log *logger.Logger) (*SearchService, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("Tavily API key required")
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}

	return &SearchService{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		breaker: NewServiceBreaker("tavily"),
		logger:  log,
	}, nil
}

// SearchRegulations queries Tavily with the extracted keywords plus fixed
// domain terms, assigns SRC-NNN ids in rank order, and truncates excerpts.
func (service *SearchService) SearchRegulations(ctx context.Context, keywords []string) ([]models.SearchResult, error) {
	startTime := time.Now()

	query := strings.Join(keywords, " ") + " 제조업 규제 법률 안전 인증 한국"

	raw, err := ExecuteWithBreaker(service.breaker, func() ([]tavilyResult, error) {
		return service.search(ctx, query)
	})
	if err != nil {
		service.logger.LogService("tavily", "search_regulations", time.Since(startTime), map[string]interface{}{
			"query": query,
		}, err)
		return nil, err
	}

	results := make([]models.SearchResult, 0, len(raw))
	for idx, item := range raw {
		results = append(results, models.SearchResult{
			SourceID: fmt.Sprintf("SRC-%03d", idx+1),
			Title:    item.Title,
			URL:      item.URL,
			Excerpt:  truncate(item.Content, excerptLimit),
			Score:    item.Score,
		})
	}

	service.enrichTopResults(ctx, results)

	service.logger.LogService("tavily", "search_regulations", time.Since(startTime), map[string]interface{}{
		"query":        query,
		"result_count": len(results),
	}, nil)

	return results, nil
}

func (service *SearchService) search(ctx context.Context, query string) ([]tavilyResult, error) {
	body, err := json.Marshal(tavilyRequest{
		APIKey:      service.config.APIKey,
		Query:       query,
		MaxResults:  service.config.MaxResults,
		SearchDepth: "advanced",
	})
	if err != nil {
		return nil, models.NewInternalError("TAVILY_MARSHAL", "failed to encode search request").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, service.config.BaseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, models.NewInternalError("TAVILY_REQUEST", "failed to build search request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := service.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, models.NewTimeoutError("TAVILY_TIMEOUT", "search request timed out").WithCause(err)
		}
		return nil, models.NewTransientError("TAVILY_UNREACHABLE", "search request failed").WithCause(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.NewTransientError("TAVILY_READ", "failed to read search response").WithCause(err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, models.NewTransientError("TAVILY_UNAVAILABLE",
			fmt.Sprintf("search API returned status %d", resp.StatusCode))
	default:
		return nil, models.NewExternalError("TAVILY_REJECTED",
			fmt.Sprintf("search API returned status %d", resp.StatusCode))
	}

	var parsed tavilyResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, models.NewExternalError("TAVILY_DECODE", "failed to decode search response").WithCause(err)
	}

	return parsed.Results, nil
}

// enrichTopResults scrapes the first N result pages and replaces thin
// excerpts with body text. Failures are logged and ignored; enrichment
// never blocks the pipeline.
func (service *SearchService) enrichTopResults(ctx context.Context, results []models.SearchResult) {
	topN := service.config.EnrichTopN
	if topN <= 0 || len(results) == 0 {
		return
	}
	if topN > len(results) {
		topN = len(results)
	}

	for i := 0; i < topN; i++ {
		if ctx.Err() != nil {
			return
		}
		excerpt, err := service.scrapeExcerpt(results[i].URL)
		if err != nil {
			service.logger.Debug("Excerpt enrichment failed", "url", results[i].URL, "error", err)
			continue
		}
		if len(excerpt) > len(results[i].Excerpt) {
			results[i].Excerpt = truncate(excerpt, excerptLimit)
		}
	}
}

func (service *SearchService) scrapeExcerpt(targetURL string) (string, error) {
	if targetURL == "" {
		return "", errors.New("empty url")
	}

	collector := colly.NewCollector(
		colly.MaxDepth(1),
		colly.UserAgent("Mozilla/5.0 (compatible; regtech-pipeline/1.0)"),
	)
	collector.SetRequestTimeout(10 * time.Second)

	var extracted string
	collector.OnHTML("body", func(e *colly.HTMLElement) {
		var paragraphs []string
		e.DOM.Find("p").Each(func(_ int, s *goquery.Selection) {
			text := strings.TrimSpace(s.Text())
			if len(text) > 50 {
				paragraphs = append(paragraphs, text)
			}
		})
		extracted = strings.Join(paragraphs, " ")
	})

	var visitErr error
	collector.OnError(func(_ *colly.Response, err error) {
		visitErr = err
	})

	if err := collector.Visit(targetURL); err != nil {
		return "", err
	}
	collector.Wait()

	if visitErr != nil {
		return "", visitErr
	}
	if extracted == "" {
		return "", errors.New("no paragraph content found")
	}
	return extracted, nil
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}

func (service *SearchService) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, service.config.BaseURL, nil)
	if err != nil {
		return err
	}
	resp, err := service.client.Do(req)
	if err != nil {
		return fmt.Errorf("search API unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}
