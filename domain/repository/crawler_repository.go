package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Songmu/retry"
	ttlcache "github.com/jellydator/ttlcache/v3"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/time/rate"
)

var errCrawlEmpty = errors.New("crawler returned no content")

type crawlBody struct {
	URL             string `json:"url"`
	ExcludeSelector string `json:"exclude_selector,omitempty"`
	ReturnFormat    string `json:"return_format"`
	Depth           int    `json:"depth"`
	Readability     bool   `json:"readability"`
	CountryCode     string `json:"country_code,omitempty"`
}

type crawlResult struct {
	Content string `json:"content"`
	Error   string `json:"error"`
	Status  int    `json:"status"`
	URL     string `json:"url"`
}

// SpiderRepository はSpiderのクロールAPIでページ本文を取得する
type SpiderRepository struct {
	client   *http.Client
	apiKey   string
	config   CrawlerConfig
	limiter  *rate.Limiter
	cache    *ttlcache.Cache[string, string]
	retries  uint
	interval time.Duration
}

// NewCrawlerRepository はSPIDER_API_KEYがあればSpiderを、なければ直接取得を返す
func NewCrawlerRepository(c CrawlerConfig) Crawler {
	if key := os.Getenv("SPIDER_API_KEY"); key != "" {
		return NewSpiderRepository(c, key)
	}
	slog.Info("SPIDER_API_KEY is not set, falling back to direct page fetch")
	return NewHTTPCrawlerRepository(c)
}

func NewSpiderRepository(c CrawlerConfig, apiKey string) *SpiderRepository {
	ttl := c.CacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	retries := c.Retries
	if retries < 1 {
		retries = 1
	}
	r := &SpiderRepository{
		client:   &http.Client{Timeout: c.Timeout},
		apiKey:   apiKey,
		config:   c,
		limiter:  rate.NewLimiter(rate.Limit(c.RatePerSecond), 1),
		cache:    ttlcache.New(ttlcache.WithTTL[string, string](ttl)),
		retries:  uint(retries),
		interval: 2 * time.Second,
	}
	go r.cache.Start()
	return r
}

func (r *SpiderRepository) Stop() {
	r.cache.Stop()
}

func (r *SpiderRepository) Crawl(ctx context.Context, req CrawlRequest) (string, error) {
	format := req.ReturnFormat
	if format == "" {
		format = r.config.ReturnFormat
	}
	cacheKey := format + "|" + req.URL
	if item := r.cache.Get(cacheKey); item != nil {
		return item.Value(), nil
	}

	body, err := json.Marshal(crawlBody{
		URL:             req.URL,
		ExcludeSelector: r.config.ExcludeSelector,
		ReturnFormat:    format,
		Depth:           r.config.Depth,
		Readability:     r.config.Readability,
		CountryCode:     r.config.CountryCode,
	})
	if err != nil {
		return "", err
	}

	var content string
	err = retry.Retry(r.retries, r.interval, func() error {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		c, err := r.post(ctx, body)
		if err != nil {
			slog.Warn("Crawl", slog.String("url", req.URL), slog.Any("err", err))
			return err
		}
		content = c
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to crawl %s: %w", req.URL, err)
	}

	r.cache.Set(cacheKey, content, ttlcache.DefaultTTL)
	return content, nil
}

func (r *SpiderRepository) post(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("crawler responded %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var results []crawlResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return "", fmt.Errorf("failed to decode crawler response: %w", err)
	}
	if len(results) == 0 || strings.TrimSpace(results[0].Content) == "" {
		return "", errCrawlEmpty
	}
	return results[0].Content, nil
}

// HTTPCrawlerRepository はページを直接取得し、タグを除いたテキストを返す
type HTTPCrawlerRepository struct {
	client  *http.Client
	limiter *rate.Limiter
	policy  *bluemonday.Policy
}

func NewHTTPCrawlerRepository(c CrawlerConfig) *HTTPCrawlerRepository {
	return &HTTPCrawlerRepository{
		client:  &http.Client{Timeout: c.Timeout},
		limiter: rate.NewLimiter(rate.Limit(c.RatePerSecond), 1),
		policy:  bluemonday.StrictPolicy(),
	}
}

func (r *HTTPCrawlerRepository) Crawl(ctx context.Context, req CrawlRequest) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", req.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch %s: status %d", req.URL, resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", err
	}
	text := strings.Join(strings.Fields(html.UnescapeString(r.policy.Sanitize(string(b)))), " ")
	if text == "" {
		return "", errCrawlEmpty
	}
	return text, nil
}
