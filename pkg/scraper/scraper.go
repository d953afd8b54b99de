package scraper

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/rs/zerolog"
	"github.com/xhad/sitechat/internal/models"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 10 << 20

type ScraperConfig struct {
	MaxDepth          int     // 0 fetches only the requested page
	RateLimit         float64 // requests per second
	IgnorePatterns    []string
	AllowedExtensions []string
	Timeout           time.Duration
	ProbeTimeout      time.Duration
	UserAgent         string
	OnProgress        func(url string)
	Logger            *zerolog.Logger
}

// StatusError reports an HTTP status the scraper refuses to work with.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("received status code %d for URL: %s", e.StatusCode, e.URL)
}

type Scraper struct {
	config  ScraperConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func NewWithConfig(config ScraperConfig) *Scraper {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.ProbeTimeout == 0 {
		config.ProbeTimeout = 5 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 2 // 2 requests per second by default
	}
	if len(config.AllowedExtensions) == 0 {
		config.AllowedExtensions = []string{".html", ".htm", "/", ""}
	}
	if config.UserAgent == "" {
		config.UserAgent = "sitechat/1.0"
	}

	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = config.Logger.With().Str("component", "scraper").Logger()
	}

	return &Scraper{
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		logger:  logger,
	}
}

func New() *Scraper {
	return NewWithConfig(ScraperConfig{})
}

// Probe checks that urlStr answers with a non-error status within ProbeTimeout.
func (s *Scraper) Probe(ctx context.Context, urlStr string) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ProbeTimeout)
	defer cancel()

	status, err := s.probe(ctx, http.MethodHead, urlStr)
	if err != nil {
		return err
	}
	// Some servers refuse HEAD outright.
	if status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented {
		status, err = s.probe(ctx, http.MethodGet, urlStr)
		if err != nil {
			return err
		}
	}
	if status >= http.StatusBadRequest {
		return &StatusError{URL: urlStr, StatusCode: status}
	}
	return nil
}

func (s *Scraper) probe(ctx context.Context, method, urlStr string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, urlStr, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", s.config.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", urlStr, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

// Fetch downloads urlStr and, when MaxDepth > 0, same-host pages linked from it.
// Only a failure on urlStr itself is returned as an error.
func (s *Scraper) Fetch(ctx context.Context, urlStr string) ([]models.Document, error) {
	root, err := url.Parse(urlStr)
	if err != nil {
		return nil, err
	}

	c := &crawl{
		scraper:  s,
		visited:  make(map[string]bool),
		baseHost: root.Host,
	}
	if err := c.visit(ctx, root.String(), 0); err != nil {
		return nil, err
	}
	return c.documents, nil
}

type crawl struct {
	scraper   *Scraper
	visited   map[string]bool
	baseHost  string
	documents []models.Document
}

func (s *Scraper) shouldProcessURL(urlStr, baseHost string) bool {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return false
	}

	// Check if URL is from the same host
	if parsedURL.Host != baseHost {
		return false
	}

	// Check extensions
	ext := strings.ToLower(parsedURL.Path)
	validExt := false
	for _, allowedExt := range s.config.AllowedExtensions {
		if strings.HasSuffix(ext, allowedExt) {
			validExt = true
			break
		}
	}
	if !validExt {
		return false
	}

	// Check ignore patterns
	for _, pattern := range s.config.IgnorePatterns {
		if strings.Contains(urlStr, pattern) {
			return false
		}
	}

	return true
}

func (c *crawl) visit(ctx context.Context, urlStr string, depth int) error {
	s := c.scraper
	if depth > s.config.MaxDepth || c.visited[urlStr] {
		return nil
	}
	if depth > 0 && !s.shouldProcessURL(urlStr, c.baseHost) {
		return nil
	}

	c.visited[urlStr] = true
	if s.config.OnProgress != nil {
		s.config.OnProgress(urlStr)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	doc, links, err := s.fetchPage(ctx, urlStr, depth)
	if err != nil {
		return err
	}
	if strings.TrimSpace(doc.Content) != "" {
		c.documents = append(c.documents, doc)
	}

	if depth >= s.config.MaxDepth {
		return nil
	}
	for _, link := range links {
		if err := c.visit(ctx, link, depth+1); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn().Err(err).Str("url", link).Msg("skipping linked page")
		}
	}
	return nil
}

func (s *Scraper) fetchPage(ctx context.Context, urlStr string, depth int) (models.Document, []string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return models.Document{}, nil, err
	}
	req.Header.Set("User-Agent", s.config.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return models.Document{}, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.Document{}, nil, &StatusError{URL: urlStr, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return models.Document{}, nil, fmt.Errorf("read %s: %w", urlStr, err)
	}

	document := models.Document{
		ID:  documentID(urlStr),
		URL: urlStr,
		Metadata: map[string]interface{}{
			"depth":        depth,
			"time":         time.Now(),
			"contentType":  resp.Header.Get("Content-Type"),
			"lastModified": resp.Header.Get("Last-Modified"),
		},
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/plain" {
		document.Content = cleanContent(string(body))
		return document, nil, nil
	}

	pageURL, err := url.Parse(urlStr)
	if err != nil {
		return models.Document{}, nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return models.Document{}, nil, fmt.Errorf("parse %s: %w", urlStr, err)
	}

	document.Title = strings.TrimSpace(doc.Find("title").First().Text())
	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		document.Content = cleanContent(article.TextContent)
		if article.Title != "" {
			document.Title = strings.TrimSpace(article.Title)
		}
	} else {
		document.Content = extractMainContent(doc)
	}

	return document, collectLinks(doc, pageURL), nil
}

func cleanContent(content string) string {
	// Remove extra whitespace
	content = strings.Join(strings.Fields(content), " ")

	// Remove common noise
	noisePatterns := []string{
		"Cookie Policy",
		"Accept Cookies",
		"Privacy Policy",
		"Terms of Service",
	}

	for _, pattern := range noisePatterns {
		content = strings.ReplaceAll(content, pattern, "")
	}

	return strings.TrimSpace(content)
}

func extractMainContent(doc *goquery.Document) string {
	// Try to find main content area
	selectors := []string{
		"main",
		"article",
		".content",
		"#content",
		".documentation",
		"#documentation",
	}

	doc.Find("script, style, noscript").Remove()

	var content string
	for _, selector := range selectors {
		if selected := doc.Find(selector); selected.Length() > 0 {
			content = selected.Text()
			break
		}
	}

	// Fallback to body if no main content found
	if strings.TrimSpace(content) == "" {
		content = doc.Find("body").Text()
	}

	return cleanContent(content)
}

func collectLinks(doc *goquery.Document, base *url.URL) []string {
	var links []string
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, selection *goquery.Selection) {
		href, _ := selection.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		abs.Fragment = ""
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		link := abs.String()
		if !seen[link] {
			seen[link] = true
			links = append(links, link)
		}
	})
	return links
}

func documentID(urlStr string) string {
	sum := sha256.Sum256([]byte(urlStr))
	return hex.EncodeToString(sum[:8])
}
