package eios

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/episignal/backend/internal/metrics"
	"github.com/episignal/backend/pkg/logger"
)

// ErrNoBoards means a tag resolved to zero boards; the run skips the
// tag but keeps going.
var ErrNoBoards = errors.New("no boards found for tag")

type Options struct {
	BaseURL         string
	TokenURL        string // derived from TenantID when empty
	TenantID        string
	ClientID        string
	ClientSecret    string
	Scope           string
	BoardPageSize   int
	ArticlePageSize int
	MaxArticles     int
	Timeout         time.Duration
}

// Client wraps the upstream article aggregation API: OAuth2 client
// credentials, a one-time terms acknowledgment, board resolution by
// tag, and the pinned/board-items listings.
type Client struct {
	baseURL         string
	tokenURL        string
	clientID        string
	clientSecret    string
	scope           string
	boardPageSize   int
	articlePageSize int
	maxArticles     int
	httpClient      *http.Client

	mu            sync.Mutex
	accessToken   string
	termsAccepted bool
}

func NewClient(opts Options) *Client {
	tokenURL := opts.TokenURL
	if tokenURL == "" {
		tokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", opts.TenantID)
	}

	boardPageSize := opts.BoardPageSize
	if boardPageSize == 0 {
		boardPageSize = 100
	}
	articlePageSize := opts.ArticlePageSize
	if articlePageSize == 0 {
		articlePageSize = 300
	}
	maxArticles := opts.MaxArticles
	if maxArticles == 0 {
		maxArticles = 5000
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:         strings.TrimRight(opts.BaseURL, "/"),
		tokenURL:        tokenURL,
		clientID:        opts.ClientID,
		clientSecret:    opts.ClientSecret,
		scope:           opts.Scope,
		boardPageSize:   boardPageSize,
		articlePageSize: articlePageSize,
		maxArticles:     maxArticles,
		httpClient:      &http.Client{Timeout: timeout},
	}
}

// ensureToken authenticates lazily and accepts the upstream terms of
// use once per client lifetime. Terms failure is non-fatal; the account
// may have accepted them already.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" {
		return c.accessToken, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"scope":         {c.scope},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token request returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("no access_token in token response")
	}

	c.accessToken = tokenResp.AccessToken
	logger.Info("Upstream API authenticated")

	if !c.termsAccepted {
		if err := c.acceptTerms(ctx, c.accessToken); err != nil {
			logger.Warn("Terms acceptance failed (may already be accepted)", zap.Error(err))
		}
		c.termsAccepted = true
	}

	return c.accessToken, nil
}

func (c *Client) acceptTerms(ctx context.Context, token string) error {
	payload := strings.NewReader(`{"TermsOfUseAccepted":true}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/UserProfiles/me", payload)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("terms acceptance returned %d", resp.StatusCode)
	}
	logger.Info("Terms of use accepted")
	return nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(path, "error").Inc()
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	metrics.UpstreamRequests.WithLabelValues(path, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	return decodeResult(body, out)
}

// decodeResult accepts either {"result": [...]} or a bare array body;
// the upstream has been seen returning both.
func decodeResult(body []byte, out interface{}) error {
	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Result) > 0 {
		return json.Unmarshal(envelope.Result, out)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Boards resolves a tag to its boards, walking the paginated listing.
func (c *Client) Boards(ctx context.Context, tag string) ([]Board, error) {
	var all []Board
	start := 0
	for {
		params := url.Values{
			"start": {fmt.Sprint(start)},
			"limit": {fmt.Sprint(c.boardPageSize)},
		}
		if tag != "" {
			params.Set("tags", tag)
		}

		var page []Board
		if err := c.get(ctx, "/Boards/by-tags", params, &page); err != nil {
			return nil, fmt.Errorf("board fetch for tag %q: %w", tag, err)
		}
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		if len(page) < c.boardPageSize {
			break
		}
		start += c.boardPageSize
	}

	logger.Info("Boards resolved", zap.String("tag", tag), zap.Int("count", len(all)))
	return all, nil
}

func (c *Client) pinnedArticles(ctx context.Context, boardIDs []string, since string) ([]apiArticle, error) {
	var all []apiArticle
	start := 0
	for {
		params := url.Values{
			"boardIds":    {strings.Join(boardIDs, ",")},
			"start":       {fmt.Sprint(start)},
			"limit":       {fmt.Sprint(c.articlePageSize)},
			"pinnedSince": {since},
		}

		var page []apiArticle
		if err := c.get(ctx, "/Items/pinned-to-boards", params, &page); err != nil {
			return nil, fmt.Errorf("pinned fetch: %w", err)
		}
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		if len(all) >= c.maxArticles {
			logger.Warn("Reached article cap during pinned fetch", zap.Int("cap", c.maxArticles))
			break
		}
		if len(page) < c.articlePageSize {
			break
		}
		start += c.articlePageSize
	}
	return all, nil
}

func (c *Client) boardArticles(ctx context.Context, boardID string, since string) ([]apiArticle, error) {
	var all []apiArticle
	start := 0
	for {
		params := url.Values{
			"start":     {fmt.Sprint(start)},
			"limit":     {fmt.Sprint(c.articlePageSize)},
			"timeSince": {since},
		}

		var page []apiArticle
		if err := c.get(ctx, "/Items/matching-board/"+boardID, params, &page); err != nil {
			return nil, fmt.Errorf("board %s item fetch: %w", boardID, err)
		}
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		if len(all) >= c.maxArticles {
			logger.Warn("Reached article cap during board fetch",
				zap.String("board", boardID),
				zap.Int("cap", c.maxArticles),
			)
			break
		}
		if len(page) < c.articlePageSize {
			break
		}
		start += c.articlePageSize
	}
	return all, nil
}

// FetchArticles resolves each tag to boards, pulls the pinned feed and
// every board's item feed for the window, and merges them into one
// deduplicated list. An id present in both feeds comes out once, pinned,
// carrying the pin timestamp from the pinned feed; board-only ids come
// out unpinned. Per-board and per-tag failures are collected and do not
// abort sibling fetches; the returned error is non-nil only when every
// tag failed outright.
func (c *Client) FetchArticles(ctx context.Context, tags []string, window Window) ([]Article, []error, error) {
	since := ToISOZ(window.Start)

	var (
		articles    []Article
		fetchErrors []error
		failedTags  int
	)
	seen := make(map[string]bool)

	for _, tag := range tags {
		boards, err := c.Boards(ctx, tag)
		if err != nil {
			fetchErrors = append(fetchErrors, err)
			failedTags++
			continue
		}
		if len(boards) == 0 {
			logger.Warn("No boards found for tag", zap.String("tag", tag))
			fetchErrors = append(fetchErrors, fmt.Errorf("%w: %q", ErrNoBoards, tag))
			continue
		}

		boardIDs := make([]string, 0, len(boards))
		boardNames := make(map[string]string, len(boards))
		for _, b := range boards {
			if b.ID == "" {
				continue
			}
			boardIDs = append(boardIDs, string(b.ID))
			boardNames[string(b.ID)] = b.Name
		}

		pinnedAt := make(map[string]*time.Time)
		pinned, err := c.pinnedArticles(ctx, boardIDs, since)
		if err != nil {
			// The board feeds below still cover these items, just
			// without pin status.
			logger.Warn("Pinned fetch failed, continuing unpinned", zap.String("tag", tag), zap.Error(err))
			fetchErrors = append(fetchErrors, err)
		} else {
			for _, a := range pinned {
				if a.ID == "" {
					continue
				}
				pinnedAt[string(a.ID)] = parseISOTime(a.PinnedDate)
			}
		}

		boardsFailed := 0
		for _, boardID := range boardIDs {
			items, err := c.boardArticles(ctx, boardID, since)
			if err != nil {
				fetchErrors = append(fetchErrors, err)
				boardsFailed++
				continue
			}
			for _, item := range items {
				id := string(item.ID)
				if id == "" || seen[id] {
					continue
				}
				seen[id] = true

				pinTime, isPinned := pinnedAt[id]
				articles = append(articles, normalizeArticle(item, boardNames[boardID], isPinned, pinTime))
			}
		}
		if boardsFailed == len(boardIDs) && len(boardIDs) > 0 {
			failedTags++
		}
	}

	if failedTags == len(tags) && len(tags) > 0 {
		return nil, fetchErrors, fmt.Errorf("all %d tags failed to fetch", len(tags))
	}

	pinnedCount := 0
	for _, a := range articles {
		if a.Pinned {
			pinnedCount++
		}
	}
	logger.Info("Articles fetched",
		zap.Int("total", len(articles)),
		zap.Int("pinned", pinnedCount),
		zap.Int("errors", len(fetchErrors)),
	)
	return articles, fetchErrors, nil
}

// normalizeArticle translates the provider shape into the canonical
// article, stripping HTML from the text fields and normalizing
// timestamps to UTC.
func normalizeArticle(a apiArticle, board string, pinned bool, pinTime *time.Time) Article {
	translatedSummary := a.TranslatedAbstractiveSummary
	if translatedSummary == "" {
		translatedSummary = a.TranslatedDescription
	}

	return Article{
		ExternalID:            string(a.ID),
		Title:                 stripHTML(a.Title),
		OriginalTitle:         stripHTML(a.OriginalTitle),
		TranslatedDescription: stripHTML(a.TranslatedDescription),
		TranslatedSummary:     stripHTML(translatedSummary),
		Summary:               stripHTML(a.AbstractiveSummary),
		SourceName:            a.Source.Name,
		SourceCountry:         string(a.Source.Country),
		Link:                  a.Link,
		Board:                 board,
		PublishedAt:           a.publishedTime(),
		Pinned:                pinned,
		PinnedAt:              pinTime,
	}
}

// stripHTML flattens any markup in upstream text fields to plain text.
func stripHTML(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.TrimSpace(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(strings.Join(strings.Fields(doc.Text()), " "))
}
