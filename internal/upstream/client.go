package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/config"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
	"github.com/rs/zerolog"
)

// PageRequest addresses one page of an endpoint
type PageRequest struct {
	Tenant   string
	Window   types.TimeRange
	PageSize int
	StartKey string
}

// Page is one decoded upstream page
type Page struct {
	Records      []json.RawMessage
	NextStartKey string
	PageSize     int
}

// PageFetcher retrieves a single page
type PageFetcher interface {
	FetchPage(ctx context.Context, ep config.EndpointConfig, req PageRequest) (*Page, error)
}

type pageBody struct {
	Data         []json.RawMessage `json:"data"`
	CDRs         []json.RawMessage `json:"cdrs"`
	NextStartKey json.RawMessage   `json:"next_start_key"`
	PageSize     *int              `json:"page_size"`
}

// Client calls the upstream report API
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	logger     zerolog.Logger
}

// NewClient creates a report API client
func NewClient(baseURL string, timeout time.Duration, tokens TokenSource, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		tokens:     tokens,
		logger:     logger.With().Str("component", "upstream_client").Logger(),
	}
}

// FetchPage performs one page request. A 401 invalidates the tenant token
// so the next attempt uses a fresh one.
func (c *Client) FetchPage(ctx context.Context, ep config.EndpointConfig, req PageRequest) (*Page, error) {
	token, err := c.tokens.Token(ctx, req.Tenant)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	for k, v := range ep.Params {
		q.Set(k, v)
	}
	q.Set("account", req.Tenant)
	q.Set("startDate", strconv.FormatInt(req.Window.Start, 10))
	q.Set("endDate", strconv.FormatInt(req.Window.End, 10))
	q.Set("pageSize", strconv.Itoa(req.PageSize))
	if req.StartKey != "" {
		q.Set("startKey", req.StartKey)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+ep.Path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode == http.StatusUnauthorized {
			c.tokens.Invalidate(req.Tenant)
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var body pageBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode page: %w", err)
	}

	page := &Page{Records: body.Data, NextStartKey: cursor(body.NextStartKey)}
	if len(page.Records) == 0 {
		page.Records = body.CDRs
	}
	if body.PageSize != nil {
		page.PageSize = *body.PageSize
	}
	return page, nil
}

// cursor renders an opaque next_start_key; null and "" both end paging
func cursor(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
