// Package peer replicates policy feeds from remote nodes. The client talks
// the node HTTP surface; the puller verifies everything it fetches against
// local trust anchors and the local policy before any of it lands on disk.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/villagelabs/links/pkg/feed"
	"github.com/villagelabs/links/pkg/governance"
)

// DefaultPageSize is how many updates one page request asks for.
const DefaultPageSize = 100

// StatusError is a non-200 response from a peer, with the detail string the
// peer attached.
type StatusError struct {
	Status int
	Detail string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("peer: status %d: %s", e.Status, e.Detail)
}

// Options tunes a Client. Zero values fall back to defaults.
type Options struct {
	// Token authenticates against bearer-gated endpoints.
	Token string
	// Timeout bounds one request. Default 10s.
	Timeout time.Duration
	// RPS paces outbound requests. Default 5.
	RPS float64
	// Burst for the pacer. Default 2.
	Burst int
	// PageSize for paged pulls. Default DefaultPageSize.
	PageSize int
}

// Client is an HTTP client for one remote node.
type Client struct {
	baseURL  string
	token    string
	pageSize int
	http     *http.Client
	limiter  *rate.Limiter
}

func NewClient(baseURL string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := opts.RPS
	if rps <= 0 {
		rps = 5
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 2
	}
	pageSize := opts.PageSize
	if pageSize < 1 || pageSize > feed.MaxPageSize {
		pageSize = DefaultPageSize
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    opts.Token,
		pageSize: pageSize,
		http:     &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("peer request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("peer request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("peer response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		detail := ""
		var eb struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(body, &eb) == nil {
			detail = eb.Detail
		}
		return nil, &StatusError{Status: resp.StatusCode, Detail: detail}
	}
	return body, nil
}

// PullManifest fetches the signed feed manifest of a village.
func (c *Client) PullManifest(ctx context.Context, villageID string) (*feed.Manifest, error) {
	body, err := c.get(ctx, "/villages/"+villageID+"/policy/manifest", nil)
	if err != nil {
		return nil, err
	}
	return feed.ParseManifest(body)
}

// LatestPolicy fetches the most recent policy update of a village.
func (c *Client) LatestPolicy(ctx context.Context, villageID string) (*governance.Update, error) {
	body, err := c.get(ctx, "/villages/"+villageID+"/policy/latest", nil)
	if err != nil {
		return nil, err
	}
	return governance.ParseUpdate(body)
}

type updatesPage struct {
	Items      []json.RawMessage `json:"items"`
	NextCursor *string           `json:"next_cursor"`
}

// PullUpdatesSince walks the paged updates feed and parses every update.
// Each item keeps its exact serialized bytes, so signature checks downstream
// see what the peer actually sent.
func (c *Client) PullUpdatesSince(ctx context.Context, villageID, since string) ([]*governance.Update, error) {
	var out []*governance.Update
	cursor := ""
	for {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(c.pageSize))
		if since != "" {
			q.Set("since", since)
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		body, err := c.get(ctx, "/villages/"+villageID+"/policy/updates_page", q)
		if err != nil {
			return nil, err
		}
		var page updatesPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("peer page: %w", err)
		}
		for _, raw := range page.Items {
			u, err := governance.ParseUpdate(raw)
			if err != nil {
				return nil, fmt.Errorf("peer page: %w", err)
			}
			out = append(out, u)
		}
		if page.NextCursor == nil || *page.NextCursor == "" || *page.NextCursor == cursor {
			return out, nil
		}
		cursor = *page.NextCursor
	}
}

// TransparencyLog fetches up to limit recent transparency entries.
func (c *Client) TransparencyLog(ctx context.Context, villageID string, limit int) ([]map[string]any, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.get(ctx, "/villages/"+villageID+"/transparency/policy_log", q)
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for _, line := range strings.Split(string(body), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("peer transparency: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}
