package accounting

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

	"github.com/ignite/mta-dispatch/internal/config"
	"github.com/ignite/mta-dispatch/internal/pkg/httpretry"
)

// Record is one accounting event as the bridge delivers it. Field names
// follow the bridge's JSON: headers are flattened with a header_ prefix.
type Record struct {
	Type             string `json:"type"`
	Recipient        string `json:"rcpt"`
	MessageID        string `json:"msgid"`
	JobID            string `json:"jobId"`
	HeaderJobID      string `json:"header_x-job-id"`
	HeaderCampaignID string `json:"header_x-campaign-id"`
}

// PullResponse is the bridge pull envelope.
type PullResponse struct {
	OK         bool              `json:"ok"`
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"next_cursor"`
	HasMore    bool              `json:"has_more"`
	Error      string            `json:"error,omitempty"`
}

// BridgeClient pulls accounting batches from the bridge's HTTP endpoint.
type BridgeClient struct {
	pullURL   string
	statusURL string
	token     string
	kind      string
	http      httpretry.HTTPDoer
}

// NewBridgeClient builds a pull client from the accounting configuration.
func NewBridgeClient(cfg config.AccountingConfig, doer httpretry.HTTPDoer) *BridgeClient {
	if doer == nil {
		doer = httpretry.NewRetryClient(&http.Client{Timeout: 30 * time.Second}, 2)
	}
	kind := cfg.SourceKind
	if kind == "" {
		kind = "acct"
	}
	return &BridgeClient{
		pullURL:   cfg.PullURL,
		statusURL: cfg.StatusURL,
		token:     NormalizeToken(cfg.Token),
		kind:      kind,
		http:      doer,
	}
}

// NormalizeToken strips the quoting and "Bearer " prefixes that leak into
// tokens pasted from config files or curl examples.
func NormalizeToken(token string) string {
	token = strings.TrimSpace(token)
	token = strings.Trim(token, `"'`)
	token = strings.TrimSpace(token)
	for _, prefix := range []string{"Bearer ", "bearer "} {
		if strings.HasPrefix(token, prefix) {
			token = strings.TrimSpace(token[len(prefix):])
		}
	}
	return strings.Trim(token, `"'`)
}

// Pull fetches one batch after the cursor. An empty cursor asks the bridge
// to start from its oldest retained position.
func (c *BridgeClient) Pull(ctx context.Context, cursor string, maxLines int) (*PullResponse, error) {
	if c.pullURL == "" {
		return nil, fmt.Errorf("bridge pull url not configured")
	}

	u, err := url.Parse(c.pullURL)
	if err != nil {
		return nil, fmt.Errorf("bridge pull url: %w", err)
	}
	q := u.Query()
	q.Set("kind", c.kind)
	q.Set("cursor", cursor)
	q.Set("max_lines", strconv.Itoa(maxLines))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge pull: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("bridge pull read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bridge pull status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return decodePull(body)
}

// decodePull parses the pull envelope, tolerating the legacy bridge format
// that returned a bare item array with no cursor fields.
func decodePull(body []byte) (*PullResponse, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("bridge pull legacy decode: %w", err)
		}
		return &PullResponse{OK: true, Items: items}, nil
	}

	var out PullResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("bridge pull decode: %w", err)
	}
	if !out.OK {
		return nil, fmt.Errorf("bridge pull rejected: %s", out.Error)
	}
	return &out, nil
}

// Status proxies the bridge's own status endpoint. Returns the raw JSON so
// the control surface can pass it through untouched.
func (c *BridgeClient) Status(ctx context.Context) (json.RawMessage, error) {
	if c.statusURL == "" {
		return nil, fmt.Errorf("bridge status url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.statusURL, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge status: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bridge status %d", resp.StatusCode)
	}
	return json.RawMessage(body), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
