package mta

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ignite/mta-dispatch/internal/pkg/httpretry"
)

// Client communicates with the MTA's HTTP management API.
// All calls carry the configured Bearer credential and are wrapped in a
// circuit breaker so a wedged MTA does not tie up dispatch goroutines in
// connect timeouts.
type Client struct {
	baseURL string
	apiKey  string
	http    httpretry.HTTPDoer
	breaker *gobreaker.CircuitBreaker
}

// NewClient creates an MTA management API client.
func NewClient(host string, port int, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	settings := gobreaker.Settings{
		Name:    "mta-mgmt",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		apiKey:  apiKey,
		http:    httpretry.NewRetryClient(&http.Client{Timeout: timeout}, 2),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	body, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("MTA API request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read MTA response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("MTA API returned %d: %s", resp.StatusCode, string(data))
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return body.([]byte), nil
}

// XML response structures matching the management API output format.

type xmlStatus struct {
	XMLName xml.Name `xml:"status"`
	Queue   struct {
		Recipients int `xml:"rcp"`
		Messages   int `xml:"msg"`
	} `xml:"queue"`
	Spool struct {
		Recipients int `xml:"rcp"`
		Messages   int `xml:"msg"`
	} `xml:"spool"`
	Deferred struct {
		Recipients int `xml:"rcp"`
	} `xml:"deferred"`
}

type xmlDomains struct {
	XMLName xml.Name        `xml:"domains"`
	Domains []xmlDomainItem `xml:"domain"`
}

type xmlDomainItem struct {
	Name      string `xml:"name,attr"`
	Queued    int    `xml:"queued"`
	Deferrals int    `xml:"deferrals"`
	Errors    int    `xml:"errors"`
}

// QueueStatus returns the MTA's current queue/spool/deferred load.
func (c *Client) QueueStatus(ctx context.Context) (*QueueStatus, error) {
	body, err := c.get(ctx, "/status?format=xml")
	if err != nil {
		return nil, err
	}

	var xs xmlStatus
	if err := xml.Unmarshal(body, &xs); err != nil {
		return nil, fmt.Errorf("failed to parse MTA status XML: %w", err)
	}

	return &QueueStatus{
		QueuedRecipients: xs.Queue.Recipients,
		QueuedMessages:   xs.Queue.Messages,
		SpoolRecipients:  xs.Spool.Recipients,
		SpoolMessages:    xs.Spool.Messages,
		DeferredCount:    xs.Deferred.Recipients,
		CheckedAt:        time.Now(),
	}, nil
}

// Domains returns per-destination-domain deferral/error/queue-depth detail.
func (c *Client) Domains(ctx context.Context) ([]DomainDetail, error) {
	body, err := c.get(ctx, "/domains?format=xml")
	if err != nil {
		return nil, err
	}

	var xd xmlDomains
	if err := xml.Unmarshal(body, &xd); err != nil {
		return nil, fmt.Errorf("failed to parse MTA domains XML: %w", err)
	}

	details := make([]DomainDetail, len(xd.Domains))
	for i, d := range xd.Domains {
		details[i] = DomainDetail{
			Domain:    d.Name,
			Queued:    d.Queued,
			Deferrals: d.Deferrals,
			Errors:    d.Errors,
		}
	}
	return details, nil
}
