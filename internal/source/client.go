// internal/source/client.go
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mirror-service/internal/retry"
)

// TableInfo is one table as described by the remote schema.
type TableInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RecordPayload is one record as served by the remote source.
type RecordPayload struct {
	ID     string                 `json:"id"`
	Fields map[string]interface{} `json:"fields"`
}

// WebhookInfo is one webhook registration on the remote source.
type WebhookInfo struct {
	ID              string `json:"id"`
	Secret          string `json:"secret"`
	NotificationURL string `json:"notification_url"`
}

// API is the slice of the remote source the sync pipelines consume. Tests
// substitute fakes.
type API interface {
	ListTables(ctx context.Context) ([]TableInfo, error)
	ListRecords(ctx context.Context, tableID string) ([]RecordPayload, error)
	ListRecordsByID(ctx context.Context, tableID string, ids []string) ([]RecordPayload, error)
}

// Client talks to the remote record source over HTTP with bearer auth and
// bounded retries.
type Client struct {
	baseURL string
	token   string
	http    *http.Client

	attempts int
	delay    time.Duration
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		http:     &http.Client{Timeout: 30 * time.Second},
		attempts: 3,
		delay:    2 * time.Second,
	}
}

func (c *Client) ListTables(ctx context.Context) ([]TableInfo, error) {
	var response struct {
		Tables []TableInfo `json:"tables"`
	}
	if err := c.getJSON(ctx, "/api/v1/tables", nil, &response); err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return response.Tables, nil
}

// ListRecords fetches every record of a table, following the offset cursor
// until the source stops returning one.
func (c *Client) ListRecords(ctx context.Context, tableID string) ([]RecordPayload, error) {
	var all []RecordPayload
	offset := ""
	for {
		q := url.Values{}
		if offset != "" {
			q.Set("offset", offset)
		}
		var page struct {
			Records []RecordPayload `json:"records"`
			Offset  string          `json:"offset"`
		}
		path := fmt.Sprintf("/api/v1/tables/%s/records", url.PathEscape(tableID))
		if err := c.getJSON(ctx, path, q, &page); err != nil {
			return nil, fmt.Errorf("failed to list records of table %s: %w", tableID, err)
		}
		all = append(all, page.Records...)
		if page.Offset == "" {
			return all, nil
		}
		offset = page.Offset
	}
}

// ListRecordsByID fetches exactly the given records in a single filter query
// rather than a full table scan.
func (c *Client) ListRecordsByID(ctx context.Context, tableID string, ids []string) ([]RecordPayload, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	var response struct {
		Records []RecordPayload `json:"records"`
	}
	path := fmt.Sprintf("/api/v1/tables/%s/records", url.PathEscape(tableID))
	if err := c.getJSON(ctx, path, q, &response); err != nil {
		return nil, fmt.Errorf("failed to fetch %d records of table %s: %w", len(ids), tableID, err)
	}
	return response.Records, nil
}

// ListWebhooks fetches the webhook registrations so inbound notification
// secrets can be checked locally.
func (c *Client) ListWebhooks(ctx context.Context) ([]WebhookInfo, error) {
	var response struct {
		Webhooks []WebhookInfo `json:"webhooks"`
	}
	if err := c.getJSON(ctx, "/api/v1/webhooks", nil, &response); err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	return response.Webhooks, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	return retry.Do(ctx, c.attempts, c.delay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			log.Printf("❌ Source API error response (%d): %s", resp.StatusCode, string(body))
			return fmt.Errorf("source returned status %d, body: %s", resp.StatusCode, string(body))
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to unmarshal source response: %w", err)
		}
		return nil
	})
}
