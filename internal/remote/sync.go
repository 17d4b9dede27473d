package remote

import (
	"context"
	"fmt"
	"net/http"

	json "github.com/goccy/go-json"
)

// BatchItem is one record in a bulk replay request.
type BatchItem struct {
	ID       int64          `json:"id"`
	URL      string         `json:"url"`
	Method   string         `json:"method"`
	Endpoint string         `json:"endpoint"`
	Data     map[string]any `json:"data"`
}

// SyncedItem acknowledges one record of a bulk replay.
type SyncedItem struct {
	OriginalID int64 `json:"originalId"`
}

// BatchResult is the decoded bulk replay response.
type BatchResult struct {
	Success bool
	Message string
	Synced  []SyncedItem
	Errors  []json.RawMessage
}

// SyncedIDs returns the acknowledged record ids in response order.
func (r BatchResult) SyncedIDs() []int64 {
	ids := make([]int64, 0, len(r.Synced))
	for _, s := range r.Synced {
		ids = append(ids, s.OriginalID)
	}
	return ids
}

// BatchRejectedError is returned when the bulk endpoint answers 2xx but
// reports success=false.
type BatchRejectedError struct {
	Message string
}

func (e *BatchRejectedError) Error() string {
	if e.Message == "" {
		return "bulk sync rejected"
	}
	return "bulk sync rejected: " + e.Message
}

// SyncPending submits items to POST /sync/pending in one request.
func (c *Client) SyncPending(ctx context.Context, token string, items []BatchItem) (BatchResult, error) {
	if items == nil {
		items = []BatchItem{}
	}
	body := map[string]any{"pendingData": items}
	res, err := c.Do(ctx, Request{
		Method: http.MethodPost,
		URL:    c.URL("/sync/pending"),
		Body:   body,
		Token:  token,
	})
	if err != nil {
		return BatchResult{}, fmt.Errorf("sync pending: %w", err)
	}
	if !res.Success {
		return BatchResult{Success: false, Message: res.Message}, &BatchRejectedError{Message: res.Message}
	}

	out := BatchResult{Success: true, Message: res.Message}
	if len(res.Data) > 0 {
		var data struct {
			Synced []SyncedItem      `json:"synced"`
			Errors []json.RawMessage `json:"errors"`
		}
		if err := json.Unmarshal(res.Data, &data); err != nil {
			return BatchResult{}, fmt.Errorf("sync pending: decode response: %w", err)
		}
		out.Synced = data.Synced
		out.Errors = data.Errors
	}
	return out, nil
}

// Stats reads GET /sync/stats and returns its data member.
func (c *Client) Stats(ctx context.Context, token string) (map[string]any, error) {
	res, err := c.Do(ctx, Request{Method: http.MethodGet, URL: c.URL("/sync/stats"), Token: token})
	if err != nil {
		return nil, fmt.Errorf("sync stats: %w", err)
	}
	stats := map[string]any{}
	if len(res.Data) > 0 {
		if err := json.Unmarshal(res.Data, &stats); err != nil {
			return nil, fmt.Errorf("sync stats: decode response: %w", err)
		}
	}
	return stats, nil
}
