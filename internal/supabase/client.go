// Package supabase stores agent memory in a Supabase project through its
// PostgREST interface (table agent_memory with device_id and content).
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const table = "agent_memory"

type Client struct {
	baseURL string
	key     string
	http    *http.Client
}

func New(baseURL, serviceRoleKey string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), key: serviceRoleKey, http: hc}
}

type memoryRow struct {
	DeviceID string `json:"device_id"`
	Content  string `json:"content"`
}

func (c *Client) GetMemory(ctx context.Context, deviceID string) (string, bool, error) {
	q := url.Values{}
	q.Set("device_id", "eq."+deviceID)
	q.Set("select", "device_id,content")
	q.Set("limit", "1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rest/v1/"+table+"?"+q.Encode(), nil)
	if err != nil {
		return "", false, err
	}
	c.authorize(req)
	res, err := c.http.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("supabase get: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", false, statusError("get", res)
	}
	var rows []memoryRow
	if err := json.NewDecoder(res.Body).Decode(&rows); err != nil {
		return "", false, fmt.Errorf("supabase decode: %w", err)
	}
	if len(rows) == 0 {
		return "", false, nil
	}
	return rows[0].Content, true, nil
}

// PutMemory upserts the row keyed by device_id.
func (c *Client) PutMemory(ctx context.Context, deviceID, content string) error {
	body, err := json.Marshal(memoryRow{DeviceID: deviceID, Content: content})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rest/v1/"+table+"?on_conflict=device_id", bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "resolution=merge-duplicates,return=minimal")
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("supabase put: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		return statusError("put", res)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("apikey", c.key)
	req.Header.Set("Authorization", "Bearer "+c.key)
}

func statusError(op string, res *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	return fmt.Errorf("supabase %s: status %d: %s", op, res.StatusCode, strings.TrimSpace(string(msg)))
}
