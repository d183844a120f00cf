// Package panel fetches the user roster (email → device limit) from the
// control panel and serves it to the classifier as an in-memory snapshot.
package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sentinelops/banhammer/internal/config"
	"github.com/sentinelops/banhammer/internal/pkg/httpretry"
)

// User is one roster entry. Stale marks an entry missing from the latest
// successful pull; the cache keeps it for one more cycle before dropping it.
type User struct {
	Email       string
	Username    string
	DeviceLimit int
	TelegramID  int64
	Description string
	Status      string
	Stale       bool
}

// Client is the control-panel API client.
type Client struct {
	baseURL    string
	token      string
	pageSize   int
	httpClient httpretry.HTTPDoer
}

// NewClient creates a panel client from config.
func NewClient(cfg config.PanelConfig) *Client {
	return &Client{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		token:    cfg.Token,
		pageSize: cfg.PageSize,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: cfg.FetchTimeout(),
		}, 3),
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing)
func (c *Client) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

type usersResponse struct {
	Response struct {
		Users []panelUser `json:"users"`
		Total int         `json:"total"`
	} `json:"response"`
}

type panelUser struct {
	Email           string `json:"email"`
	Username        string `json:"username"`
	HWIDDeviceLimit *int   `json:"hwidDeviceLimit"`
	TelegramID      int64  `json:"telegramId"`
	Description     string `json:"description"`
	Status          string `json:"status"`
}

// FetchAll retrieves the full roster, paginating with start/size until a
// short page arrives.
func (c *Client) FetchAll(ctx context.Context) ([]User, error) {
	var all []User
	start := 0

	for {
		page, total, err := c.fetchPage(ctx, start, c.pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)

		start += len(page)
		if len(page) < c.pageSize || (total > 0 && start >= total) {
			break
		}
		// Safety limit
		if start > 1_000_000 {
			break
		}
	}

	return all, nil
}

func (c *Client) fetchPage(ctx context.Context, start, size int) ([]User, int, error) {
	reqURL := fmt.Sprintf("%s/api/users?start=%d&size=%d", c.baseURL, start, size)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	// The panel sits behind a reverse proxy and rejects requests that do not
	// look like they came through it.
	req.Header.Set("X-Forwarded-For", "127.0.0.1")
	req.Header.Set("X-Forwarded-Proto", "https")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("panel request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, 0, fmt.Errorf("panel API error (status %d): %s", resp.StatusCode, string(body))
	}

	var parsed usersResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, 0, fmt.Errorf("failed to parse panel response: %w", err)
	}

	users := make([]User, 0, len(parsed.Response.Users))
	for _, pu := range parsed.Response.Users {
		u := User{
			Email:       pu.Email,
			Username:    pu.Username,
			TelegramID:  pu.TelegramID,
			Description: pu.Description,
			Status:      pu.Status,
		}
		// A missing hwidDeviceLimit means the panel imposes no limit; zero
		// is an explicit "unlimited" too, so both map to DeviceLimit 0.
		if pu.HWIDDeviceLimit != nil {
			u.DeviceLimit = *pu.HWIDDeviceLimit
		}
		if u.Email == "" {
			continue
		}
		users = append(users, u)
	}

	return users, parsed.Response.Total, nil
}
