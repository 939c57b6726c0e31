package backup_client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcdev12/hanoiboard/go/clients"
	"github.com/mcdev12/hanoiboard/go/internal/models"
)

// Client posts leaderboard snapshots to a backup webhook
type Client struct {
	*clients.BaseClient
}

// NewClient creates a backup client that authenticates with the admin secret
func NewClient(secret string, timeout time.Duration) *Client {
	base := clients.NewBaseClient("")
	base.SetHeader("Authorization", "Bearer "+secret)
	base.SetHeader("Content-Type", "application/json")
	if timeout > 0 {
		base.SetTimeout(timeout)
	}
	return &Client{BaseClient: base}
}

// PostData sends data as JSON to url
func (c *Client) PostData(ctx context.Context, url string, data models.HanoiData) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal backup data: %w", err)
	}
	if _, err := c.Post(ctx, url, bytes.NewReader(body)); err != nil {
		return fmt.Errorf("failed to post backup: %w", err)
	}
	return nil
}
