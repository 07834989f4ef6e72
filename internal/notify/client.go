package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/Boinkkk/PASTI-sub000/internal/share"
)

// Client posts share payloads to the outbound notification webhook. The
// webhook owns the actual channel fan-out (WhatsApp, email, push); this
// service only hands it the canonical payload.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. With skip enabled, dispatches are logged and
// dropped, which keeps dev setups working without a webhook.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Dispatch sends one share payload for a session.
func (c *Client) Dispatch(ctx context.Context, sessionID string, payload share.Payload) error {
	if c.Skip {
		log.Printf("notify skip: session %s url %s", sessionID, payload.URL)
		return nil
	}

	body, _ := json.Marshal(map[string]any{
		"session_id":   sessionID,
		"url":          payload.URL,
		"qr_value":     payload.QRValue,
		"message_text": payload.MessageText,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/dispatch", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("notify request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notify webhook returned %d: %s", resp.StatusCode, string(data))
	}
	return nil
}

// Health checks the webhook endpoint.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notify webhook unhealthy: %d", resp.StatusCode)
	}
	return nil
}
