package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// EmailSender delivers structured alert data to an address.
type EmailSender interface {
	SendAlert(ctx context.Context, address string, data AlertData) error
}

// EmailClient posts alerts to a transactional email provider's HTTP API.
type EmailClient struct {
	baseURL string
	apiKey  string
	from    string
	client  *http.Client
	logger  zerolog.Logger
}

// NewEmailClient constructs an email client.
func NewEmailClient(baseURL, apiKey, from string, timeout time.Duration, logger zerolog.Logger) *EmailClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &EmailClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		from:    from,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "email").Logger(),
	}
}

type emailRequest struct {
	From     string    `json:"from"`
	To       string    `json:"to"`
	Template string    `json:"template"`
	Data     AlertData `json:"data"`
}

// SendAlert submits one alert email. Any non-2xx response is a failure.
func (c *EmailClient) SendAlert(ctx context.Context, address string, data AlertData) error {
	body, err := json.Marshal(emailRequest{
		From:     c.from,
		To:       address,
		Template: "price-alert-" + data.Kind,
		Data:     data,
	})
	if err != nil {
		return fmt.Errorf("marshal email payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send email request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("email provider status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	c.logger.Debug().Str("sku", data.SKU).Str("kind", data.Kind).Msg("alert email accepted")
	return nil
}

var _ EmailSender = (*EmailClient)(nil)
