// Package audience is the client for the audience-generation collaborator:
// it turns stored selection criteria into a recipient list plus a CSV
// artifact reference.
package audience

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pushpilot/internal/automation"
	"pushpilot/pkg/logx"
)

type Config struct {
	BaseURL string        `json:"baseUrl"`
	Timeout time.Duration `json:"-"`
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func NewClient(cfg Config, log logx.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
		log:  log,
	}
}

type queryResponse struct {
	Success      bool     `json:"success"`
	AudienceSize int      `json:"audienceSize"`
	UserIDs      []string `json:"userIds"`
	CSVFilePath  string   `json:"csvFilePath"`
	Error        string   `json:"error,omitempty"`
}

// Generate materializes the recipient set for one run. The criteria payload
// is opaque here; the audience service interprets it.
func (c *Client) Generate(ctx context.Context, criteria json.RawMessage) (automation.AudienceResult, error) {
	body := criteria
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/query-audience", bytes.NewReader(body))
	if err != nil {
		return automation.AudienceResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return automation.AudienceResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return automation.AudienceResult{}, fmt.Errorf("query-audience returned %s", resp.Status)
	}

	var qr queryResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 32<<20)).Decode(&qr); err != nil {
		return automation.AudienceResult{}, fmt.Errorf("decoding query-audience response: %w", err)
	}
	if !qr.Success {
		msg := qr.Error
		if strings.TrimSpace(msg) == "" {
			msg = "audience service reported failure"
		}
		return automation.AudienceResult{}, fmt.Errorf("query-audience: %s", msg)
	}

	size := qr.AudienceSize
	if size == 0 {
		size = len(qr.UserIDs)
	}
	c.log.Debug("audience query finished",
		logx.Int("size", size),
		logx.Duration("dur", time.Since(start)))

	return automation.AudienceResult{
		UserIDs:      qr.UserIDs,
		AudienceSize: size,
		CSVPath:      qr.CSVFilePath,
	}, nil
}

// Healthy probes the audience service with a cheap read.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/push-logs?limit=1", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("audience service returned %s", resp.Status)
	}
	return nil
}
