// Package cadence talks to the per-recipient delivery-rate service. It
// filters audiences by priority layer before a live send and records sent
// notifications afterward.
//
// Filtering fails open: if the cadence service is down, every candidate is
// treated as eligible. A rate-limiting outage must not block
// mission-critical sends.
package cadence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

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
		timeout = 30 * time.Second
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

type filterRequest struct {
	UserIDs []string `json:"userIds"`
	LayerID int      `json:"layerId"`
}

type filterResponse struct {
	EligibleUserIDs []string `json:"eligibleUserIds"`
	ExcludedCount   int      `json:"excludedCount"`
}

// Filter returns the subset of userIDs eligible for the given layer and how
// many were excluded. Never fails: any transport or service error logs a
// warning and returns the full input.
func (c *Client) Filter(ctx context.Context, userIDs []string, layer int) ([]string, int) {
	if len(userIDs) == 0 {
		return userIDs, 0
	}

	body, err := json.Marshal(filterRequest{UserIDs: userIDs, LayerID: layer})
	if err != nil {
		return userIDs, 0
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/filter-audience", bytes.NewReader(body))
	if err != nil {
		return userIDs, 0
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("cadence service unavailable, proceeding without filtering", logx.Err(err))
		return userIDs, 0
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Warn("cadence filter rejected, proceeding without filtering",
			logx.String("status", resp.Status))
		return userIDs, 0
	}

	var fr filterResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 32<<20)).Decode(&fr); err != nil {
		c.log.Warn("cadence filter response unreadable, proceeding without filtering", logx.Err(err))
		return userIDs, 0
	}
	return fr.EligibleUserIDs, fr.ExcludedCount
}

type trackRequest struct {
	UserID         string `json:"userId"`
	LayerID        int    `json:"layerId"`
	NotificationID string `json:"notificationId"`
	PushTitle      string `json:"pushTitle"`
	IsDryRun       bool   `json:"isDryRun"`
}

const trackBatchSize = 100

// Track records one sent notification per recipient so future sends respect
// cooldowns. Best-effort: failures are logged, never propagated, and must
// not fail the push that already went out.
func (c *Client) Track(ctx context.Context, notificationID, title string, layer int, userIDs []string) {
	failed := 0
	var mu sync.Mutex

	for start := 0; start < len(userIDs); start += trackBatchSize {
		end := start + trackBatchSize
		if end > len(userIDs) {
			end = len(userIDs)
		}

		var wg sync.WaitGroup
		for _, uid := range userIDs[start:end] {
			wg.Add(1)
			go func(uid string) {
				defer wg.Done()
				if err := c.trackOne(ctx, trackRequest{
					UserID:         uid,
					LayerID:        layer,
					NotificationID: notificationID,
					PushTitle:      title,
				}); err != nil {
					mu.Lock()
					failed++
					mu.Unlock()
				}
			}(uid)
		}
		wg.Wait()
	}

	if failed > 0 {
		c.log.Warn("notification tracking incomplete",
			logx.String("notification", notificationID),
			logx.Int("failed", failed),
			logx.Int("total", len(userIDs)))
		return
	}
	c.log.Debug("notifications tracked",
		logx.String("notification", notificationID),
		logx.Int("count", len(userIDs)))
}

func (c *Client) trackOne(ctx context.Context, tr trackRequest) error {
	body, err := json.Marshal(tr)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/track-notification", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("track-notification returned %s", resp.Status)
	}
	return nil
}

// Healthy probes the cadence service with an empty filter call.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/filter-audience", bytes.NewReader([]byte(`{"userIds":[],"layerId":1}`)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("cadence service returned %s", resp.Status)
	}
	return nil
}
