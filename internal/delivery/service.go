// Package delivery dispatches ordered message sequences through the
// send-push transport. One SendSequence call covers the whole sequence;
// live mode honors inter-step delays and consults cadence filtering, test
// mode sends every step immediately to the test group.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"pushpilot/internal/automation"
	"pushpilot/pkg/logx"
)

type Config struct {
	BaseURL    string        `json:"baseUrl"`
	Timeout    time.Duration `json:"-"`
	RatePerSec int           `json:"ratePerSec,omitempty"`
	RetryMax   int           `json:"retryMax,omitempty"`
}

// stepDelayUnit is the wall-clock length of one DelayAfterPreviousMinutes
// unit. A variable so tests can compress multi-minute delays.
var stepDelayUnit = time.Minute

// Cadence is the delivery-rate collaborator consulted before each live
// step. Filter fails open; Track is best-effort.
type Cadence interface {
	Filter(ctx context.Context, userIDs []string, layer int) (eligible []string, excluded int)
	Track(ctx context.Context, notificationID, title string, layer int, userIDs []string)
}

type Service struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	cadence Cadence
	log     logx.Logger
}

// New builds the delivery service. cadence may be nil, in which case live
// sends skip filtering and tracking.
func New(cfg Config, cadence Cadence, log logx.Logger) *Service {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		cadence: cadence,
		log:     log,
	}
}

// SendSequence delivers steps in ascending order to recipients. Steps after
// the first wait DelayAfterPreviousMinutes in live mode; step one is never
// delayed. A failing step stops the sequence: earlier steps stay delivered
// (no rollback) and the partial report is returned with the error.
func (s *Service) SendSequence(ctx context.Context, auto *automation.Automation, steps []automation.MessageStep, recipients []string, mode automation.SendMode) (automation.DeliveryReport, error) {
	report := automation.DeliveryReport{Mode: mode}
	log := s.log.With(
		logx.String("automation", auto.ID),
		logx.String("mode", string(mode)))

	for i, step := range steps {
		if mode == automation.ModeLive && i > 0 && step.DelayAfterPreviousMinutes > 0 {
			delay := time.Duration(step.DelayAfterPreviousMinutes) * stepDelayUnit
			log.Info("waiting before next step",
				logx.Int("step", step.SequenceOrder),
				logx.Duration("delay", delay))
			if err := sleepCtx(ctx, delay); err != nil {
				return report, err
			}
		}

		eligible := recipients
		excluded := 0
		if mode == automation.ModeLive && s.cadence != nil {
			eligible, excluded = s.cadence.Filter(ctx, recipients, step.Layer)
		}
		if len(eligible) == 0 {
			log.Warn("step has no eligible recipients, skipping",
				logx.Int("step", step.SequenceOrder),
				logx.Int("excluded", excluded))
			report.Steps = append(report.Steps, automation.StepReport{
				SequenceOrder: step.SequenceOrder,
				Excluded:      excluded,
			})
			continue
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return report, err
		}

		sent, err := s.sendStep(ctx, auto, step, eligible, mode)
		if err != nil {
			report.Steps = append(report.Steps, automation.StepReport{
				SequenceOrder: step.SequenceOrder,
				Failed:        len(eligible),
				Excluded:      excluded,
			})
			return report, fmt.Errorf("step %d: %w", step.SequenceOrder, err)
		}

		if mode == automation.ModeLive && s.cadence != nil {
			s.cadence.Track(ctx, auto.ID+"_"+stepID(step), step.Title, step.Layer, eligible)
		}

		report.Steps = append(report.Steps, automation.StepReport{
			SequenceOrder: step.SequenceOrder,
			Sent:          sent,
			Excluded:      excluded,
		})
		log.Info("step delivered",
			logx.Int("step", step.SequenceOrder),
			logx.Int("sent", sent),
			logx.Int("excluded", excluded))
	}
	return report, nil
}

type sendResponse struct {
	Success    bool   `json:"success"`
	TotalCount int    `json:"totalCount"`
	JobID      string `json:"jobId,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (s *Service) sendStep(ctx context.Context, auto *automation.Automation, step automation.MessageStep, recipients []string, mode automation.SendMode) (int, error) {
	var last error
	for attempt := 0; attempt <= s.cfg.RetryMax; attempt++ {
		sent, err := s.postStep(ctx, auto, step, recipients, mode)
		if err == nil {
			return sent, nil
		}
		last = err
		if attempt == s.cfg.RetryMax {
			break
		}
		delay := time.Duration(200+100*attempt) * time.Millisecond
		s.log.Debug("send retry scheduled",
			logx.String("automation", auto.ID),
			logx.Int("step", step.SequenceOrder),
			logx.Int("attempt", attempt+2),
			logx.Duration("delay", delay),
			logx.Err(err))
		if serr := sleepCtx(ctx, delay); serr != nil {
			return 0, serr
		}
	}
	return 0, last
}

// postStep mirrors the send-push transport contract: multipart form with
// the message fields and a one-column recipient CSV.
func (s *Service) postStep(ctx context.Context, auto *automation.Automation, step automation.MessageStep, recipients []string, mode automation.SendMode) (int, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := map[string]string{
		"pushTitle": step.Title,
		"pushBody":  step.Body,
		"deepLink":  step.DeepLink,
		"layerId":   strconv.Itoa(step.Layer),
		"isDryRun":  strconv.FormatBool(mode == automation.ModeTest),
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return 0, err
		}
	}

	fw, err := mw.CreateFormFile("csvFile", fmt.Sprintf("automation_%s_%s.csv", auto.ID, stepID(step)))
	if err != nil {
		return 0, err
	}
	if _, err := io.WriteString(fw, recipientsCSV(recipients)); err != nil {
		return 0, err
	}
	if err := mw.Close(); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/api/send-push", &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("send-push returned %s", resp.Status)
	}

	var sr sendResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&sr); err != nil {
		return 0, fmt.Errorf("decoding send-push response: %w", err)
	}
	if !sr.Success {
		msg := sr.Error
		if msg == "" {
			msg = "send-push reported failure"
		}
		return 0, fmt.Errorf("send-push: %s", msg)
	}

	sent := sr.TotalCount
	if sent == 0 {
		sent = len(recipients)
	}
	return sent, nil
}

func recipientsCSV(userIDs []string) string {
	var b bytes.Buffer
	b.WriteString("user_id\n")
	for _, id := range userIDs {
		b.WriteString(id)
		b.WriteByte('\n')
	}
	return b.String()
}

func stepID(step automation.MessageStep) string {
	if step.ID != "" {
		return step.ID
	}
	return strconv.Itoa(step.SequenceOrder)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
