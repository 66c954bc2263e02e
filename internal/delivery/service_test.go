package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pushpilot/internal/automation"
	"pushpilot/pkg/logx"
)

type recordedPush struct {
	title   string
	body    string
	layer   string
	dryRun  string
	csvName string
	csvBody string
}

// pushServer mimics the send-push transport and records every accepted push.
type pushServer struct {
	mu     sync.Mutex
	pushes []recordedPush
	// failures counts down: while positive the server returns 500
	failures atomic.Int32
	srv      *httptest.Server
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/send-push" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if ps.failures.Load() > 0 {
			ps.failures.Add(-1)
			http.Error(w, "transient", http.StatusInternalServerError)
			return
		}
		if err := r.ParseMultipartForm(16 << 20); err != nil {
			t.Errorf("parsing multipart form: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		push := recordedPush{
			title:  r.FormValue("pushTitle"),
			body:   r.FormValue("pushBody"),
			layer:  r.FormValue("layerId"),
			dryRun: r.FormValue("isDryRun"),
		}
		if f, hdr, err := r.FormFile("csvFile"); err == nil {
			push.csvName = hdr.Filename
			b, _ := io.ReadAll(f)
			push.csvBody = string(b)
			f.Close()
		} else {
			t.Errorf("csvFile part missing: %v", err)
		}
		ps.mu.Lock()
		ps.pushes = append(ps.pushes, push)
		ps.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"success": true, "totalCount": 2, "jobId": "job-1"})
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *pushServer) recorded() []recordedPush {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]recordedPush(nil), ps.pushes...)
}

type stubCadence struct {
	mu          sync.Mutex
	filterCalls int
	trackCalls  []string
	eligible    []string
	excluded    int
}

func (c *stubCadence) Filter(_ context.Context, userIDs []string, _ int) ([]string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filterCalls++
	if c.eligible != nil {
		return c.eligible, c.excluded
	}
	return userIDs, 0
}

func (c *stubCadence) Track(_ context.Context, notificationID, _ string, _ int, _ []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trackCalls = append(c.trackCalls, notificationID)
}

func campaign() *automation.Automation {
	return &automation.Automation{
		ID:   "camp-7",
		Name: "Weekend Promo",
		PushSequence: []automation.MessageStep{
			{ID: "s1", SequenceOrder: 1, Title: "Teaser", Body: "Something is coming", Layer: 2},
			{ID: "s2", SequenceOrder: 2, Title: "Reveal", Body: "It is here", Layer: 2, DeepLink: "app://promo"},
		},
	}
}

func TestSendSequenceLive(t *testing.T) {
	t.Parallel()
	ps := newPushServer(t)
	cad := &stubCadence{}
	svc := New(Config{BaseURL: ps.srv.URL, RatePerSec: 100}, cad, logx.Nop())

	auto := campaign()
	report, err := svc.SendSequence(context.Background(), auto, auto.OrderedSteps(), []string{"u1", "u2"}, automation.ModeLive)
	if err != nil {
		t.Fatalf("SendSequence: %v", err)
	}

	pushes := ps.recorded()
	if len(pushes) != 2 {
		t.Fatalf("server saw %d pushes, want 2", len(pushes))
	}
	if pushes[0].title != "Teaser" || pushes[1].title != "Reveal" {
		t.Fatalf("steps out of order: %q then %q", pushes[0].title, pushes[1].title)
	}
	if pushes[0].dryRun != "false" {
		t.Fatalf("live send carried isDryRun=%s", pushes[0].dryRun)
	}
	if pushes[0].layer != "2" {
		t.Fatalf("layerId = %q, want 2", pushes[0].layer)
	}
	if pushes[0].csvName != "automation_camp-7_s1.csv" {
		t.Fatalf("csv filename = %q", pushes[0].csvName)
	}
	if pushes[0].csvBody != "user_id\nu1\nu2\n" {
		t.Fatalf("csv body = %q", pushes[0].csvBody)
	}

	if cad.filterCalls != 2 {
		t.Fatalf("cadence filtered %d times, want once per step", cad.filterCalls)
	}
	if len(cad.trackCalls) != 2 || cad.trackCalls[0] != "camp-7_s1" || cad.trackCalls[1] != "camp-7_s2" {
		t.Fatalf("track calls = %v", cad.trackCalls)
	}

	if report.Mode != automation.ModeLive || len(report.Steps) != 2 || report.Sent() != 4 {
		t.Fatalf("report = %+v", report)
	}
}

func TestSendSequenceTestModeSkipsCadence(t *testing.T) {
	t.Parallel()
	ps := newPushServer(t)
	cad := &stubCadence{}
	svc := New(Config{BaseURL: ps.srv.URL, RatePerSec: 100}, cad, logx.Nop())

	auto := campaign()
	_, err := svc.SendSequence(context.Background(), auto, auto.OrderedSteps(), []string{"t1"}, automation.ModeTest)
	if err != nil {
		t.Fatalf("SendSequence: %v", err)
	}

	if cad.filterCalls != 0 || len(cad.trackCalls) != 0 {
		t.Fatal("test mode must not consult cadence")
	}
	for _, p := range ps.recorded() {
		if p.dryRun != "true" {
			t.Fatalf("test send carried isDryRun=%s", p.dryRun)
		}
	}
}

func TestSendSequenceFullyExcludedStepSkipped(t *testing.T) {
	t.Parallel()
	ps := newPushServer(t)
	cad := &stubCadence{eligible: []string{}, excluded: 2}
	svc := New(Config{BaseURL: ps.srv.URL, RatePerSec: 100}, cad, logx.Nop())

	auto := campaign()
	report, err := svc.SendSequence(context.Background(), auto, auto.OrderedSteps(), []string{"u1", "u2"}, automation.ModeLive)
	if err != nil {
		t.Fatalf("SendSequence: %v", err)
	}

	if got := len(ps.recorded()); got != 0 {
		t.Fatalf("server saw %d pushes for a fully excluded audience, want 0", got)
	}
	if len(report.Steps) != 2 || report.Steps[0].Excluded != 2 || report.Steps[0].Sent != 0 {
		t.Fatalf("report = %+v", report)
	}
	if len(cad.trackCalls) != 0 {
		t.Fatal("skipped steps must not be tracked")
	}
}

func TestSendSequenceRetriesTransientFailure(t *testing.T) {
	t.Parallel()
	ps := newPushServer(t)
	ps.failures.Store(2)
	svc := New(Config{BaseURL: ps.srv.URL, RatePerSec: 100, RetryMax: 3}, nil, logx.Nop())

	auto := campaign()
	steps := auto.OrderedSteps()[:1]
	report, err := svc.SendSequence(context.Background(), auto, steps, []string{"u1"}, automation.ModeLive)
	if err != nil {
		t.Fatalf("SendSequence after retries: %v", err)
	}
	if len(report.Steps) != 1 || report.Steps[0].Sent == 0 {
		t.Fatalf("report = %+v", report)
	}
}

func TestSendSequencePartialFailureReport(t *testing.T) {
	t.Parallel()

	// first request succeeds, everything after fails
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) > 1 {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "totalCount": 1})
	}))
	defer srv.Close()

	svc := New(Config{BaseURL: srv.URL, RatePerSec: 100}, nil, logx.Nop())
	auto := campaign()

	report, err := svc.SendSequence(context.Background(), auto, auto.OrderedSteps(), []string{"u1"}, automation.ModeLive)
	if err == nil {
		t.Fatal("SendSequence succeeded although step 2 kept failing")
	}
	if len(report.Steps) != 2 {
		t.Fatalf("report has %d steps, want delivered + failed", len(report.Steps))
	}
	if report.Steps[0].Sent == 0 || report.Steps[1].Failed != 1 {
		t.Fatalf("report = %+v", report)
	}
}

// Live mode waits DelayAfterPreviousMinutes before steps after the first;
// step 1 is never delayed, and test mode never delays at all. Not parallel:
// it rescales the delay unit for the duration of the test.
func TestSendSequenceHonorsInterStepDelay(t *testing.T) {
	restore := stepDelayUnit
	stepDelayUnit = 20 * time.Millisecond
	defer func() { stepDelayUnit = restore }()

	var mu sync.Mutex
	var arrivals []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		arrivals = append(arrivals, time.Now())
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"success": true, "totalCount": 1})
	}))
	defer srv.Close()

	svc := New(Config{BaseURL: srv.URL, RatePerSec: 100}, nil, logx.Nop())
	auto := campaign()
	// delay on both steps: step 1's must be ignored, step 2's honored
	auto.PushSequence[0].DelayAfterPreviousMinutes = 5
	auto.PushSequence[1].DelayAfterPreviousMinutes = 5
	delay := 5 * stepDelayUnit

	start := time.Now()
	if _, err := svc.SendSequence(context.Background(), auto, auto.OrderedSteps(), []string{"u1"}, automation.ModeLive); err != nil {
		t.Fatalf("live SendSequence: %v", err)
	}

	mu.Lock()
	got := append([]time.Time(nil), arrivals...)
	arrivals = nil
	mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("server saw %d pushes, want 2", len(got))
	}
	if first := got[0].Sub(start); first >= delay {
		t.Fatalf("step 1 delayed by %v, must fire immediately", first)
	}
	if gap := got[1].Sub(got[0]); gap < delay {
		t.Fatalf("step 2 fired after %v, want at least %v", gap, delay)
	}

	start = time.Now()
	if _, err := svc.SendSequence(context.Background(), auto, auto.OrderedSteps(), []string{"t1"}, automation.ModeTest); err != nil {
		t.Fatalf("test SendSequence: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= delay {
		t.Fatalf("test mode took %v, inter-step delays must not apply", elapsed)
	}
}

func TestSendSequenceCancelledContext(t *testing.T) {
	t.Parallel()
	ps := newPushServer(t)
	svc := New(Config{BaseURL: ps.srv.URL, RatePerSec: 100}, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	auto := campaign()
	if _, err := svc.SendSequence(ctx, auto, auto.OrderedSteps(), []string{"u1"}, automation.ModeLive); err == nil {
		t.Fatal("SendSequence ignored a cancelled context")
	}
}
