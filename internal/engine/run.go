package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pushpilot/internal/automation"
	"pushpilot/pkg/logx"
)

// errRunAborted marks a run that was terminated for operational reasons
// (reschedule, engine shutdown) rather than by an operator veto. The two
// differ only in the message, never in control flow.
var errRunAborted = errors.New("run aborted")

// defaultCancellationWindowMinutes applies when a definition does not set
// its own window.
const defaultCancellationWindowMinutes = 25

// Run is one in-progress execution of an automation, from trigger fire to
// terminal phase. The cancellation deadline is fixed at creation:
// startedAt + leadTime - cancellationWindow.
type Run struct {
	AutomationID         string
	StartedAt            time.Time
	CancellationDeadline time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	phase     automation.Phase
	canCancel bool
	aborted   bool
	reason    string
}

func newRun(parent context.Context, auto *automation.Automation, now time.Time) *Run {
	window := auto.Settings.CancellationWindowMinutes
	if window <= 0 {
		window = defaultCancellationWindowMinutes
	}
	deadline := now.Add(auto.Schedule.LeadTime() - time.Duration(window)*time.Minute)

	ctx, cancel := context.WithCancel(parent)
	return &Run{
		AutomationID:         auto.ID,
		StartedAt:            now,
		CancellationDeadline: deadline,
		ctx:                  ctx,
		cancel:               cancel,
		done:                 make(chan struct{}),
		phase:                automation.PhaseWaiting,
		canCancel:            true,
	}
}

func (r *Run) Phase() automation.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

func (r *Run) setPhase(p automation.Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

func (r *Run) CanCancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canCancel
}

func (r *Run) closeCancelWindow() {
	r.mu.Lock()
	r.canCancel = false
	r.mu.Unlock()
}

// requestAbort flags the run for cooperative termination. In-flight
// collaborator calls are allowed to finish; the next checkpoint honors the
// request. The first reason wins.
func (r *Run) requestAbort(reason string) {
	r.mu.Lock()
	if !r.aborted {
		r.aborted = true
		r.reason = reason
	}
	r.mu.Unlock()
}

// kill is requestAbort plus context cancellation, so blocking work
// (inter-step delays, collaborator calls) unwinds promptly. Used when a
// reschedule or shutdown must not wait for the next checkpoint.
func (r *Run) kill(reason string) {
	r.requestAbort(reason)
	r.cancel()
}

func (r *Run) abortState() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted, r.reason
}

// checkpoint is consulted at every phase boundary.
func (r *Run) checkpoint() error {
	if ab, reason := r.abortState(); ab {
		return fmt.Errorf("%w: %s", errRunAborted, reason)
	}
	if err := r.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", errRunAborted, err)
	}
	return nil
}

func (r *Run) status() ExecutionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ExecutionStatus{
		AutomationID:         r.AutomationID,
		Phase:                r.phase,
		StartedAt:            r.StartedAt.Format(time.RFC3339),
		CancellationDeadline: r.CancellationDeadline.Format(time.RFC3339),
		CanCancel:            r.canCancel,
	}
}

// fire is the trigger callback. cron invokes it on its own goroutine, so the
// whole pipeline executes inline here.
func (e *Engine) fire(id string) {
	ctx := e.runContext()
	if ctx == nil {
		return
	}
	log := e.log.With(logx.String("automation", id))

	auto, err := e.store.Load(ctx, id)
	if err != nil {
		log.Error("trigger fired but automation could not be loaded", logx.Err(err))
		return
	}

	run := newRun(ctx, auto, time.Now())
	if !e.reg.register(run) {
		log.Warn("execution already active, skipping this firing")
		return
	}
	// The registry must never leak entries, whatever path the run exits on.
	// Removal happens before done closes so anyone awaiting termination
	// observes the registry already clean.
	defer close(run.done)
	defer e.reg.remove(id)

	e.execute(auto, run, log)
}

func (e *Engine) execute(auto *automation.Automation, run *Run, log logx.Logger) {
	start := time.Now()
	log.Info("run started",
		logx.String("name", auto.Name),
		logx.Int("steps", len(auto.PushSequence)),
		logx.Time("cancellation_deadline", run.CancellationDeadline))
	if e.alerts != nil {
		e.alerts.RunStarted(run.ctx, auto)
	}

	report, err := e.runPhases(auto, run, log)
	if err != nil {
		phase := run.Phase()
		if errors.Is(err, errRunAborted) || errors.Is(err, automation.ErrEmergencyStop) {
			run.setPhase(automation.PhaseCancelled)
			log.Warn("run cancelled", logx.String("phase", string(phase)), logx.Err(err))
		} else {
			run.setPhase(automation.PhaseFailed)
			log.Error("run failed", logx.String("phase", string(phase)), logx.Err(err))
		}
		if e.alerts != nil {
			e.alerts.RunFailed(context.WithoutCancel(run.ctx), auto, phase, err)
		}
		return
	}

	log.Info("run completed",
		logx.Duration("dur", time.Since(start)),
		logx.Int("sent", report.Sent()))
	if e.alerts != nil {
		e.alerts.RunCompleted(run.ctx, auto, report)
	}
}

// runPhases drives the ordered state machine:
//
//	waiting -> audience_generation -> test_sending -> cancellation_window
//	        -> live_execution -> cleanup -> completed
//
// Any error exits early; execute() maps it to failed or cancelled.
func (e *Engine) runPhases(auto *automation.Automation, run *Run, log logx.Logger) (automation.DeliveryReport, error) {
	var report automation.DeliveryReport
	steps := auto.OrderedSteps()

	if err := run.checkpoint(); err != nil {
		return report, err
	}

	run.setPhase(automation.PhaseAudienceGeneration)
	aud, err := e.audience.Generate(run.ctx, auto.Criteria)
	if err != nil {
		return report, fmt.Errorf("%w: %v", automation.ErrAudienceGeneration, err)
	}
	log.Info("audience generated",
		logx.Int("size", aud.AudienceSize),
		logx.String("csv", aud.CSVPath))

	if err := run.checkpoint(); err != nil {
		return report, err
	}

	if auto.Settings.DryRunFirst && len(auto.Settings.TestUserIDs) > 0 {
		run.setPhase(automation.PhaseTestSending)
		// One delivery call for the whole sequence. Calling per step would
		// multiply side effects by the sequence length.
		if _, err := e.delivery.SendSequence(run.ctx, auto, steps, auto.Settings.TestUserIDs, automation.ModeTest); err != nil {
			return report, fmt.Errorf("%w: %v", automation.ErrTestSend, err)
		}
		log.Info("test pushes sent", logx.Int("recipients", len(auto.Settings.TestUserIDs)))
	}

	if err := run.checkpoint(); err != nil {
		return report, err
	}

	run.setPhase(automation.PhaseCancellationWindow)
	if err := e.waitCancellationWindow(run, log); err != nil {
		return report, err
	}

	if err := run.checkpoint(); err != nil {
		return report, err
	}

	run.setPhase(automation.PhaseLiveExecution)
	report, err = e.delivery.SendSequence(run.ctx, auto, steps, aud.UserIDs, automation.ModeLive)
	if err != nil {
		return report, fmt.Errorf("%w: %v", automation.ErrLiveSend, err)
	}

	run.setPhase(automation.PhaseCleanup)
	e.cleanupRun(auto, log)

	run.setPhase(automation.PhaseCompleted)
	return report, nil
}

// waitCancellationWindow blocks until the cancellation deadline passes,
// polling for an operator veto. This is the only phase that deliberately
// stalls: it gives a human a bounded window to stop a scheduled send.
func (e *Engine) waitCancellationWindow(run *Run, log logx.Logger) error {
	poll := e.cfg.CancellationPoll
	if poll <= 0 {
		poll = 30 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if ab, reason := run.abortState(); ab {
			return fmt.Errorf("%w: %s", automation.ErrEmergencyStop, reason)
		}
		if !time.Now().Before(run.CancellationDeadline) {
			run.closeCancelWindow()
			log.Info("cancellation window closed")
			return nil
		}
		select {
		case <-run.ctx.Done():
			return fmt.Errorf("%w: %v", errRunAborted, run.ctx.Err())
		case <-ticker.C:
		}
	}
}

// cleanupRun is best-effort: failures are logged and never escalate the run.
func (e *Engine) cleanupRun(auto *automation.Automation, log logx.Logger) {
	// One-shot triggers would otherwise refire next year (the cron spec pins
	// day and month only).
	if auto.Schedule.Frequency == automation.FreqOnce && auto.Schedule.CronExpression == "" {
		if res := e.Cancel(auto.ID, "one-time schedule completed"); res.Success {
			log.Info("one-time trigger removed")
		}
	}

	if !auto.IsTest {
		return
	}
	if res := e.Cancel(auto.ID, "test automation cleanup"); res.Success {
		log.Info("test automation trigger removed")
	}
	if err := e.store.Delete(context.Background(), auto.ID); err != nil {
		log.Warn("cleanup: deleting test automation failed", logx.Err(err))
	} else {
		log.Info("test automation definition deleted")
	}
}
