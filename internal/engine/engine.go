package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pushpilot/internal/automation"
	"pushpilot/internal/trigger"
	"pushpilot/pkg/logx"
)

// Store is the persistence collaborator. The engine loads definitions at
// trigger-fire time, queries the active set at startup and deletes
// disposable test definitions during cleanup.
type Store interface {
	Load(ctx context.Context, id string) (*automation.Automation, error)
	LoadAllActive(ctx context.Context) ([]*automation.Automation, error)
	Delete(ctx context.Context, id string) error
}

// AudienceGenerator materializes the recipient set for a run. Called once
// per run, not once per message step.
type AudienceGenerator interface {
	Generate(ctx context.Context, criteria json.RawMessage) (automation.AudienceResult, error)
}

// Deliverer dispatches an entire ordered sequence in one logical call. Live
// mode honors inter-step delays; test mode sends all steps immediately.
type Deliverer interface {
	SendSequence(ctx context.Context, auto *automation.Automation, steps []automation.MessageStep, recipients []string, mode automation.SendMode) (automation.DeliveryReport, error)
}

// Alerter receives run lifecycle events. Optional; all call sites are
// nil-checked.
type Alerter interface {
	RunStarted(ctx context.Context, auto *automation.Automation)
	RunCompleted(ctx context.Context, auto *automation.Automation, report automation.DeliveryReport)
	RunFailed(ctx context.Context, auto *automation.Automation, phase automation.Phase, err error)
}

type Config struct {
	// Timezone is the default IANA zone for trigger evaluation when a
	// schedule does not declare its own.
	Timezone string

	// CancellationPoll is the veto-check interval inside the cancellation
	// window. Defaults to 30s.
	CancellationPoll time.Duration
}

type Deps struct {
	Store    Store
	Audience AudienceGenerator
	Delivery Deliverer
	Alerts   Alerter
}

// Result is the operator-facing outcome of a control operation, suitable
// for direct display.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Engine is the single scheduling authority for one process. Construct it
// once and hand it to whatever hosts it (HTTP handlers, CLI).
type Engine struct {
	mu sync.Mutex

	cfg Config
	log logx.Logger
	loc *time.Location

	store    Store
	audience AudienceGenerator
	delivery Deliverer
	alerts   Alerter

	parser  cron.Parser
	c       *cron.Cron
	entries map[string]cron.EntryID

	reg *registry

	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg Config, deps Deps, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		cfg:      cfg,
		log:      log,
		store:    deps.Store,
		audience: deps.Audience,
		delivery: deps.Delivery,
		alerts:   deps.Alerts,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries:  map[string]cron.EntryID{},
		reg:      newRegistry(),
	}
	e.loc = e.loadLocation()
	return e
}

func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c != nil {
		return
	}
	e.runCtx, e.runCancel = context.WithCancel(ctx)
	e.c = cron.New(cron.WithParser(e.parser), cron.WithLocation(e.loc))
	e.c.Start()
	e.log.Info("engine started", logx.String("tz", e.loc.String()))
}

// Schedule installs (or replaces) the trigger for an automation.
//
// A live execution for the same id is terminated first and awaited: two
// generations of the same campaign must never run concurrently after an
// edit. A firing of the outgoing trigger can still slip in between that
// sweep and the entry swap, so the sweep runs once more after the install.
// Validation failure leaves no trigger installed.
func (e *Engine) Schedule(auto *automation.Automation) Result {
	if auto == nil {
		return Result{Success: false, Message: "automation is nil"}
	}

	e.terminateIfRunning(auto.ID)

	res := e.installTrigger(auto)
	if !res.Success {
		return res
	}

	e.terminateIfRunning(auto.ID)
	return res
}

func (e *Engine) terminateIfRunning(id string) {
	if e.reg.get(id) == nil {
		return
	}
	res := e.TerminateExecution(id, "rescheduling")
	e.log.Info("terminated in-flight execution before rescheduling",
		logx.String("automation", id),
		logx.Bool("terminated", res.Success))
}

func (e *Engine) installTrigger(auto *automation.Automation) Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c == nil {
		return Result{Success: false, Message: "engine is not started"}
	}

	e.removeEntryLocked(auto.ID)

	if err := auto.Validate(); err != nil {
		return Result{Success: false, Message: fmt.Sprintf("failed to schedule automation: %v", err)}
	}

	spec, err := trigger.Build(auto.Schedule)
	if err != nil {
		return Result{Success: false, Message: fmt.Sprintf("failed to schedule automation: %v", err)}
	}
	spec = e.withTimezone(spec, auto.Schedule.Timezone)

	id := auto.ID
	entryID, err := e.c.AddFunc(spec, func() { e.fire(id) })
	if err != nil {
		return Result{Success: false, Message: fmt.Sprintf("failed to schedule automation: %v", err)}
	}
	e.entries[id] = entryID

	e.log.Info("automation scheduled",
		logx.String("automation", id),
		logx.String("name", auto.Name),
		logx.String("cron", spec))
	return Result{Success: true, Message: fmt.Sprintf("Automation %q scheduled successfully", auto.Name)}
}

// Cancel stops and destroys the trigger, cancelling all future firings. It
// does not touch an in-flight run; that is TerminateExecution's job.
func (e *Engine) Cancel(id, reason string) Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.entries[id]; !ok {
		return Result{Success: false, Message: fmt.Sprintf("no scheduled trigger for automation %s", id)}
	}
	e.removeEntryLocked(id)
	e.log.Info("automation trigger cancelled",
		logx.String("automation", id),
		logx.String("reason", reason))
	return Result{Success: true, Message: fmt.Sprintf("Automation %s unscheduled: %s", id, reason)}
}

// Reschedule reloads the definition from storage and re-invokes Schedule.
func (e *Engine) Reschedule(ctx context.Context, id string) Result {
	auto, err := e.store.Load(ctx, id)
	if err != nil {
		return Result{Success: false, Message: fmt.Sprintf("failed to reschedule automation: %v", err)}
	}
	return e.Schedule(auto)
}

// TerminateExecution hard-aborts the in-flight run for id and waits for it
// to unwind. It ignores the cancellation window: rescheduling and shutdown
// must always win. No-op (false) when nothing is running.
func (e *Engine) TerminateExecution(id, reason string) Result {
	run := e.reg.get(id)
	if run == nil {
		return Result{Success: false, Message: fmt.Sprintf("no active execution for automation %s", id)}
	}
	run.kill(reason)
	<-run.done
	return Result{Success: true, Message: fmt.Sprintf("Execution terminated: %s", reason)}
}

// EmergencyStop is the operator veto. It only flags the run: in-flight
// collaborator work finishes and the next checkpoint cancels the run. The
// veto is refused once the cancellation window has expired.
func (e *Engine) EmergencyStop(id string) Result {
	run := e.reg.get(id)
	if run == nil {
		return Result{Success: false, Message: fmt.Sprintf("no active execution for automation %s", id)}
	}
	if !run.CanCancel() {
		return Result{Success: false, Message: "cancellation window has expired"}
	}
	if !e.reg.requestAbort(id, "emergency stop activated") {
		return Result{Success: false, Message: fmt.Sprintf("no active execution for automation %s", id)}
	}
	e.log.Warn("emergency stop requested", logx.String("automation", id))
	return Result{Success: true, Message: "Emergency stop requested; execution will halt at the next checkpoint"}
}

// ExecutionStatus reports the live run for id, if any.
func (e *Engine) ExecutionStatus(id string) (ExecutionStatus, bool) {
	run := e.reg.get(id)
	if run == nil {
		return ExecutionStatus{}, false
	}
	return run.status(), true
}

func (e *Engine) IsExecutionActive(id string) bool { return e.reg.active(id) }

// ActiveExecutions snapshots every live run.
func (e *Engine) ActiveExecutions() []ExecutionStatus {
	runs := e.reg.list()
	out := make([]ExecutionStatus, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.status())
	}
	return out
}

// Shutdown stops the cron timer, destroys every installed trigger and
// terminates in-flight runs, waiting for them within ctx.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	c := e.c
	e.c = nil
	n := len(e.entries)
	e.entries = map[string]cron.EntryID{}
	cancel := e.runCancel
	e.runCancel = nil
	e.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}

	for _, run := range e.reg.list() {
		run.kill("engine shutdown")
	}
	if cancel != nil {
		cancel()
	}
	for _, run := range e.reg.list() {
		select {
		case <-run.done:
		case <-ctx.Done():
			e.log.Warn("shutdown: execution did not unwind in time",
				logx.String("automation", run.AutomationID))
		}
	}

	e.log.Info("engine stopped", logx.Int("triggers_removed", n))
}

func (e *Engine) runContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runCtx
}

func (e *Engine) removeEntryLocked(id string) {
	if entryID, ok := e.entries[id]; ok {
		e.c.Remove(entryID)
		delete(e.entries, id)
	}
}

// withTimezone prefixes the spec with CRON_TZ so the trigger is evaluated
// in the automation's declared zone rather than the engine default.
func (e *Engine) withTimezone(spec, tz string) string {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.HasPrefix(spec, "@") || strings.HasPrefix(spec, "TZ=") || strings.HasPrefix(spec, "CRON_TZ=") {
		return spec
	}
	if _, err := time.LoadLocation(tz); err != nil {
		e.log.Warn("invalid schedule timezone, using engine default",
			logx.String("tz", tz))
		return spec
	}
	return "CRON_TZ=" + tz + " " + spec
}

func (e *Engine) loadLocation() *time.Location {
	tz := strings.TrimSpace(e.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		e.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
