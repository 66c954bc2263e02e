package automation

import (
	"encoding/json"
	"sort"
	"time"
)

// Status is the stored lifecycle state of an automation definition.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Frequency is how often an automation's trigger fires.
type Frequency string

const (
	FreqOnce    Frequency = "once"
	FreqDaily   Frequency = "daily"
	FreqWeekly  Frequency = "weekly"
	FreqMonthly Frequency = "monthly"
)

// DefaultLeadTimeMinutes is the gap between pipeline start and the nominal
// delivery time when a definition does not set one.
const DefaultLeadTimeMinutes = 30

// Schedule describes when the delivery pipeline should start.
//
// ExecutionTime is the desired *delivery* time ("HH:MM"); the trigger fires
// LeadTimeMinutes earlier so audience generation and the test send fit in.
type Schedule struct {
	Frequency       Frequency `json:"frequency"`
	ExecutionTime   string    `json:"executionTime"`
	StartDate       string    `json:"startDate,omitempty"` // YYYY-MM-DD, used by "once"
	Timezone        string    `json:"timezone,omitempty"`
	LeadTimeMinutes int       `json:"leadTimeMinutes,omitempty"`
	CronExpression  string    `json:"cronExpression,omitempty"` // explicit override
}

// LeadTime returns the configured lead time, falling back to the default.
func (s Schedule) LeadTime() time.Duration {
	m := s.LeadTimeMinutes
	if m <= 0 {
		m = DefaultLeadTimeMinutes
	}
	return time.Duration(m) * time.Minute
}

// MessageStep is one push in an ordered sequence. Delivery must preserve
// ascending SequenceOrder; DelayAfterPreviousMinutes is honored only for
// steps after the first.
type MessageStep struct {
	ID                        string `json:"id,omitempty"`
	SequenceOrder             int    `json:"sequenceOrder"`
	Title                     string `json:"title"`
	Body                      string `json:"body"`
	DeepLink                  string `json:"deepLink,omitempty"`
	Layer                     int    `json:"layerId"`
	DelayAfterPreviousMinutes int    `json:"delayAfterPrevious,omitempty"`
}

// Settings carries the safety knobs for a campaign.
type Settings struct {
	TestUserIDs               []string `json:"testUserIds,omitempty"`
	DryRunFirst               bool     `json:"dryRunFirst,omitempty"`
	CancellationWindowMinutes int      `json:"cancellationWindowMinutes,omitempty"`
	EmergencyStopEnabled      bool     `json:"emergencyStopEnabled,omitempty"`
}

// Automation is a stored campaign definition. The engine treats it as
// read-only for the duration of a run.
type Automation struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsActive bool   `json:"isActive"`
	IsTest   bool   `json:"isTest,omitempty"` // disposable definition, removed after one run
	Status   Status `json:"status"`

	Schedule     Schedule        `json:"schedule"`
	PushSequence []MessageStep   `json:"pushSequence"`
	Criteria     json.RawMessage `json:"audienceCriteria,omitempty"` // opaque to the engine
	Settings     Settings        `json:"settings"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Validate checks the fields the scheduler requires before installing a
// trigger: id, name, an execution time and a non-empty sequence.
func (a *Automation) Validate() error {
	if a == nil || a.ID == "" || a.Name == "" {
		return ErrInvalidAutomation
	}
	if a.Schedule.ExecutionTime == "" {
		return ErrInvalidAutomation
	}
	if len(a.PushSequence) == 0 {
		return ErrInvalidAutomation
	}
	return nil
}

// OrderedSteps returns the push sequence sorted by ascending SequenceOrder.
// The stored slice is left untouched.
func (a *Automation) OrderedSteps() []MessageStep {
	steps := append([]MessageStep(nil), a.PushSequence...)
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].SequenceOrder < steps[j].SequenceOrder
	})
	return steps
}

// Phase is the execution state of a single run.
type Phase string

const (
	PhaseWaiting            Phase = "waiting"
	PhaseAudienceGeneration Phase = "audience_generation"
	PhaseTestSending        Phase = "test_sending"
	PhaseCancellationWindow Phase = "cancellation_window"
	PhaseLiveExecution      Phase = "live_execution"
	PhaseCleanup            Phase = "cleanup"
	PhaseCompleted          Phase = "completed"
	PhaseFailed             Phase = "failed"
	PhaseCancelled          Phase = "cancelled"
)

// SendMode distinguishes a verification send from the real thing.
type SendMode string

const (
	ModeTest SendMode = "test"
	ModeLive SendMode = "live"
)

// AudienceResult is what the audience-generation collaborator returns for
// one run: the recipient set and a reference to the CSV artifact backing it.
type AudienceResult struct {
	UserIDs      []string
	AudienceSize int
	CSVPath      string
}

// StepReport is the delivery outcome for a single step.
type StepReport struct {
	SequenceOrder int
	Sent          int
	Failed        int
	Excluded      int // removed by cadence filtering before the send
}

// DeliveryReport aggregates per-step outcomes for one sendSequence call.
// A partially delivered sequence carries the reports of the steps that ran.
type DeliveryReport struct {
	Mode  SendMode
	Steps []StepReport
}

// Sent sums sent counts across steps.
func (r DeliveryReport) Sent() int {
	n := 0
	for _, s := range r.Steps {
		n += s.Sent
	}
	return n
}
