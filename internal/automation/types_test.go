package automation

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func validAutomation() *Automation {
	return &Automation{
		ID:       "a1",
		Name:     "Launch",
		IsActive: true,
		Status:   StatusActive,
		Schedule: Schedule{Frequency: FreqDaily, ExecutionTime: "10:00"},
		PushSequence: []MessageStep{
			{SequenceOrder: 1, Title: "Hello", Body: "world"},
		},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := validAutomation().Validate(); err != nil {
		t.Fatalf("valid automation rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Automation)
	}{
		{"missing id", func(a *Automation) { a.ID = "" }},
		{"missing name", func(a *Automation) { a.Name = "" }},
		{"missing execution time", func(a *Automation) { a.Schedule.ExecutionTime = "" }},
		{"empty sequence", func(a *Automation) { a.PushSequence = nil }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := validAutomation()
			tc.mutate(a)
			if err := a.Validate(); !errors.Is(err, ErrInvalidAutomation) {
				t.Fatalf("err = %v, want ErrInvalidAutomation", err)
			}
		})
	}

	var nilAuto *Automation
	if err := nilAuto.Validate(); !errors.Is(err, ErrInvalidAutomation) {
		t.Fatalf("nil automation: err = %v", err)
	}
}

func TestOrderedSteps(t *testing.T) {
	t.Parallel()
	a := validAutomation()
	a.PushSequence = []MessageStep{
		{SequenceOrder: 3, Title: "c"},
		{SequenceOrder: 1, Title: "a"},
		{SequenceOrder: 2, Title: "b"},
	}

	got := a.OrderedSteps()
	for i, want := range []string{"a", "b", "c"} {
		if got[i].Title != want {
			t.Fatalf("step %d = %q, want %q", i, got[i].Title, want)
		}
	}
	// stored order untouched
	if a.PushSequence[0].Title != "c" {
		t.Fatal("OrderedSteps mutated the stored slice")
	}
}

func TestLeadTimeDefault(t *testing.T) {
	t.Parallel()
	if got := (Schedule{}).LeadTime(); got != DefaultLeadTimeMinutes*time.Minute {
		t.Fatalf("default lead time = %v", got)
	}
	if got := (Schedule{LeadTimeMinutes: 45}).LeadTime(); got != 45*time.Minute {
		t.Fatalf("explicit lead time = %v", got)
	}
	if got := (Schedule{LeadTimeMinutes: -5}).LeadTime(); got != DefaultLeadTimeMinutes*time.Minute {
		t.Fatalf("negative lead time = %v, want default", got)
	}
}

func TestDeliveryReportSent(t *testing.T) {
	t.Parallel()
	r := DeliveryReport{Mode: ModeLive, Steps: []StepReport{
		{SequenceOrder: 1, Sent: 100, Excluded: 5},
		{SequenceOrder: 2, Sent: 95, Failed: 5},
	}}
	if got := r.Sent(); got != 195 {
		t.Fatalf("Sent() = %d, want 195", got)
	}
	if got := (DeliveryReport{}).Sent(); got != 0 {
		t.Fatalf("empty report Sent() = %d", got)
	}
}

// The stored document shape is the external contract with the dashboard;
// field names must not drift.
func TestAutomationJSONFieldNames(t *testing.T) {
	t.Parallel()
	a := validAutomation()
	a.PushSequence[0].Layer = 2
	a.PushSequence[0].DelayAfterPreviousMinutes = 15
	a.Criteria = json.RawMessage(`{"tier":"gold"}`)

	b, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	for _, key := range []string{"id", "name", "isActive", "status", "schedule", "pushSequence", "audienceCriteria", "settings"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("top-level key %q missing", key)
		}
	}
	step := doc["pushSequence"].([]any)[0].(map[string]any)
	for _, key := range []string{"sequenceOrder", "title", "body", "layerId", "delayAfterPrevious"} {
		if _, ok := step[key]; !ok {
			t.Errorf("step key %q missing", key)
		}
	}
}
