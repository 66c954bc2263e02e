package engine

import (
	"context"
	"testing"
	"time"
)

func TestRegistryRefusesDuplicate(t *testing.T) {
	t.Parallel()
	reg := newRegistry()
	auto := testAutomation("dup")

	first := newRun(context.Background(), auto, time.Now())
	second := newRun(context.Background(), auto, time.Now())

	if !reg.register(first) {
		t.Fatal("first register refused")
	}
	if reg.register(second) {
		t.Fatal("second register for the same id accepted")
	}
	if got := reg.get("dup"); got != first {
		t.Fatal("duplicate registration displaced the active run")
	}
}

func TestRegistryRemoveAndActive(t *testing.T) {
	t.Parallel()
	reg := newRegistry()
	run := newRun(context.Background(), testAutomation("r1"), time.Now())
	reg.register(run)

	if !reg.active("r1") {
		t.Fatal("registered run not reported active")
	}
	reg.remove("r1")
	if reg.active("r1") {
		t.Fatal("removed run still reported active")
	}
	if reg.get("r1") != nil {
		t.Fatal("get returned a removed run")
	}
}

func TestRegistryRequestAbort(t *testing.T) {
	t.Parallel()
	reg := newRegistry()
	run := newRun(context.Background(), testAutomation("r2"), time.Now())
	reg.register(run)

	if reg.requestAbort("missing", "x") {
		t.Fatal("requestAbort succeeded for unknown id")
	}
	if !reg.requestAbort("r2", "operator veto") {
		t.Fatal("requestAbort failed for active run")
	}
	aborted, reason := run.abortState()
	if !aborted || reason != "operator veto" {
		t.Fatalf("abortState = (%v, %q), want flagged with the first reason", aborted, reason)
	}

	// First reason wins.
	reg.requestAbort("r2", "second caller")
	if _, reason := run.abortState(); reason != "operator veto" {
		t.Fatalf("reason overwritten to %q", reason)
	}
}

func TestRegistryList(t *testing.T) {
	t.Parallel()
	reg := newRegistry()
	for _, id := range []string{"a", "b", "c"} {
		reg.register(newRun(context.Background(), testAutomation(id), time.Now()))
	}
	if got := len(reg.list()); got != 3 {
		t.Fatalf("list returned %d runs, want 3", got)
	}
}
