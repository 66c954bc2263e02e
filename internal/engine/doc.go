// Package engine is the automation execution engine: it turns stored
// campaign definitions into cron triggers, drives each firing through the
// ordered delivery phases, and tracks at most one live execution per
// automation with operator-facing cancellation controls.
//
// The engine owns two pieces of mutable shared state: the trigger map
// (automation id -> cron entry) and the execution registry. Everything else
// is per-run.
package engine
