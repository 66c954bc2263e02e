package storage

import (
	"context"
	"time"

	"pushpilot/internal/automation"
)

type Store interface {
	Load(ctx context.Context, id string) (*automation.Automation, error)
	LoadAll(ctx context.Context) ([]*automation.Automation, error)
	// LoadAllActive returns only definitions flagged active with an active
	// status, the set the startup restorer re-arms.
	LoadAllActive(ctx context.Context) ([]*automation.Automation, error)
	Save(ctx context.Context, auto *automation.Automation) error
	Delete(ctx context.Context, id string) error
	Close() error
}

type Config struct {
	// Driver selects the backend: "file" (default) or "sqlite".
	Driver string `json:"driver,omitempty"`

	// Dir is the automations directory for the file driver.
	Dir string `json:"dir,omitempty"`

	// Path is the database file for the sqlite driver.
	Path string `json:"path,omitempty"`

	BusyTimeout time.Duration `json:"-"`
}
