package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pushpilot/internal/automation"
	"pushpilot/pkg/logx"
)

// fileStore keeps one <id>.json per automation under a directory. Writes go
// through a temp file + rename so readers never observe a partial document.
type fileStore struct {
	log logx.Logger
	dir string

	mu sync.Mutex
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, errors.New("storage.dir is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, dir: dir}, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *fileStore) Load(ctx context.Context, id string) (*automation.Automation, error) {
	_ = ctx
	if strings.TrimSpace(id) == "" || id != filepath.Base(id) {
		return nil, fmt.Errorf("%w: %q", automation.ErrNotFound, id)
	}
	b, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", automation.ErrNotFound, id)
		}
		return nil, err
	}
	var a automation.Automation
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("automation %s: %w", id, err)
	}
	return &a, nil
}

func (s *fileStore) LoadAll(ctx context.Context) ([]*automation.Automation, error) {
	_ = ctx
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var out []*automation.Automation
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.dir, ent.Name()))
		if err != nil {
			s.log.Warn("skipping unreadable automation file", logx.String("file", ent.Name()), logx.Err(err))
			continue
		}
		var a automation.Automation
		if err := json.Unmarshal(b, &a); err != nil {
			s.log.Warn("skipping corrupt automation file", logx.String("file", ent.Name()), logx.Err(err))
			continue
		}
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) LoadAllActive(ctx context.Context) ([]*automation.Automation, error) {
	all, err := s.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []*automation.Automation
	for _, a := range all {
		if a.IsActive && a.Status == automation.StatusActive {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fileStore) Save(ctx context.Context, auto *automation.Automation) error {
	_ = ctx
	if auto == nil || strings.TrimSpace(auto.ID) == "" {
		return automation.ErrInvalidAutomation
	}
	if auto.ID != filepath.Base(auto.ID) {
		return fmt.Errorf("%w: id %q", automation.ErrInvalidAutomation, auto.ID)
	}
	auto.UpdatedAt = time.Now().UTC()
	if auto.CreatedAt.IsZero() {
		auto.CreatedAt = auto.UpdatedAt
	}

	b, err := json.MarshalIndent(auto, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := s.path(auto.ID) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(auto.ID))
}

func (s *fileStore) Delete(ctx context.Context, id string) error {
	_ = ctx
	if strings.TrimSpace(id) == "" || id != filepath.Base(id) {
		return fmt.Errorf("%w: %q", automation.ErrNotFound, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", automation.ErrNotFound, id)
		}
		return err
	}
	return nil
}
