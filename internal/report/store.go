package report

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/credo-hq/credo/internal/fault"
	"github.com/credo-hq/credo/pkg/types"
)

// Store persists reports as one JSON file per id under a directory.
// Writes go through a temp file and rename, so a crash never leaves a
// half-written report behind.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// NewStore opens (creating if needed) the report directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "create report dir")
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save writes the report durably.
func (s *Store) Save(r *types.Report) error {
	if r.ID == "" || strings.ContainsAny(r.ID, `/\`) {
		return fault.New(fault.KindInvalid, "bad report id %q", r.ID)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "encode report")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	final := s.path(r.ID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fault.Wrap(fault.KindInternal, err, "write report")
	}
	if err := os.Rename(tmp, final); err != nil {
		return fault.Wrap(fault.KindInternal, err, "persist report")
	}
	return nil
}

// Get loads one report by id.
func (s *Store) Get(id string) (*types.Report, error) {
	if strings.ContainsAny(id, `/\`) {
		return nil, fault.New(fault.KindInvalid, "bad report id %q", id)
	}
	s.mu.RLock()
	data, err := os.ReadFile(s.path(id))
	s.mu.RUnlock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fault.New(fault.KindNotFound, "report %s", id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "read report")
	}
	var r types.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "decode report %s", id)
	}
	return &r, nil
}

// List returns all stored reports, newest first.
func (s *Store) List() ([]*types.Report, error) {
	s.mu.RLock()
	entries, err := os.ReadDir(s.dir)
	s.mu.RUnlock()
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "list reports")
	}

	var out []*types.Report
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		r, err := s.Get(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Delete removes one report. Deleting a missing report is not an error.
func (s *Store) Delete(id string) error {
	if strings.ContainsAny(id, `/\`) {
		return fault.New(fault.KindInvalid, "bad report id %q", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fault.Wrap(fault.KindInternal, err, "delete report")
	}
	return nil
}

// DeleteOlderThan removes reports created before the cutoff and returns
// how many were dropped. The retention sweeper calls this on a schedule.
func (s *Store) DeleteOlderThan(cutoff time.Time) (int, error) {
	reports, err := s.List()
	if err != nil {
		return 0, err
	}
	var n int
	for _, r := range reports {
		if r.CreatedAt.Before(cutoff) {
			if err := s.Delete(r.ID); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}
