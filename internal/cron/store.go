package cron

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/relayhq/relay/internal/sessions"
)

// Store is the on-disk job collection. It is owned by the scheduler:
// all mutations happen on the scheduler goroutine, persistence uses
// tmp+rename swaps.
type Store struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`

	path string
}

// ResolveStorePath defaults to <stateDir>/cron/jobs.json.
func ResolveStorePath(stateDir, override string) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	return filepath.Join(stateDir, "cron", "jobs.json")
}

// LoadStore reads the job store. A missing file yields an empty store;
// a malformed file is a hard error so corrupted schedules never fire
// half-parsed.
func LoadStore(path string) (*Store, error) {
	store := &Store{Version: 1, Jobs: []*Job{}, path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, err
	}
	if err := json5.Unmarshal(data, store); err != nil {
		return nil, fmt.Errorf("cron store %s is malformed: %w", path, err)
	}
	if store.Version == 0 {
		store.Version = 1
	}
	if store.Jobs == nil {
		store.Jobs = []*Job{}
	}
	for _, job := range store.Jobs {
		if job.SessionKey != "" {
			job.SessionKey = sessions.CanonicalizeKey(job.SessionKey)
		}
	}
	store.path = path
	return store, nil
}

// Save persists the store atomically and keeps a best-effort .bak of
// the previous contents.
func (s *Store) Save() error {
	if s.path == "" {
		return fmt.Errorf("cron store has no path")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(struct {
		Version int    `json:"version"`
		Jobs    []*Job `json:"jobs"`
	}{s.Version, s.Jobs}, "", "  ")
	if err != nil {
		return err
	}

	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.%d.%s.tmp", s.path, os.Getpid(), hex.EncodeToString(suffix[:]))
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if prev, err := os.ReadFile(s.path); err == nil {
		_ = os.WriteFile(s.path+".bak", prev, 0o600)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Get returns the job with the given id.
func (s *Store) Get(id string) *Job {
	for _, job := range s.Jobs {
		if job.ID == id {
			return job
		}
	}
	return nil
}

// Upsert inserts or replaces a job by id.
func (s *Store) Upsert(job *Job) {
	for i, existing := range s.Jobs {
		if existing.ID == job.ID {
			s.Jobs[i] = job
			return
		}
	}
	s.Jobs = append(s.Jobs, job)
}

// Remove deletes a job by id, reporting whether it existed.
func (s *Store) Remove(id string) bool {
	for i, job := range s.Jobs {
		if job.ID == id {
			s.Jobs = append(s.Jobs[:i], s.Jobs[i+1:]...)
			return true
		}
	}
	return false
}
