package sessions

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FallbackState is the persisted model-fallback state for one session.
// All fields are cleared together when fallback clears.
type FallbackState struct {
	SelectedProvider string `json:"selectedProvider,omitempty"`
	SelectedModel    string `json:"selectedModel,omitempty"`
	ActiveProvider   string `json:"activeProvider,omitempty"`
	ActiveModel      string `json:"activeModel,omitempty"`
	Reason           string `json:"reason,omitempty"`
	UpdatedAtMs      int64  `json:"updatedAtMs,omitempty"`
}

// Empty reports whether no fallback fields are set.
func (f FallbackState) Empty() bool {
	return f.SelectedProvider == "" && f.SelectedModel == "" &&
		f.ActiveProvider == "" && f.ActiveModel == ""
}

// Record is one persisted session. Sessions are effectively immortal:
// they are created on first routing and updated in place afterwards.
type Record struct {
	SessionID   string        `json:"sessionId"`
	Key         string        `json:"key"`
	AgentID     string        `json:"agentId"`
	Channel     string        `json:"channel,omitempty"`
	AccountID   string        `json:"accountId,omitempty"`
	LastRoute   string        `json:"lastRoute,omitempty"`
	Fallback    FallbackState `json:"fallback,omitempty"`
	CreatedAtMs int64         `json:"createdAtMs"`
	UpdatedAtMs int64         `json:"updatedAtMs"`
}

type storeFile struct {
	Version  int                `json:"version"`
	Sessions map[string]*Record `json:"sessions"`
}

// Store persists session records in a single JSON file. Writes are
// atomic (tmp + rename); all access is serialized by an internal lock.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
	now    func() time.Time

	loaded   bool
	sessions map[string]*Record
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithNow overrides the store clock, for tests.
func WithNow(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates a session store backed by the given file path.
func NewStore(path string, logger *slog.Logger, opts ...StoreOption) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:   path,
		logger: logger.With("component", "sessions"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreate returns the record for key, creating it from the routing
// result when absent. Legacy "dm" keys resolve to the same record as
// their "direct" form.
func (s *Store) GetOrCreate(key string, route *RouteResult) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	key = CanonicalizeKey(key)
	if rec, ok := s.sessions[key]; ok {
		if route != nil && route.MatchedBy != "" && rec.LastRoute != route.MatchedBy {
			rec.LastRoute = route.MatchedBy
			rec.UpdatedAtMs = s.now().UnixMilli()
			if err := s.saveLocked(); err != nil {
				return nil, err
			}
		}
		return cloneRecord(rec), nil
	}
	now := s.now().UnixMilli()
	rec := &Record{
		SessionID:   uuid.NewString(),
		Key:         key,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
	if route != nil {
		rec.AgentID = route.AgentID
		rec.AccountID = route.AccountID
		rec.LastRoute = route.MatchedBy
	}
	s.sessions[key] = rec
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return cloneRecord(rec), nil
}

// Get returns the record for key, or nil when absent.
func (s *Store) Get(key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	rec, ok := s.sessions[CanonicalizeKey(key)]
	if !ok {
		return nil, nil
	}
	return cloneRecord(rec), nil
}

// UpdateFallback replaces the fallback state for key and persists it.
// Clearing writes an empty state so stale fields never survive.
func (s *Store) UpdateFallback(key string, state FallbackState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	key = CanonicalizeKey(key)
	rec, ok := s.sessions[key]
	if !ok {
		return fmt.Errorf("session not found: %s", key)
	}
	rec.Fallback = state
	rec.UpdatedAtMs = s.now().UnixMilli()
	return s.saveLocked()
}

// List returns all records sorted by key.
func (s *Store) List() ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) loadLocked() error {
	if s.loaded {
		return nil
	}
	s.sessions = map[string]*Record{}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return nil
		}
		return err
	}
	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		s.logger.Warn("session store is malformed, resetting", "path", s.path, "error", err)
		s.loaded = true
		return nil
	}
	for key, rec := range file.Sessions {
		if rec == nil {
			continue
		}
		canonical := CanonicalizeKey(key)
		rec.Key = canonical
		s.sessions[canonical] = rec
	}
	s.loaded = true
	return nil
}

func (s *Store) saveLocked() error {
	payload := storeFile{Version: 1, Sessions: s.sessions}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data, 0o600)
}

func cloneRecord(rec *Record) *Record {
	copied := *rec
	return &copied
}

// writeFileAtomic writes data to path via a temp file and rename so a
// crash never leaves a truncated store behind.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
