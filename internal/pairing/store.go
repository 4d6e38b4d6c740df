// Package pairing persists per-channel DM allowlists and pending pairing
// requests under <stateDir>/oauth/. Unknown senders in "pairing" DM mode
// receive a short code; approving the code moves them onto the allowlist.
package pairing

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// CodeLength is the pairing code size; codes are uppercase A-Z.
	CodeLength = 8
	// DefaultTTL bounds how long a pairing request stays pending.
	DefaultTTL = 2 * time.Hour
	// DefaultPendingCap bounds pending requests per channel. At the cap,
	// upserts return an empty code instead of an error so the channel
	// keeps flowing.
	DefaultPendingCap = 3

	maxCodeAttempts = 32
)

// Request is one pending pairing request.
type Request struct {
	ID         string            `json:"id"`
	AccountID  string            `json:"accountId,omitempty"`
	Code       string            `json:"code"`
	Meta       map[string]string `json:"meta,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	LastSeenAt time.Time         `json:"lastSeenAt"`
}

// UpsertResult reports whether a pairing request was created and the
// code to show the sender. A soft-full store returns created=false with
// an empty code.
type UpsertResult struct {
	Code    string
	Created bool
}

// MutateResult reports an allowlist mutation. AllowFrom is the post-state
// list for the targeted scope.
type MutateResult struct {
	Changed   bool
	AllowFrom []string
}

type allowFile struct {
	Version   int      `json:"version"`
	AllowFrom []string `json:"allowFrom"`
}

type pairingFile struct {
	Version  int       `json:"version"`
	Requests []Request `json:"requests"`
}

// Store persists allowlists and pairing requests for all channels under
// one state directory. Each method takes the file lock for its duration.
type Store struct {
	mu         sync.Mutex
	stateDir   string
	logger     *slog.Logger
	ttl        time.Duration
	pendingCap int
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithNow overrides the store clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTTL overrides the pending-request TTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithPendingCap overrides the per-channel pending cap.
func WithPendingCap(cap int) Option {
	return func(s *Store) {
		if cap > 0 {
			s.pendingCap = cap
		}
	}
}

// NewStore creates a pairing store rooted at stateDir.
func NewStore(stateDir string, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		stateDir:   stateDir,
		logger:     logger.With("component", "pairing"),
		ttl:        DefaultTTL,
		pendingCap: DefaultPendingCap,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReadAllowFrom returns the effective allowlist for (channel, accountId):
// account-scoped entries first, then legacy channel-scoped entries,
// deduplicated case-insensitively with original casing preserved. "*"
// and whitespace-only entries are stripped.
func (s *Store) ReadAllowFrom(channel, accountID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var merged []string
	if scoped := s.allowPath(channel, accountID); scoped != s.allowPath(channel, "") {
		entries, err := s.loadAllowLocked(scoped)
		if err != nil {
			return nil, err
		}
		merged = append(merged, entries...)
	}
	legacy, err := s.loadAllowLocked(s.allowPath(channel, ""))
	if err != nil {
		return nil, err
	}
	merged = append(merged, legacy...)
	return sanitizeEntries(merged), nil
}

// UpsertRequest records a pairing request for an unknown sender. A live
// request for the same (accountId, id) refreshes lastSeenAt and returns
// its existing code with created=false.
func (s *Store) UpsertRequest(channel, accountID, id string, meta map[string]string) (UpsertResult, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return UpsertResult{}, fmt.Errorf("pairing id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pairingPath(channel)
	requests, err := s.loadPairingLocked(path)
	if err != nil {
		return UpsertResult{}, err
	}
	now := s.now()
	requests = s.pruneExpired(requests, now)

	for i := range requests {
		if requests[i].AccountID == accountID && strings.EqualFold(requests[i].ID, id) {
			requests[i].LastSeenAt = now
			if err := s.savePairingLocked(path, requests); err != nil {
				return UpsertResult{}, err
			}
			return UpsertResult{Code: requests[i].Code, Created: false}, nil
		}
	}

	if len(requests) >= s.pendingCap {
		return UpsertResult{Code: "", Created: false}, nil
	}

	existing := map[string]struct{}{}
	for _, req := range requests {
		existing[req.Code] = struct{}{}
	}
	code, err := generateCode(existing)
	if err != nil {
		return UpsertResult{}, err
	}
	requests = append(requests, Request{
		ID:         id,
		AccountID:  accountID,
		Code:       code,
		Meta:       meta,
		CreatedAt:  now,
		LastSeenAt: now,
	})
	if err := s.savePairingLocked(path, requests); err != nil {
		return UpsertResult{}, err
	}
	return UpsertResult{Code: code, Created: true}, nil
}

// ApproveCode resolves a pairing code (case-insensitive), removes the
// request, and adds its sender to the allowlist. Returns nil for blank
// or unknown codes.
func (s *Store) ApproveCode(channel, code, accountID string) (*Request, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pairingPath(channel)
	requests, err := s.loadPairingLocked(path)
	if err != nil {
		return nil, err
	}
	requests = s.pruneExpired(requests, s.now())

	for i, req := range requests {
		if req.Code != code {
			continue
		}
		if accountID != "" && req.AccountID != accountID {
			continue
		}
		remaining := append(requests[:i:i], requests[i+1:]...)
		if err := s.savePairingLocked(path, remaining); err != nil {
			return nil, err
		}
		if _, err := s.addEntryLocked(channel, req.AccountID, req.ID); err != nil {
			return nil, err
		}
		approved := req
		return &approved, nil
	}
	return nil, nil
}

// Pending returns the live pairing requests for a channel.
func (s *Store) Pending(channel string) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	requests, err := s.loadPairingLocked(s.pairingPath(channel))
	if err != nil {
		return nil, err
	}
	return s.pruneExpired(requests, s.now()), nil
}

// AddEntry adds an allowlist entry. Idempotent: re-adding an existing
// entry (case-insensitive) reports changed=false.
func (s *Store) AddEntry(channel, accountID, entry string) (MutateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addEntryLocked(channel, accountID, entry)
}

// RemoveEntry removes an allowlist entry case-insensitively.
func (s *Store) RemoveEntry(channel, accountID, entry string) (MutateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.allowPath(channel, accountID)
	entries, err := s.loadAllowLocked(path)
	if err != nil {
		return MutateResult{}, err
	}
	entry = strings.TrimSpace(entry)
	kept := make([]string, 0, len(entries))
	changed := false
	for _, existing := range entries {
		if strings.EqualFold(existing, entry) {
			changed = true
			continue
		}
		kept = append(kept, existing)
	}
	if changed {
		if err := s.saveAllowLocked(path, kept); err != nil {
			return MutateResult{}, err
		}
	}
	return MutateResult{Changed: changed, AllowFrom: kept}, nil
}

func (s *Store) addEntryLocked(channel, accountID, entry string) (MutateResult, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" || entry == "*" {
		path := s.allowPath(channel, accountID)
		entries, err := s.loadAllowLocked(path)
		if err != nil {
			return MutateResult{}, err
		}
		return MutateResult{Changed: false, AllowFrom: entries}, nil
	}
	path := s.allowPath(channel, accountID)
	entries, err := s.loadAllowLocked(path)
	if err != nil {
		return MutateResult{}, err
	}
	for _, existing := range entries {
		if strings.EqualFold(existing, entry) {
			return MutateResult{Changed: false, AllowFrom: entries}, nil
		}
	}
	entries = append(entries, entry)
	if err := s.saveAllowLocked(path, entries); err != nil {
		return MutateResult{}, err
	}
	return MutateResult{Changed: true, AllowFrom: entries}, nil
}

func (s *Store) pruneExpired(requests []Request, now time.Time) []Request {
	kept := requests[:0]
	for _, req := range requests {
		if now.Sub(req.CreatedAt) < s.ttl {
			kept = append(kept, req)
		}
	}
	return kept
}

func (s *Store) oauthDir() string {
	return filepath.Join(s.stateDir, "oauth")
}

func (s *Store) allowPath(channel, accountID string) string {
	channel = strings.ToLower(strings.TrimSpace(channel))
	accountID = strings.ToLower(strings.TrimSpace(accountID))
	name := channel
	if accountID != "" && accountID != "default" {
		name = channel + "-" + accountID
	}
	return filepath.Join(s.oauthDir(), name+"-allowFrom.json")
}

func (s *Store) pairingPath(channel string) string {
	channel = strings.ToLower(strings.TrimSpace(channel))
	return filepath.Join(s.oauthDir(), channel+"-pairing.json")
}

func (s *Store) loadAllowLocked(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var file allowFile
	if err := json.Unmarshal(data, &file); err != nil {
		s.logger.Warn("allowlist file is malformed, resetting", "path", path, "error", err)
		return nil, nil
	}
	return sanitizeEntries(file.AllowFrom), nil
}

func (s *Store) saveAllowLocked(path string, entries []string) error {
	data, err := json.MarshalIndent(allowFile{Version: 1, AllowFrom: entries}, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o600)
}

func (s *Store) loadPairingLocked(path string) ([]Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var file pairingFile
	if err := json.Unmarshal(data, &file); err != nil {
		s.logger.Warn("pairing file is malformed, resetting", "path", path, "error", err)
		return nil, nil
	}
	return file.Requests, nil
}

func (s *Store) savePairingLocked(path string, requests []Request) error {
	if requests == nil {
		requests = []Request{}
	}
	data, err := json.MarshalIndent(pairingFile{Version: 1, Requests: requests}, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o600)
}

// sanitizeEntries trims, drops blanks and "*", and deduplicates
// case-insensitively while keeping the first-seen casing.
func sanitizeEntries(entries []string) []string {
	out := make([]string, 0, len(entries))
	seen := map[string]bool{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" || entry == "*" {
			continue
		}
		key := strings.ToLower(entry)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, entry)
	}
	return out
}

func generateCode(existing map[string]struct{}) (string, error) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		buf := make([]byte, CodeLength)
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for i := range buf {
			buf[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		code := string(buf)
		if _, taken := existing[code]; !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("could not generate a unique pairing code")
}

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
