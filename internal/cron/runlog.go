package cron

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Run-log bounds.
const (
	DefaultRunLogMaxBytes  = 2_000_000
	DefaultRunLogKeepLines = 2_000
	MaxRunLogPageSize      = 200
)

// RunLogEntry is one line in a job's run log.
type RunLogEntry struct {
	JobID          string `json:"jobId"`
	JobName        string `json:"jobName,omitempty"`
	RunAtMs        int64  `json:"runAtMs"`
	EndedAtMs      int64  `json:"endedAtMs"`
	DurationMs     int64  `json:"durationMs"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
	Summary        string `json:"summary,omitempty"`
	DeliveryStatus string `json:"deliveryStatus,omitempty"`
	DeliveryError  string `json:"deliveryError,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	SessionKey     string `json:"sessionKey,omitempty"`
	Provider       string `json:"provider,omitempty"`
	Model          string `json:"model,omitempty"`
}

// RunLog appends per-job JSONL run records under <storeDir>/runs/ and
// prunes files that outgrow the byte budget. Writes to one file are
// serialized FIFO; different jobs append concurrently.
type RunLog struct {
	dir       string
	maxBytes  int64
	keepLines int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRunLog creates a run log rooted at <storeDir>/runs. Non-positive
// bounds use the defaults.
func NewRunLog(storeDir string, maxBytes int64, keepLines int) *RunLog {
	if maxBytes <= 0 {
		maxBytes = DefaultRunLogMaxBytes
	}
	if keepLines <= 0 {
		keepLines = DefaultRunLogKeepLines
	}
	return &RunLog{
		dir:       filepath.Join(storeDir, "runs"),
		maxBytes:  maxBytes,
		keepLines: keepLines,
		locks:     map[string]*sync.Mutex{},
	}
}

// Append writes one entry to the job's log, pruning afterwards if the
// file exceeded the byte budget.
func (l *RunLog) Append(entry RunLogEntry) error {
	path, err := l.pathFor(entry.JobID)
	if err != nil {
		return err
	}
	lock := l.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(l.dir, 0o700); err != nil {
		return err
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return l.pruneLocked(path)
}

// ReadOptions filters and paginates a run-log read.
type ReadOptions struct {
	Limit          int
	Offset         int
	SortDesc       bool
	Status         string
	DeliveryStatus string
	// Query matches a substring of summary, error, or job id.
	Query string
}

// Read returns one job's entries in append order; opts.SortDesc flips
// to newest-first.
func (l *RunLog) Read(jobID string, opts ReadOptions) ([]RunLogEntry, error) {
	path, err := l.pathFor(jobID)
	if err != nil {
		return nil, err
	}
	entries, err := readEntries(path)
	if err != nil {
		return nil, err
	}
	return pageEntries(entries, opts), nil
}

// ReadAll returns entries across every job, decorated with job names
// from jobNameByID when present.
func (l *RunLog) ReadAll(opts ReadOptions, jobNameByID map[string]string) ([]RunLogEntry, error) {
	matches, err := filepath.Glob(filepath.Join(l.dir, "*.jsonl"))
	if err != nil {
		return nil, err
	}
	var all []RunLogEntry
	for _, path := range matches {
		entries, err := readEntries(path)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	for i := range all {
		if name, ok := jobNameByID[all[i].JobID]; ok {
			all[i].JobName = name
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].RunAtMs < all[j].RunAtMs })
	return pageEntries(all, opts), nil
}

func (l *RunLog) pathFor(jobID string) (string, error) {
	if jobID == "" ||
		strings.ContainsAny(jobID, "/\\\x00") ||
		jobID == "." || jobID == ".." {
		return "", fmt.Errorf("invalid job id %q", jobID)
	}
	return filepath.Join(l.dir, jobID+".jsonl"), nil
}

func (l *RunLog) lockFor(path string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[path] = lock
	}
	return lock
}

// pruneLocked rewrites the file keeping only the newest keepLines once
// it exceeds maxBytes. Caller holds the path lock.
func (l *RunLog) pruneLocked(path string) error {
	info, err := os.Stat(path)
	if err != nil || info.Size() <= l.maxBytes {
		return err
	}
	lines, err := readLines(path)
	if err != nil {
		return err
	}
	if len(lines) > l.keepLines {
		lines = lines[len(lines)-l.keepLines:]
	}
	tmp := path + ".tmp"
	var buf strings.Builder
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(tmp, []byte(buf.String()), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

func readEntries(path string) ([]RunLogEntry, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	entries := make([]RunLogEntry, 0, len(lines))
	for _, line := range lines {
		var entry RunLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue // tolerate a torn tail line
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func pageEntries(entries []RunLogEntry, opts ReadOptions) []RunLogEntry {
	filtered := entries[:0:0]
	for _, entry := range entries {
		if opts.Status != "" && entry.Status != opts.Status {
			continue
		}
		if opts.DeliveryStatus != "" && entry.DeliveryStatus != opts.DeliveryStatus {
			continue
		}
		if opts.Query != "" {
			q := strings.ToLower(opts.Query)
			if !strings.Contains(strings.ToLower(entry.Summary), q) &&
				!strings.Contains(strings.ToLower(entry.Error), q) &&
				!strings.Contains(strings.ToLower(entry.JobID), q) {
				continue
			}
		}
		filtered = append(filtered, entry)
	}
	if opts.SortDesc {
		for i, j := 0, len(filtered)-1; i < j; i, j = i+1, j-1 {
			filtered[i], filtered[j] = filtered[j], filtered[i]
		}
	}
	limit := opts.Limit
	if limit <= 0 || limit > MaxRunLogPageSize {
		limit = MaxRunLogPageSize
	}
	if opts.Offset >= len(filtered) {
		return nil
	}
	filtered = filtered[opts.Offset:]
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered
}
