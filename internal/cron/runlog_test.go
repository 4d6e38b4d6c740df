package cron

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunLogAppendAndRead(t *testing.T) {
	log := NewRunLog(t.TempDir(), 0, 0)
	for i := 0; i < 3; i++ {
		err := log.Append(RunLogEntry{
			JobID:   "job-1",
			RunAtMs: int64(1000 * (i + 1)),
			Status:  StatusOK,
			Summary: "tick",
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	entries, err := log.Read("job-1", ReadOptions{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[0].RunAtMs != 1000 || entries[2].RunAtMs != 3000 {
		t.Errorf("append order not preserved: %+v", entries)
	}

	desc, _ := log.Read("job-1", ReadOptions{SortDesc: true})
	if desc[0].RunAtMs != 3000 {
		t.Errorf("SortDesc first = %d, want 3000", desc[0].RunAtMs)
	}
}

func TestRunLogFiltersAndPagination(t *testing.T) {
	log := NewRunLog(t.TempDir(), 0, 0)
	statuses := []string{StatusOK, StatusError, StatusOK, StatusSkipped}
	for i, status := range statuses {
		entry := RunLogEntry{
			JobID:          "job-1",
			RunAtMs:        int64(i + 1),
			Status:         status,
			DeliveryStatus: DeliveryStatusNotRequested,
			Summary:        "run",
		}
		if status == StatusError {
			entry.Error = "boom"
		}
		_ = log.Append(entry)
	}

	byStatus, _ := log.Read("job-1", ReadOptions{Status: StatusOK})
	if len(byStatus) != 2 {
		t.Errorf("status filter = %d entries, want 2", len(byStatus))
	}
	byQuery, _ := log.Read("job-1", ReadOptions{Query: "BOOM"})
	if len(byQuery) != 1 || byQuery[0].Status != StatusError {
		t.Errorf("query filter = %+v", byQuery)
	}
	page, _ := log.Read("job-1", ReadOptions{Limit: 2, Offset: 1})
	if len(page) != 2 || page[0].RunAtMs != 2 {
		t.Errorf("page = %+v", page)
	}
	empty, _ := log.Read("job-1", ReadOptions{Offset: 10})
	if len(empty) != 0 {
		t.Errorf("past-end offset = %d entries", len(empty))
	}
}

func TestRunLogLimitCapped(t *testing.T) {
	log := NewRunLog(t.TempDir(), 0, 0)
	for i := 0; i < MaxRunLogPageSize+50; i++ {
		_ = log.Append(RunLogEntry{JobID: "job-1", RunAtMs: int64(i), Status: StatusOK})
	}
	entries, _ := log.Read("job-1", ReadOptions{Limit: 10_000})
	if len(entries) != MaxRunLogPageSize {
		t.Errorf("entries = %d, want page cap %d", len(entries), MaxRunLogPageSize)
	}
}

func TestRunLogPruneInvariant(t *testing.T) {
	dir := t.TempDir()
	log := NewRunLog(dir, 2_000, 10)
	long := strings.Repeat("x", 100)
	for i := 0; i < 100; i++ {
		err := log.Append(RunLogEntry{JobID: "job-1", RunAtMs: int64(i), Status: StatusOK, Summary: long})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		path := filepath.Join(dir, "runs", "job-1.jsonl")
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		lines, err := readLines(path)
		if err != nil {
			t.Fatalf("readLines: %v", err)
		}
		if info.Size() > 2_000 && len(lines) > 10 {
			t.Fatalf("after append %d: size=%d lines=%d violates prune invariant", i, info.Size(), len(lines))
		}
	}
	// The newest entries survive pruning.
	entries, _ := log.Read("job-1", ReadOptions{SortDesc: true, Limit: 1})
	if len(entries) != 1 || entries[0].RunAtMs != 99 {
		t.Errorf("newest entry = %+v, want runAtMs 99", entries)
	}
}

func TestRunLogRejectsUnsafeJobIDs(t *testing.T) {
	log := NewRunLog(t.TempDir(), 0, 0)
	for _, id := range []string{"", ".", "..", "a/b", `a\b`, "a\x00b"} {
		if err := log.Append(RunLogEntry{JobID: id, Status: StatusOK}); err == nil {
			t.Errorf("job id %q accepted", id)
		}
		if _, err := log.Read(id, ReadOptions{}); err == nil {
			t.Errorf("read of job id %q accepted", id)
		}
	}
}

func TestRunLogToleratesTornTailLine(t *testing.T) {
	dir := t.TempDir()
	log := NewRunLog(dir, 0, 0)
	_ = log.Append(RunLogEntry{JobID: "job-1", RunAtMs: 1, Status: StatusOK})
	path := filepath.Join(dir, "runs", "job-1.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"jobId":"job-1","runAtMs":2,"sta`)
	f.Close()

	entries, err := log.Read("job-1", ReadOptions{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 1 || entries[0].RunAtMs != 1 {
		t.Errorf("entries = %+v, want the intact line only", entries)
	}
}

func TestRunLogReadAllDecoratesNames(t *testing.T) {
	log := NewRunLog(t.TempDir(), 0, 0)
	_ = log.Append(RunLogEntry{JobID: "job-1", RunAtMs: 2, Status: StatusOK})
	_ = log.Append(RunLogEntry{JobID: "job-2", RunAtMs: 1, Status: StatusError})

	entries, err := log.ReadAll(ReadOptions{}, map[string]string{"job-1": "check-in"})
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].JobID != "job-2" || entries[1].JobID != "job-1" {
		t.Errorf("cross-job sort by runAtMs broken: %+v", entries)
	}
	if entries[1].JobName != "check-in" {
		t.Errorf("jobName = %q, want decorated name", entries[1].JobName)
	}
	if entries[0].JobName != "" {
		t.Errorf("unknown job decorated with %q", entries[0].JobName)
	}
}
