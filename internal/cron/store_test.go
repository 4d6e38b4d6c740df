package cron

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolveStorePath(t *testing.T) {
	if got := ResolveStorePath("/state", ""); got != filepath.Join("/state", "cron", "jobs.json") {
		t.Errorf("default path = %q", got)
	}
	if got := ResolveStorePath("/state", "/elsewhere/jobs.json"); got != "/elsewhere/jobs.json" {
		t.Errorf("override path = %q", got)
	}
}

func TestLoadStoreMissingFile(t *testing.T) {
	store, err := LoadStore(filepath.Join(t.TempDir(), "jobs.json"))
	if err != nil {
		t.Fatalf("LoadStore: %v", err)
	}
	if store.Version != 1 || len(store.Jobs) != 0 {
		t.Errorf("empty store = version %d, %d jobs", store.Version, len(store.Jobs))
	}
}

func TestLoadStoreMalformedIsHardError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	if err := os.WriteFile(path, []byte("{jobs: [nope"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadStore(path); err == nil {
		t.Fatal("malformed store must fail loudly, not reset")
	}
}

func TestLoadStoreToleratesJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	content := `{
  // hand-edited
  version: 1,
  jobs: [
    {id: "j1", name: "check-in", enabled: true,
     schedule: {kind: "every", everyMs: 60000},
     sessionTarget: "main", wakeMode: "next-heartbeat",
     payload: {kind: "systemEvent", text: "hello"},
     sessionKey: "agent:main:telegram:dm:u1",
    },
  ],
}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	store, err := LoadStore(path)
	if err != nil {
		t.Fatalf("LoadStore: %v", err)
	}
	if len(store.Jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(store.Jobs))
	}
	if !strings.Contains(store.Jobs[0].SessionKey, ":direct:") {
		t.Errorf("sessionKey = %q, legacy dm segment not canonicalized on load", store.Jobs[0].SessionKey)
	}
}

func TestStoreSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cron", "jobs.json")
	store, err := LoadStore(path)
	if err != nil {
		t.Fatalf("LoadStore: %v", err)
	}
	job, err := NormalizeCreate(validJob(), 1000)
	if err != nil {
		t.Fatalf("NormalizeCreate: %v", err)
	}
	job.Enabled = true
	store.Upsert(job)
	if err := store.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := LoadStore(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := reloaded.Get(job.ID)
	if got == nil {
		t.Fatal("job missing after reload")
	}
	if got.Name != job.Name || got.Schedule.Expr != job.Schedule.Expr {
		t.Errorf("reloaded job = %+v", got)
	}

	// No temp files should survive a save.
	matches, _ := filepath.Glob(path + ".*.tmp")
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestStoreSaveKeepsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	store, _ := LoadStore(path)
	job, _ := NormalizeCreate(validJob(), 1000)
	store.Upsert(job)
	if err := store.Save(); err != nil {
		t.Fatalf("first save: %v", err)
	}
	first, _ := os.ReadFile(path)

	job.Name = "renamed"
	if err := store.Save(); err != nil {
		t.Fatalf("second save: %v", err)
	}
	backup, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("missing .bak: %v", err)
	}
	if string(backup) != string(first) {
		t.Error(".bak should hold the previous contents")
	}
}

func TestStoreUpsertAndRemove(t *testing.T) {
	store := &Store{Version: 1}
	store.Upsert(&Job{ID: "a", Name: "one"})
	store.Upsert(&Job{ID: "b", Name: "two"})
	store.Upsert(&Job{ID: "a", Name: "one again"})
	if len(store.Jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(store.Jobs))
	}
	if store.Get("a").Name != "one again" {
		t.Error("upsert should replace by id")
	}
	if !store.Remove("a") || store.Remove("a") {
		t.Error("remove should report prior existence")
	}
	if store.Get("a") != nil {
		t.Error("removed job still present")
	}
}
