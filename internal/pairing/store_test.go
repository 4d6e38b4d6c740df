package pairing

import (
	"log/slog"
	"regexp"
	"testing"
	"time"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *time.Time) {
	t.Helper()
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	opts = append(opts, WithNow(func() time.Time { return current }))
	store := NewStore(t.TempDir(), slog.Default(), opts...)
	return store, &current
}

func TestUpsertCreatesCode(t *testing.T) {
	store, _ := newTestStore(t)
	res, err := store.UpsertRequest("telegram", "default", "u1", nil)
	if err != nil {
		t.Fatalf("UpsertRequest: %v", err)
	}
	if !res.Created {
		t.Error("expected created=true on first upsert")
	}
	if !regexp.MustCompile(`^[A-Z]{8}$`).MatchString(res.Code) {
		t.Errorf("code %q is not 8 uppercase letters", res.Code)
	}
}

func TestUpsertIsIdempotentPerSender(t *testing.T) {
	store, _ := newTestStore(t)
	first, err := store.UpsertRequest("telegram", "default", "u1", nil)
	if err != nil {
		t.Fatalf("UpsertRequest: %v", err)
	}
	second, err := store.UpsertRequest("telegram", "default", "u1", nil)
	if err != nil {
		t.Fatalf("UpsertRequest again: %v", err)
	}
	if second.Created {
		t.Error("repeat upsert must not create a new request")
	}
	if second.Code != first.Code {
		t.Errorf("repeat upsert returned different code: %q vs %q", second.Code, first.Code)
	}
}

func TestUpsertPendingCapSoftFull(t *testing.T) {
	store, _ := newTestStore(t)
	for i := 0; i < DefaultPendingCap; i++ {
		if _, err := store.UpsertRequest("telegram", "default", string(rune('a'+i)), nil); err != nil {
			t.Fatalf("UpsertRequest %d: %v", i, err)
		}
	}
	res, err := store.UpsertRequest("telegram", "default", "overflow", nil)
	if err != nil {
		t.Fatalf("UpsertRequest at cap: %v", err)
	}
	if res.Created || res.Code != "" {
		t.Errorf("at cap expected soft-full {code:\"\", created:false}, got %+v", res)
	}
}

func TestUpsertPrunesExpiredRequests(t *testing.T) {
	store, clock := newTestStore(t)
	if _, err := store.UpsertRequest("telegram", "default", "old", nil); err != nil {
		t.Fatalf("UpsertRequest: %v", err)
	}
	*clock = clock.Add(DefaultTTL + time.Minute)

	pending, err := store.Pending("telegram")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expired request still pending: %+v", pending)
	}

	// The expired slot frees capacity for a new request.
	res, err := store.UpsertRequest("telegram", "default", "old", nil)
	if err != nil {
		t.Fatalf("UpsertRequest after expiry: %v", err)
	}
	if !res.Created {
		t.Error("expected a fresh request after TTL expiry")
	}
}

func TestApproveCodeAddsAllowlistEntry(t *testing.T) {
	store, _ := newTestStore(t)
	res, err := store.UpsertRequest("telegram", "default", "u1", map[string]string{"name": "Alice"})
	if err != nil {
		t.Fatalf("UpsertRequest: %v", err)
	}

	approved, err := store.ApproveCode("telegram", res.Code, "")
	if err != nil {
		t.Fatalf("ApproveCode: %v", err)
	}
	if approved == nil || approved.ID != "u1" {
		t.Fatalf("ApproveCode = %+v", approved)
	}

	allow, err := store.ReadAllowFrom("telegram", "default")
	if err != nil {
		t.Fatalf("ReadAllowFrom: %v", err)
	}
	if len(allow) != 1 || allow[0] != "u1" {
		t.Errorf("allowFrom = %v, want [u1]", allow)
	}

	pending, _ := store.Pending("telegram")
	if len(pending) != 0 {
		t.Errorf("approved request still pending: %+v", pending)
	}
}

func TestApproveCodeCaseInsensitiveAndBlank(t *testing.T) {
	store, _ := newTestStore(t)
	res, _ := store.UpsertRequest("telegram", "default", "u1", nil)

	if approved, err := store.ApproveCode("telegram", "", ""); err != nil || approved != nil {
		t.Errorf("blank code should return nil, got %+v err %v", approved, err)
	}
	approved, err := store.ApproveCode("telegram", "  "+lower(res.Code)+"  ", "")
	if err != nil {
		t.Fatalf("ApproveCode: %v", err)
	}
	if approved == nil {
		t.Error("lowercased code should still approve")
	}
}

func TestApproveCodeAccountConstraint(t *testing.T) {
	store, _ := newTestStore(t)
	res, _ := store.UpsertRequest("telegram", "work", "u1", nil)

	if approved, _ := store.ApproveCode("telegram", res.Code, "personal"); approved != nil {
		t.Error("account-constrained approval matched the wrong account")
	}
	approved, err := store.ApproveCode("telegram", res.Code, "work")
	if err != nil {
		t.Fatalf("ApproveCode: %v", err)
	}
	if approved == nil {
		t.Error("matching account should approve")
	}
}

func TestAddRemoveEntryIdempotent(t *testing.T) {
	store, _ := newTestStore(t)

	res, err := store.AddEntry("telegram", "default", "User1")
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if !res.Changed {
		t.Error("first add should report changed")
	}

	res, err = store.AddEntry("telegram", "default", "user1")
	if err != nil {
		t.Fatalf("AddEntry repeat: %v", err)
	}
	if res.Changed {
		t.Error("case-insensitive re-add must be a no-op")
	}
	if len(res.AllowFrom) != 1 || res.AllowFrom[0] != "User1" {
		t.Errorf("original casing lost: %v", res.AllowFrom)
	}

	res, err = store.RemoveEntry("telegram", "default", "USER1")
	if err != nil {
		t.Fatalf("RemoveEntry: %v", err)
	}
	if !res.Changed || len(res.AllowFrom) != 0 {
		t.Errorf("remove result = %+v", res)
	}

	res, err = store.RemoveEntry("telegram", "default", "USER1")
	if err != nil {
		t.Fatalf("RemoveEntry repeat: %v", err)
	}
	if res.Changed {
		t.Error("removing a missing entry must report changed=false")
	}
}

func TestReadAllowFromMergesAccountAndLegacy(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.AddEntry("telegram", "work", "scoped"); err != nil {
		t.Fatalf("AddEntry scoped: %v", err)
	}
	if _, err := store.AddEntry("telegram", "", "legacy"); err != nil {
		t.Fatalf("AddEntry legacy: %v", err)
	}
	if _, err := store.AddEntry("telegram", "", "SCOPED"); err != nil {
		t.Fatalf("AddEntry duplicate: %v", err)
	}

	allow, err := store.ReadAllowFrom("telegram", "work")
	if err != nil {
		t.Fatalf("ReadAllowFrom: %v", err)
	}
	// Account-scoped first, then legacy, deduplicated case-insensitively.
	if len(allow) != 2 || allow[0] != "scoped" || allow[1] != "legacy" {
		t.Errorf("allowFrom = %v, want [scoped legacy]", allow)
	}
}

func lower(s string) string {
	out := []byte(s)
	for i := range out {
		if out[i] >= 'A' && out[i] <= 'Z' {
			out[i] += 'a' - 'A'
		}
	}
	return string(out)
}
