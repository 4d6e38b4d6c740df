package debounce

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type item struct {
	key  string
	text string
	hold bool
}

type collector struct {
	mu      sync.Mutex
	batches [][]*item
	done    chan struct{}
}

func newCollector() *collector {
	return &collector{done: make(chan struct{}, 16)}
}

func (c *collector) flush(items []*item) error {
	c.mu.Lock()
	c.batches = append(c.batches, items)
	c.mu.Unlock()
	c.done <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T, n int) [][]*item {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for flush %d of %d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]*item(nil), c.batches...)
}

func TestDebouncerMergesBurst(t *testing.T) {
	c := newCollector()
	d := New[item](
		WithWindow[item](20*time.Millisecond),
		WithKey[item](func(i *item) string { return i.key }),
		WithFlush[item](c.flush),
	)
	defer d.Stop()

	d.Add(&item{key: "chat1", text: "one"})
	d.Add(&item{key: "chat1", text: "two"})
	d.Add(&item{key: "chat1", text: "three"})

	batches := c.wait(t, 1)
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	if len(batches[0]) != 3 {
		t.Fatalf("batch size = %d, want 3", len(batches[0]))
	}
	for i, want := range []string{"one", "two", "three"} {
		if batches[0][i].text != want {
			t.Errorf("batch[%d] = %q, want %q", i, batches[0][i].text, want)
		}
	}
}

func TestDebouncerSeparateKeys(t *testing.T) {
	c := newCollector()
	d := New[item](
		WithWindow[item](10*time.Millisecond),
		WithKey[item](func(i *item) string { return i.key }),
		WithFlush[item](c.flush),
	)
	defer d.Stop()

	d.Add(&item{key: "a", text: "1"})
	d.Add(&item{key: "b", text: "2"})

	batches := c.wait(t, 2)
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}
	for _, batch := range batches {
		if len(batch) != 1 {
			t.Errorf("cross-key batch merged: %d items", len(batch))
		}
	}
}

func TestDebouncerBypassDrainsPendingFirst(t *testing.T) {
	c := newCollector()
	d := New[item](
		WithWindow[item](time.Minute),
		WithKey[item](func(i *item) string { return i.key }),
		WithHold[item](func(i *item) bool { return i.hold }),
		WithFlush[item](c.flush),
	)
	defer d.Stop()

	d.Add(&item{key: "chat1", text: "queued", hold: true})
	d.Add(&item{key: "chat1", text: "/command", hold: false})

	batches := c.wait(t, 2)
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}
	if batches[0][0].text != "queued" {
		t.Errorf("pending batch must flush before the bypassing item, got %q first", batches[0][0].text)
	}
	if batches[1][0].text != "/command" {
		t.Errorf("second flush = %q, want /command", batches[1][0].text)
	}
}

func TestDebouncerZeroWindowFlushesImmediately(t *testing.T) {
	c := newCollector()
	d := New[item](
		WithKey[item](func(i *item) string { return i.key }),
		WithFlush[item](c.flush),
	)
	defer d.Stop()

	d.Add(&item{key: "chat1", text: "solo"})
	batches := c.wait(t, 1)
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("immediate flush expected, got %+v", batches)
	}
}

func TestDebouncerErrorHook(t *testing.T) {
	errs := make(chan error, 1)
	d := New[item](
		WithFlush[item](func([]*item) error { return errors.New("downstream closed") }),
		WithError[item](func(err error, _ []*item) { errs <- err }),
	)
	defer d.Stop()

	d.Add(&item{text: "x"})
	select {
	case err := <-errs:
		if err == nil {
			t.Error("expected non-nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error hook never fired")
	}
}

func TestDebouncerStopFlushesPending(t *testing.T) {
	c := newCollector()
	d := New[item](
		WithWindow[item](time.Hour),
		WithKey[item](func(i *item) string { return i.key }),
		WithFlush[item](c.flush),
	)
	d.Add(&item{key: "chat1", text: "pending"})
	d.Stop()

	batches := c.wait(t, 1)
	if len(batches) != 1 || batches[0][0].text != "pending" {
		t.Fatalf("Stop should deliver pending items, got %+v", batches)
	}
	// After Stop everything is dropped.
	d.Add(&item{key: "chat1", text: "late"})
	time.Sleep(20 * time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.batches) != 1 {
		t.Errorf("post-Stop add was delivered")
	}
}

func TestDedupe(t *testing.T) {
	cache := NewDedupe(0, 0)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if cache.CheckAt("m1", base) {
		t.Error("first sighting reported as duplicate")
	}
	if !cache.CheckAt("m1", base.Add(time.Second)) {
		t.Error("second sighting not reported as duplicate")
	}
	if cache.CheckAt("m1", base.Add(DefaultDedupeTTL+2*time.Second)) {
		t.Error("expired entry still reported as duplicate")
	}
	if cache.CheckAt("", base) {
		t.Error("empty key can never be a duplicate")
	}
}

func TestDedupeEvictsOldestAtCapacity(t *testing.T) {
	cache := NewDedupe(2, time.Hour)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cache.CheckAt("a", base)
	cache.CheckAt("b", base.Add(time.Second))
	cache.CheckAt("c", base.Add(2*time.Second)) // evicts "a"

	if cache.CheckAt("a", base.Add(3*time.Second)) {
		t.Error("evicted key still reported as duplicate")
	}
	if !cache.CheckAt("c", base.Add(3*time.Second)) {
		t.Error("recent key lost")
	}
}
