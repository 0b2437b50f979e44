package websub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func noop(context.Context, Delivery) error { return nil }

func TestRegistryTakeOnce(t *testing.T) {
	r := NewRegistry()
	tok := r.NewToken()
	if err := r.Add(tok, "topic", "hub", noop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	h, sub, ok := r.Take(tok)
	if !ok || h == nil {
		t.Fatal("first Take should return the handler")
	}
	if sub.Topic != "topic" || sub.Hub != "hub" || sub.Armed {
		t.Errorf("unexpected snapshot %+v", sub)
	}
	if _, _, ok := r.Take(tok); ok {
		t.Fatal("second Take must not return a handler")
	}
	// the record itself survives the take
	if _, ok := r.Get(tok); !ok {
		t.Fatal("record removed by Take")
	}
}

func TestRegistryAddDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Add("t1", "a", "hub", noop); err != nil {
		t.Fatal(err)
	}
	if err := r.Add("t1", "b", "hub", noop); err == nil {
		t.Fatal("expected duplicate token error")
	}
	if err := r.Add("", "b", "hub", noop); err == nil {
		t.Fatal("expected empty token error")
	}
}

func TestRegistryTokensAreUnique(t *testing.T) {
	r := NewRegistry()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		tok := r.NewToken()
		if len(tok) != 36 {
			t.Fatalf("token %q is not a uuid", tok)
		}
		if seen[tok] {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = true
	}
}

func TestRegistryArm(t *testing.T) {
	r := NewRegistry()
	if err := r.Arm("missing", noop); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("Arm(missing) = %v, want ErrNotSubscribed", err)
	}
	_ = r.Add("t1", "topic", "hub", noop)
	r.Take("t1")
	if err := r.Arm("t1", noop); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if _, _, ok := r.Take("t1"); !ok {
		t.Fatal("re-armed handler not taken")
	}
	r.Terminate("t1")
	if err := r.Arm("t1", noop); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("Arm(terminated) = %v, want ErrNotSubscribed", err)
	}
}

func TestRegistryVerifyAndFind(t *testing.T) {
	r := NewRegistry()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	if r.Verify("nope", 100) {
		t.Fatal("Verify must not create records")
	}
	_ = r.Add("t1", "topic-a", "hub", noop)
	if !r.Verify("t1", 3600) {
		t.Fatal("Verify(t1) = false")
	}
	sub, ok := r.FindByTopic("topic-a")
	if !ok || sub.Token != "t1" || sub.State != StateVerified || sub.LeaseSeconds != 3600 {
		t.Fatalf("FindByTopic = %+v, %v", sub, ok)
	}
	if got, want := sub.LeaseExpiry(), now.Add(time.Hour); !got.Equal(want) {
		t.Errorf("LeaseExpiry = %v, want %v", got, want)
	}

	r.Terminate("t1")
	if _, ok := r.FindByTopic("topic-a"); ok {
		t.Fatal("terminated subscription found by topic")
	}
	if r.Verify("t1", 10) {
		t.Fatal("Verify revived a terminated subscription")
	}
	if r.Active() != 0 {
		t.Errorf("Active = %d, want 0", r.Active())
	}
	if !r.Remove("t1") || r.Remove("t1") {
		t.Error("Remove should succeed exactly once")
	}
}

func TestRegistryDueForRenewal(t *testing.T) {
	r := NewRegistry()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return start }
	_ = r.Add("short", "a", "hub", noop)
	_ = r.Add("long", "b", "hub", noop)
	_ = r.Add("pending", "c", "hub", noop)
	r.Verify("short", 1800)
	r.Verify("long", 86400)

	due := r.DueForRenewal(start, time.Hour)
	if len(due) != 1 || due[0].Token != "short" {
		t.Fatalf("due = %+v, want only short", due)
	}
	due = r.DueForRenewal(start.Add(24*time.Hour), time.Hour)
	if len(due) != 3 {
		t.Fatalf("due after a day = %d, want 3", len(due))
	}
}

func TestRegistryRetriesUnverifiedPending(t *testing.T) {
	r := NewRegistry()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	r.now = func() time.Time { return now }
	_ = r.Add("pending", "c", "hub", noop)

	if due := r.DueForRenewal(start.Add(PendingRetryAfter-time.Second), time.Hour); len(due) != 0 {
		t.Fatalf("due before retry threshold = %+v", due)
	}
	due := r.DueForRenewal(start.Add(PendingRetryAfter), time.Hour)
	if len(due) != 1 || due[0].Token != "pending" {
		t.Fatalf("due = %+v, want pending", due)
	}

	now = start.Add(PendingRetryAfter)
	r.Requested("pending")
	if due := r.DueForRenewal(now.Add(time.Minute), time.Hour); len(due) != 0 {
		t.Fatalf("due right after a retry = %+v", due)
	}
	r.Verify("pending", 86400)
	if due := r.DueForRenewal(now.Add(2*PendingRetryAfter), time.Hour); len(due) != 0 {
		t.Fatalf("verified with a long lease is due: %+v", due)
	}
}

func TestRegistryListOrdered(t *testing.T) {
	r := NewRegistry()
	_ = r.Add("2", "b", "hub", nil)
	_ = r.Add("1", "a", "hub", nil)
	list := r.List()
	if len(list) != 2 || list[0].Topic != "a" || list[1].Topic != "b" {
		t.Fatalf("List = %+v", list)
	}
	if list[0].Armed {
		t.Error("nil handler reported as armed")
	}
}

func TestRegistryConcurrentTake(t *testing.T) {
	r := NewRegistry()
	_ = r.Add("t", "topic", "hub", noop)
	var taken int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, ok := r.Take("t"); ok {
				atomic.AddInt32(&taken, 1)
			}
		}()
	}
	wg.Wait()
	if taken != 1 {
		t.Fatalf("taken %d times, want 1", taken)
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StatePending:    "pending",
		StateVerified:   "verified",
		StateTerminated: "terminated",
		State(42):       "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
