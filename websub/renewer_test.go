package websub

import (
	"context"
	"testing"
	"time"

	"github.com/onnwee/stream-herald/testutil"
)

func TestRenewDue(t *testing.T) {
	hub := testutil.NewMockHub(t)
	reg := NewRegistry()
	c := NewClient(reg, "https://herald.example/pubsub", nil)

	soon, err := c.Subscribe(context.Background(), hub.Topic("soon"), noop)
	if err != nil {
		t.Fatal(err)
	}
	later, err := c.Subscribe(context.Background(), hub.Topic("later"), noop)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Subscribe(context.Background(), hub.Topic("pending"), noop); err != nil {
		t.Fatal(err)
	}
	reg.Verify(soon, 600)
	reg.Verify(later, 864000)

	before := len(hub.Requests())
	if n := renewDue(context.Background(), c, time.Now(), time.Hour); n != 1 {
		t.Fatalf("renewed %d, want 1", n)
	}
	reqs := hub.Requests()
	if len(reqs) != before+1 {
		t.Fatalf("hub requests = %d, want %d", len(reqs), before+1)
	}
	if last := reqs[len(reqs)-1]; last.Topic != hub.Topic("soon") || last.Callback != c.CallbackURL(soon) {
		t.Errorf("renewal request = %+v", last)
	}
}

func TestRenewDueRetriesUnverified(t *testing.T) {
	hub := testutil.NewMockHub(t)
	reg := NewRegistry()
	c := NewClient(reg, "https://herald.example/pubsub", nil)

	token, err := c.Subscribe(context.Background(), hub.Topic("quiet"), noop)
	if err != nil {
		t.Fatal(err)
	}
	before := len(hub.Requests())
	if n := renewDue(context.Background(), c, time.Now().Add(PendingRetryAfter+time.Minute), time.Hour); n != 1 {
		t.Fatalf("renewed %d, want 1", n)
	}
	reqs := hub.Requests()
	if len(reqs) != before+1 || reqs[len(reqs)-1].Callback != c.CallbackURL(token) {
		t.Fatalf("hub requests = %+v", reqs)
	}
	sub, _ := reg.Get(token)
	if sub.State != StatePending || time.Since(sub.RequestedAt) > time.Minute {
		t.Errorf("subscription after retry = %+v", sub)
	}
}

func TestStartRenewerStopsWithContext(t *testing.T) {
	c := NewClient(NewRegistry(), "https://herald.example/pubsub", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	StartRenewer(ctx, c, 20*time.Millisecond, time.Minute)
	<-ctx.Done()
}
