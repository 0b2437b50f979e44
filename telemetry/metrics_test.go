package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	first := HubRequests
	Init()
	if HubRequests != first {
		t.Fatal("Init re-registered metrics")
	}
	if Callbacks == nil || PendingJobs == nil || NotificationsSent == nil {
		t.Fatal("metrics not initialized")
	}
}

func TestObserveHubRequest(t *testing.T) {
	Init()
	before := testutil.ToFloat64(HubRequests.WithLabelValues("subscribe", "accepted"))
	ObserveHubRequest("subscribe", "accepted", 25*time.Millisecond)
	after := testutil.ToFloat64(HubRequests.WithLabelValues("subscribe", "accepted"))
	if after != before+1 {
		t.Errorf("hub requests = %v, want %v", after, before+1)
	}
}

func TestCountJob(t *testing.T) {
	Init()
	tests := []struct {
		event string
		c     func() float64
	}{
		{"scheduled", func() float64 { return testutil.ToFloat64(JobsScheduled) }},
		{"fired", func() float64 { return testutil.ToFloat64(JobsFired) }},
		{"cancelled", func() float64 { return testutil.ToFloat64(JobsCancelled) }},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			before := tt.c()
			CountJob(tt.event)
			if got := tt.c(); got != before+1 {
				t.Errorf("%s = %v, want %v", tt.event, got, before+1)
			}
		})
	}
	// unknown events are ignored
	CountJob("bogus")
}

func TestGauges(t *testing.T) {
	Init()
	SetPendingJobs(3)
	if got := testutil.ToFloat64(PendingJobs); got != 3 {
		t.Errorf("pending jobs = %v, want 3", got)
	}
	SetActiveSubscriptions(7)
	if got := testutil.ToFloat64(ActiveSubscriptions); got != 7 {
		t.Errorf("active subscriptions = %v, want 7", got)
	}
}

func TestCountNotification(t *testing.T) {
	Init()
	CountNotification("live", nil)
	CountNotification("live", errors.New("boom"))
	if got := testutil.ToFloat64(NotificationsSent.WithLabelValues("live", "error")); got < 1 {
		t.Errorf("error notifications = %v, want >= 1", got)
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if GetCorrelation(ctx) != "" {
		t.Fatal("expected empty correlation")
	}
	ctx = WithCorrelation(ctx, "abc")
	if got := GetCorrelation(ctx); got != "abc" {
		t.Errorf("GetCorrelation = %q, want abc", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("nil logger")
	}
}
