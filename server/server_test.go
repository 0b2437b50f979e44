package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/stream-herald/config"
	"github.com/onnwee/stream-herald/db"
	"github.com/onnwee/stream-herald/scheduler"
	"github.com/onnwee/stream-herald/websub"
)

type fakeStore struct {
	mu      sync.Mutex
	pingErr error
	feeds   map[string]db.Feed
}

func newFakeStore() *fakeStore { return &fakeStore{feeds: map[string]db.Feed{}} }

func (s *fakeStore) Ping(context.Context) error { return s.pingErr }

func (s *fakeStore) ListFeeds(context.Context) ([]db.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.Feed
	for _, f := range s.feeds {
		out = append(out, f)
	}
	return out, nil
}

func (s *fakeStore) AddFeed(_ context.Context, topic, name, group string) (db.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := db.Feed{ID: int64(len(s.feeds) + 1), TopicURL: topic, Name: name, Group: group}
	s.feeds[topic] = f
	return f, nil
}

func (s *fakeStore) RemoveFeed(_ context.Context, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.feeds[topic]; !ok {
		return db.ErrNotFound
	}
	delete(s.feeds, topic)
	return nil
}

type fakeTracker struct {
	err     error
	tracked []string
}

func (f *fakeTracker) Track(_ context.Context, topic string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.tracked = append(f.tracked, topic)
	return "tok-1", nil
}

func (f *fakeTracker) Untrack(context.Context, string) error { return websub.ErrNotSubscribed }

type fakeJobs []scheduler.Entry

func (f fakeJobs) Pending() []scheduler.Entry { return f }

type fakeYouTube struct{}

func (fakeYouTube) AuthCodeURL(state string) string {
	return "https://accounts.example.com/auth?state=" + state
}

func (fakeYouTube) Exchange(context.Context, string) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)}, nil
}

func testConfig() *config.Config {
	return &config.Config{PubSubCallbackPath: "/pubsub", RateLimit: 100, RateBurst: 100}
}

func newTestMux(t *testing.T, deps Deps) http.Handler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if deps.Config == nil {
		deps.Config = testConfig()
	}
	if deps.Store == nil {
		deps.Store = newFakeStore()
	}
	if deps.Registry == nil {
		deps.Registry = websub.NewRegistry()
	}
	return NewMux(ctx, deps)
}

func do(h http.Handler, method, target string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	store := newFakeStore()
	h := newTestMux(t, Deps{Store: store})
	if rr := do(h, http.MethodGet, "/healthz", ""); rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rr.Code, rr.Body.String())
	}
	store.pingErr = errors.New("down")
	if rr := do(h, http.MethodGet, "/healthz", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz with db down = %d", rr.Code)
	}
}

func TestReadyz(t *testing.T) {
	store := newFakeStore()
	h := newTestMux(t, Deps{Store: store})
	rr := do(h, http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz = %d %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ready" || resp["active_subscriptions"] != float64(0) {
		t.Errorf("resp = %v", resp)
	}

	store.pingErr = errors.New("down")
	rr = do(h, http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusServiceUnavailable || !strings.Contains(rr.Body.String(), `"failed_check":"database"`) {
		t.Errorf("readyz with db down = %d %s", rr.Code, rr.Body.String())
	}
}

func TestCorrelationHeader(t *testing.T) {
	h := newTestMux(t, Deps{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Correlation-ID"); got != "abc-123" {
		t.Errorf("correlation id = %q", got)
	}
	rr = do(h, http.MethodGet, "/healthz", "")
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("no generated correlation id")
	}
}

func TestCallbackRoutesMounted(t *testing.T) {
	reg := websub.NewRegistry()
	h := newTestMux(t, Deps{Registry: reg, Callback: websub.NewRouter(reg)})

	q := url.Values{"hub.mode": {"subscribe"}, "hub.topic": {"https://example.com/t"}, "hub.challenge": {"c-42"}}
	rr := do(h, http.MethodGet, "/pubsub/unknown-token?"+q.Encode(), "")
	if rr.Code != http.StatusOK || rr.Body.String() != "c-42" {
		t.Errorf("verify = %d %q", rr.Code, rr.Body.String())
	}
	rr = do(h, http.MethodPost, "/pubsub/unknown-token", "<feed/>")
	if rr.Code != http.StatusOK {
		t.Errorf("deliver = %d", rr.Code)
	}
}

func TestRateLimitSparesCallbacks(t *testing.T) {
	reg := websub.NewRegistry()
	cfg := testConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 2
	h := newTestMux(t, Deps{Config: cfg, Registry: reg, Callback: websub.NewRouter(reg)})

	for i := 0; i < 5; i++ {
		rr := do(h, http.MethodGet, "/pubsub/tok?hub.challenge=x", "")
		if rr.Code != http.StatusOK || rr.Body.String() != "x" {
			t.Fatalf("verify #%d = %d %q", i, rr.Code, rr.Body.String())
		}
		if rr := do(h, http.MethodPost, "/pubsub/tok", "<feed/>"); rr.Code != http.StatusOK {
			t.Fatalf("deliver #%d = %d", i, rr.Code)
		}
	}

	codes := []int{}
	for i := 0; i < 3; i++ {
		codes = append(codes, do(h, http.MethodGet, "/admin/subscriptions", "").Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("admin codes = %v", codes)
	}
	req := httptest.NewRequest(http.MethodGet, "/admin/subscriptions", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.77")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("spoofed X-Forwarded-For = %d, want 429", rr.Code)
	}
	if rr := do(h, http.MethodGet, "/healthz", ""); rr.Code != http.StatusOK {
		t.Errorf("healthz = %d", rr.Code)
	}
}

func TestAdminFeeds(t *testing.T) {
	store := newFakeStore()
	tracker := &fakeTracker{}
	h := newTestMux(t, Deps{Store: store, Herald: tracker})

	if rr := do(h, http.MethodPost, "/admin/feeds", `{"topic_url":"not a url"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("bad url = %d", rr.Code)
	}
	if rr := do(h, http.MethodPost, "/admin/feeds", `{`); rr.Code != http.StatusBadRequest {
		t.Errorf("bad json = %d", rr.Code)
	}

	topic := "https://www.youtube.com/xml/feeds/videos.xml?channel_id=UC1"
	rr := do(h, http.MethodPost, "/admin/feeds", `{"topic_url":"`+topic+`","name":"Mori","group":"myth"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("add = %d %s", rr.Code, rr.Body.String())
	}
	if len(tracker.tracked) != 1 || tracker.tracked[0] != topic {
		t.Errorf("tracked = %v", tracker.tracked)
	}

	rr = do(h, http.MethodGet, "/admin/feeds", "")
	var feeds []db.Feed
	if err := json.NewDecoder(rr.Body).Decode(&feeds); err != nil || len(feeds) != 1 || feeds[0].Group != "myth" {
		t.Errorf("list = %v, %v", feeds, err)
	}

	if rr := do(h, http.MethodDelete, "/admin/feeds?topic="+url.QueryEscape(topic), ""); rr.Code != http.StatusOK {
		t.Errorf("remove = %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(h, http.MethodDelete, "/admin/feeds?topic="+url.QueryEscape(topic), ""); rr.Code != http.StatusNotFound {
		t.Errorf("second remove = %d", rr.Code)
	}
	if rr := do(h, http.MethodDelete, "/admin/feeds", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("remove without topic = %d", rr.Code)
	}
}

func TestAdminFeedsSubscribeFailure(t *testing.T) {
	store := newFakeStore()
	h := newTestMux(t, Deps{Store: store, Herald: &fakeTracker{err: &websub.DiscoveryError{Topic: "t", Err: errors.New("404")}}})
	rr := do(h, http.MethodPost, "/admin/feeds", `{"topic_url":"https://example.com/feed"}`)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("add = %d", rr.Code)
	}
	if _, ok := store.feeds["https://example.com/feed"]; !ok {
		t.Error("feed not kept after subscribe failure")
	}
}

func TestAdminJobsAndSubscriptions(t *testing.T) {
	reg := websub.NewRegistry()
	if err := reg.Add("tok", "https://example.com/t", "https://hub.example.com", func(context.Context, websub.Delivery) error { return nil }); err != nil {
		t.Fatal(err)
	}
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	h := newTestMux(t, Deps{Registry: reg, Jobs: fakeJobs{{Key: "v1", At: at}}})

	rr := do(h, http.MethodGet, "/admin/jobs", "")
	var jobs []scheduler.Entry
	if err := json.NewDecoder(rr.Body).Decode(&jobs); err != nil || len(jobs) != 1 || jobs[0].Key != "v1" || !jobs[0].At.Equal(at) {
		t.Errorf("jobs = %v, %v", jobs, err)
	}

	rr = do(h, http.MethodGet, "/admin/subscriptions", "")
	var subs []subscriptionView
	if err := json.NewDecoder(rr.Body).Decode(&subs); err != nil || len(subs) != 1 {
		t.Fatalf("subscriptions = %v, %v", subs, err)
	}
	if subs[0].State != "pending" || !subs[0].Armed || subs[0].Hub != "https://hub.example.com" {
		t.Errorf("subscription = %+v", subs[0])
	}
}

func TestAdminJobsWithoutScheduler(t *testing.T) {
	h := newTestMux(t, Deps{})
	if rr := do(h, http.MethodGet, "/admin/jobs", ""); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("jobs = %d", rr.Code)
	}
}

func TestYouTubeOAuthFlow(t *testing.T) {
	h := newTestMux(t, Deps{YouTube: fakeYouTube{}})

	rr := do(h, http.MethodGet, "/auth/youtube/start", "")
	if rr.Code != http.StatusFound {
		t.Fatalf("start = %d", rr.Code)
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	state := loc.Query().Get("state")
	if len(state) != 32 {
		t.Fatalf("state = %q", state)
	}

	if rr := do(h, http.MethodGet, "/auth/youtube/callback?code=c&state=bogus", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("bogus state = %d", rr.Code)
	}
	if rr := do(h, http.MethodGet, "/auth/youtube/callback?code=c&state="+state, ""); rr.Code != http.StatusOK {
		t.Errorf("callback = %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(h, http.MethodGet, "/auth/youtube/callback?code=c&state="+state, ""); rr.Code != http.StatusBadRequest {
		t.Errorf("replayed state = %d", rr.Code)
	}
}

func TestYouTubeOAuthNotConfigured(t *testing.T) {
	h := newTestMux(t, Deps{})
	if rr := do(h, http.MethodGet, "/auth/youtube/start", ""); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("start = %d", rr.Code)
	}
}

func TestStartAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Start(ctx, "127.0.0.1:0", http.NotFoundHandler()) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
