package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/onnwee/stream-herald/db"
	"github.com/onnwee/stream-herald/scheduler"
	"github.com/onnwee/stream-herald/telemetry"
	"github.com/onnwee/stream-herald/websub"
)

type feedRequest struct {
	TopicURL string `json:"topic_url"`
	Name     string `json:"name"`
	Group    string `json:"group"`
}

type subscriptionView struct {
	Token        string    `json:"token"`
	Topic        string    `json:"topic"`
	Hub          string    `json:"hub"`
	State        string    `json:"state"`
	Armed        bool      `json:"armed"`
	LeaseSeconds int       `json:"lease_seconds,omitempty"`
	LeaseExpiry  time.Time `json:"lease_expiry,omitzero"`
	CreatedAt    time.Time `json:"created_at"`
}

// HandleAdminFeedsList returns every tracked feed.
func (h *Handlers) HandleAdminFeedsList(w http.ResponseWriter, r *http.Request) {
	feeds, err := h.store.ListFeeds(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if feeds == nil {
		feeds = []db.Feed{}
	}
	writeJSON(w, http.StatusOK, feeds)
}

// HandleAdminFeedsAdd stores a feed and subscribes to it. A failed subscription
// keeps the feed; it is retried on the next start.
func (h *Handlers) HandleAdminFeedsAdd(w http.ResponseWriter, r *http.Request) {
	var req feedRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	req.TopicURL = strings.TrimSpace(req.TopicURL)
	if !validTopic(req.TopicURL) {
		http.Error(w, "topic_url must be an absolute http(s) URL", http.StatusBadRequest)
		return
	}
	feed, err := h.store.AddFeed(r.Context(), req.TopicURL, req.Name, req.Group)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if h.herald == nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"feed": feed, "subscribed": false})
		return
	}
	token, err := h.herald.Track(r.Context(), feed.TopicURL)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("subscribe new feed", slog.String("topic", feed.TopicURL), slog.Any("err", err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"feed": feed, "subscribed": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"feed": feed, "subscribed": true, "token": token})
}

// HandleAdminFeedsRemove unsubscribes from ?topic= and deletes the feed.
func (h *Handlers) HandleAdminFeedsRemove(w http.ResponseWriter, r *http.Request) {
	topic := strings.TrimSpace(r.URL.Query().Get("topic"))
	if topic == "" {
		http.Error(w, "missing topic", http.StatusBadRequest)
		return
	}
	if h.herald != nil {
		if err := h.herald.Untrack(r.Context(), topic); err != nil && !errors.Is(err, websub.ErrNotSubscribed) {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
	}
	if err := h.store.RemoveFeed(r.Context(), topic); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, "feed not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "topic": topic})
}

// HandleAdminJobs lists pending notification jobs, soonest first.
func (h *Handlers) HandleAdminJobs(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		http.Error(w, "scheduler not running", http.StatusServiceUnavailable)
		return
	}
	jobs := h.jobs.Pending()
	if jobs == nil {
		jobs = []scheduler.Entry{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// HandleAdminSubscriptions lists the registry.
func (h *Handlers) HandleAdminSubscriptions(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		http.Error(w, "no subscription registry", http.StatusServiceUnavailable)
		return
	}
	subs := h.registry.List()
	out := make([]subscriptionView, 0, len(subs))
	for _, s := range subs {
		out = append(out, subscriptionView{
			Token:        s.Token,
			Topic:        s.Topic,
			Hub:          s.Hub,
			State:        s.State.String(),
			Armed:        s.Armed,
			LeaseSeconds: s.LeaseSeconds,
			LeaseExpiry:  s.LeaseExpiry(),
			CreatedAt:    s.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func validTopic(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
