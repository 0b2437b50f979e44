package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/stream-herald/db"
	"github.com/onnwee/stream-herald/scheduler"
	"github.com/onnwee/stream-herald/websub"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
)

// Store is the part of the metadata store the handlers use.
type Store interface {
	Ping(ctx context.Context) error
	ListFeeds(ctx context.Context) ([]db.Feed, error)
	AddFeed(ctx context.Context, topicURL, name, group string) (db.Feed, error)
	RemoveFeed(ctx context.Context, topicURL string) error
}

// Tracker starts and stops following a topic.
type Tracker interface {
	Track(ctx context.Context, topic string) (string, error)
	Untrack(ctx context.Context, topic string) error
}

// JobLister lists pending notification jobs.
type JobLister interface {
	Pending() []scheduler.Entry
}

// YouTubeAuth runs the OAuth consent flow.
type YouTubeAuth interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	store    Store
	registry *websub.Registry
	herald   Tracker
	jobs     JobLister
	youtube  YouTubeAuth

	stateStore map[string]time.Time
	stateMu    sync.RWMutex
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		store:      deps.Store,
		registry:   deps.Registry,
		herald:     deps.Herald,
		jobs:       deps.Jobs,
		youtube:    deps.YouTube,
		stateStore: make(map[string]time.Time),
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState adds a new OAuth state to the store with cleanup if needed.
// It reports false when the store is full.
func (h *Handlers) addOAuthState(state string, expiry time.Time) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = expiry
	return true
}

// consumeOAuthState removes state and reports whether it was valid.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	delete(h.stateStore, state)
	return ok && time.Now().Before(exp)
}
