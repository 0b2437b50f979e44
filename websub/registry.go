package websub

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/stream-herald/telemetry"
)

// State is the lifecycle of a subscription.
type State int

const (
	StatePending State = iota
	StateVerified
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateVerified:
		return "verified"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Delivery is one content push as received on the callback endpoint.
type Delivery struct {
	Token      string
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Handler consumes a delivery. It is armed per token and taken at most once.
type Handler func(ctx context.Context, d Delivery) error

// Subscription is a snapshot of a registry record.
type Subscription struct {
	Token        string
	Topic        string
	Hub          string
	State        State
	Armed        bool
	LeaseSeconds int
	CreatedAt    time.Time
	VerifiedAt   time.Time
	// RequestedAt is when the hub last accepted a subscribe request.
	RequestedAt  time.Time
}

// PendingRetryAfter is how long a subscription may wait for its verification
// before the request is repeated.
const PendingRetryAfter = 10 * time.Minute

// LeaseExpiry returns when the hub-granted lease runs out, or the zero time if
// the subscription was never verified with a lease.
func (s Subscription) LeaseExpiry() time.Time {
	if s.State != StateVerified || s.LeaseSeconds <= 0 {
		return time.Time{}
	}
	return s.VerifiedAt.Add(time.Duration(s.LeaseSeconds) * time.Second)
}

type record struct {
	Subscription
	handler Handler
}

// Registry maps correlation tokens to subscriptions. One mutex guards every
// operation; the expected cardinality is tens of feeds.
type Registry struct {
	mu   sync.Mutex
	subs map[string]*record
	now  func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]*record), now: time.Now}
}

// NewToken allocates a random correlation token not present in the registry.
func (r *Registry) NewToken() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		tok := uuid.NewString()
		if _, exists := r.subs[tok]; !exists {
			return tok
		}
	}
}

// Add inserts a pending subscription with its handler.
func (r *Registry) Add(token, topic, hub string, h Handler) error {
	if token == "" {
		return fmt.Errorf("websub: empty token")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.subs[token]; exists {
		return fmt.Errorf("websub: token %s already registered", token)
	}
	r.subs[token] = &record{
		Subscription: Subscription{
			Token:       token,
			Topic:       topic,
			Hub:         hub,
			State:       StatePending,
			Armed:       h != nil,
			CreatedAt:   r.now(),
			RequestedAt: r.now(),
		},
		handler: h,
	}
	r.publishLocked()
	return nil
}

// Take removes and returns the armed handler for token. A second Take for the
// same arming returns ok=false, which makes content delivery at-most-once.
func (r *Registry) Take(token string) (Handler, Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.subs[token]
	if !ok || rec.handler == nil {
		return nil, Subscription{}, false
	}
	h := rec.handler
	rec.handler = nil
	rec.Armed = false
	return h, rec.Subscription, true
}

// Arm installs a fresh handler on an existing, non-terminated subscription.
func (r *Registry) Arm(token string, h Handler) error {
	if h == nil {
		return fmt.Errorf("websub: nil handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.subs[token]
	if !ok || rec.State == StateTerminated {
		return ErrNotSubscribed
	}
	rec.handler = h
	rec.Armed = true
	return nil
}

// Get returns the subscription for token.
func (r *Registry) Get(token string) (Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.subs[token]
	if !ok {
		return Subscription{}, false
	}
	return rec.Subscription, true
}

// FindByTopic returns the non-terminated subscription for topic.
func (r *Registry) FindByTopic(topic string) (Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.subs {
		if rec.Topic == topic && rec.State != StateTerminated {
			return rec.Subscription, true
		}
	}
	return Subscription{}, false
}

// Verify marks the subscription verified with the lease granted by the hub.
// Unknown and terminated tokens are left alone.
func (r *Registry) Verify(token string, leaseSeconds int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.subs[token]
	if !ok || rec.State == StateTerminated {
		return false
	}
	rec.State = StateVerified
	rec.LeaseSeconds = leaseSeconds
	rec.VerifiedAt = r.now()
	return true
}

// Terminate marks the subscription terminated and disarms it.
func (r *Registry) Terminate(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.subs[token]
	if !ok {
		return false
	}
	rec.State = StateTerminated
	rec.handler = nil
	rec.Armed = false
	r.publishLocked()
	return true
}

// Remove deletes the record for token.
func (r *Registry) Remove(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[token]; !ok {
		return false
	}
	delete(r.subs, token)
	r.publishLocked()
	return true
}

// List returns all subscriptions ordered by topic.
func (r *Registry) List() []Subscription {
	r.mu.Lock()
	out := make([]Subscription, 0, len(r.subs))
	for _, rec := range r.subs {
		out = append(out, rec.Subscription)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic == out[j].Topic {
			return out[i].Token < out[j].Token
		}
		return out[i].Topic < out[j].Topic
	})
	return out
}

// Active counts subscriptions that are not terminated.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked()
}

// Requested records that the hub accepted another subscribe request for token.
func (r *Registry) Requested(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.subs[token]; ok {
		rec.RequestedAt = r.now()
	}
}

// DueForRenewal returns verified subscriptions whose lease ends within window
// of now, and pending ones still unverified PendingRetryAfter past their last
// request.
func (r *Registry) DueForRenewal(now time.Time, window time.Duration) []Subscription {
	var due []Subscription
	for _, s := range r.List() {
		if s.State == StatePending {
			if now.Sub(s.RequestedAt) >= PendingRetryAfter {
				due = append(due, s)
			}
			continue
		}
		exp := s.LeaseExpiry()
		if exp.IsZero() {
			continue
		}
		if exp.Sub(now) <= window {
			due = append(due, s)
		}
	}
	return due
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, rec := range r.subs {
		if rec.State != StateTerminated {
			n++
		}
	}
	return n
}

func (r *Registry) publishLocked() {
	telemetry.SetActiveSubscriptions(r.activeLocked())
}
