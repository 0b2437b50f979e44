package websub

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/stream-herald/telemetry"
)

// Router serves hub callbacks: verification challenges (GET) and content
// distribution (POST), both addressed by the token in the last path segment.
type Router struct {
	registry *Registry
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewRouter returns a router resolving tokens against registry.
func NewRouter(registry *Registry) *Router {
	return &Router{registry: registry, now: time.Now}
}

// Register mounts the callback routes on r, which is expected to be a subrouter
// already scoped to the callback base path.
func (rt *Router) Register(r *mux.Router) {
	r.HandleFunc("/{token}", rt.HandleVerify).Methods(http.MethodGet)
	r.HandleFunc("/{token}", rt.HandleDeliver).Methods(http.MethodPost)
}

// Handler returns a standalone handler serving base + "/{token}".
func (rt *Router) Handler(base string) http.Handler {
	r := mux.NewRouter()
	rt.Register(r.PathPrefix(base).Subrouter())
	return r
}

// Wait blocks until every dispatched delivery handler has returned.
func (rt *Router) Wait() { rt.wg.Wait() }

// HandleVerify answers a hub verification request with the challenge. The reply
// never depends on whether the token is known; only the registry side effects do.
func (rt *Router) HandleVerify(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	challenge := q.Get("hub.challenge")
	lg := telemetry.LoggerWithCorr(r.Context()).With(
		slog.String("component", "websub"),
		slog.String("mode", mode),
		slog.String("topic", q.Get("hub.topic")),
	)

	result := "ok"
	switch mode {
	case ModeSubscribe:
		lease, _ := strconv.Atoi(q.Get("hub.lease_seconds"))
		if rt.registry.Verify(token, lease) {
			lg.Info("subscription verified", slog.Int("lease_seconds", lease))
		} else {
			result = "unknown"
			lg.Warn("verification for unknown token")
		}
	case ModeUnsubscribe:
		if sub, ok := rt.registry.Get(token); ok && sub.State == StateTerminated {
			rt.registry.Remove(token)
			lg.Info("unsubscription verified")
		} else {
			result = "unknown"
			lg.Warn("unsubscribe verification for token not being unsubscribed")
		}
	case ModeDenied:
		result = "denied"
		rt.registry.Terminate(token)
		lg.Warn("subscription denied by hub", slog.String("reason", q.Get("hub.reason")))
	default:
		result = "unknown"
		lg.Warn("verification with unexpected mode")
	}
	telemetry.CountCallback("verify", result)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

// HandleDeliver takes the armed handler for the token and runs it on its own
// goroutine with the raw payload. The hub always gets 200.
func (rt *Router) HandleDeliver(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	lg := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "websub"))

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxFeedBytes))
	if err != nil {
		lg.Warn("read delivery body", slog.Any("err", err))
	}

	h, sub, ok := rt.registry.Take(token)
	if !ok {
		telemetry.CountCallback("deliver", "unmatched")
		lg.Warn("delivery for token with no armed handler", slog.Int("bytes", len(payload)))
		w.WriteHeader(http.StatusOK)
		return
	}
	telemetry.CountCallback("deliver", "dispatched")

	d := Delivery{Token: token, Topic: sub.Topic, Payload: payload, ReceivedAt: rt.now()}
	ctx := context.WithoutCancel(r.Context())
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		if err := invoke(ctx, h, d); err != nil {
			telemetry.CountCallback("handler", "error")
			telemetry.LoggerWithCorr(ctx).Error("delivery handler failed",
				slog.String("component", "websub"), slog.Any("err", err))
		}
	}()
	w.WriteHeader(http.StatusOK)
}

func invoke(ctx context.Context, h Handler, d Delivery) (err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "websub.deliver",
		attribute.String("topic", d.Topic), attribute.Int("bytes", len(d.Payload)))
	defer span.End()
	defer func() {
		if p := recover(); p != nil {
			err = &HandlerInvocationError{Token: d.Token, Topic: d.Topic, Err: fmt.Errorf("panic: %v", p)}
		}
		telemetry.RecordError(span, err)
	}()
	if herr := h(ctx, d); herr != nil {
		return &HandlerInvocationError{Token: d.Token, Topic: d.Topic, Err: herr}
	}
	return nil
}
