// Package websub implements the subscriber side of WebSub (PubSubHubbub): hub
// discovery, subscription requests, the callback endpoint and the token
// registry correlating hub callbacks with the subscriptions that caused them.
package websub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/stream-herald/telemetry"
)

const (
	ModeSubscribe   = "subscribe"
	ModeUnsubscribe = "unsubscribe"
	ModeDenied      = "denied"

	tracerName = "stream-herald/websub"

	maxFeedBytes  = 4 << 20
	maxErrorBytes = 4 << 10
)

// Client talks to hubs on behalf of the registry.
type Client struct {
	registry    *Registry
	callbackURL string
	http        *http.Client
}

// NewClient returns a hub client. callbackBaseURL is the public URL the router
// is mounted on; each subscription's callback is callbackBaseURL + "/" + token.
// A nil httpClient falls back to a client with a 10s timeout.
func NewClient(registry *Registry, callbackBaseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		registry:    registry,
		callbackURL: strings.TrimRight(callbackBaseURL, "/"),
		http:        httpClient,
	}
}

// Registry returns the registry the client records subscriptions in.
func (c *Client) Registry() *Registry { return c.registry }

// CallbackURL returns the callback a hub will use for token.
func (c *Client) CallbackURL(token string) string {
	return c.callbackURL + "/" + token
}

// DiscoverHub fetches the topic feed and returns the hub it advertises.
func (c *Client) DiscoverHub(ctx context.Context, topic string) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "websub.discover", attribute.String("topic", topic))
	defer span.End()

	hub, err := c.discover(ctx, topic)
	if err != nil {
		derr := &DiscoveryError{Topic: topic, Err: err}
		telemetry.RecordError(span, derr)
		return "", derr
	}
	span.SetAttributes(attribute.String("hub", hub))
	return hub, nil
}

func (c *Client) discover(ctx context.Context, topic string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, topic, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/atom+xml, application/xml;q=0.9, */*;q=0.1")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return "", fmt.Errorf("read feed: %w", err)
	}
	feed, err := ParseFeed(body)
	if err != nil {
		return "", err
	}
	hub, ok := feed.HubURL()
	if !ok {
		return "", errNoHubLink
	}
	return hub, nil
}

// Request sends one subscription request to hub. It succeeds only on 202 Accepted;
// the hub then verifies asynchronously through the callback.
func (c *Client) Request(ctx context.Context, hub, topic, token, mode string) error {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "websub."+mode,
		attribute.String("topic", topic), attribute.String("hub", hub))
	defer span.End()

	start := time.Now()
	err := c.request(ctx, hub, topic, token, mode)
	result := "accepted"
	var rej *SubscriptionRejected
	switch {
	case errors.As(err, &rej):
		result = "rejected"
	case err != nil:
		result = "error"
	}
	telemetry.ObserveHubRequest(mode, result, time.Since(start))
	telemetry.RecordError(span, err)
	return err
}

func (c *Client) request(ctx context.Context, hub, topic, token, mode string) error {
	form := url.Values{}
	form.Set("hub.callback", c.CallbackURL(token))
	form.Set("hub.topic", topic)
	form.Set("hub.mode", mode)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hub, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build %s request: %w", mode, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", mode, topic, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		return &SubscriptionRejected{
			Mode:       mode,
			Topic:      topic,
			Hub:        hub,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Subscribe discovers the hub of topic, records a pending subscription armed
// with h and asks the hub to subscribe. The pending record is written before the
// request so a verification racing the 202 finds it; it is dropped again when
// the request fails.
func (c *Client) Subscribe(ctx context.Context, topic string, h Handler) (string, error) {
	hub, err := c.DiscoverHub(ctx, topic)
	if err != nil {
		return "", err
	}
	token := c.registry.NewToken()
	if err := c.registry.Add(token, topic, hub, h); err != nil {
		return "", err
	}
	if err := c.Request(ctx, hub, topic, token, ModeSubscribe); err != nil {
		c.registry.Remove(token)
		return "", err
	}
	slog.Info("subscription requested", slog.String("component", "websub"),
		slog.String("topic", topic), slog.String("hub", hub))
	return token, nil
}

// Renew repeats the subscribe request for an existing subscription, keeping its token.
func (c *Client) Renew(ctx context.Context, token string) error {
	sub, ok := c.registry.Get(token)
	if !ok || sub.State == StateTerminated {
		return ErrNotSubscribed
	}
	if err := c.Request(ctx, sub.Hub, sub.Topic, token, ModeSubscribe); err != nil {
		return err
	}
	c.registry.Requested(token)
	return nil
}

// Rearm installs a new handler for the next delivery on token.
func (c *Client) Rearm(token string, h Handler) error {
	return c.registry.Arm(token, h)
}

// Unsubscribe asks the hub recorded for topic to drop the subscription. The
// local record is terminated once the hub accepts; its verification removes it.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	sub, ok := c.registry.FindByTopic(topic)
	if !ok {
		return ErrNotSubscribed
	}
	if err := c.Request(ctx, sub.Hub, topic, sub.Token, ModeUnsubscribe); err != nil {
		return err
	}
	c.registry.Terminate(sub.Token)
	slog.Info("unsubscribe requested", slog.String("component", "websub"), slog.String("topic", topic))
	return nil
}
