package websub

import (
	"errors"
	"fmt"
)

// ErrNotSubscribed is returned when an operation needs an active subscription
// that the registry does not hold.
var ErrNotSubscribed = errors.New("websub: not subscribed")

var errNoHubLink = errors.New("feed has no hub link")

// DiscoveryError reports a failure to find the hub of a topic: the fetch failed,
// the document did not parse, or it advertised no hub.
type DiscoveryError struct {
	Topic string
	Err   error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover hub for %s: %v", e.Topic, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// SubscriptionRejected is returned when the hub answers anything but 202 Accepted.
type SubscriptionRejected struct {
	Mode       string
	Topic      string
	Hub        string
	StatusCode int
	Body       string
}

func (e *SubscriptionRejected) Error() string {
	return fmt.Sprintf("hub %s rejected %s of %s: status %d: %s", e.Hub, e.Mode, e.Topic, e.StatusCode, e.Body)
}

// HandlerInvocationError wraps a failure (returned error or recovered panic) of a
// content delivery handler. It is only ever logged.
type HandlerInvocationError struct {
	Token string
	Topic string
	Err   error
}

func (e *HandlerInvocationError) Error() string {
	return fmt.Sprintf("delivery handler for %s (token %s): %v", e.Topic, e.Token, e.Err)
}

func (e *HandlerInvocationError) Unwrap() error { return e.Err }
