package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// ircClient is the subset of *twitch.Client the notifier uses.
type ircClient interface {
	Join(channels ...string)
	Say(channel, text string)
	Connect() error
	Disconnect() error
	OnConnect(func())
}

// IRCNotifier says messages in Twitch chat channels.
type IRCNotifier struct {
	client ircClient

	mu        sync.Mutex
	joined    map[string]bool
	connected bool
	ready     chan struct{}

	reconnectDelay time.Duration
}

// NewIRCNotifier creates a notifier for the given bot account. Call Start to connect.
func NewIRCNotifier(username, oauthToken string) *IRCNotifier {
	if oauthToken != "" && !strings.HasPrefix(oauthToken, "oauth:") {
		oauthToken = "oauth:" + oauthToken
	}
	return newIRCNotifier(twitch.NewClient(username, oauthToken))
}

func newIRCNotifier(c ircClient) *IRCNotifier {
	n := &IRCNotifier{
		client:         c,
		joined:         make(map[string]bool),
		ready:          make(chan struct{}),
		reconnectDelay: 5 * time.Second,
	}
	c.OnConnect(n.onConnect)
	return n
}

func (n *IRCNotifier) onConnect() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.connected {
		n.connected = true
		close(n.ready)
	}
	slog.Info("twitch chat connected", slog.String("component", "chat"))
}

// Start connects in the background and reconnects until ctx is cancelled.
func (n *IRCNotifier) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = n.client.Disconnect()
	}()
	go func() {
		for {
			err := n.client.Connect()
			if ctx.Err() != nil || errors.Is(err, twitch.ErrClientDisconnected) {
				return
			}
			slog.Warn("twitch chat connection lost", slog.String("component", "chat"), slog.Any("err", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(n.reconnectDelay):
			}
		}
	}()
}

// SendToChannel joins channel if needed and says text there. It waits for the
// first successful connection, bounded by ctx.
func (n *IRCNotifier) SendToChannel(ctx context.Context, channel, text string) error {
	channel = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#"))
	if channel == "" {
		return fmt.Errorf("chat: empty channel")
	}
	select {
	case <-n.ready:
	case <-ctx.Done():
		return fmt.Errorf("chat: not connected: %w", ctx.Err())
	}

	n.mu.Lock()
	if !n.joined[channel] {
		n.client.Join(channel)
		n.joined[channel] = true
	}
	n.mu.Unlock()

	n.client.Say(channel, text)
	return nil
}
