package chat

import (
	"context"
	"errors"
	"log/slog"
)

// ErrUnknownChannel is returned by notifiers that serve a fixed set of channels.
var ErrUnknownChannel = errors.New("chat: unknown channel")

// Notifier sends text to a named channel.
type Notifier interface {
	SendToChannel(ctx context.Context, channel, text string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, channel, text string) error

func (f NotifierFunc) SendToChannel(ctx context.Context, channel, text string) error {
	return f(ctx, channel, text)
}

// LogNotifier logs messages instead of sending them.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) SendToChannel(ctx context.Context, channel, text string) error {
	lg := n.Logger
	if lg == nil {
		lg = slog.Default()
	}
	lg.InfoContext(ctx, "chat message", slog.String("component", "chat"), slog.String("channel", channel), slog.String("text", text))
	return nil
}

// MultiNotifier sends to every member. Members answering ErrUnknownChannel are
// skipped; the message fails only if a member fails for another reason or no
// member knows the channel.
type MultiNotifier []Notifier

func (m MultiNotifier) SendToChannel(ctx context.Context, channel, text string) error {
	var errs []error
	delivered := false
	for _, n := range m {
		err := n.SendToChannel(ctx, channel, text)
		switch {
		case err == nil:
			delivered = true
		case errors.Is(err, ErrUnknownChannel):
		default:
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if !delivered {
		return ErrUnknownChannel
	}
	return nil
}
