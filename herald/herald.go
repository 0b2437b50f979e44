// Package herald turns WebSub pushes about upcoming livestreams into chat
// announcements, lead-time reminders and go-live notices.
//
// A Herald owns its state on a single goroutine (Run). Delivery handlers,
// admin calls and fired scheduler jobs reach it by sending commands on a
// channel, so scheduled actions never hold a reference to the scheduler.
package herald

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/stream-herald/chat"
	"github.com/onnwee/stream-herald/db"
	"github.com/onnwee/stream-herald/scheduler"
	"github.com/onnwee/stream-herald/telemetry"
	"github.com/onnwee/stream-herald/websub"
	"github.com/onnwee/stream-herald/youtubeapi"
)

const (
	tracerName     = "stream-herald/herald"
	commandTimeout = 30 * time.Second
	notifyTimeout  = 15 * time.Second
)

// DefaultLead is the reminder lead used when none is configured.
const DefaultLead = 15 * time.Minute

// ErrStopped is returned by calls made after Run has returned.
var ErrStopped = errors.New("herald: not running")

// Store is the persistence the herald needs.
type Store interface {
	ListFeeds(ctx context.Context) ([]db.Feed, error)
	GetLivestream(ctx context.Context, url string) (db.Livestream, error)
	InsertLivestream(ctx context.Context, ls db.Livestream) error
	UpsertLivestream(ctx context.Context, ls db.Livestream) error
	ListUpcomingLivestreams(ctx context.Context, now time.Time) ([]db.Livestream, error)
}

// VideoLookup resolves canonical metadata for a video id.
type VideoLookup interface {
	FetchVideo(ctx context.Context, id string) (youtubeapi.VideoMetadata, error)
}

// Scheduler arms uniquely keyed one-shot jobs.
type Scheduler interface {
	Schedule(key string, at time.Time, action scheduler.Action) error
	Cancel(key string) bool
}

// Subscriber manages WebSub subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, h websub.Handler) (string, error)
	Rearm(token string, h websub.Handler) error
	Unsubscribe(ctx context.Context, topic string) error
}

// Config selects channels and reminder lead times.
type Config struct {
	ScheduledChannel string
	ReminderChannel  string
	LiveChannel      string
	// LeadTimes are reminder offsets before the scheduled start. Empty means 15 minutes.
	LeadTimes []time.Duration
	// Location renders times in announcements. Nil means UTC.
	Location *time.Location
}

// Deps are the collaborators of a Herald.
type Deps struct {
	Store      Store
	Videos     VideoLookup
	Scheduler  Scheduler
	Subscriber Subscriber
	Chat       chat.Notifier
}

// Option configures a Herald.
type Option func(*Herald)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Herald) { h.now = now }
}

// Herald coordinates subscriptions, the schedule and chat.
type Herald struct {
	cfg    Config
	store  Store
	videos VideoLookup
	sched  Scheduler
	subs   Subscriber
	chat   chat.Notifier
	now    func() time.Time

	cmds chan any
	done chan struct{}

	// owned by Run
	topics map[string]string    // topic -> token
	armed  map[string]time.Time // scheduler key -> instant
}

type result struct {
	token string
	n     int
	err   error
}

type deliverCmd struct {
	delivery websub.Delivery
	reply    chan result
}

type fireCmd struct {
	key  string
	at   time.Time
	ls   db.Livestream
	lead time.Duration // zero for the go-live job
}

type trackCmd struct {
	topic string
	reply chan result
}

type untrackCmd struct {
	topic string
	reply chan result
}

type restoreCmd struct {
	streams []db.Livestream
	reply   chan result
}

// New returns a Herald. Call Run before any other method.
func New(cfg Config, deps Deps, opts ...Option) *Herald {
	if cfg.ReminderChannel == "" {
		cfg.ReminderChannel = cfg.ScheduledChannel
	}
	if len(cfg.LeadTimes) == 0 {
		cfg.LeadTimes = []time.Duration{DefaultLead}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if deps.Chat == nil {
		deps.Chat = chat.LogNotifier{}
	}
	h := &Herald{
		cfg:    cfg,
		store:  deps.Store,
		videos: deps.Videos,
		sched:  deps.Scheduler,
		subs:   deps.Subscriber,
		chat:   deps.Chat,
		now:    time.Now,
		cmds:   make(chan any, 64),
		done:   make(chan struct{}),
		topics: make(map[string]string),
		armed:  make(map[string]time.Time),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Run processes commands until ctx is cancelled.
func (h *Herald) Run(ctx context.Context) error {
	defer close(h.done)
	slog.Info("herald started", slog.String("component", "herald"))
	for {
		select {
		case <-ctx.Done():
			slog.Info("herald stopped", slog.String("component", "herald"))
			return ctx.Err()
		case c := <-h.cmds:
			h.dispatch(ctx, c)
		}
	}
}

func (h *Herald) dispatch(ctx context.Context, c any) {
	switch c := c.(type) {
	case deliverCmd:
		c.reply <- result{err: h.deliver(ctx, c.delivery)}
	case fireCmd:
		h.fire(ctx, c)
	case trackCmd:
		token, err := h.track(ctx, c.topic)
		c.reply <- result{token: token, err: err}
	case untrackCmd:
		c.reply <- result{err: h.untrack(ctx, c.topic)}
	case restoreCmd:
		c.reply <- result{n: h.restore(c.streams)}
	default:
		slog.Error("unknown herald command", slog.String("component", "herald"), slog.String("type", fmt.Sprintf("%T", c)))
	}
}

func (h *Herald) submit(ctx context.Context, c any) error {
	select {
	case h.cmds <- c:
		return nil
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Herald) call(ctx context.Context, c any, reply chan result) (result, error) {
	if err := h.submit(ctx, c); err != nil {
		return result{}, err
	}
	select {
	case r := <-reply:
		return r, r.err
	case <-h.done:
		return result{}, ErrStopped
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

// Handle is the websub.Handler armed for every tracked topic. It re-arms the
// token before queueing the delivery, so pushes arriving while the loop is
// busy still find a handler. Terminated or unknown tokens are not re-armed.
func (h *Herald) Handle(ctx context.Context, d websub.Delivery) error {
	if d.Token != "" {
		if err := h.subs.Rearm(d.Token, h.Handle); err != nil {
			telemetry.LoggerWithCorr(ctx).Debug("delivery not re-armed", slog.String("component", "herald"),
				slog.String("topic", d.Topic), slog.Any("err", err))
		}
	}
	reply := make(chan result, 1)
	_, err := h.call(ctx, deliverCmd{delivery: d, reply: reply}, reply)
	return err
}

// Track subscribes to topic unless it is already tracked and returns the
// subscription token.
func (h *Herald) Track(ctx context.Context, topic string) (string, error) {
	reply := make(chan result, 1)
	r, err := h.call(ctx, trackCmd{topic: topic, reply: reply}, reply)
	return r.token, err
}

// Untrack unsubscribes from topic.
func (h *Herald) Untrack(ctx context.Context, topic string) error {
	reply := make(chan result, 1)
	_, err := h.call(ctx, untrackCmd{topic: topic, reply: reply}, reply)
	return err
}

// Restore arms jobs for every stored livestream that has not started yet and
// returns how many were armed. Nothing is announced.
func (h *Herald) Restore(ctx context.Context) (int, error) {
	streams, err := h.store.ListUpcomingLivestreams(ctx, h.now())
	if err != nil {
		return 0, err
	}
	reply := make(chan result, 1)
	r, err := h.call(ctx, restoreCmd{streams: streams, reply: reply}, reply)
	return r.n, err
}

// SubscribeAll tracks every stored feed. Feeds that fail are logged and skipped.
func (h *Herald) SubscribeAll(ctx context.Context) (int, error) {
	feeds, err := h.store.ListFeeds(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range feeds {
		if _, err := h.Track(ctx, f.TopicURL); err != nil {
			if errors.Is(err, ErrStopped) || ctx.Err() != nil {
				return n, err
			}
			slog.Warn("subscribe failed", slog.String("component", "herald"),
				slog.String("topic", f.TopicURL), slog.String("name", f.Name), slog.Any("err", err))
			continue
		}
		slog.Info("subscribed", slog.String("component", "herald"),
			slog.String("topic", f.TopicURL), slog.String("name", f.Name))
		n++
	}
	return n, nil
}

func (h *Herald) track(ctx context.Context, topic string) (string, error) {
	if token, ok := h.topics[topic]; ok {
		return token, nil
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	token, err := h.subs.Subscribe(ctx, topic, h.Handle)
	if err != nil {
		return "", err
	}
	h.topics[topic] = token
	return token, nil
}

func (h *Herald) untrack(ctx context.Context, topic string) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	err := h.subs.Unsubscribe(ctx, topic)
	if err == nil || errors.Is(err, websub.ErrNotSubscribed) {
		delete(h.topics, topic)
	}
	return err
}

func (h *Herald) restore(streams []db.Livestream) int {
	n := 0
	for _, ls := range streams {
		if ls.VideoID == "" {
			continue
		}
		if err := h.arm(ls); err != nil {
			slog.Warn("restore livestream", slog.String("component", "herald"),
				slog.String("url", ls.URL), slog.Any("err", err))
			continue
		}
		n++
	}
	slog.Info("restored livestream notifications", slog.String("component", "herald"), slog.Int("count", n))
	return n
}

func (h *Herald) deliver(ctx context.Context, d websub.Delivery) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	ctx, span := telemetry.StartSpan(ctx, tracerName, "herald.delivery", attribute.String("topic", d.Topic))
	defer span.End()
	lg := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "herald"), slog.String("topic", d.Topic))

	feed, err := websub.ParseFeed(d.Payload)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	for _, del := range feed.Deleted {
		id := del.Video()
		if id == "" {
			continue
		}
		h.cancelVideo(id)
		lg.Info("video deleted, notifications cancelled", slog.String("video_id", id))
	}
	var errs []error
	for _, e := range feed.Entries {
		if err := h.entry(ctx, lg, e); err != nil {
			errs = append(errs, err)
		}
	}
	err = errors.Join(errs...)
	telemetry.RecordError(span, err)
	return err
}

func (h *Herald) entry(ctx context.Context, lg *slog.Logger, e websub.Entry) error {
	id := e.Video()
	if id == "" {
		return fmt.Errorf("entry %q has no video id", e.ID)
	}
	lg = lg.With(slog.String("video_id", id))

	meta, err := h.videos.FetchVideo(ctx, id)
	if errors.Is(err, youtubeapi.ErrNotLivestream) {
		lg.Debug("not a livestream")
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch video %s: %w", id, err)
	}
	if !meta.ScheduledStart.After(h.now()) {
		lg.Info("stream already started", slog.Time("scheduled_start", meta.ScheduledStart))
		return nil
	}

	ls := db.Livestream{
		URL:            firstNonEmpty(e.URL(), meta.URL()),
		VideoID:        id,
		Title:          firstNonEmpty(meta.Title, e.Title),
		Author:         firstNonEmpty(e.Author.Name, meta.ChannelTitle),
		ScheduledStart: meta.ScheduledStart,
	}
	if !e.Updated.IsZero() {
		ls.Updated = sql.NullTime{Time: e.Updated.Time, Valid: true}
	}

	prev, err := h.store.GetLivestream(ctx, ls.URL)
	switch {
	case errors.Is(err, db.ErrNotFound):
		err = h.store.InsertLivestream(ctx, ls)
	case err != nil:
		return err
	case prev.ScheduledStart.Equal(ls.ScheduledStart):
		if _, ok := h.armed[id]; !ok {
			return h.arm(ls)
		}
		lg.Debug("schedule unchanged")
		return nil
	default:
		err = h.store.UpsertLivestream(ctx, ls)
	}
	if err != nil {
		return err
	}

	lg.Info("livestream scheduled", slog.Time("scheduled_start", ls.ScheduledStart))
	h.notify(ctx, h.cfg.ScheduledChannel, ScheduledMessage(ls, h.cfg.Location))
	return h.arm(ls)
}

// arm schedules the go-live job and one reminder per lead time. Reminders whose
// instant has already passed are dropped.
func (h *Herald) arm(ls db.Livestream) error {
	if err := h.schedule(fireCmd{key: ls.VideoID, at: ls.ScheduledStart, ls: ls}); err != nil {
		return err
	}
	now := h.now()
	var errs []error
	for _, lead := range h.cfg.LeadTimes {
		key := ReminderKey(ls.VideoID, lead)
		at := ls.ScheduledStart.Add(-lead)
		if !at.After(now) {
			h.unschedule(key)
			continue
		}
		if err := h.schedule(fireCmd{key: key, at: at, ls: ls, lead: lead}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Herald) schedule(c fireCmd) error {
	err := h.sched.Schedule(c.key, c.at, func(ctx context.Context) {
		if err := h.submit(ctx, c); err != nil {
			slog.Warn("fired job dropped", slog.String("component", "herald"),
				slog.String("key", c.key), slog.Any("err", err))
		}
	})
	if err != nil {
		return err
	}
	h.armed[c.key] = c.at
	return nil
}

func (h *Herald) unschedule(key string) {
	h.sched.Cancel(key)
	delete(h.armed, key)
}

func (h *Herald) cancelVideo(id string) {
	h.unschedule(id)
	for _, lead := range h.cfg.LeadTimes {
		h.unschedule(ReminderKey(id, lead))
	}
}

func (h *Herald) fire(ctx context.Context, c fireCmd) {
	// A job replaced after it fired but before this command ran is stale.
	if at, ok := h.armed[c.key]; !ok || !at.Equal(c.at) {
		slog.Debug("stale job ignored", slog.String("component", "herald"), slog.String("key", c.key))
		return
	}
	delete(h.armed, c.key)
	if c.lead > 0 {
		h.notify(ctx, h.cfg.ReminderChannel, ReminderMessage(c.ls, c.lead))
		return
	}
	h.notify(ctx, h.cfg.LiveChannel, LiveMessage(c.ls))
}

func (h *Herald) notify(ctx context.Context, channel, text string) {
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	err := h.chat.SendToChannel(ctx, channel, text)
	telemetry.CountNotification(channel, err)
	if err != nil {
		slog.Warn("chat notification failed", slog.String("component", "herald"),
			slog.String("channel", channel), slog.Any("err", err))
	}
}

// ReminderKey names the scheduler job of a video's reminder lead before its
// start. The DefaultLead reminder is "<id>-reminder"; other leads carry their
// length in seconds.
func ReminderKey(videoID string, lead time.Duration) string {
	if lead == DefaultLead {
		return videoID + "-reminder"
	}
	return videoID + "-reminder-" + strconv.FormatInt(int64(lead/time.Second), 10) + "s"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
