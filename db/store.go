package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/onnwee/stream-herald/crypto"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Feed is a tracked WebSub topic.
type Feed struct {
	ID        int64     `db:"id" json:"id"`
	TopicURL  string    `db:"topic_url" json:"topic_url"`
	Name      string    `db:"name" json:"name"`
	Group     string    `db:"grp" json:"group"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Livestream is the last known schedule of a video, keyed by its watch URL.
type Livestream struct {
	URL            string       `db:"url" json:"url"`
	VideoID        string       `db:"video_id" json:"video_id"`
	Title          string       `db:"title" json:"title"`
	Author         string       `db:"author" json:"author"`
	ScheduledStart time.Time    `db:"scheduled_start" json:"scheduled_start"`
	Updated        sql.NullTime `db:"updated" json:"-"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
}

// Store is the sqlx-backed metadata store.
type Store struct {
	db     *sqlx.DB
	cipher *crypto.Cipher
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithCipher seals OAuth tokens before they are written.
func WithCipher(c *crypto.Cipher) StoreOption {
	return func(s *Store) { s.cipher = c }
}

// NewStore wraps a pgx connection pool.
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{db: sqlx.NewDb(db, "pgx")}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DB exposes the underlying pool.
func (s *Store) DB() *sql.DB { return s.db.DB }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ListFeeds returns every tracked feed, oldest first.
func (s *Store) ListFeeds(ctx context.Context) ([]Feed, error) {
	var feeds []Feed
	err := s.db.SelectContext(ctx, &feeds, `SELECT id, topic_url, name, grp, created_at FROM feeds ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	return feeds, nil
}

// AddFeed inserts a feed, or refreshes name and group of an existing topic.
func (s *Store) AddFeed(ctx context.Context, topicURL, name, group string) (Feed, error) {
	var f Feed
	err := s.db.GetContext(ctx, &f, `INSERT INTO feeds (topic_url, name, grp) VALUES ($1, $2, $3)
		ON CONFLICT (topic_url) DO UPDATE SET name = EXCLUDED.name, grp = EXCLUDED.grp
		RETURNING id, topic_url, name, grp, created_at`, strings.TrimSpace(topicURL), name, group)
	if err != nil {
		return Feed{}, fmt.Errorf("add feed %s: %w", topicURL, err)
	}
	return f, nil
}

// RemoveFeed deletes the feed for topicURL.
func (s *Store) RemoveFeed(ctx context.Context, topicURL string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM feeds WHERE topic_url = $1`, topicURL)
	if err != nil {
		return fmt.Errorf("remove feed %s: %w", topicURL, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

const livestreamColumns = `url, video_id, title, author, scheduled_start, updated, created_at`

// GetLivestream returns the stored schedule for url or ErrNotFound.
func (s *Store) GetLivestream(ctx context.Context, url string) (Livestream, error) {
	var ls Livestream
	err := s.db.GetContext(ctx, &ls, `SELECT `+livestreamColumns+` FROM livestreams WHERE url = $1`, url)
	if errors.Is(err, sql.ErrNoRows) {
		return Livestream{}, ErrNotFound
	}
	if err != nil {
		return Livestream{}, fmt.Errorf("get livestream %s: %w", url, err)
	}
	return ls, nil
}

// ListUpcomingLivestreams returns livestreams scheduled after now, soonest first.
func (s *Store) ListUpcomingLivestreams(ctx context.Context, now time.Time) ([]Livestream, error) {
	var out []Livestream
	err := s.db.SelectContext(ctx, &out, `SELECT `+livestreamColumns+` FROM livestreams
		WHERE scheduled_start > $1 ORDER BY scheduled_start`, now)
	if err != nil {
		return nil, fmt.Errorf("list upcoming livestreams: %w", err)
	}
	return out, nil
}

// InsertLivestream records a newly seen livestream.
func (s *Store) InsertLivestream(ctx context.Context, ls Livestream) error {
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO livestreams (url, video_id, title, author, scheduled_start, updated)
		VALUES (:url, :video_id, :title, :author, :scheduled_start, :updated)`, ls)
	if err != nil {
		return fmt.Errorf("insert livestream %s: %w", ls.URL, err)
	}
	return nil
}

// UpsertLivestream stores ls, overwriting a previous schedule for the same url.
func (s *Store) UpsertLivestream(ctx context.Context, ls Livestream) error {
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO livestreams (url, video_id, title, author, scheduled_start, updated)
		VALUES (:url, :video_id, :title, :author, :scheduled_start, :updated)
		ON CONFLICT (url) DO UPDATE SET video_id = EXCLUDED.video_id, title = EXCLUDED.title,
			author = EXCLUDED.author, scheduled_start = EXCLUDED.scheduled_start, updated = EXCLUDED.updated`, ls)
	if err != nil {
		return fmt.Errorf("upsert livestream %s: %w", ls.URL, err)
	}
	return nil
}

// UpsertOAuthToken stores or updates the OAuth token for provider, sealing
// both tokens when the store has a cipher.
func (s *Store) UpsertOAuthToken(ctx context.Context, provider, access, refresh string, expiry time.Time, scope string) error {
	access, err := s.cipher.Seal(access)
	if err != nil {
		return fmt.Errorf("seal access token %s: %w", provider, err)
	}
	if refresh, err = s.cipher.Seal(refresh); err != nil {
		return fmt.Errorf("seal refresh token %s: %w", provider, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, scope, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (provider) DO UPDATE SET access_token = EXCLUDED.access_token, refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at, scope = EXCLUDED.scope, updated_at = NOW()`,
		provider, access, refresh, expiry, strings.TrimSpace(scope))
	if err != nil {
		return fmt.Errorf("upsert oauth token %s: %w", provider, err)
	}
	return nil
}

// GetOAuthToken returns the stored token for provider or ErrNotFound.
func (s *Store) GetOAuthToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, scope string, err error) {
	var row struct {
		Access  sql.NullString `db:"access_token"`
		Refresh sql.NullString `db:"refresh_token"`
		Expiry  sql.NullTime   `db:"expires_at"`
		Scope   sql.NullString `db:"scope"`
	}
	err = s.db.GetContext(ctx, &row, `SELECT access_token, refresh_token, expires_at, scope FROM oauth_tokens WHERE provider = $1`, provider)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", time.Time{}, "", ErrNotFound
	}
	if err != nil {
		return "", "", time.Time{}, "", fmt.Errorf("get oauth token %s: %w", provider, err)
	}
	if access, err = s.cipher.Open(row.Access.String); err != nil {
		return "", "", time.Time{}, "", fmt.Errorf("open access token %s: %w", provider, err)
	}
	if refresh, err = s.cipher.Open(row.Refresh.String); err != nil {
		return "", "", time.Time{}, "", fmt.Errorf("open refresh token %s: %w", provider, err)
	}
	return access, refresh, row.Expiry.Time, row.Scope.String, nil
}

// ResealOAuthTokens rewrites tokens still stored as plaintext through the
// store's cipher and returns the affected providers. With dryRun nothing is
// written.
func (s *Store) ResealOAuthTokens(ctx context.Context, dryRun bool) ([]string, error) {
	if s.cipher == nil {
		return nil, crypto.ErrNoKey
	}
	var rows []struct {
		Provider string         `db:"provider"`
		Access   sql.NullString `db:"access_token"`
		Refresh  sql.NullString `db:"refresh_token"`
		Expiry   sql.NullTime   `db:"expires_at"`
		Scope    sql.NullString `db:"scope"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT provider, access_token, refresh_token, expires_at, scope FROM oauth_tokens ORDER BY provider`); err != nil {
		return nil, fmt.Errorf("list oauth tokens: %w", err)
	}
	var done []string
	for _, r := range rows {
		plainAccess := r.Access.String != "" && !crypto.Sealed(r.Access.String)
		plainRefresh := r.Refresh.String != "" && !crypto.Sealed(r.Refresh.String)
		if !plainAccess && !plainRefresh {
			continue
		}
		if !dryRun {
			// Seal skips values that are already sealed.
			if err := s.UpsertOAuthToken(ctx, r.Provider, r.Access.String, r.Refresh.String, r.Expiry.Time, r.Scope.String); err != nil {
				return done, err
			}
		}
		done = append(done, r.Provider)
	}
	return done, nil
}
