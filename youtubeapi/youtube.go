// Package youtubeapi resolves video schedule metadata through the YouTube Data
// API. Requests authenticate with an API key or, when only an OAuth client is
// configured, with a token persisted through the provided TokenStore so it can
// be refreshed and reused across restarts.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/stream-herald/config"
	"github.com/onnwee/stream-herald/telemetry"
)

// Provider is the oauth_tokens key for YouTube credentials.
const Provider = "youtube"

var (
	// ErrVideoNotFound is returned when the API knows no video with the id.
	ErrVideoNotFound = errors.New("youtube: video not found")
	// ErrNotLivestream is returned for videos without live streaming details.
	ErrNotLivestream = errors.New("youtube: video is not a livestream")
	// ErrNoCredentials is returned when neither an API key nor a stored OAuth token is available.
	ErrNoCredentials = errors.New("youtube: no api key or stored oauth token")
)

type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider, accessToken, refreshToken string, expiry time.Time, scope string) error
	GetOAuthToken(ctx context.Context, provider string) (accessToken, refreshToken string, expiry time.Time, scope string, err error)
}

// VideoMetadata is the canonical view of a video used for scheduling.
type VideoMetadata struct {
	ID             string
	Title          string
	Description    string
	ChannelID      string
	ChannelTitle   string
	ScheduledStart time.Time
	ActualStart    time.Time
}

// URL is the public watch URL.
func (v VideoMetadata) URL() string {
	return "https://www.youtube.com/watch?v=" + v.ID
}

type Service struct {
	cfg      *config.Config
	db       TokenStore
	oauth    *oauth2.Config
	apiKey   string
	endpoint string
}

// Option customizes a Service.
type Option func(*Service)

// WithEndpoint points the API client at another base URL (tests).
func WithEndpoint(url string) Option {
	return func(s *Service) { s.endpoint = url }
}

func New(cfg *config.Config, ts TokenStore, opts ...Option) *Service {
	scopes := []string{"https://www.googleapis.com/auth/youtube.readonly"}
	if cfg.YTScopes != "" {
		// allow comma or space separated
		fields := strings.Fields(strings.ReplaceAll(cfg.YTScopes, ",", " "))
		if len(fields) > 0 {
			scopes = fields
		}
	}
	s := &Service{
		cfg:    cfg,
		db:     ts,
		apiKey: cfg.YouTubeAPIKey,
		oauth: &oauth2.Config{
			ClientID:     cfg.YTClientID,
			ClientSecret: cfg.YTClientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  cfg.YTRedirectURI,
			Scopes:       scopes,
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AuthCodeURL starts the OAuth consent flow.
func (s *Service) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a token and persists it.
func (s *Service) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.db.UpsertOAuthToken(ctx, Provider, tok.AccessToken, tok.RefreshToken, tok.Expiry, strings.Join(s.oauth.Scopes, " ")); err != nil {
		return nil, fmt.Errorf("persist youtube token: %w", err)
	}
	return tok, nil
}

// Refresh exchanges a refresh token for a new access token. Its signature
// matches oauth.RefreshFunc.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
	ts := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return "", "", time.Time{}, "", err
	}
	return tok.AccessToken, tok.RefreshToken, tok.Expiry, strings.Join(s.oauth.Scopes, " "), nil
}

func (s *Service) tokenIfNeeded(ctx context.Context) (*oauth2.Token, error) {
	access, refresh, expiry, _, err := s.db.GetOAuthToken(ctx, Provider)
	if err != nil || access == "" {
		return nil, ErrNoCredentials
	}
	tok := &oauth2.Token{AccessToken: access, RefreshToken: refresh, Expiry: expiry}
	if time.Until(tok.Expiry) > 2*time.Minute {
		return tok, nil
	}
	newTok, err := s.oauth.TokenSource(ctx, tok).Token()
	if err != nil {
		return tok, err
	}
	_ = s.db.UpsertOAuthToken(ctx, Provider, newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, strings.Join(s.oauth.Scopes, " "))
	return newTok, nil
}

// Client builds an API client with the configured credentials.
func (s *Service) Client(ctx context.Context) (*yt.Service, error) {
	var opts []option.ClientOption
	if s.endpoint != "" {
		opts = append(opts, option.WithEndpoint(s.endpoint))
	}
	if s.apiKey != "" {
		opts = append(opts, option.WithAPIKey(s.apiKey))
		return yt.NewService(ctx, opts...)
	}
	if s.db == nil {
		return nil, ErrNoCredentials
	}
	tok, err := s.tokenIfNeeded(ctx)
	if err != nil {
		return nil, err
	}
	opts = append(opts, option.WithHTTPClient(s.oauth.Client(ctx, tok)))
	return yt.NewService(ctx, opts...)
}

// FetchVideo resolves the schedule of video id.
func (s *Service) FetchVideo(ctx context.Context, id string) (VideoMetadata, error) {
	ctx, span := telemetry.StartSpan(ctx, "stream-herald/youtubeapi", "youtube.videos.list", attribute.String("video_id", id))
	defer span.End()

	svc, err := s.Client(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return VideoMetadata{}, err
	}
	res, err := svc.Videos.List([]string{"snippet", "liveStreamingDetails"}).Id(id).Context(ctx).Do()
	if err != nil {
		telemetry.RecordError(span, err)
		return VideoMetadata{}, fmt.Errorf("youtube videos.list %s: %w", id, err)
	}
	if len(res.Items) == 0 {
		return VideoMetadata{}, fmt.Errorf("%w: %s", ErrVideoNotFound, id)
	}
	meta, err := metadataFromVideo(res.Items[0])
	telemetry.RecordError(span, err)
	return meta, err
}

func metadataFromVideo(v *yt.Video) (VideoMetadata, error) {
	meta := VideoMetadata{ID: v.Id}
	if v.Snippet != nil {
		meta.Title = v.Snippet.Title
		meta.Description = v.Snippet.Description
		meta.ChannelID = v.Snippet.ChannelId
		meta.ChannelTitle = v.Snippet.ChannelTitle
	}
	d := v.LiveStreamingDetails
	if d == nil || d.ScheduledStartTime == "" {
		return meta, fmt.Errorf("%w: %s", ErrNotLivestream, v.Id)
	}
	start, err := time.Parse(time.RFC3339, d.ScheduledStartTime)
	if err != nil {
		return meta, fmt.Errorf("youtube: scheduledStartTime %q of %s: %w", d.ScheduledStartTime, v.Id, err)
	}
	meta.ScheduledStart = start.UTC()
	if d.ActualStartTime != "" {
		if actual, err := time.Parse(time.RFC3339, d.ActualStartTime); err == nil {
			meta.ActualStart = actual.UTC()
		}
	}
	return meta, nil
}
