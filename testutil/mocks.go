package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

// HubRequest is one subscription request received by MockHub.
type HubRequest struct {
	Mode     string
	Topic    string
	Callback string
}

// MockHub is a WebSub hub that also serves the topic feeds pointing at it.
// Feeds live under /feeds/<name>, the hub endpoint is /hub.
type MockHub struct {
	*httptest.Server

	mu       sync.Mutex
	status   int
	requests []HubRequest
	feeds    map[string][]byte
}

// NewMockHub starts a hub answering 202 to every request.
func NewMockHub(t *testing.T) *MockHub {
	t.Helper()
	m := &MockHub{status: http.StatusAccepted, feeds: make(map[string][]byte)}
	mux := http.NewServeMux()
	mux.HandleFunc("/hub", m.handleHub)
	mux.HandleFunc("/feeds/", m.handleFeed)
	m.Server = httptest.NewServer(mux)
	t.Cleanup(m.Close)
	return m
}

// HubURL is the hub endpoint advertised by served feeds.
func (m *MockHub) HubURL() string { return m.URL + "/hub" }

// Topic returns the URL of the named feed, serving a discovery document
// advertising this hub unless SetFeed overrides it.
func (m *MockHub) Topic(name string) string { return m.URL + "/feeds/" + name }

// SetFeed replaces the document served for the named feed. A nil body makes it 404.
func (m *MockHub) SetFeed(name string, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeds[name] = body
}

// SetStatus sets the status the hub answers subscription requests with.
func (m *MockHub) SetStatus(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = code
}

// Requests returns the subscription requests received so far.
func (m *MockHub) Requests() []HubRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]HubRequest(nil), m.requests...)
}

func (m *MockHub) handleHub(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	m.requests = append(m.requests, HubRequest{
		Mode:     r.PostForm.Get("hub.mode"),
		Topic:    r.PostForm.Get("hub.topic"),
		Callback: r.PostForm.Get("hub.callback"),
	})
	status := m.status
	m.mu.Unlock()
	w.WriteHeader(status)
	if status != http.StatusAccepted {
		_, _ = io.WriteString(w, "hub says no")
	}
}

func (m *MockHub) handleFeed(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/feeds/")
	m.mu.Lock()
	body, overridden := m.feeds[name]
	m.mu.Unlock()
	if !overridden {
		body = DiscoveryFeed(m.HubURL(), m.Topic(name))
	}
	if body == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/atom+xml")
	_, _ = w.Write(body)
}

// Verify plays the hub's verification GET against callback and returns the
// response status and body.
func Verify(t *testing.T, callback, mode, topic, challenge string, leaseSeconds int) (int, string) {
	t.Helper()
	q := url.Values{}
	q.Set("hub.mode", mode)
	q.Set("hub.topic", topic)
	q.Set("hub.challenge", challenge)
	if leaseSeconds > 0 {
		q.Set("hub.lease_seconds", fmt.Sprint(leaseSeconds))
	}
	resp, err := http.Get(callback + "?" + q.Encode())
	if err != nil {
		t.Fatalf("verify %s: %v", callback, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

// Publish plays a content distribution POST against callback.
func Publish(t *testing.T, callback string, payload []byte) int {
	t.Helper()
	resp, err := http.Post(callback, "application/atom+xml", strings.NewReader(string(payload)))
	if err != nil {
		t.Fatalf("publish %s: %v", callback, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

// MockVideo is the subset of a YouTube video resource MockYouTubeServer returns.
type MockVideo struct {
	ID             string
	Title          string
	ChannelID      string
	ChannelTitle   string
	ScheduledStart string
	ActualStart    string
	NotLive        bool
}

// MockYouTubeServer serves youtube/v3 videos.list from a fixed set of videos.
type MockYouTubeServer struct {
	*httptest.Server

	mu     sync.Mutex
	videos map[string]MockVideo
	calls  int
}

// NewMockYouTubeServer starts an API stub; point the client at URL + "/youtube/v3/".
func NewMockYouTubeServer(t *testing.T) *MockYouTubeServer {
	t.Helper()
	m := &MockYouTubeServer{videos: make(map[string]MockVideo)}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/videos") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		m.mu.Lock()
		m.calls++
		v, ok := m.videos[r.URL.Query().Get("id")]
		m.mu.Unlock()

		items := []map[string]interface{}{}
		if ok {
			item := map[string]interface{}{
				"id": v.ID,
				"snippet": map[string]string{
					"title":        v.Title,
					"channelId":    v.ChannelID,
					"channelTitle": v.ChannelTitle,
				},
			}
			if !v.NotLive {
				item["liveStreamingDetails"] = map[string]string{
					"scheduledStartTime": v.ScheduledStart,
					"actualStartTime":    v.ActualStart,
				}
			}
			items = append(items, item)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"kind": "youtube#videoListResponse", "items": items}) //nolint:errcheck // test mock response
	}))
	t.Cleanup(m.Close)
	return m
}

// AddVideo makes a video resolvable.
func (m *MockYouTubeServer) AddVideo(v MockVideo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videos[v.ID] = v
}

// Calls reports how many videos.list requests were served.
func (m *MockYouTubeServer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// DiscoveryFeed renders a minimal topic document advertising hub.
func DiscoveryFeed(hub, self string) []byte {
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <link rel="hub" href="%s"/>
  <link rel="self" href="%s"/>
  <title>test feed</title>
</feed>`, hub, self))
}

// VideoPush renders a content distribution payload for one YouTube video.
func VideoPush(videoID, channelID, title, author string, published time.Time) []byte {
	ts := published.UTC().Format(time.RFC3339)
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns="http://www.w3.org/2005/Atom">
  <link rel="hub" href="https://pubsubhubbub.appspot.com"/>
  <link rel="self" href="https://www.youtube.com/xml/feeds/videos.xml?channel_id=%[2]s"/>
  <title>YouTube video feed</title>
  <updated>%[5]s</updated>
  <entry>
    <id>yt:video:%[1]s</id>
    <yt:videoId>%[1]s</yt:videoId>
    <yt:channelId>%[2]s</yt:channelId>
    <title>%[3]s</title>
    <link rel="alternate" href="https://www.youtube.com/watch?v=%[1]s"/>
    <author>
      <name>%[4]s</name>
      <uri>https://www.youtube.com/channel/%[2]s</uri>
    </author>
    <published>%[5]s</published>
    <updated>%[5]s</updated>
  </entry>
</feed>`, videoID, channelID, title, author, ts))
}

// DeletedPush renders a tombstone payload for videoID.
func DeletedPush(videoID string, when time.Time) []byte {
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns:at="http://purl.org/atompub/tombstones/1.0" xmlns="http://www.w3.org/2005/Atom">
  <at:deleted-entry ref="yt:video:%s" when="%s"/>
</feed>`, videoID, when.UTC().Format(time.RFC3339)))
}
