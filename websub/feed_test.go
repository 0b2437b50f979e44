package websub

import (
	"testing"
	"time"

	"github.com/onnwee/stream-herald/testutil"
)

func TestParseFeedVideoPush(t *testing.T) {
	published := time.Date(2024, 3, 1, 18, 30, 0, 0, time.UTC)
	f, err := ParseFeed(testutil.VideoPush("abc123", "UCchan", "Karaoke", "Some Talent", published))
	if err != nil {
		t.Fatalf("ParseFeed: %v", err)
	}
	if len(f.Entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(f.Entries))
	}
	e := f.Entries[0]
	if e.Video() != "abc123" {
		t.Errorf("Video() = %q", e.Video())
	}
	if e.ChannelID != "UCchan" {
		t.Errorf("ChannelID = %q", e.ChannelID)
	}
	if e.Title != "Karaoke" || e.Author.Name != "Some Talent" {
		t.Errorf("title/author = %q/%q", e.Title, e.Author.Name)
	}
	if e.URL() != "https://www.youtube.com/watch?v=abc123" {
		t.Errorf("URL() = %q", e.URL())
	}
	if !e.Published.Equal(published) || !e.Updated.Equal(published) {
		t.Errorf("published/updated = %v/%v, want %v", e.Published.Time, e.Updated.Time, published)
	}
	if hub, ok := f.HubURL(); !ok || hub != "https://pubsubhubbub.appspot.com" {
		t.Errorf("HubURL() = %q, %v", hub, ok)
	}
}

func TestParseFeedDiscovery(t *testing.T) {
	f, err := ParseFeed(testutil.DiscoveryFeed("https://hub.example/", "https://feeds.example/x"))
	if err != nil {
		t.Fatalf("ParseFeed: %v", err)
	}
	if hub, ok := f.HubURL(); !ok || hub != "https://hub.example/" {
		t.Errorf("HubURL() = %q, %v", hub, ok)
	}
	if self, ok := f.Link("self"); !ok || self != "https://feeds.example/x" {
		t.Errorf("Link(self) = %q, %v", self, ok)
	}
	if _, ok := f.Link("next"); ok {
		t.Error("Link(next) should be absent")
	}
}

func TestParseFeedDeletedEntry(t *testing.T) {
	when := time.Date(2024, 3, 2, 1, 0, 0, 0, time.UTC)
	f, err := ParseFeed(testutil.DeletedPush("gone1", when))
	if err != nil {
		t.Fatalf("ParseFeed: %v", err)
	}
	if len(f.Entries) != 0 {
		t.Errorf("entries = %d, want 0", len(f.Entries))
	}
	if len(f.Deleted) != 1 {
		t.Fatalf("deleted = %d, want 1", len(f.Deleted))
	}
	if f.Deleted[0].Video() != "gone1" {
		t.Errorf("Video() = %q", f.Deleted[0].Video())
	}
	if !f.Deleted[0].When.Equal(when) {
		t.Errorf("When = %v, want %v", f.Deleted[0].When.Time, when)
	}
}

func TestParseFeedLenientTimestamp(t *testing.T) {
	doc := `<feed xmlns="http://www.w3.org/2005/Atom"><entry><id>yt:video:v9</id><published>yesterday</published></entry></feed>`
	f, err := ParseFeed([]byte(doc))
	if err != nil {
		t.Fatalf("ParseFeed: %v", err)
	}
	if !f.Entries[0].Published.IsZero() {
		t.Errorf("published = %v, want zero", f.Entries[0].Published.Time)
	}
	if f.Entries[0].Video() != "v9" {
		t.Errorf("Video() = %q, want v9 from id", f.Entries[0].Video())
	}
}

func TestParseFeedMalformed(t *testing.T) {
	if _, err := ParseFeed([]byte("<feed><entry>")); err == nil {
		t.Fatal("expected error for truncated document")
	}
}
