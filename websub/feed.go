package websub

import (
	"encoding/xml"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Link is an Atom <link rel href/>.
type Link struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

// Author is an Atom <author>.
type Author struct {
	Name string `xml:"name"`
	URI  string `xml:"uri"`
}

// Timestamp decodes RFC 3339 element text. A malformed value decodes to the
// zero time instead of failing the whole document.
type Timestamp struct {
	time.Time
}

// UnmarshalXML implements xml.Unmarshaler.
func (t *Timestamp) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var s string
	if err := d.DecodeElement(&s, &start); err != nil {
		return err
	}
	t.set(s)
	return nil
}

// UnmarshalXMLAttr implements xml.UnmarshalerAttr.
func (t *Timestamp) UnmarshalXMLAttr(attr xml.Attr) error {
	t.set(attr.Value)
	return nil
}

func (t *Timestamp) set(s string) {
	s = strings.TrimSpace(s)
	t.Time = time.Time{}
	if s == "" {
		return
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		slog.Warn("unparsable feed timestamp", slog.String("value", s), slog.Any("err", err))
		return
	}
	t.Time = parsed.UTC()
}

// Entry is one item of a YouTube channel feed. videoId and channelId live in the
// yt: namespace; encoding/xml matches them by local name.
type Entry struct {
	ID        string    `xml:"id"`
	VideoID   string    `xml:"videoId"`
	ChannelID string    `xml:"channelId"`
	Title     string    `xml:"title"`
	Links     []Link    `xml:"link"`
	Author    Author    `xml:"author"`
	Published Timestamp `xml:"published"`
	Updated   Timestamp `xml:"updated"`
}

// URL returns the alternate link of the entry, falling back to the first link.
func (e Entry) URL() string {
	for _, l := range e.Links {
		if l.Rel == "alternate" {
			return l.Href
		}
	}
	if len(e.Links) > 0 {
		return e.Links[0].Href
	}
	return ""
}

// Video returns the video id, derived from the entry id ("yt:video:<id>") when
// the yt:videoId element is missing.
func (e Entry) Video() string {
	if e.VideoID != "" {
		return e.VideoID
	}
	return strings.TrimPrefix(e.ID, "yt:video:")
}

// DeletedEntry is the tombstone (at:deleted-entry) a hub pushes when a video is removed.
type DeletedEntry struct {
	Ref  string    `xml:"ref,attr"`
	When Timestamp `xml:"when,attr"`
}

// Video returns the video id referenced by the tombstone.
func (d DeletedEntry) Video() string {
	return strings.TrimPrefix(d.Ref, "yt:video:")
}

// Feed is the Atom envelope used both for topic discovery and content distribution.
type Feed struct {
	XMLName xml.Name       `xml:"feed"`
	Title   string         `xml:"title"`
	Links   []Link         `xml:"link"`
	Updated Timestamp      `xml:"updated"`
	Entries []Entry        `xml:"entry"`
	Deleted []DeletedEntry `xml:"deleted-entry"`
}

// Link returns the href of the first link with the given relation.
func (f *Feed) Link(rel string) (string, bool) {
	for _, l := range f.Links {
		if l.Rel == rel && l.Href != "" {
			return l.Href, true
		}
	}
	return "", false
}

// HubURL returns the hub advertised by the feed.
func (f *Feed) HubURL() (string, bool) { return f.Link("hub") }

// ParseFeed decodes an Atom document.
func ParseFeed(data []byte) (*Feed, error) {
	var f Feed
	if err := xml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse atom feed: %w", err)
	}
	return &f, nil
}
