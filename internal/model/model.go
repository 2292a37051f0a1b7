// Package model defines the persistent domain types: Feed, Page, Post and
// Proxy, mirroring the feed/page/post/proxy tables of the storage schema.
package model

import "time"

// Proxy is a named upstream HTTP proxy a Feed may reference. The fetcher
// does not route requests through it.
type Proxy struct {
	ID       int64
	URL      string
	Priority int
}

// Feed is a subscribed syndication feed: the root of a Page/Post ownership tree.
type Feed struct {
	ID         int64
	URL        string
	ProxyID    *int64
	Properties string // opaque JSON blob describing feed-level metadata
	NextCheck  time.Time
}

// Page is one archive page (idx 0 = the live subscription page) of a Feed.
type Page struct {
	ID     int64
	FeedID int64
	Idx    int
	URL    string
}

// PostMetadata is the mutable part of a Post: everything the diff engine
// compares to decide whether a post changed between crawls.
type PostMetadata struct {
	Published time.Time
	Updated   time.Time
	HasUpdated bool
	Link      string // the entry's own link, used to fingerprint page stability
	Season    *int
	Episode   *int
}

// Equal reports whether two PostMetadata values are identical, per the diff
// engine's definition of "unchanged".
func (m PostMetadata) Equal(other PostMetadata) bool {
	if !m.Published.Equal(other.Published) {
		return false
	}
	if m.HasUpdated != other.HasUpdated {
		return false
	}
	if m.HasUpdated && !m.Updated.Equal(other.Updated) {
		return false
	}
	if m.Link != other.Link {
		return false
	}
	if !intPtrEqual(m.Season, other.Season) {
		return false
	}
	if !intPtrEqual(m.Episode, other.Episode) {
		return false
	}
	return true
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Post is a single feed entry, deduplicated by (FeedID, GUID) and attached to
// the newest Page on which it was observed.
type Post struct {
	ID     int64
	FeedID int64
	PageID int64
	GUID   string
	PostMetadata
}
