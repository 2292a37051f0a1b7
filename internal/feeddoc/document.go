// Package feeddoc parses Atom and RSS 2.0 documents into a single shape that
// carries the link relations and syndication-history flags the archive
// reconciliation strategies need, which a generic feed reader discards.
package feeddoc

import (
	"encoding/xml"
	"fmt"
	"io"
	"time"
)

// XML namespaces this package understands.
const (
	NSAtom    = "http://www.w3.org/2005/Atom"
	NSFH      = "http://purl.org/syndication/history/1.0"
	NSItunes  = "http://www.itunes.com/DTDs/PodCast-1.0.dtd"
	NSContent = "http://purl.org/rss/1.0/modules/content/"
)

// Link relations relevant to archive navigation.
const (
	RelSelf        = "self"
	RelCurrent     = "current"
	RelPrevArchive = "prev-archive"
)

// FeedType classifies a document using the syndication-history flags.
type FeedType int

const (
	// TypeUnspecified means the document carries neither <fh:complete/> nor <fh:archive/>.
	TypeUnspecified FeedType = iota
	// TypeComplete means the document is a single, self-contained snapshot of the whole feed.
	TypeComplete
	// TypeArchive means the document is a non-current archive page reached via a prev-archive chain.
	TypeArchive
)

// Link is an Atom link element, or its RSS equivalent when synthesized.
type Link struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
	Type string `xml:"type,attr,omitempty"`
}

// Entry is a single feed item, normalized from either Atom or RSS.
type Entry struct {
	ID        string `xml:"id"`
	Link      string `xml:"link"`
	Published string `xml:"published"`
	Updated   string `xml:"updated"`
	Season    int    `xml:"season"`
	Episode   int    `xml:"episode"`

	publishedAt time.Time
	updatedAt   time.Time
	hasPublished bool
	hasUpdated   bool
	hasSeason    bool
	hasEpisode   bool
}

// PublishedAt returns the parsed publication time and whether one was present.
func (e Entry) PublishedAt() (time.Time, bool) { return e.publishedAt, e.hasPublished }

// UpdatedAt returns the parsed update time and whether one was present.
func (e Entry) UpdatedAt() (time.Time, bool) { return e.updatedAt, e.hasUpdated }

// SeasonNumber returns the iTunes season number, if present.
func (e Entry) SeasonNumber() (int, bool) { return e.Season, e.hasSeason }

// EpisodeNumber returns the iTunes episode number, if present.
func (e Entry) EpisodeNumber() (int, bool) { return e.Episode, e.hasEpisode }

// Document is a parsed, classified feed snapshot.
type Document struct {
	// RequestedURL is the URL the document was fetched from.
	RequestedURL string
	// EffectiveURL is the final URL after redirects (Content-Location).
	EffectiveURL string

	links   []Link
	rawEntries []rawEntry
	complete bool
	archive  bool

	headerLinks []Link // parsed from the HTTP Link response header, if any

	generatorIdents []string // generator/generator-detail strings, lowercased
}

type rawEntry struct {
	ID        string
	Link      string
	Published string
	Updated   string
	Season    string
	Episode   string
}

// Self returns the canonical URL of this document: its rel="self" link if
// present, otherwise the effective URL the response was served from.
func (d *Document) Self() string {
	if l := d.GetLink(RelSelf); l != "" {
		return l
	}
	return d.EffectiveURL
}

// GetLink returns the href of the first link (body or header) with the given
// relation, or "" if none match.
func (d *Document) GetLink(rel string) string {
	for _, l := range d.links {
		if l.Rel == rel {
			return l.Href
		}
	}
	for _, l := range d.headerLinks {
		if l.Rel == rel {
			return l.Href
		}
	}
	return ""
}

// FeedType classifies the document per the syndication-history namespace.
func (d *Document) FeedType() FeedType {
	if d.complete {
		return TypeComplete
	}
	if d.archive {
		return TypeArchive
	}
	return TypeUnspecified
}

// IsWordPressGenerated reports whether the document advertises a WordPress
// origin via the api.w.org link relation or a generator identifier.
func (d *Document) IsWordPressGenerated() bool {
	for _, l := range d.headerLinks {
		if l.Rel == "https://api.w.org/" {
			return true
		}
	}
	for _, ident := range d.generatorIdents {
		if containsFold(ident, "wordpress.com") || containsFold(ident, "wordpress.org") {
			return true
		}
	}
	return false
}

func containsFold(haystack, needle string) bool {
	h, n := []rune(haystack), []rune(needle)
	if len(n) == 0 || len(n) > len(h) {
		return len(n) == 0
	}
	for i := 0; i+len(n) <= len(h); i++ {
		match := true
		for j := range n {
			if toLower(h[i+j]) != toLower(n[j]) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func toLower(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}

// Entries returns accepted entries: those carrying both a guid and a
// published timestamp, per the archive-page acceptance rule.
func (d *Document) Entries() []Entry {
	out := make([]Entry, 0, len(d.rawEntries))
	for _, re := range d.rawEntries {
		if re.ID == "" || re.Published == "" {
			continue
		}
		e := Entry{ID: re.ID, Link: re.Link, Published: re.Published, Updated: re.Updated}
		if t, ok := parseTime(re.Published); ok {
			e.publishedAt, e.hasPublished = t, true
		} else {
			continue
		}
		if t, ok := parseTime(re.Updated); ok {
			e.updatedAt, e.hasUpdated = t, true
		}
		if n, ok := parseInt(re.Season); ok {
			e.Season, e.hasSeason = n, true
		}
		if n, ok := parseInt(re.Episode); ok {
			e.Episode, e.hasEpisode = n, true
		}
		out = append(out, e)
	}
	return out
}

// LastUpdatedEntry returns the entry with the maximum Updated timestamp, used
// by the WordPress strategy as a stable page fingerprint. Returns the zero
// Entry and false if the document has no entries with an Updated timestamp.
func (d *Document) LastUpdatedEntry() (Entry, bool) {
	var best Entry
	found := false
	for _, e := range d.Entries() {
		updated, ok := e.UpdatedAt()
		if !ok {
			continue
		}
		if !found {
			best, found = e, true
			continue
		}
		bestUpdated, _ := best.UpdatedAt()
		if updated.After(bestUpdated) {
			best = e
		}
	}
	return best, found
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	formats := []string{
		time.RFC3339,
		time.RFC3339Nano,
		time.RFC1123,
		time.RFC1123Z,
		time.RFC822,
		time.RFC822Z,
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02T15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseInt(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

// Parse decodes an Atom or RSS 2.0 document from r. headerLinks should contain
// any relations advertised via the HTTP Link response header (RFC 5988);
// effectiveURL is the response's final URL, used as a fallback self-link and
// recorded as Content-Location would be.
func Parse(r io.Reader, requestedURL, effectiveURL string, headerLinks []Link) (*Document, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = false

	tok, err := peekRootElement(dec)
	if err != nil {
		return nil, fmt.Errorf("feeddoc: %w", err)
	}

	doc := &Document{
		RequestedURL: requestedURL,
		EffectiveURL: effectiveURL,
		headerLinks:  headerLinks,
	}

	switch tok.Name.Local {
	case "feed":
		if err := parseAtom(dec, tok, doc); err != nil {
			return nil, fmt.Errorf("feeddoc: parsing atom feed: %w", err)
		}
	case "rss":
		if err := parseRSS(dec, tok, doc); err != nil {
			return nil, fmt.Errorf("feeddoc: parsing rss feed: %w", err)
		}
	default:
		return nil, fmt.Errorf("feeddoc: unrecognized root element %q", tok.Name.Local)
	}

	return doc, nil
}

// peekRootElement reads tokens from dec until it finds the document's root
// start element and returns it. The start token is consumed: the decoder
// position is left just after it, so callers pass the returned element to
// DecodeElement to decode the rest of the root from that position.
func peekRootElement(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se, nil
		}
	}
}
