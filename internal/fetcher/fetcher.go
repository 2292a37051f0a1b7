// Package fetcher issues the archive-aware HTTP GETs that feed the feeddoc
// parser, retrying failed fetches with backoff. Requests are unconditional:
// no If-None-Match or If-Modified-Since header is sent.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"

	"archivist/internal/core"
	"archivist/internal/feeddoc"
)

// ErrNotFound is returned when the server responds 404. Callers that tolerate
// a missing page (WordPress forward-walk termination, refresh short-circuit)
// check for this with errors.Is.
var ErrNotFound = fmt.Errorf("fetcher: page not found")

// Options control a single fetch.
type Options struct {
	// Referer, if non-empty, is sent as the Referer header (used when
	// following a prev-archive link, per the archive-crawling convention).
	Referer string
	// MaxStale requests Cache-Control: max-stale, appropriate for archive
	// pages that RFC 5005 declares immutable under their URL.
	MaxStale bool
}

// Fetcher performs HTTP GETs and parses the response into a feeddoc.Document.
type Fetcher struct {
	client    *http.Client
	userAgent string
	logger    *core.Logger
	maxRetries int
	initialDelay time.Duration
}

// New creates a Fetcher using the given configuration and logger.
func New(cfg core.FetchConfig, logger *core.Logger) *Fetcher {
	return &Fetcher{
		client:       &http.Client{Timeout: cfg.Timeout},
		userAgent:    cfg.UserAgent,
		logger:       logger.ForFeature("fetcher"),
		maxRetries:   cfg.MaxRetries,
		initialDelay: cfg.RetryInitialDelay,
	}
}

// Fetch retrieves and parses url, retrying every failure other than a 404
// (network errors, any non-200 status, unreadable or unparsable bodies) with
// exponential backoff, up to the configured MaxRetries. A 404 response is
// reported as ErrNotFound without being retried.
func (f *Fetcher) Fetch(ctx context.Context, url string, opts Options) (*feeddoc.Document, error) {
	var doc *feeddoc.Document

	operation := func() error {
		d, err := f.fetchOnce(ctx, url, opts)
		if err != nil {
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		doc = d
		return nil
	}

	policy := backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(f.initialDelay)),
		uint64(f.maxRetries),
	)

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}

	return doc, nil
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string, opts Options) (*feeddoc.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, core.NewFetchError("building request", err)
	}

	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/atom+xml, application/rss+xml, application/xml, text/xml")
	if opts.Referer != "" {
		req.Header.Set("Referer", opts.Referer)
	}
	if opts.MaxStale {
		req.Header.Set("Cache-Control", "max-stale")
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		f.logger.Info("page not found", "url", url)
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: unexpected status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body of %s: %w", url, err)
	}

	effectiveURL := resp.Request.URL.String()
	if loc := resp.Header.Get("Content-Location"); loc != "" {
		effectiveURL = loc
	}

	doc, err := feeddoc.Parse(strings.NewReader(string(body)), url, effectiveURL, parseLinkHeader(resp.Header.Values("Link")))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", url, err)
	}

	f.logger.Info("fetched page", "url", url, "bytes", humanize.Bytes(uint64(len(body))), "duration", time.Since(start))

	return doc, nil
}

// parseLinkHeader parses RFC 5988 Link headers into feeddoc.Link values,
// understood well enough to recognize WordPress's rel="https://api.w.org/"
// discovery link.
func parseLinkHeader(values []string) []feeddoc.Link {
	var links []feeddoc.Link
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			link, ok := parseLinkHeaderPart(part)
			if ok {
				links = append(links, link)
			}
		}
	}
	return links
}

func parseLinkHeaderPart(part string) (feeddoc.Link, bool) {
	segments := strings.Split(part, ";")
	if len(segments) == 0 {
		return feeddoc.Link{}, false
	}
	href := strings.TrimSpace(segments[0])
	href = strings.TrimPrefix(href, "<")
	href = strings.TrimSuffix(href, ">")
	if href == "" {
		return feeddoc.Link{}, false
	}

	var rel string
	for _, seg := range segments[1:] {
		seg = strings.TrimSpace(seg)
		if v, ok := strings.CutPrefix(seg, "rel="); ok {
			rel = strings.Trim(v, `"`)
		}
	}
	if rel == "" {
		return feeddoc.Link{}, false
	}
	return feeddoc.Link{Rel: rel, Href: href}, true
}
