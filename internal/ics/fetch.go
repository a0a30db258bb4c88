package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	appLog "epdweather/internal/log"
	"epdweather/internal/source"
)

// Feed is one ICS subscription.
type Feed struct {
	ID  string
	URL string
}

// FetchResult is the body of one feed, fresh or from the disk cache.
type FetchResult struct {
	Feed      Feed
	Body      []byte
	FromCache bool
}

type cacheMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads feeds with conditional requests (ETag / Last-Modified)
// and keeps the last good body on disk, so a feed that is briefly down
// still renders.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher returns a fetcher caching under cacheDir (per-URL subdirs).
func NewFetcher(client *http.Client, cacheDir string) *Fetcher {
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "epdweather-ics")
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Fetcher{client: client, cacheDir: cacheDir}
}

// FetchAll fetches every feed. Failed feeds are logged and reported in the
// error slice; results only hold feeds that produced a body.
func (f *Fetcher) FetchAll(ctx context.Context, feeds []Feed) ([]FetchResult, []error) {
	results := make([]FetchResult, 0, len(feeds))
	var errs []error

	for _, feed := range feeds {
		res, err := f.FetchOne(ctx, feed)
		if err != nil {
			appLog.Error("ics fetch failed", err, "id", feed.ID, "url", redactURL(feed.URL))
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errs
}

// FetchOne fetches a single feed, falling back to the cached body on
// transport errors, non-2xx answers and 304.
func (f *Fetcher) FetchOne(ctx context.Context, feed Feed) (FetchResult, error) {
	const op = "ics.fetch"
	if feed.URL == "" {
		return FetchResult{}, source.Errorf(source.NetworkError, op, "feed %q has no url", feed.ID)
	}

	dir := f.cacheDirFor(feed.URL)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return FetchResult{}, source.Wrap(source.NetworkError, op, err)
	}
	meta, _ := loadMeta(dir)
	cached, _ := os.ReadFile(filepath.Join(dir, "body.ics"))

	fallback := func(reason error) (FetchResult, error) {
		if len(cached) == 0 {
			return FetchResult{}, source.Wrap(source.NetworkError, op, reason)
		}
		appLog.Warn("ics fetch failed, using cached body", "id", feed.ID, "err", reason.Error())
		return FetchResult{Feed: feed, Body: cached, FromCache: true}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return FetchResult{}, source.Wrap(source.NetworkError, op, err)
	}
	if meta.ETag != "" {
		req.Header.Set("If-None-Match", meta.ETag)
	}
	if meta.LastModified != "" {
		req.Header.Set("If-Modified-Since", meta.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fallback(fmt.Errorf("get %s: %w", redactURL(feed.URL), unwrapURLError(err)))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if len(cached) == 0 {
			return FetchResult{}, source.Errorf(source.NetworkError, op, "304 without a cached body")
		}
		appLog.Debug("ics not modified", "id", feed.ID)
		return FetchResult{Feed: feed, Body: cached, FromCache: true}, nil

	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return fallback(err)
		}
		newMeta := cacheMeta{
			URL:          feed.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := saveCache(dir, newMeta, body); err != nil {
			appLog.Error("ics cache save failed", err, "id", feed.ID)
		}
		return FetchResult{Feed: feed, Body: body}, nil

	default:
		return fallback(&source.StatusError{StatusCode: resp.StatusCode})
	}
}

func (f *Fetcher) cacheDirFor(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadMeta(dir string) (cacheMeta, error) {
	var meta cacheMeta
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}

func saveCache(dir string, meta cacheMeta, body []byte) error {
	// Body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(dir, "body.ics"), body, 0o600); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "meta.json"), data, 0o600)
}

// redactURL keeps scheme and host only; private ICS links carry their
// secret in the path.
func redactURL(u string) string {
	scheme, rest, ok := strings.Cut(u, "://")
	if !ok {
		return "ics://...(redacted)"
	}
	host, _, _ := strings.Cut(rest, "/")
	return scheme + "://" + host + "/...(redacted)"
}

// unwrapURLError drops the *url.Error wrapper, whose message repeats the
// full feed URL.
func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}
