package buildcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Cache is the concrete Build Cache collaborator: it downloads (or
// reuses) the APK referenced by a build URL into a local directory,
// keyed by an xxhash of the URL so two jobs pointing at the same build
// share one download. A build is fetched once and kept under a stable
// per-URL path, and re-fetched on demand when force is set, e.g. after
// a corrupt zip is detected downstream.
type Cache struct {
	store  *Store
	client *http.Client
}

// NewCache wraps a Store with an HTTP downloader.
func NewCache(store *Store, client *http.Client) *Cache {
	if client == nil {
		client = http.DefaultClient
	}
	return &Cache{store: store, client: client}
}

// Get returns the local file path holding the artifact at buildURL,
// downloading it first if it is not already cached or force is true.
func (c *Cache) Get(ctx context.Context, buildURL string, force bool) (string, error) {
	key := HashString(buildURL)

	if !force {
		if _, ok := c.store.GetBytes(key); ok {
			return c.store.keyPath(key), nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, buildURL, nil)
	if err != nil {
		return "", fmt.Errorf("building request for %s: %w", buildURL, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", buildURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching %s: status %d", buildURL, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", buildURL, err)
	}

	if err := c.store.PutBytes(key, data); err != nil {
		return "", fmt.Errorf("caching %s: %w", buildURL, err)
	}

	return c.store.keyPath(key), nil
}
