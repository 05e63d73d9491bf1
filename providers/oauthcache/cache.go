// Package oauthcache persists OAuth2 device-code tokens for providers
// that authenticate that way instead of a static API key (spec.md §6
// token cache contract). It deliberately does not implement the
// device-code acquisition flow itself (Non-goal) - only the on-disk
// cache a token source reads from and refreshes into.
package oauthcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const (
	accessTokenFile  = "access_token.json"
	refreshTokenFile = "refresh_token.json"
	tmpSuffix        = ".tmp"
	dirPerm          = 0o700
	filePerm         = 0o600
)

// Cache persists a provider's *oauth2.Token under Dir, one JSON file per
// token kind. All writes go through a temp-file-then-rename so a reader
// never observes a partially written file.
type Cache struct {
	Dir string

	mu sync.Mutex
}

// New returns a Cache rooted at dir, creating it (mode 0700) if absent.
func New(dir string) (*Cache, error) {
	if dir == "" {
		return nil, fmt.Errorf("oauthcache: dir must not be empty")
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("oauthcache: create cache dir: %w", err)
	}
	return &Cache{Dir: dir}, nil
}

// LoadAccessToken reads access_token.json, returning (nil, nil) if the
// file does not exist yet (a provider treats that as "acquire one").
func (c *Cache) LoadAccessToken() (*oauth2.Token, error) {
	return c.load(accessTokenFile)
}

// SaveAccessToken atomically writes tok to access_token.json.
func (c *Cache) SaveAccessToken(tok *oauth2.Token) error {
	return c.save(accessTokenFile, tok)
}

// LoadRefreshToken reads refresh_token.json, returning (nil, nil) if
// absent.
func (c *Cache) LoadRefreshToken() (*oauth2.Token, error) {
	return c.load(refreshTokenFile)
}

// SaveRefreshToken atomically writes tok to refresh_token.json.
func (c *Cache) SaveRefreshToken(tok *oauth2.Token) error {
	return c.save(refreshTokenFile, tok)
}

// Valid reports whether tok is present and not expired, allowing a small
// skew so a caller refreshes slightly ahead of the real expiry.
func Valid(tok *oauth2.Token, skew time.Duration) bool {
	if tok == nil || tok.AccessToken == "" {
		return false
	}
	if tok.Expiry.IsZero() {
		return true
	}
	return time.Now().Add(skew).Before(tok.Expiry)
}

func (c *Cache) load(name string) (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := filepath.Join(c.Dir, name)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oauthcache: read %s: %w", name, err)
	}

	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("oauthcache: decode %s: %w", name, err)
	}
	return &tok, nil
}

// save writes tok to a sibling temp file and renames it into place, so a
// concurrent reader (or a process crash mid-write) never sees a
// truncated or half-written token file.
func (c *Cache) save(name string, tok *oauth2.Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("oauthcache: encode %s: %w", name, err)
	}

	path := filepath.Join(c.Dir, name)
	tmpPath := path + tmpSuffix

	if err := os.WriteFile(tmpPath, data, filePerm); err != nil {
		return fmt.Errorf("oauthcache: write %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("oauthcache: rename %s into place: %w", name, err)
	}
	return nil
}
