package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ContentKind partitions cached content for a domain.
type ContentKind string

const (
	// ContentPages is the crawled site content (markdown + raw HTML per page).
	ContentPages ContentKind = "pages"
	// ContentPlaces is the Places lookup payload for the property.
	ContentPlaces ContentKind = "places"
)

// CacheEntry is a stored payload for a (domain, content kind) key.
type CacheEntry struct {
	Domain    string      `json:"domain"`
	Kind      ContentKind `json:"kind"`
	Payload   []byte      `json:"-"`
	CreatedAt time.Time   `json:"created_at"`
}

// Age returns how old the entry is relative to now.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// CachePolicy is resolved once per run and threaded unchanged through every step.
type CachePolicy struct {
	UseCache     bool `json:"use_cache"`
	ForceRefresh bool `json:"force_refresh"`
}

// UseCache is the caller's tri-state cache preference.
type UseCache int

const (
	UseCacheUnset UseCache = iota
	UseCacheTrue
	UseCacheFalse
)

// String returns the flag spelling of u.
func (u UseCache) String() string {
	switch u {
	case UseCacheTrue:
		return "true"
	case UseCacheFalse:
		return "false"
	default:
		return "auto"
	}
}

// ParseUseCache parses "", "auto", "true" or "false".
func ParseUseCache(s string) (UseCache, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto", "unset":
		return UseCacheUnset, nil
	case "true", "yes", "1":
		return UseCacheTrue, nil
	case "false", "no", "0":
		return UseCacheFalse, nil
	default:
		return UseCacheUnset, eris.Errorf("invalid use_cache value %q (valid: auto, true, false)", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (u UseCache) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *UseCache) UnmarshalText(b []byte) error {
	v, err := ParseUseCache(string(b))
	if err != nil {
		return err
	}
	*u = v
	return nil
}

// CachePrompt is what a caller needs to decide on reuse after a run paused.
type CachePrompt struct {
	Domain     string      `json:"domain"`
	Kind       ContentKind `json:"content_kind"`
	AgeSeconds int64       `json:"age_seconds"`
}
