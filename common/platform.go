// Package common provides shared types and helpers used across the scraper.
package common

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// PlatformType defines the supported platform types for scraping
type PlatformType string

const (
	// PlatformInstagram represents the Instagram platform
	PlatformInstagram PlatformType = "instagram"

	// PlatformTikTok represents the TikTok platform
	PlatformTikTok PlatformType = "tiktok"
)

// SupportedPlatforms lists every platform the scraper can fetch from.
var SupportedPlatforms = []PlatformType{PlatformInstagram, PlatformTikTok}

// IsSupportedPlatform reports whether the given platform string is one the
// scraper knows how to fetch.
func IsSupportedPlatform(platform string) bool {
	for _, p := range SupportedPlatforms {
		if string(p) == platform {
			return true
		}
	}
	return false
}

// profileHosts maps platform hostnames to their platform type, used when a
// handle arrives as a full profile URL.
var profileHosts = map[string]PlatformType{
	"instagram.com":     PlatformInstagram,
	"www.instagram.com": PlatformInstagram,
	"tiktok.com":        PlatformTikTok,
	"www.tiktok.com":    PlatformTikTok,
}

// NormalizeHandle converts a raw handle into its canonical bare form for the
// given platform: leading "@" stripped, profile URLs resolved to the path
// handle, lowercased, surrounding whitespace removed. Returns an empty string
// when no usable handle can be extracted.
func NormalizeHandle(platform PlatformType, raw string) string {
	h := strings.TrimSpace(raw)
	if h == "" {
		return ""
	}

	// Resolve profile URLs to the bare handle.
	if strings.Contains(h, "://") || strings.HasPrefix(h, "www.") {
		if !strings.Contains(h, "://") {
			h = "https://" + h
		}
		u, err := url.Parse(h)
		if err != nil {
			return ""
		}
		if _, known := profileHosts[u.Host]; !known {
			return ""
		}
		h = strings.Trim(u.Path, "/")
		// Keep only the first path segment; trailing segments are
		// post permalinks or tabs.
		if i := strings.Index(h, "/"); i >= 0 {
			h = h[:i]
		}
	}

	h = strings.TrimPrefix(h, "@")
	h = strings.ToLower(strings.TrimSpace(h))

	if h == "" || strings.ContainsAny(h, " /?#") {
		return ""
	}
	return h
}

// LockKey builds the mutual-exclusion key for a (platform, handle) pair.
func LockKey(platform PlatformType, handle string) string {
	return fmt.Sprintf("%s:%s", platform, handle)
}

// GenerateRunID generates a unique identifier based on the current timestamp.
// The identifier is formatted as a string in the "YYYYMMDDHHMMSS" format.
func GenerateRunID() string {
	// Get the current timestamp
	currentTime := time.Now()

	// Format the timestamp to a string (e.g., "20060102150405" for YYYYMMDDHHMMSS)
	runID := currentTime.Format("20060102150405")

	return runID
}

// ExtractTags pulls hashtags and mentions out of a post caption. Tags are
// returned lowercased without their sigil, deduplicated in first-seen order.
func ExtractTags(caption string) (hashtags, mentions []string) {
	seenTag := make(map[string]bool)
	seenMention := make(map[string]bool)

	for _, word := range strings.Fields(caption) {
		word = strings.Trim(word, ".,!?:;()[]\"'")
		if len(word) < 2 {
			continue
		}
		body := strings.ToLower(word[1:])
		switch word[0] {
		case '#':
			if !seenTag[body] {
				seenTag[body] = true
				hashtags = append(hashtags, body)
			}
		case '@':
			if !seenMention[body] {
				seenMention[body] = true
				mentions = append(mentions, body)
			}
		}
	}
	return hashtags, mentions
}
