package utils

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/crypto/blake2b"

	"iptv-hub/work/config"
)

// LogURL returns either the original URL or an obfuscated version for logging
func LogURL(cfg *config.Config, u string) string {
	if cfg != nil && cfg.ObfuscateUrls {
		return ObfuscateURL(u)
	}
	return u
}

// LogURLWithFlag is LogURL for callers that only carry the flag.
func LogURLWithFlag(obfuscate bool, u string) string {
	if obfuscate {
		return ObfuscateURL(u)
	}
	return u
}

// Fingerprint returns a short stable hash of a URL so obfuscated log lines
// about the same stream can still be correlated.
func Fingerprint(u string) string {
	sum := blake2b.Sum256([]byte(u))
	return hex.EncodeToString(sum[:4])
}

// ObfuscateURL keeps scheme and host, masks path, query and fragment, and
// appends the URL fingerprint.
//
// Example:
//
//	Input:  "http://example.com/live/user/pass/1.ts"
//	Output: "http://example.com/***#a1b2c3d4"
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil || u.Host == "" {
		return "***OBFUSCATED***#" + Fingerprint(urlStr)
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	return result + "#" + Fingerprint(urlStr)
}

// FormatBytes renders a byte count with a binary unit suffix.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// FormatDuration renders an uptime as "1d 2h 3m" style text.
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
