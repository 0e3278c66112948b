// Package privacy scrubs file paths, URLs and addresses out of messages that
// leave the machine, and generates the anonymous system ID.
package privacy

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/netip"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var (
	urlPattern = regexp.MustCompile(`\b(?:https?|ftp)://\S+`)

	// absolute unix paths and windows drive paths
	pathPattern = regexp.MustCompile(`(?:[A-Za-z]:\\|/)[^\s"'<>|:*?]+`)

	standaloneIPv4    = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	bearerTokenRegexp = regexp.MustCompile(`(?i)\bbearer\s+\S+`)
)

// ScrubMessage removes URLs, file paths, IP addresses and bearer tokens from
// a message. Paths keep their extension so reports stay useful.
func ScrubMessage(message string) string {
	message = urlPattern.ReplaceAllStringFunc(message, AnonymizeURL)
	message = bearerTokenRegexp.ReplaceAllString(message, "Bearer [TOKEN]")
	message = pathPattern.ReplaceAllStringFunc(message, AnonymizePath)
	return standaloneIPv4.ReplaceAllString(message, "[IP]")
}

// AnonymizePath replaces a file path with a stable hash, preserving the
// extension and whether it sat under a home directory.
func AnonymizePath(p string) string {
	normalized := strings.ReplaceAll(p, `\`, "/")
	hash := sha256.Sum256([]byte(normalized))
	prefix := "path"
	lower := strings.ToLower(normalized)
	if strings.HasPrefix(lower, "/home/") || strings.HasPrefix(lower, "/users/") || strings.Contains(lower, ":/users/") {
		prefix = "home-path"
	}
	out := fmt.Sprintf("%s-%x", prefix, hash[:6])
	if ext := path.Ext(normalized); ext != "" && len(ext) <= 8 {
		out += ext
	}
	return out
}

// AnonymizeURL converts a URL to an anonymized form while preserving debugging value
// It keeps the scheme, host category and port and hashes the rest.
func AnonymizeURL(rawURL string) string {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		hash := sha256.Sum256([]byte(rawURL))
		return fmt.Sprintf("url-hash-%x", hash[:8])
	}

	var normalizedParts []string
	if parsedURL.Scheme != "" {
		normalizedParts = append(normalizedParts, parsedURL.Scheme)
	}
	if host := parsedURL.Hostname(); host != "" {
		normalizedParts = append(normalizedParts, categorizeHost(host))
	}
	if parsedURL.Port() != "" {
		normalizedParts = append(normalizedParts, "port-"+parsedURL.Port())
	}
	if parsedURL.Path != "" && parsedURL.Path != "/" {
		normalizedParts = append(normalizedParts, anonymizeURLPath(parsedURL.Path))
	}

	normalized := strings.Join(normalizedParts, ":")
	hash := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("url-%x", hash[:12])
}

// GenerateSystemID creates a unique system identifier
// Format: XXXX-XXXX-XXXX (14 chars total with hyphens)
func GenerateSystemID() (string, error) {
	bytes := make([]byte, 6)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	id := hex.EncodeToString(bytes)
	formatted := fmt.Sprintf("%s-%s-%s", id[0:4], id[4:8], id[8:12])
	return strings.ToUpper(formatted), nil
}

// IsValidSystemID checks if a system ID has the correct format
func IsValidSystemID(id string) bool {
	if len(id) != 14 {
		return false
	}
	if id[4] != '-' || id[9] != '-' {
		return false
	}
	for i, char := range id {
		if i == 4 || i == 9 {
			continue
		}
		if !isHexChar(char) {
			return false
		}
	}
	return true
}

// categorizeHost keeps only the kind of host and, for names, the TLD.
func categorizeHost(host string) string {
	if host == "localhost" {
		return "localhost"
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		switch {
		case addr.IsLoopback():
			return "localhost"
		case addr.IsPrivate(), addr.IsLinkLocalUnicast():
			return "private-ip"
		default:
			return "public-ip"
		}
	}
	if i := strings.LastIndexByte(host, '.'); i > 0 && i < len(host)-1 {
		return "domain-" + host[i+1:]
	}
	return "unknown-host"
}

func anonymizeURLPath(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return "root"
	}
	var segments []string
	for segment := range strings.SplitSeq(p, "/") {
		if segment == "" {
			continue
		}
		if isNumeric(segment) {
			segments = append(segments, "numeric")
			continue
		}
		hash := sha256.Sum256([]byte(segment))
		segments = append(segments, fmt.Sprintf("seg-%x", hash[:4]))
	}
	return strings.Join(segments, "/")
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func isHexChar(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'A' && r <= 'F') || (r >= 'a' && r <= 'f')
}
