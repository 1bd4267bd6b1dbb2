// Package canonical maps raw page URLs onto the stable key that identifies a
// document lineage.
package canonical

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/helpcenter-docstore/internal/docstore"
)

// Canonicalize returns the lineage key for rawURL: scheme and host are
// lower-cased, query and fragment are dropped and trailing slashes are
// removed from the path, with the empty path rendered as "/". Path case and
// percent-encoding are kept as received.
//
// Canonicalize is idempotent. URLs that do not parse or are not absolute
// fail with docstore.ErrInvalidURL.
func Canonicalize(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", docstore.ErrInvalidURL)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", docstore.ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Host == "" || u.Opaque != "" {
		return "", fmt.Errorf("%w: %q is not absolute", docstore.ErrInvalidURL, rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""

	// Trim on the escaped form so an encoded slash (%2F) is never mistaken
	// for a path separator.
	escaped := trimPath(u.EscapedPath())
	path, err := url.PathUnescape(escaped)
	if err != nil {
		return "", fmt.Errorf("%w: %v", docstore.ErrInvalidURL, err)
	}
	u.Path, u.RawPath = path, escaped
	return u.String(), nil
}

func trimPath(p string) string {
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "/"
	}
	return p
}

// IsRoot reports whether a canonical URL points at the site root.
func IsRoot(canonicalURL string) bool {
	u, err := url.Parse(canonicalURL)
	if err != nil {
		return false
	}
	return u.Path == "" || u.Path == "/"
}

// Path returns the path component of a canonical URL, or "" if it does not
// parse.
func Path(canonicalURL string) string {
	u, err := url.Parse(canonicalURL)
	if err != nil {
		return ""
	}
	return u.Path
}

// Host returns the lower-cased hostname of rawURL without a leading "www.".
// It returns "" when rawURL has no host.
func Host(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// Origin returns scheme://host for rawURL, or "" when rawURL is not absolute.
func Origin(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}
