package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Namespace names the partition of the embedding index that holds one URL's chunks.
type Namespace string

const namespacePrefix = "ns-"

// NamespaceFor derives the namespace of rawURL. URLs that normalize to the
// same string share a namespace.
func NamespaceFor(rawURL string) Namespace {
	normalized, err := normalizeURL(rawURL)
	if err != nil {
		normalized = strings.TrimSpace(rawURL)
	}
	return namespaceOf(normalized)
}

func namespaceOf(normalized string) Namespace {
	sum := sha256.Sum256([]byte(normalized))
	return Namespace(namespacePrefix + hex.EncodeToString(sum[:])[:40])
}

// normalizeURL validates rawURL and returns its canonical form: scheme and host
// lowercased, default port and fragment dropped, path and query untouched.
func normalizeURL(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", errors.New("empty url")
	}

	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return "", errors.New("url must start with http:// or https://")
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Hostname() == "" {
		return "", errors.New("url has no host")
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && u.Port() == "80",
		u.Scheme == "https" && u.Port() == "443":
		host := u.Hostname()
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
		u.Host = host
	}
	u.Fragment = ""
	u.RawFragment = ""

	return u.String(), nil
}
