package ws

import (
	"net/http"
	"net/url"
	"strings"
)

// IsOriginAllowed validates the request's Origin header against an allow-list.
//
// Entries are full origins ("https://example.com"), hostnames ("example.com") or
// wildcard hostnames ("*.example.com", which also matches the bare domain).
// Requests without an Origin header, such as non-browser peers, pass when allowNoOrigin is set.
func IsOriginAllowed(r *http.Request, allowed []string, allowNoOrigin bool) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return allowNoOrigin
	}
	hostname := ""
	if u, err := url.Parse(origin); err == nil {
		hostname = strings.ToLower(u.Hostname())
	}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
		case entry == "*":
			return true
		case strings.Contains(entry, "://"):
			if origin == entry {
				return true
			}
		case strings.HasPrefix(entry, "*."):
			base := strings.ToLower(entry[2:])
			if hostname != "" && (hostname == base || strings.HasSuffix(hostname, "."+base)) {
				return true
			}
		case hostname != "" && hostname == strings.ToLower(entry):
			return true
		}
	}
	return false
}

// NewOriginChecker returns a websocket upgrader CheckOrigin function.
// An empty allow-list admits every origin.
func NewOriginChecker(allowed []string, allowNoOrigin bool) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		return IsOriginAllowed(r, allowed, allowNoOrigin)
	}
}
