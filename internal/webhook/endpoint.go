package webhook

import (
	"errors"
	"net/url"
	"strings"
)

// DefaultPathMarker is the substring every provider webhook URL carries.
const DefaultPathMarker = "discord.com/api/webhooks/"

var (
	ErrEmptyEndpoint = errors.New("webhook: endpoint is empty")
	ErrEndpointShape = errors.New("webhook: endpoint does not look like a provider webhook URL")
)

// CheckEndpoint performs the offline shape check used before validate.
// An empty marker falls back to DefaultPathMarker.
func CheckEndpoint(raw, marker string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrEmptyEndpoint
	}
	if marker == "" {
		marker = DefaultPathMarker
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrEndpointShape
	}
	if !strings.Contains(raw, marker) {
		return ErrEndpointShape
	}
	return nil
}

// Redact returns scheme://host for logs and history; the path holds the token.
func Redact(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
