// Package config holds the CLI configuration types.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/veska-im/callkit/internal/media"
)

// Config stores all parameters gathered from CLI flags or the interactive
// prompts.
type Config struct {
	SelfID      string // stable user id registered with the relay
	Username    string // display name shown to callees
	Avatar      string // optional avatar URL shown to callees
	ServerURL   string // WebSocket URL of the signaling relay
	RingTimeout time.Duration
	Media       media.Preferences
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	if c.SelfID == "" {
		return fmt.Errorf("missing user id")
	}
	if c.ServerURL == "" {
		return fmt.Errorf("missing signaling server URL")
	}
	if c.Username == "" {
		c.Username = c.SelfID
	}
	return nil
}

// NormalizeWSURL validates and normalizes a raw WebSocket URL string.
func NormalizeWSURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}
