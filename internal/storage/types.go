package storage

import (
	"errors"
	"time"
)

// ProfileKey is the single key the profile lives under in every driver.
const ProfileKey = "webhookData"

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values: "file", "sqlite", "redis". Empty or "none" disables storage.
type Config struct {
	Driver string
	// Path is the file prefix (file), database path (sqlite) or redis URL (redis).
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	KeyPrefix   string        // redis only
	MaxSessions int           // history cap; 0 means 200
}

// Profile is the persisted form state.
type Profile struct {
	Endpoint       string `json:"endpoint"`
	MessageContent string `json:"messageContent"`
	DelayMs        int    `json:"delayMs"`
}

// SessionRecord summarizes one finished dispatch session.
// Endpoint holds scheme://host only; webhook tokens are never stored here.
type SessionRecord struct {
	ID        string    `json:"id"`
	Endpoint  string    `json:"endpoint"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	SentCount int64     `json:"sent_count"`
	Failures  int64     `json:"failures"`
	DelayMs   int       `json:"delay_ms"`
}

func (c Config) maxSessions() int {
	if c.MaxSessions <= 0 {
		return 200
	}
	return c.MaxSessions
}
