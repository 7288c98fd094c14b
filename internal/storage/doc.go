// Package storage persists the webhook profile (endpoint, message, delay)
// and a short history of finished dispatch sessions.
//
// Drivers:
//   - "file":   profile JSON (atomic replace) + sessions JSON Lines
//   - "sqlite": single database file (modernc.org/sqlite, pure Go)
//   - "redis":  one key for the profile, one capped list for sessions
package storage
