package dispatch

import (
	"context"
	"fmt"
	"math"
	"time"
)

const (
	// MinDelayMs is the smallest interval Start accepts.
	MinDelayMs = 10
	// DefaultDelayMs is used when the delay is absent, zero or not a number.
	DefaultDelayMs = 20
	// MaxDelayMs is the largest interval a time.Duration can hold.
	MaxDelayMs = math.MaxInt64 / int64(time.Millisecond)
)

// User-facing messages.
const (
	MsgEmptyEndpoint   = "Please enter a webhook URL"
	MsgBadEndpoint     = "Invalid Discord webhook URL"
	MsgEmptyMessage    = "Please enter a message"
	MsgDelayTooSmall   = "Delay must be at least 10ms"
	MsgDelayTooLarge   = "Delay is too large"
	MsgWebhookValid    = "Webhook is valid!"
	MsgWebhookNotFound = "Webhook not found (already deleted?)"
	MsgValidateFailed  = "Webhook validation failed"
	MsgWebhookDeleted  = "Webhook deleted successfully!"
	MsgDeleteFailed    = "Failed to delete webhook"
	MsgDeleteCancelled = "Delete cancelled"
	msgStartedFormat   = "Dispatch started (%dms delay)"
	msgStoppedFormat   = "Dispatch stopped. Sent %d messages in %.1fs"
)

// Kind categorizes an Outcome for presentation.
type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindInfo    Kind = "info"
)

// Outcome is a categorized, user-facing result message.
type Outcome struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Session is one start-to-stop run of the loop. Counters stay readable after
// Stop until the next Start replaces the session.
type Session struct {
	ID        string        `json:"id"`
	Endpoint  string        `json:"endpoint"`
	Message   string        `json:"message"`
	Running   bool          `json:"running"`
	SentCount int64         `json:"sent_count"`
	Failures  int64         `json:"failures"`
	StartedAt time.Time     `json:"started_at"`
	StoppedAt time.Time     `json:"stopped_at,omitempty"`
	Interval  time.Duration `json:"interval"`
}

// DelayMs returns the session interval in milliseconds.
func (s Session) DelayMs() int { return int(s.Interval / time.Millisecond) }

// Stats is a snapshot published after every counted send.
type Stats struct {
	SessionID      string  `json:"session_id"`
	Running        bool    `json:"running"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	SentCount      int64   `json:"sent_count"`
	Failures       int64   `json:"failures"`
	Rate           float64 `json:"rate"`
	DelayMs        int     `json:"delay_ms"`
}

// Summary is the final report of a stopped session.
type Summary struct {
	SessionID       string  `json:"session_id"`
	SentCount       int64   `json:"sent_count"`
	DurationSeconds float64 `json:"duration_seconds"`
}

func (s Summary) String() string {
	return fmt.Sprintf(msgStoppedFormat, s.SentCount, s.DurationSeconds)
}

// StartRequest carries the Start inputs. DelayMs 0 means absent.
type StartRequest struct {
	Endpoint string `json:"endpoint"`
	Message  string `json:"message"`
	DelayMs  int    `json:"delay_ms"`
}

// Verdict is the three-way result of Validate.
type Verdict int

const (
	VerdictFailed Verdict = iota
	VerdictValid
	VerdictNotFound
)

func (v Verdict) String() string {
	switch v {
	case VerdictValid:
		return "valid"
	case VerdictNotFound:
		return "not_found"
	default:
		return "failed"
	}
}

// DeleteVerdict is the result of Delete.
type DeleteVerdict int

const (
	DeleteFailed DeleteVerdict = iota
	DeleteDeleted
	DeleteCancelled
)

func (v DeleteVerdict) String() string {
	switch v {
	case DeleteDeleted:
		return "deleted"
	case DeleteCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// ConfirmFunc asks the user to confirm a destructive action on endpoint.
type ConfirmFunc func(ctx context.Context, endpoint string) bool

// Confirmed is a ConfirmFunc that always agrees.
func Confirmed(context.Context, string) bool { return true }

// ValidationError reports bad user input caught before any network call.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(msg string) error { return &ValidationError{Message: msg} }

// Message is the user-facing text for v.
func (v Verdict) Message() string {
	switch v {
	case VerdictValid:
		return MsgWebhookValid
	case VerdictNotFound:
		return MsgWebhookNotFound
	default:
		return MsgValidateFailed
	}
}

func (v DeleteVerdict) Message() string {
	switch v {
	case DeleteDeleted:
		return MsgWebhookDeleted
	case DeleteCancelled:
		return MsgDeleteCancelled
	default:
		return MsgDeleteFailed
	}
}
