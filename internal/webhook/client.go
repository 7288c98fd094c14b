// Package webhook talks to a chat-provider webhook URL with the three verbs
// hookbeam needs: GET (exists?), POST (deliver a message) and DELETE.
//
// Calls never turn a status code into an error. A Result carries the status
// of any completed exchange; Err is set only when the exchange did not
// complete at all (DNS, connect, TLS, reset, ...).
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultUsername  = "beamed.fun"
	DefaultAvatarURL = "https://cdn.discordapp.com/embed/avatars/0.png"
)

const tracerName = "hookbeam/webhook"

// Identity is the fixed display identity attached to every posted message.
type Identity struct {
	Username  string
	AvatarURL string
}

// Message is the JSON body of a POST.
type Message struct {
	Content   string `json:"content"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
}

// Result is the outcome of one HTTP exchange.
type Result struct {
	StatusCode int
	Err        error
}

// Completed reports whether an HTTP response was received (any status).
func (r Result) Completed() bool { return r.Err == nil }

// TransportError wraps a failure to complete an HTTP exchange.
type TransportError struct {
	Method string
	Err    error
}

func (e *TransportError) Error() string { return fmt.Sprintf("webhook %s: %v", e.Method, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// Options configures a Client.
type Options struct {
	Identity Identity
	// Timeout bounds a whole exchange. Zero means no timeout.
	Timeout   time.Duration
	Transport http.RoundTripper
}

// Client issues webhook calls. It is safe for concurrent use.
type Client struct {
	http     *http.Client
	identity Identity
}

func NewClient(opt Options) *Client {
	id := opt.Identity
	if id.Username == "" {
		id.Username = DefaultUsername
	}
	if id.AvatarURL == "" {
		id.AvatarURL = DefaultAvatarURL
	}
	return &Client{
		http:     &http.Client{Timeout: opt.Timeout, Transport: opt.Transport},
		identity: id,
	}
}

// Get checks whether the webhook exists.
func (c *Client) Get(ctx context.Context, url string) Result {
	return c.do(ctx, http.MethodGet, url, nil)
}

// Post delivers content using the client's fixed identity.
func (c *Client) Post(ctx context.Context, url, content string) Result {
	body, err := json.Marshal(Message{
		Content:   content,
		Username:  c.identity.Username,
		AvatarURL: c.identity.AvatarURL,
	})
	if err != nil {
		return Result{Err: &TransportError{Method: http.MethodPost, Err: fmt.Errorf("marshal message: %w", err)}}
	}
	return c.do(ctx, http.MethodPost, url, body)
}

// Delete removes the webhook.
func (c *Client) Delete(ctx context.Context, url string) Result {
	return c.do(ctx, http.MethodDelete, url, nil)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) Result {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "webhook."+method)
	defer span.End()
	span.SetAttributes(attribute.String("http.request.method", method))

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		terr := &TransportError{Method: method, Err: fmt.Errorf("create request: %w", err)}
		span.RecordError(terr)
		span.SetStatus(codes.Error, "request")
		return Result{Err: terr}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		terr := &TransportError{Method: method, Err: err}
		span.RecordError(terr)
		span.SetStatus(codes.Error, "transport")
		return Result{Err: terr}
	}
	// Drain so the connection can be reused; content is not needed.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	return Result{StatusCode: resp.StatusCode}
}
