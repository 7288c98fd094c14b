package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hookbeam/internal/eventbus"
	"hookbeam/internal/storage"
	"hookbeam/internal/webhook"
	logx "hookbeam/pkg/logx"
)

// Sender issues the three webhook calls. *webhook.Client implements it.
type Sender interface {
	Get(ctx context.Context, url string) webhook.Result
	Post(ctx context.Context, url, content string) webhook.Result
	Delete(ctx context.Context, url string) webhook.Result
}

// ProfileStore is the part of storage.Store the controller writes to.
type ProfileStore interface {
	LoadProfile(ctx context.Context) (storage.Profile, bool, error)
	SaveProfile(ctx context.Context, p storage.Profile) error
	ClearProfile(ctx context.Context) error
	AppendSession(ctx context.Context, r storage.SessionRecord) error
}

type Options struct {
	Sender Sender
	// Bus receives stats, outcomes and lifecycle events. Optional.
	Bus eventbus.Bus
	// Store persists the profile and session history. Optional.
	Store ProfileStore
	// Observer receives tick transport failures. Defaults to a LogObserver.
	Observer   FailureObserver
	Log        logx.Logger
	PathMarker string
	Now        func() time.Time
}

// Controller owns the single dispatch session.
type Controller struct {
	sender   Sender
	bus      eventbus.Bus
	store    ProfileStore
	observer FailureObserver
	log      logx.Logger
	marker   string
	now      func() time.Time

	mu   sync.Mutex
	sess Session
	// cancel and loopDone are the live timer handle; both are non-nil
	// exactly while sess.Running.
	cancel   context.CancelFunc
	loopDone chan struct{}

	inflight sync.WaitGroup
}

func New(opt Options) *Controller {
	if opt.Sender == nil {
		opt.Sender = webhook.NewClient(webhook.Options{})
	}
	log := opt.Log.With(logx.String("comp", "dispatch"))
	if opt.Observer == nil {
		opt.Observer = NewLogObserver(log, 1)
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Controller{
		sender:   opt.Sender,
		bus:      opt.Bus,
		store:    opt.Store,
		observer: opt.Observer,
		log:      log,
		marker:   opt.PathMarker,
		now:      opt.Now,
	}
}

// Start begins a new session. A running session is stopped first and its
// summary reported, so there is never more than one loop.
func (c *Controller) Start(ctx context.Context, req StartRequest) (Session, error) {
	endpoint := strings.TrimSpace(req.Endpoint)
	message := strings.TrimSpace(req.Message)
	delay := req.DelayMs
	if delay == 0 {
		delay = DefaultDelayMs
	}
	switch {
	case endpoint == "":
		return Session{}, c.reject(MsgEmptyEndpoint)
	case message == "":
		return Session{}, c.reject(MsgEmptyMessage)
	case delay < MinDelayMs:
		return Session{}, c.reject(MsgDelayTooSmall)
	case int64(delay) > MaxDelayMs:
		return Session{}, c.reject(MsgDelayTooLarge)
	}

	// The loop outlives the caller's request; values (trace spans) are kept.
	base := context.WithoutCancel(ctx)
	loopCtx, cancel := context.WithCancel(base)

	c.mu.Lock()
	var (
		prev     Session
		prevSum  Summary
		prevDone chan struct{}
		replaced bool
	)
	if c.sess.Running {
		prevSum, prevDone = c.stopLocked()
		prev = c.sess
		replaced = true
	}
	c.sess = Session{
		ID:        uuid.NewString(),
		Endpoint:  endpoint,
		Message:   message,
		Running:   true,
		StartedAt: c.now(),
		Interval:  time.Duration(delay) * time.Millisecond,
	}
	c.cancel = cancel
	c.loopDone = make(chan struct{})
	sess := c.sess
	go c.loop(loopCtx, base, c.loopDone, sess)
	c.mu.Unlock()

	if replaced {
		<-prevDone
		c.log.Info("session replaced", logx.String("previous", prev.ID), logx.String("session", sess.ID))
		c.finish(prev, prevSum)
	}

	c.log.Info("session started",
		logx.String("session", sess.ID),
		logx.String("endpoint", webhook.Redact(endpoint)),
		logx.Int("delay_ms", delay),
	)
	eventbus.Emit(c.bus, eventbus.TypeSessionStarted, sess)
	c.outcome(KindSuccess, fmt.Sprintf(msgStartedFormat, delay))
	return sess, nil
}

// Stop ends the running session. It reports false and does nothing when
// idle. Requests already in flight are left to complete; their results are
// discarded.
func (c *Controller) Stop() (Summary, bool) {
	return c.stop("")
}

// StopSession stops the running session only if its ID is id.
func (c *Controller) StopSession(id string) (Summary, bool) {
	if id == "" {
		return Summary{}, false
	}
	return c.stop(id)
}

func (c *Controller) stop(id string) (Summary, bool) {
	c.mu.Lock()
	if !c.sess.Running || (id != "" && c.sess.ID != id) {
		c.mu.Unlock()
		return Summary{}, false
	}
	sum, done := c.stopLocked()
	sess := c.sess
	c.mu.Unlock()

	<-done
	c.finish(sess, sum)
	return sum, true
}

func (c *Controller) stopLocked() (Summary, chan struct{}) {
	now := c.now()
	c.cancel()
	done := c.loopDone
	c.cancel = nil
	c.loopDone = nil
	c.sess.Running = false
	c.sess.StoppedAt = now

	d := now.Sub(c.sess.StartedAt)
	if d < 0 {
		d = 0
	}
	return Summary{
		SessionID:       c.sess.ID,
		SentCount:       c.sess.SentCount,
		DurationSeconds: d.Seconds(),
	}, done
}

// finish reports a stopped session. Called without the lock.
func (c *Controller) finish(sess Session, sum Summary) {
	c.log.Info("session stopped",
		logx.String("session", sum.SessionID),
		logx.Int64("sent", sum.SentCount),
		logx.Int64("failures", sess.Failures),
		logx.Float64("duration_s", sum.DurationSeconds),
	)
	eventbus.Emit(c.bus, eventbus.TypeSessionStopped, sum)
	c.outcome(KindSuccess, sum.String())

	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.store.AppendSession(ctx, storage.SessionRecord{
		ID:        sess.ID,
		Endpoint:  webhook.Redact(sess.Endpoint),
		StartedAt: sess.StartedAt,
		StoppedAt: sess.StoppedAt,
		SentCount: sess.SentCount,
		Failures:  sess.Failures,
		DelayMs:   sess.DelayMs(),
	})
	if err != nil {
		c.log.Warn("session history append failed", logx.String("session", sess.ID), logx.Err(err))
	}
}

func (c *Controller) loop(ctx, reqCtx context.Context, done chan struct{}, sess Session) {
	defer close(done)
	t := time.NewTicker(sess.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if ctx.Err() != nil {
				return
			}
			c.inflight.Add(1)
			go c.tick(reqCtx, sess.ID, sess.Endpoint, sess.Message)
		}
	}
}

func (c *Controller) tick(ctx context.Context, id, endpoint, message string) {
	defer c.inflight.Done()

	res := c.sender.Post(ctx, endpoint, message)
	if !res.Completed() {
		c.mu.Lock()
		if c.current(id) {
			c.sess.Failures++
		}
		c.mu.Unlock()
		c.observer.ObserveFailure(id, res.Err)
		return
	}

	// Every completed exchange counts, whatever the status code.
	c.mu.Lock()
	if !c.current(id) {
		c.mu.Unlock()
		return
	}
	c.sess.SentCount++
	st := c.statsLocked(c.now())
	c.mu.Unlock()

	eventbus.Emit(c.bus, eventbus.TypeStats, st)
}

func (c *Controller) current(id string) bool {
	return c.sess.Running && c.sess.ID == id
}

// Validate checks endpoint with one GET. Input errors are returned as
// *ValidationError without a network call; every other outcome is a Verdict.
func (c *Controller) Validate(ctx context.Context, endpoint string) (Verdict, error) {
	endpoint = strings.TrimSpace(endpoint)
	if err := webhook.CheckEndpoint(endpoint, c.marker); err != nil {
		if errors.Is(err, webhook.ErrEmptyEndpoint) {
			return VerdictFailed, c.reject(MsgEmptyEndpoint)
		}
		return VerdictFailed, c.reject(MsgBadEndpoint)
	}

	res := c.sender.Get(ctx, endpoint)
	switch {
	case !res.Completed():
		c.log.Warn("validate failed", logx.String("endpoint", webhook.Redact(endpoint)), logx.Err(res.Err))
		c.outcome(KindError, MsgValidateFailed)
		return VerdictFailed, nil
	case res.StatusCode == http.StatusOK:
		c.outcome(KindSuccess, MsgWebhookValid)
		c.rememberEndpoint(ctx, endpoint)
		return VerdictValid, nil
	case res.StatusCode == http.StatusNotFound:
		c.outcome(KindError, MsgWebhookNotFound)
		return VerdictNotFound, nil
	default:
		c.log.Debug("validate unexpected status", logx.Int("status", res.StatusCode))
		c.outcome(KindError, MsgValidateFailed)
		return VerdictFailed, nil
	}
}

// rememberEndpoint stores a validated endpoint, keeping the other profile fields.
func (c *Controller) rememberEndpoint(ctx context.Context, endpoint string) {
	if c.store == nil {
		return
	}
	p, _, err := c.store.LoadProfile(ctx)
	if err == nil {
		p.Endpoint = endpoint
		err = c.store.SaveProfile(ctx, p)
	}
	if err != nil {
		c.log.Warn("profile save failed", logx.Err(err))
	}
}

// Delete removes the webhook after confirm agrees. A nil confirm never agrees.
func (c *Controller) Delete(ctx context.Context, endpoint string, confirm ConfirmFunc) (DeleteVerdict, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return DeleteFailed, c.reject(MsgEmptyEndpoint)
	}
	if confirm == nil || !confirm(ctx, endpoint) {
		c.log.Debug("delete not confirmed", logx.String("endpoint", webhook.Redact(endpoint)))
		return DeleteCancelled, nil
	}

	res := c.sender.Delete(ctx, endpoint)
	if !res.Completed() || res.StatusCode != http.StatusNoContent {
		c.log.Warn("delete failed",
			logx.String("endpoint", webhook.Redact(endpoint)),
			logx.Int("status", res.StatusCode),
			logx.Err(res.Err),
		)
		c.outcome(KindError, MsgDeleteFailed)
		return DeleteFailed, nil
	}

	if c.store != nil {
		if err := c.store.ClearProfile(ctx); err != nil {
			c.log.Warn("profile clear failed", logx.Err(err))
		}
	}
	c.log.Info("webhook deleted", logx.String("endpoint", webhook.Redact(endpoint)))
	eventbus.Emit(c.bus, eventbus.TypeWebhookDeleted, map[string]string{"endpoint": webhook.Redact(endpoint)})
	c.outcome(KindSuccess, MsgWebhookDeleted)
	return DeleteDeleted, nil
}

// Session returns a copy of the current (or last) session.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.Running
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statsLocked(c.now())
}

func (c *Controller) statsLocked(now time.Time) Stats {
	s := c.sess
	st := Stats{
		SessionID: s.ID,
		Running:   s.Running,
		SentCount: s.SentCount,
		Failures:  s.Failures,
		DelayMs:   s.DelayMs(),
	}
	if s.StartedAt.IsZero() {
		return st
	}
	end := now
	if !s.Running && !s.StoppedAt.IsZero() {
		end = s.StoppedAt
	}
	if elapsed := end.Sub(s.StartedAt).Seconds(); elapsed > 0 {
		st.ElapsedSeconds = elapsed
		st.Rate = float64(s.SentCount) / elapsed
	}
	return st
}

// Shutdown stops the session and waits for in-flight requests.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.Stop()
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) reject(msg string) error {
	c.outcome(KindError, msg)
	return invalid(msg)
}

func (c *Controller) outcome(kind Kind, msg string) {
	eventbus.Emit(c.bus, eventbus.TypeOutcome, Outcome{Kind: kind, Message: msg})
}
