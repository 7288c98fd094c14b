package dispatch

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hookbeam/internal/eventbus"
	"hookbeam/internal/storage"
	"hookbeam/internal/webhook"
	logx "hookbeam/pkg/logx"
)

const testMarker = "/api/webhooks/"

// fakeSender answers every call with a fixed status or error. When gate is
// set, Post blocks until it is closed.
type fakeSender struct {
	status int
	err    error
	gate   chan struct{}

	mu      sync.Mutex
	posts   map[string]int
	gets    int
	deletes int
	entered atomic.Int64
}

func (f *fakeSender) result() webhook.Result {
	if f.err != nil {
		return webhook.Result{Err: &webhook.TransportError{Method: "TEST", Err: f.err}}
	}
	code := f.status
	if code == 0 {
		code = http.StatusOK
	}
	return webhook.Result{StatusCode: code}
}

func (f *fakeSender) Get(ctx context.Context, url string) webhook.Result {
	f.mu.Lock()
	f.gets++
	f.mu.Unlock()
	return f.result()
}

func (f *fakeSender) Post(ctx context.Context, url, content string) webhook.Result {
	f.entered.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	if f.posts == nil {
		f.posts = map[string]int{}
	}
	f.posts[content]++
	f.mu.Unlock()
	return f.result()
}

func (f *fakeSender) Delete(ctx context.Context, url string) webhook.Result {
	f.mu.Lock()
	f.deletes++
	f.mu.Unlock()
	return f.result()
}

func (f *fakeSender) postsFor(msg string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.posts[msg]
}

type memStore struct {
	mu       sync.Mutex
	profile  storage.Profile
	has      bool
	sessions []storage.SessionRecord
}

func (m *memStore) LoadProfile(context.Context) (storage.Profile, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile, m.has, nil
}

func (m *memStore) SaveProfile(_ context.Context, p storage.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profile, m.has = p, true
	return nil
}

func (m *memStore) ClearProfile(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profile, m.has = storage.Profile{}, false
	return nil
}

func (m *memStore) AppendSession(_ context.Context, r storage.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, r)
	return nil
}

func newTestController(t *testing.T, s Sender, opts ...func(*Options)) (*Controller, <-chan eventbus.Event) {
	t.Helper()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(1024)
	o := Options{Sender: s, Bus: bus, Observer: &CountingObserver{}, PathMarker: testMarker, Log: logx.Nop()}
	for _, fn := range opts {
		fn(&o)
	}
	c := New(o)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
		unsub()
	})
	return c, events
}

func drain(ch <-chan eventbus.Event) []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func outcomes(evs []eventbus.Event) []Outcome {
	var out []Outcome
	for _, e := range evs {
		if o, ok := e.Data.(Outcome); ok && e.Type == eventbus.TypeOutcome {
			out = append(out, o)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartRejectsInvalidInput(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		req  StartRequest
		want string
	}{
		{"empty endpoint", StartRequest{Endpoint: "  ", Message: "hi", DelayMs: 50}, MsgEmptyEndpoint},
		{"empty message", StartRequest{Endpoint: "http://x/api/webhooks/1/a", Message: " ", DelayMs: 50}, MsgEmptyMessage},
		{"delay below minimum", StartRequest{Endpoint: "http://x/api/webhooks/1/a", Message: "hi", DelayMs: 9}, MsgDelayTooSmall},
		{"negative delay", StartRequest{Endpoint: "http://x/api/webhooks/1/a", Message: "hi", DelayMs: -20}, MsgDelayTooSmall},
		{"delay overflows duration", StartRequest{Endpoint: "http://x/api/webhooks/1/a", Message: "hi", DelayMs: ParseDelay("10000000000000")}, MsgDelayTooLarge},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fs := &fakeSender{}
			c, events := newTestController(t, fs)

			_, err := c.Start(context.Background(), tt.req)
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Message != tt.want {
				t.Fatalf("Start err = %v, want %q", err, tt.want)
			}
			if c.Running() {
				t.Fatal("controller running after rejected start")
			}
			time.Sleep(40 * time.Millisecond)
			if n := fs.entered.Load(); n != 0 {
				t.Fatalf("%d posts after rejected start", n)
			}
			got := outcomes(drain(events))
			if len(got) != 1 || got[0].Kind != KindError || got[0].Message != tt.want {
				t.Fatalf("outcomes = %+v", got)
			}
		})
	}
}

func TestStartDefaultsAbsentDelay(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t, &fakeSender{})
	sess, err := c.Start(context.Background(), StartRequest{Endpoint: "http://x/api/webhooks/1/a", Message: "hi"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess.Interval != DefaultDelayMs*time.Millisecond {
		t.Fatalf("Interval = %v", sess.Interval)
	}
}

func TestLoopSendsEveryInterval(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, events := newTestController(t, webhook.NewClient(webhook.Options{}))
	_, err := c.Start(context.Background(), StartRequest{Endpoint: srv.URL + testMarker + "1/tok", Message: "ping", DelayMs: 50})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(220 * time.Millisecond)

	if !c.Running() {
		t.Fatal("expected running")
	}
	// 4 ticks in 220ms at 50ms, give or take one for scheduling jitter.
	if n := c.Session().SentCount; n < 3 || n > 5 {
		t.Fatalf("SentCount = %d, want 4±1", n)
	}

	var stats int
	for _, e := range drain(events) {
		if e.Type == eventbus.TypeStats {
			stats++
		}
	}
	if stats == 0 {
		t.Fatal("no stats snapshots published")
	}
}

func TestStopIdleIsNoop(t *testing.T) {
	t.Parallel()
	c, events := newTestController(t, &fakeSender{})
	if _, ok := c.Stop(); ok {
		t.Fatal("Stop on idle controller reported a session")
	}
	if evs := drain(events); len(evs) != 0 {
		t.Fatalf("idle stop published %d events", len(evs))
	}
}

func TestStopHaltsIncrements(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	store := &memStore{}
	c, events := newTestController(t, fs, func(o *Options) { o.Store = store })

	if _, err := c.Start(context.Background(), StartRequest{Endpoint: "http://x/api/webhooks/1/a", Message: "hi", DelayMs: 10}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "first send", func() bool { return c.Session().SentCount > 0 })

	sum, ok := c.Stop()
	if !ok {
		t.Fatal("Stop reported idle")
	}
	if c.Running() {
		t.Fatal("still running after Stop")
	}
	if sum.DurationSeconds < 0 {
		t.Fatalf("DurationSeconds = %v", sum.DurationSeconds)
	}

	// Grace period for ticks already in flight at cancel time.
	time.Sleep(60 * time.Millisecond)
	if got := c.Session().SentCount; got != sum.SentCount {
		t.Fatalf("SentCount moved after stop: %d -> %d", sum.SentCount, got)
	}

	var stopped []Outcome
	for _, o := range outcomes(drain(events)) {
		if strings.HasPrefix(o.Message, "Dispatch stopped.") {
			stopped = append(stopped, o)
		}
	}
	if len(stopped) != 1 || stopped[0].Message != sum.String() {
		t.Fatalf("stop outcomes = %+v", stopped)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.sessions) != 1 || store.sessions[0].SentCount != sum.SentCount || store.sessions[0].Endpoint != "http://x" {
		t.Fatalf("history = %+v", store.sessions)
	}
}

func TestLateResultsAfterStopAreDiscarded(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{gate: make(chan struct{})}
	c, _ := newTestController(t, fs)

	if _, err := c.Start(context.Background(), StartRequest{Endpoint: "http://x/api/webhooks/1/a", Message: "hi", DelayMs: 10}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "post in flight", func() bool { return fs.entered.Load() > 0 })
	sum, _ := c.Stop()
	close(fs.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if sum.SentCount != 0 || c.Session().SentCount != 0 {
		t.Fatalf("late results landed: summary=%d session=%d", sum.SentCount, c.Session().SentCount)
	}
	if fs.postsFor("hi") == 0 {
		t.Fatal("in-flight posts should still complete")
	}
}

// The counter tracks exchanges acknowledged at the transport level, not
// confirmed 2xx deliveries: a revoked webhook answering 404 still counts.
func TestCountsCompletedExchangesNotDeliveries(t *testing.T) {
	t.Parallel()
	for _, code := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusTooManyRequests} {
		fs := &fakeSender{status: code}
		c, _ := newTestController(t, fs)
		if _, err := c.Start(context.Background(), StartRequest{Endpoint: "http://x/api/webhooks/1/a", Message: "hi", DelayMs: 10}); err != nil {
			t.Fatalf("Start: %v", err)
		}
		waitFor(t, "counted send", func() bool { return c.Session().SentCount >= 2 })
		c.Stop()
	}
}

func TestTransportFailuresAreObservedNotCounted(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{err: errors.New("connection refused")}
	obs := &CountingObserver{}
	c, events := newTestController(t, fs, func(o *Options) { o.Observer = obs })

	sess, err := c.Start(context.Background(), StartRequest{Endpoint: "http://x/api/webhooks/1/a", Message: "hi", DelayMs: 10})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "observed failures", func() bool { return obs.Count(sess.ID) >= 3 })

	if !c.Running() {
		t.Fatal("loop stopped on transport errors")
	}
	got := c.Session()
	if got.SentCount != 0 {
		t.Fatalf("SentCount = %d, want 0", got.SentCount)
	}
	if got.Failures == 0 {
		t.Fatal("session failures not counted")
	}
	var te *webhook.TransportError
	if !errors.As(obs.LastErr(), &te) {
		t.Fatalf("LastErr = %v", obs.LastErr())
	}
	// Only the start outcome: per-tick failures are silent.
	if o := outcomes(drain(events)); len(o) != 1 || o[0].Message != "Dispatch started (10ms delay)" {
		t.Fatalf("outcomes = %+v", o)
	}
}

func TestDoubleStartReplacesSession(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	c, events := newTestController(t, fs)

	first, err := c.Start(context.Background(), StartRequest{Endpoint: "http://x/api/webhooks/1/a", Message: "first", DelayMs: 10})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "first session sends", func() bool { return c.Session().SentCount > 0 })

	second, err := c.Start(context.Background(), StartRequest{Endpoint: "http://x/api/webhooks/1/a", Message: "second", DelayMs: 10})
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("session ID reused")
	}
	if second.SentCount != 0 {
		t.Fatalf("SentCount not reset: %d", second.SentCount)
	}

	time.Sleep(30 * time.Millisecond)
	before := fs.postsFor("first")
	time.Sleep(80 * time.Millisecond)
	if after := fs.postsFor("first"); after != before {
		t.Fatalf("old loop still running: %d -> %d posts", before, after)
	}
	if fs.postsFor("second") == 0 {
		t.Fatal("new loop not sending")
	}

	var stopped int
	for _, e := range drain(events) {
		if e.Type == eventbus.TypeSessionStopped {
			if s, ok := e.Data.(Summary); ok && s.SessionID == first.ID {
				stopped++
			}
		}
	}
	if stopped != 1 {
		t.Fatalf("previous session summary published %d times", stopped)
	}
}

func TestValidateVerdicts(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/ok"):
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/gone"):
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	tests := []struct {
		url     string
		want    Verdict
		message string
	}{
		{srv.URL + testMarker + "1/ok", VerdictValid, MsgWebhookValid},
		{srv.URL + testMarker + "1/gone", VerdictNotFound, MsgWebhookNotFound},
		{srv.URL + testMarker + "1/boom", VerdictFailed, MsgValidateFailed},
		{deadURL + testMarker + "1/ok", VerdictFailed, MsgValidateFailed},
	}
	for _, tt := range tests {
		store := &memStore{profile: storage.Profile{MessageContent: "kept", DelayMs: 30}, has: true}
		c, events := newTestController(t, webhook.NewClient(webhook.Options{}), func(o *Options) { o.Store = store })

		got, err := c.Validate(context.Background(), tt.url)
		if err != nil {
			t.Fatalf("Validate(%s): %v", tt.url, err)
		}
		if got != tt.want {
			t.Fatalf("Validate(%s) = %v, want %v", tt.url, got, tt.want)
		}
		o := outcomes(drain(events))
		if len(o) != 1 || o[0].Message != tt.message {
			t.Fatalf("Validate(%s) outcomes = %+v", tt.url, o)
		}
		if c.Session().ID != "" {
			t.Fatal("validate touched session state")
		}

		p, _, _ := store.LoadProfile(context.Background())
		if tt.want == VerdictValid {
			if p.Endpoint != tt.url || p.MessageContent != "kept" || p.DelayMs != 30 {
				t.Fatalf("profile after valid = %+v", p)
			}
		} else if p.Endpoint != "" {
			t.Fatalf("profile saved on %v", got)
		}
	}
}

func TestValidateRejectsWithoutNetwork(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	c, _ := newTestController(t, fs)

	for url, want := range map[string]string{
		"":                          MsgEmptyEndpoint,
		"   ":                       MsgEmptyEndpoint,
		"http://example.com/hooks":  MsgBadEndpoint,
		"ftp://x/api/webhooks/1/ab": MsgBadEndpoint,
	} {
		_, err := c.Validate(context.Background(), url)
		var ve *ValidationError
		if !errors.As(err, &ve) || ve.Message != want {
			t.Fatalf("Validate(%q) err = %v, want %q", url, err, want)
		}
	}
	if fs.gets != 0 {
		t.Fatalf("%d GETs issued for rejected input", fs.gets)
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()
	ep := "http://x/api/webhooks/1/a"
	never := func(context.Context, string) bool { return false }

	t.Run("not confirmed", func(t *testing.T) {
		t.Parallel()
		fs := &fakeSender{status: http.StatusNoContent}
		c, _ := newTestController(t, fs)
		for _, confirm := range []ConfirmFunc{never, nil} {
			v, err := c.Delete(context.Background(), ep, confirm)
			if err != nil || v != DeleteCancelled {
				t.Fatalf("Delete = %v, %v", v, err)
			}
		}
		if fs.deletes != 0 {
			t.Fatalf("%d DELETEs without confirmation", fs.deletes)
		}
	})

	t.Run("deleted", func(t *testing.T) {
		t.Parallel()
		fs := &fakeSender{status: http.StatusNoContent}
		store := &memStore{profile: storage.Profile{Endpoint: ep}, has: true}
		c, events := newTestController(t, fs, func(o *Options) { o.Store = store })

		v, err := c.Delete(context.Background(), ep, Confirmed)
		if err != nil || v != DeleteDeleted {
			t.Fatalf("Delete = %v, %v", v, err)
		}
		if _, has, _ := store.LoadProfile(context.Background()); has {
			t.Fatal("profile not cleared")
		}
		var deleted bool
		for _, e := range drain(events) {
			deleted = deleted || e.Type == eventbus.TypeWebhookDeleted
		}
		if !deleted {
			t.Fatal("webhook.deleted not published")
		}
	})

	for _, code := range []int{http.StatusOK, http.StatusNotFound, http.StatusInternalServerError} {
		code := code
		t.Run(http.StatusText(code), func(t *testing.T) {
			t.Parallel()
			store := &memStore{profile: storage.Profile{Endpoint: ep}, has: true}
			c, events := newTestController(t, &fakeSender{status: code}, func(o *Options) { o.Store = store })
			v, err := c.Delete(context.Background(), ep, Confirmed)
			if err != nil || v != DeleteFailed {
				t.Fatalf("Delete = %v, %v", v, err)
			}
			if o := outcomes(drain(events)); len(o) != 1 || o[0].Message != MsgDeleteFailed {
				t.Fatalf("outcomes = %+v", o)
			}
			if _, has, _ := store.LoadProfile(context.Background()); !has {
				t.Fatal("profile cleared on failure")
			}
		})
	}

	t.Run("transport error", func(t *testing.T) {
		t.Parallel()
		c, _ := newTestController(t, &fakeSender{err: errors.New("dial tcp: refused")})
		if v, err := c.Delete(context.Background(), ep, Confirmed); err != nil || v != DeleteFailed {
			t.Fatalf("Delete = %v, %v", v, err)
		}
	})
}

func TestStatsRate(t *testing.T) {
	t.Parallel()
	now := time.Unix(1000, 0)
	c, _ := newTestController(t, &fakeSender{}, func(o *Options) { o.Now = func() time.Time { return now } })
	c.sess = Session{ID: "s", SentCount: 10, StartedAt: now.Add(-4 * time.Second), StoppedAt: now, Interval: 20 * time.Millisecond}

	st := c.Stats()
	if st.ElapsedSeconds != 4 || st.Rate != 2.5 || st.DelayMs != 20 {
		t.Fatalf("Stats = %+v", st)
	}
}

func TestParseDelay(t *testing.T) {
	t.Parallel()
	tests := map[string]int{
		"":     DefaultDelayMs,
		"abc":  DefaultDelayMs,
		"0":    DefaultDelayMs,
		"-0":   DefaultDelayMs,
		"50":   50,
		" 75 ": 75,
		"15ms": 15,
		"+12":  12,
		"-5":   -5,
		"3.9":  3,
		"1e3":  1,
	}
	tests["99999999999999999999"] = DefaultDelayMs
	for in, want := range tests {
		if got := ParseDelay(in); got != want {
			t.Errorf("ParseDelay(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestLogObserverThrottles(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	o := NewLogObserver(logx.NewWriter(&buf, "debug"), 1)
	for i := 0; i < 10; i++ {
		o.ObserveFailure("s1", errors.New("refused"))
	}
	if lines := strings.Count(buf.String(), "\n"); lines != 1 {
		t.Fatalf("logged %d lines, want 1:\n%s", lines, buf.String())
	}
	if o.Suppressed() != 9 {
		t.Fatalf("Suppressed = %d, want 9", o.Suppressed())
	}
}

func TestStopSessionMatchesID(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t, &fakeSender{})
	sess, err := c.Start(context.Background(), StartRequest{Endpoint: "http://x/api/webhooks/1/a", Message: "hi", DelayMs: 10})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, ok := c.StopSession("other"); ok || !c.Running() {
		t.Fatal("StopSession stopped a different session")
	}
	if _, ok := c.StopSession(sess.ID); !ok || c.Running() {
		t.Fatal("StopSession did not stop its session")
	}
}

func TestStartTrimsMessage(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	c, _ := newTestController(t, fs)
	sess, err := c.Start(context.Background(), StartRequest{Endpoint: "http://x/api/webhooks/1/a", Message: "  hi  ", DelayMs: 10})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess.Message != "hi" {
		t.Fatalf("Session.Message = %q", sess.Message)
	}
	waitFor(t, "first post", func() bool { return fs.postsFor("hi") > 0 })
	c.Stop()
	if n := fs.postsFor("  hi  "); n != 0 {
		t.Fatalf("%d posts with untrimmed content", n)
	}
}
