package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"hookbeam/internal/dispatch"
	"hookbeam/internal/storage"
	logx "hookbeam/pkg/logx"
)

type fakeRunner struct {
	mu      sync.Mutex
	started []dispatch.StartRequest
	stopped []string
	err     error
}

func (f *fakeRunner) Start(_ context.Context, req dispatch.StartRequest) (dispatch.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return dispatch.Session{}, f.err
	}
	f.started = append(f.started, req)
	return dispatch.Session{ID: "sess-" + string(rune('a'+len(f.started)-1)), Running: true}, nil
}

func (f *fakeRunner) StopSession(id string) (dispatch.Summary, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return dispatch.Summary{SessionID: id}, true
}

func (f *fakeRunner) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started), len(f.stopped)
}

type staticProfile struct {
	p   storage.Profile
	ok  bool
	err error
}

func (s staticProfile) LoadProfile(context.Context) (storage.Profile, bool, error) {
	return s.p, s.ok, s.err
}

var profile = staticProfile{p: storage.Profile{Endpoint: "https://discord.com/api/webhooks/1/a", MessageContent: "hi", DelayMs: 25}, ok: true}

func TestCheck(t *testing.T) {
	t.Parallel()
	good := Config{Timezone: "UTC", Entries: []Entry{
		{Name: "five", Spec: "*/5 * * * *"},
		{Name: "six", Spec: "30 */5 * * * *"},
		{Name: "desc", Spec: "@hourly"},
		{Name: "every", Spec: "@every 90s"},
	}}
	if err := Check(good); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if err := Check(Config{Entries: []Entry{{Name: "bad", Spec: "every tuesday"}}}); err == nil {
		t.Fatal("expected spec error")
	}
	if err := Check(Config{Timezone: "Nowhere/Land"}); err == nil {
		t.Fatal("expected timezone error")
	}
}

func TestTriggerStartsThenStopsSameSession(t *testing.T) {
	t.Parallel()
	r := &fakeRunner{}
	s := New(Config{}, r, profile, logx.Nop())

	s.Trigger(context.Background(), Entry{Name: "burst", RunFor: 30 * time.Millisecond})
	if started, _ := r.counts(); started != 1 {
		t.Fatalf("started = %d", started)
	}
	r.mu.Lock()
	req := r.started[0]
	r.mu.Unlock()
	if req.Endpoint != profile.p.Endpoint || req.Message != "hi" || req.DelayMs != 25 {
		t.Fatalf("request = %+v", req)
	}

	deadline := time.Now().Add(time.Second)
	for {
		if _, stopped := r.counts(); stopped == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session not stopped after run_for")
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped[0] != "sess-a" {
		t.Fatalf("stopped %q", r.stopped[0])
	}
}

func TestTriggerSkipsWithoutProfile(t *testing.T) {
	t.Parallel()
	for name, p := range map[string]staticProfile{
		"missing": {},
		"error":   {err: errors.New("disk gone")},
	} {
		r := &fakeRunner{}
		New(Config{}, r, p, logx.Nop()).Trigger(context.Background(), Entry{Name: name, RunFor: time.Second})
		if started, _ := r.counts(); started != 0 {
			t.Fatalf("%s: started %d sessions", name, started)
		}
	}
}

func TestTriggerStartErrorArmsNoTimer(t *testing.T) {
	t.Parallel()
	r := &fakeRunner{err: &dispatch.ValidationError{Message: dispatch.MsgEmptyMessage}}
	s := New(Config{}, r, profile, logx.Nop())
	s.Trigger(context.Background(), Entry{Name: "x", RunFor: time.Second})
	if s.Pending() != 0 {
		t.Fatalf("Pending = %d", s.Pending())
	}
}

func TestCronFiresEntry(t *testing.T) {
	t.Parallel()
	r := &fakeRunner{}
	s := New(Config{Entries: []Entry{{Name: "tick", Spec: "@every 1s", RunFor: time.Hour}}}, r, profile, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for {
		if started, _ := r.counts(); started > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("cron entry never fired")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
