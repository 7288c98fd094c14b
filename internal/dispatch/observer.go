package dispatch

import (
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	logx "hookbeam/pkg/logx"
)

// FailureObserver receives transport-level failures from loop ticks.
// It is called from tick goroutines and must be safe for concurrent use.
type FailureObserver interface {
	ObserveFailure(sessionID string, err error)
}

// LogObserver logs tick failures, at most perSec lines per second. Lines over
// the limit are counted and reported with the next line that gets through.
type LogObserver struct {
	log        logx.Logger
	limiter    *rate.Limiter
	suppressed atomic.Uint64
}

func NewLogObserver(log logx.Logger, perSec int) *LogObserver {
	if perSec <= 0 {
		perSec = 1
	}
	return &LogObserver{
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(perSec), perSec),
	}
}

func (o *LogObserver) ObserveFailure(sessionID string, err error) {
	if !o.limiter.Allow() {
		o.suppressed.Add(1)
		return
	}
	o.log.Warn("send failed",
		logx.String("session", sessionID),
		logx.Err(err),
		logx.Uint64("suppressed", o.suppressed.Swap(0)),
	)
}

// SetLimit changes the line rate.
func (o *LogObserver) SetLimit(perSec int) {
	if perSec <= 0 {
		perSec = 1
	}
	o.limiter.SetLimit(rate.Limit(perSec))
	o.limiter.SetBurst(perSec)
}

// Suppressed returns how many failures were dropped since the last logged one.
func (o *LogObserver) Suppressed() uint64 { return o.suppressed.Load() }

// CountingObserver counts failures per session and keeps the last error.
type CountingObserver struct {
	mu      sync.Mutex
	counts  map[string]int
	lastErr error
}

func (o *CountingObserver) ObserveFailure(sessionID string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = map[string]int{}
	}
	o.counts[sessionID]++
	o.lastErr = err
}

func (o *CountingObserver) Count(sessionID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[sessionID]
}

func (o *CountingObserver) Total() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, c := range o.counts {
		n += c
	}
	return n
}

func (o *CountingObserver) LastErr() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}
