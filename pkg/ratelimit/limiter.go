package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/tempo/pkg/observability"
)

// Limiter is a FIFO gate for one model tier.
type Limiter struct {
	name     string
	recorder observability.Recorder
	now      func() time.Time

	mu          sync.Mutex
	limits      Limits
	calls       []time.Time
	active      int
	pausedUntil time.Time
	lastCall    time.Time
	queue       []*waiter
	granted     uint64
}

type waiter struct {
	wake chan struct{}
}

// Stats is a point-in-time view of a limiter.
type Stats struct {
	Name        string    `json:"name"`
	Active      int       `json:"active"`
	Queued      int       `json:"queued"`
	Granted     uint64    `json:"granted"`
	WindowCalls int       `json:"window_calls"`
	PausedUntil time.Time `json:"paused_until,omitzero"`
	Limits      Limits    `json:"limits"`
}

// NewLimiter creates a limiter named name (usually the tier).
func NewLimiter(name string, limits Limits, recorder observability.Recorder) *Limiter {
	limits.SetDefaults()
	return &Limiter{
		name:     name,
		limits:   limits,
		recorder: observability.OrNoop(recorder),
		now:      time.Now,
	}
}

// Name returns the limiter name.
func (l *Limiter) Name() string {
	return l.name
}

// Acquire blocks until a slot is granted or ctx is done.
// Every successful Acquire must be paired with one Release.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w := &waiter{wake: make(chan struct{}, 1)}
	start := l.now()

	l.mu.Lock()
	l.queue = append(l.queue, w)
	l.mu.Unlock()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		l.mu.Lock()
		wait, granted := l.tryGrantLocked(w)
		l.mu.Unlock()

		if granted {
			waited := l.now().Sub(start)
			l.recorder.RecordLimiterWait(l.name, waited)
			if waited > time.Second {
				slog.Debug("Rate limiter slot granted", "tier", l.name, "waited", waited.Round(time.Millisecond))
			}
			return nil
		}

		var timerC <-chan time.Time
		if wait > 0 {
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				timer.Reset(wait)
			}
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.removeLocked(w)
			l.mu.Unlock()
			return ctx.Err()
		case <-w.wake:
		case <-timerC:
		}

		if timer != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// tryGrantLocked grants w if it heads the queue and every ceiling allows
// it. Otherwise it returns how long to sleep before checking again, or
// zero when only a Release can unblock it.
func (l *Limiter) tryGrantLocked(w *waiter) (time.Duration, bool) {
	if len(l.queue) == 0 || l.queue[0] != w {
		return 0, false
	}
	if l.active >= l.limits.MaxConcurrent {
		return 0, false
	}

	now := l.now()
	l.pruneLocked(now)

	var wait time.Duration
	if l.pausedUntil.After(now) {
		wait = l.pausedUntil.Sub(now)
	}
	if rpm := l.limits.RPM; rpm > 0 && len(l.calls) >= rpm {
		wait = max(wait, l.calls[len(l.calls)-rpm].Add(l.limits.Window).Sub(now))
	}
	if !l.lastCall.IsZero() && l.limits.MinSpacing > 0 {
		wait = max(wait, l.lastCall.Add(l.limits.MinSpacing).Sub(now))
	}
	if wait > 0 {
		return wait, false
	}

	l.queue = l.queue[1:]
	l.active++
	l.calls = append(l.calls, now)
	l.lastCall = now
	l.granted++
	l.notifyHeadLocked()
	return 0, true
}

// pruneLocked drops timestamps that left the trailing window.
func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.limits.Window)
	i := 0
	for i < len(l.calls) && !l.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}

func (l *Limiter) removeLocked(w *waiter) {
	for i, q := range l.queue {
		if q == w {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			break
		}
	}
	l.notifyHeadLocked()
}

func (l *Limiter) notifyHeadLocked() {
	if len(l.queue) == 0 {
		return
	}
	select {
	case l.queue[0].wake <- struct{}{}:
	default:
	}
}

// Release returns a slot obtained with Acquire.
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active > 0 {
		l.active--
	}
	l.notifyHeadLocked()
}

// Pause blocks all grants for d. Overlapping pauses keep the later deadline.
func (l *Limiter) Pause(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	until := l.now().Add(d)
	if until.After(l.pausedUntil) {
		l.pausedUntil = until
	}
	l.notifyHeadLocked()
	l.mu.Unlock()

	l.recorder.RecordLimiterPause(l.name, d)
	slog.Debug("Rate limiter paused", "tier", l.name, "duration", d.Round(time.Millisecond))
}

// Reconfigure swaps the limits in place. Holders and waiters are kept.
func (l *Limiter) Reconfigure(limits Limits) {
	limits.SetDefaults()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits = limits
	l.notifyHeadLocked()
}

// Stats returns a snapshot of the limiter state.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)

	s := Stats{
		Name:        l.name,
		Active:      l.active,
		Queued:      len(l.queue),
		Granted:     l.granted,
		WindowCalls: len(l.calls),
		Limits:      l.limits,
	}
	if l.pausedUntil.After(now) {
		s.PausedUntil = l.pausedUntil
	}
	return s
}
