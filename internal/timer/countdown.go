// Package timer drives a session's countdown.
package timer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/event"
)

// DefaultInterval is the countdown resolution.
const DefaultInterval = time.Second

// Countdown emits one tick per interval, a warning the first time the
// remaining time reaches each threshold, and a single expiry. Once expired
// it never emits again, even if its ticker keeps firing.
type Countdown struct {
	clock    clock.Clock
	interval time.Duration
	emit     event.Emitter
	log      zerolog.Logger

	mu         sync.Mutex
	remaining  int
	thresholds []int
	warned     map[int]bool
	expired    bool
	stopped    bool
	stop       chan struct{}
	done       chan struct{}
}

// Options configures a Countdown.
type Options struct {
	Clock    clock.Clock
	Interval time.Duration
	// Remaining is the starting value in seconds.
	Remaining int
	// Thresholds are warning marks in seconds.
	Thresholds []int
	Emit       event.Emitter
	Log        zerolog.Logger
}

// New creates a stopped Countdown.
func New(opts Options) *Countdown {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	thresholds := append([]int(nil), opts.Thresholds...)
	sort.Sort(sort.Reverse(sort.IntSlice(thresholds)))

	return &Countdown{
		clock:      opts.Clock,
		interval:   opts.Interval,
		emit:       opts.Emit,
		log:        opts.Log.With().Str("component", "countdown").Logger(),
		remaining:  opts.Remaining,
		thresholds: thresholds,
		warned:     make(map[int]bool, len(thresholds)),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run blocks, ticking until expiry, Stop, or ctx cancellation. Call in a goroutine.
func (c *Countdown) Run(ctx context.Context) {
	defer close(c.done)

	if c.Expired() {
		return
	}
	if c.checkStartExpired() {
		return
	}

	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			if c.Advance(int(c.interval / time.Second)) {
				return
			}
		}
	}
}

// checkStartExpired expires immediately when started with nothing left.
func (c *Countdown) checkStartExpired() bool {
	c.mu.Lock()
	if c.remaining > 0 || c.expired {
		c.mu.Unlock()
		return c.Expired()
	}
	c.expired = true
	c.mu.Unlock()

	c.send(event.Event{Kind: event.KindTimeExpired, At: c.clock.Now()})
	return true
}

// Advance applies elapsed seconds and emits the resulting events. It reports
// whether the countdown has expired. Calls after expiry or Stop are ignored.
func (c *Countdown) Advance(elapsed int) bool {
	if elapsed <= 0 {
		elapsed = 1
	}

	c.mu.Lock()
	if c.expired || c.stopped {
		expired := c.expired
		c.mu.Unlock()
		return expired
	}
	c.remaining -= elapsed
	if c.remaining < 0 {
		c.remaining = 0
	}
	remaining := c.remaining

	var crossed []int
	for _, th := range c.thresholds {
		if remaining > 0 && remaining <= th && !c.warned[th] {
			c.warned[th] = true
			crossed = append(crossed, th)
		}
	}
	if remaining == 0 {
		c.expired = true
	}
	c.mu.Unlock()

	now := c.clock.Now()
	c.send(event.Event{Kind: event.KindTick, At: now, Elapsed: elapsed, Remaining: remaining})
	for _, th := range crossed {
		c.send(event.Event{Kind: event.KindTimeWarning, At: now, Remaining: remaining, Threshold: th})
	}
	if remaining == 0 {
		c.log.Debug().Msg("Countdown expired")
		c.send(event.Event{Kind: event.KindTimeExpired, At: now})
		return true
	}
	return false
}

func (c *Countdown) send(e event.Event) {
	if c.emit != nil {
		c.emit(e)
	}
}

// Remaining returns the countdown's own view of remaining seconds.
func (c *Countdown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Expired reports whether the expiry event has been emitted.
func (c *Countdown) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expired
}

// Stop halts ticking permanently. Safe to call more than once and before Run.
func (c *Countdown) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.stop)
}

// Done is closed when Run returns.
func (c *Countdown) Done() <-chan struct{} { return c.done }
