// Package coordinator decides when the engine talks to the remote store.
//
// Triggers flow into a bounded channel consumed by a single goroutine; the
// consumer debounces them, rate-limits the noisy reasons, picks full versus
// incremental reconciliation, and runs exactly one sync at a time. Triggers
// arriving while a sync is in flight collapse into at most one queued
// follow-up (last reason wins) that re-fires immediately on completion.
//
// Reconciliation failures are logged and swallowed; the next periodic trigger
// retries. Write-path failures are surfaced elsewhere and never reach this
// package.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Kauhik/tracksync/internal/remote"
)

// Reason identifies what caused a sync trigger.
type Reason int

const (
	// ReasonInitial is the first load. Bypasses debounce, always full.
	ReasonInitial Reason = iota
	// ReasonLocalWrite follows a successful optimistic write.
	ReasonLocalWrite
	// ReasonPush follows a remote change notification.
	ReasonPush
	// ReasonPoll is the periodic timer.
	ReasonPoll
	// ReasonActivated fires when the application becomes active.
	ReasonActivated
	// ReasonFocused fires when the window regains focus.
	ReasonFocused
	// ReasonForced is an explicit user-initiated reload. Bypasses debounce,
	// always full.
	ReasonForced
)

func (r Reason) String() string {
	switch r {
	case ReasonInitial:
		return "initial"
	case ReasonLocalWrite:
		return "local-write"
	case ReasonPush:
		return "push"
	case ReasonPoll:
		return "poll"
	case ReasonActivated:
		return "activated"
	case ReasonFocused:
		return "focused"
	case ReasonForced:
		return "forced"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// immediate reports whether the reason bypasses the debounce window.
func (r Reason) immediate() bool {
	return r == ReasonInitial || r == ReasonForced
}

// throttled reports whether the reason is rate-limited to a minimum
// inter-arrival interval, independent of debouncing.
func (r Reason) throttled() bool {
	return r == ReasonFocused || r == ReasonActivated || r == ReasonPoll
}

// Runner executes the sync work the coordinator schedules.
// Satisfied by the reconciler.
type Runner interface {
	FullSync(ctx context.Context) error
	IncrementalSync(ctx context.Context) error
	ApplyPush(ctx context.Context, ev remote.PushEvent) error
}

// Config holds coordinator tuning knobs.
type Config struct {
	// Debounce is how long to wait after a trigger before syncing,
	// batching rapid trigger bursts together. Default: 500ms.
	Debounce time.Duration

	// ThrottleInterval is the minimum inter-arrival interval for throttled
	// reasons (focused, activated, poll). Default: 10s.
	ThrottleInterval time.Duration

	// FullInterval is how stale the last full reconciliation may get
	// before a poll or activation trigger upgrades to full. Default: 5m.
	FullInterval time.Duration

	// PollInterval is the periodic trigger interval. 0 disables polling.
	// Default: 30s.
	PollInterval time.Duration

	// Logger for coordinator activity. Defaults to stderr.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Debounce:         500 * time.Millisecond,
		ThrottleInterval: 10 * time.Second,
		FullInterval:     5 * time.Minute,
		PollInterval:     30 * time.Second,
		Logger:           log.New(os.Stderr, "[coordinator] ", log.LstdFlags),
	}
}

// highChurn reports whether a kind is written frequently enough that the push
// fast path would be redundant work; such kinds rely solely on the follow-up
// reconciliation.
func highChurn(kind remote.Kind) bool {
	return kind == remote.KindProgress || kind == remote.KindCustomProperty
}

// Coordinator owns the trigger state machine.
type Coordinator struct {
	cfg    Config
	runner Runner

	triggers chan Reason
	pushes   chan remote.PushEvent

	lastFull     time.Time
	lastAdmitted map[Reason]time.Time
}

// New creates a coordinator. Zero config fields take their defaults.
func New(runner Runner, cfg Config) (*Coordinator, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	def := DefaultConfig()
	if cfg.Debounce == 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.ThrottleInterval == 0 {
		cfg.ThrottleInterval = def.ThrottleInterval
	}
	if cfg.FullInterval == 0 {
		cfg.FullInterval = def.FullInterval
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	return &Coordinator{
		cfg:          cfg,
		runner:       runner,
		triggers:     make(chan Reason, 64),
		pushes:       make(chan remote.PushEvent, 64),
		lastAdmitted: make(map[Reason]time.Time),
	}, nil
}

// Notify submits a trigger. Non-blocking: if the trigger channel is full the
// trigger is dropped, which is safe because a queued follow-up already covers
// the backlog.
func (c *Coordinator) Notify(reason Reason) {
	select {
	case c.triggers <- reason:
	default:
		c.cfg.Logger.Printf("Trigger channel full, dropping %s trigger", reason)
	}
}

// NotifyPush submits a remote change notification.
func (c *Coordinator) NotifyPush(ev remote.PushEvent) {
	select {
	case c.pushes <- ev:
	default:
		c.cfg.Logger.Printf("Push channel full, dropping event for %s", ev.Locator)
	}
}

// Run consumes triggers until ctx is cancelled. This is the single consumer
// loop; all sync execution happens on this goroutine.
func (c *Coordinator) Run(ctx context.Context) error {
	var pollCh <-chan time.Time
	if c.cfg.PollInterval > 0 {
		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()
		pollCh = ticker.C
	}

	// Debounce state: at most one pending reason, timer channel nil when
	// no sync is scheduled. Re-triggering while pending replaces only the
	// reason, not the timer; the first trigger's deadline stands.
	var (
		debounce      *time.Timer
		debounceCh    <-chan time.Time
		pendingReason Reason
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	schedule := func(reason Reason) {
		pendingReason = reason
		if debounceCh == nil {
			debounce = time.NewTimer(c.cfg.Debounce)
			debounceCh = debounce.C
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-pollCh:
			if c.admit(ReasonPoll) {
				schedule(ReasonPoll)
			}

		case reason := <-c.triggers:
			if !c.admit(reason) {
				continue
			}
			if reason.immediate() {
				if debounce != nil {
					debounce.Stop()
				}
				debounceCh = nil
				c.execute(ctx, reason)
				c.drainAndFollowUp(ctx)
				continue
			}
			schedule(reason)

		case ev := <-c.pushes:
			c.fastPath(ctx, ev)
			schedule(ReasonPush)

		case <-debounceCh:
			debounceCh = nil
			c.execute(ctx, pendingReason)
			c.drainAndFollowUp(ctx)
		}
	}
}

// admit applies per-reason throttling. Throttled reasons arriving within the
// minimum inter-arrival interval are discarded.
func (c *Coordinator) admit(reason Reason) bool {
	if !reason.throttled() {
		return true
	}
	now := time.Now()
	if last, ok := c.lastAdmitted[reason]; ok && now.Sub(last) < c.cfg.ThrottleInterval {
		return false
	}
	c.lastAdmitted[reason] = now
	return true
}

// fastPath applies a push notification directly for low-churn kinds, ahead of
// the debounced reconciliation, for low perceived latency.
func (c *Coordinator) fastPath(ctx context.Context, ev remote.PushEvent) {
	if highChurn(ev.Locator.Kind) {
		return
	}
	if err := c.runner.ApplyPush(ctx, ev); err != nil {
		c.cfg.Logger.Printf("Push fast path failed for %s: %v (follow-up sync will cover it)",
			ev.Locator, err)
	}
}

// drainAndFollowUp collapses triggers that arrived during the just-finished
// sync into at most one immediate follow-up, last reason wins. Push events
// still get their fast path before being folded in.
func (c *Coordinator) drainAndFollowUp(ctx context.Context) {
	for {
		reason, ok := c.drainOnce(ctx)
		if !ok {
			return
		}
		c.execute(ctx, reason)
	}
}

// drainOnce empties the trigger and push channels without blocking and
// reduces them to a single follow-up reason.
func (c *Coordinator) drainOnce(ctx context.Context) (Reason, bool) {
	var reason Reason
	found := false
	for {
		select {
		case r := <-c.triggers:
			if c.admit(r) {
				reason = r
				found = true
			}
		case ev := <-c.pushes:
			c.fastPath(ctx, ev)
			reason = ReasonPush
			found = true
		default:
			return reason, found
		}
	}
}

// execute runs one sync, choosing full or incremental for the reason.
// Sync errors are logged and swallowed; the next trigger retries.
func (c *Coordinator) execute(ctx context.Context, reason Reason) {
	if ctx.Err() != nil {
		return
	}

	full := c.wantsFull(reason)

	var err error
	if full {
		err = c.runner.FullSync(ctx)
		if err == nil {
			c.lastFull = time.Now()
		}
	} else {
		err = c.runner.IncrementalSync(ctx)
	}
	if err != nil {
		c.cfg.Logger.Printf("Sync failed (reason=%s full=%t): %v", reason, full, err)
	}
}

// wantsFull picks the reconciliation mode for a trigger reason.
func (c *Coordinator) wantsFull(reason Reason) bool {
	switch reason {
	case ReasonInitial, ReasonForced:
		return true
	case ReasonPoll, ReasonActivated:
		return c.lastFull.IsZero() || time.Since(c.lastFull) > c.cfg.FullInterval
	default:
		return c.lastFull.IsZero()
	}
}
