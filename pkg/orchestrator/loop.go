package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/aapdo/gpu-monitor/pkg/config"
)

// CycleRunner is the single-pass runner the loop drives.
type CycleRunner interface {
	RunCycle(ctx context.Context) (Outcome, error)
}

// Loop repeats watchdog cycles at the configured interval until the context
// is cancelled. A failed cycle is retried with growing delays rather than
// terminating the loop: a transient store or collaborator outage must not
// kill the watchdog.
type Loop struct {
	runner     CycleRunner
	interval   time.Duration
	retryFloor time.Duration
	retryCeil  time.Duration
	sleepFn    func(time.Duration)
	afterCycle func(Outcome)
	onError    func(error)
}

// LoopOption adjusts loop behaviour at construction time.
type LoopOption func(*Loop)

// WithLoopSleepFunc replaces the real sleep between iterations.
func WithLoopSleepFunc(sleep func(time.Duration)) LoopOption {
	return func(l *Loop) { l.sleepFn = sleep }
}

// WithLoopIterationHook registers a callback invoked after each successful cycle.
func WithLoopIterationHook(hook func(Outcome)) LoopOption {
	return func(l *Loop) { l.afterCycle = hook }
}

// WithLoopInterval sets the delay between successful cycles.
func WithLoopInterval(d time.Duration) LoopOption {
	return func(l *Loop) { l.interval = d }
}

// WithLoopErrorHandler registers a callback for retryable cycle errors.
func WithLoopErrorHandler(handle func(error)) LoopOption {
	return func(l *Loop) { l.onError = handle }
}

// WithLoopErrorBackoff bounds the retry delay applied after errors.
func WithLoopErrorBackoff(floor, ceil time.Duration) LoopOption {
	return func(l *Loop) {
		l.retryFloor = floor
		l.retryCeil = ceil
	}
}

// NewLoop constructs a Loop around the provided runner.
func NewLoop(cfg *config.Config, runner CycleRunner, opts ...LoopOption) (*Loop, error) {
	if cfg == nil {
		return nil, errors.New("loop requires a configuration")
	}
	if runner == nil {
		return nil, errors.New("loop requires a cycle runner")
	}

	loop := &Loop{
		runner:     runner,
		interval:   cfg.CheckInterval(),
		retryFloor: 5 * time.Second,
		retryCeil:  time.Minute,
	}
	for _, opt := range opts {
		opt(loop)
	}

	if loop.interval <= 0 {
		loop.interval = time.Minute
	}
	if loop.retryFloor <= 0 {
		loop.retryFloor = 5 * time.Second
	}
	if loop.retryCeil < loop.retryFloor {
		loop.retryCeil = loop.retryFloor
	}
	return loop, nil
}

// Run executes cycles until the context is cancelled. The error backoff
// resets to the floor after the next successful cycle.
func (l *Loop) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var backoff time.Duration
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		outcome, err := l.runner.RunCycle(ctx)
		wait := l.interval
		if err != nil {
			if l.onError != nil {
				l.onError(err)
			}
			backoff = l.nextBackoff(backoff)
			wait = backoff
		} else {
			backoff = 0
			if l.afterCycle != nil {
				l.afterCycle(outcome)
			}
		}

		if err := l.pause(ctx, wait); err != nil {
			return err
		}
	}
}

func (l *Loop) nextBackoff(prev time.Duration) time.Duration {
	if prev <= 0 {
		return l.retryFloor
	}
	next := prev * 2
	if next > l.retryCeil {
		next = l.retryCeil
	}
	return next
}

// pause waits for d but returns early when the context is cancelled. Without
// an injected sleep the wait is a stoppable timer, so cancellation leaves no
// goroutine behind. A custom sleep function has no context of its own and
// runs in a goroutine that is abandoned on cancellation.
func (l *Loop) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if l.sleepFn == nil {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	done := make(chan struct{})
	go func() {
		l.sleepFn(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
