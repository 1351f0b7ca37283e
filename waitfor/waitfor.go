// Package waitfor implements a bounded, fixed-interval polling loop. The
// Waiter doesn't evaluate any condition itself: it tells the caller whether
// another poll is allowed and sleeps between polls, and the caller checks its
// own condition after each tick.
package waitfor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultTimeout      = time.Duration(10) * time.Second
	defaultPollInterval = time.Duration(1) * time.Second
)

// ErrTimeout is matched by every *TimeoutError via errors.Is.
var ErrTimeout = errors.New("timed out")

// TimeoutError is returned when there isn't enough time left for another
// poll.
type TimeoutError struct {
	Action  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout of %v reached while waiting for: %v", e.Timeout, e.Action)
}

// Is lets callers use errors.Is(err, ErrTimeout).
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Config controls a Waiter.
type Config struct {
	// Total time the Waiter may spend sleeping between polls
	Timeout time.Duration `yaml:"timeout"`
	// Time between polls. Must not exceed Timeout.
	PollInterval time.Duration `yaml:"pollInterval"`
	// If true, running out of time ends the loop without an error and the
	// caller has to check whether its condition was met.
	SilentTimeout bool `yaml:"silentTimeout"`
}

// CheckAndSetDefaults validates c and returns a copy with defaults applied.
// Zero durations get the defaults; negative ones are an error.
func (c *Config) CheckAndSetDefaults() (Config, error) {
	n := *c
	if n.Timeout < 0 || n.PollInterval < 0 {
		return Config{}, errors.New("the wait timeout and poll interval must be positive")
	}
	if n.Timeout == 0 {
		n.Timeout = defaultTimeout
	}
	if n.PollInterval == 0 {
		n.PollInterval = defaultPollInterval
	}
	if n.PollInterval > n.Timeout {
		return Config{}, fmt.Errorf(
			"the poll interval (%v) can't be longer than the timeout (%v)",
			n.PollInterval,
			n.Timeout,
		)
	}
	return n, nil
}

// Waiter tracks the time spent waiting for a single action. Create one with
// New right before the first poll, since the clock starts then.
type Waiter struct {
	action string
	conf   Config
	start  time.Time
	polls  int
}

// New validates c and starts the clock for a Waiter.
func New(action string, c Config) (*Waiter, error) {
	cc, err := c.CheckAndSetDefaults()
	if err != nil {
		return nil, err
	}
	return &Waiter{
		action: action,
		conf:   cc,
		start:  time.Now(),
	}, nil
}

// ShouldWait decides whether the caller gets another poll. If the next sleep
// would push the total wait past the timeout, it returns false right away
// (along with a *TimeoutError unless the Config is silent) instead of
// sleeping first. Otherwise it sleeps for the poll interval and returns true.
//
// If ctx ends during the sleep, ShouldWait returns false and ctx.Err().
func (w *Waiter) ShouldWait(ctx context.Context) (bool, error) {
	if time.Since(w.start)+w.conf.PollInterval > w.conf.Timeout {
		log.Debug().
			Str("action", w.action).
			Int("polls", w.polls).
			Msg("wait timed out")
		if w.conf.SilentTimeout {
			return false, nil
		}
		return false, &TimeoutError{
			Action:  w.action,
			Timeout: w.conf.Timeout,
		}
	}

	t := time.NewTimer(w.conf.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-t.C:
	}
	w.polls++
	return true, nil
}

// Polls returns the number of completed sleeps.
func (w *Waiter) Polls() int {
	return w.polls
}

// Elapsed returns the time since the Waiter was created.
func (w *Waiter) Elapsed() time.Duration {
	return time.Since(w.start)
}

// Until checks cond once up front and then after every tick of w. It returns
// true as soon as cond does. It returns false when w runs out of time
// silently, and an error if cond fails, ctx ends, or w times out loudly.
func Until(ctx context.Context, w *Waiter, cond func(context.Context) (bool, error)) (bool, error) {
	for {
		ok, err := cond(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		more, err := w.ShouldWait(ctx)
		if err != nil {
			return false, err
		}
		if !more {
			return false, nil
		}
	}
}
