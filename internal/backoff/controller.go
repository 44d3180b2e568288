package backoff

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Action tells the caller what to do after a recorded failure.
type Action int

const (
	// ActionContinue means keep pulling work.
	ActionContinue Action = iota
	// ActionWait means pause for Directive.Wait before the next pull.
	ActionWait
	// ActionTerminate means stop the run; the source is considered down.
	ActionTerminate
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionWait:
		return "wait"
	case ActionTerminate:
		return "terminate"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Directive is the controller's verdict after one failure.
type Directive struct {
	Action Action
	Wait   time.Duration
}

// Rung maps a consecutive-failure count to a response. A rung fires exactly
// when the count reaches Failures.
type Rung struct {
	Failures  int
	Wait      time.Duration
	Terminate bool
}

// DefaultLadder pauses at 3 and 5 consecutive failures and gives up at 10.
func DefaultLadder() []Rung {
	return []Rung{
		{Failures: 3, Wait: 5 * time.Minute},
		{Failures: 5, Wait: 30 * time.Minute},
		{Failures: 10, Terminate: true},
	}
}

// Controller counts consecutive discovery failures and hands out directives.
// Safe for concurrent use; the ops endpoint reads state while the run loop
// mutates it.
type Controller struct {
	mu       sync.Mutex
	ladder   []Rung
	failures int
	terminal bool
	logger   *zap.Logger
}

// New validates the ladder and builds a Controller. The ladder must be
// sorted by ascending failure count and end in a terminate rung.
func New(ladder []Rung, logger *zap.Logger) (*Controller, error) {
	if len(ladder) == 0 {
		return nil, errors.New("backoff: empty ladder")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	prev := 0
	for i, r := range ladder {
		if r.Failures <= prev {
			return nil, fmt.Errorf("backoff: rung %d failure count %d not ascending", i, r.Failures)
		}
		if !r.Terminate && r.Wait <= 0 {
			return nil, fmt.Errorf("backoff: rung %d needs a positive wait", i)
		}
		prev = r.Failures
	}
	if !ladder[len(ladder)-1].Terminate {
		return nil, errors.New("backoff: highest rung must terminate")
	}
	rungs := make([]Rung, len(ladder))
	copy(rungs, ladder)
	return &Controller{ladder: rungs, logger: logger}, nil
}

// RecordFailure bumps the consecutive-failure count and returns the
// directive for the new count. Once the terminal rung has fired the
// controller keeps returning terminate.
func (c *Controller) RecordFailure() Directive {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.terminal {
		return Directive{Action: ActionTerminate}
	}
	c.failures++
	for _, r := range c.ladder {
		if r.Failures != c.failures {
			continue
		}
		if r.Terminate {
			c.terminal = true
			c.logger.Warn("discovery failures reached terminal threshold",
				zap.Int("failures", c.failures),
			)
			return Directive{Action: ActionTerminate}
		}
		c.logger.Warn("discovery degraded, pausing",
			zap.Int("failures", c.failures),
			zap.Duration("wait", r.Wait),
		)
		return Directive{Action: ActionWait, Wait: r.Wait}
	}
	return Directive{Action: ActionContinue}
}

// RecordSuccess resets the count to zero. It does not lift a terminal
// directive; a run that was told to stop stays stopped.
func (c *Controller) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminal {
		return
	}
	c.failures = 0
}

// Failures reports the current consecutive-failure count.
func (c *Controller) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// Terminal reports whether the terminal rung has fired.
func (c *Controller) Terminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}
