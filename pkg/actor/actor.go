// Package actor implements the small state-function scheduler shared by the
// Coordinator and Lifecycle Executor. Each actor is a sequence of state
// functions; a state returns the next state to run and how long to wait
// before running it, driving a single goroutine through a select loop
// rather than a switch-based finite state machine.
package actor

import (
	"context"
	"time"
)

// Step is one state of the machine. It returns the next step to run, the
// delay before running it (0 means "immediately"), or an error which aborts
// the run.
type Step func(ctx context.Context) (next Step, delay time.Duration, err error)

// Machine drives a chain of Steps until one returns a nil next step, the
// context is cancelled, or a Step returns an error.
//
// Inbox delivers out-of-band requests (e.g. an explicit reset, a shutdown) to
// the running machine; a Step observes them by reading Inbox itself, since
// Steps close over the actor's own state and know which messages they care
// about at which point in the chain.
type Machine struct {
	Inbox chan any
}

// NewMachine allocates a Machine with a small buffered inbox so a caller
// posting a request never blocks on the actor being mid-step.
func NewMachine() *Machine {
	return &Machine{Inbox: make(chan any, 8)}
}

// Run executes the machine starting at initial until it terminates or ctx is
// cancelled. It returns the error of the terminating Step, if any.
func (m *Machine) Run(ctx context.Context, initial Step) error {
	step := initial
	for step != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		next, delay, err := step(ctx)
		if err != nil {
			return err
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		step = next
	}
	return nil
}

// Post delivers a message to the actor's inbox without blocking the caller
// for longer than block allows (0 means try-send only).
func (m *Machine) Post(msg any, block time.Duration) bool {
	if block <= 0 {
		select {
		case m.Inbox <- msg:
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(block)
	defer timer.Stop()
	select {
	case m.Inbox <- msg:
		return true
	case <-timer.C:
		return false
	}
}
