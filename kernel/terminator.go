// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kbroker/kbroker/lib/clock"
	"github.com/kbroker/kbroker/lib/config"
)

// Action is one rung of the shutdown escalation. Actions only move
// forward: Term, Int, Kill, Nothing.
type Action int

const (
	// ActionNone is the previous action of a terminator that has not
	// acted yet.
	ActionNone Action = iota
	ActionTerm
	ActionInt
	ActionKill
	ActionNothing
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return ""
	case ActionTerm:
		return "TERM"
	case ActionInt:
		return "INT"
	case ActionKill:
		return "KILL"
	case ActionNothing:
		return "NOTHING"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Target is what a Terminator acts on.
type Target interface {
	// RequestTerminate asks the kernel to exit on its own.
	RequestTerminate()
	// RequestInterrupt asks the kernel to raise a keyboard interrupt
	// in its main thread.
	RequestInterrupt()
	// Kill forcefully ends the kernel process.
	Kill() error
}

// Escalation holds the delays and bounds of a termination.
type Escalation struct {
	// TermDelay separates the terminate request from the first
	// interrupt.
	TermDelay time.Duration
	// InterruptInterval separates consecutive interrupts.
	InterruptInterval time.Duration
	// InterruptAttempts is how many interrupts precede the kill.
	InterruptAttempts int
}

// DefaultEscalation waits half a second after the terminate request,
// then interrupts five times a tenth of a second apart before killing.
func DefaultEscalation() Escalation {
	return Escalation{
		TermDelay:         500 * time.Millisecond,
		InterruptInterval: 100 * time.Millisecond,
		InterruptAttempts: 5,
	}
}

// EscalationFromConfig converts the terminator configuration section.
func EscalationFromConfig(cfg config.TerminatorConfig) Escalation {
	return Escalation{
		TermDelay:         cfg.TermDelay.Std(),
		InterruptInterval: cfg.InterruptInterval.Std(),
		InterruptAttempts: cfg.InterruptAttempts,
	}
}

// Terminator drives one termination attempt. Step must be called
// periodically. Each call performs at most one action, and only once
// the deadline set by the previous action has passed.
type Terminator struct {
	target     Target
	reason     string
	escalation Escalation
	clock      clock.Clock
	metrics    Metrics
	logger     *slog.Logger

	next     Action
	previous Action
	deadline time.Time
	attempts int
}

// TerminatorOption configures a Terminator.
type TerminatorOption func(*Terminator)

// WithTerminatorClock sets the time source for deadlines.
func WithTerminatorClock(source clock.Clock) TerminatorOption {
	return func(t *Terminator) { t.clock = source }
}

// WithEscalation replaces DefaultEscalation.
func WithEscalation(escalation Escalation) TerminatorOption {
	return func(t *Terminator) { t.escalation = escalation }
}

// WithTerminatorMetrics records every action taken.
func WithTerminatorMetrics(metrics Metrics) TerminatorOption {
	return func(t *Terminator) { t.metrics = metrics }
}

// WithTerminatorLogger sets the logger.
func WithTerminatorLogger(logger *slog.Logger) TerminatorOption {
	return func(t *Terminator) { t.logger = logger }
}

// NewTerminator starts a termination that begins with action after
// delay. reason completes the sentence returned by Message, as in
// "by user" or "for restart". A zero delay takes the first action
// before NewTerminator returns.
func NewTerminator(target Target, reason string, action Action, delay time.Duration, options ...TerminatorOption) *Terminator {
	t := &Terminator{
		target:     target,
		reason:     reason,
		escalation: DefaultEscalation(),
		clock:      clock.Real(),
		metrics:    NopMetrics(),
		logger:     slog.Default(),
	}
	for _, option := range options {
		option(t)
	}
	if t.escalation.InterruptAttempts < 1 {
		t.escalation.InterruptAttempts = 1
	}
	t.schedule(action, delay)
	if delay <= 0 {
		t.Step()
	}
	return t
}

func (t *Terminator) schedule(action Action, delay time.Duration) {
	t.next = action
	t.deadline = t.clock.Now().Add(delay)
}

// Step takes the pending action if its deadline has passed.
func (t *Terminator) Step() {
	if t.next == ActionNothing || t.clock.Now().Before(t.deadline) {
		return
	}
	action := t.next
	t.previous = action

	switch action {
	case ActionTerm:
		t.target.RequestTerminate()
		t.schedule(ActionInt, t.escalation.TermDelay)

	case ActionInt:
		t.target.RequestInterrupt()
		t.attempts++
		if t.attempts < t.escalation.InterruptAttempts {
			t.schedule(ActionInt, t.escalation.InterruptInterval)
		} else {
			t.schedule(ActionKill, 0)
		}

	case ActionKill:
		if err := t.target.Kill(); err != nil {
			t.logger.Error("killing kernel process", "reason", t.reason, "error", err)
		}
		t.next = ActionNothing

	default:
		t.next = ActionNothing
		return
	}
	t.metrics.TerminatorAction(action)
	t.logger.Debug("terminator step", "action", action.String(), "attempts", t.attempts, "reason", t.reason)
}

// Action returns the action the next due Step will take, or
// ActionNothing once the kill was sent.
func (t *Terminator) Action() Action { return t.next }

// Previous returns the last action taken, ActionNone if none yet.
func (t *Terminator) Previous() Action { return t.previous }

// Attempts returns the number of interrupts sent.
func (t *Terminator) Attempts() int { return t.attempts }

// Done reports whether the escalation is exhausted.
func (t *Terminator) Done() bool { return t.next == ActionNothing }

// Deadline returns when the pending action becomes due.
func (t *Terminator) Deadline() time.Time { return t.deadline }

// Message describes the outcome for subject, for example
// "Kernel process terminated (after interrupting) by user.".
func (t *Terminator) Message(subject string) string {
	var outcome string
	switch t.previous {
	case ActionNone:
		outcome = "exited"
	case ActionTerm:
		outcome = "terminated"
	case ActionInt:
		outcome = "terminated (after interrupting)"
	case ActionKill:
		outcome = "killed"
	default:
		outcome = "stopped for unknown reason"
	}
	return fmt.Sprintf("%s %s %s.", subject, outcome, t.reason)
}
