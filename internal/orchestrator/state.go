package orchestrator

import (
	"context"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// ----------------------------------
// entry events
// ----------------------------------
type entryEvent int

const (
	submitEntry entryEvent = iota
	startEntry
	commitEntry
	failEntry
	timeoutEntry
	retryEntry
	cancelEntry
)

func (ee entryEvent) String() string {
	return [...]string{"submit", "start", "commit", "fail", "timeout", "retry", "cancel"}[ee]
}

// ----------------------------------
// entry states
// ----------------------------------
type entryState int

const (
	Planned entryState = iota
	Submitted
	InProgress
	Committed
	TimedOut
	Failed
	Cancelled
)

func (es entryState) String() string {
	return [...]string{"Planned", "Submitted", "InProgress", "Committed", "TimedOut", "Failed", "Cancelled"}[es]
}

func newEntryState(logger *zap.Logger) *fsm.FSM {
	return fsm.NewFSM(
		Planned.String(), fsm.Events{
			{
				Name: submitEntry.String(),
				Src:  []string{Planned.String()},
				Dst:  Submitted.String(),
			}, {
				Name: startEntry.String(),
				Src:  []string{Submitted.String()},
				Dst:  InProgress.String(),
			}, {
				Name: commitEntry.String(),
				Src:  []string{InProgress.String()},
				Dst:  Committed.String(),
			}, {
				Name: failEntry.String(),
				Src:  []string{Planned.String(), Submitted.String(), InProgress.String(), TimedOut.String()},
				Dst:  Failed.String(),
			}, {
				Name: timeoutEntry.String(),
				Src:  []string{InProgress.String()},
				Dst:  TimedOut.String(),
			}, {
				Name: retryEntry.String(),
				Src:  []string{Failed.String()},
				Dst:  Planned.String(),
			}, {
				Name: cancelEntry.String(),
				Src:  []string{Planned.String(), Submitted.String(), InProgress.String(), TimedOut.String()},
				Dst:  Cancelled.String(),
			},
		},
		fsm.Callbacks{
			// The first argument is always the *task the machine belongs to.
			"enter_state": func(_ context.Context, event *fsm.Event) {
				t := event.Args[0].(*task) //nolint:errcheck
				logger.Debug("Migration entry state transition",
					zap.String("plan_id", t.plan.ID),
					zap.String("vm_id", t.entry.VMID),
					zap.String("source", event.Src),
					zap.String("destination", event.Dst),
					zap.String("event", event.Event),
					zap.Int("attempt", int(t.attempts.Load())),
				)
			},
		},
	)
}
