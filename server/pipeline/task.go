package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/deuxdrop/chat/server/store/types"
)

// stage is a step of a task. Stages run strictly in this order; a task may skip some.
type stage int

const (
	// Load the conversation root or the peep, verify preconditions.
	stageLoad stage = iota
	// Open and validate the envelope through the crypto boundary.
	stageValidate
	// Allocate the next sequence number.
	stageSequence
	// Write cells, then indices.
	stagePersist
	// Sign the replica block, relay it, notify live queries.
	stageRelay
)

func (s stage) String() string {
	switch s {
	case stageLoad:
		return "load"
	case stageValidate:
		return "validate"
	case stageSequence:
		return "sequence"
	case stagePersist:
		return "persist"
	case stageRelay:
		return "relay"
	}
	return "unknown"
}

// StageError records where a task failed. The class of the cause is preserved:
// types.Classify and errors.Is see through it.
type StageError struct {
	Event types.EventKind
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s task failed at %s: %v", e.Event, e.Stage, e.Err)
}

// Unwrap returns the cause.
func (e *StageError) Unwrap() error {
	return e.Err
}

// errDone ends a task early and successfully.
var errDone = errors.New("done")

type step struct {
	stage stage
	run   func(ctx context.Context) error
}

// runStages drives a task through its steps. Until the first mutating stage the task
// may be abandoned through ctx; from then on it runs to completion.
func runStages(ctx context.Context, kind types.EventKind, steps ...step) error {
	for _, s := range steps {
		if s.stage < stageSequence {
			if err := ctx.Err(); err != nil {
				return &StageError{Event: kind, Stage: s.stage.String(), Err: err}
			}
		} else {
			ctx = context.WithoutCancel(ctx)
		}

		if err := s.run(ctx); err != nil {
			if err == errDone {
				return nil
			}
			return &StageError{Event: kind, Stage: s.stage.String(), Err: err}
		}
	}
	return nil
}

// outage classifies a storage failure.
func outage(err error, format string, args ...any) error {
	return types.Wrap(types.ErrApparentOutageMaybeLater, err, fmt.Sprintf(format, args...))
}
