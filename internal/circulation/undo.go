// internal/circulation/undo.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const undoTimeout = 5 * time.Second

type undoStep struct {
	name string
	fn   func(ctx context.Context) error
}

// unitOfWork collects compensating actions as writes succeed and replays
// them in reverse order when a later write fails.
type unitOfWork struct {
	op     string
	steps  []undoStep
	logger Logger
	onUndo func()
}

func (u *unitOfWork) onRollback(name string, fn func(ctx context.Context) error) {
	u.steps = append(u.steps, undoStep{name: name, fn: fn})
}

// rollback undoes every recorded write. It returns cause when all undo steps
// succeed and an *InconsistencyError otherwise.
func (u *unitOfWork) rollback(ctx context.Context, cause error) error {
	if len(u.steps) == 0 {
		return cause
	}
	if u.onUndo != nil {
		u.onUndo()
	}

	// the caller may have given up; compensation still has to run
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), undoTimeout)
	defer cancel()

	var undoErrs []error
	for i := len(u.steps) - 1; i >= 0; i-- {
		step := u.steps[i]
		if err := step.fn(ctx); err != nil {
			u.logger.Error(logMsgCompensationFailed,
				logAttrOperation, u.op,
				logAttrStep, step.name,
				logAttrError, err.Error())
			undoErrs = append(undoErrs, fmt.Errorf("%s: %w", step.name, err))
		}
	}
	u.steps = nil

	if len(undoErrs) > 0 {
		return &InconsistencyError{Op: u.op, Cause: cause, UndoErr: errors.Join(undoErrs...)}
	}

	u.logger.Info(logMsgCompensated, logAttrOperation, u.op, logAttrError, cause.Error())
	return cause
}
