package script

import (
	"errors"
	"fmt"
	"time"

	"github.com/chazu/brickforge/pkg/brick"
)

// EvalTimeout is the default hard limit for a single evaluation.
const EvalTimeout = 5 * time.Second

var (
	// ErrTimeout is wrapped by the error returned when a script runs past
	// the engine's timeout.
	ErrTimeout = errors.New("evaluation timed out")
	// ErrSuperseded is returned when a newer Evaluate call started before
	// this one finished.
	ErrSuperseded = errors.New("evaluation superseded by newer request")
)

type evalResult struct {
	params brick.Parameters
	errors []EvalError
	err    error
}

// wait returns the result from ch, or a timeout error once e.timeout has
// passed. A result that arrives after a newer Evaluate call started is
// discarded as superseded.
//
// On timeout the evaluating goroutine may still be running; its buffered
// send completes and the result is dropped.
func (e *Engine) wait(ch <-chan evalResult, gen uint64) (brick.Parameters, []EvalError, error) {
	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		e.mu.Lock()
		current := e.generation
		e.mu.Unlock()
		if gen != current {
			return brick.Parameters{}, nil, ErrSuperseded
		}
		return res.params, res.errors, res.err

	case <-timer.C:
		return brick.Parameters{}, nil, fmt.Errorf("%w after %s", ErrTimeout, e.timeout)
	}
}
