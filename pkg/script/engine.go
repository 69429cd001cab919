// Package script evaluates brick preset scripts. A script is a sandboxed
// zygomys Lisp program whose last (brick ...) or (plate ...) form names
// the parameters to build:
//
//	; a classic 2x4 brick with a slightly looser fit
//	(brick :length 4 :width 2 :height 3 :tolerance 0.05)
//
// Scripts may compute values with ordinary Lisp (def, let, arithmetic);
// they cannot reach the filesystem or the network.
package script

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chazu/brickforge/pkg/brick"
	zygo "github.com/glycerine/zygomys/zygo"
)

// EvalError is a non-fatal problem in user code, such as a parse error, an
// unknown symbol or a bad builtin argument.
type EvalError struct {
	Line    int
	Message string
}

func (e EvalError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Message)
	}
	return e.Message
}

// Engine evaluates scripts. Each evaluation runs in a fresh sandbox, so an
// Engine is safe for concurrent use and results are deterministic.
type Engine struct {
	defaults brick.Parameters
	timeout  time.Duration

	mu         sync.Mutex
	generation uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithDefaults sets the values used for keywords a script leaves out.
func WithDefaults(p brick.Parameters) Option {
	return func(e *Engine) { e.defaults = p }
}

// WithTimeout overrides EvalTimeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// NewEngine returns an Engine using brick.DefaultParameters for omitted
// keywords.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{defaults: brick.DefaultParameters(), timeout: EvalTimeout}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs source and returns the parameters of its last brick form.
//
// Return semantics:
//   - On success: parameters, nil, nil
//   - On a problem in the script: zero parameters, eval errors, nil
//   - On fatal failure (timeout, panic, superseded): zero, nil, error
//
// The returned parameters are not validated; that is the builder's job.
func (e *Engine) Evaluate(source string) (brick.Parameters, []EvalError, error) {
	e.mu.Lock()
	e.generation++
	gen := e.generation
	e.mu.Unlock()

	ch := make(chan evalResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- evalResult{err: fmt.Errorf("panic during evaluation: %v", r)}
			}
		}()
		p, evalErrs, err := e.evaluate(source)
		ch <- evalResult{params: p, errors: evalErrs, err: err}
	}()

	return e.wait(ch, gen)
}

func (e *Engine) evaluate(source string) (brick.Parameters, []EvalError, error) {
	if strings.TrimSpace(source) == "" {
		return brick.Parameters{}, []EvalError{{Message: "empty script: expected a (brick ...) or (plate ...) form"}}, nil
	}

	env := zygo.NewZlispSandbox()
	defer env.Stop()

	var last *brick.Parameters
	registerBuiltins(env, e.defaults, func(p brick.Parameters) { last = &p })

	if err := env.LoadString(preprocessSource(source)); err != nil {
		return brick.Parameters{}, parseZygomysError(err), nil
	}
	if _, err := env.Run(); err != nil {
		return brick.Parameters{}, parseZygomysError(err), nil
	}
	if last == nil {
		return brick.Parameters{}, []EvalError{{Message: "script did not produce a brick: expected a (brick ...) or (plate ...) form"}}, nil
	}
	return *last, nil, nil
}

// linePattern matches zygomys messages such as "Error on line 3: ...".
var linePattern = regexp.MustCompile(`(?i)(?:error )?on line (\d+):\s*(.*)`)

// linePatternShort matches "line N: ..." prefixes.
var linePatternShort = regexp.MustCompile(`(?i)^line (\d+):\s*(.*)`)

// parseZygomysError turns an interpreter error into an EvalError, keeping
// the line number when the message carries one.
func parseZygomysError(err error) []EvalError {
	msg := err.Error()
	for _, re := range []*regexp.Regexp{linePattern, linePatternShort} {
		if m := re.FindStringSubmatch(msg); m != nil {
			line, _ := strconv.Atoi(m[1])
			return []EvalError{{Line: line, Message: strings.TrimSpace(m[2])}}
		}
	}
	return []EvalError{{Message: strings.TrimSpace(msg)}}
}
