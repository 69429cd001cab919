package script

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/chazu/brickforge/pkg/brick"
)

func mustEval(t *testing.T, source string) brick.Parameters {
	t.Helper()
	p, evalErrs, err := NewEngine().Evaluate(source)
	if err != nil {
		t.Fatalf("unexpected fatal error: %v", err)
	}
	if len(evalErrs) > 0 {
		t.Fatalf("unexpected eval errors: %v", evalErrs)
	}
	return p
}

func TestEvaluateEmptyString(t *testing.T) {
	for _, src := range []string{"", "   \n\t  \n  "} {
		_, evalErrs, err := NewEngine().Evaluate(src)
		if err != nil {
			t.Fatalf("unexpected fatal error: %v", err)
		}
		if len(evalErrs) != 1 || !strings.Contains(evalErrs[0].Message, "empty script") {
			t.Errorf("expected empty script error, got %v", evalErrs)
		}
	}
}

func TestEvaluateKeywords(t *testing.T) {
	p := mustEval(t, `(brick :length 4 :width 2 :height 3 :studs true :tolerance 0.05)`)
	want := brick.Parameters{Length: 4, Width: 2, Height: 3, WithStuds: true, Tolerance: 0.05}
	if p != want {
		t.Errorf("got %+v, want %+v", p, want)
	}
}

func TestEvaluatePositional(t *testing.T) {
	p := mustEval(t, `(brick 2 4 1 :studs false)`)
	if p.Length != 2 || p.Width != 4 || p.Height != 1 || p.WithStuds {
		t.Errorf("got %+v", p)
	}
}

func TestEvaluateDefaults(t *testing.T) {
	p := mustEval(t, `(brick)`)
	if p != brick.DefaultParameters() {
		t.Errorf("got %+v, want defaults", p)
	}

	e := NewEngine(WithDefaults(brick.Parameters{Length: 1, Width: 1, Height: 1}))
	p, _, err := e.Evaluate(`(brick :width 6)`)
	if err != nil {
		t.Fatal(err)
	}
	if p.Length != 1 || p.Width != 6 || p.Height != 1 {
		t.Errorf("got %+v", p)
	}
}

func TestEvaluatePlateAndTile(t *testing.T) {
	p := mustEval(t, `(plate :length 2 :width 2)`)
	if p.Height != 1 || !p.WithStuds {
		t.Errorf("plate: got %+v", p)
	}

	p = mustEval(t, `(tile 2 2)`)
	if p.Height != 1 || p.WithStuds {
		t.Errorf("tile: got %+v", p)
	}

	// An explicit height still wins.
	p = mustEval(t, `(plate :height 2)`)
	if p.Height != 2 {
		t.Errorf("plate height: got %d", p.Height)
	}
}

func TestEvaluateLastFormWins(t *testing.T) {
	p := mustEval(t, `
(brick 1 1 1)
(plate 6 2)
`)
	if p.Length != 6 || p.Width != 2 || p.Height != 1 {
		t.Errorf("got %+v", p)
	}
}

func TestEvaluateComputedValues(t *testing.T) {
	p := mustEval(t, `
; a 2 by (2*2) brick
(def base-width 2)
(brick :length 2 :width (* base-width 2) :height 3 :tolerance (/ (play) 2))
`)
	if p.Width != 4 {
		t.Errorf("width = %d, want 4", p.Width)
	}
	if p.Tolerance < 0.0999 || p.Tolerance > 0.1001 {
		t.Errorf("tolerance = %v, want 0.1", p.Tolerance)
	}
}

func TestEvaluateFlags(t *testing.T) {
	p := mustEval(t, `(brick :smooth)`)
	if p.WithStuds {
		t.Error(":smooth should disable studs")
	}
	p = mustEval(t, `(brick :smooth false :length 2)`)
	if !p.WithStuds || p.Length != 2 {
		t.Errorf("got %+v", p)
	}
	p = mustEval(t, `(brick :with-studs false)`)
	if p.WithStuds {
		t.Error(":with-studs false should disable studs")
	}
}

func TestEvaluateNegativeTolerance(t *testing.T) {
	p := mustEval(t, `(brick :tolerance -0.1)`)
	if p.Tolerance != -0.1 {
		t.Errorf("tolerance = %v", p.Tolerance)
	}
}

func TestEvaluateDoesNotValidate(t *testing.T) {
	p := mustEval(t, `(brick :length 0)`)
	if p.Length != 0 {
		t.Errorf("length = %d", p.Length)
	}
	if err := p.Validate(); err == nil {
		t.Error("expected the builder to reject length 0")
	}
}

func TestEvaluateErrors(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{"no brick form", `(+ 1 2)`, "did not produce a brick"},
		{"syntax error", `(brick :length 2`, ""},
		{"undefined symbol", `(brick :length undefined-thing)`, ""},
		{"unknown keyword", `(brick :colour 3)`, "unknown keyword :colour"},
		{"fractional length", `(brick :length 2.5)`, "whole number"},
		{"string height", `(brick :height "three")`, "expected integer"},
		{"bad studs", `(brick :studs 1)`, "expected true or false"},
		{"too many positionals", `(brick 1 2 3 4)`, "at most 3"},
		{"studs and smooth", `(brick :studs true :smooth true)`, "mutually exclusive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, evalErrs, err := NewEngine().Evaluate(tt.source)
			if err != nil {
				t.Fatalf("expected non-fatal eval error, got fatal: %v", err)
			}
			if len(evalErrs) == 0 {
				t.Fatal("expected at least one eval error")
			}
			if evalErrs[0].Message == "" {
				t.Error("eval error message should not be empty")
			}
			if tt.want != "" && !strings.Contains(evalErrs[0].Error(), tt.want) {
				t.Errorf("error %q does not mention %q", evalErrs[0].Error(), tt.want)
			}
		})
	}
}

func TestWaitTimeout(t *testing.T) {
	e := NewEngine(WithTimeout(50 * time.Millisecond))
	ch := make(chan evalResult, 1)

	start := time.Now()
	_, _, err := e.wait(ch, 0)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("unexpected error: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("timeout took too long: %s", time.Since(start))
	}
}

func TestWaitSuperseded(t *testing.T) {
	e := NewEngine()
	e.generation = 2

	ch := make(chan evalResult, 1)
	ch <- evalResult{params: brick.DefaultParameters()}
	_, _, err := e.wait(ch, 1)
	if !errors.Is(err, ErrSuperseded) {
		t.Errorf("expected superseded error, got %v", err)
	}
}

func TestWaitCurrent(t *testing.T) {
	e := NewEngine()
	e.generation = 1

	ch := make(chan evalResult, 1)
	ch <- evalResult{params: brick.Parameters{Length: 3, Width: 3, Height: 3}}
	p, _, err := e.wait(ch, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Length != 3 {
		t.Errorf("got %+v", p)
	}
}

func TestEvaluateSequentialCalls(t *testing.T) {
	e := NewEngine()
	for i := 1; i <= 3; i++ {
		p, evalErrs, err := e.Evaluate(fmt.Sprintf("(brick :length %d)", i))
		if err != nil || len(evalErrs) > 0 {
			t.Fatalf("eval %d: %v %v", i, err, evalErrs)
		}
		if p.Length != i {
			t.Errorf("eval %d: length %d", i, p.Length)
		}
	}
}

func TestEvalErrorFormatting(t *testing.T) {
	if got := (EvalError{Line: 3, Message: "boom"}).Error(); got != "line 3: boom" {
		t.Errorf("got %q", got)
	}
	if got := (EvalError{Message: "boom"}).Error(); got != "boom" {
		t.Errorf("got %q", got)
	}
}

func TestParseZygomysError(t *testing.T) {
	errs := parseZygomysError(errString("Error on line 7: unexpected end of input"))
	if len(errs) != 1 || errs[0].Line != 7 || errs[0].Message != "unexpected end of input" {
		t.Errorf("got %+v", errs)
	}
	errs = parseZygomysError(errString("something odd"))
	if errs[0].Line != 0 || errs[0].Message != "something odd" {
		t.Errorf("got %+v", errs)
	}
}

type errString string

func (e errString) Error() string { return string(e) }
