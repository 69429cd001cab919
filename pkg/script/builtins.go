package script

import (
	"fmt"
	"math"
	"strings"

	"github.com/chazu/brickforge/pkg/brick"
	zygo "github.com/glycerine/zygomys/zygo"
)

// kwPrefix marks keyword tokens rewritten by preprocessSource.
const kwPrefix = "__kw_"

// preprocessSource rewrites script source into something zygomys accepts:
//
//   - :keyword becomes the string "__kw_keyword", so keywords need no
//     global symbol and cannot collide with user variables;
//   - kebab-case identifiers become snake_case, since zygomys reads the
//     hyphen as subtraction;
//   - ; line comments become // comments.
//
// String literals (double-quoted and backtick) are copied untouched.
func preprocessSource(source string) string {
	var out strings.Builder
	out.Grow(len(source) + len(source)/4)

	b := source
	for i := 0; i < len(b); {
		c := b[i]
		switch {
		case c == '"' || c == '`':
			j := skipString(b, i)
			out.WriteString(b[i:j])
			i = j

		case c == ';':
			for i < len(b) && b[i] == ';' {
				i++
			}
			out.WriteString("//")
			j := strings.IndexByte(b[i:], '\n')
			if j < 0 {
				j = len(b) - i
			}
			out.WriteString(b[i : i+j])
			i += j

		case c == ':' && i+1 < len(b) && b[i+1] == '=':
			out.WriteString(":=")
			i += 2

		case c == ':' && i+1 < len(b) && isLetter(b[i+1]):
			j := i + 1
			for j < len(b) && isKWChar(b[j]) {
				j++
			}
			out.WriteByte('"')
			out.WriteString(kwPrefix)
			out.WriteString(strings.ReplaceAll(b[i+1:j], "-", "_"))
			out.WriteByte('"')
			i = j

		case c == '-' && i > 0 && i+1 < len(b) && isIdentChar(b[i-1]) && isLetter(b[i+1]):
			out.WriteByte('_')
			i++

		default:
			out.WriteByte(c)
			i++
		}
	}
	return out.String()
}

// skipString returns the index just past the string literal starting at i.
// Double-quoted strings honour backslash escapes; backtick strings do not.
func skipString(b string, i int) int {
	quote := b[i]
	j := i + 1
	for j < len(b) && b[j] != quote {
		if quote == '"' && b[j] == '\\' && j+1 < len(b) {
			j++
		}
		j++
	}
	if j < len(b) {
		j++
	}
	return j
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isKWChar(c byte) bool {
	return isLetter(c) || (c >= '0' && c <= '9') || c == '-' || c == '_'
}

func isIdentChar(c byte) bool {
	return isLetter(c) || (c >= '0' && c <= '9') || c == '_'
}

// sexpBrick is returned by the brick builtins so scripts can print or bind
// the result.
type sexpBrick struct {
	p brick.Parameters
}

func (s *sexpBrick) SexpString(ps *zygo.PrintState) string {
	return fmt.Sprintf("(brick :length %d :width %d :height %d :studs %t :tolerance %g)",
		s.p.Length, s.p.Width, s.p.Height, s.p.WithStuds, s.p.Tolerance)
}

func (s *sexpBrick) Type() *zygo.RegisteredType { return nil }

// kwArgs is a parsed mixed positional and keyword argument list.
type kwArgs struct {
	kw         map[string]zygo.Sexp
	positional []zygo.Sexp
}

func isKW(s zygo.Sexp) (string, bool) {
	str, ok := s.(*zygo.SexpStr)
	if !ok || !strings.HasPrefix(str.S, kwPrefix) {
		return "", false
	}
	return str.S[len(kwPrefix):], true
}

// parseArgs splits args into keywords and positionals. A trailing keyword
// with no value is a true flag, so (brick :studs) means studs on.
func parseArgs(args []zygo.Sexp) kwArgs {
	out := kwArgs{kw: make(map[string]zygo.Sexp)}
	for i := 0; i < len(args); i++ {
		name, ok := isKW(args[i])
		if !ok {
			out.positional = append(out.positional, args[i])
			continue
		}
		if i+1 < len(args) {
			if _, next := isKW(args[i+1]); !next {
				out.kw[name] = args[i+1]
				i++
				continue
			}
		}
		out.kw[name] = &zygo.SexpBool{Val: true}
	}
	return out
}

func toFloat64(s zygo.Sexp) (float64, error) {
	switch v := s.(type) {
	case *zygo.SexpInt:
		return float64(v.Val), nil
	case *zygo.SexpFloat:
		return v.Val, nil
	}
	return 0, fmt.Errorf("expected number, got %s", s.SexpString(nil))
}

// toInt accepts integers and floats with no fractional part.
func toInt(s zygo.Sexp) (int, error) {
	switch v := s.(type) {
	case *zygo.SexpInt:
		return int(v.Val), nil
	case *zygo.SexpFloat:
		if v.Val == math.Trunc(v.Val) && math.Abs(v.Val) < math.MaxInt32 {
			return int(v.Val), nil
		}
		return 0, fmt.Errorf("expected whole number, got %g", v.Val)
	}
	return 0, fmt.Errorf("expected integer, got %s", s.SexpString(nil))
}

func toBool(s zygo.Sexp) (bool, error) {
	if b, ok := s.(*zygo.SexpBool); ok {
		return b.Val, nil
	}
	if s == zygo.SexpNull {
		return false, nil
	}
	return false, fmt.Errorf("expected true or false, got %s", s.SexpString(nil))
}

// brickArgs fills p from the arguments of a brick form. Positional
// arguments are length, width and height, in that order.
func brickArgs(form string, p brick.Parameters, args []zygo.Sexp) (brick.Parameters, error) {
	pa := parseArgs(args)

	dims := []*int{&p.Length, &p.Width, &p.Height}
	names := []string{"length", "width", "height"}
	if len(pa.positional) > len(dims) {
		return p, fmt.Errorf("%s: at most %d positional arguments, got %d", form, len(dims), len(pa.positional))
	}
	for i, v := range pa.positional {
		n, err := toInt(v)
		if err != nil {
			return p, fmt.Errorf("%s: %s: %w", form, names[i], err)
		}
		*dims[i] = n
	}

	_, studs := pa.kw["studs"]
	_, smooth := pa.kw["smooth"]
	if studs && smooth {
		return p, fmt.Errorf("%s: :studs and :smooth are mutually exclusive", form)
	}

	for name, v := range pa.kw {
		var err error
		switch name {
		case "length":
			p.Length, err = toInt(v)
		case "width":
			p.Width, err = toInt(v)
		case "height":
			p.Height, err = toInt(v)
		case "studs", "with_studs":
			p.WithStuds, err = toBool(v)
		case "smooth":
			var smooth bool
			smooth, err = toBool(v)
			p.WithStuds = !smooth
		case "tolerance":
			p.Tolerance, err = toFloat64(v)
		default:
			return p, fmt.Errorf("%s: unknown keyword :%s", form, strings.ReplaceAll(name, "_", "-"))
		}
		if err != nil {
			return p, fmt.Errorf("%s: %s: %w", form, name, err)
		}
	}
	return p, nil
}

// registerBuiltins installs the brick forms into env. Every successful
// form calls emit; the last one wins.
//
//	(brick :length 4 :width 2 :height 3 :studs true :tolerance 0.1)
//	(brick 4 2 3)
//	(plate :length 2 :width 2)   ; height defaults to 1
//	(tile 2 2)                   ; a plate without studs
func registerBuiltins(env *zygo.Zlisp, defaults brick.Parameters, emit func(brick.Parameters)) {
	form := func(base brick.Parameters) func(*zygo.Zlisp, string, []zygo.Sexp) (zygo.Sexp, error) {
		return func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
			p, err := brickArgs(name, base, args)
			if err != nil {
				return zygo.SexpNull, err
			}
			emit(p)
			return &sexpBrick{p: p}, nil
		}
	}

	plate := defaults
	plate.Height = 1
	tile := plate
	tile.WithStuds = false

	env.AddFunction("brick", form(defaults))
	env.AddFunction("plate", form(plate))
	env.AddFunction("tile", form(tile))

	// (unit-pitch), (plate-height) and (play) expose the fixed profile.
	constants := map[string]float64{
		"unit_pitch":   brick.UnitPitch,
		"plate_height": brick.PlateHeight,
		"play":         brick.Play,
	}
	for name, v := range constants {
		v := v
		env.AddFunction(name, func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
			if len(args) != 0 {
				return zygo.SexpNull, fmt.Errorf("%s: takes no arguments", name)
			}
			return &zygo.SexpFloat{Val: v}, nil
		})
	}
}
