package script

import (
	"testing"

	"github.com/chazu/brickforge/pkg/brick"
	zygo "github.com/glycerine/zygomys/zygo"
)

func TestPreprocessSource(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		expect string
	}{
		{
			name:   "simple keyword",
			input:  `(brick :length 4)`,
			expect: `(brick "__kw_length" 4)`,
		},
		{
			name:   "multiple keywords",
			input:  `(brick :length 4 :width 2)`,
			expect: `(brick "__kw_length" 4 "__kw_width" 2)`,
		},
		{
			name:   "keyword in string preserved",
			input:  `"thing with :keyword inside"`,
			expect: `"thing with :keyword inside"`,
		},
		{
			name:   "keyword in backtick string preserved",
			input:  "`raw :studs`",
			expect: "`raw :studs`",
		},
		{
			name:   "escaped quote in string",
			input:  `"a \" :b" :c`,
			expect: `"a \" :b" "__kw_c"`,
		},
		{
			name:   "assignment operator preserved",
			input:  `(def x := 10)`,
			expect: `(def x := 10)`,
		},
		{
			name:   "kebab-case identifier",
			input:  `(def base-width 2)`,
			expect: `(def base_width 2)`,
		},
		{
			name:   "hyphenated keyword becomes snake case",
			input:  `:with-studs`,
			expect: `"__kw_with_studs"`,
		},
		{
			name:   "minus operator preserved",
			input:  `(- 10 5)`,
			expect: `(- 10 5)`,
		},
		{
			name:   "negative literal preserved",
			input:  `:tolerance -0.1`,
			expect: `"__kw_tolerance" -0.1`,
		},
		{
			name:   "comment converted to // style",
			input:  `;; comment with :keyword`,
			expect: `// comment with :keyword`,
		},
		{
			name:   "comment ends at newline",
			input:  "; note\n(brick :height 1)",
			expect: "// note\n(brick \"__kw_height\" 1)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := preprocessSource(tt.input)
			if got != tt.expect {
				t.Errorf("preprocessSource(%q) = %q, want %q", tt.input, got, tt.expect)
			}
		})
	}
}

func kw(name string) zygo.Sexp { return &zygo.SexpStr{S: kwPrefix + name} }

func TestParseArgs(t *testing.T) {
	args := []zygo.Sexp{
		&zygo.SexpInt{Val: 4},
		kw("studs"),
		kw("width"),
		&zygo.SexpInt{Val: 2},
		kw("smooth"),
	}
	pa := parseArgs(args)

	if len(pa.positional) != 1 {
		t.Fatalf("positional = %d, want 1", len(pa.positional))
	}
	if b, ok := pa.kw["studs"].(*zygo.SexpBool); !ok || !b.Val {
		t.Errorf("studs flag = %#v, want true", pa.kw["studs"])
	}
	if n, ok := pa.kw["width"].(*zygo.SexpInt); !ok || n.Val != 2 {
		t.Errorf("width = %#v, want 2", pa.kw["width"])
	}
	if b, ok := pa.kw["smooth"].(*zygo.SexpBool); !ok || !b.Val {
		t.Errorf("trailing smooth flag = %#v, want true", pa.kw["smooth"])
	}
}

func TestToInt(t *testing.T) {
	if n, err := toInt(&zygo.SexpInt{Val: 3}); err != nil || n != 3 {
		t.Errorf("int: %d %v", n, err)
	}
	if n, err := toInt(&zygo.SexpFloat{Val: 2.0}); err != nil || n != 2 {
		t.Errorf("whole float: %d %v", n, err)
	}
	if _, err := toInt(&zygo.SexpFloat{Val: 2.5}); err == nil {
		t.Error("expected error for 2.5")
	}
	if _, err := toInt(&zygo.SexpStr{S: "3"}); err == nil {
		t.Error("expected error for string")
	}
}

func TestToFloat64(t *testing.T) {
	if v, err := toFloat64(&zygo.SexpInt{Val: 1}); err != nil || v != 1 {
		t.Errorf("int: %v %v", v, err)
	}
	if v, err := toFloat64(&zygo.SexpFloat{Val: 0.05}); err != nil || v != 0.05 {
		t.Errorf("float: %v %v", v, err)
	}
	if _, err := toFloat64(&zygo.SexpStr{S: "x"}); err == nil {
		t.Error("expected error for string")
	}
}

func TestToBool(t *testing.T) {
	if v, err := toBool(&zygo.SexpBool{Val: true}); err != nil || !v {
		t.Errorf("true: %v %v", v, err)
	}
	if v, err := toBool(zygo.SexpNull); err != nil || v {
		t.Errorf("nil: %v %v", v, err)
	}
	if _, err := toBool(&zygo.SexpInt{Val: 1}); err == nil {
		t.Error("expected error for 1")
	}
}

func TestSexpBrickString(t *testing.T) {
	s := &sexpBrick{p: brickParams(2, 4, 1, false, 0.1)}
	want := "(brick :length 2 :width 4 :height 1 :studs false :tolerance 0.1)"
	if got := s.SexpString(nil); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func brickParams(l, w, h int, studs bool, tol float64) brick.Parameters {
	return brick.Parameters{Length: l, Width: w, Height: h, WithStuds: studs, Tolerance: tol}
}
