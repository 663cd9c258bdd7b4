package query

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want Expr
	}{
		{
			in:   `name == "match"`,
			want: &Equation{Attr: "name", Op: Eq, Val: StringValue("match")},
		},
		{
			in:   `size > 1024`,
			want: &Equation{Attr: "size", Op: Gt, Val: IntValue(1024)},
		},
		{
			in: `(size >= 10 && name != "x") || tag == "keep"`,
			want: &Or{
				Left: &And{
					Left:  &Equation{Attr: "size", Op: Ge, Val: IntValue(10)},
					Right: &Equation{Attr: "name", Op: Ne, Val: StringValue("x")},
				},
				Right: &Equation{Attr: "tag", Op: Eq, Val: StringValue("keep")},
			},
		},
		{
			in: `!(rank < 2.5)`,
			want: &Not{
				Inner: &Equation{Attr: "rank", Op: Lt, Val: FloatValue(2.5)},
			},
		},
	} {
		got, err := Parse(tt.in)
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.in, err)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("Parse(%q): diff (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{
		``,
		`name ==`,
		`name = "x"`,
		`(name == "x"`,
		`name == "unterminated`,
		`== "x"`,
		`name == "x") extra`,
	} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", in)
		}
	}
}

func TestMatches(t *testing.T) {
	attrs := map[string]Value{
		"name": StringValue("report.txt"),
		"size": IntValue(2048),
	}
	lookup := func(attr string) (Value, bool) {
		v, ok := attrs[attr]
		return v, ok
	}
	for _, tt := range []struct {
		in   string
		want bool
	}{
		{`name == "report.txt"`, true},
		{`name == "other"`, false},
		{`size > 1024`, true},
		{`size > 4096`, false},
		{`size > 1024 && name == "report.txt"`, true},
		{`size > 4096 || name == "report.txt"`, true},
		{`!(size > 4096)`, true},
		// An attribute the inode lacks makes its equation false, even
		// with the != operator.
		{`missing == "x"`, false},
		{`missing != "x"`, false},
	} {
		expr, err := Parse(tt.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.in, err)
		}
		if got := Matches(expr, lookup); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestEquationsCollectsLeaves(t *testing.T) {
	expr, err := Parse(`(a == "1" && b == "2") || !(c == "3")`)
	if err != nil {
		t.Fatal(err)
	}
	eqs := Equations(expr)
	var attrs []string
	for _, eq := range eqs {
		attrs = append(attrs, eq.Attr)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, attrs); diff != "" {
		t.Errorf("Equations: diff (-want +got):\n%s", diff)
	}
}
