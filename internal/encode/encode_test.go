package encode

import (
	"errors"
	"strings"
	"testing"
)

func TestEncodeRow(t *testing.T) {
	t.Parallel()

	e := New([]string{"a", "b", "c"})

	tests := []struct {
		name string
		in   []any
		want string
	}{
		{name: "plain", in: []any{"x", "y", "z"}, want: "x,y,z"},
		{name: "nil_renders_empty", in: []any{"x", nil, "z"}, want: "x,,z"},
		{name: "ints_fixed_decimal", in: []any{int64(42), 0, int64(-7)}, want: "42,0,-7"},
		{name: "floats_fixed_decimal", in: []any{1.5, 0.001, float64(2)}, want: "1.5,0.001,2"},
		{name: "comma_quoted", in: []any{"a,b", "y", "z"}, want: `"a,b",y,z`},
		{name: "quote_doubled", in: []any{`say "hi"`, "y", "z"}, want: `"say ""hi""",y,z`},
		{name: "newline_to_space", in: []any{"line1\nline2", "y", "z"}, want: `"line1 line2",y,z`},
		{name: "crlf_to_single_space", in: []any{"a\r\nb", "y", "z"}, want: `"a b",y,z`},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := e.EncodeRow(tc.in)
			if err != nil {
				t.Fatalf("EncodeRow(%v) err=%v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("EncodeRow(%v)=%q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestEncodeRowArity(t *testing.T) {
	t.Parallel()

	e := New([]string{"a", "b", "c"})
	_, err := e.EncodeRow([]any{"only", "two"})
	if err == nil {
		t.Fatalf("short row accepted")
	}

	var ae *ArityError
	if !errors.As(err, &ae) {
		t.Fatalf("error is %T, want *ArityError", err)
	}
	if ae.Header != 3 || ae.Row != 2 {
		t.Fatalf("ArityError=%+v, want Header=3 Row=2", ae)
	}
}

func TestHeader(t *testing.T) {
	t.Parallel()

	e := New([]string{"account_id", "impressions"})
	if got := e.Header(); got != "account_id,impressions" {
		t.Fatalf("Header()=%q", got)
	}
}

func TestWriteAll(t *testing.T) {
	t.Parallel()

	e := New([]string{"id", "city", "impressions"})
	rows := [][]any{
		{"a1", "Prague", int64(100)},
		{"a2", "New York, NY", int64(50)},
	}

	var b strings.Builder
	if err := e.WriteAll(&b, rows); err != nil {
		t.Fatalf("WriteAll() err=%v", err)
	}

	want := "id,city,impressions\n" +
		"a1,Prague,100\n" +
		`a2,"New York, NY",50` + "\n"
	if b.String() != want {
		t.Fatalf("WriteAll()=%q, want %q", b.String(), want)
	}
}

func TestWriteAllArityAborts(t *testing.T) {
	t.Parallel()

	e := New([]string{"a", "b"})
	var b strings.Builder
	err := e.WriteAll(&b, [][]any{{"x", "y"}, {"short"}})

	var ae *ArityError
	if !errors.As(err, &ae) {
		t.Fatalf("WriteAll err=%v, want *ArityError", err)
	}
}
