// Package encode serializes fact rows to the delimited text form consumed
// by store-native bulk ingestion protocols (Postgres COPY, MySQL LOAD
// DATA). One Encoder carries the header; every encoded row is checked
// against it, so a header/row arity mismatch can never silently misalign
// columns inside a bulk stream.
package encode

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

const delimiter = ','

// ArityError reports a row whose field count does not match the header.
// It is an invariant violation: the batch must be rejected before any
// durable write, never loaded with shifted columns.
type ArityError struct {
	Header int
	Row    int
}

func (e *ArityError) Error() string {
	return fmt.Sprintf("encode: row has %d fields, header has %d", e.Row, e.Header)
}

// Encoder renders rows for one fixed column list.
type Encoder struct {
	columns []string
	header  string
}

// New builds an Encoder whose header field order and count match the given
// columns exactly.
func New(columns []string) *Encoder {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = escape(c)
	}
	return &Encoder{
		columns: append([]string(nil), columns...),
		header:  strings.Join(parts, string(delimiter)),
	}
}

// Header returns the header row, without a trailing newline.
func (e *Encoder) Header() string { return e.header }

// Columns returns the encoder's column list.
func (e *Encoder) Columns() []string { return append([]string(nil), e.columns...) }

// EncodeRow renders one row. The field count must match the header.
func (e *Encoder) EncodeRow(values []any) (string, error) {
	if len(values) != len(e.columns) {
		return "", &ArityError{Header: len(e.columns), Row: len(values)}
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = escape(renderValue(v))
	}
	return strings.Join(parts, string(delimiter)), nil
}

// WriteAll streams the header followed by every row, newline-terminated.
// This is the exact payload shape expected by CSV bulk protocols with a
// leading header line.
func (e *Encoder) WriteAll(w io.Writer, rows [][]any) error {
	if _, err := io.WriteString(w, e.header+"\n"); err != nil {
		return err
	}
	for _, row := range rows {
		line, err := e.EncodeRow(row)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// renderValue produces the locale-independent text form of a field value.
// nil renders empty; numeric types use fixed decimal notation so the
// output never depends on process locale.
func renderValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// escape applies the quoting rules: a value containing the delimiter, a
// quote, or a line break is quote-wrapped with internal quotes doubled.
// Line breaks are normalized to single spaces before quoting, so a bulk
// stream line always maps to exactly one row.
func escape(s string) string {
	if !strings.ContainsAny(s, ",\"\r\n") {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
