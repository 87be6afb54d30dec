package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RenderKeyComponent converts one scanned key component to a canonical
// string form for audit output, regardless of how the driver surfaced it
// (TEXT as string or []byte, dates as time.Time, NULL as nil).
func RenderKeyComponent(v any) string {
	switch t := v.(type) {
	case nil:
		return "<null>"
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int64:
		return strconv.FormatInt(t, 10)
	case time.Time:
		return t.Format("2006-01-02")
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// ScanDuplicateGroup scans keyCount nullable key components followed by a
// row count through the given scan function, and renders the composite
// key with "/" separators in key-column order. All backends share this so
// audit output is identical across stores.
func ScanDuplicateGroup(scan func(dest ...any) error, keyCount int) (DuplicateGroup, error) {
	vals := make([]any, keyCount)
	dests := make([]any, keyCount+1)
	for i := range vals {
		dests[i] = &vals[i]
	}
	var n int64
	dests[keyCount] = &n

	if err := scan(dests...); err != nil {
		return DuplicateGroup{}, err
	}

	parts := make([]string, keyCount)
	for i, v := range vals {
		parts[i] = RenderKeyComponent(v)
	}
	return DuplicateGroup{Key: strings.Join(parts, "/"), Rows: n}, nil
}
