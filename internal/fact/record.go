package fact

import (
	"fmt"
	"sort"
	"strings"
)

// Record is one daily metrics fact: a composite Key plus a metric set.
//
// Additive metrics sum correctly across duplicate-keyed rows. Derived
// ratios (CTR, CPC) do not; the aggregator keeps them from one
// representative record.
type Record struct {
	Key Key

	// Additive counters.
	Impressions int64
	Clicks      int64
	Conversions int64
	SpendMicros int64

	// Derived ratios. Never summed.
	CTR float64
	CPC float64
}

// fieldKind classifies a fact table column for merge and aggregation.
type fieldKind int

const (
	fieldKey fieldKind = iota
	fieldAdditive
	fieldDerived
)

// fieldSpec binds one target column to its value on a Record.
//
// The fields table below is the single source of truth for the fact table
// layout: it drives the encoder header, the bind values, and the
// key/update column split. Because every consumer iterates the same
// table, header and row arity cannot drift apart.
type fieldSpec struct {
	Column string
	Kind   fieldKind
	Value  func(*Record) any
}

var fields = buildFields()

func buildFields() []fieldSpec {
	out := make([]fieldSpec, 0, len(keyColumns)+6)

	keyValue := []func(*Record) any{
		func(r *Record) any { return r.Key.AccountID },
		func(r *Record) any { return r.Key.PlatformID },
		func(r *Record) any { return r.Key.CampaignID },
		func(r *Record) any { return r.Key.AdsetID },
		func(r *Record) any { return r.Key.AdvertisementID },
		func(r *Record) any { return r.Key.PlacementID },
		func(r *Record) any { return r.Key.ProcessingDate },
		func(r *Record) any { return r.Key.AgeGroup },
		func(r *Record) any { return r.Key.Gender },
		func(r *Record) any { return r.Key.CountryCode },
		func(r *Record) any { return r.Key.Region },
		func(r *Record) any { return r.Key.City },
	}
	for i, col := range keyColumns {
		out = append(out, fieldSpec{Column: col, Kind: fieldKey, Value: keyValue[i]})
	}

	out = append(out,
		fieldSpec{Column: "impressions", Kind: fieldAdditive, Value: func(r *Record) any { return r.Impressions }},
		fieldSpec{Column: "clicks", Kind: fieldAdditive, Value: func(r *Record) any { return r.Clicks }},
		fieldSpec{Column: "conversions", Kind: fieldAdditive, Value: func(r *Record) any { return r.Conversions }},
		fieldSpec{Column: "spend_micros", Kind: fieldAdditive, Value: func(r *Record) any { return r.SpendMicros }},
		fieldSpec{Column: "ctr", Kind: fieldDerived, Value: func(r *Record) any { return r.CTR }},
		fieldSpec{Column: "cpc", Kind: fieldDerived, Value: func(r *Record) any { return r.CPC }},
	)
	return out
}

// Columns returns the full ordered column list (keys first, then metrics).
func Columns() []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.Column
	}
	return out
}

// UpdateColumns returns the columns a merge may overwrite on key match:
// every non-key column, in table order. Key columns are never
// update-eligible.
func UpdateColumns() []string {
	var out []string
	for _, f := range fields {
		if f.Kind != fieldKey {
			out = append(out, f.Column)
		}
	}
	return out
}

// Values returns the record's bind values aligned with Columns().
func (r *Record) Values() []any {
	out := make([]any, len(fields))
	for i, f := range fields {
		out[i] = f.Value(r)
	}
	return out
}

// ValidationError reports records rejected before any durable write.
//
// Offenders maps batch index to the reason the record is invalid, so the
// caller can identify and repair or drop the offending records.
type ValidationError struct {
	Offenders map[int]string
}

func (e *ValidationError) Error() string {
	idx := make([]int, 0, len(e.Offenders))
	for i := range e.Offenders {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	var b strings.Builder
	fmt.Fprintf(&b, "batch has %d invalid record(s):", len(idx))
	for n, i := range idx {
		if n == 3 {
			fmt.Fprintf(&b, " ... (%d more)", len(idx)-n)
			break
		}
		fmt.Fprintf(&b, " [%d] %s;", i, e.Offenders[i])
	}
	return strings.TrimRight(b.String(), ";")
}

// ValidateBatch checks every record's key and returns a *ValidationError
// naming all offenders, or nil when the whole batch is loadable.
func ValidateBatch(records []Record) error {
	var offenders map[int]string
	for i := range records {
		if err := records[i].Key.Validate(); err != nil {
			if offenders == nil {
				offenders = make(map[int]string)
			}
			offenders[i] = err.Error()
		}
	}
	if offenders != nil {
		return &ValidationError{Offenders: offenders}
	}
	return nil
}
