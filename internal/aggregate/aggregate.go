// Package aggregate collapses duplicate-keyed fact records before load.
//
// Duplicates inside one extraction batch are fan-out artifacts of repeated
// API passes, not independent facts. Collapsing them pre-load keeps the
// staged merge deterministic: the staging table never carries two rows for
// the same composite key.
package aggregate

import "adsync/internal/fact"

// Collapse returns a batch with at most one record per distinct composite
// key. Additive metrics are summed across a duplicate group; derived and
// dimensional fields are kept from the first record seen for the key.
//
// Output order is first-seen key order, so singleton batches pass through
// unchanged and an empty batch stays empty.
//
// Conservation law: for every additive metric, the sum over the returned
// batch equals the sum over the input batch.
func Collapse(batch []fact.Record) []fact.Record {
	if len(batch) <= 1 {
		return batch
	}

	index := make(map[fact.Key]int, len(batch))
	out := make([]fact.Record, 0, len(batch))

	for i := range batch {
		r := batch[i]
		if at, seen := index[r.Key]; seen {
			out[at].Impressions += r.Impressions
			out[at].Clicks += r.Clicks
			out[at].Conversions += r.Conversions
			out[at].SpendMicros += r.SpendMicros
			continue
		}
		index[r.Key] = len(out)
		out = append(out, r)
	}
	return out
}

// BatchStats summarizes duplication inside one in-memory batch. It is
// computed before any durable write, to size alerts and to justify the
// pre-load collapse.
type BatchStats struct {
	TotalRecords    int
	UniqueKeys      int
	DuplicateGroups int
	TotalDuplicates int
}

// Stats counts duplicate keys in a batch without modifying it.
func Stats(batch []fact.Record) BatchStats {
	counts := make(map[fact.Key]int, len(batch))
	for i := range batch {
		counts[batch[i].Key]++
	}

	s := BatchStats{
		TotalRecords: len(batch),
		UniqueKeys:   len(counts),
	}
	for _, n := range counts {
		if n > 1 {
			s.DuplicateGroups++
			s.TotalDuplicates += n - 1
		}
	}
	return s
}
