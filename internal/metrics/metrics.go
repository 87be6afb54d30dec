// Package metrics defines the minimal metrics surface the ingestion
// engine emits to. The engine depends only on Backend; concrete backends
// (Datadog) live in subpackages so their SDKs never leak into core code.
package metrics

// Labels are free-form metric dimensions (e.g. strategy, status, table).
type Labels map[string]string

// Backend receives metric observations. Implementations must be safe for
// concurrent use; the engine calls them from loader goroutines.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Nop discards all observations. Useful as a default and in tests.
type Nop struct{}

func (Nop) IncCounter(string, float64, Labels)       {}
func (Nop) ObserveHistogram(string, float64, Labels) {}

var _ Backend = Nop{}
