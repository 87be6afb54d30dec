package storage

import "fmt"

// LoadError wraps a transport or constraint failure during a durable
// write. The whole call has failed and the transaction was rolled back; no
// partial state is visible to readers. Staged merges are retry-safe
// because the merge is idempotent.
type LoadError struct {
	Table    string
	Strategy string
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s (strategy=%s): %v", e.Table, e.Strategy, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
