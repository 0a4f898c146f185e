package catalog

import "fmt"

// Stage identifies the pipeline stage an error was captured at.
type Stage string

const (
	StageList      Stage = "list"
	StageMapping   Stage = "mapping"
	StageFetch     Stage = "fetch"
	StageImages    Stage = "images"
	StageReconcile Stage = "reconcile"
	StagePersist   Stage = "persist"
)

// TransientFetchError wraps a network or timeout failure that survived the
// bounded retry policy. Entities failing with it are safe to retry next run.
type TransientFetchError struct {
	Target   string
	Attempts int
	Err      error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempts: %v", e.Target, e.Attempts, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// MalformedSnapshotError means extraction produced a structure that failed
// schema validation. The entity is left at its prior state.
type MalformedSnapshotError struct {
	StoreID string
	Err     error
}

func (e *MalformedSnapshotError) Error() string {
	return fmt.Sprintf("malformed snapshot for %s: %v", e.StoreID, e.Err)
}

func (e *MalformedSnapshotError) Unwrap() error { return e.Err }

// ContractError indicates invalid input reached the pure reconciliation
// step. It points at a bug upstream and is surfaced loudly, never swallowed.
type ContractError struct {
	StoreID string
	Reason  string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("reconcile contract violation for %q: %s", e.StoreID, e.Reason)
}

// PersistenceError wraps a failed dataset write. The entity was never marked
// committed, so the next run retries it from scratch.
type PersistenceError struct {
	StoreID string
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.StoreID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
