package chat

import "fmt"

// InputError rejects a turn before any side effect.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string { return "invalid input: " + e.Reason }

// ProviderError marks an embedding or completion service failure. Most
// provider failures degrade the turn instead of aborting it.
type ProviderError struct {
	Err error
}

func (e *ProviderError) Error() string { return "provider: " + e.Err.Error() }

func (e *ProviderError) Unwrap() error { return e.Err }

// StorageError marks a persistence failure. Writes are fatal to the
// turn; reads fail open to degraded results.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }
