package store

import "fmt"

// StorageError wraps any failure of the local durable store so callers can
// tell "device storage broke" apart from domain errors and degrade to
// network-only behavior.
type StorageError struct {
	Partition string
	Op        string
	Err       error
}

func (e *StorageError) Error() string {
	if e.Partition == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Partition, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(partition, op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Partition: partition, Op: op, Err: err}
}
