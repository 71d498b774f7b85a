package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrEssenceNotFound is returned by stores when no snapshot exists for an owner.
	ErrEssenceNotFound = errors.New("essence not found")
	// ErrUnknownOwner is wrapped in a ValidationError when a read targets an owner with no essence.
	ErrUnknownOwner = errors.New("unknown owner")
	// ErrCrystalNotFound is returned by lookups of a crystal id the owner does not hold.
	ErrCrystalNotFound = errors.New("crystal not found")
)

// ValidationError reports malformed input. No state is changed.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// DuplicateIDError is returned when a crystal id already exists for the owner.
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("crystal %s already integrated", e.ID)
}

// CapacityError is returned when an owner's crystal store is full.
type CapacityError struct {
	Owner string
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("owner %s holds the maximum of %d crystals", e.Owner, e.Limit)
}

// PersistenceError wraps a save or load failure. After a failed save the
// in-memory essence is still authoritative.
type PersistenceError struct {
	Owner string
	Op    string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s essence %s: %v", e.Op, e.Owner, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
