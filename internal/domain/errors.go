package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Common domain errors
var (
	// ErrNotFound is returned when a requested host or VM is not known.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when trying to register an entity twice.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidArgument is returned when an invalid argument is provided.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPermissionDenied is returned when the caller lacks permission for an operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrResourceExhausted is returned when capacity is not available.
	ErrResourceExhausted = errors.New("resources exhausted")

	// ErrConflict is returned when there's a conflict with current state.
	ErrConflict = errors.New("conflict with current state")

	// ErrUnavailable is returned when a service or resource is unavailable.
	ErrUnavailable = errors.New("service unavailable")

	// ErrTransientIO marks failures of external calls that may succeed on retry.
	ErrTransientIO = errors.New("transient i/o error")

	// ErrQueueFull is returned when the global manager cannot accept more requests.
	ErrQueueFull = errors.New("request queue full")
)

// Transient wraps err so that errors.Is(err, ErrTransientIO) holds.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransientIO, err)
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientIO)
}

// StaleStateError is returned when a plan was computed against an older
// generation than the one current at execution time.
type StaleStateError struct {
	PlanGeneration    uint64
	CurrentGeneration uint64
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("stale cluster state: plan generation %d, current generation %d",
		e.PlanGeneration, e.CurrentGeneration)
}

func (e *StaleStateError) Unwrap() error { return ErrConflict }

// SelectionInfeasibleError is returned when no subset of VMs brings an
// overloaded host under its threshold.
type SelectionInfeasibleError struct {
	HostID     string
	Generation uint64
	Reason     string
}

func (e *SelectionInfeasibleError) Error() string {
	return fmt.Sprintf("vm selection infeasible for host %s (generation %d): %s",
		e.HostID, e.Generation, e.Reason)
}

func (e *SelectionInfeasibleError) Unwrap() error { return ErrResourceExhausted }

// PlacementInfeasibleError is returned when some VMs fit on no host, even
// after considering sleeping hosts.
type PlacementInfeasibleError struct {
	HostID     string
	Generation uint64
	VMIDs      []string
}

func (e *PlacementInfeasibleError) Error() string {
	return fmt.Sprintf("placement infeasible for host %s (generation %d): no capacity for vms [%s]",
		e.HostID, e.Generation, strings.Join(e.VMIDs, ", "))
}

func (e *PlacementInfeasibleError) Unwrap() error { return ErrResourceExhausted }

// MigrationFailedError is returned when a migration entry exhausted its
// retry budget. The VM stays resident on SourceHostID.
type MigrationFailedError struct {
	VMID              string
	SourceHostID      string
	DestinationHostID string
	Generation        uint64
	Attempts          int
	Err               error
}

func (e *MigrationFailedError) Error() string {
	return fmt.Sprintf("migration of vm %s from %s to %s failed after %d attempts (generation %d): %v",
		e.VMID, e.SourceHostID, e.DestinationHostID, e.Attempts, e.Generation, e.Err)
}

func (e *MigrationFailedError) Unwrap() error { return e.Err }
