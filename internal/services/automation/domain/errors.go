package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates malformed input such as an unknown order type.
	ErrValidation = errors.New("invalid automation input")
	// ErrNotFound indicates a referenced order or task does not exist.
	ErrNotFound = errors.New("automation record not found")
	// ErrPermission indicates the caller lacks rights for the state change.
	ErrPermission = errors.New("permission denied")
	// ErrClaimConflict indicates a lost claim race; the caller may re-read
	// and retry.
	ErrClaimConflict = errors.New("task already claimed")
	// ErrOptimisticLock indicates a lost step-completion race; the caller
	// may re-read and retry.
	ErrOptimisticLock = errors.New("task version conflict")
	// ErrConstraintViolation indicates a uniqueness invariant was violated,
	// such as a second order-root task for the same order.
	ErrConstraintViolation = errors.New("uniqueness constraint violated")
	// ErrStoreNotConfigured indicates the service is missing persistence wiring.
	ErrStoreNotConfigured = errors.New("automation store is not configured")
)

// ErrClaimPermission is the claim-specific specialization of ErrPermission:
// the caller holds neither the required role nor an admin capability.
// errors.Is(err, ErrPermission) matches it.
var ErrClaimPermission = fmt.Errorf("%w: required role not held", ErrPermission)

// ErrTaskNotActive reports a completion attempt on a step that is not the
// order's active step. Surfaced through the permission channel so the
// boundary maps it to a conflict response.
var ErrTaskNotActive = fmt.Errorf("%w: task is not active", ErrPermission)
