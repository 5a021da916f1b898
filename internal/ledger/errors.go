package ledger

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors matched with errors.Is by callers at the I/O boundary.
var (
	ErrValidation    = errors.New("ledger: validation failed")
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	ErrDuplicateBill = errors.New("ledger: duplicate bill")
	ErrReference     = errors.New("ledger: unknown reference")
)

// ValidationError reports malformed calculator input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ledger: invalid %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// InvalidAmountError reports a non-positive payment amount.
type InvalidAmountError struct {
	Amount float64
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("ledger: payment amount must be positive, got %v", e.Amount)
}

// Is matches both ErrInvalidAmount and ErrValidation.
func (e *InvalidAmountError) Is(target error) bool {
	return target == ErrInvalidAmount || target == ErrValidation
}

// DuplicateBillError is returned when a sales bill already exists for the
// customer and date. Callers route to the edit flow instead of retrying.
type DuplicateBillError struct {
	CustomerID int64
	BillDate   time.Time
	ExistingID int64
}

func (e *DuplicateBillError) Error() string {
	return fmt.Sprintf("ledger: sales bill already exists for customer %d on %s", e.CustomerID, e.BillDate.Format(DateLayout))
}

func (e *DuplicateBillError) Is(target error) bool {
	return target == ErrDuplicateBill
}

// ReferenceError reports a farmer, customer or variety id that does not
// exist. It is raised by the persistence layer, never by the calculators.
type ReferenceError struct {
	Kind string
	ID   int64
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("ledger: %s %d not found", e.Kind, e.ID)
}

func (e *ReferenceError) Is(target error) bool {
	return target == ErrReference
}
