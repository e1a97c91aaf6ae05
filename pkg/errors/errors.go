package errors

import (
	"errors"
	"fmt"
)

// Standard errors
var (
	// ErrInvalidImportance is returned when a base importance falls outside 0..10
	ErrInvalidImportance = errors.New("invalid importance")

	// ErrUnknownCategory is returned for a tag that is neither canonical nor a known legacy alias
	ErrUnknownCategory = errors.New("unknown memory category")

	// ErrInvalidDecayRate is returned when a decay lambda is not in (0, 1]
	ErrInvalidDecayRate = errors.New("invalid decay rate")

	// ErrInvalidImportanceDecay is returned when an importance decay multiplier is not in [0, 1]
	ErrInvalidImportanceDecay = errors.New("invalid importance decay")

	// ErrUnknownRecord is returned when a referenced memory record does not exist
	ErrUnknownRecord = errors.New("unknown memory record")

	// ErrRecordExists is returned when creating a record whose id is already taken
	ErrRecordExists = errors.New("memory record already exists")

	// ErrInvalidConfidence is returned when a relationship confidence is not in [0, 1]
	ErrInvalidConfidence = errors.New("invalid confidence")

	// ErrInvalidLink is returned for a link without sources or one that links a record to itself
	ErrInvalidLink = errors.New("invalid link")

	// ErrRelationshipWriteFailed is returned when a link transaction could not be committed
	ErrRelationshipWriteFailed = errors.New("relationship write failed")

	// ErrInvalidInput is returned when the input is invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrStoreUnavailable is returned when the backing store cannot be reached or configured
	ErrStoreUnavailable = errors.New("memory store unavailable")
)

// Wrap wraps an error with additional context
func Wrap(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's tree matches target.
// This is a convenience function that wraps errors.Is
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target, and if so, sets
// target to that error value and returns true. Otherwise, it returns false.
// This is a convenience function that wraps errors.As
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
