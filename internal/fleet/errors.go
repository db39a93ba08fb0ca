package fleet

import "errors"

// Domain errors for the fleet package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, fleet.ErrTabletNotFound) {
//	    // handle not found case
//	}
var (
	// ErrTabletNotFound is returned when no active binding matches the
	// requested tablet or connection identity.
	ErrTabletNotFound = errors.New("fleet: tablet not found")
)
