package monitor

import "errors"

var (
	// ErrDuplicateDetected is reported when a sweep archives a duplicate task
	ErrDuplicateDetected = errors.New("duplicate task detected")

	// ErrUnknownDuplicateMode is returned when the duplicate mode is not recognised
	ErrUnknownDuplicateMode = errors.New("unknown duplicate mode")
)
