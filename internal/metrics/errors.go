package metrics

import "errors"

var (
	// ErrUnknownMetric is returned when a push names a metric the registry does not hold.
	ErrUnknownMetric = errors.New("metrics: unknown metric")

	// ErrInvalidTags is returned when a push carries tag keys outside the metric's allowed set.
	ErrInvalidTags = errors.New("metrics: invalid tags")

	// ErrTypeMismatch is returned when a pushed value's Go type does not match the metric's kind.
	ErrTypeMismatch = errors.New("metrics: value type mismatch")

	// ErrInvalidSpec is returned by NewRegistry for malformed metric specs.
	ErrInvalidSpec = errors.New("metrics: invalid metric spec")

	// ErrKeyMismatch is returned by Shared when the process-wide recorder was
	// already created for a different connection string.
	ErrKeyMismatch = errors.New("metrics: recorder already bound to a different connection key")
)
