package hst

import "errors"

var (
	// ErrNoMatch is returned when a valid forest has no route for a request.
	ErrNoMatch = errors.New("hst: no matching host or mount")
	// ErrExcluded is returned when a path matches a prefix or suffix exclusion.
	ErrExcluded = errors.New("hst: path excluded from routing")
	// ErrNotConfigured is returned when no usable forest exists.
	ErrNotConfigured = errors.New("hst: virtual hosts not configured")
	// ErrMalformedMapping is returned for a mapping string that cannot be parsed.
	ErrMalformedMapping = errors.New("hst: malformed mapping")
)
