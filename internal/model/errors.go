package model

import "errors"

var (
	// ErrDataUnavailable means the record store could not be reached. It is
	// surfaced to the caller and never cached.
	ErrDataUnavailable = errors.New("data unavailable")

	// ErrInvalidPeriod rejects malformed or oversized date ranges.
	ErrInvalidPeriod = errors.New("invalid period")

	// ErrCacheUnavailable marks a cache backend failure. The engine absorbs
	// it by computing directly.
	ErrCacheUnavailable = errors.New("cache backend unavailable")

	// ErrInvalidSnapshot is a contract violation on metric input. It is a
	// programming error and fatal to the request.
	ErrInvalidSnapshot = errors.New("invalid task snapshot")

	// ErrInvalidQuery rejects a metric query that fails validation.
	ErrInvalidQuery = errors.New("invalid query")
)
