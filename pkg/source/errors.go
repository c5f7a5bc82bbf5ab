package source

import "errors"

var (
	// ErrUnavailable means a collaborator could not be reached. The detector
	// relying on it degrades; the pipeline continues.
	ErrUnavailable = errors.New("source unavailable")
	// ErrNotFound means the package is unknown to the source. Surfaced as an
	// empty result, not a failure.
	ErrNotFound = errors.New("package not found")
	// ErrMalformedRecord means a fetched record could not be parsed. The
	// record is skipped and logged.
	ErrMalformedRecord = errors.New("malformed record")
)
