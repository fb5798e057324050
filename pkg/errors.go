package pkg

import "errors"

// Error kinds shared across packages. Callers wrap them with fmt.Errorf("...: %w")
// and test with errors.Is.
var (
	// ErrConfig marks a missing or malformed configuration or action file. Fatal.
	ErrConfig = errors.New("configuration error")
	// ErrParse marks a metadata event that could not be decoded
	ErrParse = errors.New("parse error")
	// ErrWorkerCrash marks a worker that exited without being told to
	ErrWorkerCrash = errors.New("worker crashed")
	// ErrProbeMiss marks a probe that produced no reply line matching the grammar
	ErrProbeMiss = errors.New("probe miss")
	// ErrStale marks metadata older than the grace period
	ErrStale = errors.New("metadata stale")
	// ErrFetch marks a fetch that exited non-zero or timed out
	ErrFetch = errors.New("fetch failed")
	// ErrSelectionMiss marks a selection pass where no interface had latency data
	ErrSelectionMiss = errors.New("no interface with latency data")
)
