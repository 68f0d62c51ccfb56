package errorutil

import "errors"

// ErrDataIntegrity is a base error type to use for failures that are due to
// unrecoverable data integrity issues.
var ErrDataIntegrity = errors.New("data integrity error")

// ErrNoResults represents situations in which no results were returned by the called API.
var ErrNoResults = errors.New("no results returned")

// ErrResourceExhausted is returned when a configured limit such as the
// maximum stack depth or node count would be exceeded.
var ErrResourceExhausted = errors.New("resource exhausted")

// ErrMergeIncompatible is returned when two call trees can't be merged. The
// destination is left untouched.
var ErrMergeIncompatible = errors.New("incompatible call trees")

var (
	ErrAlreadyStarted = errors.New("profile already started")
	ErrNotRunning     = errors.New("profile not running")
)
