package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransientSource covers network failures and rate limits; retried on the next scheduled run.
	ErrTransientSource = errors.New("transient source error")
	// ErrRateLimited is a transient source error caused by quota exhaustion.
	ErrRateLimited = fmt.Errorf("%w: rate limited", ErrTransientSource)
	// ErrExtractionFailure means the payload shape was not recognized. Terminal for the envelope.
	ErrExtractionFailure   = errors.New("extraction failure")
	ErrEnrichmentTimeout   = errors.New("enrichment timeout")
	ErrEnrichmentMalformed = errors.New("enrichment response malformed")
	// ErrDatastoreUnavailable is fatal to the current batch.
	ErrDatastoreUnavailable = errors.New("datastore unavailable")
	ErrCacheUnavailable     = errors.New("cache unavailable")
	ErrNotFound             = errors.New("not found")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrContractViolation    = errors.New("contract violation")
	ErrVersionConflict      = errors.New("version conflict")
)

// SourceErrorKind classifies adapter failures.
type SourceErrorKind string

const (
	SourceErrorRateLimited SourceErrorKind = "rate_limited"
	SourceErrorTransient   SourceErrorKind = "transient"
	SourceErrorPermanent   SourceErrorKind = "permanent"
)

// SourceError is returned by source adapters so callers can tell quota
// exhaustion apart from network trouble and from a bad request.
type SourceError struct {
	Source     Platform
	Kind       SourceErrorKind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *SourceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s source %s (status %d): %v", e.Source, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s source %s: %v", e.Source, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Is lets errors.Is match the transient sentinels by kind.
func (e *SourceError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Kind == SourceErrorRateLimited
	case ErrTransientSource:
		return e.Kind == SourceErrorRateLimited || e.Kind == SourceErrorTransient
	}
	return false
}

// ClassifySourceError returns the kind label for metrics and results.
func ClassifySourceError(err error) SourceErrorKind {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrRateLimited):
		return SourceErrorRateLimited
	case errors.Is(err, ErrTransientSource):
		return SourceErrorTransient
	}
	return SourceErrorPermanent
}
