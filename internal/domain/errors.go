package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCheckpointMissing is returned when the checkpoint row does not exist.
	ErrCheckpointMissing = errors.New("checkpoint missing")

	// ErrCheckpointRegression is returned when advancing would move the
	// collection date backwards.
	ErrCheckpointRegression = errors.New("checkpoint would move backwards")

	// ErrNotFound is returned by sources when an archive does not exist.
	ErrNotFound = errors.New("archive not found")
)

// FetchError reports a day that could be fetched from neither source.
type FetchError struct {
	Day      time.Time
	Primary  error
	Fallback error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: primary: %v; fallback: %v", e.Day.Format("2006-01-02"), e.Primary, e.Fallback)
}

func (e *FetchError) Unwrap() []error {
	return []error{e.Primary, e.Fallback}
}

// ExtractionError reports a failed run of the raster extraction collaborator.
type ExtractionError struct {
	File   string
	Stderr string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("extract %s: %v: %s", e.File, e.Err, e.Stderr)
	}
	return fmt.Sprintf("extract %s: %v", e.File, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// StoreError reports a failed read or write against the measurement store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// UploadError reports a failed best-effort export or upload.
type UploadError struct {
	Target string
	Err    error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Target, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }
