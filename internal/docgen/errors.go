package docgen

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

// ErrObjectNotFound is returned (wrapped in a StoreError) by ObjectStore
// implementations when a key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ErrInvalidRequest marks generation requests rejected before any work.
var ErrInvalidRequest = errors.New("invalid request")

// StoreErrorClass classifies object store failures so callers can tell
// permission problems from missing objects and transient faults.
type StoreErrorClass int

const (
	StoreUnknown StoreErrorClass = iota
	StoreNotFound
	StorePermission
	StoreTimeout
)

func (c StoreErrorClass) String() string {
	switch c {
	case StoreNotFound:
		return "not_found"
	case StorePermission:
		return "permission"
	case StoreTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

type StoreError struct {
	Op    string
	Key   string
	Class StoreErrorClass
	Err   error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store %s [%s]: %v", e.Op, e.Class, e.Err)
	}
	return fmt.Sprintf("store %s %q [%s]: %v", e.Op, e.Key, e.Class, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// storeErr wraps err, classifying it unless it already carries a class.
func storeErr(op, key string, err error, classify func(error) StoreErrorClass) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	class := classifyCommon(err)
	if class == StoreUnknown && classify != nil {
		class = classify(err)
	}
	return &StoreError{Op: op, Key: key, Class: class, Err: err}
}

func classifyCommon(err error) StoreErrorClass {
	switch {
	case errors.Is(err, ErrObjectNotFound), errors.Is(err, fs.ErrNotExist):
		return StoreNotFound
	case errors.Is(err, fs.ErrPermission):
		return StorePermission
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return StoreTimeout
	}
	return StoreUnknown
}

// StoreClass returns the classification carried by err, StoreUnknown if none.
func StoreClass(err error) StoreErrorClass {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Class
	}
	return classifyCommon(err)
}

// NotFoundError means no remote template exists for the category/key.
type NotFoundError struct {
	Category string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no template for category %q key %q", e.Category, e.Key)
}

// FetchError is a failed read from the object store. It is retryable by the
// caller; the underlying StoreError is preserved.
type FetchError struct {
	Op        string
	ObjectKey string
	Err       error
}

func (e *FetchError) Error() string {
	if e.ObjectKey == "" {
		return fmt.Sprintf("fetch %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("fetch %s %q: %v", e.Op, e.ObjectKey, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// TemplateStructureError means the template lacks the required sheet or
// header columns. It is not retryable without fixing the template.
type TemplateStructureError struct {
	Sheet     string
	Missing   []string
	Duplicate []string
	Message   string
}

func (e *TemplateStructureError) Error() string {
	var parts []string
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if len(e.Missing) > 0 {
		parts = append(parts, "missing columns: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Duplicate) > 0 {
		parts = append(parts, "ambiguous columns: "+strings.Join(e.Duplicate, ", "))
	}
	return fmt.Sprintf("template sheet %q: %s", e.Sheet, strings.Join(parts, "; "))
}

// EmptyInputError means the caller supplied no rows.
type EmptyInputError struct {
	Missing []string
}

func (e *EmptyInputError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("no rows to fill (keys not in dataset: %s)", strings.Join(e.Missing, ", "))
	}
	return "no rows to fill"
}

// CacheCorruptionError marks an unreadable local entry. The cache recovers
// from it by refetching; it never reaches callers of GetTemplate.
type CacheCorruptionError struct {
	Identity string
	Err      error
}

func (e *CacheCorruptionError) Error() string {
	return fmt.Sprintf("cache entry %q corrupt: %v", e.Identity, e.Err)
}

func (e *CacheCorruptionError) Unwrap() error { return e.Err }
