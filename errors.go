package tiercache

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("tiercache: closed")

	// ErrNotFound lets a FetchEach function report a key it cannot resolve.
	// The key is left out of the result instead of failing the batch.
	ErrNotFound = errors.New("tiercache: not found")
)

// Op names the tier operation that failed.
type Op string

const (
	OpGet     Op = "get"
	OpGetMany Op = "get_many"
	OpSet     Op = "set"
	OpSetMany Op = "set_many"
	OpRemove  Op = "remove"
)

// CacheError is a tier failure scoped to the cache and the keys involved.
type CacheError struct {
	Op        Op
	CacheName string
	CacheType string
	Tier      Tier
	Keys      []string
	Err       error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("tiercache: %s on %s cache %q (%s) keys=%s: %v",
		e.Op, e.Tier, e.CacheName, e.CacheType, previewKeys(e.Keys), e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// FetchError reports keys whose fetch batch failed. Err joins the distinct
// batch causes.
type FetchError struct {
	CacheName string
	Keys      []string
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("tiercache: fetch for %q failed for %d key(s) %s: %v",
		e.CacheName, len(e.Keys), previewKeys(e.Keys), e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ConfigError is returned by constructors for invalid options.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("tiercache: invalid option %s: %s", e.Field, e.Reason)
}

func previewKeys(keys []string) string {
	if len(keys) <= defaultKeyPreview {
		return "[" + strings.Join(keys, " ") + "]"
	}
	return fmt.Sprintf("[%s ...+%d]", strings.Join(keys[:defaultKeyPreview], " "), len(keys)-defaultKeyPreview)
}
