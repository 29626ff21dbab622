// Package fetcher holds the errors shared by the fetch implementations.
package fetcher

import "errors"

// ErrNotFound reports a 404 response. It is never retried.
var ErrNotFound = errors.New("fetcher: not found")
