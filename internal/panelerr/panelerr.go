// Package panelerr classifies failures of the panel integration so callers
// can tell origin errors, edge interference, credential problems and local
// storage failures apart.
package panelerr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind names one error class. Values are stable and appear in API bodies.
type Kind string

const (
	KindTransport          Kind = "transport_error"
	KindUpstreamHTTP       Kind = "upstream_http_error"
	KindEdgeInterference   Kind = "edge_interference"
	KindInvalidCredentials Kind = "invalid_credentials"
	KindInsufficientScope  Kind = "insufficient_scope"
	KindBypassExhausted    Kind = "bypass_exhausted"
	KindValidation         Kind = "validation_error"
	KindStorage            Kind = "storage_error"
	KindNotFound           Kind = "not_found"
	KindInternal           Kind = "internal_error"
)

var (
	ErrInvalidCredentials = errors.New("panel rejected the API key")
	ErrInsufficientScope  = errors.New("panel API key lacks the required scope")
	ErrNotFound           = errors.New("not found")
)

// TransportError is a network or TLS failure before any HTTP response.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPError is a non-2xx response from the panel origin. 401 and 403 match
// ErrInvalidCredentials and ErrInsufficientScope via errors.Is.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("panel API returned status %d: %s", e.Status, truncate(e.Body, 512))
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrInvalidCredentials:
		return e.Status == http.StatusUnauthorized
	case ErrInsufficientScope:
		return e.Status == http.StatusForbidden
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

// EdgeError is a response produced by an edge layer in front of the panel
// (HTML challenge pages, CDN 403/503) rather than by the origin.
type EdgeError struct {
	Status      int
	ContentType string
	Server      string
	Snippet     string
}

func (e *EdgeError) Error() string {
	return fmt.Sprintf("edge interference: status %d, content-type %q, server %q", e.Status, e.ContentType, e.Server)
}

// ExhaustedError is returned when every bypass attempt failed. Classes lists
// the distinct error kinds seen, in first-seen order.
type ExhaustedError struct {
	Attempts int
	Classes  []Kind
	Last     error
}

func (e *ExhaustedError) Error() string {
	names := make([]string, len(e.Classes))
	for i, k := range e.Classes {
		names[i] = string(k)
	}
	return fmt.Sprintf("bypass exhausted after %d attempts (%s): %v", e.Attempts, strings.Join(names, ", "), e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// ValidationError reports a malformed or incomplete record or request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StorageError is a local persistence failure after the upstream call
// succeeded. Payload is the value that failed to persist.
type StorageError struct {
	Op      string
	Payload any
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// KindOf classifies err. The outermost recognised type wins, so a bypass
// exhaustion wrapping an edge error reports bypass_exhausted.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var (
		exhausted  *ExhaustedError
		storage    *StorageError
		validation *ValidationError
		edge       *EdgeError
		httpErr    *HTTPError
		transport  *TransportError
	)
	switch {
	case errors.As(err, &exhausted):
		return KindBypassExhausted
	case errors.As(err, &storage):
		return KindStorage
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &edge):
		return KindEdgeInterference
	case errors.Is(err, ErrInvalidCredentials):
		return KindInvalidCredentials
	case errors.Is(err, ErrInsufficientScope):
		return KindInsufficientScope
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.As(err, &httpErr):
		return KindUpstreamHTTP
	case errors.As(err, &transport):
		return KindTransport
	}
	return KindInternal
}

// Bypassable reports whether err is the kind of failure an alternate
// connection strategy could get around.
func Bypassable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindEdgeInterference:
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
