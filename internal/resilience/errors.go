package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// TransientError wraps an error that is safe to retry (429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// ContentError reports a document that is empty or yields no usable data.
type ContentError struct {
	Reason string
}

func (e *ContentError) Error() string {
	return "content: " + e.Reason
}

// NewContentError returns a ContentError for the given reason.
func NewContentError(reason string) *ContentError {
	return &ContentError{Reason: reason}
}

// ParseError reports model output that could not be decoded or validated.
type ParseError struct {
	Stage string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Stage == "" {
		return "parse: " + e.Err.Error()
	}
	return "parse " + e.Stage + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError wraps err as a ParseError raised at stage.
func NewParseError(stage string, err error) *ParseError {
	return &ParseError{Stage: stage, Err: err}
}

// NotFoundError reports a referenced document, job or code that does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " not found: " + e.ID
}

// NewNotFoundError returns a NotFoundError for resource id.
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// ConflictError reports a state transition that no longer applies, such as
// completing a job another worker has since reclaimed.
type ConflictError struct {
	Resource string
	ID       string
	Reason   string
}

func (e *ConflictError) Error() string {
	return e.Resource + " " + e.ID + " conflict: " + e.Reason
}

// NewConflictError returns a ConflictError for resource id.
func NewConflictError(resource, id, reason string) *ConflictError {
	return &ConflictError{Resource: resource, ID: id, Reason: reason}
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String heuristics for errors wrapped by HTTP clients.
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504, 529:
		return true
	default:
		return false
	}
}

// ErrorKind names a class in the failure taxonomy.
type ErrorKind string

const (
	KindContent   ErrorKind = "content"
	KindTransient ErrorKind = "transient"
	KindParse     ErrorKind = "parse"
	KindNotFound  ErrorKind = "not_found"
	KindConflict  ErrorKind = "conflict"
	KindUnknown   ErrorKind = "unknown"
)

// Kind classifies err against the taxonomy. Typed errors win over the
// transient heuristics.
func Kind(err error) ErrorKind {
	var (
		ce *ContentError
		pe *ParseError
		nf *NotFoundError
		cf *ConflictError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce):
		return KindContent
	case errors.As(err, &nf):
		return KindNotFound
	case errors.As(err, &cf):
		return KindConflict
	case errors.As(err, &pe):
		return KindParse
	case IsTransient(err):
		return KindTransient
	default:
		return KindUnknown
	}
}

// IsPermanent reports whether retrying err cannot change the outcome.
func IsPermanent(err error) bool {
	k := Kind(err)
	return k == KindContent || k == KindNotFound
}
