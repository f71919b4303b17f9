package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
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

// AuthError reports rejected or expired credentials for an upstream service.
// It is fatal for the current run: retrying will not fix it.
type AuthError struct {
	Service string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %v", e.Service, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NewAuthError wraps err as an authentication failure for service.
func NewAuthError(service string, err error) *AuthError {
	return &AuthError{Service: service, Err: err}
}

// ExtractionError is an LLM call failure (timeout, rate limit, 5xx). It is
// classified as transient so the extraction policy retries it.
type ExtractionError struct {
	Err        error
	StatusCode int
}

func (e *ExtractionError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("extraction failed (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("extraction failed: %v", e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// NewExtractionError wraps an LLM call failure.
func NewExtractionError(err error, statusCode int) *ExtractionError {
	return &ExtractionError{Err: err, StatusCode: statusCode}
}

// ExtractionParseError reports LLM output that could not be parsed into
// candidates. It never fails an email; callers log it and move on.
type ExtractionParseError struct {
	Raw string
	Err error
}

func (e *ExtractionParseError) Error() string {
	return fmt.Sprintf("unparseable extraction output: %v", e.Err)
}

func (e *ExtractionParseError) Unwrap() error {
	return e.Err
}

// DedupConflictError is a lost race on the company or mention uniqueness
// constraint. The resolver retries it once.
type DedupConflictError struct {
	NormalizedName string
	Err            error
}

func (e *DedupConflictError) Error() string {
	return fmt.Sprintf("dedup conflict on %q: %v", e.NormalizedName, e.Err)
}

func (e *DedupConflictError) Unwrap() error {
	return e.Err
}

// NewDedupConflictError wraps a constraint or serialization failure.
func NewDedupConflictError(normalizedName string, err error) *DedupConflictError {
	return &DedupConflictError{NormalizedName: normalizedName, Err: err}
}

// ConfigurationError lists required settings that are missing or invalid.
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: missing or invalid " + strings.Join(e.Missing, ", ")
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError or ExtractionError, or if it matches common transient error
// patterns (network timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsAuth(err) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ee *ExtractionError
	if errors.As(err, &ee) {
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

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"transport connection broken",
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsDedupConflict reports whether err is a lost dedup race.
func IsDedupConflict(err error) bool {
	var de *DedupConflictError
	return errors.As(err, &de)
}

// IsParseFailure reports whether err is an unparseable LLM response.
func IsParseFailure(err error) bool {
	var pe *ExtractionParseError
	return errors.As(err, &pe)
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsFatal reports whether err should abort a whole pipeline run rather than
// just the email being processed.
func IsFatal(err error) bool {
	return IsAuth(err) || IsConfiguration(err)
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504, // Gateway Timeout
		529: // Overloaded
		return true
	default:
		return false
	}
}

// IsAuthHTTPStatus returns true for 401 and 403.
func IsAuthHTTPStatus(statusCode int) bool {
	return statusCode == 401 || statusCode == 403
}

// ClassifyHTTP wraps err according to an upstream HTTP status: auth failures
// become AuthError, retryable statuses become TransientError, anything else
// is returned unchanged.
func ClassifyHTTP(service string, statusCode int, err error) error {
	switch {
	case err == nil:
		return nil
	case IsAuthHTTPStatus(statusCode):
		return NewAuthError(service, err)
	case IsTransientHTTPStatus(statusCode):
		return NewTransientError(err, statusCode)
	default:
		return err
	}
}
