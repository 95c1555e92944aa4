package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
)

// TransientError marks an error as safe to retry.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// StatusError classifies a failed HTTP response. 408, 429 and 5xx except
// 501 are transient; anything else is returned as a plain error.
func StatusError(op string, statusCode int) error {
	err := eris.Errorf("%s: status %d", op, statusCode)
	switch {
	case statusCode == 408, statusCode == 429,
		statusCode >= 500 && statusCode != 501:
		return &TransientError{Err: err, StatusCode: statusCode}
	default:
		return err
	}
}

// IsTransient reports whether err is a TransientError or a network failure
// worth retrying.
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

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"i/o timeout",
		"server closed idle connection",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
