package retry

import (
	"errors"
	"strings"
)

// transientMarkers are message fragments of failures worth another attempt.
var transientMarkers = []string{
	"econnreset",
	"econnrefused",
	"etimedout",
	"enotfound",
	"eai_again",
	"getaddrinfo",
	"connection reset",
	"connection refused",
	"i/o timeout",
	"no such host",
	"api request failed",
	sessionNotFoundMarker,
}

const sessionNotFoundMarker = "no conversation found with session id"

// ErrInterrupted marks an attempt stopped by the caller.
var ErrInterrupted = errors.New("turn interrupted")

// IsRetryable reports whether err is a transient failure.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrInterrupted) {
		return false
	}
	var nr interface{ NonRetryable() bool }
	if errors.As(err, &nr) && nr.NonRetryable() {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsSessionNotFound reports whether err is the race where a resumed
// session's transcript is not yet on disk.
func IsSessionNotFound(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), sessionNotFoundMarker)
}
