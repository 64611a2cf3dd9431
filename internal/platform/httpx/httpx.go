package httpx

import (
	"errors"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// StatusError is returned by collaborator clients for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e == nil {
		return "http error"
	}
	body := e.Body
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return "http status=" + strconv.Itoa(e.StatusCode) + " body=" + body
}

// IsRetryableError reports whether a collaborator call failure is transient:
// 429/5xx statuses, timeouts, refused or reset connections.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		if se.StatusCode == http.StatusTooManyRequests {
			return true
		}
		return se.StatusCode >= 500 && se.StatusCode < 600
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	return false
}

// RetryAfterDuration honors a Retry-After header when present, otherwise
// returns the current backoff capped at max.
func RetryAfterDuration(resp *http.Response, backoff, max time.Duration) time.Duration {
	if resp != nil {
		if v := strings.TrimSpace(resp.Header.Get("Retry-After")); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				d := time.Duration(secs) * time.Second
				if d > max {
					return max
				}
				return d
			}
		}
	}
	if backoff > max {
		return max
	}
	return backoff
}

// Jitter spreads a delay by +/-25% so retry storms decorrelate.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := float64(d) * 0.25
	offset := (rand.Float64()*2 - 1) * spread
	out := time.Duration(float64(d) + offset)
	if out < 0 {
		return 0
	}
	return out
}
