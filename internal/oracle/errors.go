// Package oracle talks to the external text-generation service and hides its
// flakiness (quota limits, empty answers) from callers.
package oracle

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrExhausted matches every *ExhaustedError.
var ErrExhausted = errors.New("oracle: all models exhausted")

// Kind classifies an oracle failure for retry policy.
type Kind int

const (
	// KindFatal errors abort the fallback loop immediately.
	KindFatal Kind = iota
	// KindRateLimited errors back off and move on to the next model.
	KindRateLimited
)

func (k Kind) String() string {
	if k == KindRateLimited {
		return "rate_limited"
	}
	return "fatal"
}

// Error is a classified failure returned by a single model call.
type Error struct {
	Model      string
	Message    string
	StatusCode int
	RetryAfter time.Duration // zero when the service gave no hint
	Kind       Kind
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("oracle %s: http %d (%s): %s", e.Model, e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("oracle %s: %s: %s", e.Model, e.Kind, e.Message)
}

// RateLimited reports whether the error should trigger backoff and fallback.
func (e *Error) RateLimited() bool {
	return e != nil && e.Kind == KindRateLimited
}

// ExhaustedError is returned when no model produced a usable answer.
type ExhaustedError struct {
	Last      string
	Attempted []string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("oracle: all models exhausted (tried %s): %s", strings.Join(e.Attempted, ", "), e.Last)
}

// Is lets errors.Is(err, ErrExhausted) match.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

// Classify maps an HTTP status and response body to an error kind.
func Classify(statusCode int, body string) Kind {
	if statusCode == http.StatusTooManyRequests {
		return KindRateLimited
	}
	if strings.Contains(strings.ToLower(body), "quota") || strings.Contains(body, "RESOURCE_EXHAUSTED") {
		return KindRateLimited
	}
	return KindFatal
}

var retryHintPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)retry in\s+([0-9]+(?:\.[0-9]+)?)\s*s`),
	regexp.MustCompile(`(?i)"retryDelay"\s*:\s*"([0-9]+(?:\.[0-9]+)?)s"`),
}

// ParseRetryHint extracts a "retry in Ns" style hint from an error payload.
// Returns zero when the payload carries no hint.
func ParseRetryHint(body string) time.Duration {
	for _, re := range retryHintPatterns {
		m := re.FindStringSubmatch(body)
		if len(m) < 2 {
			continue
		}
		secs, err := strconv.ParseFloat(m[1], 64)
		if err != nil || secs <= 0 {
			continue
		}
		return time.Duration(math.Ceil(secs*1000)) * time.Millisecond
	}
	return 0
}

// newHTTPError builds a classified error from a non-2xx response.
func newHTTPError(model string, statusCode int, body string) *Error {
	kind := Classify(statusCode, body)
	e := &Error{
		Model:      model,
		StatusCode: statusCode,
		Message:    truncate(strings.TrimSpace(body), 500),
		Kind:       kind,
	}
	if kind == KindRateLimited {
		e.RetryAfter = ParseRetryHint(body)
	}
	return e
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "... (truncated)"
}
