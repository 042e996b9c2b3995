package resilience

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/OGODEVO/ex-machina/internal/domain"
)

// Category indicates whether an error is worth retrying.
type Category int

const (
	CategoryUnknown   Category = iota
	CategoryRetryable          // 429, 5xx, timeouts, connection resets
	CategoryPermanent          // auth, other 4xx, open circuits, cancellation
)

func (c Category) String() string {
	switch c {
	case CategoryRetryable:
		return "retryable"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Classification is the result of Classify.
type Classification struct {
	Category   Category
	Sentinel   error // mapped domain sentinel, or nil
	StatusCode int   // extracted HTTP status, or 0
}

// apiErrorPattern matches "API error <status>:" produced by the HTTP adapters.
var apiErrorPattern = regexp.MustCompile(`API error (\d+):`)

var (
	rateLimitPhrases = []string{"rate limit", "rate-limit", "ratelimit", "too many requests"}
	transientPhrases = []string{
		"timeout", "timed out", "deadline exceeded",
		"connection reset", "connection refused", "broken pipe",
		"no such host", "unexpected eof", "service unavailable", "bad gateway",
	}
)

// Classify inspects an error from a remote call.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	switch {
	case errors.Is(err, domain.ErrCircuitOpen):
		return Classification{Category: CategoryPermanent, Sentinel: domain.ErrCircuitOpen}
	case errors.Is(err, context.Canceled):
		return Classification{Category: CategoryPermanent}
	case errors.Is(err, domain.ErrAuthInvalid):
		return Classification{Category: CategoryPermanent, Sentinel: domain.ErrAuthInvalid}
	case errors.Is(err, domain.ErrRateLimit):
		return Classification{Category: CategoryRetryable, Sentinel: domain.ErrRateLimit}
	case errors.Is(err, domain.ErrProviderError):
		return Classification{Category: CategoryRetryable, Sentinel: domain.ErrProviderError}
	case errors.Is(err, domain.ErrDeliveryTimeout), errors.Is(err, context.DeadlineExceeded):
		return Classification{Category: CategoryRetryable, Sentinel: domain.ErrTimeout}
	}

	msg := err.Error()
	if m := apiErrorPattern.FindStringSubmatch(msg); len(m) == 2 {
		code, _ := strconv.Atoi(m[1])
		return classifyStatus(code)
	}
	return classifyMessage(msg)
}

func classifyStatus(code int) Classification {
	switch {
	case code == 429:
		return Classification{Category: CategoryRetryable, Sentinel: domain.ErrRateLimit, StatusCode: code}
	case code == 401 || code == 403:
		return Classification{Category: CategoryPermanent, Sentinel: domain.ErrAuthInvalid, StatusCode: code}
	case code == 408:
		return Classification{Category: CategoryRetryable, Sentinel: domain.ErrTimeout, StatusCode: code}
	case code >= 500 && code < 600:
		return Classification{Category: CategoryRetryable, Sentinel: domain.ErrProviderError, StatusCode: code}
	default:
		return Classification{Category: CategoryPermanent, StatusCode: code}
	}
}

func classifyMessage(msg string) Classification {
	lower := strings.ToLower(msg)
	for _, p := range rateLimitPhrases {
		if strings.Contains(lower, p) {
			return Classification{Category: CategoryRetryable, Sentinel: domain.ErrRateLimit}
		}
	}
	for _, p := range transientPhrases {
		if strings.Contains(lower, p) {
			return Classification{Category: CategoryRetryable}
		}
	}
	return Classification{Category: CategoryUnknown}
}

// IsRetryable is the default retry predicate for remote calls.
func IsRetryable(err error) bool {
	return Classify(err).Category == CategoryRetryable
}
