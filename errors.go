package ruminate

import (
	"errors"
	"fmt"
)

// UpstreamKind distinguishes completion-service failures so the caller can
// tell a rate limit from an exhausted quota from a generic failure.
type UpstreamKind string

const (
	KindRateLimited   UpstreamKind = "rate_limited"
	KindQuotaExceeded UpstreamKind = "quota_exceeded"
	KindGeneric       UpstreamKind = "upstream_failure"
)

// UpstreamError is a completion-service failure. Any upstream error aborts
// the whole run: stages are not independently retryable because each
// depends on all prior outputs. None of the kinds are retried
// automatically; the caller is expected to retry later.
type UpstreamError struct {
	Kind    UpstreamKind
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	switch e.Kind {
	case KindRateLimited:
		return fmt.Sprintf("completion service rate limited (status %d): %s", e.Status, e.Message)
	case KindQuotaExceeded:
		return fmt.Sprintf("completion service quota exceeded (status %d): %s", e.Status, e.Message)
	default:
		return fmt.Sprintf("completion service failure (status %d): %s", e.Status, e.Message)
	}
}

// IsRateLimited reports whether err is an upstream rate-limit failure.
func IsRateLimited(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Kind == KindRateLimited
}

// IsQuotaExceeded reports whether err is an upstream quota failure.
func IsQuotaExceeded(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Kind == KindQuotaExceeded
}

// ErrMissingConfig wraps startup-time configuration failures. Missing
// credentials are fatal at process startup, never per-request.
var ErrMissingConfig = errors.New("missing required configuration")

// ErrEmptyQuery is returned when a request carries no message text.
var ErrEmptyQuery = errors.New("query must not be empty")
