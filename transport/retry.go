package transport

import (
	"net/http"
	"time"
)

// RetryPolicy is the bounded outbound retry: MaxRetries extra attempts on
// network failures and RetryStatuses, waiting Backoff * 2^(n-1) capped at
// MaxBackoff before retry n.
type RetryPolicy struct {
	MaxRetries    int
	Backoff       time.Duration
	MaxBackoff    time.Duration
	RetryStatuses []int
}

var defaultRetryStatuses = []int{
	http.StatusRequestTimeout,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		Backoff:       300 * time.Millisecond,
		MaxBackoff:    5 * time.Second,
		RetryStatuses: append([]int(nil), defaultRetryStatuses...),
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	if len(p.RetryStatuses) == 0 {
		p.RetryStatuses = defaultRetryStatuses
	}
	return p
}

func (p RetryPolicy) Retryable(status int) bool {
	for _, candidate := range p.RetryStatuses {
		if candidate == status {
			return true
		}
	}
	return false
}

// Delay returns the wait before retry n, starting at 1.
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry < 1 || p.Backoff <= 0 {
		return 0
	}
	delay := p.Backoff
	for i := 1; i < retry; i++ {
		delay *= 2
		if p.MaxBackoff > 0 && delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}
