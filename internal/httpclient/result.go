package httpclient

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind tags the outcome of a single attempt.
type Kind int

const (
	KindOK Kind = iota
	KindRateLimited
	KindAuthFailed
	KindTransient
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindRateLimited:
		return "rate_limited"
	case KindAuthFailed:
		return "auth_failed"
	case KindTransient:
		return "transient"
	default:
		return "fatal"
	}
}

// Result is the classified outcome of one attempt. RetryAfter is only set
// for KindRateLimited.
type Result struct {
	Kind       Kind
	Response   *Response
	Err        error
	RetryAfter time.Duration
}

// classify tags one response. now resolves HTTP-date Retry-After values.
func classify(res *http.Response, body []byte, now time.Time) Result {
	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		wait := parseRetryAfter(res.Header.Get("Retry-After"), now)
		return Result{
			Kind:       KindRateLimited,
			RetryAfter: wait,
			Err:        fmt.Errorf("%w: retry after %s", ErrRateLimited, wait),
		}
	case res.StatusCode == http.StatusUnauthorized:
		return Result{Kind: KindAuthFailed, Err: fmt.Errorf("%w: %s", ErrUnauthorized, truncate(body))}
	case res.StatusCode >= 400:
		return Result{Kind: KindTransient, Err: &StatusError{StatusCode: res.StatusCode, Body: truncate(body)}}
	default:
		return Result{Kind: KindOK}
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Missing or
// unparseable values fall back to 60 seconds.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return defaultRetryAfter
}
