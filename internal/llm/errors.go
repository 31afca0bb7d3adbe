package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

type Kind string

const (
	KindRateLimited       Kind = "rate_limited"
	KindTimeout           Kind = "timeout"
	KindModelUnavailable  Kind = "model_unavailable"
	KindModerationBlocked Kind = "moderation_blocked"
	KindUnknown           Kind = "unknown"
)

// ErrVisionDisabled signals that a caller constructed image content
// while the vision path is switched off. The caller is expected to
// check the flag up front; this error is a loud misuse signal, not a
// silent drop.
var ErrVisionDisabled = errors.New("vision is disabled")

// Error is the typed failure surfaced after the retry/fallback policy
// is exhausted (or immediately, for fatal kinds).
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("llm %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("llm %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the error kind, defaulting to KindUnknown.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindUnknown
}

var userMessages = map[Kind]string{
	KindTimeout:           "Я занадто довго думаю... Спробуй ще раз? 🤔",
	KindRateLimited:       "API зайнятий. Зачекай хвильку. ⏳",
	KindModelUnavailable:  "Переключаюсь на запасну модель... 🔄",
	KindModerationBlocked: "Я не можу відповісти на це. 🙅",
	KindUnknown:           "Упс, щось пішло не так. Спробуй ще раз. 😅",
}

// UserMessage maps a gateway error to user-facing text.
func UserMessage(err error) string {
	return userMessages[KindOf(err)]
}

// HTTPError carries a non-2xx upstream response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream http %d: %s", e.StatusCode, e.Body)
}

func isModerationRejection(e *HTTPError) bool {
	if e.StatusCode != 400 && e.StatusCode != 403 {
		return false
	}
	body := strings.ToLower(e.Body)
	return strings.Contains(body, "content_policy") ||
		strings.Contains(body, "content policy") ||
		strings.Contains(body, "content_filter") ||
		strings.Contains(body, "moderation")
}

func isRetryableHTTP(code int) bool {
	if code == 408 || code == 429 {
		return true
	}
	return code >= 500 && code <= 599
}

func isRetryableErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if isModerationRejection(httpErr) {
			return false
		}
		return isRetryableHTTP(httpErr.StatusCode)
	}
	// Plain transport errors (connection refused, reset) are worth a retry.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// classify maps a raw upstream error to the typed taxonomy.
func classify(err error) *Error {
	var httpErr *HTTPError
	switch {
	case errors.As(err, &httpErr):
		switch {
		case isModerationRejection(httpErr):
			return &Error{Kind: KindModerationBlocked, Msg: "content rejected by upstream moderation", Err: err}
		case httpErr.StatusCode == 429:
			return &Error{Kind: KindRateLimited, Msg: "upstream rate limit", Err: err}
		case httpErr.StatusCode >= 500:
			return &Error{Kind: KindModelUnavailable, Msg: "upstream unavailable", Err: err}
		default:
			return &Error{Kind: KindUnknown, Msg: "upstream rejected request", Err: err}
		}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Msg: "request timed out", Err: err}
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &Error{Kind: KindTimeout, Msg: "request timed out", Err: err}
		}
		return &Error{Kind: KindUnknown, Msg: "request failed", Err: err}
	}
}
