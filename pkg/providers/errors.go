package providers

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
)

// Kind classifies per-provider runtime failures.
type Kind string

const (
	KindCredentialMissing Kind = "CredentialMissing"
	KindInvalidProvider   Kind = "InvalidProvider"
	KindTransport         Kind = "ProviderTransportError"
	KindRateLimitOrQuota  Kind = "ProviderRateLimitOrQuota"
	KindUnknown           Kind = "Unknown"
)

var ErrCredentialMissing = errors.New("credential not configured")

// Error is a failure scoped to one provider's branch.
type Error struct {
	Provider string
	Kind     Kind
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(provider string, kind Kind, err error) *Error {
	return &Error{Provider: provider, Kind: kind, Err: err}
}

// Classify wraps err into an *Error for provider. Existing *Error values keep their kind.
func Classify(provider string, err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return NewError(provider, kindOf(err), err)
}

func kindOf(err error) Kind {
	if errors.Is(err, ErrCredentialMissing) {
		return KindCredentialMissing
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransport
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if k, ok := kindOfStatus(apiErr.HTTPStatusCode); ok {
			return k
		}
		if code, ok := apiErr.Code.(string); ok && strings.Contains(code, "quota") {
			return KindRateLimitOrQuota
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if k, ok := kindOfStatus(reqErr.HTTPStatusCode); ok {
			return k
		}
		return KindTransport
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransport
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "quota"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"):
		return KindRateLimitOrQuota
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"), strings.Contains(msg, "eof"):
		return KindTransport
	}
	return KindUnknown
}

func kindOfStatus(status int) (Kind, bool) {
	switch {
	case status == 429:
		return KindRateLimitOrQuota, true
	case status == 401 || status == 403:
		return KindCredentialMissing, true
	case status >= 500:
		return KindTransport, true
	}
	return "", false
}

// ErrorContent renders a provider failure as the durable content of its turn.
func ErrorContent(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		switch pe.Kind {
		case KindCredentialMissing:
			if pe.Err == nil || errors.Is(pe.Err, ErrCredentialMissing) {
				return "Error: " + ErrCredentialMissing.Error()
			}
		case KindInvalidProvider:
			if pe.Err == nil {
				return "Error: invalid provider " + pe.Provider
			}
		}
		if pe.Err != nil {
			return "Error: " + pe.Err.Error()
		}
		return "Error: " + string(pe.Kind)
	}
	return "Error: " + err.Error()
}
