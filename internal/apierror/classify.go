package apierror

import (
	"context"
	"errors"
	"net/http"
	"regexp"

	"github.com/tidwall/gjson"
)

// Kind is the wire-format-neutral error category.
type Kind string

const (
	KindInvalidRequest Kind = "invalid_request"
	KindAuthentication Kind = "authentication"
	KindPermission     Kind = "permission"
	KindNotFound       Kind = "not_found"
	KindRateLimit      Kind = "rate_limit"
	KindBilling        Kind = "billing"
	KindOverloaded     Kind = "overloaded"
	KindTimeout        Kind = "timeout"
	KindAPI            Kind = "api_error"
)

// Problem is a classified error ready to be rendered into a wire envelope.
type Problem struct {
	Kind    Kind
	Status  int
	Message string
	Param   string
}

// Classify maps any error onto a Problem. Unknown errors become a generic api_error so
// that internal detail is not leaked to clients.
func Classify(err error) Problem {
	if err == nil {
		return Problem{Kind: KindAPI, Status: http.StatusInternalServerError, Message: "unknown error"}
	}

	var (
		parseErr    *ParseError
		unsupported *UnsupportedParameterError
		modeErr     *CredentialModeError
		authErr     *AuthError
		upstreamErr *UpstreamError
		violation   *ProtocolViolation
		notFound    *NotFoundError
		maxBytes    *http.MaxBytesError
	)

	switch {
	case errors.As(err, &parseErr):
		return Problem{Kind: KindInvalidRequest, Status: http.StatusBadRequest, Message: parseErr.Error(), Param: parseErr.Field}
	case errors.As(err, &unsupported):
		return Problem{Kind: KindInvalidRequest, Status: http.StatusBadRequest, Message: unsupported.Error(), Param: unsupported.Param}
	case errors.As(err, &modeErr):
		return Problem{Kind: KindInvalidRequest, Status: http.StatusBadRequest, Message: modeErr.Error()}
	case errors.As(err, &maxBytes):
		return Problem{Kind: KindInvalidRequest, Status: http.StatusRequestEntityTooLarge, Message: http.StatusText(http.StatusRequestEntityTooLarge)}
	case errors.As(err, &notFound):
		return Problem{Kind: KindNotFound, Status: http.StatusNotFound, Message: notFound.Error()}
	case errors.As(err, &authErr):
		if authErr.Kind == AuthTransient {
			return Problem{Kind: KindAPI, Status: http.StatusServiceUnavailable, Message: Redact(authErr.Error())}
		}
		return Problem{Kind: KindAuthentication, Status: http.StatusUnauthorized, Message: Redact(authErr.Error())}
	case errors.As(err, &upstreamErr):
		status := upstreamErr.Status
		if status == 0 {
			status = StatusFor(upstreamErr.Kind)
		}
		kind := upstreamErr.Kind
		if kind == "" {
			kind = KindFromStatus(status)
		}
		return Problem{Kind: kind, Status: status, Message: Redact(upstreamErr.Message)}
	case errors.As(err, &violation):
		return Problem{Kind: KindAPI, Status: http.StatusBadGateway, Message: violation.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return Problem{Kind: KindTimeout, Status: http.StatusGatewayTimeout, Message: "request timed out"}
	case errors.Is(err, context.Canceled):
		return Problem{Kind: KindAPI, Status: 499, Message: "request canceled"}
	}

	return Problem{Kind: KindAPI, Status: http.StatusInternalServerError, Message: http.StatusText(http.StatusInternalServerError)}
}

// StatusFor returns the default HTTP status for a kind.
func StatusFor(kind Kind) int {
	switch kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindPermission:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindBilling:
		return http.StatusPaymentRequired
	case KindOverloaded:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// KindFromStatus infers a kind from an upstream HTTP status.
func KindFromStatus(status int) Kind {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return KindInvalidRequest
	case http.StatusUnauthorized:
		return KindAuthentication
	case http.StatusPaymentRequired:
		return KindBilling
	case http.StatusForbidden:
		return KindPermission
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	case http.StatusTooManyRequests:
		return KindRateLimit
	case http.StatusServiceUnavailable, 529:
		return KindOverloaded
	default:
		return KindAPI
	}
}

// messagePaths are probed in order to find a human-readable message in a foreign error body.
var messagePaths = []string{
	"error.message",
	"message",
	"detail",
	"error_description",
	"title",
	"reason",
	"errors.0.message",
	"error",
}

// ExtractMessage pulls a message out of an arbitrary JSON error body.
// It returns "" when the body is not JSON or carries no recognizable message.
func ExtractMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	for _, path := range messagePaths {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

// ExtractType pulls an error type string such as "rate_limit_error" out of a JSON error body.
func ExtractType(body []byte) string {
	for _, path := range []string{"error.type", "type", "error.code", "code"} {
		if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.Str != "" && v.Str != "error" {
			return v.Str
		}
	}
	return ""
}

var secretPattern = regexp.MustCompile(`(sk-ant-[A-Za-z0-9_\-]+|sk-[A-Za-z0-9_\-]{16,}|(?i:bearer)\s+[A-Za-z0-9._\-]+)`)

// Redact masks credentials that may have been echoed back in an error message.
func Redact(msg string) string {
	return secretPattern.ReplaceAllString(msg, "[redacted]")
}
