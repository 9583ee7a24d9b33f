// Package openaichat implements the OpenAI Chat Completions wire format: request parsing and
// rendering, chat.completion responses, chat.completion.chunk streams terminated by [DONE],
// and the {"error":{...}} envelope.
package openaichat

import (
	"encoding/json"

	"github.com/florianilch/claudine-gateway/internal/apierror"
	"github.com/florianilch/claudine-gateway/internal/canonical"
	"github.com/florianilch/claudine-gateway/internal/format"
)

// Codec is the OpenAI Chat Completions wire format.
type Codec struct{}

// Compile-time check to ensure Codec implements format.Codec
var _ format.Codec = Codec{}

// Format implements format.Codec.
func (Codec) Format() canonical.Format { return canonical.FormatOpenAI }

// RenderError implements format.Codec.
func (Codec) RenderError(p apierror.Problem) (int, []byte) {
	body, _ := json.Marshal(errorResponse(p))
	status := p.Status
	if status == 0 {
		status = apierror.StatusFor(p.Kind)
	}
	return status, body
}

func errorResponse(p apierror.Problem) ErrorResponse {
	detail := ErrorDetail{Message: p.Message, Type: ErrorType(p.Kind)}
	if p.Param != "" {
		detail.Param = ptr(p.Param)
	}
	if code := errorCode(p.Kind); code != "" {
		detail.Code = ptr(code)
	}
	return ErrorResponse{Error: detail}
}

// ErrorType maps a canonical error kind to the OpenAI error type.
func ErrorType(kind apierror.Kind) string {
	switch kind {
	case apierror.KindInvalidRequest, apierror.KindNotFound:
		return "invalid_request_error"
	case apierror.KindAuthentication:
		return "authentication_error"
	case apierror.KindPermission:
		return "permission_denied"
	case apierror.KindRateLimit:
		return "rate_limit_error"
	case apierror.KindBilling:
		return "insufficient_quota"
	case apierror.KindOverloaded, apierror.KindTimeout:
		return "server_error"
	default:
		return "api_error"
	}
}

func errorCode(kind apierror.Kind) string {
	switch kind {
	case apierror.KindNotFound:
		return "not_found"
	case apierror.KindRateLimit:
		return "rate_limit_exceeded"
	case apierror.KindBilling:
		return "insufficient_quota"
	case apierror.KindTimeout:
		return "timeout"
	case apierror.KindOverloaded:
		return "overloaded"
	}
	return ""
}

// Kind maps an OpenAI error type or code to a canonical error kind. It returns "" when the
// value is not recognized so that callers can fall back to the HTTP status.
func Kind(errorType string) apierror.Kind {
	switch errorType {
	case "invalid_request_error", "invalid_request":
		return apierror.KindInvalidRequest
	case "authentication_error", "invalid_api_key":
		return apierror.KindAuthentication
	case "permission_denied", "permission_error":
		return apierror.KindPermission
	case "not_found", "not_found_error", "model_not_found":
		return apierror.KindNotFound
	case "rate_limit_error", "rate_limit_exceeded":
		return apierror.KindRateLimit
	case "insufficient_quota":
		return apierror.KindBilling
	case "overloaded", "overloaded_error":
		return apierror.KindOverloaded
	case "timeout":
		return apierror.KindTimeout
	case "server_error", "api_error":
		return apierror.KindAPI
	}
	return ""
}
