// Package anthropicmessages implements the Anthropic Messages API wire format: request parsing
// and rendering, message responses, the message_start/content_block_*/message_delta event
// stream, and the {"type":"error"} envelope.
package anthropicmessages

import (
	"encoding/json"

	"github.com/florianilch/claudine-gateway/internal/apierror"
	"github.com/florianilch/claudine-gateway/internal/canonical"
	"github.com/florianilch/claudine-gateway/internal/format"
)

// Codec is the Anthropic Messages wire format.
type Codec struct{}

// Compile-time check to ensure Codec implements format.Codec
var _ format.Codec = Codec{}

// Format implements format.Codec.
func (Codec) Format() canonical.Format { return canonical.FormatAnthropic }

// RenderError implements format.Codec.
func (Codec) RenderError(p apierror.Problem) (int, []byte) {
	body, _ := json.Marshal(ErrorResponse{
		Type:  "error",
		Error: ErrorDetail{Type: ErrorType(p.Kind), Message: p.Message},
	})
	status := p.Status
	if status == 0 {
		status = apierror.StatusFor(p.Kind)
	}
	return status, body
}

// ErrorType maps a canonical error kind to Anthropic's error type.
func ErrorType(kind apierror.Kind) string {
	switch kind {
	case apierror.KindInvalidRequest:
		return "invalid_request_error"
	case apierror.KindAuthentication:
		return "authentication_error"
	case apierror.KindPermission:
		return "permission_error"
	case apierror.KindNotFound:
		return "not_found_error"
	case apierror.KindRateLimit:
		return "rate_limit_error"
	case apierror.KindBilling:
		return "billing_error"
	case apierror.KindOverloaded:
		return "overloaded_error"
	case apierror.KindTimeout:
		return "timeout_error"
	default:
		return "api_error"
	}
}

// Kind maps Anthropic's error type to a canonical error kind.
func Kind(errorType string) apierror.Kind {
	switch errorType {
	case "invalid_request_error", "request_too_large":
		return apierror.KindInvalidRequest
	case "authentication_error":
		return apierror.KindAuthentication
	case "permission_error":
		return apierror.KindPermission
	case "not_found_error":
		return apierror.KindNotFound
	case "rate_limit_error":
		return apierror.KindRateLimit
	case "billing_error":
		return apierror.KindBilling
	case "overloaded_error":
		return apierror.KindOverloaded
	case "timeout_error":
		return apierror.KindTimeout
	default:
		return apierror.KindAPI
	}
}

// RenderCountTokens encodes a count_tokens answer.
func RenderCountTokens(n int) ([]byte, error) {
	return json.Marshal(CountTokensResponse{InputTokens: n})
}
