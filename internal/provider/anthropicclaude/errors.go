package anthropicclaude

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/florianilch/claudine-gateway/internal/apierror"
	"github.com/florianilch/claudine-gateway/internal/format/anthropicmessages"
)

// streamingErrorPrefix is the prefix used by the Anthropic SDK when wrapping streaming errors.
const streamingErrorPrefix = "received error while streaming: "

// toUpstreamError converts any SDK error into an *apierror.UpstreamError.
// Anthropic SDK returns different error shapes for streaming vs non-streaming requests,
// so both are normalized. Context errors pass through unchanged so cancellation and
// deadlines keep their meaning.
func toUpstreamError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &apierror.TimeoutError{Op: "upstream request", Err: err}
	}

	// Non-streaming: *anthropic.Error provides structured error via RawJSON()
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		raw := []byte(apiErr.RawJSON())
		upstreamErr := &apierror.UpstreamError{
			Provider: provider,
			Status:   apiErr.StatusCode,
			Kind:     apierror.KindFromStatus(apiErr.StatusCode),
			Message:  apierror.ExtractMessage(raw),
			Cause:    err,
		}
		if errorType := apierror.ExtractType(raw); errorType != "" {
			upstreamErr.Kind = anthropicmessages.Kind(errorType)
		}
		if upstreamErr.Message == "" {
			upstreamErr.Message = http.StatusText(apiErr.StatusCode)
		}
		return upstreamErr
	}

	// Streaming: SDK embeds JSON in error string with known prefix
	if jsonStr, ok := strings.CutPrefix(err.Error(), streamingErrorPrefix); ok {
		raw := []byte(jsonStr)
		if msg := apierror.ExtractMessage(raw); msg != "" {
			kind := anthropicmessages.Kind(apierror.ExtractType(raw))
			return &apierror.UpstreamError{
				Provider: provider,
				Status:   apierror.StatusFor(kind),
				Kind:     kind,
				Message:  msg,
				Cause:    err,
			}
		}
	}

	// Fallback: network failures and malformed streams
	return &apierror.UpstreamError{
		Provider: provider,
		Status:   http.StatusBadGateway,
		Kind:     apierror.KindAPI,
		Message:  "upstream request failed",
		Cause:    err,
	}
}
