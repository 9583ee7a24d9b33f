package openaicompat

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"

	"github.com/florianilch/claudine-gateway/internal/apierror"
	"github.com/florianilch/claudine-gateway/internal/format/openaichat"
)

// streamingErrorPrefix is the prefix the SDK uses for error payloads received mid-stream.
const streamingErrorPrefix = "received error while streaming: "

// toUpstreamError converts SDK errors into *apierror.UpstreamError. Context errors pass
// through so cancellation and deadlines keep their meaning.
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

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		upstreamErr := &apierror.UpstreamError{
			Provider: provider,
			Status:   apiErr.StatusCode,
			Kind:     kindOf(apiErr.Type, apiErr.Code),
			Message:  apiErr.Message,
			Cause:    err,
		}
		if upstreamErr.Kind == "" {
			upstreamErr.Kind = apierror.KindFromStatus(apiErr.StatusCode)
		}
		if upstreamErr.Message == "" {
			upstreamErr.Message = apierror.ExtractMessage([]byte(apiErr.RawJSON()))
		}
		if upstreamErr.Message == "" {
			upstreamErr.Message = http.StatusText(apiErr.StatusCode)
		}
		return upstreamErr
	}

	if payload, ok := strings.CutPrefix(err.Error(), streamingErrorPrefix); ok {
		raw := []byte(payload)
		if msg := apierror.ExtractMessage(raw); msg != "" {
			kind := openaichat.Kind(apierror.ExtractType(raw))
			if kind == "" {
				kind = apierror.KindAPI
			}
			return &apierror.UpstreamError{
				Provider: provider,
				Status:   apierror.StatusFor(kind),
				Kind:     kind,
				Message:  msg,
				Cause:    err,
			}
		}
	}

	return &apierror.UpstreamError{
		Provider: provider,
		Status:   http.StatusBadGateway,
		Kind:     apierror.KindAPI,
		Message:  "upstream request failed",
		Cause:    err,
	}
}

// kindOf prefers the error type and falls back to the error code.
func kindOf(errorType, code string) apierror.Kind {
	if kind := openaichat.Kind(errorType); kind != "" {
		return kind
	}
	return openaichat.Kind(code)
}
