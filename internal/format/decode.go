package format

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/florianilch/claudine-gateway/internal/apierror"
)

// Decode unmarshals body into v, converting decoder failures into field-level parse errors.
func Decode(body []byte, v any) error {
	if len(body) == 0 {
		return apierror.Parsef("", "request body is empty")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return DecodeError(err)
	}
	return nil
}

// DecodeError converts an encoding/json error into a *apierror.ParseError.
func DecodeError(err error) *apierror.ParseError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return apierror.Parsef(typeErr.Field, "expected %s, got %s", typeErr.Type, typeErr.Value)
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return apierror.Parsef("", "invalid JSON at offset %d", syntaxErr.Offset)
	}
	return apierror.Parsef("", "invalid request body: %v", err)
}

// Extensions returns the top-level fields of body that are not listed in known.
// The result is nil when there are none.
func Extensions(body []byte, known map[string]bool) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(body, &all); err != nil {
		return nil, DecodeError(err)
	}
	var ext map[string]json.RawMessage
	for k, v := range all {
		if known[k] {
			continue
		}
		if ext == nil {
			ext = make(map[string]json.RawMessage)
		}
		ext[k] = v
	}
	return ext, nil
}

// MergeExtensions marshals v and adds the extension fields at the top level. Fields already
// present in v win.
func MergeExtensions(v any, ext map[string]json.RawMessage) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(ext) == 0 {
		return body, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(body, &merged); err != nil {
		return nil, fmt.Errorf("merge extensions: %w", err)
	}
	for k, raw := range ext {
		if _, exists := merged[k]; !exists {
			merged[k] = raw
		}
	}
	return json.Marshal(merged)
}

// StringOrArray decodes a JSON value that is either a string or an array of T.
// A string yields (s, nil, true); an array yields ("", items, false).
func StringOrArray[T any](raw json.RawMessage, field string) (string, []T, bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil, false, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", nil, false, apierror.Parsef(field, "invalid string: %v", err)
		}
		return s, nil, true, nil
	}
	var items []T
	if err := json.Unmarshal(raw, &items); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return "", nil, false, apierror.Parsef(field+"."+typeErr.Field, "expected %s, got %s", typeErr.Type, typeErr.Value)
		}
		return "", nil, false, apierror.Parsef(field, "must be a string or an array")
	}
	return "", items, false, nil
}
