// Package forms validates and canonicalises the structured details attached
// to entries. The schema is chosen by the section's form kind.
package forms

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"ims/api/internal/catalog"
)

const dateLayout = "2006-01-02"

// now is replaced in tests.
var now = time.Now

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsEmpty reports whether raw carries no details at all.
func IsEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return true
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return false
	}
	return len(obj) == 0
}

// Normalize validates raw against the schema for kind and returns the
// canonical JSON, derived fields included. Empty input becomes {}.
func Normalize(kind catalog.FormKind, raw json.RawMessage) (json.RawMessage, error) {
	if IsEmpty(raw) {
		return json.RawMessage(`{}`), nil
	}

	var (
		value any
		err   error
	)
	switch kind {
	case catalog.FormGeneric:
		value, err = normalizeGeneric(raw)
	case catalog.FormRiskAssessment:
		value, err = normalizeRiskAssessment(raw)
	case catalog.FormCOSHH:
		value, err = normalizeCOSHH(raw)
	case catalog.FormJobDescription:
		value, err = normalizeJobDescription(raw)
	case catalog.FormCorrectiveAction:
		value, err = normalizeCorrectiveAction(raw)
	default:
		return nil, fmt.Errorf("unknown form kind %q", kind)
	}
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode details: %w", err)
	}
	return encoded, nil
}

// Current recomputes values that depend on the day they are read. Stored
// corrective actions get their status derived again; other kinds and
// undecodable input are returned unchanged.
func Current(kind catalog.FormKind, raw json.RawMessage) json.RawMessage {
	if kind != catalog.FormCorrectiveAction || IsEmpty(raw) {
		return raw
	}
	var form CorrectiveAction
	if json.Unmarshal(raw, &form) != nil {
		return raw
	}
	status := CorrectiveActionStatus(form, now())
	if status == form.Status {
		return raw
	}
	form.Status = status
	encoded, err := json.Marshal(form)
	if err != nil {
		return raw
	}
	return encoded
}

func normalizeGeneric(raw json.RawMessage) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, invalid("details", "must be a JSON object")
	}
	return obj, nil
}

func decodeStrict(raw json.RawMessage, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return invalid(typeErr.Field, "has the wrong type")
		}
		if strings.HasPrefix(err.Error(), "json: unknown field") {
			return invalid("details", "%s", strings.TrimPrefix(err.Error(), "json: "))
		}
		return invalid("details", "must be a JSON object")
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return invalid("details", "must contain a single JSON object")
	}
	return nil
}

func validDate(field, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil
	}
	if _, err := time.Parse(dateLayout, value); err != nil {
		return "", invalid(field, "must be a date in YYYY-MM-DD format")
	}
	return value, nil
}

func inScale(field string, value int) error {
	if value < 1 || value > 5 {
		return invalid(field, "must be between 1 and 5")
	}
	return nil
}

func cleanList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeSet(field string, values []string, allowed map[string]struct{}, transform func(string) string) ([]string, error) {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		normalized := transform(strings.TrimSpace(value))
		if normalized == "" {
			continue
		}
		if _, ok := allowed[normalized]; !ok {
			return nil, invalid(field, "unknown value %q", value)
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	sort.Strings(out)
	return out, nil
}
