// Package errors normalizes error values into low-cardinality class names
// for metric tags and log fields.
package errors

import (
	goerrors "errors"
	"reflect"
	"strings"

	apperrors "github.com/hirewire/cvpipeline/internal/errors"
)

// Classify returns a stable class name for err, suitable for tagging
// metrics and logs. Application errors report their code (rate_limited,
// invalid_transition, conflict, ...), which keeps tag cardinality flat no
// matter how the message varies. Anything else falls back to the innermost
// concrete type, lowercased with the package separator flattened.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var appErr *apperrors.AppError
	if goerrors.As(err, &appErr) && appErr.Code != "" {
		return string(appErr.Code)
	}

	// Unwrap to the innermost error for better signal.
	for {
		unwrapped := goerrors.Unwrap(err)
		if unwrapped == nil {
			break
		}
		err = unwrapped
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}

	name := strings.ToLower(strings.ReplaceAll(t.String(), "*", ""))
	name = strings.ReplaceAll(name, ".", "_")
	if name == "" {
		return "unknown"
	}
	return name
}
