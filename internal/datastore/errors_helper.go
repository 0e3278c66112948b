package datastore

import (
	"fmt"
	"strings"

	"github.com/sentinel-av/sentinel/internal/errors"
)

// dbError creates a properly categorized database error with context
func dbError(err error, operation string, priority string, context ...any) error {
	if isDatabaseCorruption(err) {
		priority = errors.PriorityCritical
	}
	builder := errors.New(err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", operation)

	if priority != "" {
		builder = builder.Priority(priority)
	}

	for i := 0; i < len(context)-1; i += 2 {
		if key, ok := context[i].(string); ok {
			builder = builder.Context(key, context[i+1])
		}
	}

	return builder.Build()
}

func validationError(message, field string, value any) error {
	return errors.Newf("%s", message).
		Component("datastore").
		Category(errors.CategoryValidation).
		Context("field", field).
		Context("value", fmt.Sprintf("%v", value)).
		Build()
}

func stateError(operation, reason string) error {
	return errors.Newf("datastore: %s: %s", operation, reason).
		Component("datastore").
		Category(errors.CategoryState).
		Context("operation", operation).
		Build()
}

func isDatabaseCorruption(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "corrupt") ||
		strings.Contains(msg, "file is not a database")
}
