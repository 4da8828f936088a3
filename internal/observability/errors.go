package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors joins the non-nil errors of a multi-step operation such as
// client shutdown, logs them once through logger, and returns the joined error.
func AggregateErrors(logger Logger, operation string, errs []error, fields ...Field) error {
	filtered := make([]error, 0, len(errs))
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		if err == nil {
			continue
		}
		filtered = append(filtered, err)
		messages = append(messages, err.Error())
	}
	if len(filtered) == 0 {
		return nil
	}
	logFields := append(fields,
		F("operation", operation),
		F("error_count", len(filtered)),
		F("errors", messages),
	)
	OrDefault(logger).Error("operation errors", logFields...)
	return fmt.Errorf("%s failed: %w", operation, errors.Join(filtered...))
}
