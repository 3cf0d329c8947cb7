package pii

import (
	"encoding/json"
	"log/slog"
	"strings"
)

const RedactedPlaceholder = "[REDACTED]"

// Redactor masks sensitive fields in JSON log records before they are rendered.
type Redactor struct {
	fieldsToRedact map[string]struct{} // Use a map for O(1) lookups
	logger         *slog.Logger
}

// NewRedactor creates a new Redactor instance with a given set of fields to redact.
func NewRedactor(fields []string, logger *slog.Logger) *Redactor {
	fieldSet := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		if field = strings.TrimSpace(field); field != "" {
			fieldSet[field] = struct{}{}
		}
	}
	return &Redactor{
		fieldsToRedact: fieldSet,
		logger:         logger,
	}
}

// Enabled reports whether any field is configured.
func (r *Redactor) Enabled() bool {
	return r != nil && len(r.fieldsToRedact) > 0
}

// Redact returns a copy of record with the configured top-level fields masked.
// Records that are not JSON objects are returned unchanged. A record that
// looks like a JSON object but does not parse is returned unchanged with the error.
func (r *Redactor) Redact(record string) (string, bool, error) {
	if !r.Enabled() || !strings.HasPrefix(strings.TrimSpace(record), "{") {
		return record, false, nil
	}

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(record), &fields); err != nil {
		r.logger.Debug("failed to unmarshal record for redaction", "error", err)
		return record, false, err
	}

	redacted := false
	for field := range r.fieldsToRedact {
		if _, ok := fields[field]; ok {
			fields[field] = RedactedPlaceholder
			redacted = true
		}
	}
	if !redacted {
		return record, false, nil
	}

	out, err := json.Marshal(fields)
	if err != nil {
		r.logger.Error("failed to marshal record after redaction", "error", err)
		return record, false, err
	}
	return string(out), true, nil
}
