package schema

import "fmt"

// FieldError is a single field-level input validation problem.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult aggregates all field errors from input validation.
// Validation never fails fast; callers get the complete list.
type ValidationResult struct {
	Errors []FieldError `json:"errors,omitempty"`
}

// Valid returns true if there are no field errors.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends a field-level error.
func (r *ValidationResult) AddError(field, code, message string) {
	r.Errors = append(r.Errors, FieldError{Field: field, Code: code, Message: message})
}

// Fields returns the names of all fields with errors, in order.
func (r *ValidationResult) Fields() []string {
	fields := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		fields = append(fields, e.Field)
	}
	return fields
}

// ToError converts the result to an EngineError if invalid, nil if valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := fmt.Sprintf("%s: %s", r.Errors[0].Field, r.Errors[0].Message)
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d field errors", len(r.Errors))
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count": len(r.Errors),
			"fields":      r.Errors,
		})
}
