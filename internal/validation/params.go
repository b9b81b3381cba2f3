package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/toolrun/toolrun/internal/expressions"
	"github.com/toolrun/toolrun/pkg/schema"
)

// Field error codes emitted by the parameter interpreter.
const (
	codeRequired   = "required"
	codeType       = "type"
	codeMinLength  = "min_length"
	codeMaxLength  = "max_length"
	codeMin        = "min"
	codeMax        = "max"
	codePattern    = "pattern"
	codeFormat     = "format"
	codeEnum       = "enum"
	codeDate       = "date"
	codeDefault    = "default"
	codeDescriptor = "descriptor"
)

// dateLayouts accepted for the date parameter type and the "date" format.
var dateLayouts = []string{time.RFC3339, "2006-01-02"}

// ParamValidator interprets parameter descriptor lists against raw input.
// It is safe for concurrent use; compiled patterns are cached.
type ParamValidator struct {
	expr *expressions.ExprEngine

	mu       sync.RWMutex
	patterns map[string]*regexp.Regexp
}

// NewParamValidator creates a validator. The expr engine powers computed
// defaults ({"expr": "..."} descriptor defaults) and may be shared.
func NewParamValidator(exprEngine *expressions.ExprEngine) *ParamValidator {
	if exprEngine == nil {
		exprEngine = expressions.NewExprEngine()
	}
	return &ParamValidator{
		expr:     exprEngine,
		patterns: make(map[string]*regexp.Regexp),
	}
}

// Validate interprets descriptors in order against raw input.
// It returns the coerced inputs and the full list of field errors; it never
// fails fast, so callers get complete diagnostics in one pass.
//
// Fields present in raw but absent from the descriptor list are silently
// dropped: the raw inputs are persisted verbatim on the execution row, so
// nothing is lost, and schema evolution does not break existing callers.
//
// A default takes precedence over the required check: a required descriptor
// that also declares a default never reports a missing-field error, the
// default fills the absence. Required only rejects when no default exists.
func (v *ParamValidator) Validate(ctx context.Context, descriptors []schema.ParameterDescriptor, raw map[string]any) (map[string]any, *schema.ValidationResult) {
	result := &schema.ValidationResult{}
	valid := make(map[string]any, len(descriptors))

	for _, desc := range descriptors {
		val, present := raw[desc.Name]

		if !present || val == nil {
			if desc.Default != nil {
				dv, err := v.resolveDefault(ctx, desc, valid)
				if err != nil {
					result.AddError(desc.Name, codeDefault, err.Error())
					continue
				}
				valid[desc.Name] = dv
				continue
			}
			if desc.Required {
				result.AddError(desc.Name, codeRequired, "field is required")
			}
			continue
		}

		coerced, ok := v.coerce(desc, val, result)
		if ok {
			valid[desc.Name] = coerced
		}
	}

	return valid, result
}

// resolveDefault returns the descriptor's default value, evaluating computed
// defaults of the form {"expr": "..."} against the inputs validated so far.
func (v *ParamValidator) resolveDefault(ctx context.Context, desc schema.ParameterDescriptor, valid map[string]any) (any, error) {
	if m, ok := desc.Default.(map[string]any); ok {
		if expression, ok := m["expr"].(string); ok {
			return v.expr.Evaluate(ctx, expression, valid)
		}
	}
	return desc.Default, nil
}

// coerce dispatches on the descriptor type; returns the coerced value and
// whether it is usable. Errors are accumulated on result.
func (v *ParamValidator) coerce(desc schema.ParameterDescriptor, val any, result *schema.ValidationResult) (any, bool) {
	switch desc.Type {
	case schema.ParamString:
		return v.coerceString(desc, val, result)
	case schema.ParamNumber:
		return v.coerceNumber(desc, val, result)
	case schema.ParamBoolean:
		b, ok := val.(bool)
		if !ok {
			result.AddError(desc.Name, codeType, fmt.Sprintf("must be a boolean, got %T", val))
			return nil, false
		}
		return b, true
	case schema.ParamEnum:
		return v.coerceEnum(desc, val, result)
	case schema.ParamDate:
		return v.coerceDate(desc, val, result)
	default:
		result.AddError(desc.Name, codeDescriptor, fmt.Sprintf("unknown parameter type %q", desc.Type))
		return nil, false
	}
}

func (v *ParamValidator) coerceString(desc schema.ParameterDescriptor, val any, result *schema.ValidationResult) (any, bool) {
	s, ok := val.(string)
	if !ok {
		result.AddError(desc.Name, codeType, fmt.Sprintf("must be a string, got %T", val))
		return nil, false
	}

	rule := desc.Validation
	if rule == nil {
		return s, true
	}

	valid := true
	if rule.Min != nil && float64(len(s)) < *rule.Min {
		result.AddError(desc.Name, codeMinLength, fmt.Sprintf("must be at least %d characters", int(*rule.Min)))
		valid = false
	}
	if rule.Max != nil && float64(len(s)) > *rule.Max {
		result.AddError(desc.Name, codeMaxLength, fmt.Sprintf("must be at most %d characters", int(*rule.Max)))
		valid = false
	}
	if rule.Pattern != "" {
		re, err := v.compilePattern(rule.Pattern)
		if err != nil {
			result.AddError(desc.Name, codeDescriptor, fmt.Sprintf("invalid pattern %q", rule.Pattern))
			valid = false
		} else if !re.MatchString(s) {
			result.AddError(desc.Name, codePattern, fmt.Sprintf("does not match pattern %q", rule.Pattern))
			valid = false
		}
	}
	if rule.Format != "" && !checkFormat(rule.Format, s) {
		result.AddError(desc.Name, codeFormat, fmt.Sprintf("is not a valid %s", rule.Format))
		valid = false
	}

	if !valid {
		return nil, false
	}
	return s, true
}

func (v *ParamValidator) coerceNumber(desc schema.ParameterDescriptor, val any, result *schema.ValidationResult) (any, bool) {
	var n float64
	switch x := val.(type) {
	case float64:
		n = x
	case float32:
		n = float64(x)
	case int:
		n = float64(x)
	case int64:
		n = float64(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			result.AddError(desc.Name, codeType, "must be a number")
			return nil, false
		}
		n = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			result.AddError(desc.Name, codeType, fmt.Sprintf("must be a number, got %q", x))
			return nil, false
		}
		n = f
	default:
		result.AddError(desc.Name, codeType, fmt.Sprintf("must be a number, got %T", val))
		return nil, false
	}

	rule := desc.Validation
	if rule != nil {
		if rule.Min != nil && n < *rule.Min {
			result.AddError(desc.Name, codeMin, fmt.Sprintf("must be >= %v", *rule.Min))
			return nil, false
		}
		if rule.Max != nil && n > *rule.Max {
			result.AddError(desc.Name, codeMax, fmt.Sprintf("must be <= %v", *rule.Max))
			return nil, false
		}
	}
	return n, true
}

func (v *ParamValidator) coerceEnum(desc schema.ParameterDescriptor, val any, result *schema.ValidationResult) (any, bool) {
	s, ok := val.(string)
	if !ok {
		result.AddError(desc.Name, codeType, fmt.Sprintf("must be a string, got %T", val))
		return nil, false
	}

	options := desc.Options
	if len(options) == 0 && desc.Validation != nil {
		options = desc.Validation.EnumValues
	}
	for _, opt := range options {
		if s == opt {
			return s, true
		}
	}
	result.AddError(desc.Name, codeEnum,
		fmt.Sprintf("must be one of [%s]", strings.Join(options, ", ")))
	return nil, false
}

func (v *ParamValidator) coerceDate(desc schema.ParameterDescriptor, val any, result *schema.ValidationResult) (any, bool) {
	s, ok := val.(string)
	if !ok {
		result.AddError(desc.Name, codeType, fmt.Sprintf("must be a date string, got %T", val))
		return nil, false
	}
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return s, true
		}
	}
	result.AddError(desc.Name, codeDate, fmt.Sprintf("%q is not a parseable date", s))
	return nil, false
}

// compilePattern returns a cached compiled regexp for the pattern.
func (v *ParamValidator) compilePattern(pattern string) (*regexp.Regexp, error) {
	v.mu.RLock()
	if re, ok := v.patterns[pattern]; ok {
		v.mu.RUnlock()
		return re, nil
	}
	v.mu.RUnlock()

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.patterns[pattern] = re
	v.mu.Unlock()
	return re, nil
}

func checkFormat(format, s string) bool {
	switch format {
	case "email":
		_, err := mail.ParseAddress(s)
		return err == nil
	case "url":
		u, err := url.ParseRequestURI(s)
		return err == nil && u.Scheme != "" && u.Host != ""
	case "date":
		_, err := time.Parse("2006-01-02", s)
		return err == nil
	case "date-time":
		_, err := time.Parse(time.RFC3339, s)
		return err == nil
	default:
		// Unknown formats are not enforced.
		return true
	}
}
