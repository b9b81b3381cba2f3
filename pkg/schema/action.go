package schema

// AuthType enumerates how a Tool authenticates outbound calls.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthAPIKey AuthType = "apiKey"
	AuthOAuth2 AuthType = "oauth2"
)

// ParamType enumerates the closed set of parameter descriptor types.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamEnum    ParamType = "enum"
	ParamDate    ParamType = "date"
)

// ValidationRule holds the optional constraints of a parameter descriptor.
// Min/Max apply to string length for string parameters and to the numeric
// value for number parameters.
type ValidationRule struct {
	Min        *float64 `json:"min,omitempty"`
	Max        *float64 `json:"max,omitempty"`
	Pattern    string   `json:"pattern,omitempty"`
	Format     string   `json:"format,omitempty"` // email | url | date | date-time
	EnumValues []string `json:"enum_values,omitempty"`
}

// ParameterDescriptor describes one input parameter of an Action.
// Names are unique within an Action's schema.
type ParameterDescriptor struct {
	Name       string          `json:"name"`
	Type       ParamType       `json:"type"`
	Required   bool            `json:"required,omitempty"`
	Options    []string        `json:"options,omitempty"` // enum members
	Validation *ValidationRule `json:"validation,omitempty"`
	Default    any             `json:"default,omitempty"`
}

// Action is an org-scoped template describing one HTTP call against a Tool.
// The engine reads actions from the Catalog; it never mutates them.
type Action struct {
	ID          string                `json:"id"`
	Key         string                `json:"key"` // unique per org
	Name        string                `json:"name,omitempty"`
	OrgID       string                `json:"org_id"`
	ToolID      string                `json:"tool_id"`
	Method      string                `json:"method"`
	Endpoint    string                `json:"endpoint"` // absolute or relative, may contain {{name}} placeholders
	Headers     map[string]string     `json:"headers,omitempty"`
	InputSchema []ParameterDescriptor `json:"input_schema,omitempty"`

	// SuccessWhen is an optional CEL expression over {status, body, headers}
	// that overrides the default 2xx success check.
	SuccessWhen string `json:"success_when,omitempty"`
	// OutputFilter is an optional jq expression applied to the response body
	// before it is stored as the execution output.
	OutputFilter string `json:"output_filter,omitempty"`
	// TimeoutMs overrides the engine's default sandbox timeout.
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

// Tool is an external service an Action targets.
type Tool struct {
	ID       string   `json:"id"`
	OrgID    string   `json:"org_id"`
	Key      string   `json:"key,omitempty"`
	Name     string   `json:"name,omitempty"`
	BaseURL  string   `json:"base_url"`
	AuthType AuthType `json:"auth_type"`
}
