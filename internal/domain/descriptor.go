package domain

import (
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// ToolDescriptor is the static metadata for one tool, built from the catalog
// at startup and immutable afterwards.
type ToolDescriptor struct {
	// Name is the unique tool identifier used on the wire, e.g. "get-forecast".
	Name string
	// Endpoint is the HTTP path segment the gateway serves the tool under.
	// Defaults to Name when the catalog leaves it empty.
	Endpoint string
	// Cmd is the launch command: executable path plus arguments.
	Cmd []string
	// Env holds additional environment variables for the child process.
	Env map[string]string
	// Cwd is the working directory for the child process, empty for inherit.
	Cwd string
	// InputSchema is the declared input schema as raw JSON-schema data.
	// Nil means no schema was declared in the catalog; the schema advertised
	// by the process at startup is used instead, if any.
	InputSchema map[string]any
	// ResolvedInput is InputSchema compiled for validation. Nil iff
	// InputSchema is nil.
	ResolvedInput *jsonschema.Resolved

	// CallTimeoutSeconds bounds one invocation round trip. Zero means the
	// runtime default applies.
	CallTimeoutSeconds int
	// StartTimeoutSeconds bounds process launch plus the capability
	// advertisement read. Zero means the runtime default applies.
	StartTimeoutSeconds int
}

// CallTimeout returns the invocation deadline as a duration, applying defaults.
func (d ToolDescriptor) CallTimeout() time.Duration {
	seconds := d.CallTimeoutSeconds
	if seconds <= 0 {
		seconds = DefaultCallTimeoutSeconds
	}
	return time.Duration(seconds) * time.Second
}

// StartTimeout returns the startup deadline as a duration, applying defaults.
func (d ToolDescriptor) StartTimeout() time.Duration {
	seconds := d.StartTimeoutSeconds
	if seconds <= 0 {
		seconds = DefaultStartTimeoutSeconds
	}
	return time.Duration(seconds) * time.Second
}

// AdvertisedTool is one entry of the capability advertisement a tool process
// emits on startup. Informational except for the input schema fallback.
type AdvertisedTool struct {
	Name          string
	Description   string
	InputSchema   map[string]any
	OutputSchema  map[string]any
	ResolvedInput *jsonschema.Resolved
}

// CompileInputSchema resolves raw JSON-schema data for validation.
func CompileInputSchema(raw map[string]any) (*jsonschema.Resolved, error) {
	if raw == nil {
		return nil, nil
	}
	schema, err := SchemaFromJSONValue(raw)
	if err != nil {
		return nil, err
	}
	return schema.Resolve(nil)
}
