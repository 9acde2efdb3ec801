// Package wireproto implements the newline-delimited JSON protocol spoken on
// a tool process's stdin/stdout. Pure transformation, no I/O: encoding never
// emits a raw newline and decoding never fails — malformed input becomes a
// protocol-violation failure.
package wireproto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"toolbridge/internal/domain"
)

const (
	TypeToolCall        = "tool-call"
	TypeToolResult      = "tool-result"
	TypeToolError       = "tool-error"
	TypeToolDescription = "tool-description"
)

// maxRawSnippet bounds how much of an unparseable line is echoed back in a
// failure message.
const maxRawSnippet = 200

type callMessage struct {
	Type  string         `json:"type"`
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input"`
}

type replyMessage struct {
	Type   string         `json:"type"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

type descriptionMessage struct {
	Type  string                `json:"type"`
	Tools []descriptionToolItem `json:"tools"`
}

type descriptionToolItem struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
}

// EncodeCall serializes an invocation as one self-contained line, without the
// trailing delimiter. Values containing newlines are escaped by the JSON
// encoding; a raw newline in the result is rejected rather than corrupting
// the framing.
func EncodeCall(inv domain.Invocation) ([]byte, error) {
	msg := callMessage{
		Type:  TypeToolCall,
		Tool:  inv.Tool,
		Input: inv.Input,
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode call: %w", err)
	}
	if bytes.ContainsRune(line, '\n') {
		return nil, fmt.Errorf("encode call: encoded message contains a raw newline")
	}
	return line, nil
}

// DecodeResult parses one reply line. It is total: any line that is not a
// well-formed tool-result or tool-error decodes to a protocol-violation
// failure carrying a truncated copy of the raw line.
func DecodeResult(line string) domain.Result {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return domain.Fail(domain.FailureProtocolViolation, "empty reply line")
	}

	var msg replyMessage
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		return domain.Fail(domain.FailureProtocolViolation, "unparseable reply: %s", snippet(trimmed))
	}

	switch msg.Type {
	case TypeToolResult:
		if msg.Output == nil {
			return domain.Fail(domain.FailureProtocolViolation, "tool-result without output: %s", snippet(trimmed))
		}
		return domain.Succeed(msg.Output)
	case TypeToolError:
		return domain.Fail(domain.FailureToolError, "%s", msg.Error)
	default:
		return domain.Fail(domain.FailureProtocolViolation, "unrecognized reply type %q: %s", msg.Type, snippet(trimmed))
	}
}

// DecodeAdvertisement parses the capability-advertisement line a tool may
// emit on startup. The second return value reports whether the line was a
// recognizable advertisement; its content is informational only.
func DecodeAdvertisement(line string) ([]domain.AdvertisedTool, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil, false
	}
	var msg descriptionMessage
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		return nil, false
	}
	if msg.Type != TypeToolDescription {
		return nil, false
	}

	tools := make([]domain.AdvertisedTool, 0, len(msg.Tools))
	for _, item := range msg.Tools {
		advertised := domain.AdvertisedTool{
			Name:         item.Name,
			Description:  item.Description,
			InputSchema:  item.InputSchema,
			OutputSchema: item.OutputSchema,
		}
		// Resolution failures leave the schema unusable for validation but
		// the advertisement itself still counts.
		if resolved, err := domain.CompileInputSchema(item.InputSchema); err == nil {
			advertised.ResolvedInput = resolved
		}
		tools = append(tools, advertised)
	}
	return tools, true
}

func snippet(raw string) string {
	if len(raw) <= maxRawSnippet {
		return raw
	}
	return raw[:maxRawSnippet] + "... [truncated]"
}
