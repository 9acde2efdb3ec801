// Package toolside is the other end of the wire: a small runtime for writing
// tool processes in Go. It emits the capability advertisement, then answers
// tool-call lines on stdin with tool-result or tool-error lines on stdout.
package toolside

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// Handler computes one tool call. A returned error becomes a tool-error line.
type Handler func(ctx context.Context, input map[string]any) (map[string]any, error)

// Tool describes one capability the process offers.
type Tool struct {
	Name         string
	Description  string
	InputSchema  map[string]any
	OutputSchema map[string]any
	Handle       Handler
}

// Runner drives the stdin/stdout loop for a set of tools.
type Runner struct {
	tools  []Tool
	byName map[string]Handler
	in     io.Reader
	out    io.Writer
	logger *zap.Logger
}

func NewRunner(in io.Reader, out io.Writer, logger *zap.Logger, tools ...Tool) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	byName := make(map[string]Handler, len(tools))
	for _, tool := range tools {
		byName[tool.Name] = tool.Handle
	}
	return &Runner{
		tools:  tools,
		byName: byName,
		in:     in,
		out:    out,
		logger: logger.Named("toolside"),
	}
}

type callMessage struct {
	Type  string         `json:"type"`
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input"`
}

type advertisement struct {
	Type  string              `json:"type"`
	Tools []advertisementTool `json:"tools"`
}

type advertisementTool struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
}

// Run advertises the tool set, then serves calls until stdin closes or the
// context is canceled.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.advertise(); err != nil {
		return err
	}

	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		var msg callMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			if err := r.writeError(fmt.Sprintf("unparseable call: %v", err)); err != nil {
				return err
			}
			continue
		}
		if msg.Type != "tool-call" {
			r.logger.Warn("ignoring unexpected message", zap.String("type", msg.Type))
			continue
		}

		handler, ok := r.byName[msg.Tool]
		if !ok {
			if err := r.writeError(fmt.Sprintf("unknown tool: %s", msg.Tool)); err != nil {
				return err
			}
			continue
		}

		output, err := handler(ctx, msg.Input)
		if err != nil {
			r.logger.Warn("call failed", zap.String("tool", msg.Tool), zap.Error(err))
			if err := r.writeError(err.Error()); err != nil {
				return err
			}
			continue
		}
		if err := r.writeLine(map[string]any{"type": "tool-result", "output": output}); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (r *Runner) advertise() error {
	ad := advertisement{Type: "tool-description"}
	for _, tool := range r.tools {
		ad.Tools = append(ad.Tools, advertisementTool{
			Name:         tool.Name,
			Description:  tool.Description,
			InputSchema:  tool.InputSchema,
			OutputSchema: tool.OutputSchema,
		})
	}
	return r.writeLine(ad)
}

func (r *Runner) writeError(message string) error {
	return r.writeLine(map[string]any{"type": "tool-error", "error": message})
}

func (r *Runner) writeLine(payload any) error {
	line, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	line = append(line, '\n')
	if _, err := r.out.Write(line); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}
