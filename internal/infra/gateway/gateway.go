// Package gateway exposes each configured tool as one HTTP endpoint. It owns
// the HTTP surface only: body decoding, the failure-to-status mapping, and
// response rendering. Everything between the request and the tool process is
// the dispatcher's problem.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"toolbridge/internal/domain"
	"toolbridge/internal/infra/telemetry"
)

// Invoker performs one tool invocation. Implemented by dispatch.Dispatcher.
type Invoker interface {
	Invoke(ctx context.Context, tool string, input map[string]any) domain.Result
}

// Options configures the gateway.
type Options struct {
	Logger *zap.Logger
	// MaxBodyBytes bounds the accepted request body. Zero applies the
	// protocol line limit.
	MaxBodyBytes int64
}

// Gateway is the HTTP handler serving every configured tool endpoint.
type Gateway struct {
	invoker      Invoker
	logger       *zap.Logger
	maxBodyBytes int64
	mux          *http.ServeMux
}

func New(invoker Invoker, tools []domain.ToolDescriptor, opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = domain.MaxLineBytes
	}

	g := &Gateway{
		invoker:      invoker,
		logger:       logger.Named("gateway"),
		maxBodyBytes: maxBody,
		mux:          http.NewServeMux(),
	}
	for _, tool := range tools {
		endpoint := tool.Endpoint
		if endpoint == "" {
			endpoint = tool.Name
		}
		g.mux.HandleFunc("POST /"+endpoint, g.toolHandler(tool.Name))
		g.logger.Info("endpoint registered",
			telemetry.ToolField(tool.Name),
			zap.String(telemetry.FieldEndpoint, "/"+endpoint),
		)
	}
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

func (g *Gateway) toolHandler(tool string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		input, failure := g.decodeBody(r)
		if failure != nil {
			g.writeFailure(w, tool, failure)
			return
		}

		result := g.invoker.Invoke(r.Context(), tool, input)
		if !result.Ok() {
			g.writeFailure(w, tool, result.Failure)
			return
		}
		g.writeJSON(w, http.StatusOK, result.Output)
	}
}

// decodeBody parses the request body as a single JSON object. An empty body
// counts as the empty object so tools without required fields can be called
// bare.
func (g *Gateway) decodeBody(r *http.Request) (map[string]any, *domain.Failure) {
	body, err := io.ReadAll(io.LimitReader(r.Body, g.maxBodyBytes+1))
	if err != nil {
		return nil, domain.NewFailure(domain.FailureInvalidInput, "unreadable request body: %v", err)
	}
	if int64(len(body)) > g.maxBodyBytes {
		return nil, domain.NewFailure(domain.FailureInvalidInput, "request body exceeds %d bytes", g.maxBodyBytes)
	}
	if len(body) == 0 {
		return map[string]any{}, nil
	}

	var input map[string]any
	if err := json.Unmarshal(body, &input); err != nil {
		return nil, domain.NewFailure(domain.FailureInvalidInput, "request body is not a JSON object: %v", err)
	}
	if input == nil {
		return nil, domain.NewFailure(domain.FailureInvalidInput, "request body is not a JSON object")
	}
	return input, nil
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    domain.FailureKind `json:"kind"`
	Message string             `json:"message"`
}

func (g *Gateway) writeFailure(w http.ResponseWriter, tool string, failure *domain.Failure) {
	g.writeJSON(w, statusFor(failure.Kind), errorBody{
		Error: errorDetail{Kind: failure.Kind, Message: failure.Message},
	})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		g.logger.Debug("response write failed", zap.Error(err))
	}
}

// statusFor maps the failure taxonomy onto HTTP statuses. Everything the
// bridge or the tool got wrong is a bad gateway; only the caller's own
// mistakes are 4xx.
func statusFor(kind domain.FailureKind) int {
	switch kind {
	case domain.FailureInvalidInput:
		return http.StatusBadRequest
	case domain.FailureToolTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
