package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"toolbridge/internal/domain"
)

type fakeInvoker struct {
	lastTool  string
	lastInput map[string]any
	result    domain.Result
}

func (f *fakeInvoker) Invoke(ctx context.Context, tool string, input map[string]any) domain.Result {
	f.lastTool = tool
	f.lastInput = input
	return f.result
}

func testTools() []domain.ToolDescriptor {
	return []domain.ToolDescriptor{
		{Name: "get-forecast", Endpoint: "weather"},
		{Name: "get-time"},
	}
}

func post(t *testing.T, g *Gateway, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var body struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Kind, body.Error.Message
}

func TestGateway_SuccessfulInvocation(t *testing.T) {
	invoker := &fakeInvoker{result: domain.Succeed(map[string]any{"forecast": "Sunny, 72°F"})}
	g := New(invoker, testTools(), Options{})

	rec := post(t, g, "/weather", `{"location":"Berlin"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.JSONEq(t, `{"forecast":"Sunny, 72°F"}`, rec.Body.String())
	require.Equal(t, "get-forecast", invoker.lastTool)
	require.Equal(t, map[string]any{"location": "Berlin"}, invoker.lastInput)
}

func TestGateway_EndpointDefaultsToToolName(t *testing.T) {
	invoker := &fakeInvoker{result: domain.Succeed(map[string]any{"time": "12:00:00"})}
	g := New(invoker, testTools(), Options{})

	rec := post(t, g, "/get-time", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "get-time", invoker.lastTool)
}

func TestGateway_EmptyBodyIsEmptyObject(t *testing.T) {
	invoker := &fakeInvoker{result: domain.Succeed(map[string]any{"ok": true})}
	g := New(invoker, testTools(), Options{})

	rec := post(t, g, "/weather", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, map[string]any{}, invoker.lastInput)
}

func TestGateway_RejectsNonObjectBodies(t *testing.T) {
	invoker := &fakeInvoker{result: domain.Succeed(nil)}
	g := New(invoker, testTools(), Options{})

	for _, body := range []string{`[1,2,3]`, `"text"`, `42`, `null`, `{broken`} {
		rec := post(t, g, "/weather", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
		kind, _ := decodeError(t, rec)
		require.Equal(t, string(domain.FailureInvalidInput), kind)
	}
	require.Empty(t, invoker.lastTool, "rejected bodies must not reach the dispatcher")
}

func TestGateway_UnknownEndpoint(t *testing.T) {
	g := New(&fakeInvoker{}, testTools(), Options{})
	rec := post(t, g, "/no-such-tool", `{}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGateway_MethodNotAllowed(t *testing.T) {
	g := New(&fakeInvoker{}, testTools(), Options{})
	req := httptest.NewRequest(http.MethodGet, "/weather", nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestGateway_FailureStatusMapping(t *testing.T) {
	cases := []struct {
		kind   domain.FailureKind
		status int
	}{
		{domain.FailureInvalidInput, http.StatusBadRequest},
		{domain.FailureToolUnavailable, http.StatusBadGateway},
		{domain.FailureToolTimeout, http.StatusGatewayTimeout},
		{domain.FailureToolCrashed, http.StatusBadGateway},
		{domain.FailureProtocolViolation, http.StatusBadGateway},
		{domain.FailureToolError, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			invoker := &fakeInvoker{result: domain.Fail(tc.kind, "boom")}
			g := New(invoker, testTools(), Options{})

			rec := post(t, g, "/weather", `{"location":"Berlin"}`)
			require.Equal(t, tc.status, rec.Code)
			kind, message := decodeError(t, rec)
			require.Equal(t, string(tc.kind), kind)
			require.Equal(t, "boom", message)
		})
	}
}

func TestGateway_BodyLimit(t *testing.T) {
	invoker := &fakeInvoker{result: domain.Succeed(nil)}
	g := New(invoker, testTools(), Options{MaxBodyBytes: 64})

	big := `{"location":"` + strings.Repeat("x", 128) + `"}`
	rec := post(t, g, "/weather", big)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	kind, message := decodeError(t, rec)
	require.Equal(t, string(domain.FailureInvalidInput), kind)
	require.Contains(t, message, "exceeds")
}
