package telemetry

import (
	"time"

	"go.uber.org/zap"
)

const (
	FieldEvent         = "event"
	FieldTool          = "tool"
	FieldEndpoint      = "endpoint"
	FieldState         = "state"
	FieldPID           = "pid"
	FieldDurationMs    = "duration_ms"
	FieldCorrelationID = "correlation_id"
	FieldFailureKind   = "failure_kind"
	FieldLogSource     = "log_source"
	FieldLogStream     = "stream"
)

const (
	EventStartAttempt   = "start_attempt"
	EventStartSuccess   = "start_success"
	EventStartFailure   = "start_failure"
	EventProcessCrash   = "process_crash"
	EventProcessRestart = "process_restart"
	EventProcessStop    = "stop"
	EventInvokeBegin    = "invoke_begin"
	EventInvokeComplete = "invoke_complete"
	EventAdvertisement  = "advertisement"
	EventShutdown       = "shutdown"
)

const (
	LogSourceCore       = "core"
	LogSourceDownstream = "downstream"
)

func EventField(event string) zap.Field {
	return zap.String(FieldEvent, event)
}

func ToolField(tool string) zap.Field {
	return zap.String(FieldTool, tool)
}

func StateField(state string) zap.Field {
	return zap.String(FieldState, state)
}

func PIDField(pid int) zap.Field {
	return zap.Int(FieldPID, pid)
}

func DurationField(duration time.Duration) zap.Field {
	return zap.Int64(FieldDurationMs, duration.Milliseconds())
}

func CorrelationIDField(value string) zap.Field {
	return zap.String(FieldCorrelationID, value)
}

func FailureKindField(kind string) zap.Field {
	return zap.String(FieldFailureKind, kind)
}
