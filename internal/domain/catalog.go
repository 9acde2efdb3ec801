package domain

import "time"

// Catalog is the validated startup configuration: the tool set plus runtime
// tuning. Launch commands are not re-read after startup.
type Catalog struct {
	Tools   map[string]ToolDescriptor
	Runtime RuntimeConfig
}

// RuntimeConfig holds daemon-wide settings and per-call defaults.
type RuntimeConfig struct {
	ListenAddress         string
	CallTimeoutSeconds    int
	StartTimeoutSeconds   int
	ShutdownGraceSeconds  int
	TerminateGraceSeconds int
	Observability         ObservabilityConfig
}

// ObservabilityConfig configures the metrics/health listener.
type ObservabilityConfig struct {
	ListenAddress string
	EnableMetrics bool
	EnableHealthz bool
}

// ShutdownGrace returns the HTTP drain budget on shutdown.
func (c RuntimeConfig) ShutdownGrace() time.Duration {
	seconds := c.ShutdownGraceSeconds
	if seconds <= 0 {
		seconds = DefaultShutdownGraceSeconds
	}
	return time.Duration(seconds) * time.Second
}

// TerminateGrace returns how long a process gets between the graceful stop
// signal and the forced kill.
func (c RuntimeConfig) TerminateGrace() time.Duration {
	seconds := c.TerminateGraceSeconds
	if seconds <= 0 {
		seconds = DefaultTerminateGraceSeconds
	}
	return time.Duration(seconds) * time.Second
}
