package domain

const (
	DefaultCallTimeoutSeconds    = 10
	DefaultStartTimeoutSeconds   = 5
	DefaultShutdownGraceSeconds  = 3
	DefaultTerminateGraceSeconds = 2

	DefaultListenAddress              = "127.0.0.1:8080"
	DefaultObservabilityListenAddress = "127.0.0.1:9090"

	// MaxLineBytes bounds a single protocol line read from a tool process.
	MaxLineBytes = 1 << 20
)
