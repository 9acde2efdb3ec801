package domain

import "time"

// Metrics receives bridge observations. Implemented by telemetry; a nop
// implementation is used when observability is disabled.
type Metrics interface {
	ObserveInvocation(tool string, duration time.Duration, failure *Failure)
	ObserveProcessStart(tool string, duration time.Duration, err error)
	ObserveProcessRestart(tool string, outcome Outcome)
	ObserveLeaseWait(tool string, duration time.Duration)
	SetProcessState(tool string, state ProcessState)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) ObserveInvocation(string, time.Duration, *Failure) {}
func (NopMetrics) ObserveProcessStart(string, time.Duration, error)  {}
func (NopMetrics) ObserveProcessRestart(string, Outcome)             {}
func (NopMetrics) ObserveLeaseWait(string, time.Duration)            {}
func (NopMetrics) SetProcessState(string, ProcessState)              {}

var _ Metrics = NopMetrics{}
