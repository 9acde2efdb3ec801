// Package dispatch drives one tool invocation end to end: validate the input,
// lease the tool's process, perform the single write/read round trip, and
// classify whatever came back. It is the only caller of the wire codec.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"toolbridge/internal/domain"
	"toolbridge/internal/infra/manager"
	"toolbridge/internal/infra/telemetry"
	"toolbridge/internal/infra/wireproto"
)

// Options configures the dispatcher.
type Options struct {
	Logger  *zap.Logger
	Metrics domain.Metrics
}

// Dispatcher turns tool invocations into wire round trips against leased
// processes.
type Dispatcher struct {
	manager *manager.Manager
	logger  *zap.Logger
	metrics domain.Metrics
}

func New(mgr *manager.Manager, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	return &Dispatcher{
		manager: mgr,
		logger:  logger.Named("dispatch"),
		metrics: metrics,
	}
}

// Invoke performs one call against the named tool and always returns a
// terminal result: either the tool's output or a classified failure. The
// caller's context bounds the whole call together with the tool's own
// call timeout, whichever is tighter.
func (d *Dispatcher) Invoke(ctx context.Context, tool string, input map[string]any) domain.Result {
	began := time.Now()
	inv := domain.Invocation{
		CorrelationID: uuid.NewString(),
		Tool:          tool,
		Input:         input,
		Deadline:      began,
	}

	descriptor, ok := d.manager.Descriptor(tool)
	if !ok {
		return d.observe(inv, began, domain.Fail(domain.FailureInvalidInput, "unknown tool: %s", tool))
	}
	inv.Deadline = began.Add(descriptor.CallTimeout())

	d.logger.Debug("invocation started",
		telemetry.EventField(telemetry.EventInvokeBegin),
		telemetry.ToolField(tool),
		telemetry.CorrelationIDField(inv.CorrelationID),
	)

	if failure := d.validateInput(descriptor, input); failure != nil {
		return d.observe(inv, began, domain.Result{Failure: failure})
	}

	// Encode before leasing so a marshalling failure never costs a process
	// round trip.
	line, err := wireproto.EncodeCall(inv)
	if err != nil {
		return d.observe(inv, began, domain.Fail(domain.FailureInvalidInput, "unencodable input: %v", err))
	}

	callCtx, cancel := context.WithDeadline(ctx, inv.Deadline)
	defer cancel()

	lease, err := d.manager.Acquire(callCtx, tool)
	if err != nil {
		return d.observe(inv, began, domain.FailErr(err))
	}

	result, outcome := d.roundTrip(callCtx, lease, line)
	lease.Release(outcome)
	return d.observe(inv, began, result)
}

// roundTrip performs the single write/read exchange on a leased process and
// reports how the process should be treated afterwards. Only transport
// failures condemn the process; whatever parses as a protocol reply, even a
// violation, leaves it trusted.
func (d *Dispatcher) roundTrip(ctx context.Context, lease *manager.Lease, line []byte) (domain.Result, domain.Outcome) {
	if err := lease.Handle().WriteLine(line); err != nil {
		return domain.Fail(domain.FailureToolCrashed, "write to tool failed: %v", err), domain.OutcomeIOError
	}

	reply, err := lease.Handle().ReadLine(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.Fail(domain.FailureToolTimeout, "no reply within deadline"), domain.OutcomeTimeout
		}
		return domain.Fail(domain.FailureToolCrashed, "read from tool failed: %v", err), domain.OutcomeIOError
	}

	return wireproto.DecodeResult(reply), domain.OutcomeClean
}

// validateInput checks the input against the catalog's declared schema, or
// against the schema the process advertised when the catalog declares none.
// With neither, the input passes through unchecked.
func (d *Dispatcher) validateInput(descriptor domain.ToolDescriptor, input map[string]any) *domain.Failure {
	resolved := descriptor.ResolvedInput
	if resolved == nil {
		for _, advertised := range d.manager.Advertised(descriptor.Name) {
			if advertised.Name == descriptor.Name && advertised.ResolvedInput != nil {
				resolved = advertised.ResolvedInput
				break
			}
		}
	}
	if resolved == nil {
		return nil
	}
	if err := resolved.Validate(input); err != nil {
		return domain.NewFailure(domain.FailureInvalidInput, "input rejected by schema: %v", err)
	}
	return nil
}

func (d *Dispatcher) observe(inv domain.Invocation, began time.Time, result domain.Result) domain.Result {
	elapsed := time.Since(began)
	d.metrics.ObserveInvocation(inv.Tool, elapsed, result.Failure)

	fields := []zap.Field{
		telemetry.EventField(telemetry.EventInvokeComplete),
		telemetry.ToolField(inv.Tool),
		telemetry.CorrelationIDField(inv.CorrelationID),
		telemetry.DurationField(elapsed),
	}
	if result.Ok() {
		d.logger.Info("invocation completed", fields...)
	} else {
		fields = append(fields, telemetry.FailureKindField(string(result.Failure.Kind)), zap.String("failure", result.Failure.Message))
		d.logger.Warn("invocation failed", fields...)
	}
	return result
}
