// Package container manages isolated execution contexts for plugin code.
// Every execution gets a fresh context with hard resource ceilings, a
// read-only filesystem and dropped privileges; contexts are never reused and
// are always destroyed, on success and on every failure path.
package container

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/plugsentry/PlugSentry/security_plane/audit"
	"github.com/plugsentry/PlugSentry/security_plane/observability"
	"github.com/plugsentry/PlugSentry/security_plane/resource"
	"github.com/plugsentry/PlugSentry/security_plane/store"
)

// Execution failure modes.
var (
	ErrTimeout = errors.New("execution exceeded its time limit")
	ErrKilled  = errors.New("execution terminated by the platform")
)

// ViolationError is returned when the monitor loop catches a resource breach
// mid-run. The context is already destroyed by the time callers see it.
type ViolationError struct {
	Violations []resource.Violation
}

func (e *ViolationError) Error() string {
	if len(e.Violations) == 0 {
		return "resource limit violated"
	}
	v := e.Violations[0]
	return fmt.Sprintf("resource limit violated: %s observed %.2f limit %.2f", v.Resource, v.Observed, v.Limit)
}

// ExecRequest describes one plugin execution.
type ExecRequest struct {
	TenantID    string
	InstanceID  string
	PluginID    string
	Tier        string
	NetworkMode string
	Entrypoint  string
	Args        []string
}

// ExecResult is a completed execution.
type ExecResult struct {
	ExecutionID string         `json:"execution_id"`
	Output      Output         `json:"output"`
	Duration    time.Duration  `json:"duration"`
	Usage       resource.Usage `json:"usage"`
}

// Isolator runs plugin executions inside runtime contexts and enforces
// resource limits while they run.
type Isolator struct {
	runtime        Runtime
	limiter        *resource.Limiter
	audit          *audit.Log
	live           *LiveRegistry
	log            *logrus.Entry
	sampleInterval time.Duration
}

// NewIsolator creates an Isolator.
func NewIsolator(rt Runtime, limiter *resource.Limiter, auditLog *audit.Log, live *LiveRegistry) *Isolator {
	return &Isolator{
		runtime:        rt,
		limiter:        limiter,
		audit:          auditLog,
		live:           live,
		log:            logrus.WithField("component", "container"),
		sampleInterval: 500 * time.Millisecond,
	}
}

// Live returns the live execution registry.
func (i *Isolator) Live() *LiveRegistry { return i.live }

// Execute runs one plugin entrypoint in a fresh context. The run is bounded
// by the tier's time limit and monitored against its resource limits; a
// breach terminates the execution at the moment it is observed, not at the
// timeout. The context is destroyed before Execute returns, on every path.
func (i *Isolator) Execute(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	limits, err := resource.LimitsForTier(req.Tier)
	if err != nil {
		return nil, err
	}
	cfg, err := ConfigForTier(req.Tier, req.NetworkMode)
	if err != nil {
		return nil, err
	}

	handle, err := i.runtime.CreateContext(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("runtime unavailable: %w", err)
	}

	execID := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	runCtx, timeoutCancel := context.WithTimeout(runCtx, time.Duration(limits.ExecutionSeconds*float64(time.Second)))
	defer timeoutCancel()
	defer cancel()

	i.live.add(req.InstanceID, execID, cancel)
	observability.LiveExecutions.Inc()
	defer func() {
		i.live.remove(req.InstanceID, execID)
		observability.LiveExecutions.Dec()
		// Teardown is unconditional and survives caller cancellation.
		if err := i.runtime.Destroy(context.WithoutCancel(ctx), handle); err != nil {
			i.log.WithError(err).WithField("instance", req.InstanceID).Warn("context destroy failed")
		}
	}()

	start := time.Now()
	done := make(chan runOutcome, 1)
	go func() {
		out, err := i.runtime.Run(runCtx, handle, req.Entrypoint, req.Args)
		done <- runOutcome{out: out, err: err}
	}()

	sampler, canSample := i.runtime.(UsageSampler)
	ticker := time.NewTicker(i.sampleInterval)
	defer ticker.Stop()

	var last resource.Usage
	for {
		select {
		case outcome := <-done:
			elapsed := time.Since(start)
			last.ExecutionSeconds = elapsed.Seconds()
			i.recordUsage(ctx, req, last)
			if outcome.err != nil {
				if runCtx.Err() != nil {
					return nil, i.finishAborted(ctx, req, execID, runCtx.Err(), elapsed)
				}
				observability.Executions.WithLabelValues("failed").Inc()
				return nil, fmt.Errorf("execution failed: %w", outcome.err)
			}
			observability.Executions.WithLabelValues("completed").Inc()
			observability.ExecutionDuration.Observe(elapsed.Seconds())
			return &ExecResult{
				ExecutionID: execID,
				Output:      outcome.out,
				Duration:    elapsed,
				Usage:       last,
			}, nil

		case <-runCtx.Done():
			elapsed := time.Since(start)
			last.ExecutionSeconds = elapsed.Seconds()
			i.recordUsage(ctx, req, last)
			return nil, i.finishAborted(ctx, req, execID, runCtx.Err(), elapsed)

		case <-ticker.C:
			if !canSample {
				continue
			}
			usage, err := sampler.Sample(runCtx, handle)
			if err != nil {
				// The run outcome or timeout decides; one missed sample is
				// not a verdict.
				continue
			}
			usage.ExecutionSeconds = time.Since(start).Seconds()
			if usage.MemoryBytes < last.MemoryBytes {
				usage.MemoryBytes = last.MemoryBytes
			}
			last = usage

			check := resource.CheckUsage(usage, limits)
			if check.WithinLimits {
				continue
			}
			// Kill at the moment of the breach, not at the timeout.
			cancel()
			elapsed := time.Since(start)
			i.recordUsage(ctx, req, last)
			i.recordViolation(ctx, req, execID, check.Violations, elapsed)
			observability.Executions.WithLabelValues("violation").Inc()
			return nil, &ViolationError{Violations: check.Violations}
		}
	}
}

type runOutcome struct {
	out Output
	err error
}

func (i *Isolator) finishAborted(ctx context.Context, req ExecRequest, execID string, cause error, elapsed time.Duration) error {
	if errors.Is(cause, context.DeadlineExceeded) {
		observability.Executions.WithLabelValues("timeout").Inc()
		if err := i.audit.Record(ctx, &store.AuditEntry{
			TenantID:   req.TenantID,
			InstanceID: req.InstanceID,
			PluginID:   req.PluginID,
			Category:   store.AuditResourceLimit,
			Severity:   store.SeverityError,
			Message:    "execution destroyed at time limit",
			Metadata: map[string]string{
				"execution_id": execID,
				"elapsed":      fmt.Sprintf("%.2fs", elapsed.Seconds()),
			},
		}); err != nil {
			i.log.WithError(err).Warn("failed to audit execution timeout")
		}
		return ErrTimeout
	}
	observability.Executions.WithLabelValues("killed").Inc()
	if err := i.audit.Record(ctx, &store.AuditEntry{
		TenantID:   req.TenantID,
		InstanceID: req.InstanceID,
		PluginID:   req.PluginID,
		Category:   store.AuditExecution,
		Severity:   store.SeverityWarning,
		Message:    "execution terminated",
		Metadata:   map[string]string{"execution_id": execID},
	}); err != nil {
		i.log.WithError(err).Warn("failed to audit execution kill")
	}
	return ErrKilled
}

func (i *Isolator) recordViolation(ctx context.Context, req ExecRequest, execID string, violations []resource.Violation, elapsed time.Duration) {
	meta := resource.ViolationMetadata(violations)
	meta["execution_id"] = execID
	meta["elapsed"] = fmt.Sprintf("%.2fs", elapsed.Seconds())
	if err := i.audit.Record(ctx, &store.AuditEntry{
		TenantID:   req.TenantID,
		InstanceID: req.InstanceID,
		PluginID:   req.PluginID,
		Category:   store.AuditResourceLimit,
		Severity:   store.SeverityCritical,
		Message:    "execution destroyed on resource violation",
		Metadata:   meta,
	}); err != nil {
		i.log.WithError(err).Warn("failed to audit resource violation")
	}
}

func (i *Isolator) recordUsage(ctx context.Context, req ExecRequest, usage resource.Usage) {
	delta := store.UsageDelta{
		CPUPercentSeconds: usage.CPUPercent * usage.ExecutionSeconds,
		MemoryPeakBytes:   usage.MemoryBytes,
		ExecutionSeconds:  usage.ExecutionSeconds,
		DiskWriteBytes:    usage.DiskWriteBytes,
		NetworkBytes:      usage.NetworkBytes,
	}
	if err := i.limiter.RecordUsage(ctx, req.TenantID, req.InstanceID, delta); err != nil {
		i.log.WithError(err).WithField("instance", req.InstanceID).Warn("failed to record usage")
	}
}
