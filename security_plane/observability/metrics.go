package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AnalysisResults tracks static scan outcomes.
	AnalysisResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plugsentry_analysis_results_total",
		Help: "Static analysis outcomes by verdict",
	}, []string{"verdict"}) // safe, unsafe, unparsable

	// AnalysisScore tracks the distribution of analysis scores.
	AnalysisScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "plugsentry_analysis_score",
		Help:    "Static analysis score distribution (0-100)",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	})

	// SignatureVerifications tracks signature check verdicts.
	SignatureVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plugsentry_signature_verifications_total",
		Help: "Signature verification verdicts",
	}, []string{"verdict"}) // trusted, untrusted, failed, malformed

	// PermissionChecks tracks permission check decisions.
	PermissionChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plugsentry_permission_checks_total",
		Help: "Permission check decisions by resource",
	}, []string{"resource", "decision"}) // allowed, denied

	// NetworkDecisions tracks outbound network gate decisions.
	NetworkDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plugsentry_network_decisions_total",
		Help: "Outbound network access decisions by reason",
	}, []string{"decision", "reason"}) // allowed/"", blocked-ip-class, not-allowlisted, rate-limited

	// ResourceViolations tracks quota violations by resource.
	ResourceViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plugsentry_resource_violations_total",
		Help: "Resource limit violations by resource name",
	}, []string{"resource"})

	// InstallStages tracks installer state machine transitions.
	InstallStages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plugsentry_install_stages_total",
		Help: "Installer stage transitions",
	}, []string{"stage", "outcome"}) // ok, failed

	// Executions tracks container executions by outcome.
	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plugsentry_executions_total",
		Help: "Plugin executions by outcome",
	}, []string{"outcome"}) // completed, failed, timeout, violation, killed

	// ExecutionDuration tracks plugin execution time.
	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "plugsentry_execution_duration_seconds",
		Help:    "Plugin execution time distribution",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	// LiveExecutions tracks currently running container contexts.
	LiveExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plugsentry_live_executions",
		Help: "Currently running container contexts",
	})

	// AuditEntriesWritten tracks audit log writes by category.
	AuditEntriesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plugsentry_audit_entries_total",
		Help: "Audit entries written by category and severity",
	}, []string{"category", "severity"})

	// CollaboratorFaults tracks registry/runtime collaborator failures.
	CollaboratorFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plugsentry_collaborator_faults_total",
		Help: "Registry and runtime collaborator failures",
	}, []string{"collaborator"})

	// ReputationScore exposes the last computed score per plugin.
	ReputationScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plugsentry_reputation_score",
		Help: "Last computed reputation score (0-100)",
	}, []string{"plugin_id"})
)
