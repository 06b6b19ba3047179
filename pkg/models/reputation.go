package models

import "time"

// TrustLevel buckets a trust score for coarse-grained policy decisions.
type TrustLevel string

const (
	TrustLow    TrustLevel = "low"
	TrustMedium TrustLevel = "medium"
	TrustHigh   TrustLevel = "high"
)

// TaskOutcome is the terminal result of a delegated task, as seen by the
// trust store.
type TaskOutcome string

const (
	OutcomeCompleted TaskOutcome = "completed"
	OutcomeFailed    TaskOutcome = "failed"
	OutcomeRejected  TaskOutcome = "rejected"
)

// AgentReputation holds the reputation counters and the derived trust score
// for one account. Cold-start score is 50 (medium).
type AgentReputation struct {
	Account                  string     `json:"account"`
	Completed                int        `json:"completed"`
	Failed                   int        `json:"failed"`
	Rejected                 int        `json:"rejected"`
	CriticalFailureCount     int        `json:"critical_failure_count"`
	AverageCompletionMinutes float64    `json:"average_completion_minutes"`
	CompletionRate           float64    `json:"completion_rate"`
	SLAComplianceRate        float64    `json:"sla_compliance_rate"`
	QualityVariance          float64    `json:"quality_variance"`
	ProgressReportingRate    float64    `json:"progress_reporting_rate"`
	TrustScore               int        `json:"trust_score"`
	TrustLevel               TrustLevel `json:"trust_level"`
	LastUpdated              time.Time  `json:"last_updated"`
}

// TrustChange is one row of the trust history log.
type TrustChange struct {
	ID        string    `json:"id"`
	Account   string    `json:"account"`
	Timestamp time.Time `json:"timestamp"`
	Delta     int       `json:"delta"`
	Reason    string    `json:"reason"`
	OldScore  int       `json:"old_score"`
	NewScore  int       `json:"new_score"`
}
