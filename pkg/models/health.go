package models

import "time"

// HealthStatus classifies an account's operational condition.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
)

// AccountHealth is the per-account health aggregate. Status is derived from
// the other fields and recomputed on every update.
type AccountHealth struct {
	Account       string       `json:"account"`
	Status        HealthStatus `json:"status"`
	Connected     bool         `json:"connected"`
	LastActivity  *time.Time   `json:"last_activity,omitempty"`
	ErrorCount    int          `json:"error_count"`
	RateLimited   bool         `json:"rate_limited"`
	SLAViolations int          `json:"sla_violations"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// HealthAggregate summarizes fleet health for the ops API and health requests.
type HealthAggregate struct {
	Overall  HealthStatus             `json:"overall"`
	Healthy  int                      `json:"healthy"`
	Degraded int                      `json:"degraded"`
	Critical int                      `json:"critical"`
	Total    int                      `json:"total"`
	Accounts map[string]AccountHealth `json:"accounts"`
}
