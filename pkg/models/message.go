package models

import "time"

// MessageKind discriminates plain messages from structured task handoffs.
type MessageKind string

const (
	KindMessage MessageKind = "message"
	KindHandoff MessageKind = "handoff"
)

// Message is a durable inter-account message. Created on send; mutated only
// by read-cursor advance (MarkAllRead) and archival.
type Message struct {
	ID        string            `json:"id"`
	From      string            `json:"from"`
	To        string            `json:"to"`
	Kind      MessageKind       `json:"kind"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Read      bool              `json:"read"`
	Archived  bool              `json:"archived"`
	Context   map[string]string `json:"context,omitempty"`
}

// CreateMessageRequest contains fields for adding a message to the store.
type CreateMessageRequest struct {
	From    string            `json:"from"`
	To      string            `json:"to"`
	Kind    MessageKind       `json:"kind"`
	Content string            `json:"content"`
	Context map[string]string `json:"context,omitempty"`
}

// HandoffPayload is the structured content of a kind=handoff message.
// Every list field is non-empty after validation; BlockedBy defaults to
// ["none"] when omitted.
type HandoffPayload struct {
	Goal               string   `json:"goal"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	RunCommands        []string `json:"run_commands"`
	BlockedBy          []string `json:"blocked_by"`
	Criticality        string   `json:"criticality,omitempty"`
	Reversibility      string   `json:"reversibility,omitempty"`
	Complexity         string   `json:"complexity,omitempty"`
	Verifiability      string   `json:"verifiability,omitempty"`
	DelegationDepth    int      `json:"delegation_depth,omitempty"`
	ParentHandoffID    string   `json:"parent_handoff_id,omitempty"`
}

// Criticality values carried by handoffs and tasks.
const (
	CriticalityLow      = "low"
	CriticalityMedium   = "medium"
	CriticalityHigh     = "high"
	CriticalityCritical = "critical"
)

// Reversibility values carried by handoffs.
const (
	ReversibilityReversible   = "reversible"
	ReversibilityIrreversible = "irreversible"
)

// Verifiability values controlling verification gating.
const (
	VerifiabilityAutoTestable = "auto-testable"
	VerifiabilityNeedsReview  = "needs-review"
	VerifiabilitySubjective   = "subjective"
)
