package models

import "time"

// Verdict is the outcome of a council verification.
type Verdict string

const (
	VerdictAccept          Verdict = "ACCEPT"
	VerdictReject          Verdict = "REJECT"
	VerdictAcceptWithNotes Verdict = "ACCEPT_WITH_NOTES"
)

// ReviewBundle carries the evidence a reviewer examines when verifying a task.
type ReviewBundle struct {
	Diff         string   `json:"diff,omitempty"`
	TestResults  string   `json:"test_results,omitempty"`
	FilesChanged []string `json:"files_changed,omitempty"`
	RiskNotes    string   `json:"risk_notes,omitempty"`
}

// VerificationReceipt binds a verdict to the spec and evidence it was issued
// against. SpecHash and EvidenceHash are deterministic over canonical JSON:
// identical inputs always produce identical hashes.
type VerificationReceipt struct {
	TaskID       string    `json:"task_id"`
	Verifier     string    `json:"verifier"`
	Verdict      Verdict   `json:"verdict"`
	Timestamp    time.Time `json:"timestamp"`
	SpecHash     string    `json:"spec_hash"`
	EvidenceHash string    `json:"evidence_hash"`
}

// VerificationResult is the full outcome of a three-stage verification.
type VerificationResult struct {
	Verdict           Verdict             `json:"verdict"`
	Confidence        float64             `json:"confidence"`
	Notes             []string            `json:"notes"`
	Receipt           VerificationReceipt `json:"receipt"`
	IndividualReviews []MemberReview      `json:"individual_reviews"`
	PeerEvaluations   []PeerRanking       `json:"peer_evaluations"`
	ChairmanReasoning string              `json:"chairman_reasoning"`
}

// MemberReview is one council member's stage-1 review of a task.
type MemberReview struct {
	Account string `json:"account"`
	Review  string `json:"review"`
}

// PeerRanking is one member's stage-2 ranking of the anonymized analyses
// or reviews. Ranking holds 1-based indices; out-of-range entries are
// ignored during aggregation.
type PeerRanking struct {
	Account   string `json:"account"`
	Ranking   []int  `json:"ranking"`
	Reasoning string `json:"reasoning"`
}
