package council

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agenthub/hubd/pkg/models"
)

// chairmanVerdict is the stage-3 strict-JSON reply.
type chairmanVerdict struct {
	Verdict    string   `json:"verdict"`
	Confidence float64  `json:"confidence"`
	Notes      []string `json:"notes"`
	Reasoning  string   `json:"reasoning"`
}

// SpecHash returns the deterministic hash binding a receipt to the handoff
// spec it verifies.
func SpecHash(goal string, acceptanceCriteria []string) string {
	return canonicalHash(map[string]any{
		"goal":                goal,
		"acceptance_criteria": acceptanceCriteria,
	})
}

// EvidenceHash returns the deterministic hash of a review bundle.
func EvidenceHash(bundle *models.ReviewBundle) string {
	return canonicalHash(map[string]any{
		"diff":          bundle.Diff,
		"test_results":  bundle.TestResults,
		"files_changed": bundle.FilesChanged,
		"risk_notes":    bundle.RiskNotes,
	})
}

// canonicalHash hashes the canonical JSON encoding of v. Map keys are
// sorted by encoding/json, so identical inputs always hash identically.
func canonicalHash(v map[string]any) string {
	data, _ := json.Marshal(v)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NeedsVerification reports whether a handoff's verifiability gates it
// through council verification. auto-testable work bypasses the council.
func NeedsVerification(verifiability string) bool {
	return verifiability == models.VerifiabilityNeedsReview ||
		verifiability == models.VerifiabilitySubjective
}

// RequiresHumanReview reports whether cognitive-friction rules forbid
// auto-accepting a handoff outright.
func RequiresHumanReview(criticality, reversibility string) bool {
	if criticality == models.CriticalityCritical {
		return true
	}
	return criticality == models.CriticalityHigh && reversibility == models.ReversibilityIrreversible
}

// Verify runs the three-stage verification of a completed task: individual
// reviews, anonymized peer ranking, chairman verdict. The receipt hashes are
// computed regardless of stage outcomes.
func (e *Engine) Verify(ctx context.Context, taskID string, bundle *models.ReviewBundle, payload *models.HandoffPayload, members []string, chairman string) (*models.VerificationResult, error) {
	result := &models.VerificationResult{
		Notes: []string{},
		Receipt: models.VerificationReceipt{
			TaskID:       taskID,
			Verifier:     "council",
			Timestamp:    time.Now().UTC(),
			SpecHash:     SpecHash(payload.Goal, payload.AcceptanceCriteria),
			EvidenceHash: EvidenceHash(bundle),
		},
	}

	if len(members) == 0 {
		e.emit("error", map[string]any{"error": "No members in council"})
		result.Verdict = models.VerdictReject
		result.Receipt.Verdict = models.VerdictReject
		result.Notes = append(result.Notes, "all accounts failed")
		e.emit("done", map[string]any{"result": result})
		return result, nil
	}

	// Stage 1: independent reviews in parallel.
	e.phaseStart("review", members)
	var mu sync.Mutex
	var wg sync.WaitGroup
	raw := make(map[string]string)
	for _, member := range members {
		wg.Add(1)
		go func(member string) {
			defer wg.Done()
			reply, err := e.callMember(ctx, member, reviewPrompt(bundle, payload), e.cfg.ResearchTimeout)
			if err != nil {
				e.logger.Warn("review member failed", "account", member, "error", err)
				return
			}
			mu.Lock()
			raw[member] = reply
			mu.Unlock()
			e.memberDone("review", member)
		}(member)
	}
	wg.Wait()
	e.phaseComplete("review")

	ordered := make([]string, 0, len(members))
	for _, member := range members {
		if review, ok := raw[member]; ok {
			ordered = append(ordered, member)
			result.IndividualReviews = append(result.IndividualReviews, models.MemberReview{
				Account: member,
				Review:  review,
			})
		}
	}

	if len(ordered) == 0 {
		result.Verdict = models.VerdictReject
		result.Confidence = 0
		result.Notes = append(result.Notes, "all accounts failed")
		result.Receipt.Verdict = models.VerdictReject
		e.emit("done", map[string]any{"result": result})
		return result, nil
	}

	// Stage 2: anonymized peer ranking of the reviews.
	e.phaseStart("peer_evaluation", members)
	anonymized := anonymizeReviews(ordered, raw)
	for _, member := range members {
		reply, err := e.callMember(ctx, member, reviewRankingPrompt(anonymized, len(ordered)), e.cfg.DiscussionTimeout)
		if err != nil {
			e.logger.Warn("peer evaluation member failed", "account", member, "error", err)
			continue
		}
		var ranking models.PeerRanking
		if err := decodeStrictJSON(reply, &ranking); err != nil {
			e.logger.Warn("peer evaluation returned invalid JSON", "account", member, "error", err)
			continue
		}
		ranking.Account = member
		result.PeerEvaluations = append(result.PeerEvaluations, ranking)
		e.memberDone("peer_evaluation", member)
	}
	e.phaseComplete("peer_evaluation")

	// Stage 3: chairman verdict over the anonymized reviews.
	e.phaseStart("verdict", []string{chairman})
	reply, err := e.callMember(ctx, chairman, verdictPrompt(payload, anonymized), e.cfg.DecisionTimeout)
	if err != nil {
		e.emit("error", map[string]any{"error": fmt.Sprintf("verdict failed: %v", err)})
		result.Verdict = models.VerdictReject
		result.Confidence = 0
		result.Notes = append(result.Notes, "chairman verdict failed")
	} else {
		var verdict chairmanVerdict
		if decodeErr := decodeStrictJSON(reply, &verdict); decodeErr != nil {
			e.emit("error", map[string]any{"error": fmt.Sprintf("verdict invalid JSON: %v", decodeErr)})
			result.Verdict = models.VerdictReject
			result.Confidence = 0
			result.Notes = append(result.Notes, "chairman verdict unparseable")
		} else {
			result.Verdict = parseVerdict(verdict.Verdict)
			result.Confidence = verdict.Confidence
			result.Notes = append(result.Notes, verdict.Notes...)
			result.ChairmanReasoning = verdict.Reasoning
		}
	}
	e.phaseComplete("verdict")

	result.Receipt.Verdict = result.Verdict
	e.emit("done", map[string]any{"result": result})

	if e.cache != nil {
		if err := e.cache.AppendVerification(result); err != nil {
			e.logger.Warn("failed to persist verification result", "error", err)
		}
	}
	return result, nil
}

func parseVerdict(s string) models.Verdict {
	switch models.Verdict(strings.ToUpper(strings.TrimSpace(s))) {
	case models.VerdictAccept:
		return models.VerdictAccept
	case models.VerdictAcceptWithNotes:
		return models.VerdictAcceptWithNotes
	default:
		return models.VerdictReject
	}
}

func anonymizeReviews(ordered []string, reviews map[string]string) string {
	var b strings.Builder
	for i, account := range ordered {
		fmt.Fprintf(&b, "Review %s:\n%s\n\n", analysisLabel(i), quoteResearch(reviews[account]))
	}
	return b.String()
}

func reviewPrompt(bundle *models.ReviewBundle, payload *models.HandoffPayload) string {
	var b strings.Builder
	b.WriteString("Review the completed task below against its acceptance criteria. Report whether each criterion is met, citing the evidence.\n\n")
	fmt.Fprintf(&b, "Goal: %s\n", payload.Goal)
	fmt.Fprintf(&b, "Acceptance criteria:\n")
	for _, criterion := range payload.AcceptanceCriteria {
		fmt.Fprintf(&b, "- %s\n", criterion)
	}
	if bundle.Diff != "" {
		fmt.Fprintf(&b, "\nDiff:\n%s\n", quoteResearch(bundle.Diff))
	}
	if bundle.TestResults != "" {
		fmt.Fprintf(&b, "\nTest results:\n%s\n", quoteResearch(bundle.TestResults))
	}
	if len(bundle.FilesChanged) > 0 {
		fmt.Fprintf(&b, "\nFiles changed: %s\n", strings.Join(bundle.FilesChanged, ", "))
	}
	if bundle.RiskNotes != "" {
		fmt.Fprintf(&b, "\nRisk notes:\n%s\n", bundle.RiskNotes)
	}
	return b.String()
}

func reviewRankingPrompt(anonymized string, n int) string {
	return fmt.Sprintf(`Below are %d anonymized reviews of the same completed task. Rank them by thoroughness and accuracy, best first. Respond with ONLY a JSON object:
{"ranking": [indices, 1-based, best first], "reasoning": string}

%s`, n, anonymized)
}

func verdictPrompt(payload *models.HandoffPayload, anonymized string) string {
	return fmt.Sprintf(`You are the council chairman. Based on the anonymized reviews below, issue the final verdict for the task. Respond with ONLY a JSON object:
{"verdict": "ACCEPT|REJECT|ACCEPT_WITH_NOTES", "confidence": number between 0 and 1, "notes": [string], "reasoning": string}

Goal: %s

%s`, payload.Goal, anonymized)
}
