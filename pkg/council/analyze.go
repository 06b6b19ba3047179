package council

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agenthub/hubd/pkg/models"
)

// MemberAnalysis is one member's strict-JSON stage-1 analysis.
type MemberAnalysis struct {
	Complexity               string   `json:"complexity"`
	EstimatedDurationMinutes float64  `json:"estimatedDurationMinutes"`
	RequiredSkills           []string `json:"requiredSkills"`
	RecommendedApproach      string   `json:"recommendedApproach"`
	Risks                    []string `json:"risks"`
	SuggestedProvider        string   `json:"suggestedProvider,omitempty"`
}

// Consensus is the chairman's stage-3 synthesis.
type Consensus struct {
	ConsensusComplexity      string   `json:"consensusComplexity"`
	ConsensusDurationMinutes float64  `json:"consensusDurationMinutes"`
	ConsensusSkills          []string `json:"consensusSkills"`
	RecommendedApproach      string   `json:"recommendedApproach"`
	Confidence               float64  `json:"confidence"`
	DissentingViews          string   `json:"dissenting_views,omitempty"`
}

// AnalysisResult is the full outcome of analysis mode.
type AnalysisResult struct {
	Goal          string                    `json:"goal"`
	Analyses      map[string]MemberAnalysis `json:"analyses"`
	PeerRankings  []models.PeerRanking      `json:"peer_rankings"`
	AggregateRank []string                  `json:"aggregate_rank"`
	Consensus     *Consensus                `json:"consensus,omitempty"`
	Timestamp     time.Time                 `json:"timestamp"`
}

// Analyze runs the three-stage analysis: independent strict-JSON analyses,
// anonymized peer ranking, and the chairman's consensus.
func (e *Engine) Analyze(ctx context.Context, goal string, members []string, chairman string) (*AnalysisResult, error) {
	result := &AnalysisResult{
		Goal:     goal,
		Analyses: make(map[string]MemberAnalysis),
	}

	if len(members) == 0 {
		e.emit("error", map[string]any{"error": "No members in council"})
		result.Timestamp = time.Now().UTC()
		e.emit("done", map[string]any{"result": result})
		return result, nil
	}

	// Stage 1: independent analyses in parallel.
	e.phaseStart("analysis", members)
	var mu sync.Mutex
	var wg sync.WaitGroup
	ordered := make([]string, 0, len(members)) // successful members in input order
	raw := make(map[string]MemberAnalysis)
	for _, member := range members {
		wg.Add(1)
		go func(member string) {
			defer wg.Done()
			reply, err := e.callMember(ctx, member, analysisPrompt(goal), e.cfg.ResearchTimeout)
			if err != nil {
				e.logger.Warn("analysis member failed", "account", member, "error", err)
				return
			}
			var analysis MemberAnalysis
			if err := decodeStrictJSON(reply, &analysis); err != nil {
				e.logger.Warn("analysis member returned invalid JSON", "account", member, "error", err)
				return
			}
			mu.Lock()
			raw[member] = analysis
			mu.Unlock()
			e.memberDone("analysis", member)
		}(member)
	}
	wg.Wait()
	e.phaseComplete("analysis")

	for _, member := range members {
		if analysis, ok := raw[member]; ok {
			ordered = append(ordered, member)
			result.Analyses[member] = analysis
		}
	}
	if err := e.abortedAnalysis(ctx, result); err != nil {
		return result, err
	}
	if len(ordered) == 0 {
		e.emit("error", map[string]any{"error": "No members produced an analysis"})
		result.Timestamp = time.Now().UTC()
		e.emit("done", map[string]any{"result": result})
		return result, nil
	}

	// Stage 2: anonymized peer ranking. Prompts carry only the labels
	// "Analysis A", "Analysis B", … — never an account name.
	e.phaseStart("ranking", members)
	anonymized := anonymizeAnalyses(ordered, result.Analyses)
	for _, member := range members {
		reply, err := e.callMember(ctx, member, rankingPrompt(anonymized, len(ordered)), e.cfg.DiscussionTimeout)
		if err != nil {
			e.logger.Warn("ranking member failed", "account", member, "error", err)
			continue
		}
		var ranking models.PeerRanking
		if err := decodeStrictJSON(reply, &ranking); err != nil {
			e.logger.Warn("ranking member returned invalid JSON", "account", member, "error", err)
			continue
		}
		ranking.Account = member
		result.PeerRankings = append(result.PeerRankings, ranking)
		e.memberDone("ranking", member)
	}
	e.phaseComplete("ranking")
	result.AggregateRank = AggregateRank(ordered, result.PeerRankings)

	if err := e.abortedAnalysis(ctx, result); err != nil {
		return result, err
	}

	// Stage 3: chairman consensus.
	e.phaseStart("consensus", []string{chairman})
	reply, err := e.callMember(ctx, chairman, consensusPrompt(goal, anonymized), e.cfg.DecisionTimeout)
	if err != nil {
		e.emit("error", map[string]any{"error": fmt.Sprintf("consensus failed: %v", err)})
	} else {
		var consensus Consensus
		if decodeErr := decodeStrictJSON(reply, &consensus); decodeErr != nil {
			e.emit("error", map[string]any{"error": fmt.Sprintf("consensus invalid JSON: %v", decodeErr)})
		} else {
			result.Consensus = &consensus
			e.memberDone("consensus", chairman)
		}
	}
	e.phaseComplete("consensus")

	result.Timestamp = time.Now().UTC()
	e.emit("done", map[string]any{"result": result})
	return result, nil
}

// AggregateRank averages each analysis's 1-based position across all peer
// rankings and returns the accounts sorted ascending by average position.
// Out-of-range indices are ignored; the result is invariant under reviewer
// permutation.
func AggregateRank(ordered []string, rankings []models.PeerRanking) []string {
	if len(ordered) == 0 {
		return nil
	}
	sums := make([]float64, len(ordered))
	counts := make([]int, len(ordered))
	for _, ranking := range rankings {
		for position, index := range ranking.Ranking {
			// Indices are 1-based into the anonymized analysis list.
			if index < 1 || index > len(ordered) {
				continue
			}
			sums[index-1] += float64(position + 1)
			counts[index-1]++
		}
	}

	type ranked struct {
		account string
		avg     float64
		input   int
	}
	out := make([]ranked, len(ordered))
	for i, account := range ordered {
		avg := float64(len(ordered) + 1) // unranked analyses sort last
		if counts[i] > 0 {
			avg = sums[i] / float64(counts[i])
		}
		out[i] = ranked{account: account, avg: avg, input: i}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].avg != out[j].avg {
			return out[i].avg < out[j].avg
		}
		return out[i].input < out[j].input
	})

	accounts := make([]string, len(out))
	for i, r := range out {
		accounts[i] = r.account
	}
	return accounts
}

// analysisLabel returns "A"…"Z", then "AA", "AB", … for an analysis index,
// so labels stay alphabetic for councils of any size.
func analysisLabel(i int) string {
	label := ""
	for i >= 0 {
		label = string(rune('A'+i%26)) + label
		i = i/26 - 1
	}
	return label
}

func anonymizeAnalyses(ordered []string, analyses map[string]MemberAnalysis) string {
	var b strings.Builder
	for i, account := range ordered {
		data, _ := json.MarshalIndent(analyses[account], "", "  ")
		fmt.Fprintf(&b, "Analysis %s:\n%s\n\n", analysisLabel(i), data)
	}
	return b.String()
}

// decodeStrictJSON parses a strict-JSON reply, tolerating prose around a
// single top-level object.
func decodeStrictJSON(reply string, v any) error {
	trimmed := strings.TrimSpace(reply)
	if err := json.Unmarshal([]byte(trimmed), v); err == nil {
		return nil
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in reply")
	}
	return json.Unmarshal([]byte(trimmed[start:end+1]), v)
}

func analysisPrompt(goal string) string {
	return fmt.Sprintf(`Analyze the following task and respond with ONLY a JSON object of this exact shape:
{"complexity": "low|medium|high", "estimatedDurationMinutes": number, "requiredSkills": [string], "recommendedApproach": string, "risks": [string], "suggestedProvider": string}

Task: %s`, goal)
}

func rankingPrompt(anonymized string, n int) string {
	return fmt.Sprintf(`Below are %d anonymized analyses of the same task. Rank them from best to worst and respond with ONLY a JSON object:
{"ranking": [indices, 1-based, best first], "reasoning": string}

%s`, n, anonymized)
}

func consensusPrompt(goal, anonymized string) string {
	return fmt.Sprintf(`You are the council chairman. Synthesize the anonymized analyses below into a consensus for the task. Respond with ONLY a JSON object:
{"consensusComplexity": string, "consensusDurationMinutes": number, "consensusSkills": [string], "recommendedApproach": string, "confidence": number between 0 and 1, "dissenting_views": string}

Task: %s

%s`, goal, anonymized)
}

// abortedAnalysis mirrors aborted for analysis results.
func (e *Engine) abortedAnalysis(ctx context.Context, result *AnalysisResult) error {
	if ctx.Err() == nil {
		return nil
	}
	e.emit("error", map[string]any{"error": "aborted"})
	result.Timestamp = time.Now().UTC()
	e.emit("done", map[string]any{"result": result})
	return ctx.Err()
}
