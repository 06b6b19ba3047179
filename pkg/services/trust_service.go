package services

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/agenthub/hubd/pkg/database"
	"github.com/agenthub/hubd/pkg/models"
)

// coldStartScore is the trust score of an account with no recorded outcomes.
const coldStartScore = 50

// TrustService maintains per-account reputation counters and the derived
// trust score. Every score change is appended to the history table.
type TrustService struct {
	db     *database.Client
	logger *slog.Logger
}

// NewTrustService creates a new trust service.
func NewTrustService(db *database.Client, logger *slog.Logger) *TrustService {
	return &TrustService{
		db:     db,
		logger: logger.With("service", "trust"),
	}
}

// Get returns the reputation for an account, cold-start defaults included.
func (s *TrustService) Get(ctx context.Context, account string) (*models.AgentReputation, error) {
	rep, err := s.loadTx(ctx, s.db.DB(), account)
	if err != nil {
		return nil, err
	}
	return rep, nil
}

// History returns the trust change log for an account, newest first.
func (s *TrustService) History(ctx context.Context, account string, limit int) ([]models.TrustChange, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT id, account, timestamp, delta, reason, old_score, new_score
		 FROM trust_history WHERE account = ? ORDER BY timestamp DESC LIMIT ?`,
		account, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trust history: %w", err)
	}
	defer rows.Close()

	var out []models.TrustChange
	for rows.Next() {
		var (
			change models.TrustChange
			ts     string
		)
		if err := rows.Scan(&change.ID, &change.Account, &ts, &change.Delta,
			&change.Reason, &change.OldScore, &change.NewScore); err != nil {
			return nil, fmt.Errorf("failed to scan trust change: %w", err)
		}
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			change.Timestamp = parsed
		}
		out = append(out, change)
	}
	return out, rows.Err()
}

// RecordOutcome folds one terminal task outcome into the account's counters,
// recomputes running averages, and rescores.
func (s *TrustService) RecordOutcome(ctx context.Context, account string, outcome models.TaskOutcome, durationMin float64, wasCritical bool) (*models.AgentReputation, error) {
	return s.mutate(ctx, account, fmt.Sprintf("outcome: %s", outcome), func(rep *models.AgentReputation) error {
		switch outcome {
		case models.OutcomeCompleted:
			if durationMin > 0 {
				total := rep.AverageCompletionMinutes*float64(rep.Completed) + durationMin
				rep.AverageCompletionMinutes = total / float64(rep.Completed+1)
			}
			rep.Completed++
		case models.OutcomeFailed:
			rep.Failed++
		case models.OutcomeRejected:
			rep.Rejected++
		default:
			return NewValidationError("outcome", fmt.Sprintf("unknown outcome %q", outcome))
		}
		if wasCritical && outcome != models.OutcomeCompleted {
			rep.CriticalFailureCount++
		}

		total := rep.Completed + rep.Failed + rep.Rejected
		rep.CompletionRate = float64(rep.Completed) / float64(total)
		rep.QualityVariance = float64(rep.Rejected) / float64(total)
		return nil
	})
}

// RecordSLAResult folds one deadline observation into the running SLA
// compliance rate.
func (s *TrustService) RecordSLAResult(ctx context.Context, account string, met bool) (*models.AgentReputation, error) {
	reason := "sla: met"
	if !met {
		reason = "sla: missed"
	}
	return s.mutate(ctx, account, reason, func(rep *models.AgentReputation) error {
		observed := 1.0
		if !met {
			observed = 0.0
		}
		// Exponential moving average keeps old behavior from dominating.
		rep.SLAComplianceRate = rep.SLAComplianceRate*0.8 + observed*0.2
		return nil
	})
}

// RecordProgressReporting folds one task's reporting behavior into the
// running progress reporting rate.
func (s *TrustService) RecordProgressReporting(ctx context.Context, account string, reported bool) (*models.AgentReputation, error) {
	reason := "progress reporting observed"
	if !reported {
		reason = "progress reporting absent"
	}
	return s.mutate(ctx, account, reason, func(rep *models.AgentReputation) error {
		observed := 1.0
		if !reported {
			observed = 0.0
		}
		rep.ProgressReportingRate = rep.ProgressReportingRate*0.8 + observed*0.2
		return nil
	})
}

// ApplyDelta adjusts the score directly, e.g. for consecutive-rejection
// penalties. The adjusted score is still clamped to [0, 100].
func (s *TrustService) ApplyDelta(ctx context.Context, account string, delta int, reason string) (*models.AgentReputation, error) {
	if reason == "" {
		return nil, NewValidationError("reason", "reason is required")
	}
	return s.mutateScore(ctx, account, reason, func(rep *models.AgentReputation) int {
		return clampScore(rep.TrustScore + delta)
	})
}

// Score computes the deterministic trust score from the counters.
func Score(rep *models.AgentReputation) int {
	total := rep.Completed + rep.Failed + rep.Rejected
	if total == 0 {
		return coldStartScore
	}
	completionScore := rep.CompletionRate * 35
	slaScore := rep.SLAComplianceRate * 25
	qualityScore := math.Max(0, 20-float64(rep.CriticalFailureCount)*5-rep.QualityVariance*10)
	behavioralScore := rep.ProgressReportingRate * 10
	volumeBonus := math.Min(10, float64(total)*0.5)
	return clampScore(int(math.Round(completionScore + slaScore + qualityScore + behavioralScore + volumeBonus)))
}

// LevelFor buckets a score into a trust level.
func LevelFor(score int) models.TrustLevel {
	switch {
	case score >= 70:
		return models.TrustHigh
	case score >= 40:
		return models.TrustMedium
	default:
		return models.TrustLow
	}
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// mutate loads, applies fn to the counters, rescores from the formula, and
// persists with a history row when the score changed.
func (s *TrustService) mutate(ctx context.Context, account, reason string, fn func(*models.AgentReputation) error) (*models.AgentReputation, error) {
	return s.update(ctx, account, reason, func(rep *models.AgentReputation) error {
		if err := fn(rep); err != nil {
			return err
		}
		rep.TrustScore = Score(rep)
		return nil
	})
}

// mutateScore sets the score directly, bypassing the formula.
func (s *TrustService) mutateScore(ctx context.Context, account, reason string, fn func(*models.AgentReputation) int) (*models.AgentReputation, error) {
	return s.update(ctx, account, reason, func(rep *models.AgentReputation) error {
		rep.TrustScore = fn(rep)
		return nil
	})
}

func (s *TrustService) update(ctx context.Context, account, reason string, apply func(*models.AgentReputation) error) (*models.AgentReputation, error) {
	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin trust update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rep, err := s.loadTx(ctx, tx, account)
	if err != nil {
		return nil, err
	}
	oldScore := rep.TrustScore

	if err := apply(rep); err != nil {
		return nil, err
	}
	rep.TrustLevel = LevelFor(rep.TrustScore)
	rep.LastUpdated = time.Now().UTC()

	if err := s.saveTx(ctx, tx, rep); err != nil {
		return nil, err
	}
	if rep.TrustScore != oldScore {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO trust_history (id, account, timestamp, delta, reason, old_score, new_score)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), account, rep.LastUpdated.Format(time.RFC3339Nano),
			rep.TrustScore-oldScore, reason, oldScore, rep.TrustScore)
		if err != nil {
			return nil, fmt.Errorf("failed to append trust history: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit trust update: %w", err)
	}

	if rep.TrustScore != oldScore {
		s.logger.Info("trust score changed", "account", account,
			"old", oldScore, "new", rep.TrustScore, "reason", reason)
	}
	return rep, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *TrustService) loadTx(ctx context.Context, q queryer, account string) (*models.AgentReputation, error) {
	rep := &models.AgentReputation{
		Account:           account,
		SLAComplianceRate: 1,
		TrustScore:        coldStartScore,
		TrustLevel:        models.TrustMedium,
	}
	var lastUpdated string
	err := q.QueryRowContext(ctx,
		`SELECT completed, failed, rejected, critical_failure_count,
		        average_completion_minutes, completion_rate, sla_compliance_rate,
		        quality_variance, progress_reporting_rate, trust_score, trust_level,
		        last_updated
		 FROM reputations WHERE account = ?`, account).Scan(
		&rep.Completed, &rep.Failed, &rep.Rejected, &rep.CriticalFailureCount,
		&rep.AverageCompletionMinutes, &rep.CompletionRate, &rep.SLAComplianceRate,
		&rep.QualityVariance, &rep.ProgressReportingRate, &rep.TrustScore,
		&rep.TrustLevel, &lastUpdated)
	if err == sql.ErrNoRows {
		return rep, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reputation: %w", err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, lastUpdated); err == nil {
		rep.LastUpdated = ts
	}
	return rep, nil
}

func (s *TrustService) saveTx(ctx context.Context, tx *sql.Tx, rep *models.AgentReputation) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO reputations (account, completed, failed, rejected,
		        critical_failure_count, average_completion_minutes, completion_rate,
		        sla_compliance_rate, quality_variance, progress_reporting_rate,
		        trust_score, trust_level, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account) DO UPDATE SET
		        completed = excluded.completed,
		        failed = excluded.failed,
		        rejected = excluded.rejected,
		        critical_failure_count = excluded.critical_failure_count,
		        average_completion_minutes = excluded.average_completion_minutes,
		        completion_rate = excluded.completion_rate,
		        sla_compliance_rate = excluded.sla_compliance_rate,
		        quality_variance = excluded.quality_variance,
		        progress_reporting_rate = excluded.progress_reporting_rate,
		        trust_score = excluded.trust_score,
		        trust_level = excluded.trust_level,
		        last_updated = excluded.last_updated`,
		rep.Account, rep.Completed, rep.Failed, rep.Rejected,
		rep.CriticalFailureCount, rep.AverageCompletionMinutes, rep.CompletionRate,
		rep.SLAComplianceRate, rep.QualityVariance, rep.ProgressReportingRate,
		rep.TrustScore, string(rep.TrustLevel), rep.LastUpdated.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save reputation: %w", err)
	}
	return nil
}
