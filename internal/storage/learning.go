package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Veraticus/spice-categorizer/internal/common"
	"github.com/Veraticus/spice-categorizer/internal/model"
	"github.com/google/uuid"
)

// LoadUserPreference returns the recorded preference for a merchant.
func (s *SQLiteStorage) LoadUserPreference(ctx context.Context, merchantKey string) (*model.UserPreference, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(merchantKey, "merchantKey"); err != nil {
		return nil, err
	}

	var pref model.UserPreference
	err := s.db.QueryRowContext(ctx, `
		SELECT merchant_key, category_id, count, updated_at
		FROM user_preferences
		WHERE merchant_key = ?
	`, merchantKey).Scan(&pref.MerchantKey, &pref.CategoryID, &pref.Count, &pref.UpdatedAt)
	if err != nil {
		return nil, classify(fmt.Sprintf("load preference %q", merchantKey), err)
	}
	return &pref, nil
}

// saveUserPreferenceTx records a choice. Repeating the same category counts up; a new category restarts at one.
func (s *SQLiteStorage) saveUserPreferenceTx(ctx context.Context, q queryable, pref *model.UserPreference) error {
	if pref.UpdatedAt.IsZero() {
		pref.UpdatedAt = s.stamp()
	}
	err := q.QueryRowContext(ctx, `
		INSERT INTO user_preferences (merchant_key, category_id, count, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(merchant_key) DO UPDATE SET
			count = CASE WHEN category_id = excluded.category_id THEN count + 1 ELSE 1 END,
			category_id = excluded.category_id,
			updated_at = excluded.updated_at
		RETURNING count
	`, pref.MerchantKey, pref.CategoryID, pref.UpdatedAt.UTC()).Scan(&pref.Count)
	return classify("save preference", err)
}

func (s *SQLiteStorage) incrementTallyTx(ctx context.Context, q queryable, merchantKey, categoryID string, at time.Time) (int, error) {
	var count int
	err := q.QueryRowContext(ctx, `
		INSERT INTO correction_tallies (merchant_key, category_id, count, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(merchant_key, category_id) DO UPDATE SET
			count = count + 1,
			updated_at = excluded.updated_at
		RETURNING count
	`, merchantKey, categoryID, at.UTC()).Scan(&count)
	if err != nil {
		return 0, classify("increment correction tally", err)
	}
	return count, nil
}

func (s *SQLiteStorage) clearTallyTx(ctx context.Context, q queryable, merchantKey, categoryID string) error {
	_, err := q.ExecContext(ctx,
		"DELETE FROM correction_tallies WHERE merchant_key = ? AND category_id = ?", merchantKey, categoryID)
	return classify("clear correction tally", err)
}

// CorrectionTally returns how many corrections mapped merchantKey to categoryID without a pattern yet.
func (s *SQLiteStorage) CorrectionTally(ctx context.Context, merchantKey, categoryID string) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT count FROM correction_tallies WHERE merchant_key = ? AND category_id = ?",
		merchantKey, categoryID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, classify("load correction tally", err)
	}
	return count, nil
}

func (s *SQLiteStorage) appendLearningEventTx(ctx context.Context, q queryable, e *model.LearningEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.stamp()
	}
	var patternID sql.NullInt64
	if e.PatternID != nil {
		patternID = sql.NullInt64{Int64: *e.PatternID, Valid: true}
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO learning_events (
			id, expense_ref, pattern_id, merchant_text, description_text,
			predicted_category, correct_category, action, occurred_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ExpenseRef, patternID, e.MerchantText, e.DescriptionText,
		e.PredictedCategory, e.CorrectCategory, string(e.Action), e.Timestamp.UTC(),
	)
	return classify("append learning event", err)
}

// ListLearningEvents returns the most recent learning events, newest first.
func (s *SQLiteStorage) ListLearningEvents(ctx context.Context, limit int) ([]model.LearningEvent, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, expense_ref, pattern_id, merchant_text, description_text,
			predicted_category, correct_category, action, occurred_at
		FROM learning_events
		ORDER BY occurred_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, classify("query learning events", err)
	}
	defer func() { _ = rows.Close() }()

	var events []model.LearningEvent
	for rows.Next() {
		var (
			e         model.LearningEvent
			patternID sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.ExpenseRef, &patternID, &e.MerchantText, &e.DescriptionText,
			&e.PredictedCategory, &e.CorrectCategory, &e.Action, &e.Timestamp); err != nil {
			return nil, classify("scan learning event", err)
		}
		if patternID.Valid {
			id := patternID.Int64
			e.PatternID = &id
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate learning events", err)
	}
	return events, nil
}

// mergePatternsTx folds source's history into target and retires source.
// A source that already has a merge record is left alone.
func (s *SQLiteStorage) mergePatternsTx(ctx context.Context, q queryable, sourceID, targetID int64, at time.Time) (bool, error) {
	var existing int64
	err := q.QueryRowContext(ctx, "SELECT target_id FROM pattern_merges WHERE source_id = ?", sourceID).Scan(&existing)
	switch {
	case err == nil:
		return false, nil
	case err != sql.ErrNoRows:
		return false, classify("check merge history", err)
	}

	source, err := s.loadPatternTx(ctx, q, sourceID)
	if err != nil {
		return false, err
	}
	target, err := s.loadPatternTx(ctx, q, targetID)
	if err != nil {
		return false, err
	}
	if !target.Active {
		return false, fmt.Errorf("%w: merge target %d is inactive", model.ErrInvalid, targetID)
	}
	if source.Type != target.Type || source.CategoryID != target.CategoryID {
		return false, fmt.Errorf("%w: patterns %d and %d differ in type or category", model.ErrInvalid, sourceID, targetID)
	}

	lastUsed := target.LastUsedAt
	if source.LastUsedAt != nil && (lastUsed == nil || source.LastUsedAt.After(*lastUsed)) {
		lastUsed = source.LastUsedAt
	}
	now := s.stamp()

	result, err := q.ExecContext(ctx, `
		UPDATE patterns SET
			usage_count = usage_count + ?,
			success_count = success_count + ?,
			last_used_at = ?,
			updated_at = ?
		WHERE id = ?`,
		source.UsageCount, source.SuccessCount, nullTime(lastUsed), now, targetID)
	if err != nil {
		return false, classify("merge into target", err)
	}
	if err := requireRow(result, fmt.Sprintf("merge into pattern %d", targetID)); err != nil {
		return false, err
	}

	if _, err := q.ExecContext(ctx,
		"UPDATE patterns SET is_active = 0, merged_into = ?, updated_at = ? WHERE id = ?",
		targetID, now, sourceID); err != nil {
		return false, classify("retire merged pattern", err)
	}

	if _, err := q.ExecContext(ctx, `
		INSERT INTO pattern_merges (source_id, target_id, moved_usage, moved_success, merged_at)
		VALUES (?, ?, ?, ?, ?)`,
		sourceID, targetID, source.UsageCount, source.SuccessCount, at.UTC()); err != nil {
		return false, classify("record merge", err)
	}

	return true, nil
}

// MergeRecord is one row of merge history.
type MergeRecord struct {
	MergedAt     time.Time
	SourceID     int64
	TargetID     int64
	MovedUsage   int
	MovedSuccess int
}

// MergeHistory returns the merges folded into target.
func (s *SQLiteStorage) MergeHistory(ctx context.Context, targetID int64) ([]MergeRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, target_id, moved_usage, moved_success, merged_at
		FROM pattern_merges WHERE target_id = ? ORDER BY id`, targetID)
	if err != nil {
		return nil, classify("query merge history", err)
	}
	defer func() { _ = rows.Close() }()

	var history []MergeRecord
	for rows.Next() {
		var r MergeRecord
		if err := rows.Scan(&r.SourceID, &r.TargetID, &r.MovedUsage, &r.MovedSuccess, &r.MergedAt); err != nil {
			return nil, classify("scan merge record", err)
		}
		history = append(history, r)
	}
	if err := rows.Err(); err != nil {
		return nil, common.StoreError("iterate merge history", err)
	}
	return history, nil
}
