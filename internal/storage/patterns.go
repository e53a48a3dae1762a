package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Veraticus/spice-categorizer/internal/common"
	"github.com/Veraticus/spice-categorizer/internal/model"
	"github.com/Veraticus/spice-categorizer/internal/service"
)

const patternColumns = `id, pattern_type, value, normalized_value, category_id, confidence_weight,
	usage_count, success_count, is_active, user_created, merged_into,
	last_used_at, last_decayed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPattern(row rowScanner) (model.Pattern, error) {
	var (
		p          model.Pattern
		mergedInto sql.NullInt64
		lastUsed   sql.NullTime
		lastDecay  sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.Type, &p.Value, &p.NormalizedValue, &p.CategoryID, &p.ConfidenceWeight,
		&p.UsageCount, &p.SuccessCount, &p.Active, &p.UserCreated, &mergedInto,
		&lastUsed, &lastDecay, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return p, err
	}
	if mergedInto.Valid {
		id := mergedInto.Int64
		p.MergedInto = &id
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		p.LastUsedAt = &t
	}
	if lastDecay.Valid {
		t := lastDecay.Time
		p.LastDecayedAt = &t
	}
	return p, nil
}

func (s *SQLiteStorage) queryPatterns(ctx context.Context, q queryable, where string, args ...any) ([]model.Pattern, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+patternColumns+" FROM patterns "+where+" ORDER BY confidence_weight DESC, id ASC", args...)
	if err != nil {
		return nil, classify("query patterns", err)
	}
	defer func() { _ = rows.Close() }()

	var patterns []model.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, classify("scan pattern", err)
		}
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate patterns", err)
	}
	return patterns, nil
}

// LoadPattern retrieves a pattern by ID, active or not.
func (s *SQLiteStorage) LoadPattern(ctx context.Context, id int64) (*model.Pattern, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return s.loadPatternTx(ctx, s.db, id)
}

func (s *SQLiteStorage) loadPatternTx(ctx context.Context, q queryable, id int64) (*model.Pattern, error) {
	if err := validateID(id, "id"); err != nil {
		return nil, err
	}
	p, err := scanPattern(q.QueryRowContext(ctx, "SELECT "+patternColumns+" FROM patterns WHERE id = ?", id))
	if err != nil {
		return nil, classify(fmt.Sprintf("load pattern %d", id), err)
	}
	return &p, nil
}

// LoadPatternsByType returns the active patterns of one type.
func (s *SQLiteStorage) LoadPatternsByType(ctx context.Context, t model.PatternType) ([]model.Pattern, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if !t.Valid() {
		return nil, fmt.Errorf("%w: pattern type %q", model.ErrInvalid, t)
	}
	return s.queryPatterns(ctx, s.db, "WHERE pattern_type = ? AND is_active = 1", string(t))
}

// ListPatterns returns patterns matching filter.
func (s *SQLiteStorage) ListPatterns(ctx context.Context, filter service.PatternFilter) ([]model.Pattern, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	var (
		clauses []string
		args    []any
	)
	if !filter.IncludeInactive {
		clauses = append(clauses, "is_active = 1")
	}
	if filter.Type != "" {
		clauses = append(clauses, "pattern_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.CategoryID != "" {
		clauses = append(clauses, "category_id = ?")
		args = append(args, filter.CategoryID)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		clause, arg := s.searchClause(search)
		clauses = append(clauses, clause)
		args = append(args, arg...)
	}

	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}

	patterns, err := s.queryPatterns(ctx, s.db, where, args...)
	if err != nil {
		return nil, err
	}
	if filter.Limit > 0 && len(patterns) > filter.Limit {
		patterns = patterns[:filter.Limit]
	}
	return patterns, nil
}

// LoadWarmPatterns returns the active patterns worth preloading: recently active,
// frequently used, or strongly weighted. Results are ordered by usage then weight.
func (s *SQLiteStorage) LoadWarmPatterns(ctx context.Context, criteria model.WarmCriteria, now time.Time) ([]model.Pattern, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	active, err := s.queryPatterns(ctx, s.db, "WHERE is_active = 1")
	if err != nil {
		return nil, err
	}

	var warm []model.Pattern
	for _, p := range active {
		recent := criteria.ActiveWithin > 0 && now.Sub(p.LastActivity()) <= criteria.ActiveWithin
		frequent := criteria.MinUsage > 0 && p.UsageCount >= criteria.MinUsage
		strong := criteria.MinConfidenceWeight > 0 && p.ConfidenceWeight >= criteria.MinConfidenceWeight
		if recent || frequent || strong {
			warm = append(warm, p)
		}
	}

	sort.SliceStable(warm, func(i, j int) bool {
		if warm[i].UsageCount != warm[j].UsageCount {
			return warm[i].UsageCount > warm[j].UsageCount
		}
		return warm[i].ConfidenceWeight > warm[j].ConfidenceWeight
	})
	if criteria.Limit > 0 && len(warm) > criteria.Limit {
		warm = warm[:criteria.Limit]
	}
	return warm, nil
}

// LoadStalePatterns returns active patterns with no activity since unusedSince
// that have not already been decayed since then.
func (s *SQLiteStorage) LoadStalePatterns(ctx context.Context, unusedSince time.Time) ([]model.Pattern, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	active, err := s.queryPatterns(ctx, s.db, "WHERE is_active = 1")
	if err != nil {
		return nil, err
	}

	var stale []model.Pattern
	for _, p := range active {
		if p.LastActivity().After(unusedSince) {
			continue
		}
		if p.LastDecayedAt != nil && p.LastDecayedAt.After(unusedSince) {
			continue
		}
		stale = append(stale, p)
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })
	return stale, nil
}

// SavePattern inserts a new pattern (ID 0) or updates an existing one.
func (s *SQLiteStorage) SavePattern(ctx context.Context, pattern *model.Pattern) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return common.StoreError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.savePatternTx(ctx, tx, pattern); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return common.StoreError("commit pattern", err)
	}
	return nil
}

func (s *SQLiteStorage) savePatternTx(ctx context.Context, q queryable, p *model.Pattern) error {
	if err := validatePattern(p); err != nil {
		return err
	}
	if p.NormalizedValue == "" {
		p.NormalizedValue = strings.ToLower(strings.TrimSpace(p.Value))
	}

	now := s.stamp()
	var mergedInto sql.NullInt64
	if p.MergedInto != nil {
		mergedInto = sql.NullInt64{Int64: *p.MergedInto, Valid: true}
	}

	if p.ID == 0 {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		result, err := q.ExecContext(ctx, `
			INSERT INTO patterns (
				pattern_type, value, normalized_value, category_id, confidence_weight,
				usage_count, success_count, is_active, user_created, merged_into,
				last_used_at, last_decayed_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(p.Type), p.Value, p.NormalizedValue, p.CategoryID, p.ConfidenceWeight,
			p.UsageCount, p.SuccessCount, p.Active, p.UserCreated, mergedInto,
			nullTime(p.LastUsedAt), nullTime(p.LastDecayedAt), p.CreatedAt.UTC(), p.UpdatedAt,
		)
		if err != nil {
			return classify("insert pattern", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return common.StoreError("pattern id", err)
		}
		p.ID = id
		return nil
	}

	p.UpdatedAt = now
	result, err := q.ExecContext(ctx, `
		UPDATE patterns SET
			pattern_type = ?, value = ?, normalized_value = ?, category_id = ?, confidence_weight = ?,
			usage_count = ?, success_count = ?, is_active = ?, user_created = ?, merged_into = ?,
			last_used_at = ?, last_decayed_at = ?, updated_at = ?
		WHERE id = ?`,
		string(p.Type), p.Value, p.NormalizedValue, p.CategoryID, p.ConfidenceWeight,
		p.UsageCount, p.SuccessCount, p.Active, p.UserCreated, mergedInto,
		nullTime(p.LastUsedAt), nullTime(p.LastDecayedAt), p.UpdatedAt,
		p.ID,
	)
	if err != nil {
		return classify("update pattern", err)
	}
	return requireRow(result, fmt.Sprintf("update pattern %d", p.ID))
}

func (s *SQLiteStorage) findPatternTx(ctx context.Context, q queryable, t model.PatternType, normalizedValue, categoryID string) (*model.Pattern, error) {
	p, err := scanPattern(q.QueryRowContext(ctx,
		"SELECT "+patternColumns+` FROM patterns
		WHERE pattern_type = ? AND normalized_value = ? AND category_id = ? AND is_active = 1`,
		string(t), normalizedValue, categoryID))
	if err != nil {
		return nil, classify("find pattern", err)
	}
	return &p, nil
}

// TouchPatterns stamps last_used_at on the given patterns.
func (s *SQLiteStorage) TouchPatterns(ctx context.Context, ids []int64, at time.Time) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, at.UTC())
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx,
		"UPDATE patterns SET last_used_at = ? WHERE id IN ("+strings.Join(placeholders, ", ")+")", args...)
	return classify("touch patterns", err)
}

func (s *SQLiteStorage) recordOutcomeTx(ctx context.Context, q queryable, id int64, success bool, delta float64, at time.Time) error {
	successInc := 0
	if success {
		successInc = 1
	}
	result, err := q.ExecContext(ctx, `
		UPDATE patterns SET
			usage_count = usage_count + 1,
			success_count = success_count + ?,
			confidence_weight = MIN(MAX(confidence_weight + ?, ?), ?),
			last_used_at = ?,
			updated_at = ?
		WHERE id = ?`,
		successInc, delta, model.MinConfidenceWeight, model.MaxConfidenceWeight, at.UTC(), s.stamp(), id)
	if err != nil {
		return classify("record outcome", err)
	}
	return requireRow(result, fmt.Sprintf("record outcome for pattern %d", id))
}

func (s *SQLiteStorage) scaleConfidenceTx(ctx context.Context, q queryable, id int64, factor float64, at time.Time) error {
	result, err := q.ExecContext(ctx, `
		UPDATE patterns SET
			confidence_weight = MIN(MAX(confidence_weight * ?, ?), ?),
			last_decayed_at = ?,
			updated_at = ?
		WHERE id = ?`,
		factor, model.MinConfidenceWeight, model.MaxConfidenceWeight, at.UTC(), s.stamp(), id)
	if err != nil {
		return classify("scale confidence", err)
	}
	return requireRow(result, fmt.Sprintf("scale confidence of pattern %d", id))
}

func (s *SQLiteStorage) deactivatePatternTx(ctx context.Context, q queryable, id int64, at time.Time) error {
	result, err := q.ExecContext(ctx,
		"UPDATE patterns SET is_active = 0, updated_at = ? WHERE id = ?", at.UTC(), id)
	if err != nil {
		return classify("deactivate pattern", err)
	}
	return requireRow(result, fmt.Sprintf("deactivate pattern %d", id))
}

// DeactivatePattern soft-deletes a pattern outside the learning path.
func (s *SQLiteStorage) DeactivatePattern(ctx context.Context, id int64) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	return s.deactivatePatternTx(ctx, s.db, id, s.stamp())
}

func requireRow(result sql.Result, op string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return common.StoreError(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, common.ErrNotFound)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
