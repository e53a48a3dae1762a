package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Veraticus/spice-categorizer/internal/common"
	"github.com/Veraticus/spice-categorizer/internal/model"
)

const compositeColumns = `id, name, operator, category_id, pattern_ids, amount_min, amount_max,
	weekdays, time_window, confidence_weight, is_active, ambiguous, updated_at`

func scanComposite(row rowScanner) (model.CompositePattern, error) {
	var (
		c          model.CompositePattern
		patternIDs string
		weekdays   sql.NullString
		window     sql.NullString
	)
	err := row.Scan(
		&c.ID, &c.Name, &c.Operator, &c.CategoryID, &patternIDs, &c.Amount.Min, &c.Amount.Max,
		&weekdays, &window, &c.ConfidenceWeight, &c.Active, &c.Ambiguous, &c.UpdatedAt,
	)
	if err != nil {
		return c, err
	}

	if err := json.Unmarshal([]byte(patternIDs), &c.PatternIDs); err != nil {
		return c, fmt.Errorf("composite %d pattern_ids: %w", c.ID, err)
	}
	if weekdays.Valid && weekdays.String != "" {
		if err := json.Unmarshal([]byte(weekdays.String), &c.Weekdays); err != nil {
			return c, fmt.Errorf("composite %d weekdays: %w", c.ID, err)
		}
	}
	if window.Valid && window.String != "" {
		w, err := model.ParseTimeWindow(window.String)
		if err != nil {
			return c, fmt.Errorf("composite %d time window: %w", c.ID, err)
		}
		c.Window = &w
	}
	return c, nil
}

// LoadComposite retrieves a composite pattern by ID.
func (s *SQLiteStorage) LoadComposite(ctx context.Context, id int64) (*model.CompositePattern, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateID(id, "id"); err != nil {
		return nil, err
	}

	c, err := scanComposite(s.db.QueryRowContext(ctx,
		"SELECT "+compositeColumns+" FROM composite_patterns WHERE id = ?", id))
	if err != nil {
		return nil, classify(fmt.Sprintf("load composite %d", id), err)
	}
	return &c, nil
}

// LoadActiveComposites returns every active composite pattern.
func (s *SQLiteStorage) LoadActiveComposites(ctx context.Context) ([]model.CompositePattern, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+compositeColumns+" FROM composite_patterns WHERE is_active = 1 ORDER BY id")
	if err != nil {
		return nil, classify("query composites", err)
	}
	defer func() { _ = rows.Close() }()

	var composites []model.CompositePattern
	for rows.Next() {
		c, err := scanComposite(rows)
		if err != nil {
			return nil, classify("scan composite", err)
		}
		composites = append(composites, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate composites", err)
	}
	return composites, nil
}

// SaveComposite validates the composite against its member patterns and writes it.
func (s *SQLiteStorage) SaveComposite(ctx context.Context, c *model.CompositePattern) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("%w: composite", ErrNilParameter)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return common.StoreError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	members := make([]model.Pattern, 0, len(c.PatternIDs))
	for _, id := range c.PatternIDs {
		p, err := s.loadPatternTx(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("composite %q member: %w", c.Name, err)
		}
		members = append(members, *p)
	}
	if err := c.Validate(members); err != nil {
		return err
	}

	if err := s.saveCompositeTx(ctx, tx, c); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return common.StoreError("commit composite", err)
	}
	return nil
}

func (s *SQLiteStorage) saveCompositeTx(ctx context.Context, q queryable, c *model.CompositePattern) error {
	ids, err := json.Marshal(c.PatternIDs)
	if err != nil {
		return fmt.Errorf("encode pattern ids: %w", err)
	}
	var weekdays sql.NullString
	if len(c.Weekdays) > 0 {
		raw, err := json.Marshal(c.Weekdays)
		if err != nil {
			return fmt.Errorf("encode weekdays: %w", err)
		}
		weekdays = sql.NullString{String: string(raw), Valid: true}
	}
	var window sql.NullString
	if c.Window != nil {
		window = sql.NullString{String: c.Window.String(), Valid: true}
	}

	now := s.stamp()
	c.UpdatedAt = now

	if c.ID == 0 {
		result, err := q.ExecContext(ctx, `
			INSERT INTO composite_patterns (
				name, operator, category_id, pattern_ids, amount_min, amount_max,
				weekdays, time_window, confidence_weight, is_active, ambiguous, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.Name, string(c.Operator), c.CategoryID, string(ids), c.Amount.Min, c.Amount.Max,
			weekdays, window, c.ConfidenceWeight, c.Active, c.Ambiguous, now, now,
		)
		if err != nil {
			return classify("insert composite", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return common.StoreError("composite id", err)
		}
		c.ID = id
		return nil
	}

	result, err := q.ExecContext(ctx, `
		UPDATE composite_patterns SET
			name = ?, operator = ?, category_id = ?, pattern_ids = ?, amount_min = ?, amount_max = ?,
			weekdays = ?, time_window = ?, confidence_weight = ?, is_active = ?, ambiguous = ?, updated_at = ?
		WHERE id = ?`,
		c.Name, string(c.Operator), c.CategoryID, string(ids), c.Amount.Min, c.Amount.Max,
		weekdays, window, c.ConfidenceWeight, c.Active, c.Ambiguous, now,
		c.ID,
	)
	if err != nil {
		return classify("update composite", err)
	}
	return requireRow(result, fmt.Sprintf("update composite %d", c.ID))
}
