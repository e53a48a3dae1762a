package model

import (
	"fmt"
	"strings"
	"time"
)

// LearningAction is the kind of feedback a LearningEvent carries.
type LearningAction string

// Learning actions.
const (
	ActionAccept  LearningAction = "accept"
	ActionReject  LearningAction = "reject"
	ActionCorrect LearningAction = "correct"
)

// ParseLearningAction converts user input into a LearningAction.
func ParseLearningAction(s string) (LearningAction, error) {
	a := LearningAction(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case ActionAccept, ActionReject, ActionCorrect:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown learning action %q", ErrInvalid, s)
}

// LearningEvent is an immutable record of a categorization outcome.
// Once appended to the event log it is never updated.
type LearningEvent struct {
	Timestamp         time.Time      `json:"timestamp"`
	PatternID         *int64         `json:"pattern_id,omitempty"`
	ID                string         `json:"id"`
	ExpenseRef        string         `json:"expense_ref"`
	MerchantText      string         `json:"merchant_text"`
	DescriptionText   string         `json:"description_text"`
	PredictedCategory string         `json:"predicted_category"`
	CorrectCategory   string         `json:"correct_category"`
	Action            LearningAction `json:"action"`
}

// Resolved returns the event with a correction to the predicted category rewritten as an accept.
func (e LearningEvent) Resolved() LearningEvent {
	if e.Action == ActionCorrect && e.PredictedCategory != "" && e.CorrectCategory == e.PredictedCategory {
		e.Action = ActionAccept
	}
	return e
}

// Validate checks that the event carries what its action needs.
func (e LearningEvent) Validate() error {
	if _, err := ParseLearningAction(string(e.Action)); err != nil {
		return err
	}
	if strings.TrimSpace(e.MerchantText) == "" && strings.TrimSpace(e.DescriptionText) == "" {
		return fmt.Errorf("%w: event has no merchant or description text", ErrInvalid)
	}

	switch e.Action {
	case ActionAccept, ActionReject:
		if e.PredictedCategory == "" {
			return fmt.Errorf("%w: %s event requires a predicted category", ErrInvalid, e.Action)
		}
	case ActionCorrect:
		if e.CorrectCategory == "" {
			return fmt.Errorf("%w: correct event requires a correct category", ErrInvalid)
		}
	}

	return nil
}

// Category returns the category the event confirms, if any.
func (e LearningEvent) Category() string {
	switch e.Action {
	case ActionAccept:
		return e.PredictedCategory
	case ActionCorrect:
		return e.CorrectCategory
	default:
		return ""
	}
}
