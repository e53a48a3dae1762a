package learner

import (
	"context"
	"fmt"
	"time"

	"github.com/Veraticus/spice-categorizer/internal/common"
	"github.com/Veraticus/spice-categorizer/internal/model"
	"github.com/Veraticus/spice-categorizer/internal/service"
)

// ItemResult is the outcome of one event in a batch.
type ItemResult struct {
	Result *Result
	Err    error
	Index  int
}

// OK reports whether the item was applied.
func (i ItemResult) OK() bool {
	return i.Err == nil
}

// BatchResult holds per-item outcomes and aggregate counts.
type BatchResult struct {
	Items     []ItemResult
	Succeeded int
	Failed    int
	Atomic    bool
}

func (b *BatchResult) tally() {
	b.Succeeded, b.Failed = 0, 0
	for _, item := range b.Items {
		if item.OK() {
			b.Succeeded++
		} else {
			b.Failed++
		}
	}
}

// LearnBatch applies events in order.
//
// By default each event commits on its own, so a failing item leaves the items before it
// applied and processing continues with the next one; the returned error is nil and failures
// are reported per item. With atomic set, every event shares one transaction: any failure
// rolls the whole batch back, every item reports failure, and the error is returned.
func (l *Learner) LearnBatch(ctx context.Context, events []model.LearningEvent, atomic bool) (*BatchResult, error) {
	if atomic {
		return l.learnAtomic(ctx, events)
	}

	result := &BatchResult{Items: make([]ItemResult, len(events))}
	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			result.Items[i] = ItemResult{Index: i, Err: err}
			continue
		}
		r, err := l.Learn(ctx, ev)
		result.Items[i] = ItemResult{Index: i, Result: r, Err: err}
	}
	result.tally()
	return result, nil
}

func (l *Learner) learnAtomic(ctx context.Context, events []model.LearningEvent) (*BatchResult, error) {
	result := &BatchResult{Items: make([]ItemResult, len(events)), Atomic: true}
	start := time.Now()

	prepared := make([]model.LearningEvent, len(events))
	keys := make([]string, len(events))
	for i, ev := range events {
		p, key, err := l.prepare(ev)
		if err != nil {
			l.observe(ev.Action, start, err)
			return result.fail(i, err), fmt.Errorf("batch item %d: %w", i, err)
		}
		prepared[i], keys[i] = p, key
	}

	unlock := l.locks.LockAll(keys)
	defer unlock()

	var (
		applied []*Result
		failed  int
	)
	err := common.WithRetry(ctx, func() error {
		applied, failed = make([]*Result, len(prepared)), -1
		_, err := l.runTx(ctx, func(tx service.PatternTx, all *keySet) error {
			for i, ev := range prepared {
				itemKeys := newKeySet()
				r, err := l.apply(ctx, tx, ev, keys[i], itemKeys)
				if err != nil {
					failed = i
					return err
				}
				r.Keys = itemKeys.list()
				all.add(r.Keys...)
				applied[i] = r
			}
			return nil
		})
		return err
	}, l.cfg.Retry)

	for _, ev := range prepared {
		l.observe(ev.Action, start, err)
	}
	if err != nil {
		if failed < 0 {
			return result.fail(-1, err), fmt.Errorf("atomic batch rolled back: %w", err)
		}
		return result.fail(failed, err), fmt.Errorf("atomic batch rolled back at item %d: %w", failed, err)
	}

	for i, r := range applied {
		result.Items[i] = ItemResult{Index: i, Result: r}
		l.emit(r)
	}
	result.tally()
	return result, nil
}

// fail marks item idx with err and every other item as rolled back.
func (b *BatchResult) fail(idx int, err error) *BatchResult {
	rolledBack := fmt.Errorf("rolled back with batch: %w", err)
	for i := range b.Items {
		b.Items[i] = ItemResult{Index: i, Err: rolledBack}
	}
	if idx >= 0 && idx < len(b.Items) {
		b.Items[idx].Err = err
	}
	b.tally()
	return b
}
