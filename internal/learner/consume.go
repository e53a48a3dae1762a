package learner

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/Veraticus/spice-categorizer/internal/model"
)

// Consume applies events from the channel with at most Workers in flight until the channel
// closes or ctx is cancelled. Failed events are logged and passed to report; they never stop
// consumption. After cancellation no new event is started, but events already being applied
// run to completion. report may be nil and is called concurrently.
func (l *Learner) Consume(ctx context.Context, events <-chan model.LearningEvent, report func(model.LearningEvent, *Result, error)) error {
	g := new(errgroup.Group)
	g.SetLimit(l.cfg.Workers)

	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				r, err := l.Learn(context.WithoutCancel(ctx), ev)
				if err != nil {
					slog.Warn("feedback event failed", "action", ev.Action, "ref", ev.ExpenseRef, "error", err)
				}
				if report != nil {
					report(ev, r, err)
				}
				return nil
			})
		}
	}
}
