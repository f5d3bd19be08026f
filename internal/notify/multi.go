package notify

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"kasirflow/backend/internal/domain"
)

type Notifier interface {
	Publish(ctx context.Context, event domain.Event) error
}

// Multi publishes each event to every sink concurrently. One failing sink
// does not stop the others; all failures are joined.
type Multi struct {
	sinks []Notifier
}

func NewMulti(sinks ...Notifier) *Multi {
	kept := make([]Notifier, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Multi{sinks: kept}
}

func (m *Multi) Publish(ctx context.Context, event domain.Event) error {
	errs := make([]error, len(m.sinks))
	var g errgroup.Group
	for i, sink := range m.sinks {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("sink %T panicked: %v", sink, r)
				}
			}()
			errs[i] = sink.Publish(ctx, event)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

type Noop struct{}

func (Noop) Publish(context.Context, domain.Event) error {
	return nil
}
