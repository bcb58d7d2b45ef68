package storage

import (
	"context"
	"errors"

	"pocketDCA/internal/model"
)

// EventSink receives committed pocket events in sequence order.
type EventSink interface {
	PutEvents(ctx context.Context, events []model.PocketEvent) error
}

// Multi fans events out to every sink. All sinks are attempted; the joined
// error reports each failure.
type Multi []EventSink

func (m Multi) PutEvents(ctx context.Context, events []model.PocketEvent) error {
	var errList []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.PutEvents(ctx, events); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) PutEvents(context.Context, []model.PocketEvent) error { return nil }
