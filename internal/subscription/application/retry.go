package application

import (
	"context"
	"errors"

	sharedApplication "github.com/tallyhq/tally/internal/shared/application"
	"github.com/tallyhq/tally/internal/shared/infrastructure/outbox"
	"github.com/tallyhq/tally/internal/subscription/domain"
)

// maxConflictRetries bounds how often a handler re-reads and retries after
// losing the optimistic-concurrency race.
const maxConflictRetries = 3

// withConflictRetry runs fn, retrying on ErrConcurrentModification with
// fresh state up to the bounded retry count.
func withConflictRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, domain.ErrConcurrentModification) {
			return err
		}
	}
	return err
}

// stageEvents converts the aggregate's uncommitted events into outbox
// messages inside the current transaction, then clears them.
func stageEvents(ctx context.Context, outboxRepo outbox.Repository, sub *domain.Subscription) error {
	events := sub.DomainEvents()
	if len(events) == 0 {
		return nil
	}
	sharedApplication.ApplyEventMetadata(events, sharedApplication.NewEventMetadata(sub.WorkspaceID()))

	msgs := make([]*outbox.Message, 0, len(events))
	for _, event := range events {
		msg, err := outbox.NewMessage(event)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if err := outboxRepo.SaveBatch(ctx, msgs); err != nil {
		return err
	}
	sub.ClearDomainEvents()
	return nil
}
