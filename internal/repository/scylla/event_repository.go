package scylla

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"

	"kyc-service/internal/models"
	"kyc-service/internal/util"
)

// EventRepository persists verification audit events partitioned by
// (event_bucket, event_date).
type EventRepository struct {
	client *ScyllaClient
}

func NewEventRepository(client *ScyllaClient) *EventRepository {
	return &EventRepository{client: client}
}

// SaveEvents writes events in unlogged batches grouped by partition so each
// batch touches a single partition.
func (r *EventRepository) SaveEvents(ctx context.Context, events []models.VerificationEvent) error {
	for partition, group := range groupByPartition(events) {
		batch := r.client.Session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
		for _, ev := range group {
			id, err := gocql.ParseUUID(ev.EventID)
			if err != nil {
				return fmt.Errorf("invalid event id %q: %w", ev.EventID, err)
			}
			batch.Query(insertEvent,
				ev.EventBucket, ev.EventDate, ev.EventTime, id, string(ev.EventType), ev.SessionRef,
				string(ev.DocumentType), ev.MaskedIdentifier, ev.MaskedPhone, ev.Success, ev.Attempts, ev.Details)
		}
		if err := r.client.Session.ExecuteBatch(batch); err != nil {
			util.Error("Failed to write verification events",
				util.Int("event_bucket", partition.bucket),
				util.String("event_date", partition.date),
				util.Int("count", len(group)),
				util.ErrorField(err))
			return fmt.Errorf("failed to write verification events: %w", err)
		}
	}
	return nil
}

type partitionKey struct {
	bucket int
	date   string
}

func groupByPartition(events []models.VerificationEvent) map[partitionKey][]models.VerificationEvent {
	groups := make(map[partitionKey][]models.VerificationEvent)
	for _, ev := range events {
		k := partitionKey{bucket: ev.EventBucket, date: ev.EventDate}
		groups[k] = append(groups[k], ev)
	}
	return groups
}
