// Package events handles event emission for entity lifecycle changes
package events

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/kafka"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/tracing"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

// EventType defines the type of event
type EventType string

const (
	EventTypeEntityCreated EventType = "entity.created"
	EventTypeEntityUpdated EventType = "entity.updated"
	EventTypeEntityMerged  EventType = "entity.merged"
)

// Publisher delivers a batch of entity events
type Publisher interface {
	PublishEntityEvents(ctx context.Context, events []*kafka.EntityEvent) error
}

// Lookup resolves entity ids against the committed store
type Lookup interface {
	Get(id string) (*models.Entity, bool)
}

// Emitter turns a committed batch summary into entity events
type Emitter struct {
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewEmitter creates a new event emitter
func NewEmitter(publisher Publisher, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		publisher: publisher,
		logger:    logger.Named("events"),
		now:       time.Now,
	}
}

// Build returns one event per changed entity: created, then updated, then merged.
// An entity is reported once, under its most significant change.
func (e *Emitter) Build(entities Lookup, summary *models.BatchSummary, txID string) []*kafka.EntityEvent {
	at := e.now().UTC()
	emitted := map[string]bool{}
	events := []*kafka.EntityEvent{}

	add := func(eventType EventType, ids []string) {
		for _, id := range ids {
			if emitted[id] {
				continue
			}
			entity, ok := entities.Get(id)
			if !ok {
				continue
			}
			emitted[id] = true

			data, err := json.Marshal(entity)
			if err != nil {
				e.logger.Warn("Failed to encode entity for event", zap.String("entity_id", id), zap.Error(err))
				continue
			}

			events = append(events, &kafka.EntityEvent{
				EventType:     string(eventType),
				SchemaVersion: SchemaVersion,
				EntityID:      id,
				ExternalKey:   entity.Key(),
				MergedInto:    entity.MergeTarget(),
				TxID:          txID,
				Data:          data,
				Timestamp:     at,
			})
		}
	}

	add(EventTypeEntityMerged, summary.MergedIDs)
	add(EventTypeEntityCreated, summary.CreatedIDs)
	add(EventTypeEntityUpdated, summary.UpdatedIDs)

	return events
}

// Emit publishes the events for a committed batch. Emission happens after
// commit, so a failure is reported but never undoes the batch.
func (e *Emitter) Emit(ctx context.Context, entities Lookup, summary *models.BatchSummary, txID string) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.Emit")
	defer span.End()

	events := e.Build(entities, summary, txID)
	if len(events) == 0 {
		return nil
	}

	if err := e.publisher.PublishEntityEvents(ctx, events); err != nil {
		tracing.RecordError(span, err)
		e.logger.Error("Failed to emit entity events", zap.String("tx_id", txID), zap.Error(err))
		return err
	}

	e.logger.Info("Emitted entity events", zap.String("tx_id", txID), zap.Int("count", len(events)))
	return nil
}
