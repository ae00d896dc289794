package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/kafka"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/store"
)

type recordingPublisher struct {
	batches [][]*kafka.EntityEvent
	err     error
}

func (r *recordingPublisher) PublishEntityEvents(_ context.Context, events []*kafka.EntityEvent) error {
	r.batches = append(r.batches, events)
	return r.err
}

func eventStore(t *testing.T) *store.Store {
	st := store.New()
	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, st.Insert(&models.Entity{ID: id, Name: id, Status: models.EntityStatusActive}))
	}
	r1, _ := st.Get("r1")
	r3, _ := st.Get("r3")
	require.NoError(t, st.MarkMerged(r3, r1, "test"))
	return st
}

func TestEmitter_Emit(t *testing.T) {
	st := eventStore(t)
	pub := &recordingPublisher{}
	emitter := NewEmitter(pub, nil)

	summary := &models.BatchSummary{
		CreatedIDs: []string{"r2"},
		UpdatedIDs: []string{"r1", "r2", "r3", "missing"},
		MergedIDs:  []string{"r3"},
	}

	require.NoError(t, emitter.Emit(context.Background(), st, summary, "ingest_tx"))
	require.Len(t, pub.batches, 1)

	got := map[string]string{}
	for _, ev := range pub.batches[0] {
		got[ev.EntityID] = ev.EventType
		assert.Equal(t, SchemaVersion, ev.SchemaVersion)
		assert.Equal(t, "ingest_tx", ev.TxID)
		assert.NotEmpty(t, ev.Data)
	}
	assert.Equal(t, map[string]string{
		"r1": "entity.updated",
		"r2": "entity.created",
		"r3": "entity.merged",
	}, got)
	assert.Equal(t, "r1", pub.batches[0][0].MergedInto)
}

func TestEmitter_NothingToEmit(t *testing.T) {
	pub := &recordingPublisher{}
	require.NoError(t, NewEmitter(pub, nil).Emit(context.Background(), store.New(), &models.BatchSummary{}, "tx"))
	assert.Empty(t, pub.batches)
}

func TestEmitter_PublishFailure(t *testing.T) {
	boom := errors.New("broker down")
	pub := &recordingPublisher{err: boom}
	err := NewEmitter(pub, nil).Emit(context.Background(), eventStore(t), &models.BatchSummary{CreatedIDs: []string{"r1"}}, "tx")
	assert.ErrorIs(t, err, boom)
}
