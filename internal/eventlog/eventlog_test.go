package eventlog

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/example/ticketpilot/backend/internal/models"
	"github.com/example/ticketpilot/backend/internal/testutil"
)

func TestAppendKeepsOrder(t *testing.T) {
	ctx := context.Background()
	log := New(testutil.OpenDB(t))
	ticketID := uuid.New()

	require.NoError(t, log.Append(ctx,
		&models.WorkflowEvent{TenantID: "acme", TicketID: ticketID, Type: models.EventStateTransition, FromState: models.StateTriggered, ToState: models.StateAnalyzing},
		&models.WorkflowEvent{TenantID: "acme", TicketID: ticketID, Type: models.EventQuestionAsked, Message: "Which DB?", Metadata: datatypes.JSONMap{"mandatory": true}},
	))
	require.NoError(t, log.Append(ctx, &models.WorkflowEvent{TenantID: "acme", TicketID: ticketID, Type: models.EventInfo, Message: "third"}))

	events, err := log.List(ctx, "acme", ticketID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, models.EventStateTransition, events[0].Type)
	assert.Equal(t, "Which DB?", events[1].Message)
	assert.Equal(t, true, events[1].Metadata["mandatory"])
	assert.Less(t, events[0].ID, events[1].ID)
	assert.Less(t, events[1].ID, events[2].ID)

	after, err := log.ListAfter(ctx, "acme", ticketID, events[0].ID)
	require.NoError(t, err)
	assert.Len(t, after, 2)

	n, err := log.CountByType(ctx, "acme", ticketID, models.EventQuestionAsked)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	other, err := log.List(ctx, "globex", ticketID)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestAppendRejectsUnscopedEvents(t *testing.T) {
	log := New(testutil.OpenDB(t))
	err := log.Append(context.Background(), &models.WorkflowEvent{TicketID: uuid.New(), Type: models.EventInfo})
	require.Error(t, err)
}

func TestConcurrentAppendersGetDistinctSequence(t *testing.T) {
	ctx := context.Background()
	log := New(testutil.OpenDB(t))
	ticketID := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, log.Append(ctx, &models.WorkflowEvent{TenantID: "acme", TicketID: ticketID, Type: models.EventInfo}))
		}()
	}
	wg.Wait()

	events, err := log.List(ctx, "acme", ticketID)
	require.NoError(t, err)
	require.Len(t, events, 10)
	seen := map[uint64]bool{}
	for _, e := range events {
		assert.False(t, seen[e.ID])
		seen[e.ID] = true
	}
}
