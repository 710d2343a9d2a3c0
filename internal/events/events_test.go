package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/slate-dev/slate/internal/model"
	"github.com/slate-dev/slate/internal/testutil"
)

func TestNewEvent(t *testing.T) {
	task := &model.Task{ID: "t1", Status: model.TaskStatusInProgress, AssignedTo: "ALPHA"}
	e := NewEvent(EventAssigned, task, "")
	assert.Equal(t, "task.assigned", e.Subject())
	assert.Equal(t, "t1", e.TaskID)
	assert.Equal(t, model.AgentAlpha, e.AgentID)
	assert.NotEmpty(t, e.ID)

	auto := NewEvent(EventEnqueued, &model.Task{ID: "t2", AssignedTo: model.AssigneeAuto}, "")
	assert.Empty(t, auto.AgentID)

	assert.Equal(t, "alert.overload", AlertSubject(model.AlertTypeOverload))
}

func TestNATSPublisher(t *testing.T) {
	_, _, js := testutil.StartJetStream(t)

	publisher, err := NewNATSPublisher(js, zap.NewNop())
	require.NoError(t, err)

	for _, name := range []string{TaskStreamName, AlertStreamName, MetricsStreamName} {
		require.NoError(t, testutil.WaitForStream(t, js, name, 5*time.Second))
	}

	// A second publisher on the same streams must not fail.
	_, err = NewNATSPublisher(js, zap.NewNop())
	require.NoError(t, err)

	t.Run("Publish And Subscribe", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var mu sync.Mutex
		var received []Event
		require.NoError(t, publisher.Subscribe(ctx, "task.*", func(e Event) {
			mu.Lock()
			received = append(received, e)
			mu.Unlock()
		}))

		task := &model.Task{ID: "t1", Status: model.TaskStatusPending, AssignedTo: model.AssigneeAuto}
		require.NoError(t, publisher.Publish(ctx, NewEvent(EventEnqueued, task, "")))
		task.Status = model.TaskStatusInProgress
		task.AssignedTo = "ALPHA"
		require.NoError(t, publisher.Publish(ctx, NewEvent(EventAssigned, task, "")))

		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(received) == 2
		}, 5*time.Second, 50*time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, EventEnqueued, received[0].Type)
		assert.Equal(t, EventAssigned, received[1].Type)
		assert.Equal(t, model.AgentAlpha, received[1].AgentID)
	})

	t.Run("PublishJSON", func(t *testing.T) {
		alert := model.Alert{ID: "a1", Type: model.AlertTypeOverload, Message: "5 tasks in progress"}
		require.NoError(t, publisher.PublishJSON(context.Background(), AlertSubject(alert.Type), alert))

		msgs, err := testutil.ConsumeMessages(js, "alert.*", 500*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, msgs, 1)

		var got model.Alert
		require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
		assert.Equal(t, "a1", got.ID)
		assert.Equal(t, "alert.overload", msgs[0].Subject)
	})
}

func TestLogPublisher(t *testing.T) {
	p := NewLogPublisher(zap.NewNop())
	require.NoError(t, p.Publish(context.Background(), NewEvent(EventReset, &model.Task{ID: "t1"}, "stale")))
	require.NoError(t, p.PublishJSON(context.Background(), MetricsSubject, map[string]int{"pending": 1}))
}
