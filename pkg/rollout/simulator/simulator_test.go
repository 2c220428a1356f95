package simulator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolsqacn/marathon/pkg/api"
)

func TestTracker_SeedAndSnapshot(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.Seed("path-1", api.Instance{ID: "a", State: api.InstanceState{Goal: api.GoalRunning}})
	tracker.Seed("path-1", api.Instance{ID: "b", State: api.InstanceState{Goal: api.GoalRunning}})

	snapshot, err := tracker.SpecInstancesSync("path-1")
	require.NoError(t, err)
	assert.Len(t, snapshot, 2)

	_, err = tracker.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestTracker_SetGoalPublishesChange(t *testing.T) {
	bus := NewBus()
	tracker := NewTracker(bus)
	tracker.Seed("path-1", api.Instance{ID: "a", State: api.InstanceState{Goal: api.GoalRunning}})

	events, unsubscribe, err := bus.Subscribe("path-1")
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, tracker.SetGoal(context.Background(), "a", api.GoalStopped))

	select {
	case ev := <-events:
		assert.Equal(t, api.EventInstanceChanged, ev.Type)
		assert.Equal(t, api.GoalStopped, ev.Instance.State.Goal)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestKills_KillInstanceProgressesToFinished(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.Seed("path-1", api.Instance{ID: "a", State: api.InstanceState{Condition: api.ConditionRunning}})
	kills := NewKills(tracker, 5*time.Millisecond)

	instance, err := tracker.Get(context.Background(), "a")
	require.NoError(t, err)

	require.NoError(t, kills.KillInstance(context.Background(), instance, api.KillReasonUpgrading))

	final, err := tracker.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, api.ConditionFinished, final.State.Condition)
}

func TestQueue_AddWithReplySchedulesInstances(t *testing.T) {
	tracker := NewTracker(nil)
	queue := NewQueue(tracker, 5*time.Millisecond)

	spec := api.RunSpec{PathID: "path-1", Version: 2, TargetInstances: 2}
	scheduled, err := queue.AddWithReply(context.Background(), spec, 2)
	require.NoError(t, err)
	require.Len(t, scheduled, 2)
	for _, i := range scheduled {
		assert.Equal(t, api.ConditionStaging, i.State.Condition)
		assert.Equal(t, 2, i.RunSpecVersion)
	}

	snapshot, err := tracker.SpecInstancesSync("path-1")
	require.NoError(t, err)
	assert.Len(t, snapshot, 2)

	require.Eventually(t, func() bool {
		i, err := tracker.Get(context.Background(), scheduled[0].ID)
		return err == nil && i.State.Condition == api.ConditionRunning
	}, time.Second, 5*time.Millisecond)
}

func TestQueue_RetriesThroughBusyPeriod(t *testing.T) {
	tracker := NewTracker(nil)
	queue := NewQueue(tracker, time.Millisecond)
	queue.SetBusyUntil("path-1", time.Now().Add(60*time.Millisecond))

	spec := api.RunSpec{PathID: "path-1", Version: 1, TargetInstances: 1}
	scheduled, err := queue.AddWithReply(context.Background(), spec, 1)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
}

func TestReadiness_ExecuteReportsReadyAfterDelay(t *testing.T) {
	readiness := NewReadiness(5 * time.Millisecond)
	cancel, results, done := readiness.Execute("task-1", api.ReadinessCheckSpec{Name: "http"})
	defer cancel()

	select {
	case r := <-results:
		assert.True(t, r.Ready)
	case <-time.After(time.Second):
		t.Fatal("no readiness result")
	}

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stream never completed")
	}
}

func TestReadiness_ForcedOutcomeFailsStream(t *testing.T) {
	readiness := NewReadiness(time.Millisecond)
	readiness.SetOutcome("task-1", assert.AnError)

	cancel, _, done := readiness.Execute("task-1", api.ReadinessCheckSpec{Name: "http"})
	defer cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, assert.AnError)
	case <-time.After(time.Second):
		t.Fatal("stream never completed")
	}
}

func TestDeploymentManager_RecordsUpdates(t *testing.T) {
	dm := NewDeploymentManager()
	dm.ReadinessUpdate("plan-1", api.ReadinessResult{TaskID: "t1", Ready: true})

	updates := dm.Updates("plan-1")
	require.Len(t, updates, 1)
	assert.True(t, updates[0].Ready)
}
