package rollout

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolsqacn/marathon/pkg/api"
	"github.com/toolsqacn/marathon/pkg/rollout/simulator"
)

const testPath = "web"

func runningInstance(id string, version int, since time.Time) api.Instance {
	return api.Instance{
		ID:             id,
		RunSpecVersion: version,
		State: api.InstanceState{
			Goal:        api.GoalRunning,
			Condition:   api.ConditionRunning,
			ActiveSince: since,
			Since:       since,
		},
	}
}

func waitCompletion(t *testing.T, completion <-chan error, timeout time.Duration) error {
	t.Helper()
	select {
	case err := <-completion:
		return err
	case <-time.After(timeout):
		t.Fatal("controller never completed")
		return nil
	}
}

func TestController_HappyRollingRestart(t *testing.T) {
	bus := simulator.NewBus()
	tracker := simulator.NewTracker(bus)
	tracker.Seed(testPath, runningInstance("old-1", 1, time.Now()))

	kills := simulator.NewKills(tracker, 2*time.Millisecond)
	queue := simulator.NewQueue(tracker, 10*time.Millisecond)
	readiness := simulator.NewReadiness(time.Millisecond)
	dm := simulator.NewDeploymentManager()

	spec := api.RunSpec{
		PathID:          testPath,
		Version:         2,
		TargetInstances: 1,
		UpgradeStrategy: api.UpgradeStrategy{MinimumHealthCapacity: 1.0, MaximumOverCapacity: 0},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	completion := make(chan error, 1)
	_, err := NewController(ctx, dm, "plan-1", kills, queue, tracker, bus, readiness, spec, YoungestFirst, completion)
	require.NoError(t, err)

	require.NoError(t, waitCompletion(t, completion, 4*time.Second))

	final, err := tracker.SpecInstancesSync(testPath)
	require.NoError(t, err)

	var newRunning int
	for _, i := range final {
		if i.RunSpecVersion == 2 && i.State.Goal == api.GoalRunning {
			newRunning++
		}
		if i.ID == "old-1" {
			assert.NotEqual(t, api.GoalRunning, i.State.Goal)
		}
	}
	assert.Equal(t, 1, newRunning)
}

func TestController_ResidentTightUpgradeKillsImmediately(t *testing.T) {
	bus := simulator.NewBus()
	tracker := simulator.NewTracker(bus)
	tracker.Seed(testPath, runningInstance("old-1", 1, time.Now()))

	kills := simulator.NewKills(tracker, 2*time.Millisecond)
	queue := simulator.NewQueue(tracker, 10*time.Millisecond)
	readiness := simulator.NewReadiness(time.Millisecond)
	dm := simulator.NewDeploymentManager()

	spec := api.RunSpec{
		PathID:          testPath,
		Version:         2,
		TargetInstances: 1,
		UpgradeStrategy: api.UpgradeStrategy{MinimumHealthCapacity: 1.0, MaximumOverCapacity: 0},
		IsResident:      true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	completion := make(chan error, 1)
	_, err := NewController(ctx, dm, "plan-2", kills, queue, tracker, bus, readiness, spec, YoungestFirst, completion)
	require.NoError(t, err)

	require.NoError(t, waitCompletion(t, completion, 4*time.Second))

	final, err := tracker.SpecInstancesSync(testPath)
	require.NoError(t, err)

	var newRunning int
	for _, i := range final {
		if i.RunSpecVersion == 2 && i.State.Goal == api.GoalRunning {
			newRunning++
		}
	}
	assert.Equal(t, 1, newRunning)
}

func TestController_OverCapacityScaleDown(t *testing.T) {
	bus := simulator.NewBus()
	tracker := simulator.NewTracker(bus)
	now := time.Now()
	for _, id := range []string{"old-1", "old-2", "old-3", "old-4"} {
		tracker.Seed(testPath, runningInstance(id, 1, now))
	}

	kills := simulator.NewKills(tracker, 2*time.Millisecond)
	queue := simulator.NewQueue(tracker, 10*time.Millisecond)
	readiness := simulator.NewReadiness(time.Millisecond)
	dm := simulator.NewDeploymentManager()

	spec := api.RunSpec{
		PathID:          testPath,
		Version:         2,
		TargetInstances: 2,
		UpgradeStrategy: api.UpgradeStrategy{MinimumHealthCapacity: 1.0, MaximumOverCapacity: 0},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()

	completion := make(chan error, 1)
	_, err := NewController(ctx, dm, "plan-3", kills, queue, tracker, bus, readiness, spec, OldestFirst, completion)
	require.NoError(t, err)

	require.NoError(t, waitCompletion(t, completion, 5*time.Second))

	final, err := tracker.SpecInstancesSync(testPath)
	require.NoError(t, err)

	var newRunning, oldRunning int
	for _, i := range final {
		if i.RunSpecVersion == 2 && i.State.Goal == api.GoalRunning {
			newRunning++
		}
		if i.RunSpecVersion == 1 && i.State.Goal == api.GoalRunning {
			oldRunning++
		}
	}
	assert.Equal(t, 2, newRunning)
	assert.Equal(t, 0, oldRunning)
}

func TestController_ReadinessGatesCompletion(t *testing.T) {
	bus := simulator.NewBus()
	tracker := simulator.NewTracker(bus)
	tracker.Seed(testPath, runningInstance("old-1", 1, time.Now()))

	kills := simulator.NewKills(tracker, 2*time.Millisecond)
	queue := simulator.NewQueue(tracker, 10*time.Millisecond)
	readiness := simulator.NewReadiness(20 * time.Millisecond)
	dm := simulator.NewDeploymentManager()

	spec := api.RunSpec{
		PathID:          testPath,
		Version:         2,
		TargetInstances: 1,
		UpgradeStrategy: api.UpgradeStrategy{MinimumHealthCapacity: 1.0, MaximumOverCapacity: 0},
		ReadinessChecks: []api.ReadinessCheckSpec{{Name: "http"}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()

	completion := make(chan error, 1)
	_, err := NewController(ctx, dm, "plan-4", kills, queue, tracker, bus, readiness, spec, YoungestFirst, completion)
	require.NoError(t, err)

	require.NoError(t, waitCompletion(t, completion, 5*time.Second))

	assert.NotEmpty(t, dm.Updates("plan-4"))
}

// TestController_KillOfVanishedInstanceIsBenign exercises killOne directly: an instance that already disappeared
// from the tracker (e.g. reaped by a concurrent external process) by the time a kill is attempted must not fail
// the controller, since the instance is already gone, which is the outcome the kill was after anyway.
func TestController_KillOfVanishedInstanceIsBenign(t *testing.T) {
	tracker := simulator.NewTracker(nil)
	kills := simulator.NewKills(tracker, time.Millisecond)

	c := &Controller{
		log:         slog.Default(),
		tracker:     tracker,
		killService: kills,
		spec:        api.RunSpec{PathID: testPath, Version: 2},
	}

	err := c.killOne(context.Background(), api.Instance{ID: "gone"})
	assert.NoError(t, err)
}

// TestController_StashPreservesEventOrder exercises the stash directly: event-carrying messages that arrive while
// the controller isn't in the updating phase must be redelivered later in the order they arrived, ahead of
// anything newly sent to the inbox.
func TestController_StashPreservesEventOrder(t *testing.T) {
	c := &Controller{
		log:             slog.Default(),
		instances:       make(map[string]api.Instance),
		instancesHealth: make(map[string]bool),
		instancesReady:  make(map[string]bool),
		registry:        NewReadinessRegistry(),
		phase:           phaseChecking,
		spec:            api.RunSpec{PathID: testPath, Version: 1, TargetInstances: 1},
	}

	first := msgInstanceChanged{instance: api.Instance{ID: "a"}}
	second := msgInstanceHealthChanged{instanceID: "b", healthy: nil}
	third := msgInstanceChanged{instance: api.Instance{ID: "c"}}

	assert.False(t, c.dispatch(context.Background(), first))
	assert.False(t, c.dispatch(context.Background(), second))
	assert.False(t, c.dispatch(context.Background(), third))

	require.Len(t, c.stash, 3)
	assert.Equal(t, first, c.stash[0])
	assert.Equal(t, second, c.stash[1])
	assert.Equal(t, third, c.stash[2])

	// Once updating, dispatch no longer defers these; the run loop (not under test here) is what actually drains
	// the stash in FIFO order ahead of the inbox.
	c.phase = phaseUpdating
	assert.False(t, c.stashIfNotUpdating(first))
}
