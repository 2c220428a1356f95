// Package rollout implements the rolling-replacement controller: a long-running, event-driven state machine that
// transitions every instance of one run-spec from its current revision to a target revision while respecting an
// upgrade policy, health checks, and optional readiness checks.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/toolsqacn/marathon/pkg/api"
)

type phase int

const (
	phaseUpdating phase = iota
	phaseChecking
	phaseKilling
	phaseLaunching
)

func (p phase) String() string {
	switch p {
	case phaseUpdating:
		return "updating"
	case phaseChecking:
		return "checking"
	case phaseKilling:
		return "killing"
	case phaseLaunching:
		return "launching"
	default:
		return "unknown"
	}
}

// Controller drives one run-spec from its current revision to Spec's revision. It is a single-threaded cooperative
// agent: exactly one phase handler runs at a time on the goroutine started by NewController, and every collaborator
// call that could block is delegated to a background goroutine whose completion re-enters as a message.
//
// A Controller is not safe to share across goroutines beyond sending it to NewController; all interaction happens
// through the event bus, the collaborators, and the completion channel.
type Controller struct {
	log *slog.Logger

	deploymentManager api.DeploymentManager
	planID            string
	killService       api.KillService
	launchQueue       api.LaunchQueue
	tracker           api.InstanceTracker
	readinessExecutor api.ReadinessExecutor

	spec          api.RunSpec
	killSelection KillSelection
	maxCapacity   int

	// shadow state, read and written exclusively by the run loop goroutine.
	instances       map[string]api.Instance
	instancesHealth map[string]bool
	instancesReady  map[string]bool
	registry        *ReadinessRegistry

	phase phase
	stash []any

	inbox          chan any
	unsubscribeBus func()
	completion     chan<- error
	completionOnce sync.Once
}

// NewController creates a controller for spec, takes a synchronous snapshot of the instances already known for
// spec.PathID, subscribes to bus, computes the ignition strategy, and starts the replacement. completion is
// fulfilled exactly once, with nil on success or the root cause of the failure that stopped the controller; the
// caller must provide a channel with capacity for at least one value.
//
// NewController returns an error without starting anything if the ignition strategy's preconditions are violated
// (a caller bug: spec.TargetInstances must be positive).
func NewController(
	ctx context.Context,
	deploymentManager api.DeploymentManager,
	planID string,
	killService api.KillService,
	launchQueue api.LaunchQueue,
	tracker api.InstanceTracker,
	bus api.EventBus,
	readinessExecutor api.ReadinessExecutor,
	spec api.RunSpec,
	killSelection KillSelection,
	completion chan<- error,
) (*Controller, error) {
	snapshot, err := tracker.SpecInstancesSync(spec.PathID)
	if err != nil {
		return nil, fmt.Errorf("snapshot instances for path %q: %w", spec.PathID, err)
	}

	instances := make(map[string]api.Instance, len(snapshot))
	runningCount := 0
	for _, i := range snapshot {
		instances[i.ID] = i
		if i.State.Goal == api.GoalRunning {
			runningCount++
		}
	}

	strategy, err := ComputeIgnitionStrategy(spec, runningCount)
	if err != nil {
		return nil, fmt.Errorf("compute ignition strategy: %w", err)
	}

	events, unsubscribe, err := bus.Subscribe(spec.PathID)
	if err != nil {
		return nil, fmt.Errorf("subscribe to event bus for path %q: %w", spec.PathID, err)
	}

	c := &Controller{
		log:               slog.With("component", "rollout-controller", "path_id", spec.PathID, "version", spec.Version),
		deploymentManager: deploymentManager,
		planID:            planID,
		killService:       killService,
		launchQueue:       launchQueue,
		tracker:           tracker,
		readinessExecutor: readinessExecutor,
		spec:              spec,
		killSelection:     killSelection,
		maxCapacity:       strategy.MaxCapacity,
		instances:         instances,
		instancesHealth:   make(map[string]bool),
		instancesReady:    make(map[string]bool),
		registry:          NewReadinessRegistry(),
		phase:             phaseKilling,
		inbox:             make(chan any, 64),
		unsubscribeBus:    unsubscribe,
		completion:        completion,
	}

	go c.forwardEvents(ctx, events)
	go c.run(ctx, strategy)

	return c, nil
}

// forwardEvents translates bus events into inbox messages until the bus subscription is closed or ctx is done.
func (c *Controller) forwardEvents(ctx context.Context, events <-chan api.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case api.EventInstanceChanged:
				if ev.Instance != nil {
					c.sendInbox(msgInstanceChanged{instance: *ev.Instance})
				}
			case api.EventInstanceHealthChanged:
				c.sendInbox(msgInstanceHealthChanged{instanceID: ev.InstanceID, healthy: ev.Healthy})
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) sendInbox(msg any) {
	c.inbox <- msg
}

func (c *Controller) run(ctx context.Context, strategy api.RestartStrategy) {
	c.log.Info("Starting rolling replacement.",
		"nr_to_kill_immediately", strategy.NrToKillImmediately, "max_capacity", strategy.MaxCapacity)
	c.sendInbox(msgKillImmediately{n: strategy.NrToKillImmediately})

	for {
		var msg any
		if c.phase == phaseUpdating && len(c.stash) > 0 {
			msg = c.stash[0]
			c.stash = c.stash[1:]
		} else {
			select {
			case <-ctx.Done():
				c.finish(ctx.Err())
				return
			case msg = <-c.inbox:
			}
		}

		if c.dispatch(ctx, msg) {
			return
		}
	}
}

// dispatch handles one message and reports whether the controller has stopped.
func (c *Controller) dispatch(ctx context.Context, msg any) (stopped bool) {
	if c.stashIfNotUpdating(msg) {
		return false
	}

	switch m := msg.(type) {
	case msgInstanceChanged:
		c.instances[m.instance.ID] = m.instance
		return c.enterChecking()
	case msgInstanceHealthChanged:
		// Health is sticky: an absent report never clears a previously known value.
		if m.healthy != nil {
			c.instancesHealth[m.instanceID] = *m.healthy
		}
		return c.enterChecking()
	case msgReadinessResult:
		c.applyReadinessResult(m.result)
		return c.enterChecking()
	case msgReadinessStreamDone:
		if m.err != nil {
			c.log.Error("Readiness check stream failed.", "task_id", m.key.TaskID, "check", m.key.CheckName, "err", m.err)
		}
		c.registry.Unsubscribe(m.key)
		return c.enterChecking()

	case msgCheck:
		return c.handleChecking()

	case msgKillImmediately:
		c.handleKillImmediately(ctx, m.n)
		return false
	case msgKillNext:
		c.handleKillNext(ctx)
		return false
	case msgKilled:
		c.handleKilled(m.ids)
		return false

	case msgScheduleReadiness:
		c.handleScheduleReadiness()
		return false
	case msgLaunchNext:
		c.handleLaunchNext(ctx)
		return false
	case msgScheduled:
		c.handleScheduled(m.instances)
		return false

	case msgStop:
		c.finish(m.err)
		return true
	}

	return false
}

// stashIfNotUpdating defers event-carrying messages that arrive while the controller isn't in the updating phase.
func (c *Controller) stashIfNotUpdating(msg any) bool {
	switch msg.(type) {
	case msgInstanceChanged, msgInstanceHealthChanged, msgReadinessResult, msgReadinessStreamDone:
		if c.phase != phaseUpdating {
			c.stash = append(c.stash, msg)
			return true
		}
	}
	return false
}

func (c *Controller) applyReadinessResult(result api.ReadinessResult) {
	c.deploymentManager.ReadinessUpdate(c.planID, result)
	if !result.Ready {
		return
	}

	instanceID, ok := c.instanceOwningTask(result.TaskID)
	if !ok {
		return
	}
	c.instancesReady[instanceID] = true
	c.registry.Unsubscribe(SubscriptionKey{TaskID: result.TaskID, CheckName: result.CheckName})
}

func (c *Controller) instanceOwningTask(taskID string) (string, bool) {
	for _, i := range c.instances {
		if _, ok := i.State.Tasks[taskID]; ok {
			return i.ID, true
		}
	}
	return "", false
}

func (c *Controller) enterChecking() bool {
	c.phase = phaseChecking
	c.sendInbox(msgCheck{})
	return false
}

// handleChecking evaluates the completion invariant (spec.md §4.5): every old-revision instance has gone terminal
// and is no longer goal-running, and exactly TargetInstances new-revision instances are active, running, healthy
// (if health checks apply) and ready (if readiness checks apply).
func (c *Controller) handleChecking() bool {
	oldAllTerminal := true
	newActiveCount := 0

	for _, i := range c.instances {
		if i.RunSpecVersion < c.spec.Version {
			if !(i.State.ConsiderTerminal() && i.State.Goal != api.GoalRunning) {
				oldAllTerminal = false
			}
			continue
		}
		if i.RunSpecVersion != c.spec.Version || !i.State.IsActive() || i.State.Goal != api.GoalRunning {
			continue
		}
		if c.spec.HasHealthChecks() && !c.instancesHealth[i.ID] {
			continue
		}
		if c.spec.HasReadinessChecks() && !c.instancesReady[i.ID] {
			continue
		}
		newActiveCount++
	}

	if oldAllTerminal && newActiveCount == c.spec.TargetInstances {
		c.log.Info("Rolling replacement complete.")
		c.finish(nil)
		return true
	}

	c.phase = phaseKilling
	c.sendInbox(msgKillNext{})
	return false
}

// handleKillImmediately kills the first n old-revision, goal-running instances, sequentially (awaiting each kill
// before starting the next) so tracker mutations stay ordered.
func (c *Controller) handleKillImmediately(ctx context.Context, n int) {
	var doomed []api.Instance
	for _, i := range c.sortedInstances() {
		if len(doomed) == n {
			break
		}
		if i.RunSpecVersion < c.spec.Version && i.State.Goal == api.GoalRunning {
			doomed = append(doomed, i)
		}
	}

	go func() {
		var killed []string
		for _, i := range doomed {
			if err := c.killOne(ctx, i); err != nil {
				c.sendInbox(msgStop{err: fmt.Errorf("kill immediately: %w", err)})
				return
			}
			killed = append(killed, i.ID)
		}
		c.sendInbox(msgKilled{ids: killed})
	}()
}

// handleKillNext kills a single old-revision, goal-running instance chosen by the controller's kill selection
// policy, if any remain.
func (c *Controller) handleKillNext(ctx context.Context) {
	var candidates []api.Instance
	for _, i := range c.instances {
		if i.RunSpecVersion < c.spec.Version && i.State.Goal == api.GoalRunning {
			candidates = append(candidates, i)
		}
	}
	sortByConditionAndDate(candidates, c.killSelection)

	if len(candidates) == 0 {
		go func() { c.sendInbox(msgKilled{ids: nil}) }()
		return
	}

	target := candidates[0]
	go func() {
		if err := c.killOne(ctx, target); err != nil {
			c.sendInbox(msgStop{err: fmt.Errorf("kill next: %w", err)})
			return
		}
		c.sendInbox(msgKilled{ids: []string{target.ID}})
	}()
}

// killOne terminates instance: it re-reads the current record from the tracker (treating its absence as a benign
// no-op, since the instance is already gone), writes the goal the upgrade expects, then asks the kill service to
// terminate it. Any failure here is fatal to the controller; idempotent retry is the tracker's job, not ours.
func (c *Controller) killOne(ctx context.Context, instance api.Instance) error {
	current, err := c.tracker.Get(ctx, instance.ID)
	if errors.Is(err, api.ErrNotFound) {
		c.log.Warn("Instance is no longer tracked, treating kill as already done.", "instance_id", instance.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get instance %s: %w", instance.ID, err)
	}

	goal := api.GoalDecommissioned
	if c.spec.IsResident {
		goal = api.GoalStopped
	}
	if err := c.tracker.SetGoal(ctx, current.ID, goal); err != nil {
		return fmt.Errorf("set goal for instance %s: %w", current.ID, err)
	}
	if err := c.killService.KillInstance(ctx, current, api.KillReasonUpgrading); err != nil {
		return fmt.Errorf("kill instance %s: %w", current.ID, err)
	}
	return nil
}

// handleKilled overlays the kill onto the shadow map before the authoritative event arrives, so the next checking
// pass doesn't re-select an instance that's already being killed.
func (c *Controller) handleKilled(ids []string) {
	for _, id := range ids {
		if i, ok := c.instances[id]; ok {
			i.State.Goal = api.GoalStopped
			c.instances[id] = i
		}
	}
	c.phase = phaseLaunching
	c.sendInbox(msgScheduleReadiness{})
}

// handleScheduleReadiness starts a readiness subscription for the first new-revision active running instance that
// doesn't have one yet, if the run-spec declares readiness checks at all.
func (c *Controller) handleScheduleReadiness() {
	if c.spec.HasReadinessChecks() {
		for _, i := range c.sortedInstances() {
			if i.RunSpecVersion != c.spec.Version || !i.State.IsActive() || i.State.Goal != api.GoalRunning {
				continue
			}
			if _, tracked := c.instancesReady[i.ID]; tracked {
				continue
			}

			for _, task := range i.State.Tasks {
				for _, checkSpec := range task.ReadinessChecks {
					taskID := task.ID
					c.registry.Subscribe(taskID, checkSpec, c.readinessExecutor,
						func(result api.ReadinessResult) { c.sendInbox(msgReadinessResult{result: result}) },
						func(key SubscriptionKey, err error) { c.sendInbox(msgReadinessStreamDone{key: key, err: err}) },
					)
				}
			}
			c.instancesReady[i.ID] = false
			break
		}
	}

	c.sendInbox(msgLaunchNext{})
}

// handleLaunchNext requests as many new instances as the capacity ceiling and remaining target allow.
func (c *Controller) handleLaunchNext(ctx context.Context) {
	oldTerminal, oldTotal, newStarted := 0, 0, 0
	for _, i := range c.instances {
		if i.RunSpecVersion < c.spec.Version {
			oldTotal++
			if i.State.ConsiderTerminal() && i.State.Goal != api.GoalRunning {
				oldTerminal++
			}
			continue
		}
		if i.RunSpecVersion == c.spec.Version && i.State.Goal == api.GoalRunning {
			newStarted++
		}
	}
	oldOutstanding := oldTotal - oldTerminal

	n := c.launchCount(oldOutstanding, newStarted)
	if n <= 0 {
		go func() { c.sendInbox(msgScheduled{}) }()
		return
	}

	go func() {
		c.launchQueue.ResetDelay(c.spec)
		scheduled, err := c.launchQueue.AddWithReply(ctx, c.spec, n)
		if err != nil {
			c.sendInbox(msgStop{err: fmt.Errorf("launch %d instances: %w", n, err)})
			return
		}
		c.sendInbox(msgScheduled{instances: scheduled})
	}()
}

// launchCount never lets activeOldCount + newCount exceed maxCapacity, and never asks for more than the remaining
// number of target instances.
func (c *Controller) launchCount(oldOutstanding, newStarted int) int {
	leftCapacity := max(0, c.maxCapacity-oldOutstanding-newStarted)
	want := max(0, c.spec.TargetInstances-newStarted)
	return min(want, leftCapacity)
}

// handleScheduled overlays newly-launched instances onto the shadow map before the tracker echoes them back, then
// returns to the updating phase where any stashed events are drained before new ones.
func (c *Controller) handleScheduled(scheduled []api.Instance) {
	for _, i := range scheduled {
		i.RunSpecVersion = c.spec.Version
		i.State.Goal = api.GoalRunning
		c.instances[i.ID] = i
	}
	c.phase = phaseUpdating
}

func (c *Controller) sortedInstances() []api.Instance {
	ids := make([]string, 0, len(c.instances))
	for id := range c.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]api.Instance, len(ids))
	for i, id := range ids {
		out[i] = c.instances[id]
	}
	return out
}

// finish unsubscribes from the event bus, cancels every readiness subscription, and fulfils the completion signal
// exactly once.
func (c *Controller) finish(err error) {
	c.registry.UnsubscribeAll()
	if c.unsubscribeBus != nil {
		c.unsubscribeBus()
	}
	c.completionOnce.Do(func() {
		c.completion <- err
	})
}
