// Package simulator provides in-memory reference implementations of the pkg/api collaborator interfaces, suitable
// for controller tests and for driving a rollout from the command line without a real orchestrator behind it.
package simulator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/toolsqacn/marathon/pkg/api"
)

// Tracker is an in-memory api.InstanceTracker. It owns the only authoritative copy of instance state in the
// simulator; every other collaborator mutates instances by calling back into it.
type Tracker struct {
	mu        sync.Mutex
	instances map[string]api.Instance
	byPath    map[string][]string

	bus *Bus
}

// NewTracker creates an empty tracker that publishes every mutation to bus, if non-nil.
func NewTracker(bus *Bus) *Tracker {
	return &Tracker{
		instances: make(map[string]api.Instance),
		byPath:    make(map[string][]string),
		bus:       bus,
	}
}

// Seed adds instance to the tracker without publishing an event, for setting up a starting snapshot before a
// controller subscribes.
func (t *Tracker) Seed(pathID string, instance api.Instance) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.instances[instance.ID] = instance
	t.byPath[pathID] = append(t.byPath[pathID], instance.ID)
}

func (t *Tracker) SpecInstancesSync(pathID string) ([]api.Instance, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]api.Instance, 0, len(t.byPath[pathID]))
	for _, id := range t.byPath[pathID] {
		out = append(out, t.instances[id])
	}
	return out, nil
}

func (t *Tracker) Get(_ context.Context, id string) (api.Instance, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.instances[id]
	if !ok {
		return api.Instance{}, api.ErrNotFound
	}
	return i, nil
}

func (t *Tracker) SetGoal(_ context.Context, id string, goal api.Goal) error {
	t.mu.Lock()
	i, ok := t.instances[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("set goal for %s: %w", id, api.ErrNotFound)
	}
	i.State.Goal = goal
	t.instances[id] = i
	t.mu.Unlock()

	t.publishChanged(i)
	return nil
}

// SetCondition updates an instance's observed condition and publishes the change, simulating what a real executor
// would report as the instance progresses through its lifecycle.
func (t *Tracker) SetCondition(id string, condition api.Condition) error {
	t.mu.Lock()
	i, ok := t.instances[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("set condition for %s: %w", id, api.ErrNotFound)
	}
	i.State.Condition = condition
	t.instances[id] = i
	t.mu.Unlock()

	t.publishChanged(i)
	return nil
}

// MarkActiveSince stamps instance id's ActiveSince without changing its condition, then publishes the change. Used
// when an instance settles into a long-lived condition (e.g. Running) to record when that happened.
func (t *Tracker) MarkActiveSince(id string, since time.Time) error {
	t.mu.Lock()
	i, ok := t.instances[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("mark active since for %s: %w", id, api.ErrNotFound)
	}
	i.State.ActiveSince = since
	t.instances[id] = i
	t.mu.Unlock()

	t.publishChanged(i)
	return nil
}

// SetHealthy records health for id and publishes an EventInstanceHealthChanged event.
func (t *Tracker) SetHealthy(id string, healthy bool) {
	t.mu.Lock()
	_, ok := t.instances[id]
	if ok {
		i := t.instances[id]
		i.State.Healthy = &healthy
		t.instances[id] = i
	}
	t.mu.Unlock()

	if !ok || t.bus == nil {
		return
	}
	pathID := t.pathFor(id)
	t.bus.publish(pathID, api.Event{
		Type:       api.EventInstanceHealthChanged,
		InstanceID: id,
		PathID:     pathID,
		Healthy:    &healthy,
	})
}

func (t *Tracker) pathFor(id string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	for pathID, ids := range t.byPath {
		for _, existing := range ids {
			if existing == id {
				return pathID
			}
		}
	}
	return ""
}

func (t *Tracker) publishChanged(instance api.Instance) {
	if t.bus == nil {
		return
	}
	pathID := t.pathFor(instance.ID)
	t.bus.publish(pathID, api.Event{
		Type:           api.EventInstanceChanged,
		InstanceID:     instance.ID,
		PathID:         pathID,
		RunSpecVersion: instance.RunSpecVersion,
		Instance:       &instance,
	})
}

// Remove deletes id from the tracker without publishing anything, simulating an instance that has vanished from
// the authoritative store out from under a controller (e.g. reaped by an external process).
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.instances, id)
	for pathID, ids := range t.byPath {
		for k, existing := range ids {
			if existing == id {
				t.byPath[pathID] = append(ids[:k:k], ids[k+1:]...)
				break
			}
		}
	}
}

// register records a freshly launched instance against pathID so later SpecInstancesSync/Get calls see it, and
// publishes its arrival.
func (t *Tracker) register(pathID string, instance api.Instance) {
	t.mu.Lock()
	t.instances[instance.ID] = instance
	t.byPath[pathID] = append(t.byPath[pathID], instance.ID)
	t.mu.Unlock()

	t.publishChanged(instance)
}
