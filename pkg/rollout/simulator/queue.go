package simulator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/toolsqacn/marathon/internal/ids"
	"github.com/toolsqacn/marathon/pkg/api"
)

// Queue is an in-memory api.LaunchQueue. Launched instances progress from Staging to Running on their own, driven
// by time.AfterFunc, so tests and the CLI can observe the same condition transitions a real scheduler would report.
//
// Queue can be told to simulate transient "scheduler busy" failures for a run-spec via SetBusyUntil; AddWithReply
// retries against those failures with an exponential backoff, the same shape the teacher repo uses to wait out a
// daemon that isn't ready yet.
type Queue struct {
	tracker      *Tracker
	startupDelay time.Duration

	mu        sync.Mutex
	busyUntil map[string]time.Time
	delays    map[string]*backoff.ExponentialBackOff
}

func NewQueue(tracker *Tracker, startupDelay time.Duration) *Queue {
	return &Queue{
		tracker:      tracker,
		startupDelay: startupDelay,
		busyUntil:    make(map[string]time.Time),
		delays:       make(map[string]*backoff.ExponentialBackOff),
	}
}

// SetBusyUntil makes AddWithReply fail as "scheduler busy" for pathID until t, exercising the backoff path.
func (q *Queue) SetBusyUntil(pathID string, t time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.busyUntil[pathID] = t
}

func (q *Queue) ResetDelay(spec api.RunSpec) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.delays, spec.PathID)
}

func (q *Queue) AddWithReply(ctx context.Context, spec api.RunSpec, n int) ([]api.Instance, error) {
	scheduled := make([]api.Instance, 0, n)
	for i := 0; i < n; i++ {
		instance, err := q.scheduleOne(ctx, spec)
		if err != nil {
			return scheduled, err
		}
		scheduled = append(scheduled, instance)
	}
	return scheduled, nil
}

func (q *Queue) scheduleOne(ctx context.Context, spec api.RunSpec) (api.Instance, error) {
	boff := backoff.WithContext(q.delayFor(spec.PathID), ctx)

	var instance api.Instance
	attempt := func() error {
		id, err := ids.New()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("generate instance id: %w", err))
		}

		q.mu.Lock()
		until, busy := q.busyUntil[spec.PathID]
		q.mu.Unlock()
		if busy && time.Now().Before(until) {
			return fmt.Errorf("launch queue busy for path %q", spec.PathID)
		}

		now := time.Now()
		instance = api.Instance{
			ID:             id,
			RunSpecVersion: spec.Version,
			State: api.InstanceState{
				Goal:      api.GoalRunning,
				Condition: api.ConditionStaging,
				Since:     now,
				Tasks: map[string]api.Task{
					id: {ID: id, StagedAt: now, ReadinessChecks: spec.ReadinessChecks},
				},
			},
		}
		return nil
	}

	if err := backoff.Retry(attempt, boff); err != nil {
		return api.Instance{}, fmt.Errorf("schedule instance for path %q: %w", spec.PathID, err)
	}

	q.tracker.register(spec.PathID, instance)
	q.progress(instance)
	return instance, nil
}

// progress advances instance from Staging through Starting to Running on the tracker after startupDelay, mimicking
// the lifecycle a real container or process executor would report back through events.
func (q *Queue) progress(instance api.Instance) {
	time.AfterFunc(q.startupDelay/2, func() {
		_ = q.tracker.SetCondition(instance.ID, api.ConditionStarting)
		time.AfterFunc(q.startupDelay/2, func() {
			_ = q.tracker.MarkActiveSince(instance.ID, time.Now())
			_ = q.tracker.SetCondition(instance.ID, api.ConditionRunning)
		})
	})
}

func (q *Queue) delayFor(pathID string) *backoff.ExponentialBackOff {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, ok := q.delays[pathID]
	if !ok {
		b = backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(50*time.Millisecond),
			backoff.WithMaxInterval(500*time.Millisecond),
			backoff.WithMaxElapsedTime(5*time.Second),
		)
		q.delays[pathID] = b
	}
	return b
}
