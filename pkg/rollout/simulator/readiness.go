package simulator

import (
	"sync"
	"time"

	"github.com/toolsqacn/marathon/pkg/api"
)

// Readiness is an in-memory api.ReadinessExecutor. By default every check reports ready after a fixed delay; tests
// can override a task's outcome with SetOutcome before the controller schedules its check.
type Readiness struct {
	delay time.Duration

	mu       sync.Mutex
	outcomes map[string]error // taskID -> forced failure; nil entry means "ready"
}

func NewReadiness(delay time.Duration) *Readiness {
	return &Readiness{delay: delay, outcomes: make(map[string]error)}
}

// SetOutcome forces taskID's check to fail with err instead of reporting ready. Passing a nil err restores the
// default ready-after-delay behavior.
func (r *Readiness) SetOutcome(taskID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[taskID] = err
}

func (r *Readiness) Execute(taskID string, spec api.ReadinessCheckSpec) (func(), <-chan api.ReadinessResult, <-chan error) {
	results := make(chan api.ReadinessResult, 1)
	done := make(chan error, 1)
	stop := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(stop) }) }

	go func() {
		defer close(results)
		defer close(done)

		select {
		case <-time.After(r.delay):
		case <-stop:
			done <- nil
			return
		}

		r.mu.Lock()
		forced := r.outcomes[taskID]
		r.mu.Unlock()

		if forced != nil {
			done <- forced
			return
		}

		select {
		case results <- api.ReadinessResult{TaskID: taskID, CheckName: spec.Name, Ready: true}:
		case <-stop:
			done <- nil
			return
		}
		done <- nil
	}()

	return cancel, results, done
}
