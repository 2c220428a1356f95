package rollout

import (
	"sync"

	"github.com/toolsqacn/marathon/pkg/api"
)

// SubscriptionKey identifies one running readiness check for one task.
type SubscriptionKey struct {
	TaskID    string
	CheckName string
}

// ReadinessRegistry tracks the readiness checks a controller currently has running, so every subscription's
// cancellation handle can be found again and released, whether individually or all at once on controller stop.
// It is owned exclusively by one controller; cancellation is idempotent.
type ReadinessRegistry struct {
	mu   sync.Mutex
	subs map[SubscriptionKey]func()
}

func NewReadinessRegistry() *ReadinessRegistry {
	return &ReadinessRegistry{subs: make(map[SubscriptionKey]func())}
}

// Subscribe starts the check described by spec for taskID and records its cancellation handle. onResult is called
// for every result delivered by the stream; onStreamDone is called exactly once, with a nil error on a clean end.
// Both callbacks run on a dedicated goroutine forwarding this subscription's channels, never concurrently with
// each other for the same key.
func (r *ReadinessRegistry) Subscribe(
	taskID string,
	spec api.ReadinessCheckSpec,
	executor api.ReadinessExecutor,
	onResult func(api.ReadinessResult),
	onStreamDone func(SubscriptionKey, error),
) SubscriptionKey {
	key := SubscriptionKey{TaskID: taskID, CheckName: spec.Name}
	cancel, results, done := executor.Execute(taskID, spec)

	r.mu.Lock()
	r.subs[key] = cancel
	r.mu.Unlock()

	go func() {
		for results != nil || done != nil {
			select {
			case res, ok := <-results:
				if !ok {
					results = nil
					continue
				}
				onResult(res)
			case err, ok := <-done:
				if !ok {
					// A done channel closed without a value is a clean end.
					err = nil
				}
				onStreamDone(key, err)
				return
			}
		}
	}()

	return key
}

// Unsubscribe cancels and forgets the subscription for key, if any. It is a no-op if the key is unknown.
func (r *ReadinessRegistry) Unsubscribe(key SubscriptionKey) {
	r.mu.Lock()
	cancel, ok := r.subs[key]
	if ok {
		delete(r.subs, key)
	}
	r.mu.Unlock()

	if ok {
		cancel()
	}
}

// Has reports whether a subscription is currently tracked for key.
func (r *ReadinessRegistry) Has(key SubscriptionKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[key]
	return ok
}

// UnsubscribeAll cancels every tracked subscription. Used on controller stop to release all readiness streams.
func (r *ReadinessRegistry) UnsubscribeAll() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[SubscriptionKey]func())
	r.mu.Unlock()

	for _, cancel := range subs {
		cancel()
	}
}
