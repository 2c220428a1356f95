package rollout

import "github.com/toolsqacn/marathon/pkg/api"

// messages exchanged exclusively between a Controller and itself or its background goroutines. Phase transitions
// happen only by sending one of these on the controller's inbox; handlers never call one another directly.

// event-carrying messages. These are the only ones ever stashed: they're accepted by the updating phase and
// deferred by every other phase.
type msgInstanceChanged struct {
	instance api.Instance
}

type msgInstanceHealthChanged struct {
	instanceID string
	healthy    *bool
}

type msgReadinessResult struct {
	result api.ReadinessResult
}

type msgReadinessStreamDone struct {
	key SubscriptionKey
	err error
}

// control messages drive the killing/launching phases. Exactly one is ever in flight at a time.
type msgCheck struct{}

type msgKillImmediately struct {
	n int
}

type msgKillNext struct{}

type msgKilled struct {
	ids []string
}

type msgScheduleReadiness struct{}

type msgLaunchNext struct{}

type msgScheduled struct {
	instances []api.Instance
}

// msgStop aborts the controller, fulfilling its completion signal with err (nil for a clean external stop).
type msgStop struct {
	err error
}
