package simulator

import (
	"context"
	"time"

	"github.com/toolsqacn/marathon/pkg/api"
)

// Kills is an in-memory api.KillService. It drives the killed instance through Killing to Finished on the tracker
// after a fixed delay, the way a real executor's signal-then-reap sequence would.
type Kills struct {
	tracker *Tracker
	delay   time.Duration
}

func NewKills(tracker *Tracker, delay time.Duration) *Kills {
	return &Kills{tracker: tracker, delay: delay}
}

func (k *Kills) KillInstance(ctx context.Context, instance api.Instance, _ api.KillReason) error {
	if err := k.tracker.SetCondition(instance.ID, api.ConditionKilling); err != nil {
		return err
	}

	select {
	case <-time.After(k.delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	return k.tracker.SetCondition(instance.ID, api.ConditionFinished)
}
