package rollout

import (
	"fmt"
	"math"

	"github.com/toolsqacn/marathon/pkg/api"
)

// ComputeIgnitionStrategy decides the initial kill batch and the working capacity ceiling for a rolling
// replacement of spec, given the number of instances currently in the Running goal.
//
// Preconditions (caller bugs, returned as errors rather than asserted away): spec.TargetInstances > 0 and
// runningCount >= 0.
func ComputeIgnitionStrategy(spec api.RunSpec, runningCount int) (api.RestartStrategy, error) {
	if spec.TargetInstances <= 0 {
		return api.RestartStrategy{}, fmt.Errorf("target instances must be positive, got %d", spec.TargetInstances)
	}
	if runningCount < 0 {
		return api.RestartStrategy{}, fmt.Errorf("running count must be >= 0, got %d", runningCount)
	}

	t := float64(spec.TargetInstances)
	minHealthy := int(math.Ceil(t * spec.UpgradeStrategy.MinimumHealthCapacity))
	maxCapacity := int(math.Floor(t * (1 + spec.UpgradeStrategy.MaximumOverCapacity)))
	nrToKillImmediately := max(0, runningCount-minHealthy)

	// Corner case: a pure rolling upgrade is impossible because there is no room under maxCapacity to add a
	// replacement and no room to drop below minHealthy to make some.
	if minHealthy == maxCapacity && maxCapacity <= runningCount {
		if spec.IsResident {
			// Resident instances can't be run over capacity, so drop one below healthy instead.
			nrToKillImmediately = runningCount - minHealthy + 1
		} else {
			// Permit one transient extra instance.
			maxCapacity++
		}
	}

	strategy := api.RestartStrategy{
		NrToKillImmediately: nrToKillImmediately,
		MaxCapacity:         maxCapacity,
	}

	if strategy.NrToKillImmediately < 0 {
		return api.RestartStrategy{}, fmt.Errorf("computed negative nrToKillImmediately: %d", strategy.NrToKillImmediately)
	}
	if strategy.MaxCapacity <= 0 {
		return api.RestartStrategy{}, fmt.Errorf("computed non-positive maxCapacity: %d", strategy.MaxCapacity)
	}
	// There must be headroom to start at least one new instance.
	if !(minHealthy < maxCapacity || runningCount-strategy.NrToKillImmediately < maxCapacity) {
		return api.RestartStrategy{}, fmt.Errorf(
			"no headroom to start a replacement: minHealthy=%d maxCapacity=%d runningCount=%d nrToKillImmediately=%d",
			minHealthy, maxCapacity, runningCount, strategy.NrToKillImmediately,
		)
	}

	return strategy, nil
}
