package rollout

import (
	"sort"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/toolsqacn/marathon/pkg/api"
)

// KillSelection breaks ties between two otherwise-equivalent kill candidates.
type KillSelection int

const (
	// YoungestFirst kills the instance with the later tie-breaking timestamp first.
	YoungestFirst KillSelection = iota
	// OldestFirst kills the instance with the earlier tie-breaking timestamp first.
	OldestFirst
)

// ConstraintResolver picks up to need instances out of available to satisfy host-level placement constraints
// (e.g. spreading kills evenly across hosts). It may return fewer than need if constraints can't be fully met.
type ConstraintResolver func(available []api.Instance, need int) []api.Instance

// Proposition is the result of ProposeScaling: which instances to kill and how many new ones to start.
type Proposition struct {
	ToKill  []api.Instance
	ToStart int
}

// ProposeScaling decides which instances to kill and how many to start in order to move a service towards scaleTo
// Running instances, honouring any instances the caller has forced into decommission.
//
// forcedDecommission may be nil, meaning no instance is forced.
func ProposeScaling(
	instances []api.Instance,
	forcedDecommission mapset.Set[string],
	meetConstraints ConstraintResolver,
	scaleTo int,
	selection KillSelection,
) Proposition {
	if forcedDecommission == nil {
		forcedDecommission = mapset.NewSet[string]()
	}

	goalRunning := make(map[string]api.Instance)
	killingCount := 0
	for _, i := range instances {
		if i.State.Goal == api.GoalRunning {
			goalRunning[i.ID] = i
		}
		if i.State.Condition == api.ConditionKilling {
			killingCount++
		}
	}

	var sentenced, free []api.Instance
	for id, i := range goalRunning {
		if forcedDecommission.Contains(id) {
			sentenced = append(sentenced, i)
		} else {
			free = append(free, i)
		}
	}
	// Sentenced instances have no kill-order semantics of their own; order them deterministically by ID.
	sortByID(sentenced)

	decommissionCount := max(len(goalRunning)-killingCount-scaleTo, len(sentenced))

	var constraintKills []api.Instance
	if meetConstraints != nil {
		constraintKills = meetConstraints(free, decommissionCount-len(sentenced))
	}
	constraintKillSet := mapset.NewSet[string]()
	for _, i := range constraintKills {
		constraintKillSet.Add(i.ID)
	}
	sortByID(constraintKills)

	var rest []api.Instance
	for _, i := range free {
		if !constraintKillSet.Contains(i.ID) {
			rest = append(rest, i)
		}
	}
	sortByConditionAndDate(rest, selection)

	// decommissionCount is always >= 0 here: it's the max of len(sentenced) (>= 0) and a possibly-negative term.
	candidates := append(append(append([]api.Instance{}, sentenced...), constraintKills...), rest...)
	if decommissionCount < len(candidates) {
		candidates = candidates[:decommissionCount]
	}

	return Proposition{
		ToKill:  candidates,
		ToStart: scaleTo - len(goalRunning) + decommissionCount,
	}
}

func sortByID(instances []api.Instance) {
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].ID < instances[j].ID
	})
}

// sortByConditionAndDate orders instances ascending by condition weight (Unreachable first, then Staging, Starting,
// Running, everything else last), breaking ties by a condition-specific timestamp and finally by selection.
// Instances missing their tie-breaking timestamp are treated as equal and ordered by ID for a total, stable order.
func sortByConditionAndDate(instances []api.Instance, selection KillSelection) {
	sort.SliceStable(instances, func(i, j int) bool {
		return compareForKill(instances[i], instances[j], selection) < 0
	})
}

func compareForKill(a, b api.Instance, selection KillSelection) int {
	wa, wb := a.State.Condition.Weight(), b.State.Condition.Weight()
	if wa != wb {
		return wa - wb
	}

	ta, tb := killTimestamp(a), killTimestamp(b)
	if ta.IsZero() || tb.IsZero() {
		return strings.Compare(a.ID, b.ID)
	}

	cmp := ta.Compare(tb)
	if cmp == 0 {
		return strings.Compare(a.ID, b.ID)
	}
	if selection == YoungestFirst {
		return -cmp
	}
	return cmp
}

func killTimestamp(i api.Instance) time.Time {
	switch i.State.Condition {
	case api.ConditionStaging:
		return i.State.LatestStagedAt()
	case api.ConditionStarting:
		return i.State.Since
	default:
		return i.State.ActiveSince
	}
}
