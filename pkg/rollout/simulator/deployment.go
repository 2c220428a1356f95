package simulator

import (
	"sync"

	"github.com/toolsqacn/marathon/pkg/api"
)

// DeploymentManager is an in-memory api.DeploymentManager that just records every readiness update it receives, for
// assertions in tests and for the CLI's progress table.
type DeploymentManager struct {
	mu      sync.Mutex
	updates map[string][]api.ReadinessResult
}

func NewDeploymentManager() *DeploymentManager {
	return &DeploymentManager{updates: make(map[string][]api.ReadinessResult)}
}

func (d *DeploymentManager) ReadinessUpdate(planID string, result api.ReadinessResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updates[planID] = append(d.updates[planID], result)
}

// Updates returns a copy of every readiness result recorded for planID so far.
func (d *DeploymentManager) Updates(planID string) []api.ReadinessResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]api.ReadinessResult, len(d.updates[planID]))
	copy(out, d.updates[planID])
	return out
}
