package api

import "fmt"

// RunSpec is an immutable declaration of one revision of a run-path: how many instances are wanted and under what
// upgrade policy they should replace the previous revision's instances.
type RunSpec struct {
	PathID  string
	Version int

	// TargetInstances is the desired number of running instances of this revision.
	TargetInstances int

	UpgradeStrategy UpgradeStrategy

	// IsResident marks instances that bind persistent local state. Resident instances can only be stopped in place,
	// never relocated or run over capacity, so the ignition calculator treats them differently in the corner case
	// described in ComputeIgnitionStrategy.
	IsResident bool

	HealthCheck     *HealthCheckSpec
	ReadinessChecks []ReadinessCheckSpec
}

// UpgradeStrategy bounds how aggressively a rolling replacement may proceed.
type UpgradeStrategy struct {
	// MinimumHealthCapacity is the fraction, in [0, 1], of TargetInstances that must remain healthy throughout
	// the replacement.
	MinimumHealthCapacity float64
	// MaximumOverCapacity is the fraction, >= 0, of TargetInstances the replacement may temporarily exceed by.
	MaximumOverCapacity float64
}

func (s RunSpec) Validate() error {
	if s.TargetInstances <= 0 {
		return fmt.Errorf("target instances must be positive, got %d", s.TargetInstances)
	}
	if s.UpgradeStrategy.MinimumHealthCapacity < 0 || s.UpgradeStrategy.MinimumHealthCapacity > 1 {
		return fmt.Errorf(
			"minimum health capacity must be in [0, 1], got %g", s.UpgradeStrategy.MinimumHealthCapacity,
		)
	}
	if s.UpgradeStrategy.MaximumOverCapacity < 0 {
		return fmt.Errorf("maximum over capacity must be >= 0, got %g", s.UpgradeStrategy.MaximumOverCapacity)
	}
	return nil
}

func (s RunSpec) HasHealthChecks() bool {
	return s.HealthCheck != nil
}

func (s RunSpec) HasReadinessChecks() bool {
	return len(s.ReadinessChecks) > 0
}

// HealthCheckSpec flags that instances of this run-spec report health. The concrete probe mechanics (HTTP, TCP, ...)
// are owned by the collaborator that reports InstanceHealthChanged events and are out of scope here.
type HealthCheckSpec struct {
	Name string
}

// ReadinessCheckSpec is a caller-defined, application-level "ready for traffic" probe evaluated by the
// ReadinessExecutor after an instance is healthy.
type ReadinessCheckSpec struct {
	Name string
}

// RestartStrategy is the output of the ignition-strategy calculator: how many currently-running instances to kill
// immediately, and the capacity ceiling to enforce for the remainder of the replacement.
type RestartStrategy struct {
	NrToKillImmediately int
	MaxCapacity         int
}
