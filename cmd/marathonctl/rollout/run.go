package rollout

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/toolsqacn/marathon/internal/cli/output"
	"github.com/toolsqacn/marathon/internal/ids"
	"github.com/toolsqacn/marathon/pkg/api"
	"github.com/toolsqacn/marathon/pkg/rollout"
	"github.com/toolsqacn/marathon/pkg/rollout/simulator"
)

const simulatedPath = "demo"

type runOptions struct {
	oldInstances int
	target       int
	minHealthy   float64
	overCapacity float64
	resident     bool
	killSelect   string
	launchDelay  time.Duration
	killDelay    time.Duration
}

func newRunCommand() *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Simulate a rolling replacement end to end and render live progress as a table.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	cmd.Flags().IntVar(&opts.oldInstances, "old-instances", 3, "Number of old-revision instances to seed.")
	cmd.Flags().IntVar(&opts.target, "target", 3, "Target number of new-revision instances.")
	cmd.Flags().Float64Var(&opts.minHealthy, "min-healthy", 1.0, "Minimum healthy capacity fraction, in [0, 1].")
	cmd.Flags().Float64Var(&opts.overCapacity, "over-capacity", 0, "Maximum over capacity fraction, >= 0.")
	cmd.Flags().BoolVar(&opts.resident, "resident", false, "Treat instances as resident.")
	cmd.Flags().StringVar(&opts.killSelect, "kill-selection", "youngest", "Tie-break policy for kill order: youngest or oldest.")
	cmd.Flags().DurationVar(&opts.launchDelay, "launch-delay", 300*time.Millisecond, "Simulated instance startup time.")
	cmd.Flags().DurationVar(&opts.killDelay, "kill-delay", 150*time.Millisecond, "Simulated instance shutdown time.")

	return cmd
}

func run(ctx context.Context, opts runOptions) error {
	spec := api.RunSpec{
		PathID:          simulatedPath,
		Version:         2,
		TargetInstances: opts.target,
		UpgradeStrategy: api.UpgradeStrategy{
			MinimumHealthCapacity: opts.minHealthy,
			MaximumOverCapacity:   opts.overCapacity,
		},
		IsResident: opts.resident,
	}
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("invalid run-spec: %w", err)
	}

	selection := rollout.YoungestFirst
	if opts.killSelect == "oldest" {
		selection = rollout.OldestFirst
	}

	bus := simulator.NewBus()
	tracker := simulator.NewTracker(bus)
	now := time.Now()
	for i := 0; i < opts.oldInstances; i++ {
		id, err := ids.New()
		if err != nil {
			return fmt.Errorf("generate seed instance id: %w", err)
		}
		tracker.Seed(simulatedPath, api.Instance{
			ID:             id,
			RunSpecVersion: 1,
			State: api.InstanceState{
				Goal:        api.GoalRunning,
				Condition:   api.ConditionRunning,
				ActiveSince: now,
				Since:       now,
			},
		})
	}

	kills := simulator.NewKills(tracker, opts.killDelay)
	queue := simulator.NewQueue(tracker, opts.launchDelay)
	readiness := simulator.NewReadiness(opts.launchDelay / 3)
	dm := simulator.NewDeploymentManager()

	completion := make(chan error, 1)
	if _, err := rollout.NewController(
		ctx, dm, "demo-plan", kills, queue, tracker, bus, readiness, spec, selection, completion,
	); err != nil {
		return fmt.Errorf("start controller: %w", err)
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err := <-completion:
			printSnapshot(tracker)
			if err != nil {
				return fmt.Errorf("rollout failed: %w", err)
			}
			fmt.Println("Rollout complete.")
			return nil
		case <-ticker.C:
			printSnapshot(tracker)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type instanceRow struct {
	ID        string
	Version   int
	Goal      api.Goal
	Condition api.Condition
}

func printSnapshot(tracker *simulator.Tracker) {
	instances, err := tracker.SpecInstancesSync(simulatedPath)
	if err != nil {
		return
	}

	rows := make([]instanceRow, len(instances))
	for i, inst := range instances {
		rows[i] = instanceRow{ID: inst.ID, Version: inst.RunSpecVersion, Goal: inst.State.Goal, Condition: inst.State.Condition}
	}

	columns := []output.Column[instanceRow]{
		{Header: "ID", Field: "ID"},
		{Header: "VERSION", Field: "Version"},
		{Header: "GOAL", Field: "Goal"},
		{Header: "CONDITION", Field: "Condition"},
	}
	_ = output.Print(rows, columns, "table")
	fmt.Println()
}
