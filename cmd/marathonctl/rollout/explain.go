package rollout

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/spf13/cobra"

	"github.com/toolsqacn/marathon/pkg/api"
	"github.com/toolsqacn/marathon/pkg/rollout"
)

type explainOptions struct {
	target       int
	running      int
	minHealthy   float64
	overCapacity float64
	resident     bool
	scaleTo      int
	killing      int
}

func newExplainCommand() *cobra.Command {
	opts := explainOptions{}
	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Print the ignition strategy and scaling proposition for the given flags, without running a rollout.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return explain(opts)
		},
	}

	cmd.Flags().IntVar(&opts.target, "target", 3, "Target number of instances of the new revision.")
	cmd.Flags().IntVar(&opts.running, "running", 3, "Number of currently Running old-revision instances.")
	cmd.Flags().Float64Var(&opts.minHealthy, "min-healthy", 1.0, "Minimum healthy capacity fraction, in [0, 1].")
	cmd.Flags().Float64Var(&opts.overCapacity, "over-capacity", 0, "Maximum over capacity fraction, >= 0.")
	cmd.Flags().BoolVar(&opts.resident, "resident", false, "Treat instances as resident (can only be stopped in place).")
	cmd.Flags().IntVar(&opts.scaleTo, "scale-to", 0,
		"If set (> 0), also print the scaling proposition for moving to this many Running instances.")
	cmd.Flags().IntVar(&opts.killing, "killing", 0, "Number of instances already in the Killing condition, for --scale-to.")

	return cmd
}

func explain(opts explainOptions) error {
	spec := api.RunSpec{
		TargetInstances: opts.target,
		UpgradeStrategy: api.UpgradeStrategy{
			MinimumHealthCapacity: opts.minHealthy,
			MaximumOverCapacity:   opts.overCapacity,
		},
		IsResident: opts.resident,
	}

	strategy, err := rollout.ComputeIgnitionStrategy(spec, opts.running)
	if err != nil {
		return fmt.Errorf("compute ignition strategy: %w", err)
	}
	fmt.Printf("Ignition strategy: kill %d immediately, capacity ceiling %d\n",
		strategy.NrToKillImmediately, strategy.MaxCapacity)

	if opts.scaleTo <= 0 {
		return nil
	}

	instances := make([]api.Instance, opts.running+opts.killing)
	for i := 0; i < opts.running; i++ {
		instances[i] = api.Instance{
			ID:    fmt.Sprintf("running-%d", i),
			State: api.InstanceState{Goal: api.GoalRunning, Condition: api.ConditionRunning},
		}
	}
	for i := 0; i < opts.killing; i++ {
		instances[opts.running+i] = api.Instance{
			ID:    fmt.Sprintf("killing-%d", i),
			State: api.InstanceState{Goal: api.GoalRunning, Condition: api.ConditionKilling},
		}
	}

	prop := rollout.ProposeScaling(instances, mapset.NewSet[string](), nil, opts.scaleTo, rollout.YoungestFirst)
	fmt.Printf("Scaling proposition: kill %d, start %d\n", len(prop.ToKill), prop.ToStart)
	for _, i := range prop.ToKill {
		fmt.Printf("  - %s (%s)\n", i.ID, i.State.Condition)
	}

	return nil
}
