package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/banditlab/banditd/internal/daemon"
	"github.com/banditlab/banditd/internal/experiment"
	"github.com/banditlab/banditd/internal/storage/sqlite"
)

func init() {
	rootCmd.AddCommand(experimentCmd)
	experimentCmd.AddCommand(experimentStartCmd)
	experimentCmd.AddCommand(experimentPauseCmd)
	experimentCmd.AddCommand(experimentResumeCmd)
	experimentCmd.AddCommand(experimentEndCmd)
	experimentCmd.AddCommand(experimentKillCmd)
	experimentCmd.AddCommand(experimentRampCmd)

	experimentKillCmd.Flags().String("reason", "", "reason recorded for the kill")
	experimentRampCmd.Flags().Float64("fraction", 0, "new traffic_fraction for the experiment")
}

var experimentCmd = &cobra.Command{
	Use:   "experiment",
	Short: "Administer experiment lifecycle state",
}

// openExperimentManager opens storage per the resolved config and
// returns an experiment.Manager plus a closer the caller must defer.
func openExperimentManager() (*experiment.Manager, func() error, error) {
	cfg, err := daemon.LoadConfig(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	db, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	mgr := experiment.New(experiment.Stores{
		Experiments: db, Arms: db, State: db, Assignments: db,
	}, nil)
	return mgr, db.Close, nil
}

var experimentStartCmd = &cobra.Command{
	Use:   "start EXPERIMENT_ID",
	Short: "Transition an experiment from draft to active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, closeFn, err := openExperimentManager()
		if err != nil {
			return err
		}
		defer closeFn()
		if err := mgr.Start(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "experiment %s started\n", args[0])
		return nil
	},
}

var experimentPauseCmd = &cobra.Command{
	Use:   "pause EXPERIMENT_ID",
	Short: "Pause an active experiment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, closeFn, err := openExperimentManager()
		if err != nil {
			return err
		}
		defer closeFn()
		if err := mgr.Pause(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "experiment %s paused\n", args[0])
		return nil
	},
}

var experimentResumeCmd = &cobra.Command{
	Use:   "resume EXPERIMENT_ID",
	Short: "Resume a paused experiment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, closeFn, err := openExperimentManager()
		if err != nil {
			return err
		}
		defer closeFn()
		if err := mgr.Resume(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "experiment %s resumed\n", args[0])
		return nil
	},
}

var experimentEndCmd = &cobra.Command{
	Use:   "end EXPERIMENT_ID",
	Short: "End an experiment normally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, closeFn, err := openExperimentManager()
		if err != nil {
			return err
		}
		defer closeFn()
		if err := mgr.End(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "experiment %s ended\n", args[0])
		return nil
	},
}

var experimentKillCmd = &cobra.Command{
	Use:   "kill EXPERIMENT_ID",
	Short: "Kill an active or paused experiment immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		mgr, closeFn, err := openExperimentManager()
		if err != nil {
			return err
		}
		defer closeFn()
		if err := mgr.Kill(cmd.Context(), args[0], reason); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "experiment %s killed: %s\n", args[0], reason)
		return nil
	},
}

var experimentRampCmd = &cobra.Command{
	Use:   "ramp EXPERIMENT_ID",
	Short: "Change an experiment's traffic_fraction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fraction, _ := cmd.Flags().GetFloat64("fraction")
		mgr, closeFn, err := openExperimentManager()
		if err != nil {
			return err
		}
		defer closeFn()
		if err := mgr.Ramp(cmd.Context(), args[0], fraction); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "experiment %s ramped to %.4f\n", args[0], fraction)
		return nil
	},
}
