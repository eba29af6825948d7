package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/banditlab/banditd/internal/daemon"
	"github.com/banditlab/banditd/internal/domain"
	"github.com/banditlab/banditd/internal/replay"
	"github.com/banditlab/banditd/internal/storage/sqlite"
)

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.AddCommand(replayLoadLogsCmd)
	replayCmd.AddCommand(replaySelectWindowCmd)
	replayCmd.AddCommand(replayRunCmd)

	replaySelectWindowCmd.Flags().String("min-window", "", "minimum window duration (defaults to config/replay default)")

	replayRunCmd.Flags().String("min-window", "", "minimum window duration (defaults to config/replay default)")
	replayRunCmd.Flags().String("policy", "egreedy", "policy kind: thompson, egreedy, ucb, or control")
	replayRunCmd.Flags().String("params-file", "", "JSON file of domain.PolicyParams (optional)")
	replayRunCmd.Flags().String("candidates-file", "", "JSON file of []domain.Arm (required)")
	replayRunCmd.Flags().Float64("clip-p-min", 0, "propensity clipping floor (defaults to config/replay default)")
	replayRunCmd.Flags().Int64("seed", 0, "replay RNG seed (defaults to config/replay default)")
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Offline log ingestion, window selection, and off-policy replay",
}

func openReplayManager() (*replay.Manager, func() error, error) {
	cfg, err := daemon.LoadConfig(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	db, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	return replay.New(replay.Stores{Records: db}), db.Close, nil
}

var replayLoadLogsCmd = &cobra.Command{
	Use:   "load-logs PATH",
	Short: "Ingest a JSONL historical serve+reward log into the replay store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, closeFn, err := openReplayManager()
		if err != nil {
			return err
		}
		defer closeFn()

		loaded, err := mgr.LoadLogs(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "loaded %d record(s) from %s\n", loaded, args[0])
		return nil
	},
}

var replaySelectWindowCmd = &cobra.Command{
	Use:   "select-window",
	Short: "Select the densest window of at least the minimum span from the replay log",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := daemon.LoadConfig(cfgPath)
		if err != nil {
			return err
		}
		minWindow, _ := cmd.Flags().GetString("min-window")
		window := configuredDuration(minWindow, cfg.Replay.MinWindow, replay.DefaultMinWindow)

		mgr, closeFn, err := openReplayManager()
		if err != nil {
			return err
		}
		defer closeFn()

		w, err := mgr.SelectWindow(cmd.Context(), window)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "window: %s -> %s (events=%d, arms_covered=%d)\n",
			w.From.Format(time.RFC3339), w.To.Format(time.RFC3339), w.Events, w.ArmsCovered)
		return nil
	},
}

var replayRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Select a window and replay a policy over it, reporting IPS/DR and cumulative regret",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := daemon.LoadConfig(cfgPath)
		if err != nil {
			return err
		}

		candidatesFile, _ := cmd.Flags().GetString("candidates-file")
		if candidatesFile == "" {
			return fmt.Errorf("--candidates-file is required")
		}
		candidates, err := readCandidates(candidatesFile)
		if err != nil {
			return err
		}

		paramsFile, _ := cmd.Flags().GetString("params-file")
		params, err := readPolicyParams(paramsFile)
		if err != nil {
			return err
		}

		kindFlag, _ := cmd.Flags().GetString("policy")
		minWindowFlag, _ := cmd.Flags().GetString("min-window")
		minWindow := configuredDuration(minWindowFlag, cfg.Replay.MinWindow, replay.DefaultMinWindow)

		clipPMin, _ := cmd.Flags().GetFloat64("clip-p-min")
		if clipPMin == 0 {
			clipPMin = cfg.Replay.ClipPMin
		}
		seed, _ := cmd.Flags().GetInt64("seed")
		if seed == 0 {
			seed = cfg.Replay.Seed
		}

		mgr, closeFn, err := openReplayManager()
		if err != nil {
			return err
		}
		defer closeFn()

		window, err := mgr.SelectWindow(cmd.Context(), minWindow)
		if err != nil {
			return err
		}

		metrics, err := mgr.Replay(cmd.Context(), domain.PolicyKind(kindFlag), params, candidates, window, clipPMin, seed)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(metrics)
	},
}

func configuredDuration(flagValue, configValue string, def time.Duration) time.Duration {
	if flagValue != "" {
		if d, err := time.ParseDuration(flagValue); err == nil {
			return d
		}
	}
	if configValue != "" {
		if d, err := time.ParseDuration(configValue); err == nil {
			return d
		}
	}
	return def
}

func readCandidates(path string) ([]domain.Arm, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read candidates file: %w", err)
	}
	var arms []domain.Arm
	if err := json.Unmarshal(data, &arms); err != nil {
		return nil, fmt.Errorf("parse candidates file: %w", err)
	}
	return arms, nil
}

func readPolicyParams(path string) (domain.PolicyParams, error) {
	if path == "" {
		return domain.PolicyParams{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.PolicyParams{}, fmt.Errorf("read params file: %w", err)
	}
	var params domain.PolicyParams
	if err := json.Unmarshal(data, &params); err != nil {
		return domain.PolicyParams{}, fmt.Errorf("parse params file: %w", err)
	}
	return params, nil
}
