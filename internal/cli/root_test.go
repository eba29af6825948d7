package cli

import "testing"

func TestRootCommandRegistersSubcommands(t *testing.T) {
	want := map[string]bool{
		"run": false, "experiment": false, "replay": false,
	}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("rootCmd missing subcommand %q", name)
		}
	}
}

func TestExperimentCommandRegistersLifecycleSubcommands(t *testing.T) {
	want := map[string]bool{
		"start": false, "pause": false, "resume": false, "end": false, "kill": false, "ramp": false,
	}
	for _, c := range experimentCmd.Commands() {
		name := c.Name()
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("experimentCmd missing subcommand %q", name)
		}
	}
}

func TestReplayCommandRegistersSubcommands(t *testing.T) {
	want := map[string]bool{
		"load-logs": false, "select-window": false, "run": false,
	}
	for _, c := range replayCmd.Commands() {
		name := c.Name()
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("replayCmd missing subcommand %q", name)
		}
	}
}
