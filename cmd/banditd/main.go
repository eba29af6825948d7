// Command banditd runs the bandit experimentation runtime.
//
// # File Index
//
// Command registration lives in internal/cli: root.go (rootCmd,
// Execute, global --config flag), run.go (the server entrypoint),
// experiment.go (lifecycle administration), replay.go (offline
// log-ingestion and off-policy evaluation tools). This file only wires
// the process entry point to that package.
package main

import "github.com/banditlab/banditd/internal/cli"

func main() {
	cli.Execute()
}
