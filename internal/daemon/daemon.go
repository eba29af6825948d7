// Package daemon assembles the bandit runtime's components into a single
// running process: storage, the experiment lifecycle, the serve
// pipeline, the guardrail/decision scheduler, reward attribution, the
// HTTP API, and tracing.
package daemon

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/banditlab/banditd/internal/decision"
	"github.com/banditlab/banditd/internal/experiment"
	"github.com/banditlab/banditd/internal/guardrail"
	"github.com/banditlab/banditd/internal/infra/observability"
	"github.com/banditlab/banditd/internal/policystate"
	"github.com/banditlab/banditd/internal/reward"
	"github.com/banditlab/banditd/internal/scheduler"
	"github.com/banditlab/banditd/internal/serve"
	"github.com/banditlab/banditd/internal/storage/sqlite"
)

// Daemon owns every long-lived component and the goroutines driving
// them.
type Daemon struct {
	Config Config

	DB         *sqlite.DB
	Experiment *experiment.Manager
	Serve      *serve.Manager
	Guardrail  *guardrail.Manager
	Decision   *decision.Manager
	Attributor *reward.Attributor
	Sweeper    *reward.Sweeper
	State      *policystate.Manager
	Scheduler  *scheduler.Scheduler
	Tracer     *observability.Tracer

	logger *log.Logger
}

// New opens storage and wires every component per cfg. Callers still
// need to call Run to start the scheduler and sweep loops.
func New(cfg Config, logger *log.Logger) (*Daemon, error) {
	if logger == nil {
		logger = log.Default()
	}

	db, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("daemon: open storage: %w", err)
	}

	state := policystate.NewManager(db, policystate.DefaultWorkers)

	expMgr := experiment.New(experiment.Stores{
		Experiments: db,
		Arms:        db,
		State:       db,
		Assignments: db,
	}, logger)

	serveCfg := serve.Config{
		PolicyTimeout:   duration(cfg.Serve.PolicyTimeout, 50*time.Millisecond),
		EndToEndTimeout: duration(cfg.Serve.EndToEndTimeout, 120*time.Millisecond),
	}
	serveMgr := serve.New(serveCfg, serve.Stores{
		Experiments: db,
		Arms:        db,
		State:       db,
		Events:      db,
		Assignments: db,
	}, logger)

	guardrailMgr := guardrail.New(guardrail.Stores{
		Experiments: db,
		Events:      db,
		Guardrails:  db,
	}, expMgr, logger)

	decisionMgr := decision.New(decision.Stores{
		Experiments: db,
		Arms:        db,
		State:       db,
		Events:      db,
		Decisions:   db,
	}, logger)

	attributor := reward.New(db)
	sweeper := reward.NewSweeper(attributor, db, state, logger)

	schedulerTick := duration(cfg.Scheduler.Tick, 10*time.Second)
	sched := scheduler.New(schedulerTick, logger)

	tracer := observability.NewTracer(observability.DefaultTracerConfig())

	return &Daemon{
		Config:     cfg,
		DB:         db,
		Experiment: expMgr,
		Serve:      serveMgr,
		Guardrail:  guardrailMgr,
		Decision:   decisionMgr,
		Attributor: attributor,
		Sweeper:    sweeper,
		State:      state,
		Scheduler:  sched,
		Tracer:     tracer,
		logger:     logger,
	}, nil
}

// Close stops the state worker pool and closes storage. It does not stop
// Run's goroutines; cancel the context passed to Run for that.
func (d *Daemon) Close() error {
	d.State.Close()
	return d.DB.Close()
}

// Run registers the guardrail/decision job handlers, schedules every
// currently-active experiment, and blocks running the scheduler and the
// reward sweep loop until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	guardrailInterval := duration(d.Config.Scheduler.GuardrailInterval, time.Minute)
	decisionInterval := duration(d.Config.Scheduler.DecisionInterval, 15*time.Minute)

	d.Scheduler.RegisterHandler(scheduler.JobGuardrail, func(ctx context.Context, experimentID string) error {
		span := d.Tracer.StartSpan(ctx, "guardrail.evaluate", map[string]string{"experiment_id": experimentID})
		_, err := d.Guardrail.Evaluate(ctx, experimentID, time.Now())
		d.Tracer.EndSpan(span, err)
		return err
	})
	d.Scheduler.RegisterHandler(scheduler.JobDecision, func(ctx context.Context, experimentID string) error {
		span := d.Tracer.StartSpan(ctx, "decision.evaluate", map[string]string{"experiment_id": experimentID})
		_, err := d.Decision.Evaluate(ctx, experimentID, time.Now())
		d.Tracer.EndSpan(span, err)
		return err
	})

	experiments, err := d.DB.ListAllActiveExperiments(ctx)
	if err != nil {
		return fmt.Errorf("daemon: list active experiments: %w", err)
	}
	now := time.Now()
	for _, e := range experiments {
		d.Scheduler.Schedule(e.ID, scheduler.JobGuardrail, guardrailInterval, now.Add(guardrailInterval))
		d.Scheduler.Schedule(e.ID, scheduler.JobDecision, decisionInterval, now.Add(decisionInterval))
	}

	go d.runSweepLoop(ctx)

	d.Scheduler.Run(ctx)
	return nil
}

// runSweepLoop periodically folds attributed rewards into policy state
// until ctx is cancelled. It runs alongside the Scheduler rather than
// through it: the scheduler drives per-experiment guardrail/decision
// jobs, while the sweep is a single global pass over unattributed
// events.
func (d *Daemon) runSweepLoop(ctx context.Context) {
	interval := duration(d.Config.Reward.SweepInterval, 30*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	limit := d.Config.Reward.SweepLimit
	if limit <= 0 {
		limit = 500
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			processed, err := d.Sweeper.Sweep(ctx, d.DB, time.Now(), limit)
			if err != nil {
				d.logger.Printf("[daemon] reward sweep failed: %v", err)
				continue
			}
			if processed > 0 {
				d.logger.Printf("[daemon] reward sweep attributed %d event(s)", processed)
			}
		}
	}
}
