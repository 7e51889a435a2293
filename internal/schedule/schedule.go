// Package schedule runs the background parity jobs named in a pool's
// config bag — mergerfs sync/check/scrub and nonraid check — on a
// cron/v3 schedule, skipping a tick when the previous run for that pool is
// still live.
package schedule

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/blockpool/poolmgr/internal/engine"
	"github.com/blockpool/poolmgr/internal/manifest"
	"github.com/blockpool/poolmgr/internal/parity"
	"github.com/blockpool/poolmgr/internal/poolcfg"
	"github.com/blockpool/poolmgr/internal/poolerr"
)

// Executor is the subset of poolmgr.Manager the scheduler drives. Defined
// here rather than imported, so this package never depends on poolmgr.
type Executor interface {
	ExecuteSnapRAIDOperation(ctx context.Context, id string, op parity.SnapRAIDOp, fixDisks []string) (engine.Result, error)
	ExecuteNonRaidParityOperation(ctx context.Context, id string, op parity.NonRaidOp) (engine.Result, error)
}

// Runner owns a cron.Cron whose entry set is rebuilt from the manifest
// every time Reload is called.
type Runner struct {
	manifest *manifest.Store
	exec     Executor
	log      logrus.FieldLogger

	mu   sync.Mutex
	cron *cron.Cron
}

// New constructs a Runner. Call Reload once after construction and again
// whenever a pool's schedule config may have changed (create, update,
// remove).
func New(store *manifest.Store, exec Executor, log logrus.FieldLogger) *Runner {
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Runner{manifest: store, exec: exec, log: log}
}

// Start begins running whatever schedule is currently loaded. Call Reload
// first to populate it.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron != nil {
		r.cron.Start()
	}
}

// Stop drains in-flight jobs and stops the scheduler. Safe to call on a
// Runner that was never started.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron != nil {
		ctx := r.cron.Stop()
		<-ctx.Done()
	}
}

// Reload tears down the current entry set (if running, jobs mid-flight are
// allowed to finish) and rebuilds it from the manifest's current pools.
// Malformed cron expressions are logged and skipped rather than aborting
// the whole reload.
func (r *Runner) Reload(ctx context.Context) error {
	pools, err := r.manifest.Load()
	if err != nil {
		return err
	}

	next := cron.New()

	for _, pool := range pools {
		r.registerPool(ctx, next, pool)
	}

	r.mu.Lock()
	prev := r.cron
	r.cron = next
	r.mu.Unlock()

	next.Start()

	if prev != nil {
		stopped := prev.Stop()
		<-stopped.Done()
	}

	return nil
}

func (r *Runner) registerPool(ctx context.Context, c *cron.Cron, pool manifest.Pool) {
	switch pool.Type {
	case "mergerfs":
		r.registerMergerFS(ctx, c, pool)
	case "nonraid":
		r.registerNonRaid(ctx, c, pool)
	}
}

func (r *Runner) registerMergerFS(ctx context.Context, c *cron.Cron, pool manifest.Pool) {
	cfg, err := poolcfg.DecodeMergerFS(pool.Config)
	if err != nil {
		r.log.WithError(err).WithField("pool", pool.Name).Warn("schedule: skipping pool with invalid config")
		return
	}

	r.addEntry(c, pool.Name, "sync", cfg.Sync.Enabled, cfg.Sync.Schedule, func() {
		r.runSnapRAID(ctx, pool, parity.OpSync)
	})
	r.addEntry(c, pool.Name, "check", cfg.Sync.Check.Enabled, cfg.Sync.Check.Schedule, func() {
		r.runSnapRAID(ctx, pool, parity.OpCheck)
	})
	r.addEntry(c, pool.Name, "scrub", cfg.Sync.Scrub.Enabled, cfg.Sync.Scrub.Schedule, func() {
		r.runSnapRAID(ctx, pool, parity.OpScrub)
	})
}

func (r *Runner) registerNonRaid(ctx context.Context, c *cron.Cron, pool manifest.Pool) {
	cfg, err := poolcfg.DecodeNonRaid(pool.Config)
	if err != nil {
		r.log.WithError(err).WithField("pool", pool.Name).Warn("schedule: skipping pool with invalid config")
		return
	}

	r.addEntry(c, pool.Name, "check", cfg.Check.Enabled, cfg.Check.Schedule, func() {
		r.runNonRaid(ctx, pool, parity.NonRaidCheck)
	})
}

func (r *Runner) addEntry(c *cron.Cron, poolName, kind string, enabled bool, expr string, job func()) {
	if !enabled || expr == "" {
		return
	}

	if _, err := c.AddFunc(expr, job); err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{"pool": poolName, "job": kind}).Warn("schedule: invalid cron expression")
	}
}

func (r *Runner) runSnapRAID(ctx context.Context, pool manifest.Pool, op parity.SnapRAIDOp) {
	runID := uuid.New().String()
	r.log.WithFields(logrus.Fields{"pool": pool.Name, "op": string(op), "run": runID}).Debug("schedule: tick firing")
	_, err := r.exec.ExecuteSnapRAIDOperation(ctx, pool.ID, op, nil)
	r.logResult(pool.Name, string(op), runID, err)
}

func (r *Runner) runNonRaid(ctx context.Context, pool manifest.Pool, op parity.NonRaidOp) {
	runID := uuid.New().String()
	r.log.WithFields(logrus.Fields{"pool": pool.Name, "op": string(op), "run": runID}).Debug("schedule: tick firing")
	_, err := r.exec.ExecuteNonRaidParityOperation(ctx, pool.ID, op)
	r.logResult(pool.Name, string(op), runID, err)
}

// logResult reports the outcome of one scheduled run, tagged with runID so
// a "tick firing" log line can be correlated with its result even when
// several pools' jobs interleave in the same log stream.
func (r *Runner) logResult(poolName, op, runID string, err error) {
	if err == nil {
		return
	}

	fields := logrus.Fields{"pool": poolName, "op": op, "run": runID}

	if poolerr.IsPrecondition(err) {
		r.log.WithFields(fields).Debug("schedule: tick skipped, operation already in progress")
		return
	}

	r.log.WithError(err).WithFields(fields).Warn("schedule: scheduled operation failed")
}
