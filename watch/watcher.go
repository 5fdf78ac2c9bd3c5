// Package watch runs the log-driven control loop: every tick it scans the
// host logs of running deployments and stops any deployment whose StopIfTrue
// predicate has fired.
package watch

import (
	"context"
	"log/slog"
	"time"

	"github.com/banksean/testbed"
	"github.com/banksean/testbed/ledger"
	"github.com/banksean/testbed/logs"
)

// DefaultInterval is the watcher cadence.
const DefaultInterval = 60 * time.Second

// Watcher evaluates stop predicates against deployment logs. Stop is called
// for every deployment whose predicate fired; deployments are scanned one
// after another, never concurrently.
type Watcher struct {
	Ledger   *ledger.Store
	Logs     *logs.Manager
	Stop     func(ctx context.Context, deploymentID int64, prune bool) error
	Interval time.Duration
}

// Run loops until ctx is cancelled, completing each pass before sleeping for
// the next tick.
func (w *Watcher) Run(ctx context.Context) {
	interval := w.Interval
	if interval == 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		w.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one full pass over the running deployments.
func (w *Watcher) Tick(ctx context.Context) {
	deployments, err := w.Ledger.RunningDeployments(ctx)
	if err != nil {
		slog.Error("watcher: reading running deployments", "error", err)
		return
	}
	for i := range deployments {
		deployment := &deployments[i]
		services, err := w.Ledger.ServicesByDeployment(ctx, deployment.ID)
		if err != nil {
			slog.Error("watcher: hydrating deployment", "deployment", deployment.ID, "error", err)
			continue
		}
		deployment.Services = services
		for _, task := range deployment.Tasks {
			if !task.DuringDeployment || task.Kind != testbed.TaskStopIfTrue {
				continue
			}
			if w.stopConditionMet(task, deployment) {
				slog.Info("watcher: stop condition met", "deployment", deployment.ID, "task", task.ID)
				if err := w.Stop(ctx, deployment.ID, false); err != nil {
					slog.Error("watcher: stopping deployment", "deployment", deployment.ID, "error", err)
				}
				break
			}
		}
	}
}

// stopConditionMet decodes the task's (message, occurrence) pair and counts
// exact full-line matches across the deployment's current host logs. A
// malformed payload is logged and skipped; the deployment keeps running.
func (w *Watcher) stopConditionMet(task testbed.Task, deployment *testbed.Deployment) bool {
	message, occurrence, err := testbed.DecodeStopCondition(task.Parameters)
	if err != nil {
		slog.Warn("watcher: undecodable stop condition", "task", task.ID, "error", err)
		return false
	}
	entries, err := w.Logs.DeploymentLogs(deployment)
	if err != nil {
		slog.Error("watcher: reading deployment logs", "deployment", deployment.ID, "error", err)
		return false
	}
	var hits int64
	for _, entry := range entries {
		if entry.Message == message {
			hits++
		}
	}
	return hits >= occurrence
}
