// Package agent wires together the update agent's lifecycle: configuration,
// transport, deployment workflow, and poll loop, and exposes Run/Shutdown
// to the command-line entry point.
package agent

import (
	"context"
	"fmt"

	"github.com/vinterra/ddiagent/internal/ddiclient"
	"github.com/vinterra/ddiagent/internal/ddiconfig"
	"github.com/vinterra/ddiagent/internal/deployment"
	"github.com/vinterra/ddiagent/internal/diagnostics"
	"github.com/vinterra/ddiagent/internal/poller"
	"github.com/vinterra/ddiagent/internal/reboot"
	"github.com/vinterra/ddiagent/internal/telemetry"
)

// Agent owns the long-lived pieces of one running controller: its config,
// its transport client, its deployment manager, and its poll loop.
type Agent struct {
	cfg        *ddiconfig.Config
	client     *ddiclient.Client
	deployment *deployment.Manager
	poller     *poller.Poller
}

// Options bundles the external dependencies the command-line entry point
// supplies at start-up: the installer boundary and the reboot capability.
// Both are injected rather than hard-wired so tests can run the whole
// lifecycle without touching real hardware.
type Options struct {
	Install deployment.InstallFunc
	Reboot  reboot.Func
}

// Init validates cfg and builds an Agent ready to Run. It does not perform
// any network I/O.
func Init(cfg *ddiconfig.Config, opts Options) (*Agent, error) {
	if err := ddiconfig.Validate(cfg); err != nil {
		return nil, fmt.Errorf("agent: init: %w", err)
	}

	diagnostics.SetGlobalEventLogger(diagnostics.NewEventLogger(cfg.ControllerID))

	client := ddiclient.New(cfg)

	rebootFn := opts.Reboot
	if rebootFn == nil {
		rebootFn = reboot.Noop()
	}

	mgr := deployment.NewManager(cfg, client, opts.Install, func() error { return rebootFn() })
	p := poller.New(cfg, client, mgr)

	return &Agent{cfg: cfg, client: client, deployment: mgr, poller: p}, nil
}

// Run blocks running the poll loop until ctx is canceled (or, in one-shot
// mode, until the single poll cycle completes), returning the poll loop's
// terminal error.
func (a *Agent) Run(ctx context.Context) error {
	return a.poller.Run(ctx)
}

// Shutdown joins any in-flight deployment worker (bounded by ctx) and
// releases the telemetry providers installed for this agent's lifetime. It
// does not interrupt the worker — it waits for the worker to finish or fail
// on its own schedule, per the single-worker design, up to ctx's deadline.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.deployment.Join(ctx)
	telemetry.GetGlobalTracer().Shutdown(ctx)
	telemetry.GetGlobalMetrics().Shutdown(ctx)
	return nil
}

// CurrentActionID reports the action id of any deployment currently being
// downloaded or installed, or "" if none is in flight.
func (a *Agent) CurrentActionID() string {
	return a.deployment.CurrentActionID()
}
