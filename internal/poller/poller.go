// Package poller implements the agent's poll loop: a fixed-interval ticker
// that fetches the controller's base resource, dispatches identify and
// deployment work when the server offers it, and adapts its own interval to
// the server's reported sleep duration.
package poller

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vinterra/ddiagent/internal/ddiclient"
	"github.com/vinterra/ddiagent/internal/ddiconfig"
	"github.com/vinterra/ddiagent/internal/deployment"
	"github.com/vinterra/ddiagent/internal/diagnostics"
	"github.com/vinterra/ddiagent/internal/feedback"
	"github.com/vinterra/ddiagent/internal/jsonpath"
	"github.com/vinterra/ddiagent/internal/telemetry"
)

// DefaultTickInterval is how often the scheduler wakes to check whether a
// poll is due; it is independent of (and always <=) the server-reported
// sleep duration.
const DefaultTickInterval = 1 * time.Second

// Poller drives the base-resource poll cycle.
type Poller struct {
	cfg        *ddiconfig.Config
	client     *ddiclient.Client
	deployment *deployment.Manager

	intervalSeconds int
	lastRun         time.Time
}

// New builds a Poller using cfg's default retry-wait as the initial
// interval, overridden as soon as the server reports its own sleep value.
func New(cfg *ddiconfig.Config, client *ddiclient.Client, mgr *deployment.Manager) *Poller {
	return &Poller{
		cfg:             cfg,
		client:          client,
		deployment:      mgr,
		intervalSeconds: cfg.DefaultRetryWaitSeconds,
	}
}

// Run loops, ticking every DefaultTickInterval and polling whenever
// intervalSeconds have elapsed since the last poll, until ctx is canceled.
// If cfg.OneShot is set, it performs exactly one poll cycle and returns its
// error (nil on success), never entering the ticker loop.
func (p *Poller) Run(ctx context.Context) error {
	if p.cfg.OneShot {
		return p.pollOnce(ctx)
	}

	ticker := time.NewTicker(DefaultTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if time.Since(p.lastRun) < time.Duration(p.intervalSeconds)*time.Second {
				continue
			}
			if err := p.pollOnce(ctx); err != nil {
				diagnostics.GetGlobalEventLogger().LogPollFailure(0, false, "", err.Error())
			}
		}
	}
}

// pollOnce performs exactly one GET against the controller base resource
// and dispatches whatever links it contains.
func (p *Poller) pollOnce(ctx context.Context) error {
	p.lastRun = time.Now()

	tracer := telemetry.GetGlobalTracer()
	ctx, span := tracer.StartRequestSpan(ctx, telemetry.RequestSpanOptions{
		Method: "GET",
		URL:    p.cfg.BaseURL(),
		Kind:   "poll",
	})
	defer span.End()

	var doc interface{}
	err := p.client.Get(ctx, p.cfg.BaseURL(), &doc)
	if err != nil {
		telemetry.RecordError(span, err, "transport")
		telemetry.GetGlobalMetrics().RecordPollCycle(ctx, false)

		if statusErr, ok := err.(*ddiclient.HTTPStatusError); ok && statusErr.Unauthorized() {
			tokenKind := "gateway"
			if p.cfg.TargetToken != "" {
				tokenKind = "target"
			}
			diagnostics.GetGlobalEventLogger().LogPollFailure(statusErr.StatusCode, true, tokenKind, "unauthorized")
		}
		p.intervalSeconds = p.cfg.DefaultRetryWaitSeconds
		return fmt.Errorf("poller: poll cycle failed: %w", err)
	}

	telemetry.GetGlobalMetrics().RecordPollCycle(ctx, true)
	diagnostics.GetGlobalEventLogger().LogPollCycle(p.intervalSeconds, true)

	p.applySleepInterval(doc)

	if href, ok := jsonpath.GetString(doc, "._links.configData.href"); ok {
		p.handleIdentify(ctx, href)
	}

	if href, ok := jsonpath.GetString(doc, "._links.deploymentBase.href"); ok {
		if err := p.deployment.HandleDeploymentBase(ctx, href); err != nil {
			if _, already := err.(*deployment.ErrAlreadyInProgress); already {
				diagnostics.GetGlobalEventLogger().LogDeploymentRejected(p.deployment.CurrentActionID())
			} else {
				diagnostics.GetGlobalEventLogger().LogDeploymentFailure("", err.Error())
			}
		}
	}

	if _, ok := jsonpath.GetString(doc, "._links.cancelAction.href"); ok {
		diagnostics.GetGlobalEventLogger().LogCancelIgnored()
	}

	return nil
}

// applySleepInterval updates p.intervalSeconds from config.polling.sleep, a
// server-supplied "HH:MM:SS" string, falling back to the configured
// retry-wait if the field is absent or malformed.
func (p *Poller) applySleepInterval(doc interface{}) {
	sleep, ok := jsonpath.GetString(doc, ".config.polling.sleep")
	if !ok {
		p.intervalSeconds = p.cfg.DefaultRetryWaitSeconds
		return
	}
	seconds, err := parseHHMMSS(sleep)
	if err != nil {
		p.intervalSeconds = p.cfg.DefaultRetryWaitSeconds
		return
	}
	p.intervalSeconds = seconds
}

// parseHHMMSS converts a "HH:MM:SS" duration string into whole seconds.
func parseHHMMSS(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("poller: malformed sleep value %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	sec, err := strconv.Atoi(parts[2])
	if err != nil {
		return 0, err
	}
	return h*3600 + m*60 + sec, nil
}

// handleIdentify fetches the configData link and PUTs back the configured
// device data. Failures are logged but never abort the poll cycle — identify
// is a best-effort courtesy, not a deployment precondition.
func (p *Poller) handleIdentify(ctx context.Context, href string) {
	report := feedback.Identify(time.Now(), p.cfg.DeviceData)
	if err := p.client.PutJSON(ctx, href, report, "identify"); err != nil {
		diagnostics.GetGlobalEventLogger().LogIdentifyFailure(err.Error())
		return
	}
	diagnostics.GetGlobalEventLogger().LogIdentifySent()
}
