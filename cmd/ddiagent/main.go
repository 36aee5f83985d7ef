// Command ddiagent runs the DDI update agent: it polls a hawkBit-style
// server for deployments, downloads and verifies the offered artifact, and
// hands it to an installer script before reporting feedback.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vinterra/ddiagent/internal/agent"
	"github.com/vinterra/ddiagent/internal/ddiconfig"
	"github.com/vinterra/ddiagent/internal/deployment"
	"github.com/vinterra/ddiagent/internal/reboot"
	"github.com/vinterra/ddiagent/internal/telemetry"
)

// shutdownGracePeriod bounds how long Shutdown waits to join an in-flight
// download worker before giving up on it.
const shutdownGracePeriod = 5 * time.Minute

func main() {
	host := flag.String("host", "", "DDI server host[:port]")
	tenant := flag.String("tenant", "DEFAULT", "Tenant id")
	controllerID := flag.String("controller-id", "", "Controller (device) id")
	tls := flag.Bool("tls", false, "Use https instead of http")
	insecure := flag.Bool("insecure-skip-verify", false, "Skip TLS peer verification (bring-up only)")
	targetToken := flag.String("target-token", "", "TargetToken for device authentication")
	gatewayToken := flag.String("gateway-token", "", "GatewayToken for device authentication")
	bundleDir := flag.String("bundle-dir", "/var/lib/ddiagent/bundles", "Directory to download artifacts into")
	installerPath := flag.String("installer", "", "Path to an executable invoked with the bundle path as its sole argument")
	rebootAfterInstall := flag.Bool("reboot-after-install", false, "Reboot once an installed deployment reports success")
	deviceData := flag.String("device-data", "", "JSON object reported verbatim via the configData identify link")
	retryWaitSeconds := flag.Int("retry-wait-seconds", ddiconfig.DefaultRetryWaitSeconds, "Default poll interval used until the server reports its own sleep value")
	connectTimeout := flag.Duration("connect-timeout", ddiconfig.DefaultConnectTimeout, "TCP/TLS connect timeout")
	requestTimeout := flag.Duration("request-timeout", ddiconfig.DefaultRequestTimeout, "Full request timeout")
	oneShot := flag.Bool("one-shot", false, "Perform a single poll cycle and exit instead of running forever")
	tracingEnabled := flag.Bool("tracing-enabled", false, "Enable OpenTelemetry tracing")
	metricsEnabled := flag.Bool("metrics-enabled", false, "Enable OpenTelemetry metrics")
	otlpEndpoint := flag.String("otlp-endpoint", "", "OTLP collector endpoint")
	flag.Parse()

	if *host == "" || *controllerID == "" {
		fmt.Fprintln(os.Stderr, "Error: --host and --controller-id are required")
		os.Exit(1)
	}

	data, err := parseDeviceData(*deviceData)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: --device-data: %v\n", err)
		os.Exit(1)
	}

	cfg := &ddiconfig.Config{
		Host:                    *host,
		TenantID:                *tenant,
		ControllerID:            *controllerID,
		TLS:                     *tls,
		InsecureSkipVerify:      *insecure,
		TargetToken:             *targetToken,
		GatewayToken:            *gatewayToken,
		ConnectTimeout:          *connectTimeout,
		RequestTimeout:          *requestTimeout,
		DefaultRetryWaitSeconds: *retryWaitSeconds,
		BundleDir:               *bundleDir,
		RebootAfterInstall:      *rebootAfterInstall,
		DeviceData:              data,
		OneShot:                 *oneShot,
	}

	if err := os.MkdirAll(cfg.BundleDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: create bundle dir: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	setupTelemetry(ctx, *tracingEnabled, *metricsEnabled, *otlpEndpoint)

	a, err := agent.Init(cfg, agent.Options{
		Install: installerFunc(*installerPath),
		Reboot:  rebootFunc(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *oneShot {
		runErr := a.Run(ctx)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		a.Shutdown(shutdownCtx)
		shutdownCancel()
		if runErr != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
			os.Exit(1)
		}
		return
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	select {
	case <-sigChan:
		fmt.Println("\nShutting down agent...")
		cancel()
	case err := <-runErr:
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}

	// Join the in-flight download worker, if any, on a fresh context: ctx
	// above may already be canceled (the poll loop's own), and Shutdown
	// needs live time budget to wait for the worker rather than returning
	// immediately.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer shutdownCancel()
	a.Shutdown(shutdownCtx)
}

// installerFunc builds the installer boundary callback: it execs path with
// the bundle's local filesystem path as its only argument and treats a
// nonzero exit code as install failure. An empty path means no installer
// is configured.
func installerFunc(path string) deployment.InstallFunc {
	if path == "" {
		return nil
	}
	return func(ctx context.Context, bundlePath string) error {
		cmd := exec.CommandContext(ctx, path, bundlePath)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("installer %s failed: %w", path, err)
		}
		return nil
	}
}

func rebootFunc() reboot.Func {
	return reboot.Real()
}

func parseDeviceData(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("invalid JSON object: %w", err)
	}
	return data, nil
}

func setupTelemetry(ctx context.Context, tracingEnabled, metricsEnabled bool, otlpEndpoint string) {
	tracerCfg := telemetry.DefaultConfig()
	tracerCfg.Enabled = tracingEnabled
	if tracingEnabled && otlpEndpoint != "" {
		tracerCfg.ExporterType = telemetry.ExporterOTLPGRPC
		tracerCfg.OTLPEndpoint = otlpEndpoint
	}
	if tracer, err := telemetry.NewTracer(ctx, tracerCfg); err == nil {
		telemetry.SetGlobalTracer(tracer)
	}

	metricsCfg := telemetry.DefaultMetricsConfig()
	metricsCfg.Enabled = metricsEnabled
	if metricsEnabled && otlpEndpoint != "" {
		metricsCfg.ExporterType = telemetry.ExporterOTLPGRPC
		metricsCfg.OTLPEndpoint = otlpEndpoint
	}
	if metrics, err := telemetry.NewMetrics(ctx, metricsCfg); err == nil {
		telemetry.SetGlobalMetrics(metrics)
	}
}
