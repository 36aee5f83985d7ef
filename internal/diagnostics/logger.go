// Package diagnostics provides structured logging for the agent's lifecycle
// events: poll cycles, deployment transitions, download progress, and
// installer outcomes.
package diagnostics

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// EventLogger emits structured JSON log lines for the agent's key events.
type EventLogger struct {
	logger       *slog.Logger
	controllerID string
}

// NewEventLogger creates an EventLogger with JSON output to stdout, tagging
// every line with the controller id so multi-device log aggregation can
// filter by device.
func NewEventLogger(controllerID string) *EventLogger {
	return NewEventLoggerWithWriter(controllerID, os.Stdout)
}

// NewEventLoggerWithWriter creates an EventLogger writing to w. Useful for
// tests or for redirecting to a file alongside the external log backend.
func NewEventLoggerWithWriter(controllerID string, w io.Writer) *EventLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(handler).With("controller_id", controllerID)
	return &EventLogger{logger: logger, controllerID: controllerID}
}

// LogPollCycle logs the outcome of one base-resource poll.
// event: "poll_cycle"
func (el *EventLogger) LogPollCycle(intervalSeconds int, ok bool) {
	el.logger.Info("poll_cycle", "interval_s", intervalSeconds, "ok", ok)
}

// LogPollFailure logs a failed poll cycle.
// event: "poll_failure"
func (el *EventLogger) LogPollFailure(statusCode int, unauthorized bool, tokenKind string, reason string) {
	el.logger.Warn("poll_failure",
		"status_code", statusCode,
		"unauthorized", unauthorized,
		"token_kind", tokenKind,
		"reason", reason,
	)
}

// LogIdentifySent logs a successful identify (configData) PUT.
// event: "identify_sent"
func (el *EventLogger) LogIdentifySent() {
	el.logger.Info("identify_sent")
}

// LogIdentifyFailure logs a non-fatal identify failure.
// event: "identify_failure"
func (el *EventLogger) LogIdentifyFailure(reason string) {
	el.logger.Warn("identify_failure", "reason", reason)
}

// LogDeploymentStart logs the adoption of a new action id.
// event: "deployment_start"
func (el *EventLogger) LogDeploymentStart(actionID, name, version string, sizeBytes int64) {
	el.logger.Info("deployment_start",
		"action_id", actionID,
		"name", name,
		"version", version,
		"size_bytes", sizeBytes,
	)
}

// LogDeploymentRejected logs an already-in-progress rejection at debug level
// — this is an expected, frequent condition while a worker is running, not a
// warning-worthy one.
// event: "deployment_rejected"
func (el *EventLogger) LogDeploymentRejected(existingActionID string) {
	el.logger.Debug("deployment_rejected", "existing_action_id", existingActionID)
}

// LogDeploymentFailure logs any other deployment-workflow failure.
// event: "deployment_failure"
func (el *EventLogger) LogDeploymentFailure(actionID, reason string) {
	el.logger.Warn("deployment_failure", "action_id", actionID, "reason", reason)
}

// LogMultiChunkWarning surfaces the single-artifact limitation per deployment.
// event: "multi_chunk_ignored"
func (el *EventLogger) LogMultiChunkWarning(actionID string, chunkCount, artifactCount int) {
	el.logger.Warn("multi_chunk_ignored",
		"action_id", actionID,
		"chunk_count", chunkCount,
		"artifact_count", artifactCount,
	)
}

// LogDownloadProgress logs the running average throughput of an in-flight
// bundle download.
// event: "download_progress"
func (el *EventLogger) LogDownloadProgress(actionID string, avgBytesPerSec float64) {
	el.logger.Info("download_progress", "action_id", actionID, "avg_bytes_per_sec", avgBytesPerSec)
}

// LogChecksumMismatch logs a SHA-1 mismatch.
// event: "checksum_mismatch"
func (el *EventLogger) LogChecksumMismatch(actionID, expected, computed string) {
	el.logger.Warn("checksum_mismatch", "action_id", actionID, "expected", expected, "computed", computed)
}

// LogChecksumOK logs a successful checksum verification.
// event: "checksum_ok"
func (el *EventLogger) LogChecksumOK(actionID string) {
	el.logger.Info("checksum_ok", "action_id", actionID)
}

// LogFeedbackSent logs a feedback POST/PUT outcome.
// event: "feedback_sent"
func (el *EventLogger) LogFeedbackSent(actionID, execution, finished string) {
	el.logger.Info("feedback_sent", "action_id", actionID, "execution", execution, "finished", finished)
}

// LogInstallResult logs the installer's completion callback outcome.
// event: "install_result"
func (el *EventLogger) LogInstallResult(actionID string, success bool) {
	el.logger.Info("install_result", "action_id", actionID, "success", success)
}

// LogReboot logs a reboot request and its outcome.
// event: "reboot"
func (el *EventLogger) LogReboot(actionID string, err error) {
	if err != nil {
		el.logger.Error("reboot", "action_id", actionID, "error", err.Error())
		return
	}
	el.logger.Info("reboot", "action_id", actionID)
}

// LogCancelIgnored logs a recognized-but-unsupported cancelAction link.
// event: "cancel_ignored"
func (el *EventLogger) LogCancelIgnored() {
	el.logger.Warn("cancel_ignored", "reason", "cancel action not supported")
}

// Global logger management, mirroring the publish-then-read pattern used for
// the agent's other process-wide state.
var (
	globalLogger *EventLogger
	globalMu     sync.RWMutex
)

// SetGlobalEventLogger sets the global event logger instance.
func SetGlobalEventLogger(l *EventLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// GetGlobalEventLogger returns the global event logger instance, or a no-op
// logger if none has been set.
func GetGlobalEventLogger() *EventLogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return NoopEventLogger()
}

var (
	noopLogger     *EventLogger
	noopLoggerOnce sync.Once
)

// NoopEventLogger returns a singleton event logger that discards all events.
func NoopEventLogger() *EventLogger {
	noopLoggerOnce.Do(func() {
		noopLogger = NewEventLoggerWithWriter("", io.Discard)
	})
	return noopLogger
}
