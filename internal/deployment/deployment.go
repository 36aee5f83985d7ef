// Package deployment implements the DDI deployment workflow: resolving the
// deploymentBase link into an action and its one artifact, running exactly
// one download/install worker at a time, and reporting progress and
// terminal feedback back to the server.
package deployment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vinterra/ddiagent/internal/ddiclient"
	"github.com/vinterra/ddiagent/internal/ddiconfig"
	"github.com/vinterra/ddiagent/internal/diagnostics"
	"github.com/vinterra/ddiagent/internal/diskutil"
	"github.com/vinterra/ddiagent/internal/download"
	"github.com/vinterra/ddiagent/internal/feedback"
	"github.com/vinterra/ddiagent/internal/jsonpath"
	"github.com/vinterra/ddiagent/internal/telemetry"
)

// Artifact describes the single binary payload a deployment carries. Only
// the first chunk's first artifact is used; anything beyond that is logged
// and ignored.
type Artifact struct {
	Filename    string
	SizeBytes   int64
	SHA1        string
	DownloadURL string
}

// Action is a resolved deployment: an id, a feedback URL to report against,
// and the one artifact to fetch and install.
type Action struct {
	ID          string
	Name        string
	Version     string
	FeedbackURL string
	Artifact    Artifact
}

// ErrAlreadyInProgress is returned when a deployment is offered while
// another action's worker is still running.
type ErrAlreadyInProgress struct {
	ExistingActionID string
}

func (e *ErrAlreadyInProgress) Error() string {
	return fmt.Sprintf("deployment: action %s already in progress", e.ExistingActionID)
}

// ErrNoSpace is returned when the target filesystem doesn't have enough
// free space for the offered artifact.
type ErrNoSpace struct {
	ActionID  string
	Available uint64
	Required  int64
}

func (e *ErrNoSpace) Error() string {
	return fmt.Sprintf("deployment: action %s needs %d bytes, %d available", e.ActionID, e.Required, e.Available)
}

// ErrMalformedResponse is returned when a deployment resource is missing a
// field the workflow requires: an id, a chunk, an artifact, or a download
// link.
type ErrMalformedResponse struct {
	Reason string
}

func (e *ErrMalformedResponse) Error() string {
	return fmt.Sprintf("deployment: malformed deployment response: %s", e.Reason)
}

// InstallFunc is the installer boundary: given the path to a verified bundle
// on disk, it performs the actual update and reports success or failure.
// The agent treats this as an opaque, potentially slow, blocking call.
type InstallFunc func(ctx context.Context, bundlePath string) error

// RebootFunc requests an OS reboot. It is injected so tests can assert it
// was invoked without actually rebooting the machine.
type RebootFunc func() error

// Manager runs at most one deployment worker at a time and tracks the
// currently active action id so a second offer can be rejected before any
// work starts.
type Manager struct {
	cfg     *ddiconfig.Config
	client  *ddiclient.Client
	install InstallFunc
	reboot  RebootFunc

	mu       sync.Mutex
	actionID string
	done     chan struct{}
}

// NewManager builds a Manager. install may be nil, in which case every
// verified bundle is reported as a failed deployment ("no installer
// configured"); reboot may be nil, in which case no reboot is requested.
func NewManager(cfg *ddiconfig.Config, client *ddiclient.Client, install InstallFunc, reboot RebootFunc) *Manager {
	return &Manager{cfg: cfg, client: client, install: install, reboot: reboot}
}

// CurrentActionID returns the action id currently owned by a running
// worker, or "" if none is in flight.
func (m *Manager) CurrentActionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.actionID != "" && !m.workerFinished() {
		return m.actionID
	}
	return ""
}

// Join blocks until any in-flight download worker has finished, or until
// ctx is done, whichever comes first. It is a no-op if no worker has ever
// been started. Callers join this way at process shutdown, mirroring the
// join that HandleDeploymentBase performs before starting a new worker.
func (m *Manager) Join(ctx context.Context) {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// workerFinished reports whether the tracked worker has already completed.
// Callers must hold m.mu.
func (m *Manager) workerFinished() bool {
	if m.done == nil {
		return true
	}
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// HandleDeploymentBase resolves href into an Action and, if no other action
// is in progress, starts a worker for it. A stale finished worker handle is
// joined (drained) before the new one replaces it.
func (m *Manager) HandleDeploymentBase(ctx context.Context, href string) error {
	m.mu.Lock()
	if m.actionID != "" {
		if !m.workerFinished() {
			existing := m.actionID
			m.mu.Unlock()
			diagnostics.GetGlobalEventLogger().LogDeploymentRejected(existing)
			return &ErrAlreadyInProgress{ExistingActionID: existing}
		}
		<-m.done // join: make sure the prior worker's goroutine has fully exited
	}
	m.mu.Unlock()

	action, err := m.resolveDeployment(ctx, href)
	if err != nil {
		diagnostics.GetGlobalEventLogger().LogDeploymentFailure("", err.Error())
		return err
	}

	ok, err := diskutil.HasSpaceFor(m.cfg.BundleDir, action.Artifact.SizeBytes)
	if err != nil {
		return fmt.Errorf("deployment: check free space: %w", err)
	}
	if !ok {
		free, _ := diskutil.FreeBytes(m.cfg.BundleDir)
		m.reportTerminal(ctx, action, false, "Not enough free space.")
		return &ErrNoSpace{ActionID: action.ID, Available: free, Required: action.Artifact.SizeBytes}
	}

	done := make(chan struct{})
	m.mu.Lock()
	m.actionID = action.ID
	m.done = done
	m.mu.Unlock()

	diagnostics.GetGlobalEventLogger().LogDeploymentStart(action.ID, action.Name, action.Version, action.Artifact.SizeBytes)
	telemetry.GetGlobalMetrics().RecordDeployment(ctx, "started")

	go m.runWorker(action, done)

	return nil
}

// resolveDeployment fetches href and extracts the action id, feedback URL,
// and first chunk's first artifact, warning (but not failing) if the
// deployment carries more than one chunk or artifact.
func (m *Manager) resolveDeployment(ctx context.Context, href string) (Action, error) {
	var doc interface{}
	if err := m.client.Get(ctx, href, &doc); err != nil {
		return Action{}, fmt.Errorf("deployment: fetch deploymentBase: %w", err)
	}

	id, ok := jsonpath.GetString(doc, ".id")
	if !ok {
		return Action{}, &ErrMalformedResponse{Reason: "response has no id"}
	}

	feedbackURL, ok := jsonpath.GetString(doc, "._links.feedback.href")
	if !ok {
		feedbackURL = href + "/feedback"
	}

	chunks, err := jsonpath.Get(doc, ".deployment.chunks")
	if err != nil {
		return Action{}, &ErrMalformedResponse{Reason: "read chunks: " + err.Error()}
	}
	chunkList, _ := chunks.([]interface{})
	if len(chunkList) == 0 {
		return Action{}, &ErrMalformedResponse{Reason: "no chunks in response"}
	}

	artifacts, _ := jsonpath.Get(doc, ".deployment.chunks[0].artifacts")
	artifactList, _ := artifacts.([]interface{})
	if len(artifactList) == 0 {
		return Action{}, &ErrMalformedResponse{Reason: "no artifacts in first chunk"}
	}
	if len(chunkList) > 1 || len(artifactList) > 1 {
		diagnostics.GetGlobalEventLogger().LogMultiChunkWarning(id, len(chunkList), len(artifactList))
	}

	name, _ := jsonpath.GetString(doc, ".deployment.chunks[0].name")
	version, _ := jsonpath.GetString(doc, ".deployment.chunks[0].version")
	filename, _ := jsonpath.GetString(doc, ".deployment.chunks[0].artifacts[0].filename")
	sha1sum, _ := jsonpath.GetString(doc, ".deployment.chunks[0].artifacts[0].hashes.sha1")
	size, _ := jsonpath.GetFloat(doc, ".deployment.chunks[0].artifacts[0].size")

	// Prefer the HTTPS download link; fall back to the HTTP one only when
	// the server doesn't offer the HTTPS variant.
	downloadURL, ok := jsonpath.GetString(doc, ".deployment.chunks[0].artifacts[0]._links.download.href")
	if !ok {
		downloadURL, ok = jsonpath.GetString(doc, ".deployment.chunks[0].artifacts[0]._links.download-http.href")
	}
	if !ok {
		reason := "artifact has no download link"
		m.reportTerminal(ctx, Action{ID: id, Name: name, Version: version, FeedbackURL: feedbackURL}, false, reason)
		return Action{}, &ErrMalformedResponse{Reason: reason}
	}

	return Action{
		ID:          id,
		Name:        name,
		Version:     version,
		FeedbackURL: feedbackURL,
		Artifact: Artifact{
			Filename:    filename,
			SizeBytes:   int64(size),
			SHA1:        sha1sum,
			DownloadURL: downloadURL,
		},
	}, nil
}

// runWorker downloads, verifies, and installs action's artifact, reporting
// progress and a terminal outcome, then clears the manager's action slot.
func (m *Manager) runWorker(action Action, done chan struct{}) {
	defer close(done)

	ctx := context.Background()
	logger := diagnostics.GetGlobalEventLogger()

	destPath := filepath.Join(m.cfg.BundleDir, action.ID+"-"+action.Artifact.Filename)

	onProgress := func(avgBytesPerSec float64) {
		logger.LogDownloadProgress(action.ID, avgBytesPerSec)
		m.reportProgress(ctx, action, fmt.Sprintf("downloading: %.0f B/s", avgBytesPerSec))
	}

	authName, authValue, _ := m.cfg.AuthHeader()
	result, err := download.Download(ctx, m.client.HTTPClient(), action.Artifact.DownloadURL, destPath, action.Artifact.SHA1, action.ID, authName, authValue, onProgress)
	if err != nil {
		if mismatch, ok := err.(*download.ErrChecksumMismatch); ok {
			logger.LogChecksumMismatch(action.ID, mismatch.Expected, mismatch.Computed)
		}
		logger.LogDeploymentFailure(action.ID, err.Error())
		telemetry.GetGlobalMetrics().RecordDeployment(ctx, "download_failed")
		m.reportTerminal(ctx, action, false, "download failed: "+err.Error())
		m.clear(destPath)
		return
	}
	avgMBps := 0.0
	if secs := result.Duration.Seconds(); secs > 0 {
		avgMBps = float64(result.BytesWritten) / secs / 1e6
	}
	m.reportProgress(ctx, action, fmt.Sprintf("Download complete. %.2f MB/s", avgMBps))

	logger.LogChecksumOK(action.ID)
	m.reportProgress(ctx, action, "File checksum OK.")

	if m.install == nil {
		logger.LogDeploymentFailure(action.ID, "no installer configured")
		m.reportTerminal(ctx, action, false, "no installer configured")
		m.clear(destPath)
		return
	}

	installErr := m.install(ctx, destPath)
	success := installErr == nil
	logger.LogInstallResult(action.ID, success)
	if success {
		telemetry.GetGlobalMetrics().RecordDeployment(ctx, "success")
		m.reportTerminal(ctx, action, true, "Software bundle installed successful.")
	} else {
		telemetry.GetGlobalMetrics().RecordDeployment(ctx, "install_failed")
		m.reportTerminal(ctx, action, false, "Failed to install software bundle.")
	}

	if success && m.cfg.RebootAfterInstall && m.reboot != nil {
		rebootErr := m.reboot()
		logger.LogReboot(action.ID, rebootErr)
	}

	m.clear(destPath)
}

// clear drops the manager's action slot and removes the local bundle file,
// if present. The bundle only exists between start-of-download and terminal
// feedback; both success and failure paths call this once they're done with
// it.
func (m *Manager) clear(bundlePath string) {
	if bundlePath != "" {
		if err := os.Remove(bundlePath); err != nil && !os.IsNotExist(err) {
			diagnostics.GetGlobalEventLogger().LogDeploymentFailure(m.actionID, "bundle cleanup failed: "+err.Error())
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actionID = ""
}

func (m *Manager) reportProgress(ctx context.Context, action Action, detail string) {
	env := feedback.Progress(time.Now(), detail)
	env.ID = action.ID
	if err := m.client.PostJSON(ctx, action.FeedbackURL, env, "feedback"); err != nil {
		diagnostics.GetGlobalEventLogger().LogDeploymentFailure(action.ID, "progress feedback post failed: "+err.Error())
		return
	}
	diagnostics.GetGlobalEventLogger().LogFeedbackSent(action.ID, string(env.Status.Execution), string(env.Status.Result.Finished))
}

func (m *Manager) reportTerminal(ctx context.Context, action Action, success bool, detail string) {
	env := feedback.Terminal(time.Now(), success, detail)
	env.ID = action.ID
	err := m.client.PostJSON(ctx, action.FeedbackURL, env, "feedback")
	diagnostics.GetGlobalEventLogger().LogFeedbackSent(action.ID, string(env.Status.Execution), string(env.Status.Result.Finished))
	if err != nil {
		diagnostics.GetGlobalEventLogger().LogDeploymentFailure(action.ID, "feedback post failed: "+err.Error())
	}
}
