package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vinterra/ddiagent/internal/ddiconfig"
)

func TestInitRejectsInvalidConfig(t *testing.T) {
	_, err := Init(&ddiconfig.Config{}, Options{})
	if err == nil {
		t.Fatal("expected an error for an empty config")
	}
}

func TestInitAcceptsValidConfig(t *testing.T) {
	cfg := &ddiconfig.Config{
		Host:                    "example.invalid",
		TenantID:                "DEFAULT",
		ControllerID:            "dev-1",
		ConnectTimeout:          2 * time.Second,
		RequestTimeout:          2 * time.Second,
		DefaultRetryWaitSeconds: 1,
		BundleDir:               t.TempDir(),
	}
	a, err := Init(cfg, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.CurrentActionID() != "" {
		t.Fatal("expected no deployment in flight right after init")
	}
}

func TestRunOneShotCompletesAndReturns(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	cfg := &ddiconfig.Config{
		Host:                    server.Listener.Addr().String(),
		TenantID:                "DEFAULT",
		ControllerID:            "dev-1",
		ConnectTimeout:          2 * time.Second,
		RequestTimeout:          2 * time.Second,
		DefaultRetryWaitSeconds: 1,
		BundleDir:               t.TempDir(),
		OneShot:                 true,
	}
	a, err := Init(cfg, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
}
