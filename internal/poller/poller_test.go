package poller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vinterra/ddiagent/internal/ddiclient"
	"github.com/vinterra/ddiagent/internal/ddiconfig"
	"github.com/vinterra/ddiagent/internal/deployment"
)

func TestParseHHMMSS(t *testing.T) {
	cases := map[string]int{
		"00:00:05": 5,
		"00:01:00": 60,
		"01:00:00": 3600,
		"00:02:30": 150,
	}
	for in, want := range cases {
		got, err := parseHHMMSS(in)
		if err != nil {
			t.Fatalf("unexpected error parsing %q: %v", in, err)
		}
		if got != want {
			t.Errorf("parseHHMMSS(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestParseHHMMSSRejectsMalformed(t *testing.T) {
	if _, err := parseHHMMSS("not-a-duration"); err == nil {
		t.Fatal("expected an error for a malformed duration string")
	}
}

func testConfig(t *testing.T, host string) *ddiconfig.Config {
	t.Helper()
	return &ddiconfig.Config{
		Host:                    host,
		TenantID:                "DEFAULT",
		ControllerID:            "dev-1",
		ConnectTimeout:          2 * time.Second,
		RequestTimeout:          2 * time.Second,
		DefaultRetryWaitSeconds: 30,
		BundleDir:               t.TempDir(),
	}
}

func TestPollOnceUpdatesIntervalFromServerSleep(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"config":{"polling":{"sleep":"00:00:07"}}}`))
	}))
	defer server.Close()

	cfg := testConfig(t, server.Listener.Addr().String())
	client := ddiclient.New(cfg)
	mgr := deployment.NewManager(cfg, client, nil, nil)
	p := New(cfg, client, mgr)

	if err := p.pollOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.intervalSeconds != 7 {
		t.Fatalf("expected interval to update to 7, got %d", p.intervalSeconds)
	}
}

func TestPollOnceReturnsErrorOnUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	cfg := testConfig(t, server.Listener.Addr().String())
	client := ddiclient.New(cfg)
	mgr := deployment.NewManager(cfg, client, nil, nil)
	p := New(cfg, client, mgr)

	if err := p.pollOnce(context.Background()); err == nil {
		t.Fatal("expected an error for a 401 poll response")
	}
}

func TestRunOneShotPerformsExactlyOnePoll(t *testing.T) {
	var requestCount int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount++
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	cfg := testConfig(t, server.Listener.Addr().String())
	cfg.OneShot = true
	client := ddiclient.New(cfg)
	mgr := deployment.NewManager(cfg, client, nil, nil)
	p := New(cfg, client, mgr)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if requestCount != 1 {
		t.Fatalf("expected exactly one poll request, got %d", requestCount)
	}
}
