package feedback

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTimestampFormat(t *testing.T) {
	tm := time.Date(2026, 1, 31, 10, 11, 12, 0, time.UTC)
	if got := timestamp(tm); got != "20260131T101112" {
		t.Fatalf("unexpected timestamp: %q", got)
	}
}

func TestProgressEnvelopeFields(t *testing.T) {
	tm := time.Date(2026, 1, 31, 10, 11, 12, 0, time.UTC)
	env := Progress(tm, "downloading: 42%")

	if env.Status.Execution != ExecutionProceeding {
		t.Errorf("expected proceeding execution, got %s", env.Status.Execution)
	}
	if env.Status.Result.Finished != FinishedNone {
		t.Errorf("expected finished=none, got %s", env.Status.Result.Finished)
	}
	if len(env.Status.Details) != 1 || env.Status.Details[0] != "downloading: 42%" {
		t.Errorf("unexpected details: %v", env.Status.Details)
	}
}

func TestTerminalEnvelopeSuccess(t *testing.T) {
	env := Terminal(time.Now(), true, "installed")
	if env.Status.Execution != ExecutionClosed {
		t.Errorf("expected closed execution, got %s", env.Status.Execution)
	}
	if env.Status.Result.Finished != FinishedSuccess {
		t.Errorf("expected finished=success, got %s", env.Status.Result.Finished)
	}
}

func TestTerminalEnvelopeFailure(t *testing.T) {
	env := Terminal(time.Now(), false, "install failed")
	if env.Status.Result.Finished != FinishedFailure {
		t.Errorf("expected finished=failure, got %s", env.Status.Result.Finished)
	}
}

func TestAlreadyInProgressMentionsExistingAction(t *testing.T) {
	env := AlreadyInProgress(time.Now(), "17")
	if len(env.Status.Details) != 1 {
		t.Fatal("expected one detail line")
	}
	if env.Status.Details[0] != "rejected: action 17 already in progress" {
		t.Fatalf("unexpected detail: %q", env.Status.Details[0])
	}
}

func TestIdentifyCarriesDeviceData(t *testing.T) {
	data := map[string]string{"hw_revision": "3", "serial": "abc"}
	report := Identify(time.Now(), data)
	if report.Data["hw_revision"] != "3" {
		t.Fatal("expected device data to be carried verbatim")
	}
}

func TestEnvelopeMarshalsOmitEmptyID(t *testing.T) {
	env := Progress(time.Now(), "")
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("unexpected marshal error: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unexpected unmarshal error: %v", err)
	}
	if _, present := decoded["id"]; present {
		t.Fatal("expected id to be omitted when empty")
	}
	status := decoded["status"].(map[string]interface{})
	if _, present := status["details"]; present {
		t.Fatal("expected details to be omitted when detail string is empty")
	}
}
