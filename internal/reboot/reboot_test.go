package reboot

import "testing"

func TestNoopAlwaysSucceeds(t *testing.T) {
	if err := Noop()(); err != nil {
		t.Fatalf("expected no error from Noop, got %v", err)
	}
}
