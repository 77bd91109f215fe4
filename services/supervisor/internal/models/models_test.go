package models

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func ptr[T any](v T) *T { return &v }

func TestSwitchStatusActivity(t *testing.T) {
	tests := []struct {
		name   string
		status SwitchStatus
		want   SwitchActivity
	}{
		{"off", SwitchStatus{Output: ptr(false), APower: ptr(0.0)}, ActivityOff},
		{"off with stale power", SwitchStatus{Output: ptr(false), APower: ptr(3.2)}, ActivityOff},
		{"idle", SwitchStatus{Output: ptr(true), APower: ptr(0.0)}, ActivityIdle},
		{"running", SwitchStatus{Output: ptr(true), APower: ptr(4.7)}, ActivityRunning},
		{"missing output", SwitchStatus{APower: ptr(1.0)}, ActivityError},
		{"missing apower", SwitchStatus{Output: ptr(true)}, ActivityError},
	}
	for _, tt := range tests {
		if got := tt.status.Activity(); got != tt.want {
			t.Errorf("%s: Activity() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestEnumStrings(t *testing.T) {
	if ActivityRunning.String() != "running" || ActivityError.String() != "error" {
		t.Errorf("unexpected activity names: %s %s", ActivityRunning, ActivityError)
	}
	if StateStandby.String() != "standby" || StateWarn.String() != "warn" {
		t.Errorf("unexpected state names: %s %s", StateStandby, StateWarn)
	}
	if SupervisorState(42).String() != "unknown" {
		t.Error("out of range state should be unknown")
	}
}

func TestCommunicationError(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := error(&CommunicationError{Device: "pre-amp", Op: "Switch.Set", Err: cause})
	if !errors.Is(err, cause) {
		t.Error("CommunicationError should unwrap to its cause")
	}

	var ce *CommunicationError
	wrapped := fmt.Errorf("tick: %w", &CommunicationError{Device: "receiver", Op: "PWON", StatusCode: 503})
	if !errors.As(wrapped, &ce) {
		t.Fatal("errors.As should find CommunicationError")
	}
	if ce.StatusCode != 503 {
		t.Errorf("StatusCode = %d, want 503", ce.StatusCode)
	}
	if !strings.Contains(ce.Error(), "unexpected status 503") {
		t.Errorf("Error() = %q", ce.Error())
	}
}
