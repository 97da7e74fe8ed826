package model

import "testing"

func TestStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"queued to processing", StatusQueued, StatusProcessing, true},
		{"queued to failed (cancel)", StatusQueued, StatusFailed, true},
		{"processing to completed", StatusProcessing, StatusCompleted, true},
		{"processing to failed", StatusProcessing, StatusFailed, true},
		{"failed to queued (retry)", StatusFailed, StatusQueued, true},
		{"completed is terminal", StatusCompleted, StatusQueued, false},
		{"queued to completed is illegal", StatusQueued, StatusCompleted, false},
		{"processing to queued is illegal", StatusProcessing, StatusQueued, false},
		{"failed to processing is illegal", StatusFailed, StatusProcessing, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestStatus_IsValid(t *testing.T) {
	valid := []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed}
	for _, s := range valid {
		if !s.IsValid() {
			t.Errorf("%s should be valid", s)
		}
	}

	if Status("bogus").IsValid() {
		t.Error("bogus status should not be valid")
	}
}
