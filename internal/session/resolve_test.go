package session

import "testing"

func TestResolveFlagOverride(t *testing.T) {
	if got := Resolve("custom"); got != "custom" {
		t.Errorf("Resolve = %q, want custom", got)
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"main", true},
		{"work_2025", true},
		{"a-b-c", true},
		{"", false},
		{"UPPER", false},
		{"has space", false},
		{"../escape", false},
	}
	for _, tt := range tests {
		err := ValidateName(tt.name)
		if tt.valid && err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", tt.name, err)
		}
		if !tt.valid && err == nil {
			t.Errorf("ValidateName(%q) = nil, want error", tt.name)
		}
	}
}
