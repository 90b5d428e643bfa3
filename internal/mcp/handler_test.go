package mcp

import (
	"testing"
)

func TestClamp(t *testing.T) {
	tests := []struct {
		name     string
		val      int
		min      int
		max      int
		expected int
	}{
		{"value in range", 25, 1, 100, 25},
		{"value below min", -3, 1, 100, 1},
		{"value above max", 500, 1, 100, 100},
		{"value equals min", 1, 1, 100, 1},
		{"value equals max", 100, 1, 100, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clamp(tt.val, tt.min, tt.max)
			if got != tt.expected {
				t.Errorf("clamp(%d, %d, %d) = %d, want %d", tt.val, tt.min, tt.max, got, tt.expected)
			}
		})
	}
}

func TestAnnotations(t *testing.T) {
	ro := readOnlyAnnotation()
	if ro.ReadOnlyHint == nil || !*ro.ReadOnlyHint {
		t.Error("readOnlyAnnotation should set ReadOnlyHint true")
	}

	mut := mutatingAnnotation()
	if mut.ReadOnlyHint == nil || *mut.ReadOnlyHint {
		t.Error("mutatingAnnotation should set ReadOnlyHint false")
	}
}

func TestSuccessJSON(t *testing.T) {
	result, err := successJSON(map[string]any{"ok": true})
	if err != nil {
		t.Fatalf("successJSON: %v", err)
	}
	if result.IsError {
		t.Error("successJSON result should not be an error")
	}
}

func TestToolError(t *testing.T) {
	result, err := toolError("bad input %q", "x")
	if err != nil {
		t.Fatalf("toolError: %v", err)
	}
	if !result.IsError {
		t.Error("toolError result should be flagged as error")
	}
}
