package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	if got := GetEnv("PA_TEST_NONEXISTENT_VAR", "default"); got != "default" {
		t.Errorf("Expected 'default', got %q", got)
	}

	t.Setenv("PA_TEST_GET_ENV", "custom")
	if got := GetEnv("PA_TEST_GET_ENV", "default"); got != "custom" {
		t.Errorf("Expected 'custom', got %q", got)
	}
}

func TestGetIntEnv(t *testing.T) {
	if got := GetIntEnv("PA_TEST_NONEXISTENT_INT", 500); got != 500 {
		t.Errorf("Expected 500, got %d", got)
	}

	t.Setenv("PA_TEST_INT_ENV", "100")
	if got := GetIntEnv("PA_TEST_INT_ENV", 500); got != 100 {
		t.Errorf("Expected 100, got %d", got)
	}

	t.Setenv("PA_TEST_INVALID_INT", "lots")
	if got := GetIntEnv("PA_TEST_INVALID_INT", 500); got != 500 {
		t.Errorf("Expected 500 for invalid int, got %d", got)
	}
}

func TestGetBoolEnv(t *testing.T) {
	tests := []struct {
		value    string
		def      bool
		expected bool
	}{
		{"", true, true},
		{"", false, false},
		{"true", false, true},
		{"1", false, true},
		{"yes", false, true},
		{"ON", false, true},
		{"false", true, false},
		{"0", true, false},
		{"no", true, false},
		{"maybe", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("PA_TEST_BOOL_ENV", tt.value)
			if got := GetBoolEnv("PA_TEST_BOOL_ENV", tt.def); got != tt.expected {
				t.Errorf("GetBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.expected)
			}
		})
	}
}

func TestGetDurationEnv(t *testing.T) {
	defaultDuration := 5 * time.Second

	if got := GetDurationEnv("PA_TEST_NONEXISTENT_DURATION", defaultDuration); got != defaultDuration {
		t.Errorf("Expected %v, got %v", defaultDuration, got)
	}

	t.Setenv("PA_TEST_DURATION_ENV", "250ms")
	if got := GetDurationEnv("PA_TEST_DURATION_ENV", defaultDuration); got != 250*time.Millisecond {
		t.Errorf("Expected 250ms, got %v", got)
	}

	t.Setenv("PA_TEST_INVALID_DURATION", "soon")
	if got := GetDurationEnv("PA_TEST_INVALID_DURATION", defaultDuration); got != defaultDuration {
		t.Errorf("Expected %v for invalid duration, got %v", defaultDuration, got)
	}
}

func TestGetListEnv(t *testing.T) {
	if got := GetListEnv("PA_TEST_NONEXISTENT_LIST"); got != nil {
		t.Errorf("Expected nil, got %v", got)
	}

	t.Setenv("PA_TEST_LIST_ENV", "http://etcd-0:2379, ,http://etcd-1:2379,")
	got := GetListEnv("PA_TEST_LIST_ENV")
	want := []string{"http://etcd-0:2379", "http://etcd-1:2379"}
	if !slices.Equal(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestGetSecretFile(t *testing.T) {
	if got := GetSecretFile(""); got != "" {
		t.Errorf("Expected empty string for empty path, got %q", got)
	}
	if got := GetSecretFile("/nonexistent/path/to/secret"); got != "" {
		t.Errorf("Expected empty string for nonexistent file, got %q", got)
	}

	path := filepath.Join(t.TempDir(), "api-key")
	if err := os.WriteFile(path, []byte("s3cr3t\n"), 0o600); err != nil {
		t.Fatalf("Failed to write secret: %v", err)
	}
	if got := GetSecretFile(path); got != "s3cr3t" {
		t.Errorf("Expected %q, got %q", "s3cr3t", got)
	}
}
