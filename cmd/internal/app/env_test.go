package app

import (
	"testing"
	"time"
)

func TestEnvHelpersDefaults(t *testing.T) {
	if got := EnvString("SF_TEST_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("EnvString = %q", got)
	}
	if got := EnvInt("SF_TEST_UNSET", 7); got != 7 {
		t.Fatalf("EnvInt = %d", got)
	}
	if got := EnvDuration("SF_TEST_UNSET", time.Minute); got != time.Minute {
		t.Fatalf("EnvDuration = %v", got)
	}
}

func TestEnvHelpersParse(t *testing.T) {
	t.Setenv("SF_TEST_BOOL", "true")
	t.Setenv("SF_TEST_INT", "42")
	t.Setenv("SF_TEST_DUR", "90s")
	t.Setenv("SF_TEST_BAD_INT", "-3")

	if !EnvBool("SF_TEST_BOOL", false) {
		t.Fatal("EnvBool did not parse true")
	}
	if got := EnvInt("SF_TEST_INT", 1); got != 42 {
		t.Fatalf("EnvInt = %d", got)
	}
	if got := EnvDuration("SF_TEST_DUR", time.Second); got != 90*time.Second {
		t.Fatalf("EnvDuration = %v", got)
	}
	// Non-positive values fall back to the default.
	if got := EnvInt("SF_TEST_BAD_INT", 5); got != 5 {
		t.Fatalf("EnvInt(-3) = %d", got)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()
	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.AccessTTL != 15*time.Minute {
		t.Fatalf("AccessTTL = %v", cfg.AccessTTL)
	}
	if cfg.RefreshTTL != 14*24*time.Hour {
		t.Fatalf("RefreshTTL = %v", cfg.RefreshTTL)
	}
	if cfg.MaxRotations != 100 {
		t.Fatalf("MaxRotations = %d", cfg.MaxRotations)
	}
}
