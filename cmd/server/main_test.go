package main

import (
	"testing"
	"time"
)

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "value", "later"); got != "value" {
		t.Fatalf("firstNonEmpty = %q", got)
	}
	if got := firstNonEmpty("", "   "); got != "" {
		t.Fatalf("firstNonEmpty = %q, want empty", got)
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(" https://a.example.com , ,https://b.example.com ")
	if len(got) != 2 || got[0] != "https://a.example.com" || got[1] != "https://b.example.com" {
		t.Fatalf("splitAndTrim = %v", got)
	}
	if got := splitAndTrim("  "); got != nil {
		t.Fatalf("splitAndTrim of blank = %v, want nil", got)
	}
}

func TestResolveStorageDriver(t *testing.T) {
	cases := []struct {
		flagValue string
		envValue  string
		dsn       string
		want      string
	}{
		{"postgres", "", "", "postgres"},
		{"", "Memory", "postgres://x", "memory"},
		{"", "", "postgres://x", "postgres"},
		{"", "", "", "memory"},
	}
	for _, tc := range cases {
		if got := resolveStorageDriver(tc.flagValue, tc.envValue, tc.dsn); got != tc.want {
			t.Errorf("resolveStorageDriver(%q, %q, %q) = %q, want %q", tc.flagValue, tc.envValue, tc.dsn, got, tc.want)
		}
	}
}

func TestOpenStoreValidation(t *testing.T) {
	if _, err := openStore("postgres", ""); err == nil {
		t.Fatal("postgres driver without DSN must fail")
	}
	if _, err := openStore("cassandra", ""); err == nil {
		t.Fatal("unknown driver must fail")
	}
	store, err := openStore("", "")
	if err != nil || store == nil {
		t.Fatalf("default driver: %v", err)
	}
}

func TestResolveIntFromEnv(t *testing.T) {
	t.Setenv("CLIPFORGE_TEST_INT", "7")
	if got := resolveInt(0, "CLIPFORGE_TEST_INT"); got != 7 {
		t.Fatalf("resolveInt = %d", got)
	}
	if got := resolveInt(3, "CLIPFORGE_TEST_INT"); got != 3 {
		t.Fatalf("flag must win, got %d", got)
	}
	t.Setenv("CLIPFORGE_TEST_INT", "bogus")
	if got := resolveInt(0, "CLIPFORGE_TEST_INT"); got != 0 {
		t.Fatalf("invalid env must yield zero, got %d", got)
	}
}

func TestResolveDurationFromEnv(t *testing.T) {
	t.Setenv("CLIPFORGE_TEST_DURATION", "90s")
	if got := resolveDuration(0, "CLIPFORGE_TEST_DURATION"); got != 90*time.Second {
		t.Fatalf("resolveDuration = %v", got)
	}
	if got := resolveDuration(time.Minute, "CLIPFORGE_TEST_DURATION"); got != time.Minute {
		t.Fatalf("flag must win, got %v", got)
	}
}

func TestResolveBoolFromEnv(t *testing.T) {
	t.Setenv("CLIPFORGE_TEST_BOOL", "true")
	if !resolveBool(false, "CLIPFORGE_TEST_BOOL") {
		t.Fatal("env true not honoured")
	}
	t.Setenv("CLIPFORGE_TEST_BOOL", "nope")
	if resolveBool(false, "CLIPFORGE_TEST_BOOL") {
		t.Fatal("invalid env treated as true")
	}
}
