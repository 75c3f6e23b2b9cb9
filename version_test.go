package main

import (
	"strings"
	"testing"
)

func TestGetVersion(t *testing.T) {
	if GetVersion() != Version {
		t.Errorf("GetVersion() = %q, want %q", GetVersion(), Version)
	}
	if !strings.HasPrefix(GetVersion(), "v") {
		t.Errorf("version %q should start with v", GetVersion())
	}
}

func TestGetFullVersion(t *testing.T) {
	full := GetFullVersion()
	if !strings.Contains(full, AppName) {
		t.Errorf("full version %q missing app name", full)
	}
	if !strings.Contains(full, Version) {
		t.Errorf("full version %q missing version", full)
	}
}
