package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultFallbackPorts(t *testing.T) {
	ports := DefaultFallbackPorts()

	if len(ports.RPC) != 6 || ports.RPC[0] != 16634 {
		t.Errorf("unexpected RPC fallback list: %v", ports.RPC)
	}
	if len(ports.SSH) != 4 || ports.SSH[0] != 2222 {
		t.Errorf("unexpected SSH fallback list: %v", ports.SSH)
	}
}

func TestLoadFallbackPorts_NoFile(t *testing.T) {
	ports, err := LoadFallbackPorts("")
	if err != nil {
		t.Fatalf("LoadFallbackPorts(\"\") error: %v", err)
	}
	if len(ports.RPC) == 0 || len(ports.SSH) == 0 {
		t.Error("empty path should return defaults")
	}
}

func TestLoadFallbackPorts_Override(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ports.yaml")
	if err := os.WriteFile(path, []byte("rpc: [16700]\nssh: [2300, 22]\n"), 0644); err != nil {
		t.Fatal(err)
	}

	ports, err := LoadFallbackPorts(path)
	if err != nil {
		t.Fatalf("LoadFallbackPorts error: %v", err)
	}
	if len(ports.RPC) != 1 || ports.RPC[0] != 16700 {
		t.Errorf("RPC override not applied: %v", ports.RPC)
	}
	if len(ports.SSH) != 2 || ports.SSH[0] != 2300 {
		t.Errorf("SSH override not applied: %v", ports.SSH)
	}
}

func TestLoadFallbackPorts_PartialOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ports.yaml")
	if err := os.WriteFile(path, []byte("rpc: [16700]\n"), 0644); err != nil {
		t.Fatal(err)
	}

	ports, err := LoadFallbackPorts(path)
	if err != nil {
		t.Fatalf("LoadFallbackPorts error: %v", err)
	}
	if len(ports.SSH) != 4 {
		t.Errorf("SSH list should keep defaults when not overridden: %v", ports.SSH)
	}
}

func TestLoadFallbackPorts_BrokenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ports.yaml")
	if err := os.WriteFile(path, []byte("rpc: [not-a-port"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadFallbackPorts(path); err == nil {
		t.Error("broken YAML should be an error, not a silent fallback")
	}
}

func TestSettings_Durations(t *testing.T) {
	s := Settings{RPCHeartbeatIntervalMS: 60000, RPCSessionKeepaliveMS: 300000}

	if s.HeartbeatInterval().Seconds() != 60 {
		t.Errorf("HeartbeatInterval = %s, want 60s", s.HeartbeatInterval())
	}
	if s.SessionKeepalive().Seconds() != 300 {
		t.Errorf("SessionKeepalive = %s, want 300s", s.SessionKeepalive())
	}
}
