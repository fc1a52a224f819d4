package hub

import (
	"errors"
	"testing"
)

func TestResolveRequiresPort(t *testing.T) {
	_, err := InstanceConfig{}.resolve(Defaults{})
	if !errors.Is(err, ErrPortRequired) {
		t.Errorf("expected ErrPortRequired, got %v", err)
	}
}

func TestResolveRejectsInvalidStorage(t *testing.T) {
	_, err := InstanceConfig{Port: 5432, StorageSpec: "file://"}.resolve(Defaults{})
	if !errors.Is(err, ErrInvalidStorageSpec) {
		t.Errorf("expected ErrInvalidStorageSpec, got %v", err)
	}
}

func TestResolveAppliesDefaults(t *testing.T) {
	rcfg, err := InstanceConfig{Port: 5432}.resolve(Defaults{})
	if err != nil {
		t.Fatalf("resolve returned error: %v", err)
	}
	if rcfg.BindAddress != "127.0.0.1" {
		t.Errorf("expected loopback bind address, got %q", rcfg.BindAddress)
	}
	if rcfg.Username != "postgres" || rcfg.Database != "postgres" {
		t.Errorf("expected postgres credential defaults, got %q/%q", rcfg.Username, rcfg.Database)
	}
	if rcfg.Storage.Mode != StorageEphemeral {
		t.Errorf("expected ephemeral default storage, got %v", rcfg.Storage.Mode)
	}
}

func TestResolveHubDefaultsOverrideBuiltins(t *testing.T) {
	defaults := Defaults{
		BindAddress: "0.0.0.0",
		Username:    "app",
		Database:    "main",
	}
	rcfg, err := InstanceConfig{Port: 5432}.resolve(defaults)
	if err != nil {
		t.Fatalf("resolve returned error: %v", err)
	}
	if rcfg.BindAddress != "0.0.0.0" || rcfg.Username != "app" || rcfg.Database != "main" {
		t.Errorf("hub defaults not applied: %+v", rcfg.InstanceConfig)
	}

	// Explicit instance values beat hub defaults.
	rcfg, err = InstanceConfig{Port: 5432, Username: "alice"}.resolve(defaults)
	if err != nil {
		t.Fatalf("resolve returned error: %v", err)
	}
	if rcfg.Username != "alice" {
		t.Errorf("instance value overridden by default: %q", rcfg.Username)
	}
}

func TestResolveClampsDebugLevel(t *testing.T) {
	cases := []struct{ in, want int }{
		{-2, 0}, {0, 0}, {3, 3}, {5, 5}, {99, 5},
	}
	for _, tc := range cases {
		rcfg, err := InstanceConfig{Port: 5432, Debug: tc.in}.resolve(Defaults{})
		if err != nil {
			t.Fatalf("resolve returned error: %v", err)
		}
		if rcfg.Debug != tc.want {
			t.Errorf("debug %d: expected clamp to %d, got %d", tc.in, tc.want, rcfg.Debug)
		}
	}
}

func TestResolveRejectsOutOfRangePort(t *testing.T) {
	if _, err := (InstanceConfig{Port: 70000}).resolve(Defaults{}); err == nil {
		t.Error("expected error for out-of-range port")
	}
}
