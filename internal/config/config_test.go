package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "test",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Bus: BusConfig{
			Channels: []ChannelConfig{
				{Addr: "localhost:6379", Channel: "ch.2k", Label: "vehicle_2k", SendTo: []string{"db"}},
				{Addr: "localhost:6379", Channel: "ch.ped", Label: "ped", SendTo: []string{"db"}},
			},
		},
		Sinks: []SinkConfig{
			{Name: "db", Type: "volt", Addr: "10.0.0.2:8080"},
			{Name: "rpc", Type: "grpc", Addr: "10.0.0.3:50051", Mode: "java"},
		},
		Spool: SpoolConfig{
			Database:        "./test.db",
			Table:           "failed_messages",
			IntervalSeconds: 10,
		},
		Merge: MergeConfig{
			Enabled:       true,
			WindowSeconds: 1,
			MaxAgeSeconds: 60,
		},
		ImageRemote: ImageRemoteConfig{
			Host:           "10.0.0.4",
			Port:           9000,
			TimeoutSeconds: 3,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_NoChannels(t *testing.T) {
	cfg := validConfig()
	cfg.Bus.Channels = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty bus.channels")
	}
}

func TestValidate_UnknownLabel(t *testing.T) {
	cfg := validConfig()
	cfg.Bus.Channels[0].Label = "vehicle_8k"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown channel label")
	}
}

func TestValidate_DuplicateSinkName(t *testing.T) {
	cfg := validConfig()
	cfg.Sinks = append(cfg.Sinks, SinkConfig{Name: "db", Type: "volt", Addr: "10.0.0.9:8080"})
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for duplicate sink name")
	}
}

func TestValidate_GrpcBadMode(t *testing.T) {
	cfg := validConfig()
	cfg.Sinks[1].Mode = "python"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown grpc mode")
	}
}

func TestValidate_SharpNeedsCompanion(t *testing.T) {
	cfg := validConfig()
	cfg.Sinks[1].Mode = "sharp"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for sharp mode without companion_addr")
	}
	cfg.Sinks[1].CompanionAddr = "10.0.0.5:8080"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config with companion_addr, got: %v", err)
	}
}

func TestValidate_ManualNeedsCamID(t *testing.T) {
	cfg := validConfig()
	cfg.Sinks = append(cfg.Sinks, SinkConfig{Name: "fixed", Type: "manual"})
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for manual sink without cam_id")
	}
}

func TestValidate_SpoolIntervalZero(t *testing.T) {
	cfg := validConfig()
	cfg.Spool.IntervalSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for spool.interval_seconds = 0")
	}
}

func TestValidate_MergeAgeBelowWindow(t *testing.T) {
	cfg := validConfig()
	cfg.Merge.MaxAgeSeconds = 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for max_age_seconds <= window_seconds")
	}
}

func TestValidate_ImageRemoteRequiredForImageLabels(t *testing.T) {
	cfg := validConfig()
	cfg.ImageRemote.Host = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error: vehicle_2k channel configured without image_remote")
	}

	// Without image-bearing channels the remote server is optional.
	cfg.Bus.Channels = cfg.Bus.Channels[1:]
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config without image labels, got: %v", err)
	}
}

func TestValidate_SpecialSiteNeedsAllDirections(t *testing.T) {
	cfg := validConfig()
	cfg.SpecialSite = SpecialSiteConfig{
		Enabled: true,
		Directions: map[string]DirectionConfig{
			"straight": {CamID: "C1", Lanes: []int{1, 2}},
			"left":     {CamID: "C2", Lanes: []int{3}},
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing right direction")
	}
	cfg.SpecialSite.Directions["right"] = DirectionConfig{CamID: "C3", Lanes: []int{4}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid special_site config, got: %v", err)
	}
}

func TestValidate_ShutdownTimeoutZero(t *testing.T) {
	cfg := validConfig()
	cfg.Service.ShutdownTimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for shutdown_timeout_seconds = 0")
	}
}

func writeMinimalYAML(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	data := `
bus:
  channels:
    - addr: "localhost:6379"
      channel: "ch.ped"
      label: "ped"
      send_to: ["db"]
sinks:
  - name: "db"
    type: "volt"
    addr: "10.0.0.2:8080"
`
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeMinimalYAML(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Spool.IntervalSeconds != 10 {
		t.Errorf("spool.interval_seconds default = %d, want 10", cfg.Spool.IntervalSeconds)
	}
	if !cfg.Spool.Compress {
		t.Error("spool.compress default should be true")
	}
	if cfg.Merge.MaxAgeSeconds != 60 {
		t.Errorf("merge.max_age_seconds default = %d, want 60", cfg.Merge.MaxAgeSeconds)
	}
	if cfg.Cleanup.MaxAgeSeconds != 600 {
		t.Errorf("cleanup.max_age_seconds default = %d, want 600", cfg.Cleanup.MaxAgeSeconds)
	}
}

func TestLoad_EnvOverrideLogLevel(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("EDGE_HANDLER_SERVICE__LOG_LEVEL", "debug")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.LogLevel != "debug" {
		t.Errorf("expected log_level 'debug' from env, got %q", cfg.Service.LogLevel)
	}
}

func TestLoad_EnvOverrideSpoolDatabase(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("EDGE_HANDLER_SPOOL__DATABASE", "/var/lib/edge/spool.db")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Spool.Database != "/var/lib/edge/spool.db" {
		t.Errorf("expected spool database from env, got %q", cfg.Spool.Database)
	}
}
