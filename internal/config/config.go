package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service     ServiceConfig     `koanf:"service"`
	Bus         BusConfig         `koanf:"bus"`
	Sinks       []SinkConfig      `koanf:"sinks"`
	Spool       SpoolConfig       `koanf:"spool"`
	Merge       MergeConfig       `koanf:"merge"`
	OCR         OCRConfig         `koanf:"ocr"`
	ImageRemote ImageRemoteConfig `koanf:"image_remote"`
	SpecialSite SpecialSiteConfig `koanf:"special_site"`
	Cleanup     CleanupConfig     `koanf:"cleanup"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type BusConfig struct {
	Channels []ChannelConfig `koanf:"channels"`
}

// ChannelConfig describes one subscribed bus channel: where it lives, how
// its payloads are labeled, and which sinks its records may reach.
type ChannelConfig struct {
	Addr    string   `koanf:"addr"`
	Channel string   `koanf:"channel"`
	Label   string   `koanf:"label"`
	SendTo  []string `koanf:"send_to"`
}

type SinkConfig struct {
	Name string `koanf:"name"`
	Type string `koanf:"type"` // grpc | volt | redis | sqlite | manual
	Addr string `koanf:"addr"`

	// RPC adaptor.
	Mode          string `koanf:"mode"` // java | sharp
	CompanionAddr string `koanf:"companion_addr"`

	// Manual identity.
	CamID      string `koanf:"cam_id"`
	LaneOffset int    `koanf:"lane_offset"`

	// KV bus publish channel.
	Channel string `koanf:"channel"`

	// Local store.
	Database string `koanf:"database"`
	Table    string `koanf:"table"`
}

type SpoolConfig struct {
	Database        string `koanf:"database"`
	Table           string `koanf:"table"`
	IntervalSeconds int    `koanf:"interval_seconds"`
	Compress        bool   `koanf:"compress"`
}

type MergeConfig struct {
	Enabled       bool `koanf:"enabled"`
	WindowSeconds int  `koanf:"window_seconds"`
	MaxAgeSeconds int  `koanf:"max_age_seconds"`
}

type OCRConfig struct {
	Enabled        bool     `koanf:"enabled"`
	DetectorURL    string   `koanf:"detector_url"`
	ReaderURL      string   `koanf:"reader_url"`
	ClassNames     []string `koanf:"class_names"`
	TimeoutSeconds int      `koanf:"timeout_seconds"`
	ImageExts      []string `koanf:"image_exts"`
	PlateInputSize int      `koanf:"plate_input_size"`
	CharInputSize  int      `koanf:"char_input_size"`
	WarmupRuns     int      `koanf:"warmup_runs"`
}

type ImageRemoteConfig struct {
	Host           string `koanf:"host"`
	Port           int    `koanf:"port"`
	TimeoutSeconds int    `koanf:"timeout_seconds"`

	CarImagePath2K    string `koanf:"car_image_path_2k"`
	CarImagePath4K    string `koanf:"car_image_path_4k"`
	QueueImagePath    string `koanf:"queue_image_path"`
	AbnormalImagePath string `koanf:"abnormal_image_path"`
}

type SpecialSiteConfig struct {
	Enabled     bool                       `koanf:"enabled"`
	MergeSendTo []string                   `koanf:"merge_send_to"`
	Directions  map[string]DirectionConfig `koanf:"directions"`
}

// DirectionConfig maps one turn direction (straight, left, right) onto the
// physical camera and its ordered list of real lane numbers.
type DirectionConfig struct {
	CamID string `koanf:"cam_id"`
	Lanes []int  `koanf:"lanes"`
}

type CleanupConfig struct {
	Enabled         bool `koanf:"enabled"`
	IntervalSeconds int  `koanf:"interval_seconds"`
	MaxAgeSeconds   int  `koanf:"max_age_seconds"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: EDGE_HANDLER_SERVICE__LOG_LEVEL → service.log_level
	if err := k.Load(env.Provider("EDGE_HANDLER_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "EDGE_HANDLER_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "edge-handler-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Spool: SpoolConfig{
			Database:        "./edge-handler.db",
			Table:           "failed_messages",
			IntervalSeconds: 10,
			Compress:        true,
		},
		Merge: MergeConfig{
			Enabled:       true,
			WindowSeconds: 1,
			MaxAgeSeconds: 60,
		},
		OCR: OCRConfig{
			TimeoutSeconds: 2,
			ImageExts:      []string{".jpg", ".jpeg", ".png"},
			PlateInputSize: 416,
			CharInputSize:  256,
			WarmupRuns:     2,
		},
		ImageRemote: ImageRemoteConfig{
			TimeoutSeconds: 3,
		},
		Cleanup: CleanupConfig{
			Enabled:         true,
			IntervalSeconds: 30,
			MaxAgeSeconds:   600,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	for i := range cfg.Bus.Channels {
		ch := &cfg.Bus.Channels[i]
		if len(ch.SendTo) == 1 && strings.Contains(ch.SendTo[0], ",") {
			ch.SendTo = strings.Split(ch.SendTo[0], ",")
		}
	}
	if len(cfg.SpecialSite.MergeSendTo) == 1 && strings.Contains(cfg.SpecialSite.MergeSendTo[0], ",") {
		cfg.SpecialSite.MergeSendTo = strings.Split(cfg.SpecialSite.MergeSendTo[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

var validLabels = map[string]bool{
	"vehicle_2k": true, "vehicle_4k": true, "vehicle_raw_4k": true,
	"ped": true, "stats": true, "queue": true, "incident": true,
	"sqlite_st": true, "sqlite_lt": true, "sqlite_rt": true,
	"presence_vh": true, "presence_wait": true, "presence_cross": true,
}

func (c *Config) Validate() error {
	if len(c.Bus.Channels) == 0 {
		return fmt.Errorf("config: bus.channels is required")
	}
	for i, ch := range c.Bus.Channels {
		if ch.Addr == "" {
			return fmt.Errorf("config: bus.channels[%d].addr is required", i)
		}
		if ch.Channel == "" {
			return fmt.Errorf("config: bus.channels[%d].channel is required", i)
		}
		if !validLabels[ch.Label] {
			return fmt.Errorf("config: bus.channels[%d].label %q is not a known label", i, ch.Label)
		}
	}

	names := make(map[string]bool, len(c.Sinks))
	for i, s := range c.Sinks {
		if s.Name == "" {
			return fmt.Errorf("config: sinks[%d].name is required", i)
		}
		if names[s.Name] {
			return fmt.Errorf("config: sinks[%d].name %q is duplicated", i, s.Name)
		}
		names[s.Name] = true
		switch s.Type {
		case "grpc":
			if s.Addr == "" {
				return fmt.Errorf("config: sinks[%d] (grpc) addr is required", i)
			}
			if s.Mode != "java" && s.Mode != "sharp" {
				return fmt.Errorf("config: sinks[%d] (grpc) mode must be java or sharp (got %q)", i, s.Mode)
			}
			if s.Mode == "sharp" && s.CompanionAddr == "" {
				return fmt.Errorf("config: sinks[%d] (grpc, sharp) companion_addr is required", i)
			}
		case "volt", "redis":
			if s.Addr == "" {
				return fmt.Errorf("config: sinks[%d] (%s) addr is required", i, s.Type)
			}
			if s.Type == "redis" && s.Channel == "" {
				return fmt.Errorf("config: sinks[%d] (redis) channel is required", i)
			}
		case "sqlite":
			if s.Database == "" || s.Table == "" {
				return fmt.Errorf("config: sinks[%d] (sqlite) database and table are required", i)
			}
		case "manual":
			if s.CamID == "" {
				return fmt.Errorf("config: sinks[%d] (manual) cam_id is required", i)
			}
		default:
			return fmt.Errorf("config: sinks[%d].type %q is not a known sink type", i, s.Type)
		}
	}

	if c.Spool.Database == "" {
		return fmt.Errorf("config: spool.database is required")
	}
	if c.Spool.IntervalSeconds <= 0 {
		return fmt.Errorf("config: spool.interval_seconds must be > 0 (got %d)", c.Spool.IntervalSeconds)
	}
	if c.Merge.Enabled {
		if c.Merge.WindowSeconds <= 0 {
			return fmt.Errorf("config: merge.window_seconds must be > 0 (got %d)", c.Merge.WindowSeconds)
		}
		if c.Merge.MaxAgeSeconds <= c.Merge.WindowSeconds {
			return fmt.Errorf("config: merge.max_age_seconds (%d) must exceed merge.window_seconds (%d)",
				c.Merge.MaxAgeSeconds, c.Merge.WindowSeconds)
		}
	}
	if c.OCR.Enabled {
		if c.OCR.DetectorURL == "" || c.OCR.ReaderURL == "" {
			return fmt.Errorf("config: ocr.detector_url and ocr.reader_url are required")
		}
		if c.OCR.TimeoutSeconds <= 0 {
			return fmt.Errorf("config: ocr.timeout_seconds must be > 0 (got %d)", c.OCR.TimeoutSeconds)
		}
		if c.OCR.PlateInputSize <= 0 || c.OCR.CharInputSize <= 0 {
			return fmt.Errorf("config: ocr input sizes must be > 0")
		}
		if c.OCR.WarmupRuns < 0 {
			return fmt.Errorf("config: ocr.warmup_runs must be >= 0 (got %d)", c.OCR.WarmupRuns)
		}
	}
	if c.hasUploadSink() {
		if c.ImageRemote.Host == "" || c.ImageRemote.Port == 0 {
			return fmt.Errorf("config: image_remote.host and image_remote.port are required")
		}
		if c.ImageRemote.TimeoutSeconds <= 0 {
			return fmt.Errorf("config: image_remote.timeout_seconds must be > 0 (got %d)", c.ImageRemote.TimeoutSeconds)
		}
	}
	if c.SpecialSite.Enabled {
		for _, dir := range []string{"straight", "left", "right"} {
			d, ok := c.SpecialSite.Directions[dir]
			if !ok {
				return fmt.Errorf("config: special_site.directions.%s is required", dir)
			}
			if d.CamID == "" || len(d.Lanes) == 0 {
				return fmt.Errorf("config: special_site.directions.%s needs cam_id and lanes", dir)
			}
		}
	}
	if c.Cleanup.Enabled {
		if c.Cleanup.IntervalSeconds <= 0 {
			return fmt.Errorf("config: cleanup.interval_seconds must be > 0 (got %d)", c.Cleanup.IntervalSeconds)
		}
		if c.Cleanup.MaxAgeSeconds <= 0 {
			return fmt.Errorf("config: cleanup.max_age_seconds must be > 0 (got %d)", c.Cleanup.MaxAgeSeconds)
		}
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	return nil
}

// hasUploadSink reports whether any channel carries an image-bearing label,
// which is what makes the remote image server mandatory.
func (c *Config) hasUploadSink() bool {
	for _, ch := range c.Bus.Channels {
		switch ch.Label {
		case "vehicle_2k", "vehicle_raw_4k", "queue", "incident":
			return true
		}
	}
	return false
}

// SinkNames returns the configured sink names in declaration order.
func (c *Config) SinkNames() []string {
	out := make([]string, 0, len(c.Sinks))
	for _, s := range c.Sinks {
		out = append(out, s.Name)
	}
	return out
}
