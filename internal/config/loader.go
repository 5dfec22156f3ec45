package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"agent":    {"gemini", "openai"},
	"detector": {"remote"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}

	// Providers
	if cfg.Providers.Agent.Name == "" {
		errs = append(errs, errors.New("providers.agent.name is required"))
	}
	if cfg.Providers.Detector.Name == "" {
		errs = append(errs, errors.New("providers.detector.name is required"))
	}
	validateProviderName("agent", cfg.Providers.Agent.Name)
	validateProviderName("detector", cfg.Providers.Detector.Name)

	// Proctoring thresholds
	p := cfg.Proctoring
	errs = append(errs, inRange("proctoring.gaze_offset", p.GazeOffset, 0, 0.5))
	errs = append(errs, inRange("proctoring.mouth_open_ratio", p.MouthOpenRatio, 0, 1))
	errs = append(errs, inRange("proctoring.voice_rms", p.VoiceRMS, 0, 1))
	for name, d := range map[string]int64{
		"proctoring.mouth_window":       int64(p.MouthWindow),
		"proctoring.voice_cooldown":     int64(p.VoiceCooldown),
		"proctoring.mouth_pull_forward": int64(p.MouthPullForward),
		"proctoring.tab_flag_duration":  int64(p.TabFlagDuration),
		"video.interval":                int64(cfg.Video.Interval),
		"video.frame_max_age":           int64(cfg.Video.FrameMaxAge),
		"interview.max_duration":        int64(cfg.Interview.MaxDuration),
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}

	// Video
	v := cfg.Video
	if v.UplinkEvery < 0 {
		errs = append(errs, fmt.Errorf("video.uplink_every %d must not be negative", v.UplinkEvery))
	}
	if v.SnapshotProbability > 1 {
		errs = append(errs, fmt.Errorf("video.snapshot_probability %.2f is out of range (<= 1, negative disables)", v.SnapshotProbability))
	}
	if v.MaxSnapshots < 0 {
		errs = append(errs, fmt.Errorf("video.max_snapshots %d must not be negative", v.MaxSnapshots))
	}
	if v.Interval > 0 && v.FrameMaxAge > 0 && v.FrameMaxAge < v.Interval {
		errs = append(errs, fmt.Errorf("video.frame_max_age %s is shorter than video.interval %s", v.FrameMaxAge, v.Interval))
	}

	if cfg.UplinkQueue < 0 {
		errs = append(errs, fmt.Errorf("uplink_queue %d must not be negative", cfg.UplinkQueue))
	}

	// Storage
	if cfg.Storage.RedisMaxLen < 0 {
		errs = append(errs, fmt.Errorf("storage.redis_max_len %d must not be negative", cfg.Storage.RedisMaxLen))
	}
	if cfg.Storage.RedisURL == "" && cfg.Storage.RedisKey != "" {
		slog.Warn("storage.redis_key is set but storage.redis_url is empty; the result queue is disabled")
	}
	if cfg.Storage.MemoryResults < 0 {
		errs = append(errs, fmt.Errorf("storage.memory_results %d must not be negative", cfg.Storage.MemoryResults))
	}
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("no result archive configured; only the most recent results are kept in memory",
			"memory_results", cfg.Storage.MemoryResults)
	}

	// Observability
	errs = append(errs, inRange("observability.trace_sample_ratio", cfg.Observability.TraceSampleRatio, 0, 1))

	return errors.Join(errs...)
}

// inRange returns an error if v is outside [lo, hi]. errors.Join drops the
// nil results.
func inRange(name string, v, lo, hi float64) error {
	if v < lo || v > hi {
		return fmt.Errorf("%s %.3f is out of range [%g, %g]", name, v, lo, hi)
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
