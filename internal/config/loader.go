package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"vad":    {"amplitude"},
	"source": {"rawpcm"},
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":9090"
	DefaultRecordingsDir   = "./recordings"
	DefaultTempFile        = "record_temp.wav"
	DefaultSourceName      = "rawpcm"
	DefaultNativeRate      = 16000
	DefaultFrameMs         = 40
	DefaultVADName         = "amplitude"
	DefaultThreshold       = 1500
	DefaultSpeechTimeout   = 3 * time.Second
	DefaultMaxSpeechLength = 30 * time.Second
	DefaultMQTTClientID    = "voxcap"
	DefaultMQTTTopic       = "voxcap/{event}"
	DefaultLiveBuffer      = 64
	DefaultPublishTimeout  = 5 * time.Second
	DefaultMaxFailures     = 5
	DefaultCooldown        = 30 * time.Second
	DefaultClickHouseDB    = "default"
	DefaultClickHouseUser  = "default"
)

// DefaultSampleRates is the candidate rate list used when none is configured.
var DefaultSampleRates = []int{16000, 11025, 22050, 44100}

// Environment variables overlaid onto the file configuration by [LoadEnv].
const (
	EnvPostgresDSN  = "VOXCAP_POSTGRES_DSN"
	EnvMQTTBroker   = "VOXCAP_MQTT_BROKER"
	EnvMQTTUsername = "VOXCAP_MQTT_USERNAME"
	EnvMQTTPassword = "VOXCAP_MQTT_PASSWORD"

	EnvClickHouseAddr     = "VOXCAP_CLICKHOUSE_ADDR"
	EnvClickHousePassword = "VOXCAP_CLICKHOUSE_PASSWORD"
)

// Load reads the YAML configuration file at path and returns a validated [Config]
// with defaults applied. It is a convenience wrapper around [LoadFromReader].
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
// the result. An empty document yields the default configuration.
// Useful in tests where configs are constructed from string literals.
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

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	c := &cfg.Capture
	if len(c.SampleRates) == 0 {
		c.SampleRates = slices.Clone(DefaultSampleRates)
	}
	if c.RecordingsDir == "" {
		c.RecordingsDir = DefaultRecordingsDir
	}
	if c.TempFile == "" {
		c.TempFile = DefaultTempFile
	}
	if c.Source.Name == "" {
		c.Source.Name = DefaultSourceName
	}
	if c.Source.Path == "" {
		c.Source.Path = "-"
	}
	if c.Source.NativeRate == 0 {
		c.Source.NativeRate = DefaultNativeRate
	}
	if c.Source.FrameMs == 0 {
		c.Source.FrameMs = DefaultFrameMs
	}

	v := &cfg.VAD
	if v.Name == "" {
		v.Name = DefaultVADName
	}
	if v.Threshold == 0 {
		v.Threshold = DefaultThreshold
	}
	if v.SpeechTimeout == 0 {
		v.SpeechTimeout = DefaultSpeechTimeout
	}
	if v.MaxSpeechLength == 0 {
		v.MaxSpeechLength = DefaultMaxSpeechLength
	}

	m := &cfg.Notify.MQTT
	if m.ClientID == "" {
		m.ClientID = DefaultMQTTClientID
	}
	if m.Topic == "" {
		m.Topic = DefaultMQTTTopic
	}
	if m.PublishTimeout == 0 {
		m.PublishTimeout = DefaultPublishTimeout
	}
	if m.MaxFailures == 0 {
		m.MaxFailures = DefaultMaxFailures
	}
	if m.Cooldown == 0 {
		m.Cooldown = DefaultCooldown
	}

	if cfg.Live.Buffer == 0 {
		cfg.Live.Buffer = DefaultLiveBuffer
	}

	ch := &cfg.Analytics.ClickHouse
	if ch.Database == "" {
		ch.Database = DefaultClickHouseDB
	}
	if ch.Username == "" {
		ch.Username = DefaultClickHouseUser
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Capture
	for i, rate := range cfg.Capture.SampleRates {
		if rate <= 0 {
			errs = append(errs, fmt.Errorf("capture.sample_rates[%d] %d must be positive", i, rate))
		}
	}
	if cfg.Capture.Source.NativeRate < 0 {
		errs = append(errs, fmt.Errorf("capture.source.native_rate %d must be positive", cfg.Capture.Source.NativeRate))
	}
	if cfg.Capture.Source.FrameMs < 0 || cfg.Capture.Source.FrameMs > 1000 {
		errs = append(errs, fmt.Errorf("capture.source.frame_ms %d is out of range [1, 1000]", cfg.Capture.Source.FrameMs))
	}
	if strings.ContainsAny(cfg.Capture.TempFile, `/\`) {
		errs = append(errs, fmt.Errorf("capture.temp_file %q must be a bare file name", cfg.Capture.TempFile))
	}
	validateProviderName("source", cfg.Capture.Source.Name)

	// VAD
	validateProviderName("vad", cfg.VAD.Name)
	if cfg.VAD.Threshold < 0 {
		errs = append(errs, fmt.Errorf("vad.threshold %d must not be negative", cfg.VAD.Threshold))
	}
	if cfg.VAD.SpeechTimeout < 0 {
		errs = append(errs, fmt.Errorf("vad.speech_timeout %s must not be negative", cfg.VAD.SpeechTimeout))
	}
	if cfg.VAD.MaxSpeechLength < 0 {
		errs = append(errs, fmt.Errorf("vad.max_speech_length %s must not be negative", cfg.VAD.MaxSpeechLength))
	}

	// Notify
	m := cfg.Notify.MQTT
	if m.QoS < 0 || m.QoS > 2 {
		errs = append(errs, fmt.Errorf("notify.mqtt.qos %d is invalid; valid values: 0, 1, 2", m.QoS))
	}
	if m.PublishTimeout < 0 {
		errs = append(errs, fmt.Errorf("notify.mqtt.publish_timeout %s must not be negative", m.PublishTimeout))
	}
	if m.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("notify.mqtt.max_failures %d must not be negative", m.MaxFailures))
	}
	if m.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("notify.mqtt.cooldown %s must not be negative", m.Cooldown))
	}
	if m.Broker != "" && m.Topic == "" {
		errs = append(errs, errors.New("notify.mqtt.topic is required when notify.mqtt.broker is set"))
	}
	if m.Broker == "" && (m.Username != "" || m.Password != "") {
		slog.Warn("notify.mqtt credentials are set but notify.mqtt.broker is empty; MQTT notifications are disabled")
	}

	// Live
	if cfg.Live.Buffer < 0 {
		errs = append(errs, fmt.Errorf("live.buffer %d must not be negative", cfg.Live.Buffer))
	}

	// Analytics
	if addr := cfg.Analytics.ClickHouse.Addr; addr != "" && strings.Contains(addr, "://") {
		errs = append(errs, fmt.Errorf("analytics.clickhouse.addr %q must be host:port without a scheme", addr))
	}

	// Catalog availability
	if cfg.Catalog.PostgresDSN == "" {
		slog.Debug("catalog.postgres_dsn is empty; recordings are indexed in memory only")
	}

	return errors.Join(errs...)
}

// LoadEnv overlays secrets from the environment onto cfg. The given .env files
// are read first with godotenv; variables already set in the process
// environment take precedence over file values. Missing files are skipped.
func LoadEnv(cfg *Config, files ...string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return fmt.Errorf("config: load env files: %w", err)
		}
	}

	overlay := []struct {
		key string
		dst *string
	}{
		{EnvPostgresDSN, &cfg.Catalog.PostgresDSN},
		{EnvMQTTBroker, &cfg.Notify.MQTT.Broker},
		{EnvMQTTUsername, &cfg.Notify.MQTT.Username},
		{EnvMQTTPassword, &cfg.Notify.MQTT.Password},
		{EnvClickHouseAddr, &cfg.Analytics.ClickHouse.Addr},
		{EnvClickHousePassword, &cfg.Analytics.ClickHouse.Password},
	}
	for _, o := range overlay {
		if v, ok := os.LookupEnv(o.key); ok && v != "" {
			*o.dst = v
		}
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
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
