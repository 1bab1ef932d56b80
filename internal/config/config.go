// Package config provides the configuration schema, loader, and provider registry
// for the voxcap recorder.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for voxcap.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Capture   CaptureConfig   `yaml:"capture"`
	VAD       VADConfig       `yaml:"vad"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Notify    NotifyConfig    `yaml:"notify"`
	Live      LiveConfig      `yaml:"live"`
	Analytics AnalyticsConfig `yaml:"analytics"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP server (health, metrics, live
	// feed). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// CaptureConfig configures recording sessions.
type CaptureConfig struct {
	// SampleRates are the candidate capture rates tried in order.
	SampleRates []int `yaml:"sample_rates"`

	// RecordingsDir receives the finished WAV files and the temp stream.
	RecordingsDir string `yaml:"recordings_dir"`

	// TempFile is the raw PCM file recorded into before finalization.
	TempFile string `yaml:"temp_file"`

	// AutoStop ends the session once the first utterance closes. A nil value
	// means the default (true).
	AutoStop *bool `yaml:"auto_stop"`

	// Source selects and configures the capture backend.
	Source SourceConfig `yaml:"source"`
}

// AutoStopEnabled resolves [CaptureConfig.AutoStop] against its default.
func (c CaptureConfig) AutoStopEnabled() bool {
	return c.AutoStop == nil || *c.AutoStop
}

// SourceConfig configures the capture backend. Name selects a factory in the
// [Registry]; the remaining fields are interpreted by that factory.
type SourceConfig struct {
	// Name is the registered backend name (e.g., "rawpcm").
	Name string `yaml:"name"`

	// Path is the input file or FIFO; "-" reads standard input.
	Path string `yaml:"path"`

	// NativeRate is the sample rate of the input stream in Hz.
	NativeRate int `yaml:"native_rate"`

	// FrameMs is the read buffer duration in milliseconds.
	FrameMs int `yaml:"frame_ms"`

	// Pace throttles file input to real time.
	Pace bool `yaml:"pace"`
}

// VADConfig selects and tunes the voice detector and segmenter.
type VADConfig struct {
	// Name is the registered detector name (e.g., "amplitude").
	Name string `yaml:"name"`

	// Threshold is the detector's voice threshold in its native scale.
	Threshold int `yaml:"threshold"`

	// SpeechTimeout is the silence that ends an utterance.
	SpeechTimeout time.Duration `yaml:"speech_timeout"`

	// MaxSpeechLength cuts utterances that run longer.
	MaxSpeechLength time.Duration `yaml:"max_speech_length"`
}

// CatalogConfig configures the recordings index.
type CatalogConfig struct {
	// PostgresDSN selects the PostgreSQL catalog. Empty keeps the index in
	// memory for the lifetime of the process.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// NotifyConfig configures outbound event notifications.
type NotifyConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig configures the MQTT event publisher. An empty Broker disables it.
type MQTTConfig struct {
	// Broker is the broker URL, e.g. "tcp://localhost:1883".
	Broker string `yaml:"broker"`

	// ClientID identifies this publisher to the broker.
	ClientID string `yaml:"client_id"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Topic is the publish topic; "{event}" is replaced with the event name.
	Topic string `yaml:"topic"`

	// QoS is the MQTT quality of service level (0, 1 or 2).
	QoS int `yaml:"qos"`

	// PublishTimeout bounds how long one event waits for the broker.
	PublishTimeout time.Duration `yaml:"publish_timeout"`

	// MaxFailures consecutive publish failures open the circuit breaker;
	// events are then dropped until Cooldown has passed.
	MaxFailures int           `yaml:"max_failures"`
	Cooldown    time.Duration `yaml:"cooldown"`
}

// AnalyticsConfig configures the per-utterance log.
type AnalyticsConfig struct {
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// ClickHouseConfig selects the ClickHouse utterance store. An empty Addr
// disables the utterance log.
type ClickHouseConfig struct {
	// Addr is host:port of the native protocol endpoint.
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LiveConfig configures the websocket live level feed.
type LiveConfig struct {
	// Enabled mounts the /live endpoint. A nil value means the default (true).
	Enabled *bool `yaml:"enabled"`

	// Buffer is the per-subscriber queue length; slow subscribers drop
	// samples beyond it.
	Buffer int `yaml:"buffer"`
}

// IsEnabled resolves [LiveConfig.Enabled] against its default.
func (c LiveConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
