package config_test

import (
	"os"
	"testing"

	"github.com/MrWong99/voxcap/internal/config"
)

// LoadEnv tests mutate the process environment and must not run in parallel.

func TestLoadEnv_ProcessEnvironment(t *testing.T) {
	t.Setenv(config.EnvPostgresDSN, "postgres://env@db/voxcap")
	t.Setenv(config.EnvMQTTBroker, "tcp://env:1883")
	t.Setenv(config.EnvMQTTUsername, "")
	t.Setenv(config.EnvClickHouseAddr, "clickhouse:9000")

	cfg := config.Default()
	cfg.Notify.MQTT.Username = "from-file"
	if err := config.LoadEnv(cfg); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}

	if cfg.Catalog.PostgresDSN != "postgres://env@db/voxcap" {
		t.Errorf("postgres_dsn = %q", cfg.Catalog.PostgresDSN)
	}
	if cfg.Notify.MQTT.Broker != "tcp://env:1883" {
		t.Errorf("broker = %q", cfg.Notify.MQTT.Broker)
	}
	if cfg.Analytics.ClickHouse.Addr != "clickhouse:9000" {
		t.Errorf("clickhouse addr = %q", cfg.Analytics.ClickHouse.Addr)
	}
	if cfg.Notify.MQTT.Username != "from-file" {
		t.Errorf("empty env value overrode username: %q", cfg.Notify.MQTT.Username)
	}
}

func TestLoadEnv_DotEnvFile(t *testing.T) {
	// Register cleanup for the variable the .env file sets, then unset it so
	// that godotenv treats it as absent.
	t.Setenv(config.EnvMQTTPassword, "")
	os.Unsetenv(config.EnvMQTTPassword)
	t.Setenv(config.EnvMQTTBroker, "tcp://process:1883")

	env := writeFile(t, ".env", "VOXCAP_MQTT_PASSWORD=s3cret\nVOXCAP_MQTT_BROKER=tcp://file:1883\n")

	cfg := config.Default()
	if err := config.LoadEnv(cfg, env, "/does/not/exist/.env"); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if cfg.Notify.MQTT.Password != "s3cret" {
		t.Errorf("password = %q, want value from .env", cfg.Notify.MQTT.Password)
	}
	if cfg.Notify.MQTT.Broker != "tcp://process:1883" {
		t.Errorf("broker = %q, process environment should win over .env", cfg.Notify.MQTT.Broker)
	}
}
