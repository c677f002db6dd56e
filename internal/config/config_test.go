package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nudgecrm/internal/engine"
	"github.com/roach88/nudgecrm/internal/notify"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, engine.DefaultRules(), cfg.EngineRules())
	assert.Equal(t, notify.DefaultIncentive, cfg.Practice.Incentive)
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "log", cfg.Gateway.Kind)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeFile(t, "nudgecrm.yaml", `
practice:
  name: Harbor Physio
store:
  driver: json
  path: /var/lib/nudgecrm/records.json
schedule:
  time: "07:45"
  zone: Europe/Dublin
  run_on_start: true
rules:
  low_sessions_threshold: 4
gateway:
  kind: smtp
  smtp:
    host: smtp.example.com
    from: front-desk@example.com
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "Harbor Physio", cfg.Practice.Name)
	assert.Equal(t, notify.DefaultIncentive, cfg.Practice.Incentive)
	assert.Equal(t, "json", cfg.Store.Driver)
	assert.True(t, cfg.Schedule.RunOnStart)
	assert.Equal(t, "587", cfg.Gateway.SMTP.Port)

	rules := cfg.EngineRules()
	assert.Equal(t, 4, rules.LowSessionsThreshold)
	assert.Equal(t, 7*24*time.Hour, rules.LowSessionsCooldown)

	sched, err := cfg.ScheduleSpec()
	require.NoError(t, err)
	assert.Equal(t, "07:45 Europe/Dublin", sched.String())
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeFile(t, "empty.yaml", ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "bad.yaml", "store:\n  drvier: json\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drvier")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "nudgecrm.yaml", "practice:\n  name: From File\n")
	t.Setenv("NUDGECRM_PRACTICE_NAME", "From Env")
	t.Setenv("NUDGECRM_GATEWAY", "kafka")
	t.Setenv("NUDGECRM_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("NUDGECRM_KAFKA_TOPIC", "nudges")
	t.Setenv("NUDGECRM_DORMANT_AFTER_DAYS", "60")
	t.Setenv("NUDGECRM_RUN_ON_START", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "From Env", cfg.Practice.Name)
	assert.Equal(t, "kafka", cfg.Gateway.Kind)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Gateway.Kafka.Brokers)
	assert.Equal(t, 60*24*time.Hour, cfg.EngineRules().DormantAfter)
	assert.True(t, cfg.Schedule.RunOnStart)
}

func TestLoad_EnvFile(t *testing.T) {
	envFile := writeFile(t, ".env", "NUDGECRM_STORE_PATH=/data/crm.db\nNUDGECRM_ADMIN_ADDR=:9000\n")
	t.Setenv("NUDGECRM_ADMIN_ADDR", ":9100")

	cfg, err := Load("", envFile, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "/data/crm.db", cfg.Store.Path)
	assert.Equal(t, ":9100", cfg.Admin.Addr, "process environment wins over .env")
}

func TestLoad_BadEnvValues(t *testing.T) {
	t.Setenv("NUDGECRM_LOW_SESSIONS_THRESHOLD", "three")
	_, err := Load("")
	assert.ErrorContains(t, err, "NUDGECRM_LOW_SESSIONS_THRESHOLD")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "postgres" }},
		{"empty store path", func(c *Config) { c.Store.Path = "" }},
		{"bad time", func(c *Config) { c.Schedule.Time = "9:00" }},
		{"hour out of range", func(c *Config) { c.Schedule.Time = "24:00" }},
		{"unknown zone", func(c *Config) { c.Schedule.Zone = "Mars/Olympus" }},
		{"zero threshold", func(c *Config) { c.Rules.LowSessionsThreshold = 0 }},
		{"negative cooldown", func(c *Config) { c.Rules.DormantCooldownDays = -1 }},
		{"unknown gateway", func(c *Config) { c.Gateway.Kind = "sms" }},
		{"smtp without host", func(c *Config) {
			c.Gateway.Kind = "smtp"
			c.Gateway.SMTP.From = "desk@example.com"
		}},
		{"kafka without brokers", func(c *Config) {
			c.Gateway.Kind = "kafka"
			c.Gateway.Kafka.Topic = "nudges"
		}},
		{"kafka without topic", func(c *Config) {
			c.Gateway.Kind = "kafka"
			c.Gateway.Kafka.Brokers = []string{"localhost:9092"}
		}},
		{"empty practice name", func(c *Config) { c.Practice.Name = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_GatewaySettingsOnlyCheckedWhenSelected(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Kafka.Brokers = nil
	cfg.Gateway.SMTP = notify.SMTPConfig{}
	assert.NoError(t, cfg.Validate())

	cfg.Gateway.Kind = "kafka"
	cfg.Gateway.Kafka = notify.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "nudges"}
	assert.NoError(t, cfg.Validate())
}
