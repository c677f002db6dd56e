// Package config loads nudgecrm settings.
//
// Settings come from three layers, later ones winning: built-in defaults, a
// YAML file, and NUDGECRM_* environment variables (optionally read from
// .env files). The merged result is checked against an embedded CUE schema.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roach88/nudgecrm/internal/engine"
	"github.com/roach88/nudgecrm/internal/notify"
	"github.com/roach88/nudgecrm/internal/scheduler"
)

//go:embed schema.cue
var schemaCUE string

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NUDGECRM_"

// Config is the full runtime configuration.
type Config struct {
	Practice PracticeConfig `yaml:"practice" json:"practice"`
	Store    StoreConfig    `yaml:"store" json:"store"`
	Schedule ScheduleConfig `yaml:"schedule" json:"schedule"`
	Rules    RulesConfig    `yaml:"rules" json:"rules"`
	Gateway  GatewayConfig  `yaml:"gateway" json:"gateway"`
	Admin    AdminConfig    `yaml:"admin" json:"admin"`
}

// PracticeConfig names the practice in outgoing email.
type PracticeConfig struct {
	Name      string `yaml:"name" json:"name"`
	Incentive string `yaml:"incentive" json:"incentive"`
}

// StoreConfig selects the record store backend.
type StoreConfig struct {
	Driver string `yaml:"driver" json:"driver"` // "sqlite" | "json"
	Path   string `yaml:"path" json:"path"`
}

// ScheduleConfig sets when the daily checks run.
type ScheduleConfig struct {
	Time       string `yaml:"time" json:"time"` // HH:MM
	Zone       string `yaml:"zone" json:"zone"` // IANA name, empty for UTC
	RunOnStart bool   `yaml:"run_on_start" json:"run_on_start"`
}

// RulesConfig holds the rule thresholds. Periods are in days.
type RulesConfig struct {
	LowSessionsThreshold    int `yaml:"low_sessions_threshold" json:"low_sessions_threshold"`
	LowSessionsCooldownDays int `yaml:"low_sessions_cooldown_days" json:"low_sessions_cooldown_days"`
	DormantAfterDays        int `yaml:"dormant_after_days" json:"dormant_after_days"`
	DormantCooldownDays     int `yaml:"dormant_cooldown_days" json:"dormant_cooldown_days"`
}

// GatewayConfig selects how nudges leave the process.
type GatewayConfig struct {
	Kind  string             `yaml:"kind" json:"kind"` // "log" | "smtp" | "kafka"
	SMTP  notify.SMTPConfig  `yaml:"smtp" json:"smtp"`
	Kafka notify.KafkaConfig `yaml:"kafka" json:"kafka"`
}

// AdminConfig configures the admin HTTP server used by serve.
type AdminConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	rules := engine.DefaultRules()
	return Config{
		Practice: PracticeConfig{
			Name:      "Our Practice",
			Incentive: notify.DefaultIncentive,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "nudgecrm.db",
		},
		Schedule: ScheduleConfig{
			Time: "09:00",
		},
		Rules: RulesConfig{
			LowSessionsThreshold:    rules.LowSessionsThreshold,
			LowSessionsCooldownDays: days(rules.LowSessionsCooldown),
			DormantAfterDays:        days(rules.DormantAfter),
			DormantCooldownDays:     days(rules.DormantCooldown),
		},
		Gateway: GatewayConfig{
			Kind:  "log",
			SMTP:  notify.SMTPConfig{Port: "587"},
			Kafka: notify.KafkaConfig{Brokers: []string{}},
		},
		Admin: AdminConfig{
			Addr: "127.0.0.1:8080",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), then the environment. Values in envFiles fill variables
// missing from the process environment; missing env files are ignored.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	fileEnv, err := readEnvFiles(envFiles)
	if err != nil {
		return Config{}, err
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileEnv[key]
		return v, ok
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func readEnvFiles(paths []string) (map[string]string, error) {
	out := map[string]string{}
	for _, p := range paths {
		vals, err := godotenv.Read(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read env file %s: %w", p, err)
		}
		// earlier files win, like godotenv.Load
		for k, v := range vals {
			if _, ok := out[k]; !ok {
				out[k] = v
			}
		}
	}
	return out, nil
}

// applyEnv overlays NUDGECRM_* variables onto cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"PRACTICE_NAME":  &cfg.Practice.Name,
		"INCENTIVE":      &cfg.Practice.Incentive,
		"STORE_DRIVER":   &cfg.Store.Driver,
		"STORE_PATH":     &cfg.Store.Path,
		"SCHEDULE_TIME":  &cfg.Schedule.Time,
		"SCHEDULE_ZONE":  &cfg.Schedule.Zone,
		"GATEWAY":        &cfg.Gateway.Kind,
		"SMTP_HOST":      &cfg.Gateway.SMTP.Host,
		"SMTP_PORT":      &cfg.Gateway.SMTP.Port,
		"SMTP_USERNAME":  &cfg.Gateway.SMTP.Username,
		"SMTP_PASSWORD":  &cfg.Gateway.SMTP.Password,
		"SMTP_FROM":      &cfg.Gateway.SMTP.From,
		"SMTP_FROM_NAME": &cfg.Gateway.SMTP.FromName,
		"KAFKA_TOPIC":    &cfg.Gateway.Kafka.Topic,
		"ADMIN_ADDR":     &cfg.Admin.Addr,
	}
	for key, dst := range str {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	ints := map[string]*int{
		"LOW_SESSIONS_THRESHOLD":     &cfg.Rules.LowSessionsThreshold,
		"LOW_SESSIONS_COOLDOWN_DAYS": &cfg.Rules.LowSessionsCooldownDays,
		"DORMANT_AFTER_DAYS":         &cfg.Rules.DormantAfterDays,
		"DORMANT_COOLDOWN_DAYS":      &cfg.Rules.DormantCooldownDays,
	}
	for key, dst := range ints {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %q is not an integer", EnvPrefix, key, v)
		}
		*dst = n
	}

	if v, ok := lookup(EnvPrefix + "RUN_ON_START"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sRUN_ON_START: %q is not a boolean", EnvPrefix, v)
		}
		cfg.Schedule.RunOnStart = b
	}

	if v, ok := lookup(EnvPrefix + "KAFKA_BROKERS"); ok {
		brokers := []string{}
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		cfg.Gateway.Kafka.Brokers = brokers
	}
	return nil
}

// Validate checks the configuration against the embedded schema and
// resolves the schedule zone.
func (c Config) Validate() error {
	if c.Gateway.Kafka.Brokers == nil {
		c.Gateway.Kafka.Brokers = []string{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	value := ctx.Encode(c)
	if err := value.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %s", strings.TrimSpace(cueerrors.Details(err, nil)))
	}

	if _, err := c.ScheduleSpec(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ScheduleSpec parses the schedule section.
func (c Config) ScheduleSpec() (scheduler.Schedule, error) {
	return scheduler.ParseSchedule(c.Schedule.Time, c.Schedule.Zone)
}

// EngineRules converts the rules section for the engine.
func (c Config) EngineRules() engine.Rules {
	return engine.Rules{
		LowSessionsThreshold: c.Rules.LowSessionsThreshold,
		LowSessionsCooldown:  time.Duration(c.Rules.LowSessionsCooldownDays) * 24 * time.Hour,
		DormantAfter:         time.Duration(c.Rules.DormantAfterDays) * 24 * time.Hour,
		DormantCooldown:      time.Duration(c.Rules.DormantCooldownDays) * 24 * time.Hour,
	}
}

func days(d time.Duration) int {
	return int(d / (24 * time.Hour))
}
