package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/recordroom/ttcontrol/services/supervisor/internal/utils"
)

const (
	defaultReceiverPort         = 8080
	defaultPollInterval         = 2 * time.Second
	defaultRequestTimeout       = 5 * time.Second
	defaultMinPlay              = 60 * time.Second
	minPlayFloor                = 60 * time.Second // recorded plays are never shorter
	defaultWarnAfter            = 25 * time.Minute
	defaultReceiverBootDelay    = 10 * time.Second
	defaultReceiverCommandDelay = 2 * time.Second
	defaultCommandRetries       = 3
	defaultCommandRetryMax      = 10 * time.Second
	defaultStatusAddr           = ":9091"
	defaultLogLevel             = "info"
	defaultLogFormat            = "console"
)

// Config holds runtime configuration for the supervisor.
type Config struct {
	TurntableURL      string        `yaml:"tt_url"`
	TurntableSwitchID int           `yaml:"tt_switch_id"`
	PreAmpURL         string        `yaml:"pre_amp_url"`
	PreAmpSwitchID    int           `yaml:"pre_amp_switch_id"`
	ReceiverIP        string        `yaml:"receiver_ip"`
	ReceiverPort      int           `yaml:"receiver_port"`
	TTInput           string        `yaml:"tt_input"`
	SoundMode         string        `yaml:"sound_mode"`
	Volume            *float64      `yaml:"volume"`
	ShutdownDelay     time.Duration `yaml:"shutdown_delay"`
	DBFolder          string        `yaml:"db_folder"`
	DatabaseURL       string        `yaml:"database_url"`

	PollInterval         time.Duration `yaml:"poll_interval"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	MinPlay              time.Duration `yaml:"min_play"`
	WarnAfter            time.Duration `yaml:"warn_after"`
	ReceiverBootDelay    time.Duration `yaml:"receiver_boot_delay"`
	ReceiverCommandDelay time.Duration `yaml:"receiver_command_delay"`
	CommandRetries       int           `yaml:"command_retries"`
	CommandRetryMax      time.Duration `yaml:"command_retry_max"`

	StatusAddr string `yaml:"status_addr"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
}

// Defaults returns a Config with every optional setting filled in.
func Defaults() Config {
	return Config{
		ReceiverPort:         defaultReceiverPort,
		PollInterval:         defaultPollInterval,
		RequestTimeout:       defaultRequestTimeout,
		MinPlay:              defaultMinPlay,
		WarnAfter:            defaultWarnAfter,
		ReceiverBootDelay:    defaultReceiverBootDelay,
		ReceiverCommandDelay: defaultReceiverCommandDelay,
		CommandRetries:       defaultCommandRetries,
		CommandRetryMax:      defaultCommandRetryMax,
		StatusAddr:           defaultStatusAddr,
		LogLevel:             defaultLogLevel,
		LogFormat:            defaultLogFormat,
	}
}

// Load reads configuration from an optional YAML file and the environment
// (optionally .env files); environment values win.
func Load(yamlPath string, envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f) // ignore missing file
	}

	cfg := Defaults()
	if path := strings.TrimSpace(yamlPath); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	envString("TT_URL", &cfg.TurntableURL)
	envString("PRE_AMP_URL", &cfg.PreAmpURL)
	envString("RECEIVER_IP", &cfg.ReceiverIP)
	envString("TT_INPUT", &cfg.TTInput)
	envString("SOUND_MODE", &cfg.SoundMode)
	envString("DB_FOLDER", &cfg.DBFolder)
	envString("DATABASE_URL", &cfg.DatabaseURL)
	envString("STATUS_ADDR", &cfg.StatusAddr)
	envString("LOG_LEVEL", &cfg.LogLevel)
	envString("LOG_FORMAT", &cfg.LogFormat)

	ints := []struct {
		key string
		dst *int
	}{
		{"TT_SWITCH_ID", &cfg.TurntableSwitchID},
		{"PRE_AMP_SWITCH_ID", &cfg.PreAmpSwitchID},
		{"RECEIVER_PORT", &cfg.ReceiverPort},
		{"COMMAND_RETRIES", &cfg.CommandRetries},
	}
	for _, i := range ints {
		if err := envInt(i.key, i.dst); err != nil {
			return err
		}
	}

	if v, ok := lookup("VOLUME"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid VOLUME: %w", err)
		}
		cfg.Volume = &f
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SHUTDOWN_DELAY", &cfg.ShutdownDelay},
		{"POLL_INTERVAL", &cfg.PollInterval},
		{"REQUEST_TIMEOUT", &cfg.RequestTimeout},
		{"MIN_PLAY", &cfg.MinPlay},
		{"WARN_AFTER", &cfg.WarnAfter},
		{"RECEIVER_BOOT_DELAY", &cfg.ReceiverBootDelay},
		{"RECEIVER_COMMAND_DELAY", &cfg.ReceiverCommandDelay},
		{"COMMAND_RETRY_MAX", &cfg.CommandRetryMax},
	}
	for _, d := range durations {
		if err := envDuration(d.key, d.dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks required settings and ranges.
func (c Config) Validate() error {
	required := []struct {
		key   string
		value string
	}{
		{"TT_URL", c.TurntableURL},
		{"PRE_AMP_URL", c.PreAmpURL},
		{"RECEIVER_IP", c.ReceiverIP},
		{"TT_INPUT", c.TTInput},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%s is required", r.key)
		}
	}
	if c.Volume == nil {
		return errors.New("VOLUME is required")
	}
	if _, err := utils.VolumeLevel(*c.Volume); err != nil {
		return fmt.Errorf("invalid VOLUME: %w", err)
	}
	if c.ShutdownDelay <= 0 {
		return errors.New("SHUTDOWN_DELAY is required and must be > 0")
	}
	if strings.TrimSpace(c.DatabaseURL) == "" && strings.TrimSpace(c.DBFolder) == "" {
		return errors.New("DB_FOLDER is required when DATABASE_URL is unset")
	}
	if c.ReceiverPort <= 0 || c.ReceiverPort > 65535 {
		return fmt.Errorf("invalid RECEIVER_PORT: %d", c.ReceiverPort)
	}
	if c.PollInterval <= 0 {
		return errors.New("POLL_INTERVAL must be > 0")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("REQUEST_TIMEOUT must be > 0")
	}
	if c.MinPlay < minPlayFloor {
		return fmt.Errorf("MIN_PLAY must be >= %s", minPlayFloor)
	}
	if c.WarnAfter <= 0 {
		return errors.New("WARN_AFTER must be > 0")
	}
	if c.ReceiverBootDelay <= 0 {
		return errors.New("RECEIVER_BOOT_DELAY must be > 0")
	}
	if c.ReceiverCommandDelay <= 0 {
		return errors.New("RECEIVER_COMMAND_DELAY must be > 0")
	}
	if c.CommandRetries < 1 {
		return errors.New("COMMAND_RETRIES must be >= 1")
	}
	if c.CommandRetryMax <= 0 {
		return errors.New("COMMAND_RETRY_MAX must be > 0")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console")
	}
	return nil
}

// ReceiverURL returns the base URL of the receiver's HTTP interface.
func (c Config) ReceiverURL() string {
	host := strings.TrimSpace(c.ReceiverIP)
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return strings.TrimRight(host, "/")
	}
	return fmt.Sprintf("http://%s:%d", host, c.ReceiverPort)
}

// VolumeDB returns the configured volume, or the minimum when unset.
func (c Config) VolumeDB() float64 {
	if c.Volume == nil {
		return -80
	}
	return *c.Volume
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func envString(key string, dst *string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

// envDuration accepts Go durations ("10m") or a bare number of seconds.
func envDuration(key string, dst *time.Duration) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	d, err := parseSeconds(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func parseSeconds(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}
