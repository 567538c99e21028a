// Package config loads application configuration from an optional YAML file
// and ENROLLWATCH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Config holds the application configuration.
type Config struct {
	ListenAddr        string     `yaml:"listen_addr"`
	DBPath            string     `yaml:"db_path"`
	LogsDir           string     `yaml:"logs_dir"`
	LogLevel          slog.Level `yaml:"log_level"`
	CourseCatalogPath string     `yaml:"course_catalog"`

	Provider Provider `yaml:"provider"`
	Retry    Retry    `yaml:"retry"`
	Worker   Worker   `yaml:"worker"`
	Mail     Mail     `yaml:"mail"`
}

// Provider configures the enrollment provider API client.
type Provider struct {
	BaseURL      string        `yaml:"base_url"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	Timeout      time.Duration `yaml:"timeout"`
	// RequestsPerSecond caps outbound calls across all workers. Zero disables the limit.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// HTTPRetries is the in-call retry budget for connection errors and 429/5xx gateway responses.
	HTTPRetries int  `yaml:"http_retries"`
	HTTPCache   bool `yaml:"http_cache"`
}

// Retry bounds each enrollment's attempt chain.
type Retry struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

// Worker sizes the attempt worker pool.
type Worker struct {
	Count        int           `yaml:"count"`
	PollInterval time.Duration `yaml:"poll_interval"`
	StaleAfter   time.Duration `yaml:"stale_after"`
}

// Mail configures outgoing notifications.
type Mail struct {
	SMTPAddr       string        `yaml:"smtp_addr"`
	Sender         string        `yaml:"sender"`
	Password       string        `yaml:"password"`
	AdminEmail     string        `yaml:"admin_email"`
	MoodleURL      string        `yaml:"moodle_url"`
	CourseImageURL string        `yaml:"course_image_url"`
	// Timeout bounds one SMTP delivery, from dial to QUIT.
	Timeout        time.Duration `yaml:"timeout"`
	SendAttempts   int           `yaml:"send_attempts"`
	SendRetryDelay time.Duration `yaml:"send_retry_delay"`
}

// Defaults returns the configuration used when neither the file nor the
// environment sets a value.
func Defaults() Config {
	return Config{
		ListenAddr: "127.0.0.1:8080",
		DBPath:     "enrollwatch.db",
		LogsDir:    "logs",
		LogLevel:   slog.LevelInfo,
		Provider: Provider{
			Timeout:           30 * time.Second,
			RequestsPerSecond: 5,
		},
		Retry: Retry{
			MaxRetries:   5,
			InitialDelay: time.Minute,
			RetryDelay:   3 * time.Minute,
		},
		Worker: Worker{
			Count:        4,
			PollInterval: 5 * time.Second,
			StaleAfter:   10 * time.Minute,
		},
		Mail: Mail{
			SMTPAddr:       "smtp.gmail.com:587",
			Timeout:        30 * time.Second,
			SendAttempts:   3,
			SendRetryDelay: 10 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when path is empty), then ENROLLWATCH_* environment variables, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnv overrides cfg with any ENROLLWATCH_* variables that are set.
func applyEnv(cfg *Config) error {
	var errs []error

	envString("ENROLLWATCH_LISTEN_ADDR", &cfg.ListenAddr)
	envString("ENROLLWATCH_DB_PATH", &cfg.DBPath)
	envString("ENROLLWATCH_LOGS_DIR", &cfg.LogsDir)
	envString("ENROLLWATCH_COURSE_CATALOG", &cfg.CourseCatalogPath)
	if v, ok := os.LookupEnv("ENROLLWATCH_LOG_LEVEL"); ok {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			errs = append(errs, fmt.Errorf("ENROLLWATCH_LOG_LEVEL has invalid level %q: %w", v, err))
		}
	}

	envString("ENROLLWATCH_PROVIDER_BASE_URL", &cfg.Provider.BaseURL)
	envString("ENROLLWATCH_PROVIDER_CLIENT_ID", &cfg.Provider.ClientID)
	envString("ENROLLWATCH_PROVIDER_CLIENT_SECRET", &cfg.Provider.ClientSecret)
	errs = append(errs,
		envDuration("ENROLLWATCH_PROVIDER_TIMEOUT", &cfg.Provider.Timeout),
		envFloat("ENROLLWATCH_PROVIDER_RPS", &cfg.Provider.RequestsPerSecond),
		envInt("ENROLLWATCH_PROVIDER_HTTP_RETRIES", &cfg.Provider.HTTPRetries),
		envBool("ENROLLWATCH_PROVIDER_HTTP_CACHE", &cfg.Provider.HTTPCache),

		envInt("ENROLLWATCH_MAX_RETRIES", &cfg.Retry.MaxRetries),
		envDuration("ENROLLWATCH_INITIAL_DELAY", &cfg.Retry.InitialDelay),
		envDuration("ENROLLWATCH_RETRY_DELAY", &cfg.Retry.RetryDelay),

		envInt("ENROLLWATCH_WORKERS", &cfg.Worker.Count),
		envDuration("ENROLLWATCH_POLL_INTERVAL", &cfg.Worker.PollInterval),
		envDuration("ENROLLWATCH_STALE_AFTER", &cfg.Worker.StaleAfter),

		envDuration("ENROLLWATCH_MAIL_TIMEOUT", &cfg.Mail.Timeout),
		envInt("ENROLLWATCH_MAIL_SEND_ATTEMPTS", &cfg.Mail.SendAttempts),
		envDuration("ENROLLWATCH_MAIL_RETRY_DELAY", &cfg.Mail.SendRetryDelay),
	)
	envString("ENROLLWATCH_SMTP_ADDR", &cfg.Mail.SMTPAddr)
	envString("ENROLLWATCH_MAIL_SENDER", &cfg.Mail.Sender)
	envString("ENROLLWATCH_MAIL_PASSWORD", &cfg.Mail.Password)
	envString("ENROLLWATCH_ADMIN_EMAIL", &cfg.Mail.AdminEmail)
	envString("ENROLLWATCH_MOODLE_URL", &cfg.Mail.MoodleURL)
	envString("ENROLLWATCH_COURSE_IMAGE_URL", &cfg.Mail.CourseImageURL)

	return errors.Join(errs...)
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Provider.BaseURL == "" {
		errs = append(errs, errors.New("provider base URL is required (ENROLLWATCH_PROVIDER_BASE_URL)"))
	} else if u, err := url.Parse(c.Provider.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("provider base URL %q must be an absolute URL", c.Provider.BaseURL))
	}
	if c.Provider.ClientID == "" {
		errs = append(errs, errors.New("provider client ID is required (ENROLLWATCH_PROVIDER_CLIENT_ID)"))
	}
	if c.Provider.Timeout <= 0 {
		errs = append(errs, errors.New("provider timeout must be positive"))
	}
	if c.Provider.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("provider requests per second must not be negative"))
	}
	if c.Provider.HTTPRetries < 0 {
		errs = append(errs, errors.New("provider HTTP retries must not be negative"))
	}

	if c.Retry.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("max retries must be at least 1, got %d", c.Retry.MaxRetries))
	}
	if c.Retry.InitialDelay <= 0 {
		errs = append(errs, errors.New("retry initial delay must be positive"))
	}
	if c.Retry.RetryDelay <= 0 {
		errs = append(errs, errors.New("retry delay must be positive"))
	}

	if c.Worker.Count < 1 {
		errs = append(errs, fmt.Errorf("worker count must be at least 1, got %d", c.Worker.Count))
	}
	if c.Worker.PollInterval <= 0 {
		errs = append(errs, errors.New("worker poll interval must be positive"))
	}
	if c.Worker.StaleAfter < 0 {
		errs = append(errs, errors.New("worker stale-after must not be negative"))
	} else if worst := c.MaxAttemptDuration(); c.Worker.StaleAfter > 0 && c.Worker.StaleAfter < worst {
		errs = append(errs, fmt.Errorf("worker stale-after %s is shorter than the longest attempt (%s)", c.Worker.StaleAfter, worst))
	}

	if c.Mail.SMTPAddr == "" {
		errs = append(errs, errors.New("SMTP address is required (ENROLLWATCH_SMTP_ADDR)"))
	}
	if c.Mail.Sender == "" {
		errs = append(errs, errors.New("mail sender is required (ENROLLWATCH_MAIL_SENDER)"))
	}
	if c.Mail.AdminEmail == "" {
		errs = append(errs, errors.New("admin email is required (ENROLLWATCH_ADMIN_EMAIL)"))
	}
	if c.Mail.Timeout <= 0 {
		errs = append(errs, errors.New("mail timeout must be positive"))
	}
	if c.Mail.SendAttempts < 1 {
		errs = append(errs, errors.New("mail send attempts must be at least 1"))
	}
	if c.Mail.SendRetryDelay < 0 {
		errs = append(errs, errors.New("mail retry delay must not be negative"))
	}

	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	if c.LogsDir == "" {
		errs = append(errs, errors.New("logs directory is required"))
	}

	return errors.Join(errs...)
}

// MaxAttemptDuration is the longest a single attempt can run: two provider
// calls with their in-call retries, then every SMTP delivery try with the
// delay between tries.
func (c *Config) MaxAttemptDuration() time.Duration {
	provider := 2 * c.Provider.Timeout * time.Duration(c.Provider.HTTPRetries+1)
	mail := time.Duration(c.Mail.SendAttempts) * (c.Mail.Timeout + c.Mail.SendRetryDelay)
	return provider + mail
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = strings.TrimSpace(v)
	}
}

func envDuration(key string, dst *time.Duration) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s has invalid duration %q: %w", key, v, err)
	}
	*dst = parsed
	return nil
}

func envInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s has invalid integer %q: %w", key, v, err)
	}
	*dst = parsed
	return nil
}

func envFloat(key string, dst *float64) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fmt.Errorf("%s has invalid number %q: %w", key, v, err)
	}
	*dst = parsed
	return nil
}

func envBool(key string, dst *bool) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s has invalid boolean %q: %w", key, v, err)
	}
	*dst = parsed
	return nil
}
