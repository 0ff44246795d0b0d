// Package config loads application configuration from defaults, a YAML file,
// a .env file and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/bissquit/signup-approval/internal/mailqueue"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes environment overrides, e.g. SIGNUP_QUEUE__POLL_INTERVAL=5s.
const EnvPrefix = "SIGNUP_"

// Run modes.
const (
	ModeAll    = "all"
	ModeAPI    = "api"
	ModeWorker = "worker"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is the application configuration.
type Config struct {
	Mode     string         `koanf:"mode"`
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`
	Log      LogConfig      `koanf:"log"`
	CORS     CORSConfig     `koanf:"cors"`
	Approval ApprovalConfig `koanf:"approval"`
	Mail     MailConfig     `koanf:"mail"`
	Push     PushConfig     `koanf:"push"`
	Queue    QueueConfig    `koanf:"queue"`
}

// ServerConfig configures the HTTP servers.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig selects and configures the store.
type DatabaseConfig struct {
	Driver          string        `koanf:"driver"`
	URL             string        `koanf:"url"`
	Path            string        `koanf:"path"`
	BusyTimeout     time.Duration `koanf:"busy_timeout"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// RedisConfig configures the optional cluster-wide cycle guard.
type RedisConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Key      string `koanf:"key"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CORSConfig configures allowed browser origins.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// ApprovalConfig configures the approval workflow.
type ApprovalConfig struct {
	AdminEmail        string        `koanf:"admin_email"`
	BaseURL           string        `koanf:"base_url"`
	PushTimeout       time.Duration `koanf:"push_timeout"`
	NotifyLease       time.Duration `koanf:"notify_lease"`
	EmailClaimTimeout time.Duration `koanf:"email_claim_timeout"`
}

// MailConfig configures the SMTP sender.
type MailConfig struct {
	Enabled       bool          `koanf:"enabled"`
	SMTPHost      string        `koanf:"smtp_host"`
	SMTPPort      int           `koanf:"smtp_port"`
	SMTPUser      string        `koanf:"smtp_user"`
	SMTPPassword  string        `koanf:"smtp_password"`
	FromAddress   string        `koanf:"from_address"`
	RequireTLS    bool          `koanf:"require_tls"`
	DialTimeout   time.Duration `koanf:"dial_timeout"`
	VerifyOnStart bool          `koanf:"verify_on_start"`
}

// PushConfig configures the OneSignal sender.
type PushConfig struct {
	Enabled bool          `koanf:"enabled"`
	AppID   string        `koanf:"app_id"`
	APIKey  string        `koanf:"api_key"`
	APIURL  string        `koanf:"api_url"`
	Timeout time.Duration `koanf:"timeout"`
}

// QueueConfig configures the delivery engine.
type QueueConfig struct {
	BatchSize     int           `koanf:"batch_size"`
	PollInterval  time.Duration `koanf:"poll_interval"`
	LeaseDuration time.Duration `koanf:"lease_duration"`
	SendTimeout   time.Duration `koanf:"send_timeout"`
	NumWorkers    int           `koanf:"num_workers"`
	MaxRetries    int           `koanf:"max_retries"`
	OnExhausted   string        `koanf:"on_exhausted"`
	AlertAddress  string        `koanf:"alert_address"`
	SendRate      float64       `koanf:"send_rate"`
	SendBurst     int           `koanf:"send_burst"`
	Owner         string        `koanf:"owner"`
}

// Default returns the built-in configuration.
func Default() Config {
	engine := mailqueue.DefaultEngineConfig()

	return Config{
		Mode: ModeAll,
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          DriverPostgres,
			Path:            "signup.db",
			BusyTimeout:     5 * time.Second,
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: time.Hour,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
			AutoMigrate:     true,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			Key:  "signup-approval:mailqueue:cycle",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
		Approval: ApprovalConfig{
			BaseURL:           "http://localhost:8080",
			PushTimeout:       10 * time.Second,
			NotifyLease:       time.Minute,
			EmailClaimTimeout: 5 * time.Minute,
		},
		Mail: MailConfig{
			SMTPHost:      "smtp.gmail.com",
			SMTPPort:      587,
			DialTimeout:   10 * time.Second,
			VerifyOnStart: true,
		},
		Push: PushConfig{
			APIURL:  "https://onesignal.com/api/v1",
			Timeout: 10 * time.Second,
		},
		Queue: QueueConfig{
			BatchSize:     engine.BatchSize,
			PollInterval:  engine.PollInterval,
			LeaseDuration: engine.LeaseDuration,
			SendTimeout:   engine.SendTimeout,
			NumWorkers:    engine.NumWorkers,
			MaxRetries:    engine.MaxRetries,
			OnExhausted:   string(engine.OnExhausted),
			SendBurst:     engine.SendBurst,
		},
	}
}

// legacyEnv maps variable names of the original deployment to config keys.
var legacyEnv = map[string]string{
	"ADMIN_EMAIL":       "approval.admin_email",
	"BACKEND_URL":       "approval.base_url",
	"PORT":              "server.port",
	"DATABASE_URL":      "database.url",
	"GMAIL_USER":        "mail.smtp_user",
	"GMAIL_PASS":        "mail.smtp_password",
	"ONESIGNAL_APP_ID":  "push.app_id",
	"ONESIGNAL_API_KEY": "push.api_key",
}

// Load reads configuration. Sources, from lowest to highest precedence:
// defaults, the YAML file at path (optional), .env, legacy variables, SIGNUP_ variables.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	legacy := env.ProviderWithValue("", ".", func(key, value string) (string, interface{}) {
		mapped, ok := legacyEnv[key]
		if !ok || value == "" {
			return "", nil
		}
		return mapped, value
	})
	if err := k.Load(legacy, nil); err != nil {
		return nil, fmt.Errorf("load legacy environment: %w", err)
	}

	prefixed := env.Provider(EnvPrefix, ".", func(key string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "__", ".")
	})
	if err := k.Load(prefixed, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Credentials alone turn a sender on, as in the original deployment.
	if !k.Exists("mail.enabled") && cfg.Mail.SMTPUser != "" {
		cfg.Mail.Enabled = true
	}
	if !k.Exists("push.enabled") && cfg.Push.AppID != "" && cfg.Push.APIKey != "" {
		cfg.Push.Enabled = true
	}

	cfg.normalize()
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	c.Approval.BaseURL = strings.TrimRight(c.Approval.BaseURL, "/")
	if c.Mail.FromAddress == "" {
		c.Mail.FromAddress = c.Mail.SMTPUser
	}
	if c.Queue.AlertAddress == "" {
		c.Queue.AlertAddress = c.Approval.AdminEmail
	}
}

// RunsAPI reports whether the HTTP API is served in this mode.
func (c *Config) RunsAPI() bool {
	return c.Mode == ModeAll || c.Mode == ModeAPI
}

// RunsWorker reports whether the delivery engine runs in this mode.
func (c *Config) RunsWorker() bool {
	return c.Mode == ModeAll || c.Mode == ModeWorker
}

// RunsEngine reports whether the delivery engine polls the queue. Without a
// mail transport entries stay pending until a process with mail enabled runs.
func (c *Config) RunsEngine() bool {
	return c.RunsWorker() && c.Mail.Enabled
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	switch c.Mode {
	case ModeAll, ModeAPI, ModeWorker:
	default:
		errs = append(errs, fmt.Errorf("mode must be one of all, api, worker: got %q", c.Mode))
	}

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for postgres"))
		}
	case DriverSQLite:
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver must be postgres or sqlite: got %q", c.Database.Driver))
	}

	if c.RunsAPI() {
		if c.Approval.AdminEmail == "" {
			errs = append(errs, errors.New("approval.admin_email is required"))
		}
		if c.Approval.BaseURL == "" {
			errs = append(errs, errors.New("approval.base_url is required"))
		}
	}

	if c.Mail.Enabled {
		if c.Mail.SMTPHost == "" {
			errs = append(errs, errors.New("mail.smtp_host is required when mail is enabled"))
		}
		if c.Mail.FromAddress == "" {
			errs = append(errs, errors.New("mail.from_address is required when mail is enabled"))
		}
	}

	if c.Push.Enabled && (c.Push.AppID == "" || c.Push.APIKey == "") {
		errs = append(errs, errors.New("push.app_id and push.api_key are required when push is enabled"))
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}

	errs = append(errs, c.Queue.validate()...)

	return errors.Join(errs...)
}

func (q QueueConfig) validate() []error {
	var errs []error
	if q.PollInterval <= 0 {
		errs = append(errs, errors.New("queue.poll_interval must be positive"))
	}
	if q.BatchSize <= 0 {
		errs = append(errs, errors.New("queue.batch_size must be positive"))
	}
	if q.NumWorkers <= 0 {
		errs = append(errs, errors.New("queue.num_workers must be positive"))
	}
	if q.SendTimeout <= 0 {
		errs = append(errs, errors.New("queue.send_timeout must be positive"))
	}
	if q.LeaseDuration <= q.SendTimeout {
		errs = append(errs, errors.New("queue.lease_duration must exceed queue.send_timeout"))
	}
	if q.MaxRetries < 0 {
		errs = append(errs, errors.New("queue.max_retries must not be negative"))
	}
	policy := mailqueue.ExhaustedPolicy(q.OnExhausted)
	if !policy.Valid() {
		errs = append(errs, fmt.Errorf("queue.on_exhausted must be retry, dead_letter or dead_letter_alert: got %q", q.OnExhausted))
	}
	if policy == mailqueue.PolicyDeadLetterAlert && q.AlertAddress == "" {
		errs = append(errs, errors.New("queue.alert_address is required for dead_letter_alert"))
	}
	if q.SendRate < 0 {
		errs = append(errs, errors.New("queue.send_rate must not be negative"))
	}
	return errs
}

// EngineConfig converts queue settings into the engine configuration.
func (q QueueConfig) EngineConfig() mailqueue.EngineConfig {
	return mailqueue.EngineConfig{
		BatchSize:     q.BatchSize,
		PollInterval:  q.PollInterval,
		LeaseDuration: q.LeaseDuration,
		SendTimeout:   q.SendTimeout,
		NumWorkers:    q.NumWorkers,
		MaxRetries:    q.MaxRetries,
		OnExhausted:   mailqueue.ExhaustedPolicy(q.OnExhausted),
		AlertAddress:  q.AlertAddress,
		SendRate:      q.SendRate,
		SendBurst:     q.SendBurst,
		Owner:         q.Owner,
	}
}
