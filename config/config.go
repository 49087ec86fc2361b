package config

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Netflix/go-env"
	"github.com/breez/data-mirror/logging"
	"gopkg.in/yaml.v3"
)

const (
	SinkModeGrpc  = "grpc"
	SinkModeLocal = "local"

	KindContacts = "contacts"
	KindCalendar = "calendar"
)

var ErrInvalid = errors.New("invalid configuration")

type Certificate struct {
	Raw *x509.Certificate
}

// UnmarshalEnvironmentValue parses a base64 encoded PEM certificate.
func (c *Certificate) UnmarshalEnvironmentValue(data string) error {
	decodedData, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("could not decode base64-encoded certificate: %w", err)
	}

	block, _ := pem.Decode(decodedData)
	if block == nil {
		return errors.New("CA certificate is invalid")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("could not parse CA cert: %w", err)
	}

	c.Raw = cert
	return nil
}

func (c *Certificate) UnmarshalYAML(node *yaml.Node) error {
	var data string
	if err := node.Decode(&data); err != nil {
		return err
	}
	return c.UnmarshalEnvironmentValue(data)
}

type StateConfig struct {
	SQLitePath  string `yaml:"sqlite_path" env:"MIRROR_STATE_SQLITE_PATH"`
	PostgresURL string `yaml:"postgres_url" env:"MIRROR_STATE_DATABASE_URL"`
}

type SinkConfig struct {
	Mode    string `yaml:"mode" env:"MIRROR_SINK_MODE"`
	Address string `yaml:"address" env:"MIRROR_SINK_ADDRESS"`
	// CollectionPrefix is prepended to every scope collection.
	CollectionPrefix string `yaml:"collection_prefix" env:"MIRROR_SINK_COLLECTION_PREFIX"`
	// SigningKeyRef and APIKeyRef are secret references (file:, env:, awssm:).
	SigningKeyRef string `yaml:"signing_key" env:"MIRROR_SINK_SIGNING_KEY"`
	APIKeyRef     string `yaml:"api_key" env:"MIRROR_SINK_API_KEY"`
	// LocalDatabase is the sqlite file documents are written to in local mode.
	LocalDatabase string `yaml:"local_database" env:"MIRROR_SINK_LOCAL_DATABASE"`
}

type GoogleConfig struct {
	CredentialsRef string `yaml:"credentials" env:"MIRROR_GOOGLE_CREDENTIALS"`
	AWSRegion      string `yaml:"aws_region" env:"MIRROR_AWS_REGION"`
}

// Duration reads Go duration strings ("1s", "2m30s") from YAML and the
// environment.
type Duration time.Duration

func (d *Duration) UnmarshalEnvironmentValue(data string) error {
	v, err := time.ParseDuration(data)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", data, err)
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var data string
	if err := node.Decode(&data); err != nil {
		return err
	}
	return d.UnmarshalEnvironmentValue(data)
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type SyncConfig struct {
	LookbackDays   int      `yaml:"lookback_days" env:"MIRROR_LOOKBACK_DAYS"`
	BatchSize      int      `yaml:"batch_size" env:"MIRROR_BATCH_SIZE"`
	MaxRetries     int      `yaml:"max_retries" env:"MIRROR_MAX_RETRIES"`
	BackoffInitial Duration `yaml:"backoff_initial" env:"MIRROR_BACKOFF_INITIAL"`
	BackoffMax     Duration `yaml:"backoff_max" env:"MIRROR_BACKOFF_MAX"`
	CallTimeout    Duration `yaml:"call_timeout" env:"MIRROR_CALL_TIMEOUT"`
	Concurrency    int      `yaml:"concurrency" env:"MIRROR_CONCURRENCY"`
	DryRun         bool     `yaml:"dry_run" env:"MIRROR_DRY_RUN"`
}

type ScopeConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
	// Collection defaults to the scope name.
	Collection      string   `yaml:"collection"`
	CalendarID      string   `yaml:"calendar_id"`
	ContactGroups   []string `yaml:"contact_groups"`
	PhotoSync       bool     `yaml:"photo_sync"`
	DefaultTimezone string   `yaml:"default_timezone"`
	AlarmMinutes    int      `yaml:"alarm_minutes"`
}

type RuntimeConfig struct {
	LockPath string `yaml:"lock_path" env:"MIRROR_LOCK_PATH"`
}

type LoggingConfig struct {
	Level string `yaml:"level" env:"MIRROR_LOG_LEVEL"`
	JSON  bool   `yaml:"json" env:"MIRROR_LOG_JSON"`
}

type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url" env:"MIRROR_PUSHGATEWAY_URL"`
	Job            string `yaml:"job" env:"MIRROR_METRICS_JOB"`
}

type ServerConfig struct {
	GrpcListenAddress    string       `yaml:"grpc_listen_address" env:"GRPC_LISTEN_ADDRESS"`
	GrpcWebListenAddress string       `yaml:"grpc_web_listen_address" env:"GRPC_WEB_LISTEN_ADDRESS"`
	MetricsListenAddress string       `yaml:"metrics_listen_address" env:"METRICS_LISTEN_ADDRESS"`
	SQLitePath           string       `yaml:"sqlite_path" env:"SQLITE_PATH"`
	PgDatabaseUrl        string       `yaml:"database_url" env:"DATABASE_URL"`
	CACert               *Certificate `yaml:"ca_cert" env:"CA_CERT"`
}

type Config struct {
	State   StateConfig   `yaml:"state"`
	Sink    SinkConfig    `yaml:"sink"`
	Google  GoogleConfig  `yaml:"google"`
	Sync    SyncConfig    `yaml:"sync"`
	Scopes  []ScopeConfig `yaml:"scopes"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Server  ServerConfig  `yaml:"server"`
}

func Default() *Config {
	return &Config{
		State: StateConfig{SQLitePath: "data-mirror.db"},
		Sink:  SinkConfig{Mode: SinkModeGrpc},
		Sync: SyncConfig{
			LookbackDays:   730,
			BatchSize:      200,
			MaxRetries:     5,
			BackoffInitial: Duration(time.Second),
			BackoffMax:     Duration(30 * time.Second),
			CallTimeout:    Duration(30 * time.Second),
		},
		Runtime: RuntimeConfig{LockPath: "/tmp/data-mirror.lock"},
		Logging: LoggingConfig{Level: "info", JSON: true},
		Metrics: MetricsConfig{Job: "data_mirror"},
		Server: ServerConfig{
			GrpcListenAddress: "0.0.0.0:8080",
			SQLitePath:        "documents.db",
		},
	}
}

// Load applies the YAML file at path (when not empty) and then the
// environment on top of the defaults. The result is not validated.
func Load(path string) (*Config, error) {
	environ, err := env.EnvironToEnvSet(os.Environ())
	if err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	return load(path, environ)
}

func load(path string, environ env.EnvSet) (*Config, error) {
	config := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %v: %w", path, err)
		}
	}
	if err := env.Unmarshal(environ, config); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	for i := range config.Scopes {
		config.Scopes[i].applyDefaults()
	}
	return config, nil
}

func (s *ScopeConfig) applyDefaults() {
	if s.Collection == "" {
		s.Collection = s.Name
	}
	if s.Kind == KindCalendar && s.CalendarID == "" {
		s.CalendarID = "primary"
	}
}

// Lookback is the resync window.
func (s SyncConfig) Lookback() time.Duration {
	return time.Duration(s.LookbackDays) * 24 * time.Hour
}

// Validate checks the settings shared by every command.
func (c *Config) Validate() error {
	return invalid(c.problems())
}

func invalid(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func (c *Config) problems() []error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.State.SQLitePath == "" && c.State.PostgresURL == "" {
		fail("state: one of sqlite_path or postgres_url is required")
	}
	if c.State.SQLitePath != "" && c.State.PostgresURL != "" {
		fail("state: sqlite_path and postgres_url are mutually exclusive")
	}

	s := c.Sync
	if s.LookbackDays < 1 || s.LookbackDays > 1825 {
		fail("sync.lookback_days must be within 1..1825, got %d", s.LookbackDays)
	}
	if s.BatchSize < 1 || s.BatchSize > 1000 {
		fail("sync.batch_size must be within 1..1000, got %d", s.BatchSize)
	}
	if s.MaxRetries < 0 || s.MaxRetries > 10 {
		fail("sync.max_retries must be within 0..10, got %d", s.MaxRetries)
	}
	if s.BackoffInitial <= 0 {
		fail("sync.backoff_initial must be positive")
	}
	if s.BackoffMax < s.BackoffInitial {
		fail("sync.backoff_max must not be below sync.backoff_initial")
	}
	if s.CallTimeout <= 0 {
		fail("sync.call_timeout must be positive")
	}
	if s.Concurrency < 0 {
		fail("sync.concurrency must not be negative")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		fail("logging.level: %v", err)
	}

	names := make(map[string]bool, len(c.Scopes))
	for i, sc := range c.Scopes {
		if sc.Name == "" {
			fail("scopes[%d]: name is required", i)
			continue
		}
		if names[sc.Name] {
			fail("scopes[%d]: duplicate name %q", i, sc.Name)
		}
		names[sc.Name] = true
		switch sc.Kind {
		case KindContacts:
		case KindCalendar:
			if sc.DefaultTimezone != "" {
				if _, err := time.LoadLocation(sc.DefaultTimezone); err != nil {
					fail("scopes[%d]: invalid default_timezone %q", i, sc.DefaultTimezone)
				}
			}
		default:
			fail("scopes[%d]: kind must be %v or %v, got %q", i, KindContacts, KindCalendar, sc.Kind)
		}
		if sc.AlarmMinutes < 0 {
			fail("scopes[%d]: alarm_minutes must not be negative", i)
		}
	}
	return errs
}

// ValidateRun adds the requirements of a reconciliation run.
func (c *Config) ValidateRun() error {
	errs := c.problems()
	if len(c.Scopes) == 0 {
		errs = append(errs, errors.New("at least one scope is required"))
	}
	if c.Google.CredentialsRef == "" {
		errs = append(errs, errors.New("google.credentials is required"))
	}
	switch c.Sink.Mode {
	case SinkModeGrpc:
		if c.Sink.Address == "" {
			errs = append(errs, errors.New("sink.address is required in grpc mode"))
		}
		if c.Sink.SigningKeyRef == "" {
			errs = append(errs, errors.New("sink.signing_key is required in grpc mode"))
		}
	case SinkModeLocal:
		if c.Sink.LocalDatabase == "" {
			errs = append(errs, errors.New("sink.local_database is required in local mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("sink.mode must be %v or %v, got %q", SinkModeGrpc, SinkModeLocal, c.Sink.Mode))
	}
	if c.Runtime.LockPath == "" {
		errs = append(errs, errors.New("runtime.lock_path is required"))
	}
	return invalid(errs)
}

// ValidateServe adds the requirements of the document store server.
func (c *Config) ValidateServe() error {
	errs := c.problems()
	if c.Server.GrpcListenAddress == "" {
		errs = append(errs, errors.New("server.grpc_listen_address is required"))
	}
	if c.Server.SQLitePath == "" && c.Server.PgDatabaseUrl == "" {
		errs = append(errs, errors.New("one of server.sqlite_path or server.database_url is required"))
	}
	return invalid(errs)
}
