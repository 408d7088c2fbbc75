package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Event bus selections
const (
	EventBusNone     = "none"
	EventBusRabbitMQ = "rabbitmq"
	EventBusNATS     = "nats"
)

// Config holds all application configuration
type Config struct {
	ServiceName string           `yaml:"service_name"`
	ServicePort int              `yaml:"service_port"`
	LogLevel    string           `yaml:"log_level"`
	HTTP        HTTPConfig       `yaml:"http"`
	Database    DatabaseConfig   `yaml:"database"`
	RouterOS    RouterOSConfig   `yaml:"routeros"`
	Expiration  ExpirationConfig `yaml:"expiration"`
	Accounts    AccountsConfig   `yaml:"accounts"`
	EventBus    string           `yaml:"event_bus"`
	RabbitMQ    RabbitMQConfig   `yaml:"rabbitmq"`
	NATS        NATSConfig       `yaml:"nats"`
}

// HTTPConfig holds operational API settings
type HTTPConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL         string `yaml:"url"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// RouterOSConfig holds device session settings
type RouterOSConfig struct {
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	DefaultPort      int           `yaml:"default_port"`
}

// ExpirationConfig holds enforcement loop settings
type ExpirationConfig struct {
	Interval          time.Duration `yaml:"interval"`
	RunOnStart        bool          `yaml:"run_on_start"`
	RouterConcurrency int           `yaml:"router_concurrency"`
}

// AccountsConfig holds account defaults
type AccountsConfig struct {
	DefaultDays   int    `yaml:"default_days"`
	InputTimezone string `yaml:"input_timezone"`
}

// RabbitMQConfig holds RabbitMQ connection, exchange and queue settings
type RabbitMQConfig struct {
	URL               string `yaml:"url"`
	EventsExchange    string `yaml:"events_exchange"`
	CommandExchange   string `yaml:"command_exchange"`
	CommandQueue      string `yaml:"command_queue"`
	CommandRoutingKey string `yaml:"command_routing_key"`
	DLQQueue          string `yaml:"dlq_queue"`
	PrefetchCount     int    `yaml:"prefetch"`
	CommandsEnabled   bool   `yaml:"commands_enabled"`
}

// NATSConfig holds NATS settings
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Defaults returns the configuration used when nothing is set
func Defaults() *Config {
	return &Config{
		ServiceName: "router-secrets-worker",
		ServicePort: 8081,
		LogLevel:    "info",
		HTTP: HTTPConfig{
			RequestTimeout: 2 * time.Minute,
		},
		Database: DatabaseConfig{
			AutoMigrate: true,
		},
		RouterOS: RouterOSConfig{
			ConnectTimeout:   15 * time.Second,
			OperationTimeout: 60 * time.Second,
			DefaultPort:      8728,
		},
		Expiration: ExpirationConfig{
			Interval:          time.Hour,
			RunOnStart:        true,
			RouterConcurrency: 4,
		},
		Accounts: AccountsConfig{
			DefaultDays:   30,
			InputTimezone: "UTC",
		},
		EventBus: EventBusNone,
		RabbitMQ: RabbitMQConfig{
			EventsExchange:    "router-secrets.events.exchange",
			CommandExchange:   "router-secrets.commands.exchange",
			CommandQueue:      "router-secrets.commands.queue",
			CommandRoutingKey: "router.command",
			DLQQueue:          "router-secrets.commands.dlq",
			PrefetchCount:     1,
			CommandsEnabled:   true,
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "router-secrets",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named by
// CONFIG_FILE, and environment variables, in increasing precedence
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)
	c.ServicePort = getEnvAsInt("SERVICE_PORT", c.ServicePort)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.HTTP.RequestTimeout = getEnvAsDuration("HTTP_REQUEST_TIMEOUT", c.HTTP.RequestTimeout)

	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.Database.AutoMigrate = getEnvAsBool("DATABASE_AUTO_MIGRATE", c.Database.AutoMigrate)

	c.RouterOS.ConnectTimeout = getEnvAsDuration("ROUTEROS_TIMEOUT", c.RouterOS.ConnectTimeout)
	c.RouterOS.OperationTimeout = getEnvAsDuration("ROUTEROS_OPERATION_TIMEOUT", c.RouterOS.OperationTimeout)
	c.RouterOS.DefaultPort = getEnvAsInt("ROUTEROS_DEFAULT_PORT", c.RouterOS.DefaultPort)

	c.Expiration.Interval = getEnvAsDuration("EXPIRATION_INTERVAL", c.Expiration.Interval)
	c.Expiration.RunOnStart = getEnvAsBool("EXPIRATION_RUN_ON_START", c.Expiration.RunOnStart)
	c.Expiration.RouterConcurrency = getEnvAsInt("EXPIRATION_ROUTER_CONCURRENCY", c.Expiration.RouterConcurrency)

	c.Accounts.DefaultDays = getEnvAsInt("ACCOUNT_DEFAULT_DAYS", c.Accounts.DefaultDays)
	c.Accounts.InputTimezone = getEnv("EXPIRY_INPUT_TIMEZONE", c.Accounts.InputTimezone)

	c.EventBus = strings.ToLower(getEnv("EVENT_BUS", c.EventBus))

	c.RabbitMQ.URL = getEnv("RABBITMQ_URL", c.RabbitMQ.URL)
	c.RabbitMQ.EventsExchange = getEnv("RABBITMQ_EVENTS_EXCHANGE", c.RabbitMQ.EventsExchange)
	c.RabbitMQ.CommandExchange = getEnv("RABBITMQ_COMMAND_EXCHANGE", c.RabbitMQ.CommandExchange)
	c.RabbitMQ.CommandQueue = getEnv("RABBITMQ_COMMAND_QUEUE", c.RabbitMQ.CommandQueue)
	c.RabbitMQ.CommandRoutingKey = getEnv("RABBITMQ_COMMAND_ROUTING_KEY", c.RabbitMQ.CommandRoutingKey)
	c.RabbitMQ.DLQQueue = getEnv("RABBITMQ_DLQ_QUEUE", c.RabbitMQ.DLQQueue)
	c.RabbitMQ.PrefetchCount = getEnvAsInt("RABBITMQ_PREFETCH", c.RabbitMQ.PrefetchCount)
	c.RabbitMQ.CommandsEnabled = getEnvAsBool("RABBITMQ_COMMANDS_ENABLED", c.RabbitMQ.CommandsEnabled)

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.SubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", c.NATS.SubjectPrefix)
}

// Validate checks required fields and cross-field rules
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}

	switch c.EventBus {
	case EventBusNone, EventBusNATS:
	case EventBusRabbitMQ:
		if c.RabbitMQ.URL == "" {
			return fmt.Errorf("RABBITMQ_URL is required when EVENT_BUS=%s", EventBusRabbitMQ)
		}
	default:
		return fmt.Errorf("EVENT_BUS must be one of %s, %s, %s; got %q", EventBusNone, EventBusRabbitMQ, EventBusNATS, c.EventBus)
	}
	if c.EventBus == EventBusNATS && c.NATS.URL == "" {
		return fmt.Errorf("NATS_URL is required when EVENT_BUS=%s", EventBusNATS)
	}

	if c.Expiration.Interval <= 0 {
		return fmt.Errorf("EXPIRATION_INTERVAL must be positive, got %s", c.Expiration.Interval)
	}
	if c.RouterOS.ConnectTimeout <= 0 {
		return fmt.Errorf("ROUTEROS_TIMEOUT must be positive, got %s", c.RouterOS.ConnectTimeout)
	}
	if c.Accounts.DefaultDays <= 0 {
		return fmt.Errorf("ACCOUNT_DEFAULT_DAYS must be positive, got %d", c.Accounts.DefaultDays)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the timezone applied to expiry input without an offset
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Accounts.InputTimezone)
	if err != nil {
		return nil, fmt.Errorf("EXPIRY_INPUT_TIMEZONE %q: %w", c.Accounts.InputTimezone, err)
	}
	return loc, nil
}

// ConsumeCommands reports whether the router command consumer should run
func (c *Config) ConsumeCommands() bool {
	return c.RabbitMQ.URL != "" && c.RabbitMQ.CommandsEnabled
}

// HTTPAddr is the listen address of the operational API
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.ServicePort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("90s", "1h") or bare seconds
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
