package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// RelayConfig describes the upstream relay connection.
type RelayConfig struct {
	Addr    string        `env:"RELAY_ADDR" envDefault:"localhost:7000"`
	Project string        `env:"SIGNALWIRE_PROJECT"`
	Token   string        `env:"SIGNALWIRE_TOKEN"`
	Timeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	// MaxFrame caps a single netstring frame in bytes.
	MaxFrame int  `env:"MAX_FRAME" envDefault:"4194304"`
	Verbose  bool `env:"RELAY_VERBOSE" envDefault:"false"`
}

// Validate checks the credentials needed to authenticate.
func (c RelayConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Project) == "" {
		errs = append(errs, errors.New("SIGNALWIRE_PROJECT is required"))
	}
	if strings.TrimSpace(c.Token) == "" {
		errs = append(errs, errors.New("SIGNALWIRE_TOKEN is required"))
	}
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("RELAY_ADDR is required"))
	}
	return errors.Join(errs...)
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}

// Logger builds a logrus logger writing to stderr.
func (c LogConfig) Logger() (*logrus.Logger, error) {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	l.SetLevel(level)
	switch strings.ToLower(c.Format) {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, errors.New("LOG_FORMAT must be text or json")
	}
	return l, nil
}

type CallStoreConfig struct {
	Enabled  bool          `env:"CALL_STORE_ENABLED" envDefault:"false"`
	Addr     string        `env:"REDIS_ADDR" envDefault:"redis:6379"`
	Username string        `env:"REDIS_USERNAME"`
	Password string        `env:"REDIS_PASSWORD" envDefault:""`
	DB       int           `env:"REDIS_DB" envDefault:"0"`
	Prefix   string        `env:"CALL_STORE_PREFIX"`
	TTL      time.Duration `env:"CALL_TTL" envDefault:"1h"`
}

// ConsumerConfig configures `relaycall run`.
type ConsumerConfig struct {
	Relay RelayConfig
	Log   LogConfig
	Store CallStoreConfig

	Contexts []string `env:"RELAY_CONTEXTS" envSeparator:"," envDefault:"default"`
	// GatewayAddr, when set, routes traffic through a relaycall gateway
	// instead of a direct relay connection.
	GatewayAddr    string `env:"GATEWAY_ADDR"`
	UseTls         bool   `env:"USE_TLS" envDefault:"false"`
	ValidateEvents bool   `env:"VALIDATE_EVENTS" envDefault:"false"`
	JournalPath    string `env:"JOURNAL_PATH"`
	StatusAddr     string `env:"STATUS_ADDR"`
}

func (c *ConsumerConfig) Validate() error {
	if c == nil {
		return errors.New("missing consumer config")
	}
	if c.GatewayAddr != "" {
		return nil
	}
	return c.Relay.Validate()
}

// GatewayConfig configures `relaycall gateway`.
type GatewayConfig struct {
	Relay RelayConfig
	Log   LogConfig

	Port      string `env:"PORT" envDefault:":50051"`
	QueueSize int    `env:"SUBSCRIBER_QUEUE" envDefault:"128"`
}

// ListenAddr makes sure the port has a leading ":".
func (c *GatewayConfig) ListenAddr() string {
	if strings.Contains(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}
