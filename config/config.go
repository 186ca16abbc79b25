package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/glimte/mmate-sqs/contracts"
	"github.com/glimte/mmate-sqs/schema"
	"github.com/glimte/mmate-sqs/transports/sqs"
)

// Config is the file configuration of an SQS client
type Config struct {
	// Region is the AWS region, empty uses the SDK default chain
	Region string `yaml:"region,omitempty"`

	// Endpoint overrides the SQS endpoint, e.g. for LocalStack
	Endpoint string `yaml:"endpoint,omitempty"`

	// Static credentials; empty uses the SDK default chain
	AccessKeyID     string `yaml:"accessKeyId,omitempty"`
	SecretAccessKey string `yaml:"secretAccessKey,omitempty"`
	SessionToken    string `yaml:"sessionToken,omitempty"`

	// InputQueue is the queue to receive from, empty for a one-way client
	InputQueue string `yaml:"inputQueue,omitempty"`

	Transport   Transport   `yaml:"transport"`
	Reliability Reliability `yaml:"reliability"`
	Validation  Validation  `yaml:"validation"`
	Metrics     Metrics     `yaml:"metrics"`
	Health      Health      `yaml:"health"`

	LogLevel string `yaml:"logLevel,omitempty"`
}

// Transport holds transport settings. Zero values keep the transport defaults.
type Transport struct {
	LeaseDuration            Duration `yaml:"leaseDuration,omitempty"`
	RenewalFraction          float64  `yaml:"renewalFraction,omitempty"`
	ReceiveWaitTime          Duration `yaml:"receiveWaitTime,omitempty"`
	NativeDeferredMessages   *bool    `yaml:"nativeDeferredMessages,omitempty"`
	CreateQueues             *bool    `yaml:"createQueues,omitempty"`
	MessageBatchSize         int      `yaml:"messageBatchSize,omitempty"`
	SendConcurrency          int      `yaml:"sendConcurrency,omitempty"`
	FailureVisibilityTimeout Duration `yaml:"failureVisibilityTimeout,omitempty"`
	FailureBackoff           *Backoff `yaml:"failureBackoff,omitempty"`
}

// Backoff is a delay doubling from Initial up to Max
type Backoff struct {
	Initial Duration `yaml:"initial"`
	Max     Duration `yaml:"max"`
}

// Reliability configures send retries and handler protection.
// Zero values disable the corresponding feature.
type Reliability struct {
	SendRetries      int      `yaml:"sendRetries,omitempty"`
	HandlerRetries   int      `yaml:"handlerRetries,omitempty"`
	RetryBackoff     Backoff  `yaml:"retryBackoff,omitempty"`
	HandlerTimeout   Duration `yaml:"handlerTimeout,omitempty"`
	BreakerThreshold int      `yaml:"breakerThreshold,omitempty"`
	BreakerTimeout   Duration `yaml:"breakerTimeout,omitempty"`
}

// Validation configures JSON body schemas keyed by message type
type Validation struct {
	Strict     bool                      `yaml:"strict,omitempty"`
	TypeHeader string                    `yaml:"typeHeader,omitempty"`
	Schemas    map[string]*schema.Schema `yaml:"schemas,omitempty"`
}

// Metrics configures the Prometheus endpoint
type Metrics struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace,omitempty"`
	Address   string `yaml:"address,omitempty"`
}

// Health configures health checks
type Health struct {
	Address          string `yaml:"address,omitempty"`
	BacklogThreshold int64  `yaml:"backlogThreshold,omitempty"`
}

// Duration is a time.Duration read from YAML as "90s" or "00:01:30"
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string", value.Line)
	}
	parsed, err := contracts.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default returns the built-in defaults
func Default() *Config {
	return &Config{
		Metrics: Metrics{
			Namespace: "mmate_sqs",
			Address:   ":9090",
		},
		LogLevel: "info",
	}
}

// Load reads configuration from a YAML file. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration over the defaults. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks fields that can be checked without a transport
func (c *Config) Validate() error {
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return fmt.Errorf("%w: accessKeyId and secretAccessKey must be set together", sqs.ErrInvalidConfiguration)
	}
	if c.Transport.FailureVisibilityTimeout < 0 {
		return fmt.Errorf("%w: failureVisibilityTimeout is negative", sqs.ErrInvalidConfiguration)
	}
	if b := c.Transport.FailureBackoff; b != nil {
		if c.Transport.FailureVisibilityTimeout > 0 {
			return fmt.Errorf("%w: failureVisibilityTimeout and failureBackoff are mutually exclusive", sqs.ErrInvalidConfiguration)
		}
		if b.Initial <= 0 || b.Max < b.Initial {
			return fmt.Errorf("%w: failureBackoff needs 0 < initial <= max", sqs.ErrInvalidConfiguration)
		}
	}
	r := c.Reliability
	if r.SendRetries < 0 || r.HandlerRetries < 0 || r.BreakerThreshold < 0 {
		return fmt.Errorf("%w: reliability counts must not be negative", sqs.ErrInvalidConfiguration)
	}
	if r.BreakerThreshold > 0 && r.BreakerTimeout <= 0 {
		return fmt.Errorf("%w: breakerThreshold needs a breakerTimeout", sqs.ErrInvalidConfiguration)
	}
	if _, err := c.Validator(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Validator returns a validator for the configured schemas, or nil when
// validation is not configured
func (c *Config) Validator() (*schema.MessageValidator, error) {
	v := c.Validation
	if !v.Strict && len(v.Schemas) == 0 {
		return nil, nil
	}

	opts := []schema.ValidatorOption{schema.WithStrictMode(v.Strict)}
	if v.TypeHeader != "" {
		opts = append(opts, schema.WithTypeHeader(v.TypeHeader))
	}
	validator := schema.NewMessageValidator(opts...)
	for messageType, s := range v.Schemas {
		if err := validator.RegisterSchema(messageType, s); err != nil {
			return nil, fmt.Errorf("%w: %v", sqs.ErrInvalidConfiguration, err)
		}
	}
	return validator, nil
}

// Level returns the configured log level
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("%w: invalid log level %q", sqs.ErrInvalidConfiguration, c.LogLevel)
	}
	return level, nil
}

// TransportOptions returns the transport options for the configured settings
func (c *Config) TransportOptions() []sqs.TransportOption {
	t := c.Transport
	var opts []sqs.TransportOption

	if t.LeaseDuration > 0 {
		opts = append(opts, sqs.WithLeaseDuration(time.Duration(t.LeaseDuration)))
	}
	if t.RenewalFraction > 0 {
		opts = append(opts, sqs.WithRenewalFraction(t.RenewalFraction))
	}
	if t.ReceiveWaitTime > 0 {
		opts = append(opts, sqs.WithReceiveWaitTime(time.Duration(t.ReceiveWaitTime)))
	}
	if t.NativeDeferredMessages != nil {
		opts = append(opts, sqs.WithNativeDeferredMessages(*t.NativeDeferredMessages))
	}
	if t.CreateQueues != nil {
		opts = append(opts, sqs.WithCreateQueues(*t.CreateQueues))
	}
	if t.MessageBatchSize > 0 {
		opts = append(opts, sqs.WithMessageBatchSize(t.MessageBatchSize))
	}
	if t.SendConcurrency > 0 {
		opts = append(opts, sqs.WithSendConcurrency(t.SendConcurrency))
	}
	if t.FailureVisibilityTimeout > 0 {
		delay := time.Duration(t.FailureVisibilityTimeout)
		opts = append(opts, sqs.WithFailureVisibilityTimeout(func(int) time.Duration {
			return delay
		}))
	}
	if b := t.FailureBackoff; b != nil {
		opts = append(opts, sqs.WithFailureBackoff(time.Duration(b.Initial), time.Duration(b.Max)))
	}
	return opts
}
