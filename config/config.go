package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Source kinds.
const (
	SourceKinesis = "kinesis"
	SourceSQS     = "sqs"
)

type KinesisConfig struct {
	StreamName    string `yaml:"stream_name"`
	StartPosition string `yaml:"start_position"` // "latest" or "trim-horizon"
}

type SQSConfig struct {
	QueueURL string `yaml:"queue_url"`
}

type DeadLetterConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

type Config struct {
	// DeliveryStreamName is the Firehose delivery stream receiving the
	// transformed records. Required.
	DeliveryStreamName string `yaml:"delivery_stream_name"`

	// LogLevel is one of critical, error, warn, info, debug. Unknown values
	// fall back to info.
	LogLevel string `yaml:"log_level"`

	Source  string        `yaml:"source"` // "kinesis" or "sqs"
	Kinesis KinesisConfig `yaml:"kinesis"`
	SQS     SQSConfig     `yaml:"sqs"`

	// MaxAttempts bounds delivery attempts per batch, including the first.
	MaxAttempts int `yaml:"max_attempts"`

	// FlushInterval bounds how long records may sit in an open batch.
	FlushInterval time.Duration `yaml:"flush_interval"`

	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
}

func defaults() Config {
	return Config{
		LogLevel:      "info",
		Source:        SourceKinesis,
		Kinesis:       KinesisConfig{StartPosition: "latest"},
		MaxAttempts:   20,
		FlushInterval: time.Minute,
	}
}

// Load reads the optional YAML file at path, then applies environment
// overrides. Environment always wins. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("DELIVERY_STREAM_NAME"); v != "" {
		c.DeliveryStreamName = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SOURCE"); v != "" {
		c.Source = v
	}
	if v := os.Getenv("KINESIS_STREAM_NAME"); v != "" {
		c.Kinesis.StreamName = v
	}
	if v := os.Getenv("KINESIS_START_POSITION"); v != "" {
		c.Kinesis.StartPosition = v
	}
	if v := os.Getenv("SQS_QUEUE_URL"); v != "" {
		c.SQS.QueueURL = v
	}
	if v := os.Getenv("MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_ATTEMPTS: %w", err)
		}
		c.MaxAttempts = n
	}
	if v := os.Getenv("FLUSH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FLUSH_INTERVAL: %w", err)
		}
		c.FlushInterval = d
	}
	if v := os.Getenv("DEAD_LETTER_BUCKET"); v != "" {
		c.DeadLetter.Bucket = v
	}
	if v := os.Getenv("DEAD_LETTER_PREFIX"); v != "" {
		c.DeadLetter.Prefix = v
	}
	return nil
}

// Validate rejects configurations that cannot possibly deliver anything,
// before any client or source is constructed.
func (c *Config) Validate() error {
	if c.DeliveryStreamName == "" {
		return fmt.Errorf("delivery stream name is required (set DELIVERY_STREAM_NAME)")
	}

	switch c.Source {
	case SourceKinesis:
		if c.Kinesis.StreamName == "" {
			return fmt.Errorf("kinesis stream name is required (set KINESIS_STREAM_NAME)")
		}
		switch c.Kinesis.StartPosition {
		case "", "latest", "trim-horizon":
		default:
			return fmt.Errorf("unsupported kinesis start position: %q", c.Kinesis.StartPosition)
		}
	case SourceSQS:
		if c.SQS.QueueURL == "" {
			return fmt.Errorf("sqs queue url is required (set SQS_QUEUE_URL)")
		}
	default:
		return fmt.Errorf("unsupported source: %q", c.Source)
	}

	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive")
	}
	return nil
}

// Level maps LogLevel to a logrus level, defaulting to info on unknown
// values rather than failing startup over verbosity.
func (c *Config) Level() logrus.Level {
	switch strings.ToLower(c.LogLevel) {
	case "critical":
		return logrus.FatalLevel
	case "error":
		return logrus.ErrorLevel
	case "warn":
		return logrus.WarnLevel
	case "info":
		return logrus.InfoLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.InfoLevel
	}
}
