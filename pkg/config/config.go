package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mazdakn/uqueue/pkg/driver"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	DefaultFile string = "config.yaml"

	DriverNetlink string = "netlink"
	DriverGoNFQ   string = "gonfq"

	defaultDriver        string        = DriverNetlink
	defaultCopyMode      string        = "packet"
	defaultCopyRange     uint32        = driver.MaxPayload
	defaultReadTimeout   time.Duration = 100 * time.Millisecond
	defaultAllocBatch    int           = 50
	defaultReceiveBatch  int           = 10
	defaultBufferSize    int           = 20 * 4096
	defaultWorkers       int           = 1
	defaultVerdict       string        = "accept"
	defaultFlowTimeout   time.Duration = 30 * time.Second
	defaultLogLevel      string        = "info"
	defaultLogFormat     string        = "text"
	defaultMetricsAddr   string        = "127.0.0.1:9464"
	defaultLogMaxSizeMB  int           = 100
	defaultLogMaxBackups int           = 3
)

type Queue struct {
	ID          uint16        `yaml:"id"`
	Driver      string        `yaml:"driver"`
	CopyMode    string        `yaml:"copyMode"`
	CopyRange   uint32        `yaml:"copyRange"`
	MaxLen      uint32        `yaml:"maxLen"`
	Flags       []string      `yaml:"flags"`
	ReadTimeout time.Duration `yaml:"readTimeout"`
	ReadBuffer  int           `yaml:"readBuffer"`
}

type Buffers struct {
	AllocBatch   int `yaml:"allocBatch"`
	ReceiveBatch int `yaml:"receiveBatch"`
	BufferSize   int `yaml:"bufferSize"`
	MaxQueued    int `yaml:"maxQueued"`
}

type Rule struct {
	Source      string  `yaml:"source"`
	Destination string  `yaml:"destination"`
	Port        string  `yaml:"port"`
	Verdict     string  `yaml:"verdict"`
	Mark        *uint32 `yaml:"mark"`
}

type Policy struct {
	Default     string        `yaml:"default"`
	Rules       []Rule        `yaml:"rules"`
	Rewrite     bool          `yaml:"rewrite"`
	FlowTimeout time.Duration `yaml:"flowTimeout"`
}

type Log struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type Config struct {
	Queue   Queue   `yaml:"queue"`
	Buffers Buffers `yaml:"buffers"`
	Workers int     `yaml:"workers"`
	Policy  Policy  `yaml:"policy"`
	Log     Log     `yaml:"log"`
	Metrics Metrics `yaml:"metrics"`
}

func newWithDefaults() *Config {
	var config Config
	ApplyDefaults(&config)
	return &config
}

func ApplyDefaults(config *Config) {
	if config.Queue.Driver == "" {
		config.Queue.Driver = defaultDriver
	}
	if config.Queue.CopyMode == "" {
		config.Queue.CopyMode = defaultCopyMode
	}
	if config.Queue.CopyRange == 0 {
		config.Queue.CopyRange = defaultCopyRange
	}
	if config.Queue.ReadTimeout == 0 {
		config.Queue.ReadTimeout = defaultReadTimeout
	}
	if config.Buffers.AllocBatch == 0 {
		config.Buffers.AllocBatch = defaultAllocBatch
	}
	if config.Buffers.ReceiveBatch == 0 {
		config.Buffers.ReceiveBatch = defaultReceiveBatch
	}
	if config.Buffers.BufferSize == 0 {
		config.Buffers.BufferSize = defaultBufferSize
	}
	if config.Workers == 0 {
		config.Workers = defaultWorkers
	}
	if config.Policy.Default == "" {
		config.Policy.Default = defaultVerdict
	}
	if config.Policy.FlowTimeout == 0 {
		config.Policy.FlowTimeout = defaultFlowTimeout
	}
	if config.Log.Level == "" {
		config.Log.Level = defaultLogLevel
	}
	if config.Log.Format == "" {
		config.Log.Format = defaultLogFormat
	}
	if config.Log.File != "" {
		if config.Log.MaxSizeMB == 0 {
			config.Log.MaxSizeMB = defaultLogMaxSizeMB
		}
		if config.Log.MaxBackups == 0 {
			config.Log.MaxBackups = defaultLogMaxBackups
		}
	}
	if config.Metrics.Enabled && config.Metrics.Address == "" {
		config.Metrics.Address = defaultMetricsAddr
	}
}

// Validate checks the values that can be checked without opening anything.
// Policy rule addresses are checked when the policy table is built.
func (c *Config) Validate() error {
	switch c.Queue.Driver {
	case DriverNetlink, DriverGoNFQ:
	default:
		return fmt.Errorf("unknown driver %q", c.Queue.Driver)
	}
	if _, err := driver.ParseCopyMode(c.Queue.CopyMode); err != nil {
		return err
	}
	if c.Queue.CopyRange > driver.MaxPayload {
		return fmt.Errorf("copy range %v exceeds %v", c.Queue.CopyRange, driver.MaxPayload)
	}
	if _, err := driver.ParseQueueFlags(c.Queue.Flags); err != nil {
		return err
	}
	if c.Buffers.AllocBatch < 0 || c.Buffers.ReceiveBatch < 0 || c.Buffers.BufferSize < 0 {
		return fmt.Errorf("buffer sizes must not be negative")
	}
	if c.Buffers.MaxQueued < 0 {
		return fmt.Errorf("invalid maxQueued %v", c.Buffers.MaxQueued)
	}
	if c.Workers < 1 {
		return fmt.Errorf("invalid number of workers %v", c.Workers)
	}
	if _, err := driver.ParseVerdict(c.Policy.Default); err != nil {
		return fmt.Errorf("invalid default verdict - err: %w", err)
	}
	for i, rule := range c.Policy.Rules {
		if _, err := driver.ParseVerdict(rule.Verdict); err != nil {
			return fmt.Errorf("invalid verdict in rule %v - err: %w", i, err)
		}
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

func Parse(data []byte) (*Config, error) {
	var config Config
	err := yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config - err: %w", err)
	}
	ApplyDefaults(&config)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config - err: %w", err)
	}
	return &config, nil
}

// Load reads the config file at filename. A missing default file yields the
// default config.
func Load(filename string) (*Config, error) {
	configFile, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) && filename == DefaultFile {
			logrus.Debugf("No %v found, using defaults", filename)
			return newWithDefaults(), nil
		}
		return nil, fmt.Errorf("failed to read config file %v - err: %w", filename, err)
	}

	config, err := Parse(configFile)
	if err != nil {
		return nil, fmt.Errorf("config file %v - err: %w", filename, err)
	}
	logrus.Debugf("Parsed config from %v: %+v", filename, *config)
	return config, nil
}
