package config

import (
	"os"
	"runtime"
	"time"

	"FilamentDetServer/annotation"
	"FilamentDetServer/errdefs"
	"FilamentDetServer/filament"
	"FilamentDetServer/logger"
	"FilamentDetServer/pipeline"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "config.yaml"

type Logging struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type Runtime struct {
	Endpoint string `yaml:"endpoint"`
	// Timeout bounds graph uploads and releases; inference uses predictTimeout.
	Timeout string `yaml:"timeout"`
}

type Model struct {
	Location       string  `yaml:"location"`
	Registry       string  `yaml:"registry"`
	TempDir        string  `yaml:"tempDir"`
	NativeStages   bool    `yaml:"nativeStages"`
	RejectOversize bool    `yaml:"rejectOversize"`
	Runtime        Runtime `yaml:"runtime"`
}

type Dataset struct {
	Key           string `yaml:"key"`
	LineThickness int    `yaml:"lineThickness"`
}

type Registration struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Interval string `yaml:"interval"`
}

type Config struct {
	RPCPort        int          `yaml:"RPCPort"`
	HTTPPort       int          `yaml:"HTTPPort"`
	MonitorPort    int          `yaml:"MonitorPort"`
	WorkersNum     int          `yaml:"workersNum"`
	BatchSize      int          `yaml:"batchSize"`
	MinArea        int          `yaml:"minArea"`
	ExtractMethod  string       `yaml:"extractMethod"`
	PredictTimeout string       `yaml:"predictTimeout"`
	Logging        Logging      `yaml:"logging"`
	Model          Model        `yaml:"model"`
	Dataset        Dataset      `yaml:"dataset"`
	Registration   Registration `yaml:"registration"`
}

func Default() Config {
	return Config{
		RPCPort:        50051,
		HTTPPort:       8080,
		MonitorPort:    9100,
		WorkersNum:     1,
		BatchSize:      4,
		MinArea:        0,
		ExtractMethod:  filament.MethodPairwise,
		PredictTimeout: "2m",
		Logging:        Logging{Level: "info"},
		Model: Model{
			NativeStages: true,
			Runtime:      Runtime{Endpoint: "http://127.0.0.1:8500", Timeout: "60s"},
		},
		Dataset:      Dataset{Key: annotation.DefaultKey, LineThickness: 3},
		Registration: Registration{Interval: "5s"},
	}
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errdefs.Configurationf("config.Load", "read %s: %w", path, err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (Config, error) {
	c := Default()
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Config{}, errdefs.Configurationf("config.Load", "parse: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects settings no run can use. A non-positive workersNum is
// reset to 1 rather than rejected.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return errdefs.Configurationf("config.Validate", format, args...)
	}
	log := logger.Named("config")

	if c.WorkersNum <= 0 {
		log.Warn("invalid workersNum, defaulting to 1", zap.Int("workersNum", c.WorkersNum))
		c.WorkersNum = 1
	} else if n := runtime.NumCPU(); c.WorkersNum > n {
		log.Warn("workersNum exceeds CPU cores, which may lead to performance degradation",
			zap.Int("workersNum", c.WorkersNum), zap.Int("cpus", n))
	}
	if c.BatchSize <= 0 {
		return fail("batchSize must be positive, got %d", c.BatchSize)
	}
	if c.Dataset.LineThickness < 1 {
		return fail("dataset.lineThickness must be at least 1, got %d", c.Dataset.LineThickness)
	}
	if _, err := filament.NewExtractor(c.ExtractMethod); err != nil {
		return err
	}
	for name, v := range map[string]string{
		"predictTimeout":        c.PredictTimeout,
		"model.runtime.timeout": c.Model.Runtime.Timeout,
		"registration.interval": c.Registration.Interval,
	} {
		if _, err := parseDuration(v); err != nil {
			return fail("%s: %w", name, err)
		}
	}
	for name, port := range map[string]int{"RPCPort": c.RPCPort, "HTTPPort": c.HTTPPort, "MonitorPort": c.MonitorPort} {
		if port < 0 || port > 65535 {
			return fail("%s out of range: %d", name, port)
		}
	}
	if c.Registration.Enabled && c.Registration.Host == "" {
		return fail("registration.host is required when registration is enabled")
	}
	return nil
}

// parseDuration accepts an empty string as zero.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func (c Config) PredictTimeoutDuration() time.Duration {
	d, _ := parseDuration(c.PredictTimeout)
	return d
}

func (c Config) RuntimeTimeout() time.Duration {
	d, _ := parseDuration(c.Model.Runtime.Timeout)
	return d
}

func (c Config) RegistrationInterval() time.Duration {
	d, _ := parseDuration(c.Registration.Interval)
	return d
}

// PipelineOptions maps the run settings onto pipeline options.
func (c Config) PipelineOptions() pipeline.Options {
	return pipeline.Options{
		BatchSize:      c.BatchSize,
		Workers:        c.WorkersNum,
		PredictTimeout: c.PredictTimeoutDuration(),
		MinArea:        c.MinArea,
		NativeStages:   c.Model.NativeStages,
		ExtractMethod:  c.ExtractMethod,
		RejectOversize: c.Model.RejectOversize,
	}
}
