// Package config loads the settings of a netkernel run from a YAML file, a
// .env file and the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/sarchlab/netkernel/sim"
)

// Environment variables that override the file.
const (
	EnvConfig    = "NETKERNEL_CONFIG"
	EnvLogLevel  = "NETKERNEL_LOG_LEVEL"
	EnvScheduler = "NETKERNEL_SCHEDULER"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid")

// Transports a distributed run can use.
const (
	TransportInProc = "inproc"
	TransportTCP    = "tcp"
)

// Config is the content of a netkernel YAML file.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	Resolution  string            `yaml:"resolution"`
	Scheduler   string            `yaml:"scheduler"`
	MaxTime     string            `yaml:"max_time"`
	Record      RecordConfig      `yaml:"record"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Distributed DistributedConfig `yaml:"distributed"`
	Workload    WorkloadConfig    `yaml:"workload"`
}

// RecordConfig controls the SQLite trace.
type RecordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Output  string `yaml:"output"`
}

// MonitorConfig controls the HTTP monitor.
type MonitorConfig struct {
	Enabled     bool `yaml:"enabled"`
	Port        int  `yaml:"port"`
	OpenBrowser bool `yaml:"open_browser"`
}

// DistributedConfig describes how the simulation is split into ranks.
type DistributedConfig struct {
	Transport string   `yaml:"transport"`
	Ranks     int      `yaml:"ranks"`
	Rank      int      `yaml:"rank"`
	Addrs     []string `yaml:"addrs"`
	Lookahead string   `yaml:"lookahead"`
}

// WorkloadConfig sizes the token ring workload.
type WorkloadConfig struct {
	NodesPerRank int    `yaml:"nodes_per_rank"`
	Hops         int    `yaml:"hops"`
	HopDelay     string `yaml:"hop_delay"`
}

// Default returns the settings used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel:   "info",
		Resolution: "ns",
		Scheduler:  string(sim.HeapSchedulerType),
		Distributed: DistributedConfig{
			Transport: TransportInProc,
			Ranks:     1,
			Lookahead: "100ns",
		},
		Workload: WorkloadConfig{
			NodesPerRank: 4,
			Hops:         1000,
			HopDelay:     "10ns",
		},
	}
}

// Load reads a YAML file on top of the defaults. Unknown keys are errors.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes YAML on top of the defaults. Unknown keys are errors.
func Parse(data []byte) (*Config, error) {
	c := Default()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(c); err != nil {
		return nil, fmt.Errorf("config: parsing: %w", err)
	}

	return c, nil
}

// Resolve loads .env files, then the file named by path or by
// NETKERNEL_CONFIG, applies the environment overrides and validates the
// result. Missing .env files are ignored.
func Resolve(path string, envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}

	if path == "" {
		path = os.Getenv(EnvConfig)
	}

	c := Default()

	if path != "" {
		var err error

		c, err = Load(path)
		if err != nil {
			return nil, err
		}
	}

	c.ApplyEnv()

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}

	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}

	if len(existing) == 0 {
		return nil
	}

	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("config: loading env: %w", err)
	}

	return nil
}

// ApplyEnv overrides the log level and the scheduler from the environment.
func (c *Config) ApplyEnv() {
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}

	if v, ok := os.LookupEnv(EnvScheduler); ok && v != "" {
		c.Scheduler = v
	}
}

// Validate checks every field.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %w", ErrInvalidConfig, err)
	}

	if _, err := sim.ParseResolution(c.Resolution); err != nil {
		return fmt.Errorf("%w: resolution: %w", ErrInvalidConfig, err)
	}

	if _, err := sim.ParseSchedulerType(c.Scheduler); err != nil {
		return fmt.Errorf("%w: scheduler: %w", ErrInvalidConfig, err)
	}

	if err := c.validateTimes(); err != nil {
		return err
	}

	if c.Monitor.Port < 0 || c.Monitor.Port > 65535 {
		return fmt.Errorf("%w: monitor.port %d out of range",
			ErrInvalidConfig, c.Monitor.Port)
	}

	if err := c.Distributed.validate(); err != nil {
		return err
	}

	return c.Workload.validate()
}

func (c *Config) validateTimes() error {
	for name, s := range map[string]string{
		"max_time":              c.MaxTime,
		"distributed.lookahead": c.Distributed.Lookahead,
		"workload.hop_delay":    c.Workload.HopDelay,
	} {
		if s == "" {
			continue
		}

		t, err := sim.ParseTime(s)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, name, err)
		}

		if t < 0 {
			return fmt.Errorf("%w: %s is negative", ErrInvalidConfig, name)
		}
	}

	return nil
}

func (d DistributedConfig) validate() error {
	switch d.Transport {
	case TransportInProc:
	case TransportTCP:
		if len(d.Addrs) != d.Ranks {
			return fmt.Errorf("%w: distributed.addrs has %d entries for %d ranks",
				ErrInvalidConfig, len(d.Addrs), d.Ranks)
		}

		if d.Rank < 0 || d.Rank >= d.Ranks {
			return fmt.Errorf("%w: distributed.rank %d out of range",
				ErrInvalidConfig, d.Rank)
		}
	default:
		return fmt.Errorf("%w: unknown transport %q; valid: %s, %s",
			ErrInvalidConfig, d.Transport, TransportInProc, TransportTCP)
	}

	if d.Ranks < 1 {
		return fmt.Errorf("%w: distributed.ranks must be positive, got %d",
			ErrInvalidConfig, d.Ranks)
	}

	return nil
}

func (w WorkloadConfig) validate() error {
	if w.NodesPerRank < 1 {
		return fmt.Errorf("%w: workload.nodes_per_rank must be positive, got %d",
			ErrInvalidConfig, w.NodesPerRank)
	}

	if w.Hops < 0 {
		return fmt.Errorf("%w: workload.hops must not be negative, got %d",
			ErrInvalidConfig, w.Hops)
	}

	return nil
}

// Level returns the logrus level.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}

	return level
}

// SchedulerType returns the scheduler backing.
func (c *Config) SchedulerType() sim.SchedulerType {
	t, err := sim.ParseSchedulerType(c.Scheduler)
	if err != nil {
		return sim.HeapSchedulerType
	}

	return t
}

// ApplyResolution sets the process-wide resolution. It must run before any
// of the time accessors.
func (c *Config) ApplyResolution() error {
	r, err := sim.ParseResolution(c.Resolution)
	if err != nil {
		return fmt.Errorf("%w: resolution: %w", ErrInvalidConfig, err)
	}

	sim.SetResolution(r)

	return nil
}

// MaxTimeValue returns max_time in steps, or sim.MaxTime when unset.
func (c *Config) MaxTimeValue() (sim.VTime, error) {
	return parseTimeOr(c.MaxTime, sim.MaxTime)
}

// LookaheadValue returns the lookahead between ranks in steps.
func (c *Config) LookaheadValue() (sim.VTime, error) {
	return parseTimeOr(c.Distributed.Lookahead, 0)
}

// HopDelayValue returns the delay between two nodes of the ring in steps.
func (c *Config) HopDelayValue() (sim.VTime, error) {
	return parseTimeOr(c.Workload.HopDelay, 0)
}

func parseTimeOr(s string, def sim.VTime) (sim.VTime, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}

	return sim.ParseTime(s)
}
