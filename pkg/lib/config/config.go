package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/SanjoDeundiak/flame-shooter/pkg/lib"
	"github.com/pingcap/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultSeed           int64 = 123456789
	DefaultRandomLimit          = 1000
	DefaultShots                = 100
	DefaultCooldown             = 100 * time.Millisecond
	DefaultRequestTimeout       = 10 * time.Second
	DefaultFlushDelay           = time.Second
	DefaultStopTimeout          = 10 * time.Second
	DefaultProfileOutput        = "./perf.data"
	DefaultGraphOutput          = "graph.svg"

	// Placeholders substituted into profiler and render commands.
	PlaceholderPID    = "{pid}"
	PlaceholderOutput = "{output}"
	PlaceholderInput  = "{input}"
)

// Config is the immutable Run Configuration.
type Config struct {
	Seed           int64         `toml:"seed" yaml:"seed"`
	Shots          int           `toml:"shots" yaml:"shots"`
	Cooldown       time.Duration `toml:"cooldown" yaml:"cooldown"`
	RandomLimit    int           `toml:"random_limit" yaml:"random_limit"`
	RequestTimeout time.Duration `toml:"request_timeout" yaml:"request_timeout"`
	Endpoints      []string      `toml:"endpoints" yaml:"endpoints"`

	Profiler ProfilerConfig `toml:"profiler" yaml:"profiler"`
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Render   RenderConfig   `toml:"render" yaml:"render"`
	Log      LogConfig      `toml:"log" yaml:"log"`
}

// ProfilerConfig describes the sampling profiler attached to the server.
type ProfilerConfig struct {
	// Command may reference {pid} and {output}.
	Command []string `toml:"command" yaml:"command"`
	Output  string   `toml:"output" yaml:"output"`
	// FlushDelay is the pause after the profiler was signalled, before its
	// output is handed to the render pipeline.
	FlushDelay time.Duration `toml:"flush_delay" yaml:"flush_delay"`
	// AwaitExit turns FlushDelay into an upper bound: the handoff happens as
	// soon as the profiler process exits.
	AwaitExit bool `toml:"await_exit" yaml:"await_exit"`
}

// ServerConfig controls how the server under test is stopped.
type ServerConfig struct {
	// ExitGrace is how long the server may take to exit on its own before
	// it is sent SIGTERM. 0 skips the natural-exit phase.
	ExitGrace time.Duration `toml:"exit_grace" yaml:"exit_grace"`
	// StopTimeout bounds the wait for a signalled process to exit.
	StopTimeout time.Duration `toml:"stop_timeout" yaml:"stop_timeout"`
	// CaptureOutput keeps server output in memory and mirrors it into the
	// debug log.
	CaptureOutput bool `toml:"capture_output" yaml:"capture_output"`
}

// RenderConfig describes the stack-collapse and flame-graph pipeline.
type RenderConfig struct {
	Disabled bool `toml:"disabled" yaml:"disabled"`
	// Stages are chained stdout to stdin; they may reference {input}.
	Stages [][]string `toml:"stages" yaml:"stages"`
	Output string     `toml:"output" yaml:"output"`
}

// LogConfig is handed to the global logger.
type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
	File  string `toml:"file" yaml:"file"`
}

// Default returns the stock setup: perf attached to the server, FlameGraph
// scripts checked out next to the working directory.
func Default() *Config {
	return &Config{
		Seed:           DefaultSeed,
		Shots:          DefaultShots,
		Cooldown:       DefaultCooldown,
		RandomLimit:    DefaultRandomLimit,
		RequestTimeout: DefaultRequestTimeout,
		Endpoints: []string{
			"localhost:8080/api/v1/maps/map1",
			"localhost:8080/api/v1/maps",
		},
		Profiler: ProfilerConfig{
			Command:    []string{"sudo", "perf", "record", "-g", "-p", PlaceholderPID, "-o", PlaceholderOutput},
			Output:     DefaultProfileOutput,
			FlushDelay: DefaultFlushDelay,
		},
		Server: ServerConfig{
			StopTimeout: DefaultStopTimeout,
		},
		Render: RenderConfig{
			Stages: [][]string{
				{"sudo", "perf", "script", "-i", PlaceholderInput},
				{"./FlameGraph/stackcollapse-perf.pl"},
				{"./FlameGraph/flamegraph.pl"},
			},
			Output: DefaultGraphOutput,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a .toml or .yaml/.yml file on top of Default.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "read config %s failed", path)
	}

	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		meta, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, errors.Annotate(err, "decode toml config failed")
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, errors.Errorf("unknown keys in config: %v", undecoded)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, errors.Annotate(err, "decode yaml config failed")
		}
	default:
		return nil, errors.Errorf("config must be a .toml or .yaml file: %s", path)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	endpoints := make([]string, 0, len(c.Endpoints))
	for _, e := range c.Endpoints {
		if e = strings.TrimSpace(e); e != "" {
			endpoints = append(endpoints, e)
		}
	}
	c.Endpoints = endpoints
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Server.StopTimeout == 0 {
		c.Server.StopTimeout = DefaultStopTimeout
	}
}

// Validate checks the configuration for values no run could use.
func (c *Config) Validate() error {
	if c.Shots < 0 {
		return errors.Errorf("shots must be >= 0: %d", c.Shots)
	}
	if c.RandomLimit <= 0 {
		return errors.Errorf("random_limit must be > 0: %d", c.RandomLimit)
	}
	if len(c.Endpoints) == 0 {
		return errors.New("at least one endpoint is required")
	}
	if c.Cooldown < 0 {
		return errors.Errorf("cooldown must be >= 0: %s", c.Cooldown)
	}
	if c.RequestTimeout <= 0 {
		return errors.Errorf("request_timeout must be > 0: %s", c.RequestTimeout)
	}
	if len(c.Profiler.Command) == 0 || strings.TrimSpace(c.Profiler.Command[0]) == "" {
		return errors.New("profiler command is required")
	}
	if !containsToken(c.Profiler.Command, PlaceholderPID) {
		return errors.Errorf("profiler command must reference %s", PlaceholderPID)
	}
	if strings.TrimSpace(c.Profiler.Output) == "" {
		return errors.New("profiler output path is required")
	}
	if c.Profiler.FlushDelay < 0 {
		return errors.Errorf("flush_delay must be >= 0: %s", c.Profiler.FlushDelay)
	}
	if c.Server.ExitGrace < 0 || c.Server.StopTimeout < 0 {
		return errors.New("server timeouts must be >= 0")
	}
	if !c.Render.Disabled {
		if len(c.Render.Stages) == 0 {
			return errors.New("render pipeline needs at least one stage")
		}
		for i, stage := range c.Render.Stages {
			if len(stage) == 0 || strings.TrimSpace(stage[0]) == "" {
				return errors.Errorf("render stage %d has no command", i)
			}
		}
		if strings.TrimSpace(c.Render.Output) == "" {
			return errors.New("render output path is required")
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("unsupported log level: %s", c.Log.Level)
	}
	return nil
}

// ProfilerCommand returns the profiler command bound to the server pid.
func (c *Config) ProfilerCommand(pid int) lib.Command {
	return lib.NewCommand(c.Profiler.Command...).Expand(map[string]string{
		PlaceholderPID:    strconv.Itoa(pid),
		PlaceholderOutput: c.Profiler.Output,
	})
}

func containsToken(argv []string, token string) bool {
	for _, a := range argv {
		if strings.Contains(a, token) {
			return true
		}
	}
	return false
}
