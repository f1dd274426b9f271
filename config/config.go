// Package config loads the per-node yaml configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no config file argument is given.
const DefaultPath = "config.yml"

// Duration is a time.Duration that reads from yaml either as a duration
// string ("5s") or as a bare number of seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	// Numbers first: yaml.v3 also decodes a bare number into a string.
	var n float64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n * float64(time.Second)))
		return nil
	}
	var s string
	if err := value.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	return fmt.Errorf("invalid duration %q", value.Value)
}

// MarshalYAML implements yaml.Marshaler, so generated configs round-trip.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Side selects a node's behavior in adversary-simulation fleets.
type Side string

const (
	// SideGood nodes follow the protocol.
	SideGood Side = "good"

	// SideEvil nodes silently drop CUSTOM messages they should forward.
	// Testing hook only.
	SideEvil Side = "evil"
)

// Config is the full node configuration.
type Config struct {
	// Name is the logical node name, unique across the mesh.
	Name string `yaml:"name"`

	// Networks is informational: the fleet networks this node belongs to.
	Networks []string `yaml:"networks,omitempty"`

	BroadcastPort    int    `yaml:"broadcast_port,omitempty"`
	InterfacePattern string `yaml:"interface_pattern,omitempty"`

	// VisualizeMode selects the drawing layout passed to graphviz.
	VisualizeMode string `yaml:"visualize_mode,omitempty"`

	Side Side `yaml:"side,omitempty"`

	// ArtifactsDir receives rendered graphs and the node log file.
	ArtifactsDir string `yaml:"artifacts_dir,omitempty"`

	Timers    TimersConfig    `yaml:"timers,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`

	// Workload, when set, makes the node originate traffic periodically.
	Workload *WorkloadConfig `yaml:"workload,omitempty"`
}

// TimersConfig holds the periodic task intervals.
type TimersConfig struct {
	Hello     Duration `yaml:"hello,omitempty"`
	TC        Duration `yaml:"tc,omitempty"`
	IPS       Duration `yaml:"ips,omitempty"`
	Visualize Duration `yaml:"visualize,omitempty"`
}

// TelemetryConfig holds observability settings. Disabled by default.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address,omitempty"`
}

// WorkloadConfig describes the optional traffic generator.
type WorkloadConfig struct {
	Dest    string        `yaml:"dest"`
	Payload string        `yaml:"payload,omitempty"`
	Period  Duration      `yaml:"period,omitempty"`
}

// Default returns a Config with every optional field at its default.
func Default() *Config {
	return &Config{
		BroadcastPort:    37020,
		InterfacePattern: "eth",
		Side:             SideGood,
		ArtifactsDir:     "artifacts",
		Timers: TimersConfig{
			Hello:     Duration(5 * time.Second),
			TC:        Duration(5 * time.Second),
			IPS:       Duration(20 * time.Second),
			Visualize: Duration(15 * time.Second),
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{ListenAddress: "127.0.0.1:9091"},
		},
	}
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// applyDefaults restores defaults for fields the file set to zero values.
func (c *Config) applyDefaults() {
	d := Default()
	if c.BroadcastPort == 0 {
		c.BroadcastPort = d.BroadcastPort
	}
	if c.InterfacePattern == "" {
		c.InterfacePattern = d.InterfacePattern
	}
	if c.Side == "" {
		c.Side = d.Side
	}
	if c.ArtifactsDir == "" {
		c.ArtifactsDir = d.ArtifactsDir
	}
	if c.Timers.Hello <= 0 {
		c.Timers.Hello = d.Timers.Hello
	}
	if c.Timers.TC <= 0 {
		c.Timers.TC = d.Timers.TC
	}
	if c.Timers.IPS <= 0 {
		c.Timers.IPS = d.Timers.IPS
	}
	if c.Timers.Visualize <= 0 {
		c.Timers.Visualize = d.Timers.Visualize
	}
	if c.Telemetry.Metrics.ListenAddress == "" {
		c.Telemetry.Metrics.ListenAddress = d.Telemetry.Metrics.ListenAddress
	}
	if c.Workload != nil && c.Workload.Period <= 0 {
		c.Workload.Period = Duration(30 * time.Second)
	}
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.BroadcastPort < 1 || c.BroadcastPort > 65535 {
		return fmt.Errorf("broadcast_port %d out of range", c.BroadcastPort)
	}
	if c.Side != SideGood && c.Side != SideEvil {
		return fmt.Errorf("side must be %q or %q, got %q", SideGood, SideEvil, c.Side)
	}
	if c.Workload != nil && c.Workload.Dest == "" {
		return fmt.Errorf("workload.dest is required when workload is set")
	}
	return nil
}
