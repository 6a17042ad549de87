package config

import (
	"fmt"
	"os"
	"time"

	"github.com/nomis52/thingserver/logging"
	"github.com/nomis52/thingserver/thing"
	"gopkg.in/yaml.v3"
)

const (
	// Default listener settings
	defaultListenAddr = ":8080"

	// Default invocation settings
	defaultLogCapacity = 1000
	defaultStopTimeout = 5 * time.Second

	// Default monitoring settings
	defaultMonitoringMode = MonitoringModeScrape
	defaultMetricsPrefix  = "thingserver"
	defaultJobName        = "thingserver"

	// Default thing settings
	defaultStageStepInterval = 100 * time.Millisecond
	defaultSSHPort           = 22
	defaultSSHDialTimeout    = 10 * time.Second
	defaultIPMITool          = "ipmitool"
	defaultPowerPoll         = 5 * time.Second
	defaultPowerWaitTimeout  = 5 * time.Minute

	// Default logging settings
	defaultLogLevel  = "info"
	defaultLogFormat = "json"
	defaultLogOutput = "stdout"

	redactedValue = "REDACTED"
)

// Monitoring modes.
const (
	MonitoringModeScrape = "scrape"
	MonitoringModePush   = "push"
)

// Thing types.
const (
	ThingTypeStage = "stage"
	ThingTypeShell = "shell"
	ThingTypePower = "power"
)

// Config represents the complete application configuration
type Config struct {
	Listener    ListenerConfig    `yaml:"listener"`
	Logging     LoggingConfig     `yaml:"logging"`
	Invocations InvocationsConfig `yaml:"invocations"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	Things      []ThingConfig     `yaml:"things"`
	Cron        []CronConfig      `yaml:"cron"`
}

// ListenerConfig holds HTTP server listener settings.
type ListenerConfig struct {
	// The listen address, defaults to :8080
	Addr string `yaml:"addr"`
	// TLSCert and TLSKey enable HTTPS. Renewed files are picked up without a restart.
	TLSCert string `yaml:"tls_cert,omitempty"`
	TLSKey  string `yaml:"tls_key,omitempty"`
}

// LoggingConfig defines logging behavior settings
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// InvocationsConfig controls how action invocations are tracked.
type InvocationsConfig struct {
	// LogCapacity is the number of log records kept per invocation.
	LogCapacity int `yaml:"log_capacity"`
	// LogLevel is the minimum level captured into invocation logs. Defaults to "info".
	LogLevel string `yaml:"log_level"`
	// StopTimeout is how long clients should wait for an action to honour a stop request.
	StopTimeout time.Duration `yaml:"stop_timeout"`
	// RetentionMaxAge evicts finished invocations older than this. Zero keeps them forever.
	RetentionMaxAge time.Duration `yaml:"retention_max_age"`
	// RetentionMaxCount keeps at most this many finished invocations. Zero means no limit.
	RetentionMaxCount int `yaml:"retention_max_count"`
}

// MonitoringConfig holds metrics and monitoring settings
type MonitoringConfig struct {
	// Mode is either "scrape" (serve /metrics) or "push" (remote write).
	Mode               string `yaml:"mode"`
	VictoriaMetricsURL string `yaml:"victoriametrics_url"`
	MetricsPrefix      string `yaml:"metrics_prefix"`
	JobName            string `yaml:"jobname"`
}

// ThingConfig declares a thing served at Path.
type ThingConfig struct {
	Path    string       `yaml:"path"`
	Type    string       `yaml:"type"`
	Options ThingOptions `yaml:"options"`
}

// ThingOptions holds the settings of every thing type. Each type reads only
// its own fields.
type ThingOptions struct {
	// stage
	StepInterval time.Duration `yaml:"step_interval,omitempty"`
	MinPosition  int           `yaml:"min_position,omitempty"`
	MaxPosition  int           `yaml:"max_position,omitempty"`

	// shell
	Host           string        `yaml:"host,omitempty"`
	Port           int           `yaml:"port,omitempty"`
	User           string        `yaml:"user,omitempty"`
	PrivateKey     string        `yaml:"private_key,omitempty"`
	PrivateKeyFile string        `yaml:"private_key_file,omitempty"`
	Password       string        `yaml:"password,omitempty"`
	KnownHostsFile string        `yaml:"known_hosts_file,omitempty"`
	DialTimeout    time.Duration `yaml:"dial_timeout,omitempty"`

	// power, shares host, user and password with shell
	Tool         string        `yaml:"tool,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	WaitTimeout  time.Duration `yaml:"wait_timeout,omitempty"`
}

// CronConfig invokes an action on a schedule.
type CronConfig struct {
	// Thing is the path of the thing that owns the action.
	Thing string `yaml:"thing"`
	// Action is the name of the action to invoke.
	Action string `yaml:"action"`
	// Input is passed to the action. It is converted to JSON.
	Input map[string]any `yaml:"input,omitempty"`
	// The cron spec to invoke the action at
	Schedule string `yaml:"schedule"`
}

// Validate performs basic validation on the configuration
func (c *Config) Validate() error {
	if (c.Listener.TLSCert == "") != (c.Listener.TLSKey == "") {
		return fmt.Errorf("listener tls_cert and tls_key must be set together")
	}
	if c.Invocations.LogCapacity <= 0 {
		return fmt.Errorf("invocation log capacity must be positive")
	}
	if c.Invocations.StopTimeout <= 0 {
		return fmt.Errorf("invocation stop timeout must be positive")
	}
	if _, err := logging.ParseLevel(c.Invocations.LogLevel); err != nil {
		return fmt.Errorf("invocation log level: %w", err)
	}
	if c.Invocations.RetentionMaxAge < 0 {
		return fmt.Errorf("invocation retention max age cannot be negative")
	}
	if c.Invocations.RetentionMaxCount < 0 {
		return fmt.Errorf("invocation retention max count cannot be negative")
	}

	switch c.Monitoring.Mode {
	case MonitoringModeScrape:
	case MonitoringModePush:
		if c.Monitoring.VictoriaMetricsURL == "" {
			return fmt.Errorf("VictoriaMetrics URL is required in push mode")
		}
	default:
		return fmt.Errorf("unknown monitoring mode %q", c.Monitoring.Mode)
	}

	paths := make(map[string]bool, len(c.Things))
	for i, t := range c.Things {
		if t.Path == "" {
			return fmt.Errorf("things[%d]: path is required", i)
		}
		path := thing.NormalizePath(t.Path)
		if paths[path] {
			return fmt.Errorf("things[%d]: duplicate path %s", i, path)
		}
		paths[path] = true

		switch t.Type {
		case ThingTypeStage:
			if t.Options.MaxPosition < t.Options.MinPosition {
				return fmt.Errorf("thing %s: max_position is below min_position", t.Path)
			}
		case ThingTypeShell:
			if t.Options.Host == "" {
				return fmt.Errorf("thing %s: host is required", t.Path)
			}
			if t.Options.User == "" {
				return fmt.Errorf("thing %s: user is required", t.Path)
			}
			if t.Options.PrivateKey == "" && t.Options.PrivateKeyFile == "" && t.Options.Password == "" {
				return fmt.Errorf("thing %s: one of private_key, private_key_file or password is required", t.Path)
			}
		case ThingTypePower:
			if t.Options.Host == "" {
				return fmt.Errorf("thing %s: host is required", t.Path)
			}
		default:
			return fmt.Errorf("thing %s: unknown type %q", t.Path, t.Type)
		}
	}

	for i, cr := range c.Cron {
		if cr.Schedule == "" {
			return fmt.Errorf("cron[%d]: schedule is required", i)
		}
		if cr.Action == "" {
			return fmt.Errorf("cron[%d]: action is required", i)
		}
		if !paths[thing.NormalizePath(cr.Thing)] {
			return fmt.Errorf("cron[%d]: unknown thing %q", i, cr.Thing)
		}
	}
	return nil
}

// SetDefaults sets reasonable default values for optional fields
func (c *Config) SetDefaults() {
	if c.Listener.Addr == "" {
		c.Listener.Addr = defaultListenAddr
	}
	if c.Invocations.LogCapacity == 0 {
		c.Invocations.LogCapacity = defaultLogCapacity
	}
	if c.Invocations.LogLevel == "" {
		c.Invocations.LogLevel = defaultLogLevel
	}
	if c.Invocations.StopTimeout == 0 {
		c.Invocations.StopTimeout = defaultStopTimeout
	}
	if c.Monitoring.Mode == "" {
		c.Monitoring.Mode = defaultMonitoringMode
	}
	if c.Monitoring.MetricsPrefix == "" {
		c.Monitoring.MetricsPrefix = defaultMetricsPrefix
	}
	if c.Monitoring.JobName == "" {
		c.Monitoring.JobName = defaultJobName
	}
	for i := range c.Things {
		opts := &c.Things[i].Options
		switch c.Things[i].Type {
		case ThingTypeStage:
			if opts.StepInterval == 0 {
				opts.StepInterval = defaultStageStepInterval
			}
		case ThingTypeShell:
			if opts.Port == 0 {
				opts.Port = defaultSSHPort
			}
			if opts.DialTimeout == 0 {
				opts.DialTimeout = defaultSSHDialTimeout
			}
		case ThingTypePower:
			if opts.Tool == "" {
				opts.Tool = defaultIPMITool
			}
			if opts.PollInterval == 0 {
				opts.PollInterval = defaultPowerPoll
			}
			if opts.WaitTimeout == 0 {
				opts.WaitTimeout = defaultPowerWaitTimeout
			}
		}
	}
	// Set logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	if c.Logging.Output == "" {
		c.Logging.Output = defaultLogOutput
	}
}

// Redacted returns a copy of the configuration with credentials replaced.
func (c *Config) Redacted() *Config {
	out := *c
	out.Things = make([]ThingConfig, len(c.Things))
	copy(out.Things, c.Things)
	for i := range out.Things {
		opts := &out.Things[i].Options
		if opts.PrivateKey != "" {
			opts.PrivateKey = redactedValue
		}
		if opts.Password != "" {
			opts.Password = redactedValue
		}
	}
	return &out
}

// LoadConfig reads the YAML config file at the given path and returns a Config struct
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode YAML config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
