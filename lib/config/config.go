// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/ccfarm/lib/discovery"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for a single developer machine.
	Development Environment = "development"
	// Production is for a shared build farm.
	Production Environment = "production"
)

// Duration is a time.Duration written as a Go duration string ("60s").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the master configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	Paths   PathsConfig   `yaml:"paths"`
	Manager ManagerConfig `yaml:"manager"`
	Server  ServerConfig  `yaml:"server"`

	// Per-environment overrides, applied after the base config.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths   *PathsConfig   `yaml:"paths,omitempty"`
	Manager *ManagerConfig `yaml:"manager,omitempty"`
	Server  *ServerConfig  `yaml:"server,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for ccfarm data.
	Root string `yaml:"root"`

	// Run holds Unix sockets.
	Run string `yaml:"run"`
}

// ManagerConfig configures ccfarm-manager.
type ManagerConfig struct {
	// ClientSocket is where ccfarm-cc connects.
	ClientSocket string `yaml:"client_socket"`

	// AdminSocket serves status queries.
	AdminSocket string `yaml:"admin_socket"`

	// MetricsAddress serves /metrics over HTTP. Empty disables it.
	MetricsAddress string `yaml:"metrics_address"`

	// MachineID identifies this machine to compile servers. Default:
	// the hostname.
	MachineID string `yaml:"machine_id"`

	// NodesFile is a JSONC node list re-read on every poll. When empty,
	// Nodes is used.
	NodesFile string           `yaml:"nodes_file"`
	Nodes     []discovery.Node `yaml:"nodes"`

	PollInterval Duration `yaml:"poll_interval"`
	GracePolls   int      `yaml:"grace_polls"`
	MaxAttempts  int      `yaml:"max_attempts"`

	// Workers bounds concurrent disk and compression work.
	Workers int `yaml:"workers"`
	// ScanWorkers bounds concurrent header scans.
	ScanWorkers int `yaml:"scan_workers"`
}

// ServerConfig configures ccfarm-server.
type ServerConfig struct {
	// Listen is the TCP address for manager connections.
	Listen string `yaml:"listen"`

	// Slots is the number of compilers run at once.
	Slots int `yaml:"slots"`

	// Workers bounds concurrent disk and compression work.
	Workers int `yaml:"workers"`

	// SessionTimeout is the idle time after which a session destroys
	// itself.
	SessionTimeout Duration `yaml:"session_timeout"`

	// IdleDuringCompile keeps the idle timer running while a session
	// waits for a compiler slot or compiles.
	IdleDuringCompile bool `yaml:"idle_during_compile"`

	// Repository holds shared headers, PCH files and compilers.
	Repository string `yaml:"repository"`

	// Scratch holds per-session directories.
	Scratch string `yaml:"scratch"`

	// MetricsAddress serves /metrics over HTTP. Empty disables it.
	MetricsAddress string `yaml:"metrics_address"`
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "ccfarm")
	hostname, _ := os.Hostname()

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root: defaultRoot,
			Run:  filepath.Join(defaultRoot, "run"),
		},
		Manager: ManagerConfig{
			ClientSocket: "${CCFARM_RUN}/manager.sock",
			AdminSocket:  "${CCFARM_RUN}/admin.sock",
			MachineID:    hostname,
			PollInterval: Duration(10 * time.Second),
			GracePolls:   3,
			MaxAttempts:  3,
			Workers:      runtime.NumCPU(),
			ScanWorkers:  runtime.NumCPU(),
		},
		Server: ServerConfig{
			Listen:         ":7777",
			Slots:          runtime.NumCPU(),
			Workers:        runtime.NumCPU(),
			SessionTimeout: Duration(60 * time.Second),
			Repository:     "${CCFARM_ROOT}/repository",
			Scratch:        "${CCFARM_ROOT}/scratch",
		},
	}
}

// Load loads configuration from the file named by CCFARM_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv("CCFARM_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("CCFARM_CONFIG environment variable not set; " +
			"set it to the path of your ccfarm.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.ExpandVariables()

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		overrideString(&c.Paths.Root, overrides.Paths.Root)
		overrideString(&c.Paths.Run, overrides.Paths.Run)
	}

	if manager := overrides.Manager; manager != nil {
		overrideString(&c.Manager.ClientSocket, manager.ClientSocket)
		overrideString(&c.Manager.AdminSocket, manager.AdminSocket)
		overrideString(&c.Manager.MetricsAddress, manager.MetricsAddress)
		overrideString(&c.Manager.MachineID, manager.MachineID)
		overrideString(&c.Manager.NodesFile, manager.NodesFile)
		if len(manager.Nodes) > 0 {
			c.Manager.Nodes = manager.Nodes
		}
		overrideValue(&c.Manager.PollInterval, manager.PollInterval)
		overrideValue(&c.Manager.GracePolls, manager.GracePolls)
		overrideValue(&c.Manager.MaxAttempts, manager.MaxAttempts)
		overrideValue(&c.Manager.Workers, manager.Workers)
		overrideValue(&c.Manager.ScanWorkers, manager.ScanWorkers)
	}

	if server := overrides.Server; server != nil {
		overrideString(&c.Server.Listen, server.Listen)
		overrideValue(&c.Server.Slots, server.Slots)
		overrideValue(&c.Server.Workers, server.Workers)
		overrideValue(&c.Server.SessionTimeout, server.SessionTimeout)
		if server.IdleDuringCompile {
			c.Server.IdleDuringCompile = true
		}
		overrideString(&c.Server.Repository, server.Repository)
		overrideString(&c.Server.Scratch, server.Scratch)
		overrideString(&c.Server.MetricsAddress, server.MetricsAddress)
	}
}

func overrideString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func overrideValue[T int | Duration](target *T, value T) {
	if value != 0 {
		*target = value
	}
}

// ExpandVariables expands ${VAR} and ${VAR:-default} patterns in
// paths. LoadFile calls it; binaries that start from Default call it
// themselves.
func (c *Config) ExpandVariables() {
	vars := map[string]string{
		"CCFARM_ROOT": c.Paths.Root,
		"HOME":        os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["CCFARM_ROOT"] = c.Paths.Root
	c.Paths.Run = expandVars(c.Paths.Run, vars)
	vars["CCFARM_RUN"] = c.Paths.Run

	c.Manager.ClientSocket = expandVars(c.Manager.ClientSocket, vars)
	c.Manager.AdminSocket = expandVars(c.Manager.AdminSocket, vars)
	c.Manager.NodesFile = expandVars(c.Manager.NodesFile, vars)
	c.Server.Repository = expandVars(c.Server.Repository, vars)
	c.Server.Scratch = expandVars(c.Server.Scratch, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns. vars take
// precedence over the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Paths.Root == "" {
		errs = append(errs, errors.New("paths.root is required"))
	}

	if c.Manager.ClientSocket == "" {
		errs = append(errs, errors.New("manager.client_socket is required"))
	}
	if c.Manager.MachineID == "" {
		errs = append(errs, errors.New("manager.machine_id is required"))
	} else if filepath.Base(c.Manager.MachineID) != c.Manager.MachineID || !filepath.IsLocal(c.Manager.MachineID) {
		errs = append(errs, fmt.Errorf("manager.machine_id %q must be a single path element", c.Manager.MachineID))
	}
	if c.Manager.PollInterval <= 0 {
		errs = append(errs, errors.New("manager.poll_interval must be positive"))
	}
	if c.Manager.GracePolls < 0 {
		errs = append(errs, errors.New("manager.grace_polls must not be negative"))
	}
	if c.Manager.MaxAttempts <= 0 {
		errs = append(errs, errors.New("manager.max_attempts must be positive"))
	}
	if c.Manager.Workers <= 0 || c.Manager.ScanWorkers <= 0 {
		errs = append(errs, errors.New("manager.workers and manager.scan_workers must be positive"))
	}
	for index, node := range c.Manager.Nodes {
		if err := node.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("manager.nodes[%d]: %w", index, err))
		}
	}

	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Server.Slots <= 0 {
		errs = append(errs, errors.New("server.slots must be positive"))
	}
	if c.Server.Workers <= 0 {
		errs = append(errs, errors.New("server.workers must be positive"))
	}
	if c.Server.SessionTimeout <= 0 {
		errs = append(errs, errors.New("server.session_timeout must be positive"))
	}
	if c.Server.Repository == "" || c.Server.Scratch == "" {
		errs = append(errs, errors.New("server.repository and server.scratch are required"))
	}

	return errors.Join(errs...)
}

// NodeProvider returns the discovery provider the manager polls.
func (c *Config) NodeProvider() discovery.Provider {
	if c.Manager.NodesFile != "" {
		return discovery.StaticProvider{Path: c.Manager.NodesFile}
	}
	return discovery.ListProvider(c.Manager.Nodes)
}

// EnsurePaths creates the configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.Root, c.Paths.Run} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
