package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the single YAML file shared by the CLI, the daemon and (in
// trimmed-down form, see Agent) the remote agent.
type Config struct {
	Remote RemoteConfig `yaml:"remote"`
	Paths  PathsConfig  `yaml:"paths"`
	Queue  QueueConfig  `yaml:"queue"`
	Daemon DaemonConfig `yaml:"daemon"`
	Agent  AgentConfig  `yaml:"agent"`
}

type RemoteConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	User        string `yaml:"user"`
	KeyPath     string `yaml:"key_path"`
	PasswordEnv string `yaml:"password_env"` // e.g. BSSBATCH_SSH_PASS
	KnownHosts  string `yaml:"known_hosts"`  // empty = don't verify host keys
	// Root is the install directory under the remote home, holding the
	// support bundle and all batch workspaces.
	Root string `yaml:"root"`
}

type PathsConfig struct {
	Batches string `yaml:"batches"` // local dir of batch archives
	Output  string `yaml:"output"`  // local dir for retrieved results
	StateDB string `yaml:"state_db"`
	Bundle  string `yaml:"bundle"` // local dir packaged as the support bundle
	// DaemonBin overrides the bssbatchd location; default is next to the CLI.
	DaemonBin string `yaml:"daemon_bin"`
}

// Intervals are plain seconds in the file (teacher-style ints, yaml has no
// duration scalar).
type QueueConfig struct {
	Template          string `yaml:"template"` // submission script template, relative to the bundle
	Executable        string `yaml:"executable"`
	WallTime          string `yaml:"wall_time"`
	MaxQueued         int    `yaml:"max_queued"`
	SubmitPollSeconds int    `yaml:"submit_poll_seconds"`
	DrainPollSeconds  int    `yaml:"drain_poll_seconds"`
}

func (q QueueConfig) SubmitPoll() time.Duration { return time.Duration(q.SubmitPollSeconds) * time.Second }
func (q QueueConfig) DrainPoll() time.Duration  { return time.Duration(q.DrainPollSeconds) * time.Second }

type DaemonConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	// MaxWaitSeconds bounds the artifact poll loop; 0 means wait forever,
	// which is the documented default (runs are expected to sit in the queue
	// for months).
	MaxWaitSeconds int `yaml:"max_wait_seconds"`
}

func (d DaemonConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalSeconds) * time.Second
}

func (d DaemonConfig) MaxWait() time.Duration {
	return time.Duration(d.MaxWaitSeconds) * time.Second
}

type AgentConfig struct {
	ExcludeLogs []string `yaml:"exclude_logs"` // bulk logs left out of the artifact
	SeedCommand string   `yaml:"seed_command"` // generates missing seed inputs, run per job
}

// Load reads path and fills in defaults for anything left unset.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	cfg.applyDefaults()

	if cfg.Remote.Host == "" {
		return nil, fmt.Errorf("config %s: remote.host is required", path)
	}
	if cfg.Remote.User == "" {
		return nil, fmt.Errorf("config %s: remote.user is required", path)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Remote.Port == 0 {
		c.Remote.Port = 22
	}
	if c.Remote.Root == "" {
		c.Remote.Root = "BSS-Batch-Manager-Remote"
	}
	if c.Paths.Batches == "" {
		c.Paths.Batches = "batches"
	}
	if c.Paths.Output == "" {
		c.Paths.Output = "output"
	}
	if c.Paths.StateDB == "" {
		c.Paths.StateDB = "bssbatch.db"
	}
	if c.Paths.Bundle == "" {
		c.Paths.Bundle = filepath.Join("common_files", "remote_bundle")
	}
	if c.Queue.Template == "" {
		c.Queue.Template = "job_submission_template.sh"
	}
	if c.Queue.Executable == "" {
		c.Queue.Executable = "bond_switch_simulator.exe"
	}
	if c.Queue.WallTime == "" {
		c.Queue.WallTime = "48:00:00"
	}
	if c.Queue.MaxQueued == 0 {
		c.Queue.MaxQueued = 200
	}
	if c.Queue.SubmitPollSeconds == 0 {
		c.Queue.SubmitPollSeconds = 5
	}
	if c.Queue.DrainPollSeconds == 0 {
		c.Queue.DrainPollSeconds = 5
	}
	if c.Daemon.PollIntervalSeconds == 0 {
		c.Daemon.PollIntervalSeconds = 5
	}
	if len(c.Agent.ExcludeLogs) == 0 {
		c.Agent.ExcludeLogs = []string{"lammps.log"}
	}
}

// Path returns the config file location: the BSSBATCH_CONFIG env var when set,
// otherwise fallback.
func Path(fallback string) string {
	if v := os.Getenv("BSSBATCH_CONFIG"); v != "" {
		return v
	}
	return fallback
}
