package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/jbtrystram/osbuild/internal/sandbox"
)

const defaultConfigFile = "/etc/osbuild-pipeline/osbuild-pipeline.toml"

type sandboxConfig struct {
	// host, bwrap or inprocess
	Type         string        `toml:"type"`
	StageHost    []string      `toml:"stage_host"`
	Timeout      time.Duration `toml:"timeout"`
	GracePeriod  time.Duration `toml:"grace_period"`
	AllowNetwork bool          `toml:"allow_network"`
	EnvAllow     []string      `toml:"env_allow"`
	CPUSeconds   int64         `toml:"cpu_seconds"`
	MemoryBytes  int64         `toml:"memory_bytes"`
}

type cacheConfig struct {
	Disabled bool `toml:"disabled"`
	// default value: <store>/cache
	Dir        string        `toml:"dir"`
	MaxEntries int           `toml:"max_entries"`
	MaxAge     time.Duration `toml:"max_age"`
}

type pipelineConfig struct {
	// scratch checkouts and result trees are created here
	Store   string         `toml:"store"`
	Sandbox *sandboxConfig `toml:"sandbox"`
	Cache   *cacheConfig   `toml:"cache"`
	// textfile the metrics of every run are written to
	MetricsFile string `toml:"metrics_file"`
}

func parseConfig(file string) (*pipelineConfig, error) {
	// set defaults
	config := pipelineConfig{
		Store: "/var/tmp/osbuild-pipeline",
		Sandbox: &sandboxConfig{
			Type:        sandbox.TypeBwrap,
			Timeout:     sandbox.DefaultTimeout,
			GracePeriod: sandbox.DefaultGracePeriod,
			// decoding reuses the backing array of slices
			EnvAllow: append([]string(nil), sandbox.DefaultEnvAllow...),
		},
		Cache: &cacheConfig{},
	}

	_, err := toml.DecodeFile(file, &config)
	if err != nil {
		// A non-existing config isn't an error, use defaults in this case.
		if !os.IsNotExist(err) {
			return nil, err
		}

		logrus.Debug("Configuration file not found, using defaults")
	}

	switch config.Sandbox.Type {
	case sandbox.TypeHost, sandbox.TypeBwrap, sandbox.TypeInProcess:
		// good and supported
	default:
		return nil, fmt.Errorf("sandbox type needs to be host, bwrap or inprocess. Got: %s.", config.Sandbox.Type)
	}

	if config.Sandbox.Timeout < 0 || config.Sandbox.GracePeriod < 0 {
		return nil, fmt.Errorf("sandbox timeouts must not be negative")
	}
	if config.Sandbox.CPUSeconds < 0 || config.Sandbox.MemoryBytes < 0 {
		return nil, fmt.Errorf("sandbox limits must not be negative")
	}
	if config.Cache.MaxEntries < 0 || config.Cache.MaxAge < 0 {
		return nil, fmt.Errorf("cache limits must not be negative")
	}

	if config.Cache.Dir == "" {
		config.Cache.Dir = filepath.Join(config.Store, "cache")
	}

	return &config, nil
}

func (c *pipelineConfig) runnerConfig(logger logrus.FieldLogger, tracker *sandbox.Tracker) sandbox.Config {
	return sandbox.Config{
		Type:         c.Sandbox.Type,
		StageHost:    c.Sandbox.StageHost,
		Timeout:      c.Sandbox.Timeout,
		GracePeriod:  c.Sandbox.GracePeriod,
		AllowNetwork: c.Sandbox.AllowNetwork,
		EnvAllow:     c.Sandbox.EnvAllow,
		Limits: sandbox.Limits{
			CPUSeconds:  uint64(c.Sandbox.CPUSeconds),
			MemoryBytes: uint64(c.Sandbox.MemoryBytes),
		},
		Logger:  logger,
		Tracker: tracker,
	}
}
