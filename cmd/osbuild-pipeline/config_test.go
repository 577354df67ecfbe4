package main_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	main "github.com/jbtrystram/osbuild/cmd/osbuild-pipeline"
	"github.com/jbtrystram/osbuild/internal/sandbox"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "osbuild-pipeline.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestConfigDefaults(t *testing.T) {
	config, err := main.ParseConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, "/var/tmp/osbuild-pipeline", config.Store)
	assert.Equal(t, sandbox.TypeBwrap, config.Sandbox.Type)
	assert.Equal(t, sandbox.DefaultTimeout, config.Sandbox.Timeout)
	assert.Equal(t, sandbox.DefaultGracePeriod, config.Sandbox.GracePeriod)
	assert.Equal(t, sandbox.DefaultEnvAllow, config.Sandbox.EnvAllow)
	assert.Equal(t, "/var/tmp/osbuild-pipeline/cache", config.Cache.Dir)
	assert.False(t, config.Cache.Disabled)
}

func TestConfigFile(t *testing.T) {
	path := writeConfig(t, `
store = "/srv/pipeline"
metrics_file = "/var/lib/node_exporter/osbuild.prom"

[sandbox]
type = "host"
timeout = "10m"
grace_period = "2s"
allow_network = true
env_allow = ["LANG", "HTTP_*"]
cpu_seconds = 600
memory_bytes = 2147483648

[cache]
max_entries = 100
max_age = "72h"
`)
	config, err := main.ParseConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/pipeline", config.Store)
	assert.Equal(t, "/var/lib/node_exporter/osbuild.prom", config.MetricsFile)
	assert.Equal(t, sandbox.TypeHost, config.Sandbox.Type)
	assert.Equal(t, 10*time.Minute, config.Sandbox.Timeout)
	assert.Equal(t, 2*time.Second, config.Sandbox.GracePeriod)
	assert.True(t, config.Sandbox.AllowNetwork)
	assert.Equal(t, []string{"LANG", "HTTP_*"}, config.Sandbox.EnvAllow)
	assert.Equal(t, int64(600), config.Sandbox.CPUSeconds)
	assert.Equal(t, int64(2147483648), config.Sandbox.MemoryBytes)
	assert.Equal(t, "/srv/pipeline/cache", config.Cache.Dir)
	assert.Equal(t, 100, config.Cache.MaxEntries)
	assert.Equal(t, 72*time.Hour, config.Cache.MaxAge)
}

func TestConfigErrors(t *testing.T) {
	for name, content := range map[string]string{
		"sandbox type":     "[sandbox]\ntype = \"chroot\"\n",
		"negative timeout": "[sandbox]\ntimeout = \"-1s\"\n",
		"negative limit":   "[sandbox]\nmemory_bytes = -1\n",
		"negative cache":   "[cache]\nmax_entries = -5\n",
		"syntax":           "store = \n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := main.ParseConfig(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}
