package config

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfigPath = "/etc/laniakea/spark.json"

func newTestFs(t *testing.T, configJSON string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/machine-id", []byte("0123456789abcdef\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/etc/hostname", []byte("builder-host\n"), 0644))
	if configJSON != "" {
		require.NoError(t, afero.WriteFile(fs, testConfigPath, []byte(configJSON), 0644))
	}
	return fs
}

func TestLoadDefaults(t *testing.T) {
	fs := newTestFs(t, `{"LighthouseServer": "tcp://lighthouse.local:5570"}`)

	cfg, identity, err := Load(fs, testConfigPath)
	require.NoError(t, err)

	assert.Equal(t, "tcp://lighthouse.local:5570", cfg.SchedulerEndpoint())
	assert.Equal(t, 1, cfg.Capacity())
	assert.Equal(t, []string{"spark-runner"}, cfg.RunnerCommand)
	assert.Equal(t, 8*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 20*time.Second, cfg.ExpiryBackoff)
	assert.Equal(t, time.Second, cfg.PollInterval)

	assert.Equal(t, "0123456789abcdef", identity.MachineID)
	assert.Equal(t, "builder-host", identity.MachineName)
	assert.Equal(t, "/etc/laniakea/keys/builder-host_private.sec", cfg.ClientKeyPath)
	assert.Equal(t, "/etc/laniakea/keys/builder-host_lighthouse-server.pub", cfg.PeerKeyPath)
}

func TestLoadExplicitValues(t *testing.T) {
	fs := newTestFs(t, `{
		"MachineName": "  builder-07 ",
		"LighthouseServer": "lighthouse.local:5570",
		"MaxJobs": 4,
		"KeysDir": "/srv/keys",
		"WorkspaceRoot": "/srv/spark",
		"RunnerCommand": ["/usr/bin/lk-runner", "--quiet"],
		"RequestTimeout": "3s",
		"ExpiryBackoff": "1m"
	}`)

	cfg, identity, err := Load(fs, testConfigPath)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Capacity())
	assert.Equal(t, "builder-07", identity.MachineName)
	assert.Equal(t, "builder-07", cfg.MachineName)
	assert.Equal(t, "/srv/keys/builder-07_private.sec", cfg.ClientKeyPath)
	assert.Equal(t, []string{"/usr/bin/lk-runner", "--quiet"}, cfg.RunnerCommand)
	assert.Equal(t, 3*time.Second, cfg.RequestTimeout)
	assert.Equal(t, time.Minute, cfg.ExpiryBackoff)
	assert.Equal(t, "/srv/spark/logs", cfg.JobLogDir())
	assert.Equal(t, "/srv/spark/workspaces", cfg.WorkspaceDir())
	assert.Equal(t, "/srv/spark/spark.db", cfg.LedgerPath())
}

func TestLoadClampsMaxJobs(t *testing.T) {
	tests := []struct {
		name string
		json string
		want int
	}{
		{"zero", `{"LighthouseServer": "a:1", "MaxJobs": 0}`, 1},
		{"negative", `{"LighthouseServer": "a:1", "MaxJobs": -3}`, 1},
		{"too many", `{"LighthouseServer": "a:1", "MaxJobs": 101}`, 1},
		{"upper bound", `{"LighthouseServer": "a:1", "MaxJobs": 100}`, 100},
		{"lower bound", `{"LighthouseServer": "a:1", "MaxJobs": 1}`, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _, err := Load(newTestFs(t, tt.json), testConfigPath)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Capacity())
		})
	}
}

func TestClampCapacity(t *testing.T) {
	for n := 1; n <= 100; n++ {
		got, clamped := ClampCapacity(n)
		assert.Equal(t, n, got)
		assert.False(t, clamped)
	}
	for _, n := range []int{-100, -1, 0, 101, 1000} {
		got, clamped := ClampCapacity(n)
		assert.Equal(t, 1, got, "capacity %d", n)
		assert.True(t, clamped)
		assert.Equal(t, 1, (&Config{MaxJobs: n}).Capacity())
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"missing file", ""},
		{"invalid json", `{"LighthouseServer": `},
		{"missing lighthouse", `{"MaxJobs": 2}`},
		{"blank lighthouse", `{"LighthouseServer": "   "}`},
		{"bad timeout", `{"LighthouseServer": "a:1", "RequestTimeout": "soon"}`},
		{"empty runner", `{"LighthouseServer": "a:1", "RunnerCommand": []}`},
		{"zero backoff", `{"LighthouseServer": "a:1", "ExpiryBackoff": "0s"}`},
		{"negative backoff", `{"LighthouseServer": "a:1", "ExpiryBackoff": "-5s"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Load(newTestFs(t, tt.json), testConfigPath)
			require.Error(t, err)

			var cfgErr *ConfigError
			assert.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %T", err)
		})
	}
}

func TestLoadMissingLighthouseIsErrNoLighthouse(t *testing.T) {
	_, _, err := Load(newTestFs(t, `{"MachineName": "x"}`), testConfigPath)
	assert.ErrorIs(t, err, ErrNoLighthouse)
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("SPARK_MAXJOBS", "7")

	cfg, _, err := Load(newTestFs(t, `{"LighthouseServer": "a:1", "MaxJobs": 2}`), testConfigPath)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Capacity())
}
