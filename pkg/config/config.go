package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/cuemby/spark/pkg/log"
)

const (
	// DefaultConfigPath is where the packaged daemon looks for its settings
	DefaultConfigPath = "/etc/laniakea/spark.json"

	// MinJobs and MaxJobs bound the configured job capacity
	MinJobs = 1
	MaxJobs = 100

	defaultKeysDir        = "/etc/laniakea/keys"
	defaultWorkspaceRoot  = "/var/lib/lkspark"
	defaultPollInterval   = time.Second
	defaultRequestTimeout = 8 * time.Second
	defaultExpiryBackoff  = 20 * time.Second
)

// ConfigError reports a missing or invalid configuration source. It is fatal at startup.
type ConfigError struct {
	Source string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Source == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ErrNoLighthouse is returned when the configuration names no scheduler endpoint
var ErrNoLighthouse = errors.New("the configuration defines no Lighthouse server to connect to")

// Config is the immutable engine configuration for one run
type Config struct {
	MachineName      string        `mapstructure:"MachineName" yaml:"machine_name,omitempty"`
	LighthouseServer string        `mapstructure:"LighthouseServer" yaml:"lighthouse_server"`
	MaxJobs          int           `mapstructure:"MaxJobs" yaml:"max_jobs"`
	KeysDir          string        `mapstructure:"KeysDir" yaml:"keys_dir"`
	WorkspaceRoot    string        `mapstructure:"WorkspaceRoot" yaml:"workspace_root"`
	RunnerCommand    []string      `mapstructure:"RunnerCommand" yaml:"runner_command"`
	StatusAddr       string        `mapstructure:"StatusAddr" yaml:"status_addr,omitempty"`
	PollInterval     time.Duration `mapstructure:"PollInterval" yaml:"poll_interval"`
	RequestTimeout   time.Duration `mapstructure:"RequestTimeout" yaml:"request_timeout"`
	ExpiryBackoff    time.Duration `mapstructure:"ExpiryBackoff" yaml:"expiry_backoff"`
	KeepAliveTime    time.Duration `mapstructure:"KeepAliveTime" yaml:"keep_alive_time,omitempty"`

	// Resolved after loading
	ClientKeyPath string `mapstructure:"-" yaml:"client_key_path"`
	PeerKeyPath   string `mapstructure:"-" yaml:"peer_key_path"`
}

// Capacity returns the number of job slots
func (c *Config) Capacity() int {
	n, _ := ClampCapacity(c.MaxJobs)
	return n
}

// SchedulerEndpoint returns the configured Lighthouse address
func (c *Config) SchedulerEndpoint() string {
	return c.LighthouseServer
}

// JobLogDir returns the directory holding per-job log files
func (c *Config) JobLogDir() string {
	return filepath.Join(c.WorkspaceRoot, "logs")
}

// WorkspaceDir returns the directory holding per-job workspaces
func (c *Config) WorkspaceDir() string {
	return filepath.Join(c.WorkspaceRoot, "workspaces")
}

// LedgerPath returns the job ledger database location
func (c *Config) LedgerPath() string {
	return filepath.Join(c.WorkspaceRoot, "spark.db")
}

// Log prints the effective configuration at debug level
func (c *Config) Log() {
	logger := log.WithComponent("config")
	logger.Debug().
		Str("lighthouse_server", c.LighthouseServer).
		Int("max_jobs", c.MaxJobs).
		Str("client_key", c.ClientKeyPath).
		Str("peer_key", c.PeerKeyPath).
		Str("workspace_root", c.WorkspaceRoot).
		Strs("runner_command", c.RunnerCommand).
		Dur("poll_interval", c.PollInterval).
		Dur("request_timeout", c.RequestTimeout).
		Dur("expiry_backoff", c.ExpiryBackoff).
		Msg("Effective configuration")
}

// ClampCapacity maps out-of-range job counts to 1. The second result reports
// whether the value had to be changed.
func ClampCapacity(n int) (int, bool) {
	if n < MinJobs || n > MaxJobs {
		return 1, true
	}
	return n, false
}

// ClientKeyFile returns the conventional location of the client key pair
func ClientKeyFile(keysDir, machineName string) string {
	return filepath.Join(keysDir, fmt.Sprintf("%s_private.sec", machineName))
}

// PeerKeyFile returns the conventional location of the Lighthouse public key
func PeerKeyFile(keysDir, machineName string) string {
	return filepath.Join(keysDir, fmt.Sprintf("%s_lighthouse-server.pub", machineName))
}

var configKeys = []string{
	"MachineName",
	"LighthouseServer",
	"MaxJobs",
	"KeysDir",
	"WorkspaceRoot",
	"RunnerCommand",
	"StatusAddr",
	"PollInterval",
	"RequestTimeout",
	"ExpiryBackoff",
	"KeepAliveTime",
}

// Load reads the JSON configuration at path and resolves the machine identity.
// Every failure is a *ConfigError.
func Load(fs afero.Fs, path string) (*Config, *Identity, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	v := viper.New()
	v.SetFs(fs)
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("spark")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	for _, key := range configKeys {
		_ = v.BindEnv(key)
	}

	v.SetDefault("MaxJobs", 1)
	v.SetDefault("KeysDir", defaultKeysDir)
	v.SetDefault("WorkspaceRoot", defaultWorkspaceRoot)
	v.SetDefault("RunnerCommand", []string{"spark-runner"})
	v.SetDefault("PollInterval", defaultPollInterval)
	v.SetDefault("RequestTimeout", defaultRequestTimeout)
	v.SetDefault("ExpiryBackoff", defaultExpiryBackoff)

	if err := v.ReadInConfig(); err != nil {
		return nil, nil, &ConfigError{Source: path, Err: err}
	}

	cfg := &Config{}
	if err := unmarshal(v, cfg); err != nil {
		return nil, nil, &ConfigError{Source: path, Err: fmt.Errorf("the configuration is not valid: %w", err)}
	}

	cfg.MachineName = strings.TrimSpace(cfg.MachineName)
	cfg.LighthouseServer = strings.TrimSpace(cfg.LighthouseServer)
	if cfg.LighthouseServer == "" {
		return nil, nil, &ConfigError{Source: path, Err: ErrNoLighthouse}
	}

	if n, clamped := ClampCapacity(cfg.MaxJobs); clamped {
		logger := log.WithComponent("config")
		logger.Warn().
			Int("max_jobs", cfg.MaxJobs).
			Msgf("A number of %d jobs looks wrong. Resetting maximum job count to 1.", cfg.MaxJobs)
		cfg.MaxJobs = n
	}

	if len(cfg.RunnerCommand) == 0 {
		return nil, nil, &ConfigError{Source: path, Err: errors.New("RunnerCommand must not be empty")}
	}
	if cfg.RequestTimeout <= 0 {
		return nil, nil, &ConfigError{Source: path, Err: errors.New("RequestTimeout must be positive")}
	}
	if cfg.PollInterval <= 0 {
		return nil, nil, &ConfigError{Source: path, Err: errors.New("PollInterval must be positive")}
	}
	if cfg.ExpiryBackoff <= 0 {
		return nil, nil, &ConfigError{Source: path, Err: errors.New("ExpiryBackoff must be positive")}
	}

	identity, err := LoadIdentity(fs, cfg.MachineName)
	if err != nil {
		return nil, nil, err
	}
	cfg.MachineName = identity.MachineName

	cfg.ClientKeyPath = ClientKeyFile(cfg.KeysDir, identity.MachineName)
	cfg.PeerKeyPath = PeerKeyFile(cfg.KeysDir, identity.MachineName)

	return cfg, identity, nil
}

// unmarshal decodes viper settings with the same hooks the command line uses,
// so durations may be written as "20s" and counts as strings in the environment.
func unmarshal(v *viper.Viper, cfg interface{}) error {
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToIntHookFunc(),
	)

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: hook,
		Result:     cfg,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(v.AllSettings())
}

func stringToIntHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int {
			return data, nil
		}

		var i int
		if _, err := fmt.Sscanf(data.(string), "%d", &i); err != nil {
			return nil, fmt.Errorf("cannot convert %q to int: %v", data, err)
		}
		return i, nil
	}
}

// readTrimmed reads a one-line system file such as /etc/hostname
func readTrimmed(fs afero.Fs, path string) (string, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.ReplaceAll(string(data), "\n", " ")), nil
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
