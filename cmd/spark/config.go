package main

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/spark/pkg/config"
)

// effectiveConfig is what "spark config" prints
type effectiveConfig struct {
	Identity *config.Identity `yaml:"identity"`
	Config   *config.Config   `yaml:"config"`
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Load the configuration the same way the agent does, including
environment overrides and the resolved machine identity, and print it as YAML.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			return printConfig(cmd, afero.NewOsFs(), configPath)
		},
	}
}

func printConfig(cmd *cobra.Command, fs afero.Fs, path string) error {
	cfg, identity, err := config.Load(fs, path)
	if err != nil {
		return &fatalError{err: err}
	}

	data, err := yaml.Marshal(&effectiveConfig{Identity: identity, Config: cfg})
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}

	_, err = cmd.OutOrStdout().Write(data)
	return err
}
