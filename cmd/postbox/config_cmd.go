package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/postbox"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage postbox configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.postbox/" + postbox.DefaultConfigFileName
	if dir, err := postbox.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, postbox.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default postbox configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := postbox.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, postbox.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen                     string  `yaml:"listen"`
	Root                       string  `yaml:"root"`
	Store                      string  `yaml:"store"`
	IngestTransport            string  `yaml:"ingest-transport"`
	IngestListen               string  `yaml:"ingest-listen"`
	IngestQueueSize            int     `yaml:"ingest-queue-size"`
	FormMax                    string  `yaml:"form-max"`
	AppendTimeout              string  `yaml:"append-timeout"`
	MaxConns                   int     `yaml:"max-conns"`
	DisablePageWatch           bool    `yaml:"disable-page-watch"`
	ShutdownTimeout            string  `yaml:"shutdown-timeout"`
	ReadHeaderTimeout          string  `yaml:"read-header-timeout"`
	ReadTimeout                string  `yaml:"read-timeout"`
	WriteTimeout               string  `yaml:"write-timeout"`
	IdleTimeout                string  `yaml:"idle-timeout"`
	SupervisorFailureThreshold float64 `yaml:"supervisor-failure-threshold"`
	SupervisorFailureBackoff   string  `yaml:"supervisor-failure-backoff"`
	MetricsListen              string  `yaml:"metrics-listen"`
	PprofListen                string  `yaml:"pprof-listen"`
	EnableProfilingMetrics     bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint               string  `yaml:"otlp-endpoint"`
	StorageRetryMaxAttempts    int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay      string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay       string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier     float64 `yaml:"storage-retry-multiplier"`
	AWSRegion                  string  `yaml:"aws-region"`
	AzureAccount               string  `yaml:"azure-account"`
	AzureEndpoint              string  `yaml:"azure-endpoint"`
	LogLevel                   string  `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                     postbox.DefaultListen,
		Root:                       postbox.DefaultRoot,
		Store:                      "",
		IngestTransport:            postbox.DefaultIngestTransport,
		IngestListen:               postbox.DefaultIngestListen,
		IngestQueueSize:            postbox.DefaultIngestQueueSize,
		FormMax:                    humanizeBytes(postbox.DefaultFormMaxBytes),
		AppendTimeout:              postbox.DefaultAppendTimeout.String(),
		ShutdownTimeout:            postbox.DefaultShutdownTimeout.String(),
		ReadHeaderTimeout:          postbox.DefaultReadHeaderTimeout.String(),
		ReadTimeout:                postbox.DefaultReadTimeout.String(),
		WriteTimeout:               postbox.DefaultWriteTimeout.String(),
		IdleTimeout:                postbox.DefaultIdleTimeout.String(),
		SupervisorFailureThreshold: postbox.DefaultSupervisorFailureThreshold,
		SupervisorFailureBackoff:   postbox.DefaultSupervisorFailureBackoff.String(),
		StorageRetryMaxAttempts:    postbox.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:      postbox.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:       postbox.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier:     postbox.DefaultStorageRetryMultiplier,
		LogLevel:                   "info",
	}
	for _, override := range overrides {
		override(&defaults)
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	return data, nil
}
