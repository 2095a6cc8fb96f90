package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/postbox"
	"pkt.systems/postbox/internal/logging"
	"pkt.systems/postbox/internal/pathutil"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("POSTBOX_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "postbox")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				logging.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server itself
// rather than a subcommand, so server failures are logged and subcommand
// failures are printed plainly.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookup := func(name string, short bool) *pflag.Flag {
		for _, set := range []*pflag.FlagSet{root.Flags(), root.PersistentFlags()} {
			var flag *pflag.Flag
			if short {
				flag = set.ShorthandLookup(name)
			} else {
				flag = set.Lookup(name)
			}
			if flag != nil {
				return flag
			}
		}
		return nil
	}
	hasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			i++
			if strings.Contains(arg, "=") {
				continue
			}
			flag := lookup(strings.TrimPrefix(arg, "--"), false)
			if flag == nil {
				return !hasSubcommand(args[i:])
			}
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
		case strings.HasPrefix(arg, "-") && arg != "-":
			i++
			short := strings.TrimPrefix(arg, "-")
			flag := lookup(short[:1], true)
			if flag == nil {
				return !hasSubcommand(args[i:])
			}
			if flag.NoOptDefVal == "" && len(short) == 1 && i < len(args) {
				i++
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := postbox.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, postbox.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := pathutil.Expand(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

// serverFlagNames are bound to viper (and POSTBOX_* env) for the root command.
var serverFlagNames = []string{
	"listen", "ingest-transport", "ingest-listen", "ingest-queue-size",
	"form-max", "append-timeout", "max-conns", "disable-page-watch",
	"shutdown-timeout", "read-header-timeout", "read-timeout", "write-timeout", "idle-timeout",
	"supervisor-failure-threshold", "supervisor-failure-backoff",
	"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
	"log-level",
}

// storeFlagNames are persistent so verify and init see the same store.
var storeFlagNames = []string{
	"config", "root", "store",
	"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
	"aws-region", "s3-access-key-id", "s3-secret-access-key", "s3-session-token",
	"azure-account", "azure-key", "azure-endpoint", "azure-sas-token",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "postbox",
		Short:         "postbox serves a message form and stores every submission in a timestamped JSON document",
		SilenceErrors: true,
		Example: `
  # Serve ./index.html, ./message.html and friends; store in ./storage/data.json
  postbox --root .

  # Hand submissions over an in-process queue instead of UDP
  postbox --ingest-transport local

  # Keep the document in MinIO (append ?insecure=1 for plain HTTP)
  POSTBOX_STORE=s3://localhost:9000/postbox?insecure=1 POSTBOX_S3_ACCESS_KEY_ID=minio POSTBOX_S3_SECRET_ACCESS_KEY=minio123 postbox

  # AWS S3
  postbox --store aws://my-bucket/postbox --aws-region eu-north-1
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			logger := baseLogger
			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := logging.WithSubsystem(logger, "cli.root")
			logging.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to postbox",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			var cfg postbox.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}

			server, err := postbox.NewServer(cfg, postbox.WithLogger(logger))
			if err != nil {
				return err
			}
			shutdown := func() error {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+5*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			}
			startErr := make(chan error, 1)
			go func() { startErr <- server.Start() }()

			select {
			case err = <-startErr:
				if shutdownErr := shutdown(); shutdownErr != nil {
					cliLogger.Error("shutdown failed", "error", shutdownErr)
				}
			case <-ctx.Done():
				if shutdownErr := shutdown(); shutdownErr != nil {
					cliLogger.Error("shutdown failed", "error", shutdownErr)
				}
				err = <-startErr
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistent := cmd.PersistentFlags()
	persistent.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.postbox/"+postbox.DefaultConfigFileName+")")
	persistent.StringP("root", "r", postbox.DefaultRoot, "directory holding the pages, static files and the storage directory")
	persistent.String("store", "", "storage backend URL (disk:///path, mem://, s3://host[:port]/bucket, aws://bucket, azure://account/container); defaults to disk://<root>/storage")
	persistent.Int("storage-retry-attempts", postbox.DefaultStorageRetryMaxAttempts, "maximum attempts for transient storage errors")
	persistent.Duration("storage-retry-base-delay", postbox.DefaultStorageRetryBaseDelay, "initial delay between storage retries")
	persistent.Duration("storage-retry-max-delay", postbox.DefaultStorageRetryMaxDelay, "maximum delay between storage retries")
	persistent.Float64("storage-retry-multiplier", postbox.DefaultStorageRetryMultiplier, "backoff multiplier between storage retries")
	persistent.String("aws-region", "", "AWS region for aws:// stores")
	persistent.String("s3-access-key-id", "", "static access key for s3:// stores")
	persistent.String("s3-secret-access-key", "", "static secret key for s3:// stores")
	persistent.String("s3-session-token", "", "optional session token for s3:// stores")
	persistent.String("azure-account", "", "Azure storage account (overrides the azure:// host)")
	persistent.String("azure-key", "", "Azure shared key")
	persistent.String("azure-endpoint", "", "Azure blob endpoint override (default https://<account>.blob.core.windows.net)")
	persistent.String("azure-sas-token", "", "Azure SAS token")

	flags := cmd.Flags()
	flags.String("listen", postbox.DefaultListen, "HTTP listen address")
	flags.String("ingest-transport", postbox.DefaultIngestTransport, "ingest hand-off: udp or local")
	flags.String("ingest-listen", postbox.DefaultIngestListen, "UDP address of the ingest receiver")
	flags.Int("ingest-queue-size", postbox.DefaultIngestQueueSize, "buffer size of the local ingest transport")
	flags.String("form-max", humanizeBytes(postbox.DefaultFormMaxBytes), "maximum form body size (e.g. 64KiB)")
	flags.Duration("append-timeout", postbox.DefaultAppendTimeout, "timeout for one document append")
	flags.Int("max-conns", 0, "maximum concurrent HTTP connections (0 = unlimited)")
	flags.Bool("disable-page-watch", false, "read pages from disk on every request instead of caching them")
	flags.Duration("shutdown-timeout", postbox.DefaultShutdownTimeout, "how long each service may take to stop")
	flags.Duration("read-header-timeout", postbox.DefaultReadHeaderTimeout, "HTTP read header timeout")
	flags.Duration("read-timeout", postbox.DefaultReadTimeout, "HTTP read timeout")
	flags.Duration("write-timeout", postbox.DefaultWriteTimeout, "HTTP write timeout")
	flags.Duration("idle-timeout", postbox.DefaultIdleTimeout, "HTTP keep-alive idle timeout")
	flags.Float64("supervisor-failure-threshold", postbox.DefaultSupervisorFailureThreshold, "service failures tolerated before the supervisor backs off")
	flags.Duration("supervisor-failure-backoff", postbox.DefaultSupervisorFailureBackoff, "pause after the failure threshold is crossed")
	flags.String("metrics-listen", "", "Prometheus scrape endpoint (empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "add Go runtime metrics to the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	viper.SetEnvPrefix("POSTBOX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	bind := func(set *pflag.FlagSet, names []string) {
		for _, name := range names {
			flag := set.Lookup(name)
			if flag == nil {
				panic(fmt.Sprintf("flag %q not found", name))
			}
			if err := viper.BindPFlag(name, flag); err != nil {
				panic(err)
			}
		}
	}
	bind(persistent, storeFlagNames)
	bind(flags, serverFlagNames)

	cmd.AddCommand(newVerifyCommand(logging.WithSubsystem(baseLogger, "cli.verify")))
	cmd.AddCommand(newInitCommand(logging.WithSubsystem(baseLogger, "cli.init")))
	cmd.AddCommand(newSendCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *postbox.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.Root = viper.GetString("root")
	cfg.Store = viper.GetString("store")
	cfg.IngestTransport = viper.GetString("ingest-transport")
	cfg.IngestListen = viper.GetString("ingest-listen")
	cfg.IngestQueueSize = viper.GetInt("ingest-queue-size")
	if raw := strings.TrimSpace(viper.GetString("form-max")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse form-max: %w", err)
		}
		cfg.FormMaxBytes = int64(size)
	}
	cfg.AppendTimeout = viper.GetDuration("append-timeout")
	cfg.MaxConns = viper.GetInt("max-conns")
	cfg.DisablePageWatch = viper.GetBool("disable-page-watch")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.ReadHeaderTimeout = viper.GetDuration("read-header-timeout")
	cfg.ReadTimeout = viper.GetDuration("read-timeout")
	cfg.WriteTimeout = viper.GetDuration("write-timeout")
	cfg.IdleTimeout = viper.GetDuration("idle-timeout")
	cfg.SupervisorFailureThreshold = viper.GetFloat64("supervisor-failure-threshold")
	cfg.SupervisorFailureBackoff = viper.GetDuration("supervisor-failure-backoff")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.StorageRetryMaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")
	cfg.AWSRegion = viper.GetString("aws-region")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
