package postbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/postbox/internal/ingest"
	"pkt.systems/postbox/internal/pathutil"
)

const (
	// DefaultListen is the HTTP front door address (all interfaces).
	DefaultListen = ":3000"
	// DefaultRoot is the directory pages, static files and storage live under.
	DefaultRoot = "."
	// DefaultStorageDirName is the directory below Root holding data.json.
	DefaultStorageDirName = "storage"
	// DefaultIngestListen is where the ingest receiver binds its datagram socket.
	DefaultIngestListen = ingest.DefaultListenAddr
	// IngestTransportUDP relays submissions over a loopback UDP socket.
	IngestTransportUDP = "udp"
	// IngestTransportLocal relays submissions over a bounded in-process queue.
	IngestTransportLocal = "local"
	// DefaultIngestTransport keeps the datagram hand-off.
	DefaultIngestTransport = IngestTransportUDP
	// DefaultIngestQueueSize bounds the local transport's buffer.
	DefaultIngestQueueSize = 1024
	// DefaultFormMaxBytes bounds a submitted form body.
	DefaultFormMaxBytes = int64(64 << 10)
	// DefaultAppendTimeout bounds one read-modify-write of the document.
	DefaultAppendTimeout = 10 * time.Second
	// DefaultShutdownTimeout caps how long each service may take to stop.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultReadHeaderTimeout bounds reading request headers.
	DefaultReadHeaderTimeout = 5 * time.Second
	// DefaultReadTimeout bounds reading a full request.
	DefaultReadTimeout = 30 * time.Second
	// DefaultWriteTimeout bounds writing a response.
	DefaultWriteTimeout = 30 * time.Second
	// DefaultIdleTimeout closes idle keep-alive connections.
	DefaultIdleTimeout = 2 * time.Minute
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultSupervisorFailureThreshold is how many decayed failures stop restarts for a while.
	DefaultSupervisorFailureThreshold = 5
	// DefaultSupervisorFailureBackoff is the pause once the threshold is crossed.
	DefaultSupervisorFailureBackoff = 15 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for a postbox.Server.
type Config struct {
	// Listen is the HTTP front door address.
	Listen string
	// Root holds index.html, message.html, error.html and static files.
	Root string
	// Store selects the document backend (disk://, mem://, s3://, aws://, azure://).
	// Empty derives disk://<Root>/storage.
	Store string

	// IngestTransport is "udp" or "local".
	IngestTransport string
	// IngestListen is the UDP address the receiver binds and the front door sends to.
	IngestListen string
	// IngestQueueSize bounds the local transport.
	IngestQueueSize int

	// FormMaxBytes bounds a submitted form body.
	FormMaxBytes int64
	// AppendTimeout bounds one append against the backend.
	AppendTimeout time.Duration
	// MaxConns caps concurrent HTTP connections (0 = unlimited).
	MaxConns int
	// DisablePageWatch turns off fsnotify invalidation and the page cache.
	DisablePageWatch bool

	ShutdownTimeout   time.Duration
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration

	SupervisorFailureThreshold float64
	SupervisorFailureBackoff   time.Duration

	// MetricsListen exposes a Prometheus scrape endpoint when set.
	MetricsListen string
	// PprofListen exposes net/http/pprof when set.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the scrape endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables tracing (grpc://, grpcs://, http://, https:// or host:port).
	OTLPEndpoint string

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64

	// AWSRegion sets the region for aws:// stores.
	AWSRegion string
	// S3AccessKeyID sets a static credential for s3:// stores.
	S3AccessKeyID string
	// S3SecretAccessKey sets a static credential for s3:// stores.
	S3SecretAccessKey string
	// S3SessionToken sets an optional session token for s3:// stores.
	S3SessionToken string
	// AzureAccount overrides the account named in azure:// URLs.
	AzureAccount string
	// AzureAccountKey authenticates azure:// stores with a shared key.
	AzureAccountKey string
	// AzureEndpoint overrides the blob endpoint.
	AzureEndpoint string
	// AzureSASToken authenticates azure:// stores with a SAS token.
	AzureSASToken string
}

// Validate fills defaults and rejects contradictory settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if strings.TrimSpace(c.Root) == "" {
		c.Root = DefaultRoot
	}
	root, err := pathutil.Expand(c.Root)
	if err != nil {
		return fmt.Errorf("config: expand root: %w", err)
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("config: resolve root: %w", err)
	}
	c.Root = root
	if strings.TrimSpace(c.Store) == "" {
		c.Store = "disk://" + filepath.ToSlash(filepath.Join(c.Root, DefaultStorageDirName))
	}
	c.IngestTransport = strings.ToLower(strings.TrimSpace(c.IngestTransport))
	if c.IngestTransport == "" {
		c.IngestTransport = DefaultIngestTransport
	}
	switch c.IngestTransport {
	case IngestTransportUDP, IngestTransportLocal:
	default:
		return fmt.Errorf("config: ingest transport must be %q or %q", IngestTransportUDP, IngestTransportLocal)
	}
	if c.IngestListen == "" {
		c.IngestListen = DefaultIngestListen
	}
	if c.IngestQueueSize == 0 {
		c.IngestQueueSize = DefaultIngestQueueSize
	} else if c.IngestQueueSize < 0 {
		return fmt.Errorf("config: ingest queue size must be > 0")
	}
	if c.FormMaxBytes == 0 {
		c.FormMaxBytes = DefaultFormMaxBytes
	} else if c.FormMaxBytes < 0 {
		return fmt.Errorf("config: form max must be > 0")
	}
	if c.AppendTimeout == 0 {
		c.AppendTimeout = DefaultAppendTimeout
	} else if c.AppendTimeout < 0 {
		return fmt.Errorf("config: append timeout must be >= 0")
	}
	if c.MaxConns < 0 {
		return fmt.Errorf("config: max conns must be >= 0")
	}
	setDuration(&c.ShutdownTimeout, DefaultShutdownTimeout)
	setDuration(&c.ReadHeaderTimeout, DefaultReadHeaderTimeout)
	setDuration(&c.ReadTimeout, DefaultReadTimeout)
	setDuration(&c.WriteTimeout, DefaultWriteTimeout)
	setDuration(&c.IdleTimeout, DefaultIdleTimeout)
	if c.SupervisorFailureThreshold <= 0 {
		c.SupervisorFailureThreshold = DefaultSupervisorFailureThreshold
	}
	setDuration(&c.SupervisorFailureBackoff, DefaultSupervisorFailureBackoff)
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	setDuration(&c.StorageRetryBaseDelay, DefaultStorageRetryBaseDelay)
	setDuration(&c.StorageRetryMaxDelay, DefaultStorageRetryMaxDelay)
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		c.StorageRetryMaxDelay = c.StorageRetryBaseDelay
	}
	if c.StorageRetryMultiplier < 1 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	return nil
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// StorageDir returns the local directory backing a disk:// store, or "" for
// remote and in-memory stores.
func (c Config) StorageDir() string {
	diskCfg, err := BuildDiskConfig(c)
	if err != nil {
		return ""
	}
	return diskCfg.Root
}

// DefaultConfigDir returns the default configuration directory ($HOME/.postbox).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("POSTBOX_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".postbox"), nil
}
