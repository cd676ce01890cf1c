// Package runtime assembles a running probe from configuration: it builds
// the external ports, spawns the guardian-supervised scheduler, and serves
// the HTTP API until signalled to exit.
package runtime

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/codec"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/execution"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/guardian"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/scenario"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/scheduler"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/scratch"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/service"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/storage"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/streams"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/vault"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// ProbeConfig is the full configuration surface of the probe, parsed by
// go-flags from flags and environment.
type ProbeConfig struct {
	Probe struct {
		Port                    int           `long:"port" env:"PORT" default:"8080" description:"Port of the HTTP API"`
		MaxConcurrent           int           `long:"max-concurrent" env:"MAX_CONCURRENT" default:"4" description:"Maximum number of concurrently executing tests"`
		DefaultBootstrapServers string        `long:"bootstrap-servers" env:"BOOTSTRAP_SERVERS" description:"Default comma-separated broker list for directives without an override"`
		AskTimeout              time.Duration `long:"ask-timeout" env:"ASK_TIMEOUT" default:"10s" description:"Reply deadline of per-request actor asks"`
		StartupDeadline         time.Duration `long:"startup-deadline" env:"STARTUP_DEADLINE" default:"30s" description:"Upper bound on stream initialization"`
		CommitBatchSize         int           `long:"commit-batch-size" env:"COMMIT_BATCH_SIZE" default:"20" description:"Consumer offsets committed per batch"`
		CommitInterval          time.Duration `long:"commit-interval" env:"COMMIT_INTERVAL" default:"5s" description:"Consumer offset commit interval"`
		Retention               time.Duration `long:"retention" env:"RETENTION" default:"0s" description:"How long terminal test records stay queryable; 0 retains until exit"`
		ScratchDir              string        `long:"scratch-dir" env:"SCRATCH_DIR" description:"Base directory of per-test scratch workspaces (default: under the OS temp dir)"`
	} `group:"Probe" namespace:"probe" env-namespace:"PROBE"`

	Layout struct {
		FeaturesPath string `long:"features-path" env:"FEATURES_PATH" default:"features" description:"Bucket-relative directory of feature files"`
		ManifestPath string `long:"manifest-path" env:"MANIFEST_PATH" default:"topic-directives.yaml" description:"Bucket-relative path of the topic manifest"`
	} `group:"Bucket Layout" namespace:"layout" env-namespace:"LAYOUT"`

	Schema struct {
		RegistryURL   string `long:"registry-url" env:"REGISTRY_URL" description:"Base URL of the schema registry"`
		KeyRecordName string `long:"key-record" env:"KEY_RECORD" default:"EventKey" description:"Registry record name of event keys"`
	} `group:"Schema Registry" namespace:"schema" env-namespace:"SCHEMA"`

	Storage struct {
		Provider string `long:"provider" env:"PROVIDER" default:"all" choice:"all" choice:"local" choice:"gcs" choice:"s3" choice:"azure" description:"Accepted bucket storage provider"`
	} `group:"Storage" namespace:"storage" env-namespace:"STORAGE"`

	Vault struct {
		Provider       string   `long:"provider" env:"PROVIDER" default:"local" choice:"local" choice:"aws" choice:"gcp" choice:"hashicorp" description:"Credential vault provider"`
		RequiredFields []string `long:"required-field" env:"REQUIRED_FIELDS" env-delim:"," description:"Field every fetched secret must carry; repeatable"`
		SecretPrefix   string   `long:"secret-prefix" env:"SECRET_PREFIX" description:"Prefix prepended to derived secret names"`
		LocalPath      string   `long:"local-path" env:"LOCAL_PATH" description:"Credentials file of the local provider"`
		GCPProject     string   `long:"gcp-project" env:"GCP_PROJECT" description:"Project of the gcp provider"`
		HashicorpMount string   `long:"hashicorp-mount" env:"HASHICORP_MOUNT" default:"secret" description:"KV mount of the hashicorp provider"`
	} `group:"Vault" namespace:"vault" env-namespace:"VAULT"`

	Guardian struct {
		MaxRestarts int           `long:"max-restarts" env:"MAX_RESTARTS" default:"10" description:"Scheduler restarts tolerated within the window"`
		Window      time.Duration `long:"window" env:"WINDOW" default:"1m" description:"Restart budget window"`
	} `group:"Supervision" namespace:"guardian" env-namespace:"GUARDIAN"`

	Log LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

// LogConfig configures the process-wide logger.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"text" choice:"json" description:"Logging output format"`
}

// InitLog configures logrus from |cfg|.
func InitLog(cfg LogConfig) {
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if lvl, err := log.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(lvl)
	}
}

// ExecutionConfig derives the per-execution configuration.
func (cfg *ProbeConfig) ExecutionConfig() execution.Config {
	return execution.Config{
		DefaultBootstrapServers: cfg.Probe.DefaultBootstrapServers,
		AskTimeout:              cfg.Probe.AskTimeout,
		StartupDeadline:         cfg.Probe.StartupDeadline,
		CommitBatchSize:         cfg.Probe.CommitBatchSize,
		CommitInterval:          cfg.Probe.CommitInterval,
	}
}

// BuildPorts resolves the configured external adapters, or an error naming
// the first piece that cannot be built.
func (cfg *ProbeConfig) BuildPorts() (execution.Ports, error) {
	var manager = scratch.NewManager(afero.NewOsFs(), scratch.Config{
		BaseDir:      cfg.Probe.ScratchDir,
		FeaturesPath: cfg.Layout.FeaturesPath,
		ManifestPath: cfg.Layout.ManifestPath,
	})

	var store, err = storage.NewStore(storage.Config{Provider: cfg.Storage.Provider}, manager)
	if err != nil {
		return execution.Ports{}, fmt.Errorf("building storage port: %w", err)
	}

	v, err := vault.New(vault.Config{
		Provider:       cfg.Vault.Provider,
		RequiredFields: cfg.Vault.RequiredFields,
		SecretPrefix:   cfg.Vault.SecretPrefix,
		LocalPath:      cfg.Vault.LocalPath,
		GCPProject:     cfg.Vault.GCPProject,
		HashicorpMount: cfg.Vault.HashicorpMount,
	})
	if err != nil {
		return execution.Ports{}, fmt.Errorf("building vault port: %w", err)
	}

	if cfg.Schema.RegistryURL == "" {
		return execution.Ports{}, fmt.Errorf("building schema codec: a schema registry URL is required")
	}
	registry, err := codec.NewRegistry(cfg.Schema.RegistryURL)
	if err != nil {
		return execution.Ports{}, fmt.Errorf("building schema codec: %w", err)
	}
	c, err := codec.New(registry, codec.Config{KeyRecordName: cfg.Schema.KeyRecordName})
	if err != nil {
		return execution.Ports{}, fmt.Errorf("building schema codec: %w", err)
	}

	return execution.Ports{
		Store:  store,
		Vault:  v,
		Codec:  c,
		Broker: streams.KafkaFactory{},
		Runner: &scenario.Runtime{AskTimeout: cfg.Probe.AskTimeout},
	}, nil
}

// ProbeServer is a fully assembled probe.
type ProbeServer struct {
	guard    *guardian.Guardian
	listener net.Listener
	server   *http.Server
}

// NewProbeServer builds and starts listening, without serving yet.
func NewProbeServer(cfg ProbeConfig) (*ProbeServer, error) {
	var ports, err = cfg.BuildPorts()
	if err != nil {
		return nil, err
	}

	var schedCfg = scheduler.Config{
		MaxConcurrent: cfg.Probe.MaxConcurrent,
		Retention:     cfg.Probe.Retention,
		Execution:     cfg.ExecutionConfig(),
	}
	var guard = guardian.New(guardian.Config{
		MaxRestarts: cfg.Guardian.MaxRestarts,
		Window:      cfg.Guardian.Window,
	}, func() guardian.Supervised {
		return scheduler.New(schedCfg, ports)
	})

	var mux = http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", service.NewRouter(func() *scheduler.Scheduler {
		var sched, _ = guard.Current().(*scheduler.Scheduler)
		return sched
	}))

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Probe.Port))
	if err != nil {
		guard.Stop()
		return nil, fmt.Errorf("binding API listener: %w", err)
	}

	log.WithFields(log.Fields{
		"addr":          listener.Addr(),
		"maxConcurrent": cfg.Probe.MaxConcurrent,
	}).Info("test probe is ready")

	return &ProbeServer{
		guard:    guard,
		listener: listener,
		server:   &http.Server{Handler: mux},
	}, nil
}

// Addr of the bound API listener.
func (p *ProbeServer) Addr() net.Addr { return p.listener.Addr() }

// Serve runs the API until |ctx| is cancelled or supervision fails. It
// returns ErrSupervisionFatal when the scheduler's restart budget is
// exhausted, and nil on a signalled shutdown.
func (p *ProbeServer) Serve(ctx context.Context) error {
	var errs = make(chan error, 1)
	go func() { errs <- p.server.Serve(p.listener) }()

	var cause error
	select {
	case <-ctx.Done():
	case <-p.guard.Done():
		cause = p.guard.Err()
	case err := <-errs:
		cause = err
	}

	var shutdownCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.server.Shutdown(shutdownCtx); err != nil {
		log.WithField("err", err).Warn("API shutdown was not clean")
	}
	p.guard.Stop()

	return cause
}
