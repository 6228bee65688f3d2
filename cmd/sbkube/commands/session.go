package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/config"
	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/engine"
	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/kube"
	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/stores"
	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/telemetry"
	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/transports/local"
	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/transports/ssh"
)

// remoteStageDir is where manifests are uploaded on an SSH host, relative to
// the login directory.
const remoteStageDir = ".sbkube/manifests"

// stateStore is an engine.StateStore with a lifecycle.
type stateStore interface {
	engine.StateStore
	Init(ctx context.Context) error
	Close() error
}

// session holds everything a command needs once settings are known.
type session struct {
	settings  *config.Settings
	telemetry *telemetry.Telemetry
	logger    *telemetry.Logger
	store     stateStore
	shell     engine.ShellExecutor
	remote    *ssh.Client
	kubectl   engine.Kubectl
}

// loadSettings reads SBKUBE_* settings and applies the global flags the user
// set. overlay applies command-specific flags.
func loadSettings(cmd *cobra.Command, overlay func(*config.Settings)) (*config.Settings, error) {
	settings, err := config.LoadSettings()
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("profile") {
		settings.Profile = profile
	}
	if flags.Changed("namespace") {
		settings.Namespace = namespace
	}
	if flags.Changed("state-backend") {
		settings.StateBackend = stateBackend
	}
	if flags.Changed("metrics-addr") {
		settings.MetricsAddr = metricsAddr
	}
	if verbose {
		settings.LogLevel = "debug"
	}
	if overlay != nil {
		overlay(settings)
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// newSession sets up telemetry and the state store. The shell executor is
// only created when withShell is set.
func newSession(ctx context.Context, settings *config.Settings, withShell bool) (*session, error) {
	t, err := newTelemetry(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	// Packages that log through the global logger follow the configured output.
	log.Logger = t.Logger.Zerolog()

	s := &session{
		settings:  settings,
		telemetry: t,
		logger:    t.Logger,
		kubectl: engine.Kubectl{
			Binary:     settings.Kubectl,
			Context:    settings.KubeContext,
			Kubeconfig: settings.Kubeconfig,
		},
	}

	if err := t.StartMetricsServer(ctx); err != nil {
		s.Close()
		return nil, err
	}

	s.store, err = openStore(ctx, settings)
	if err != nil {
		s.Close()
		return nil, err
	}

	if withShell {
		if err := s.openShell(); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close releases the store, the SSH connection and telemetry.
func (s *session) Close() {
	var errs []error
	if s.remote != nil {
		errs = append(errs, s.remote.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs = append(errs, s.telemetry.Shutdown(shutdownCtx))

	if err := errors.Join(errs...); err != nil {
		s.logger.WithError(err).Warn("cleanup failed")
	}
}

// scope returns the execution state scope selected by the settings.
func (s *session) scope() engine.Scope {
	return engine.Scope{Profile: s.settings.Profile, Namespace: s.settings.Namespace}
}

// probe returns a kubectl-backed resource probe on the session's shell.
func (s *session) probe() *kube.Probe {
	return kube.NewProbe(s.shell, s.kubectl, s.logger)
}

func (s *session) openShell() error {
	if s.settings.SSHHost == "" {
		s.shell = local.NewExecutor(
			local.WithGracePeriod(s.settings.GracePeriod),
			local.WithLogger(s.logger),
		)
		return nil
	}

	cfg, err := sshConfig(s.settings)
	if err != nil {
		return err
	}
	client, err := ssh.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("failed to configure SSH transport: %w", err)
	}
	s.remote = client
	s.shell = client
	s.logger.Infof("executing on %s", cfg.Address())
	return nil
}

// sshConfig builds the SSH transport configuration. SSHHost may carry a port.
func sshConfig(settings *config.Settings) (*ssh.Config, error) {
	user := settings.SSHUser
	if user == "" {
		user = os.Getenv("USER")
	}
	target, err := ssh.ParseEndpoint(settings.SSHHost, user)
	if err != nil {
		return nil, err
	}

	cfg := ssh.DefaultConfig(target.Host, target.User)
	cfg.Port = target.Port
	cfg.GracePeriod = settings.GracePeriod
	if settings.SSHKnownHostsFile != "" {
		cfg.KnownHostsPath = settings.SSHKnownHostsFile
	}
	switch {
	case settings.SSHKeyFile != "":
		cfg.Credentials = ssh.Credentials{Method: ssh.AuthMethodKey, KeyFile: settings.SSHKeyFile}
	case os.Getenv("SSH_AUTH_SOCK") != "":
		cfg.Credentials = ssh.Credentials{Method: ssh.AuthMethodAgent}
	}

	if settings.SSHJump != "" {
		jump, err := ssh.ParseEndpoint(settings.SSHJump, target.User)
		if err != nil {
			return nil, fmt.Errorf("invalid jump host: %w", err)
		}
		cfg.Jump = &jump
	}
	return cfg, nil
}

func newTelemetry(settings *config.Settings) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = buildVersion
	cfg.Logging.Level = settings.LogLevel
	cfg.Logging.Format = settings.LogFormat
	cfg.Metrics.ListenAddress = settings.MetricsAddr
	if settings.TracingExporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = settings.TracingExporter
		cfg.Tracing.Endpoint = settings.TracingEndpoint
	}
	return telemetry.NewTelemetry(cfg)
}

// openStore creates and initializes the configured state store.
func openStore(ctx context.Context, settings *config.Settings) (stateStore, error) {
	var (
		store stateStore
		err   error
	)

	switch settings.StateBackend {
	case "memory":
		store = stores.NewMemoryStore(settings.HistoryLimit)
	case "sqlite":
		if dir := filepath.Dir(settings.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create state directory: %w", err)
			}
		}
		store, err = stores.NewSQLiteStore(stores.Config{
			Path:         settings.SQLitePath,
			HistoryLimit: settings.HistoryLimit,
		})
	case "postgres":
		store, err = stores.NewPostgresStore(stores.PostgresConfig{
			URL:          settings.PostgresURL,
			HistoryLimit: settings.HistoryLimit,
		})
	case "s3":
		store, err = stores.NewObjectStore(stores.ObjectConfig{
			Endpoint:     settings.S3Endpoint,
			AccessKey:    settings.S3AccessKey,
			SecretKey:    settings.S3SecretKey,
			Region:       settings.S3Region,
			UseSSL:       settings.S3UseSSL,
			Bucket:       settings.S3Bucket,
			Prefix:       settings.S3Prefix,
			HistoryLimit: settings.HistoryLimit,
		})
	default:
		return nil, fmt.Errorf("unknown state backend: %s", settings.StateBackend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s state store: %w", settings.StateBackend, err)
	}

	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize %s state store: %w", settings.StateBackend, err)
	}
	return store, nil
}

// loadNodes evaluates the node set files.
func loadNodes(ctx context.Context, logger *telemetry.Logger) ([]engine.Node, error) {
	return config.NewParser(config.WithLogger(logger)).Evaluate(ctx, sourceFiles)
}
