package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Settings are the runtime options of sbkube, sourced from SBKUBE_* env vars
// and overridden by CLI flags.
type Settings struct {
	// Profile and Namespace select the execution state scope.
	Profile   string `env:"SBKUBE_PROFILE" envDefault:"default"`
	Namespace string `env:"SBKUBE_NAMESPACE"`

	// MaxWorkers bounds how many nodes of a level run at once.
	MaxWorkers int `env:"SBKUBE_MAX_WORKERS" envDefault:"4" validate:"min=1,max=256"`

	// OnFailure is the run default failure policy.
	OnFailure string `env:"SBKUBE_ON_FAILURE" envDefault:"stop" validate:"oneof=stop continue"`

	// GracePeriod is how long a cancelled command gets between SIGTERM and kill.
	GracePeriod time.Duration `env:"SBKUBE_GRACE_PERIOD" envDefault:"10s" validate:"min=0s"`

	// StateBackend selects the execution state store.
	StateBackend string `env:"SBKUBE_STATE_BACKEND" envDefault:"sqlite" validate:"oneof=sqlite postgres s3 memory"`
	HistoryLimit int    `env:"SBKUBE_HISTORY_LIMIT" envDefault:"20" validate:"min=1"`
	SQLitePath   string `env:"SBKUBE_SQLITE_PATH" envDefault:".sbkube/state.db" validate:"required_if=StateBackend sqlite"`
	PostgresURL  string `env:"SBKUBE_POSTGRES_URL" validate:"required_if=StateBackend postgres"`

	S3Endpoint  string `env:"SBKUBE_S3_ENDPOINT" validate:"required_if=StateBackend s3"`
	S3Bucket    string `env:"SBKUBE_S3_BUCKET" envDefault:"sbkube-state"`
	S3Prefix    string `env:"SBKUBE_S3_PREFIX"`
	S3Region    string `env:"SBKUBE_S3_REGION"`
	S3AccessKey string `env:"SBKUBE_S3_ACCESS_KEY"`
	S3SecretKey string `env:"SBKUBE_S3_SECRET_KEY"`
	S3UseSSL    bool   `env:"SBKUBE_S3_USE_SSL" envDefault:"true"`

	// Kubectl is the binary used for manifest tasks and resource probes.
	Kubectl     string `env:"SBKUBE_KUBECTL" envDefault:"kubectl"`
	KubeContext string `env:"SBKUBE_KUBE_CONTEXT"`
	Kubeconfig  string `env:"KUBECONFIG"`

	// SSHHost runs commands on a remote host instead of locally when set.
	SSHHost           string `env:"SBKUBE_SSH_HOST"`
	SSHUser           string `env:"SBKUBE_SSH_USER"`
	SSHKeyFile        string `env:"SBKUBE_SSH_KEY_FILE"`
	SSHKnownHostsFile string `env:"SBKUBE_SSH_KNOWN_HOSTS"`
	// SSHJump tunnels the connection through a bastion, "[user@]host[:port]".
	SSHJump string `env:"SBKUBE_SSH_JUMP"`

	// PolicyPaths are extra .rego files or directories evaluated before a run.
	PolicyPaths []string `env:"SBKUBE_POLICY_PATHS" envSeparator:","`

	LogLevel  string `env:"SBKUBE_LOG_LEVEL" envDefault:"info" validate:"oneof=trace debug info warn error"`
	LogFormat string `env:"SBKUBE_LOG_FORMAT" envDefault:"console" validate:"oneof=console json"`

	// MetricsAddr serves Prometheus metrics when set, e.g. ":9090".
	MetricsAddr string `env:"SBKUBE_METRICS_ADDR"`

	// TracingExporter is one of none, stdout and otlp.
	TracingExporter string `env:"SBKUBE_TRACING_EXPORTER" envDefault:"none" validate:"oneof=none stdout otlp"`
	TracingEndpoint string `env:"SBKUBE_TRACING_ENDPOINT" validate:"required_if=TracingExporter otlp"`
}

// LoadSettings reads Settings from the process environment.
func LoadSettings() (*Settings, error) {
	return LoadSettingsFrom(nil)
}

// LoadSettingsFrom reads Settings from environ, a map of variable names to
// values. A nil map means the process environment.
func LoadSettingsFrom(environ map[string]string) (*Settings, error) {
	var s Settings
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&s, opts); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	return &s, nil
}

// Validate checks the settings.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		msgs := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			msgs = append(msgs, fmt.Sprintf("%s %s", fe.Field(), describeFieldError(fe)))
		}
		return fmt.Errorf("invalid settings: %s", strings.Join(msgs, "; "))
	}
	return nil
}
