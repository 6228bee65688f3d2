package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadSettingsFrom_Defaults(t *testing.T) {
	s, err := LoadSettingsFrom(map[string]string{"SBKUBE_PROFILE": "ci"})
	if err != nil {
		t.Fatalf("failed to load settings: %v", err)
	}

	if s.Profile != "ci" {
		t.Errorf("expected profile ci, got %s", s.Profile)
	}
	if s.MaxWorkers != 4 || s.OnFailure != "stop" || s.GracePeriod != 10*time.Second {
		t.Errorf("unexpected scheduling defaults: %+v", s)
	}
	if s.StateBackend != "sqlite" || s.SQLitePath != ".sbkube/state.db" || s.HistoryLimit != 20 {
		t.Errorf("unexpected state defaults: %+v", s)
	}
	if s.Kubectl != "kubectl" || !s.S3UseSSL {
		t.Errorf("unexpected defaults: %+v", s)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got: %v", err)
	}
}

func TestLoadSettingsFrom_Overrides(t *testing.T) {
	s, err := LoadSettingsFrom(map[string]string{
		"SBKUBE_MAX_WORKERS":   "16",
		"SBKUBE_GRACE_PERIOD":  "30s",
		"SBKUBE_STATE_BACKEND": "s3",
		"SBKUBE_S3_ENDPOINT":   "minio:9000",
		"SBKUBE_S3_USE_SSL":    "false",
		"SBKUBE_POLICY_PATHS":  "policies,extra/deny.rego",
	})
	if err != nil {
		t.Fatalf("failed to load settings: %v", err)
	}

	if s.MaxWorkers != 16 || s.GracePeriod != 30*time.Second {
		t.Errorf("unexpected overrides: %+v", s)
	}
	if s.StateBackend != "s3" || s.S3Endpoint != "minio:9000" || s.S3UseSSL {
		t.Errorf("unexpected s3 settings: %+v", s)
	}
	if len(s.PolicyPaths) != 2 || s.PolicyPaths[1] != "extra/deny.rego" {
		t.Errorf("unexpected policy paths: %v", s.PolicyPaths)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("expected settings to validate, got: %v", err)
	}
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "zero workers",
			env:     map[string]string{"SBKUBE_MAX_WORKERS": "0"},
			wantErr: "MaxWorkers",
		},
		{
			name:    "unknown backend",
			env:     map[string]string{"SBKUBE_STATE_BACKEND": "etcd"},
			wantErr: "StateBackend",
		},
		{
			name:    "postgres without url",
			env:     map[string]string{"SBKUBE_STATE_BACKEND": "postgres"},
			wantErr: "PostgresURL",
		},
		{
			name:    "rollback is not a run default",
			env:     map[string]string{"SBKUBE_ON_FAILURE": "rollback"},
			wantErr: "OnFailure",
		},
		{
			name:    "otlp without endpoint",
			env:     map[string]string{"SBKUBE_TRACING_EXPORTER": "otlp"},
			wantErr: "TracingEndpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := LoadSettingsFrom(tt.env)
			if err != nil {
				t.Fatalf("failed to load settings: %v", err)
			}
			err = s.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %s, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadSettingsFrom_ParseError(t *testing.T) {
	if _, err := LoadSettingsFrom(map[string]string{"SBKUBE_MAX_WORKERS": "many"}); err == nil {
		t.Error("expected parse error for non-numeric worker count")
	}
}
