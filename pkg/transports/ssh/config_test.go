package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func passwordConfig() *Config {
	cfg := DefaultConfig("deploy.example.com", "ops")
	cfg.Credentials = Credentials{Method: AuthMethodPassword, Password: "secret"}
	cfg.StrictHostKeyChecking = false
	return cfg
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		target  string
		want    Endpoint
		wantErr bool
	}{
		{target: "deploy.example.com", want: Endpoint{Host: "deploy.example.com", Port: 22, User: "ci"}},
		{target: "deploy.example.com:2222", want: Endpoint{Host: "deploy.example.com", Port: 2222, User: "ci"}},
		{target: "ops@10.0.0.5", want: Endpoint{Host: "10.0.0.5", Port: 22, User: "ops"}},
		{target: "ops@[::1]:2200", want: Endpoint{Host: "::1", Port: 2200, User: "ops"}},
		{target: "deploy.example.com:ssh", wantErr: true},
		{target: "ops@", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			got, err := ParseEndpoint(tt.target, "ci")
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestEndpointAddress(t *testing.T) {
	if got := (Endpoint{Host: "deploy.example.com", Port: 2222}).Address(); got != "deploy.example.com:2222" {
		t.Errorf("unexpected address %q", got)
	}
	if got := (Endpoint{Host: "::1", Port: 22}).Address(); got != "[::1]:22" {
		t.Errorf("expected bracketed IPv6 address, got %q", got)
	}
}

func TestDefaultConfigIsStrict(t *testing.T) {
	cfg := DefaultConfig("deploy.example.com", "ops")

	if cfg.Port != 22 || cfg.Method != AuthMethodKey {
		t.Errorf("unexpected defaults: port %d, method %s", cfg.Port, cfg.Method)
	}
	if !cfg.StrictHostKeyChecking || !strings.HasSuffix(cfg.KnownHostsPath, filepath.Join(".ssh", "known_hosts")) {
		t.Errorf("expected strict checking against ~/.ssh/known_hosts, got %v %q", cfg.StrictHostKeyChecking, cfg.KnownHostsPath)
	}
	if cfg.GracePeriod != 10*time.Second {
		t.Errorf("expected 10s grace period, got %v", cfg.GracePeriod)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{name: "password", modify: func(*Config) {}},
		{name: "no host", modify: func(c *Config) { c.Host = "" }, want: "host is required"},
		{name: "port out of range", modify: func(c *Config) { c.Port = 70000 }, want: "invalid port"},
		{name: "no user", modify: func(c *Config) { c.User = "" }, want: "user is required"},
		{name: "empty password", modify: func(c *Config) { c.Password = "" }, want: "password is required"},
		{
			name: "missing key file",
			modify: func(c *Config) {
				c.Credentials = Credentials{Method: AuthMethodKey, KeyFile: "/nonexistent/id_ed25519"}
			},
			want: "private key file not found",
		},
		{name: "unknown method", modify: func(c *Config) { c.Method = "kerberos" }, want: "unsupported auth method"},
		{name: "zero timeout", modify: func(c *Config) { c.ConnectionTimeout = 0 }, want: "connection timeout"},
		{name: "negative grace", modify: func(c *Config) { c.GracePeriod = -time.Second }, want: "grace period"},
		{
			name:   "jump without user",
			modify: func(c *Config) { c.Jump = &Endpoint{Host: "bastion", Port: 22} },
			want:   "jump host: user is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := passwordConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			switch {
			case tt.want == "" && err != nil:
				t.Errorf("unexpected error: %v", err)
			case tt.want != "" && err == nil:
				t.Errorf("expected error containing %q", tt.want)
			case tt.want != "" && !strings.Contains(err.Error(), tt.want):
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateJumpInheritsCredentials(t *testing.T) {
	cfg := passwordConfig()
	cfg.Jump = &Endpoint{Host: "bastion.example.com", Port: 22, User: "jump"}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Jump.Method != AuthMethodPassword || cfg.Jump.Password != "secret" {
		t.Errorf("expected jump host to reuse target credentials, got %+v", cfg.Jump.Credentials)
	}
}

func TestClientConfig(t *testing.T) {
	t.Run("password adds keyboard-interactive", func(t *testing.T) {
		cc, err := passwordConfig().ClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cc.User != "ops" || len(cc.Auth) != 2 || cc.Timeout != 30*time.Second {
			t.Errorf("unexpected client config: user %s, %d auth methods, timeout %v", cc.User, len(cc.Auth), cc.Timeout)
		}
	})

	t.Run("key", func(t *testing.T) {
		cfg := passwordConfig()
		cfg.Credentials = Credentials{Method: AuthMethodKey, KeyFile: writeTestKey(t, t.TempDir())}

		cc, err := cfg.ClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(cc.Auth) != 1 {
			t.Errorf("expected 1 auth method, got %d", len(cc.Auth))
		}
	})

	t.Run("unreadable key", func(t *testing.T) {
		cfg := passwordConfig()
		bad := filepath.Join(t.TempDir(), "id_rsa")
		if err := os.WriteFile(bad, []byte("not a key"), 0o600); err != nil {
			t.Fatal(err)
		}
		cfg.Credentials = Credentials{Method: AuthMethodKey, KeyFile: bad}

		if _, err := cfg.ClientConfig(); err == nil {
			t.Error("expected parse error")
		}
	})

	t.Run("missing known_hosts", func(t *testing.T) {
		cfg := passwordConfig()
		cfg.StrictHostKeyChecking = true
		cfg.KnownHostsPath = filepath.Join(t.TempDir(), "known_hosts")

		if _, err := cfg.ClientConfig(); err == nil {
			t.Error("expected error loading known_hosts")
		}
	})

	t.Run("agent not listening", func(t *testing.T) {
		t.Setenv("SSH_AUTH_SOCK", filepath.Join(t.TempDir(), "agent.sock"))
		cfg := passwordConfig()
		cfg.Credentials = Credentials{Method: AuthMethodAgent}

		if err := cfg.Validate(); err != nil {
			t.Fatalf("unexpected validation error: %v", err)
		}
		if _, err := cfg.ClientConfig(); err == nil {
			t.Error("expected error dialing the agent")
		}
	})
}

// writeTestKey writes a fresh ed25519 key in OpenSSH format.
func writeTestKey(t *testing.T, dir string) string {
	t.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(key, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	path := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return path
}
