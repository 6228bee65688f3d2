package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how a hop authenticates.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
	// AuthMethodAgent uses the agent listening on SSH_AUTH_SOCK.
	AuthMethodAgent AuthMethod = "agent"
)

const defaultPort = 22

// Credentials authenticate one hop.
type Credentials struct {
	Method        AuthMethod
	Password      string
	KeyFile       string
	KeyPassphrase string
}

// Endpoint is one SSH hop.
type Endpoint struct {
	Host string
	Port int
	User string
	Credentials
}

// Address returns host:port, bracketing IPv6 hosts.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Config describes the deploy host commands run on.
type Config struct {
	Endpoint

	// Jump is an optional bastion the connection is tunnelled through.
	// A Jump without a Method reuses the target's credentials.
	Jump *Endpoint

	KnownHostsPath        string
	StrictHostKeyChecking bool

	ConnectionTimeout time.Duration
	// KeepAliveInterval of zero disables keep-alive requests.
	KeepAliveInterval   time.Duration
	MaxKeepAliveRetries int

	// GracePeriod is how long a cancelled command has between SIGTERM and
	// SIGKILL.
	GracePeriod time.Duration
}

// DefaultConfig authenticates with a key and checks ~/.ssh/known_hosts.
func DefaultConfig(host, user string) *Config {
	return &Config{
		Endpoint: Endpoint{
			Host:        host,
			Port:        defaultPort,
			User:        user,
			Credentials: Credentials{Method: AuthMethodKey},
		},
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		MaxKeepAliveRetries:   3,
		GracePeriod:           10 * time.Second,
	}
}

// ParseEndpoint parses "[user@]host[:port]". The port defaults to 22 and the
// user to defaultUser.
func ParseEndpoint(target, defaultUser string) (Endpoint, error) {
	e := Endpoint{Port: defaultPort, User: defaultUser}
	if user, rest, ok := strings.Cut(target, "@"); ok {
		e.User, target = user, rest
	}

	e.Host = target
	if host, port, err := net.SplitHostPort(target); err == nil {
		n, err := strconv.Atoi(port)
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid SSH port in %q", target)
		}
		e.Host, e.Port = host, n
	}
	if e.Host == "" {
		return Endpoint{}, fmt.Errorf("missing host in %q", target)
	}
	return e, nil
}

// Validate checks the target and jump hops. Key credentials without a
// KeyFile pick the first default key found in ~/.ssh.
func (c *Config) Validate() error {
	if err := c.Endpoint.validate(); err != nil {
		return err
	}
	if c.Jump != nil {
		if c.Jump.Method == "" {
			c.Jump.Credentials = c.Credentials
		}
		if err := c.Jump.validate(); err != nil {
			return fmt.Errorf("jump host: %w", err)
		}
	}
	if c.ConnectionTimeout <= 0 {
		return errors.New("connection timeout must be positive")
	}
	if c.GracePeriod < 0 {
		return errors.New("grace period must not be negative")
	}
	return nil
}

func (e *Endpoint) validate() error {
	switch {
	case e.Host == "":
		return errors.New("host is required")
	case e.Port <= 0 || e.Port > 65535:
		return fmt.Errorf("invalid port: %d", e.Port)
	case e.User == "":
		return errors.New("user is required")
	}
	return e.Credentials.resolve()
}

func (cr *Credentials) resolve() error {
	switch cr.Method {
	case AuthMethodPassword:
		if cr.Password == "" {
			return errors.New("password is required for password authentication")
		}
	case AuthMethodKey:
		if cr.KeyFile == "" {
			cr.KeyFile = findDefaultKey()
			if cr.KeyFile == "" {
				return errors.New("no key file given and none found in ~/.ssh")
			}
		}
		if _, err := os.Stat(cr.KeyFile); err != nil {
			return fmt.Errorf("private key file not found: %s", cr.KeyFile)
		}
	case AuthMethodAgent:
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			return errors.New("SSH_AUTH_SOCK is not set for agent authentication")
		}
	default:
		return fmt.Errorf("unsupported auth method: %q", cr.Method)
	}
	return nil
}

func findDefaultKey() string {
	dir := filepath.Join(os.Getenv("HOME"), ".ssh")
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		if p := filepath.Join(dir, name); fileExists(p) {
			return p
		}
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (cr Credentials) authMethods() ([]ssh.AuthMethod, error) {
	switch cr.Method {
	case AuthMethodPassword:
		// Servers that only prompt "Password:" use keyboard-interactive.
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = cr.Password
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.Password(cr.Password), ssh.KeyboardInteractive(answer)}, nil

	case AuthMethodKey:
		pemBytes, err := os.ReadFile(cr.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if cr.KeyPassphrase == "" {
			signer, err = ssh.ParsePrivateKey(pemBytes)
		} else {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(cr.KeyPassphrase))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key %s: %w", cr.KeyFile, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case AuthMethodAgent:
		conn, err := net.Dial("unix", os.Getenv("SSH_AUTH_SOCK"))
		if err != nil {
			return nil, fmt.Errorf("failed to reach SSH agent: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil
	}
	return nil, fmt.Errorf("unsupported auth method: %q", cr.Method)
}

// ClientConfig returns the ssh.ClientConfig for the target host.
func (c *Config) ClientConfig() (*ssh.ClientConfig, error) {
	return c.clientConfigFor(c.Endpoint)
}

func (c *Config) clientConfigFor(e Endpoint) (*ssh.ClientConfig, error) {
	auth, err := e.authMethods()
	if err != nil {
		return nil, err
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if c.StrictHostKeyChecking && c.KnownHostsPath != "" {
		if hostKeys, err = knownhosts.New(c.KnownHostsPath); err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            e.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.ConnectionTimeout,
	}, nil
}
