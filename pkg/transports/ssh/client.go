// Package ssh runs task commands on a remote host over SSH and stages
// manifest files there with SFTP.
package ssh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "execute", "stage")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the operation may succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
	ViaJump      bool
}

// Client holds one SSH connection to a host. It implements
// engine.ShellExecutor and connects lazily on first use.
type Client struct {
	config *Config

	connMu      sync.RWMutex
	client      *ssh.Client
	jump        *ssh.Client
	isConnected bool
	connectedAt time.Time
	lastUsedAt  time.Time
	stopKeep    chan struct{}
}

// NewClient creates a new SSH client. It does not connect.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{config: config}, nil
}

// Connect establishes the SSH connection. An existing healthy connection is reused.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected && c.client != nil {
		if err := c.healthCheckInternal(); err == nil {
			return nil
		}
		log.Warn().Str("host", c.config.Host).Msg("existing connection is dead, reconnecting")
		c.closeLocked()
	}

	var err error
	if c.config.Jump != nil {
		err = c.connectViaJump(ctx, *c.config.Jump)
	} else {
		err = c.connectDirect(ctx)
	}
	if err != nil {
		return err
	}

	c.isConnected = true
	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt
	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeep)
	}
	return nil
}

// dial connects to address honouring ctx, which ssh.Dial does not.
func dial(ctx context.Context, address string, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	type dialResult struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		ch <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		// Close a connection that completes after we gave up.
		go func() {
			if r := <-ch; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		return r.client, r.err
	}
}

// connectDirect dials the target. Must hold connMu.
func (c *Client) connectDirect(ctx context.Context) error {
	clientConfig, err := c.config.ClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := c.config.Address()
	log.Debug().Str("address", address).Msg("dialing deploy host")
	client, err := dial(ctx, address, clientConfig)
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}
	c.client = client

	log.Info().Str("address", address).Msg("connected to deploy host")
	return nil
}

// connectViaJump opens the target connection through a tunnel on the jump
// host. Must hold connMu.
func (c *Client) connectViaJump(ctx context.Context, jump Endpoint) error {
	jumpConfig, err := c.config.clientConfigFor(jump)
	if err != nil {
		return &TransportError{Op: "connect-jump", Err: err, IsAuthError: true}
	}
	targetConfig, err := c.config.ClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	log.Debug().Str("jump", jump.Address()).Msg("dialing jump host")
	jumpClient, err := dial(ctx, jump.Address(), jumpConfig)
	if err != nil {
		return &TransportError{Op: "connect-jump", Err: err, IsTemporary: true}
	}

	target := c.config.Address()
	tunnel, err := jumpClient.Dial("tcp", target)
	if err != nil {
		_ = jumpClient.Close()
		return &TransportError{Op: "connect-via-jump", Err: err, IsTemporary: true}
	}
	conn, chans, reqs, err := ssh.NewClientConn(tunnel, target, targetConfig)
	if err != nil {
		_ = tunnel.Close()
		_ = jumpClient.Close()
		return &TransportError{Op: "connect-via-jump", Err: err, IsAuthError: true}
	}

	c.client = ssh.NewClient(conn, chans, reqs)
	c.jump = jumpClient

	log.Info().Str("address", target).Str("jump", jump.Address()).Msg("connected to deploy host through jump host")
	return nil
}

// Close closes the SSH connection and releases all resources.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil
	}

	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")
	if err := c.closeLocked(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (c *Client) closeLocked() error {
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	err := c.client.Close()
	if c.jump != nil {
		_ = c.jump.Close()
		c.jump = nil
	}
	c.client = nil
	c.isConnected = false
	return err
}

// IsConnected returns true if the client has an active connection.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.client == nil {
		return &TransportError{Op: "healthcheck", Err: fmt.Errorf("not connected")}
	}
	return c.healthCheckInternal()
}

// healthCheckInternal runs "true" in a fresh session. Must hold connMu.
func (c *Client) healthCheckInternal() error {
	session, err := c.client.NewSession()
	if err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

// keepAlive sends keepalive@openssh.com requests until stop is closed.
func (c *Client) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			log.Warn().Err(err).Int("retries", retries).Msg("keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				log.Error().Str("host", c.config.Host).Msg("keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
		c.connMu.Lock()
		c.lastUsedAt = time.Now()
		c.connMu.Unlock()
	}
}

// ConnectionInfo returns information about the current connection.
func (c *Client) ConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
		ViaJump:      c.jump != nil,
	}
}

// sshClient returns the connection, connecting first if needed.
func (c *Client) sshClient(ctx context.Context) (*ssh.Client, error) {
	c.connMu.Lock()
	if c.isConnected && c.client != nil {
		c.lastUsedAt = time.Now()
		client := c.client
		c.connMu.Unlock()
		return client, nil
	}
	c.connMu.Unlock()

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	c.connMu.RLock()
	defer c.connMu.RUnlock()
	if c.client == nil {
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("not connected")}
	}
	return c.client, nil
}
