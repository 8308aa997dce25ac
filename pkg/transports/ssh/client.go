package ssh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/stateful/pkg/telemetry"
)

// Client holds a single SSH connection to a remote host.
type Client struct {
	config *Config
	logger *telemetry.Logger

	mu          sync.RWMutex
	client      *ssh.Client
	proxy       *ssh.Client
	connectedAt time.Time
	lastUsedAt  time.Time
	stop        chan struct{}
}

// NewClient validates config and returns an unconnected client.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("invalid config: config is nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{config: config, logger: telemetry.NopLogger()}, nil
}

// Connect establishes the SSH connection. Connecting an already connected
// client is a no-op while the connection is alive.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger = telemetry.FromContext(ctx).NewComponentLogger("ssh").WithField("host", c.config.Host)

	if c.client != nil {
		if err := c.ping(); err == nil {
			return nil
		}
		c.logger.Warn("existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	if c.config.IsProxyEnabled() {
		err = c.connectViaProxy(ctx, clientConfig)
	} else {
		err = c.connectDirect(ctx, clientConfig)
	}
	if err != nil {
		return err
	}

	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt
	c.stop = make(chan struct{})
	if c.config.KeepAliveInterval > 0 {
		go c.keepAlive(c.client, c.stop)
	}
	return nil
}

func (c *Client) connectDirect(ctx context.Context, clientConfig *ssh.ClientConfig) error {
	address := c.config.Address()
	c.logger.WithField("address", address).Debug("establishing SSH connection")

	client, err := dialContext(ctx, address, clientConfig)
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}
	c.client = client

	c.logger.WithField("address", address).Info("SSH connection established")
	return nil
}

func (c *Client) connectViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	proxyConfig := c.config.proxyConfig()
	proxyClientConfig, err := proxyConfig.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect-proxy", Err: fmt.Errorf("failed to build proxy config: %w", err), IsAuthError: true}
	}

	c.logger.WithField("proxy", proxyConfig.Address()).Debug("connecting to proxy host")
	proxyClient, err := dialContext(ctx, proxyConfig.Address(), proxyClientConfig)
	if err != nil {
		return &TransportError{Op: "connect-proxy", Err: err, IsTemporary: true}
	}

	targetAddress := c.config.Address()
	proxyConn, err := proxyClient.Dial("tcp", targetAddress)
	if err != nil {
		_ = proxyClient.Close()
		return &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true}
	}

	ncc, chans, reqs, err := ssh.NewClientConn(proxyConn, targetAddress, targetConfig)
	if err != nil {
		_ = proxyConn.Close()
		_ = proxyClient.Close()
		return &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true, IsAuthError: true}
	}

	c.client = ssh.NewClient(ncc, chans, reqs)
	c.proxy = proxyClient

	c.logger.WithFields(map[string]interface{}{
		"target": targetAddress,
		"proxy":  proxyConfig.Address(),
	}).Info("SSH connection established via proxy")
	return nil
}

// dialContext dials address, giving up when ctx is done.
func dialContext(ctx context.Context, address string, config *ssh.ClientConfig) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, config)
		done <- result{client, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		return r.client, r.err
	}
}

// Close closes the connection and the jump host connection if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	c.logger.Debug("closing SSH connection")
	if err := c.closeLocked(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (c *Client) closeLocked() error {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	err := c.client.Close()
	c.client = nil
	if c.proxy != nil {
		_ = c.proxy.Close()
		c.proxy = nil
	}
	return err
}

// IsConnected returns true if the client has an open connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil
}

// HealthCheck verifies the connection is still responsive.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return &TransportError{Op: "healthcheck", Err: fmt.Errorf("not connected")}
	}
	return c.ping()
}

// ping sends a global keep-alive request. Caller holds mu.
func (c *Client) ping() error {
	if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

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
			c.logger.WithError(err).WithField("retries", retries).Warn("keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				c.logger.Error("keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
		c.mu.Lock()
		c.lastUsedAt = time.Now()
		c.mu.Unlock()
	}
}

// SFTP opens a new SFTP session on the connection. The caller closes it.
func (c *Client) SFTP() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, &TransportError{Op: "sftp", Err: fmt.Errorf("not connected")}
	}
	sc, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, &TransportError{Op: "sftp", Err: err, IsTemporary: true}
	}
	c.lastUsedAt = time.Now()
	return sc, nil
}

// GetConnectionInfo returns information about the current connection.
func (c *Client) GetConnectionInfo() ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
		ViaProxy:     c.proxy != nil,
	}
}
