package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"

	// AuthMethodAgent uses the agent listening on SSH_AUTH_SOCK
	AuthMethodAgent AuthMethod = "agent"
)

// Config holds SSH connection configuration for remote state hosts.
type Config struct {
	// Host is the remote hostname or IP address
	Host string `yaml:"host" json:"host"`

	// Port is the SSH port (default: 22)
	Port int `yaml:"port" json:"port"`

	// User is the SSH username
	User string `yaml:"user" json:"user"`

	// AuthMethod specifies which authentication method to use
	AuthMethod AuthMethod `yaml:"auth_method" json:"auth_method"`

	// Password for password-based authentication
	Password string `yaml:"password,omitempty" json:"-"`

	// PrivateKeyPath is the path to the private key file
	PrivateKeyPath string `yaml:"private_key_path,omitempty" json:"private_key_path,omitempty"`

	// PrivateKeyPassphrase is the passphrase for encrypted private keys
	PrivateKeyPassphrase string `yaml:"private_key_passphrase,omitempty" json:"-"`

	// KnownHostsPath is the path to the known_hosts file
	KnownHostsPath string `yaml:"known_hosts_path,omitempty" json:"known_hosts_path,omitempty"`

	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath.
	// When false any host key is accepted.
	StrictHostKeyChecking bool `yaml:"strict_host_key_checking" json:"strict_host_key_checking"`

	// ConnectionTimeout is the timeout for establishing a connection
	ConnectionTimeout time.Duration `yaml:"connection_timeout" json:"connection_timeout"`

	// KeepAliveInterval is the interval for sending keep-alive messages.
	// Set to 0 to disable keep-alive.
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval,omitempty" json:"keep_alive_interval,omitempty"`

	// MaxKeepAliveRetries is the maximum number of keep-alive failures before giving up
	MaxKeepAliveRetries int `yaml:"max_keep_alive_retries,omitempty" json:"max_keep_alive_retries,omitempty"`

	// ProxyHost is the hostname of a jump host (optional)
	ProxyHost string `yaml:"proxy_host,omitempty" json:"proxy_host,omitempty"`

	// ProxyPort is the port of the jump host
	ProxyPort int `yaml:"proxy_port,omitempty" json:"proxy_port,omitempty"`

	// ProxyUser is the username for the jump host
	ProxyUser string `yaml:"proxy_user,omitempty" json:"proxy_user,omitempty"`

	// ProxyAuthMethod is the authentication method for the jump host
	ProxyAuthMethod AuthMethod `yaml:"proxy_auth_method,omitempty" json:"proxy_auth_method,omitempty"`

	// ProxyPassword is the password for jump host authentication
	ProxyPassword string `yaml:"proxy_password,omitempty" json:"-"`

	// ProxyPrivateKeyPath is the path to the jump host's private key
	ProxyPrivateKeyPath string `yaml:"proxy_private_key_path,omitempty" json:"proxy_private_key_path,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		MaxKeepAliveRetries:   3,
		ProxyPort:             22,
	}
}

// ApplyDefaults fills zero values left by a partial configuration file.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig(c.Host, c.User)
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.AuthMethod == "" {
		c.AuthMethod = d.AuthMethod
	}
	if c.KnownHostsPath == "" && c.StrictHostKeyChecking {
		c.KnownHostsPath = d.KnownHostsPath
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = d.ConnectionTimeout
	}
	if c.MaxKeepAliveRetries == 0 {
		c.MaxKeepAliveRetries = d.MaxKeepAliveRetries
	}
	if c.ProxyHost != "" && c.ProxyPort == 0 {
		c.ProxyPort = d.ProxyPort
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = findDefaultKey()
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	case AuthMethodAgent:
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			return fmt.Errorf("SSH_AUTH_SOCK is not set for agent authentication")
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}

	if c.ProxyHost != "" {
		if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
			return fmt.Errorf("invalid proxy port: %d", c.ProxyPort)
		}
		if c.ProxyUser == "" {
			return fmt.Errorf("proxy user is required when proxy host is specified")
		}
	}

	return nil
}

func findDefaultKey() string {
	homeDir := os.Getenv("HOME")
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		keyPath := filepath.Join(homeDir, ".ssh", name)
		if _, err := os.Stat(keyPath); err == nil {
			return keyPath
		}
	}
	return ""
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the Config.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	switch c.AuthMethod {
	case AuthMethodPassword:
		authMethods = append(authMethods, ssh.Password(c.Password))

		// Many servers only offer keyboard-interactive for the password prompt.
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}

		authMethods = append(authMethods, ssh.PublicKeys(signer))

	case AuthMethodAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, fmt.Errorf("SSH_AUTH_SOCK is not set")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to ssh agent: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))

	default:
		return nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// proxyConfig derives the jump host configuration.
func (c *Config) proxyConfig() *Config {
	return &Config{
		Host:                  c.ProxyHost,
		Port:                  c.ProxyPort,
		User:                  c.ProxyUser,
		AuthMethod:            c.ProxyAuthMethod,
		Password:              c.ProxyPassword,
		PrivateKeyPath:        c.ProxyPrivateKeyPath,
		ConnectionTimeout:     c.ConnectionTimeout,
		StrictHostKeyChecking: c.StrictHostKeyChecking,
		KnownHostsPath:        c.KnownHostsPath,
	}
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// ProxyAddress returns the formatted proxy address (host:port).
func (c *Config) ProxyAddress() string {
	if c.ProxyHost == "" {
		return ""
	}
	return net.JoinHostPort(c.ProxyHost, fmt.Sprint(c.ProxyPort))
}

// IsProxyEnabled returns true if a jump host is configured.
func (c *Config) IsProxyEnabled() bool {
	return c.ProxyHost != ""
}
