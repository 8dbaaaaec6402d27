// Package config provides configuration parsing and validation for the
// tunnel client. The file format is TOML; durations are integer seconds.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the complete client configuration.
type Config struct {
	Client ClientConfig `toml:"client"`

	// Legacy single-service form: a top-level service_name/token pair is
	// equivalent to one entry in client.services.
	ServiceName string             `toml:"service_name,omitempty"`
	Token       string             `toml:"token,omitempty"`
	ServiceType string             `toml:"service_type,omitempty"`
	Socks       *SocksPolicyConfig `toml:"socks,omitempty"`
	SSH         *SSHPolicyConfig   `toml:"ssh,omitempty"`
}

// ClientConfig is the [client] table.
type ClientConfig struct {
	// RemoteAddr is the relay's host:port. With WireGuard enabled it is the
	// relay's address inside the tunnel.
	RemoteAddr string `toml:"remote_addr"`

	// HeartbeatTimeout is the number of seconds without any control-channel
	// command before the connection is considered dead.
	HeartbeatTimeout int `toml:"heartbeat_timeout"`

	// MetricsAddr optionally exposes the Prometheus registry over HTTP.
	// Empty disables the endpoint.
	MetricsAddr string `toml:"metrics_addr"`

	Transport TransportConfig `toml:"transport"`
	WireGuard WireGuardConfig `toml:"wireguard"`
	Pool      PoolConfig      `toml:"pool"`
	Services  []ServiceConfig `toml:"services"`
}

// TransportConfig is the [client.transport] table.
type TransportConfig struct {
	// Type selects the stream transport: "tcp" or "noise".
	Type string `toml:"type"`

	TCP   TCPConfig   `toml:"tcp"`
	Noise NoiseConfig `toml:"noise"`
}

// TCPConfig carries socket options applied to relay connections.
type TCPConfig struct {
	Nodelay           *bool `toml:"nodelay"`
	KeepaliveSecs     int   `toml:"keepalive_secs"`
	KeepaliveInterval int   `toml:"keepalive_interval"`
}

// NoiseConfig configures the Noise-encrypted transport.
type NoiseConfig struct {
	// Pattern is the Noise handshake pattern name.
	// Default: Noise_NK_25519_ChaChaPoly_BLAKE2s. The Noise transport always
	// performs that handshake; the value is not read when dialing.
	Pattern string `toml:"pattern"`

	// RemotePublicKey is the relay's static public key, hex encoded.
	RemotePublicKey string `toml:"remote_public_key"`

	// LocalPrivateKey is this client's static private key, hex encoded.
	// Optional; an ephemeral keypair is generated when absent.
	LocalPrivateKey string `toml:"local_private_key"`
}

// WireGuardConfig is the [client.wireguard] table. WireGuard is mutually
// exclusive with the Noise transport; it already encrypts the tunnel.
type WireGuardConfig struct {
	Enabled             bool     `toml:"enabled"`
	PrivateKey          string   `toml:"private_key"`      // base64, wg(8) style
	PeerPublicKey       string   `toml:"peer_public_key"`  // base64
	PresharedKey        string   `toml:"preshared_key"`    // base64, optional
	PeerEndpoint        string   `toml:"peer_endpoint"`    // UDP host:port
	PersistentKeepalive int      `toml:"persistent_keepalive"`
	Address             string   `toml:"address"`          // client address inside the tunnel
	AllowedIPs          []string `toml:"allowed_ips"`
	MTU                 int      `toml:"mtu"`
}

// PoolConfig is the [client.pool] table.
type PoolConfig struct {
	MinTCPChannels      int `toml:"min_tcp_channels"`
	MaxTCPChannels      int `toml:"max_tcp_channels"`
	MinUDPChannels      int `toml:"min_udp_channels"`
	MaxUDPChannels      int `toml:"max_udp_channels"`
	IdleTimeout         int `toml:"idle_timeout"`
	HealthCheckInterval int `toml:"health_check_interval"`
	AcquireTimeout      int `toml:"acquire_timeout"`
}

// ServiceConfig is one [[client.services]] entry.
type ServiceConfig struct {
	Name        string `toml:"name"`
	Token       string `toml:"token"`
	ServiceType string `toml:"service_type"` // "socks5" or "ssh"

	Socks *SocksPolicyConfig `toml:"socks,omitempty"`
	SSH   *SSHPolicyConfig   `toml:"ssh,omitempty"`
}

// SocksPolicyConfig configures a socks5-typed service.
type SocksPolicyConfig struct {
	AuthRequired bool   `toml:"auth_required"`
	Username     string `toml:"username"`
	Password     string `toml:"password"`
	// PasswordHash is a bcrypt hash; takes precedence over Password.
	// Generate with: tunnelclient hash-password
	PasswordHash      string `toml:"password_hash"`
	AllowUDP          bool   `toml:"allow_udp"`
	DNSResolve        bool   `toml:"dns_resolve"`
	RequestTimeout    int    `toml:"request_timeout"`
	UDPSessionTimeout int    `toml:"udp_session_timeout"`
	BandwidthLimit    int64  `toml:"bandwidth_limit"` // bytes/sec, 0 = unlimited
}

// SSHPolicyConfig configures an ssh-typed service.
type SSHPolicyConfig struct {
	HostKey        string   `toml:"host_key"`
	AuthorizedKeys string   `toml:"authorized_keys"`
	Password       string   `toml:"password"`
	Username       string   `toml:"username"`
	AuthMethods    []string `toml:"auth_methods"` // "password", "publickey"

	Shell           bool `toml:"shell"`
	Exec            bool `toml:"exec"`
	SFTP            bool `toml:"sftp"`
	PTY             bool `toml:"pty"`
	TCPForwarding   bool `toml:"tcp_forwarding"`
	X11Forwarding   bool `toml:"x11_forwarding"`
	AgentForwarding bool `toml:"agent_forwarding"`

	MaxAuthTries      int    `toml:"max_auth_tries"`
	ConnectionTimeout int    `toml:"connection_timeout"`
	DefaultShell      string `toml:"default_shell"`
}

// ServiceTypeSOCKS5 and ServiceTypeSSH are the recognized service_type values.
const (
	ServiceTypeSOCKS5 = "socks5"
	ServiceTypeSSH    = "ssh"
)

// DefaultNoisePattern is the handshake pattern used when none is configured.
const DefaultNoisePattern = "Noise_NK_25519_ChaChaPoly_BLAKE2s"

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			HeartbeatTimeout: 40,
			Transport: TransportConfig{
				Type: "tcp",
				TCP: TCPConfig{
					KeepaliveSecs:     20,
					KeepaliveInterval: 8,
				},
				Noise: NoiseConfig{
					Pattern: DefaultNoisePattern,
				},
			},
			Pool: PoolConfig{
				MinTCPChannels:      2,
				MaxTCPChannels:      16,
				MinUDPChannels:      1,
				MaxUDPChannels:      8,
				IdleTimeout:         300,
				HealthCheckInterval: 30,
				AcquireTimeout:      10,
			},
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from TOML bytes, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	md, err := toml.Decode(expanded, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unrecognized config keys: %s", strings.Join(keys, ", "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default when VAR is unset.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// EffectiveServices returns the service list, folding the legacy top-level
// single-service fields into one entry when client.services is empty.
func (c *Config) EffectiveServices() []ServiceConfig {
	if len(c.Client.Services) > 0 {
		return c.Client.Services
	}
	if c.ServiceName == "" {
		return nil
	}
	st := c.ServiceType
	if st == "" {
		st = ServiceTypeSOCKS5
	}
	return []ServiceConfig{{
		Name:        c.ServiceName,
		Token:       c.Token,
		ServiceType: st,
		Socks:       c.Socks,
		SSH:         c.SSH,
	}}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Client.RemoteAddr == "" {
		errs = append(errs, "client.remote_addr is required")
	} else if _, _, err := net.SplitHostPort(c.Client.RemoteAddr); err != nil {
		errs = append(errs, fmt.Sprintf("client.remote_addr %q is not host:port: %v", c.Client.RemoteAddr, err))
	}

	if c.Client.HeartbeatTimeout <= 0 {
		errs = append(errs, "client.heartbeat_timeout must be positive")
	}

	switch c.Client.Transport.Type {
	case "tcp":
	case "noise":
		if c.Client.WireGuard.Enabled {
			errs = append(errs, "client.transport.type=noise and client.wireguard.enabled are mutually exclusive: wireguard already encrypts the tunnel")
		}
		if err := c.validateNoise(); err != nil {
			errs = append(errs, err.Error())
		}
	default:
		errs = append(errs, fmt.Sprintf("client.transport.type %q must be tcp or noise", c.Client.Transport.Type))
	}

	if c.Client.WireGuard.Enabled {
		if err := c.validateWireGuard(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if err := c.validatePool(); err != nil {
		errs = append(errs, err.Error())
	}

	services := c.EffectiveServices()
	if len(services) == 0 {
		errs = append(errs, "no services configured: set client.services or the top-level service_name/token pair")
	}
	if len(c.Client.Services) > 0 && c.ServiceName != "" {
		errs = append(errs, "client.services and the legacy top-level service_name are mutually exclusive")
	}

	seen := make(map[string]bool)
	for i, svc := range services {
		prefix := fmt.Sprintf("service[%d]", i)
		if svc.Name != "" {
			prefix = fmt.Sprintf("service %q", svc.Name)
		}
		if svc.Name == "" {
			errs = append(errs, prefix+": name is required")
		}
		if seen[svc.Name] {
			errs = append(errs, prefix+": duplicate name")
		}
		seen[svc.Name] = true
		if svc.Token == "" {
			errs = append(errs, prefix+": token is required")
		}
		switch svc.ServiceType {
		case ServiceTypeSOCKS5:
			if svc.SSH != nil {
				errs = append(errs, prefix+": ssh policy set on a socks5 service")
			}
			if p := svc.Socks; p != nil && p.AuthRequired {
				if p.Username == "" {
					errs = append(errs, prefix+": socks.auth_required needs socks.username")
				}
				if p.Password == "" && p.PasswordHash == "" {
					errs = append(errs, prefix+": socks.auth_required needs socks.password or socks.password_hash")
				}
			}
		case ServiceTypeSSH:
			if svc.Socks != nil {
				errs = append(errs, prefix+": socks policy set on an ssh service")
			}
			if p := svc.SSH; p != nil {
				for _, m := range p.AuthMethods {
					if m != "password" && m != "publickey" {
						errs = append(errs, fmt.Sprintf("%s: unknown auth method %q", prefix, m))
					}
				}
				if containsString(p.AuthMethods, "password") && p.Password == "" {
					errs = append(errs, prefix+": ssh password auth enabled without ssh.password")
				}
				if containsString(p.AuthMethods, "publickey") && p.AuthorizedKeys == "" {
					errs = append(errs, prefix+": ssh publickey auth enabled without ssh.authorized_keys")
				}
			}
		default:
			errs = append(errs, fmt.Sprintf("%s: service_type %q must be socks5 or ssh", prefix, svc.ServiceType))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateNoise() error {
	n := c.Client.Transport.Noise
	if n.RemotePublicKey == "" {
		return fmt.Errorf("client.transport.noise.remote_public_key is required")
	}
	if _, err := DecodeNoiseKey(n.RemotePublicKey); err != nil {
		return fmt.Errorf("client.transport.noise.remote_public_key: %w", err)
	}
	if n.LocalPrivateKey != "" {
		if _, err := DecodeNoiseKey(n.LocalPrivateKey); err != nil {
			return fmt.Errorf("client.transport.noise.local_private_key: %w", err)
		}
	}
	return nil
}

func (c *Config) validateWireGuard() error {
	wg := c.Client.WireGuard
	if _, err := DecodeWireGuardKey(wg.PrivateKey); err != nil {
		return fmt.Errorf("client.wireguard.private_key: %w", err)
	}
	if _, err := DecodeWireGuardKey(wg.PeerPublicKey); err != nil {
		return fmt.Errorf("client.wireguard.peer_public_key: %w", err)
	}
	if wg.PresharedKey != "" {
		if _, err := DecodeWireGuardKey(wg.PresharedKey); err != nil {
			return fmt.Errorf("client.wireguard.preshared_key: %w", err)
		}
	}
	if wg.PeerEndpoint == "" {
		return fmt.Errorf("client.wireguard.peer_endpoint is required")
	}
	if _, _, err := net.SplitHostPort(wg.PeerEndpoint); err != nil {
		return fmt.Errorf("client.wireguard.peer_endpoint %q is not host:port: %v", wg.PeerEndpoint, err)
	}
	if wg.Address == "" {
		return fmt.Errorf("client.wireguard.address is required")
	}
	if _, err := netip.ParseAddr(wg.Address); err != nil {
		return fmt.Errorf("client.wireguard.address: %v", err)
	}
	for _, cidr := range wg.AllowedIPs {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			return fmt.Errorf("client.wireguard.allowed_ips %q: %v", cidr, err)
		}
	}
	return nil
}

func (c *Config) validatePool() error {
	p := c.Client.Pool
	if p.MinTCPChannels < 0 || p.MinUDPChannels < 0 {
		return fmt.Errorf("client.pool minimums must not be negative")
	}
	if p.MaxTCPChannels < p.MinTCPChannels {
		return fmt.Errorf("client.pool.max_tcp_channels %d is below min_tcp_channels %d", p.MaxTCPChannels, p.MinTCPChannels)
	}
	if p.MaxUDPChannels < p.MinUDPChannels {
		return fmt.Errorf("client.pool.max_udp_channels %d is below min_udp_channels %d", p.MaxUDPChannels, p.MinUDPChannels)
	}
	if p.IdleTimeout <= 0 || p.HealthCheckInterval <= 0 || p.AcquireTimeout <= 0 {
		return fmt.Errorf("client.pool timeouts must be positive")
	}
	return nil
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// DecodeNoiseKey parses a hex-encoded 32-byte Noise static key.
func DecodeNoiseKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("not hex: %v", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key is %d bytes, want 32", len(key))
	}
	return key, nil
}

// DecodeWireGuardKey parses a base64-encoded 32-byte WireGuard key,
// the same encoding wg(8) prints.
func DecodeWireGuardKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("not base64: %v", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key is %d bytes, want 32", len(key))
	}
	return key, nil
}

// HeartbeatTimeoutDuration converts the configured seconds to a duration.
func (c *ClientConfig) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(c.HeartbeatTimeout) * time.Second
}

// Durations for the pool table.
func (p *PoolConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(p.IdleTimeout) * time.Second
}

func (p *PoolConfig) HealthCheckIntervalDuration() time.Duration {
	return time.Duration(p.HealthCheckInterval) * time.Second
}

func (p *PoolConfig) AcquireTimeoutDuration() time.Duration {
	return time.Duration(p.AcquireTimeout) * time.Second
}

// Save writes the configuration as TOML to path with owner-only permissions;
// the file carries service tokens.
func (c *Config) Save(path string) error {
	var sb strings.Builder
	enc := toml.NewEncoder(&sb)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
