// Package client wires configuration into a running tunnel client: one
// control channel per configured service over a shared transport, with
// signal-driven shutdown fan-out.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaymesh/tunnelclient/internal/config"
	"github.com/relaymesh/tunnelclient/internal/controlchannel"
	"github.com/relaymesh/tunnelclient/internal/logging"
	"github.com/relaymesh/tunnelclient/internal/pool"
	"github.com/relaymesh/tunnelclient/internal/service"
	"github.com/relaymesh/tunnelclient/internal/socks5"
	"github.com/relaymesh/tunnelclient/internal/sshadapter"
	"github.com/relaymesh/tunnelclient/internal/transport"
)

// ErrAllServicesFailed is returned by Run when every configured service has
// terminated with a fatal error. As long as one service is still retrying or
// running, the client stays up.
var ErrAllServicesFailed = errors.New("client: all services terminated with fatal errors")

// Client owns the shared transport and one control channel per service.
type Client struct {
	cfg       *config.Config
	log       *slog.Logger
	transport transport.Transport
	channels  []*controlchannel.ControlChannel
	names     []string
}

// New builds the transport and per-service control channels from a validated
// configuration. Handler construction is eager so misconfigured services
// (bad host key path, unreadable authorized_keys) fail at startup.
func New(cfg *config.Config, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = logging.NopLogger()
	}

	t, err := buildTransport(cfg)
	if err != nil {
		return nil, err
	}

	poolCfg := pool.Config{
		MinTCPChannels:      cfg.Client.Pool.MinTCPChannels,
		MaxTCPChannels:      cfg.Client.Pool.MaxTCPChannels,
		MinUDPChannels:      cfg.Client.Pool.MinUDPChannels,
		MaxUDPChannels:      cfg.Client.Pool.MaxUDPChannels,
		IdleTimeout:         cfg.Client.Pool.IdleTimeoutDuration(),
		HealthCheckInterval: cfg.Client.Pool.HealthCheckIntervalDuration(),
		AcquireTimeout:      cfg.Client.Pool.AcquireTimeoutDuration(),
	}

	c := &Client{cfg: cfg, log: log, transport: t}
	for _, svc := range cfg.EffectiveServices() {
		handler, err := buildHandler(svc, log)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("client: service %q: %w", svc.Name, err)
		}

		desc := service.Descriptor{
			Name:    svc.Name,
			Token:   svc.Token,
			Type:    service.Type(svc.ServiceType),
			Handler: handler,
		}
		if err := desc.Validate(); err != nil {
			t.Close()
			return nil, err
		}

		cc := controlchannel.New(controlchannel.Config{
			Descriptor:       desc,
			Transport:        t,
			HeartbeatTimeout: cfg.Client.HeartbeatTimeoutDuration(),
			Backoff:          controlchannel.DefaultBackoffConfig(),
			Pool:             poolCfg,
		}, log)
		c.channels = append(c.channels, cc)
		c.names = append(c.names, svc.Name)
	}

	return c, nil
}

// buildTransport selects the stream transport from configuration. The
// noise/wireguard conflict is already rejected by config validation.
func buildTransport(cfg *config.Config) (transport.Transport, error) {
	if cfg.Client.WireGuard.Enabled {
		return buildWireGuardTransport(cfg)
	}

	tcpCfg := cfg.Client.Transport.TCP
	nodelay := true
	if tcpCfg.Nodelay != nil {
		nodelay = *tcpCfg.Nodelay
	}

	switch cfg.Client.Transport.Type {
	case "noise":
		remoteKey, err := config.DecodeNoiseKey(cfg.Client.Transport.Noise.RemotePublicKey)
		if err != nil {
			return nil, fmt.Errorf("client: noise remote key: %w", err)
		}
		var localKey []byte
		if cfg.Client.Transport.Noise.LocalPrivateKey != "" {
			localKey, err = config.DecodeNoiseKey(cfg.Client.Transport.Noise.LocalPrivateKey)
			if err != nil {
				return nil, fmt.Errorf("client: noise local key: %w", err)
			}
		}
		return transport.NewNoiseTransport(transport.NoiseConfig{
			RemoteAddr:        cfg.Client.RemoteAddr,
			ConnectTimeout:    10 * time.Second,
			HandshakeTimeout:  5 * time.Second,
			RemotePublicKey:   remoteKey,
			LocalPrivateKey:   localKey,
			NoDelay:           nodelay,
			KeepAliveSecs:     time.Duration(tcpCfg.KeepaliveSecs) * time.Second,
			KeepAliveInterval: time.Duration(tcpCfg.KeepaliveInterval) * time.Second,
		})
	default:
		return transport.NewPlainTransport(transport.PlainConfig{
			RemoteAddr:        cfg.Client.RemoteAddr,
			ConnectTimeout:    10 * time.Second,
			NoDelay:           nodelay,
			KeepAliveSecs:     time.Duration(tcpCfg.KeepaliveSecs) * time.Second,
			KeepAliveInterval: time.Duration(tcpCfg.KeepaliveInterval) * time.Second,
		}), nil
	}
}

func buildWireGuardTransport(cfg *config.Config) (transport.Transport, error) {
	wg := cfg.Client.WireGuard

	privateKey, err := config.DecodeWireGuardKey(wg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("client: wireguard private key: %w", err)
	}
	peerKey, err := config.DecodeWireGuardKey(wg.PeerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("client: wireguard peer key: %w", err)
	}
	var psk []byte
	if wg.PresharedKey != "" {
		psk, err = config.DecodeWireGuardKey(wg.PresharedKey)
		if err != nil {
			return nil, fmt.Errorf("client: wireguard preshared key: %w", err)
		}
	}
	addr, err := netip.ParseAddr(wg.Address)
	if err != nil {
		return nil, fmt.Errorf("client: wireguard address: %w", err)
	}
	var allowed []netip.Prefix
	for _, cidr := range wg.AllowedIPs {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("client: wireguard allowed_ips %q: %w", cidr, err)
		}
		allowed = append(allowed, p)
	}

	return transport.NewWireGuardTransport(transport.WireGuardConfig{
		PrivateKey:          privateKey,
		PeerPublicKey:       peerKey,
		PresharedKey:        psk,
		PeerEndpoint:        wg.PeerEndpoint,
		PersistentKeepalive: time.Duration(wg.PersistentKeepalive) * time.Second,
		Address:             addr,
		AllowedIPs:          allowed,
		MTU:                 wg.MTU,
		TunnelAddr:          cfg.Client.RemoteAddr,
		ConnectTimeout:      10 * time.Second,
	})
}

// buildHandler constructs the protocol engine for one service entry.
func buildHandler(svc config.ServiceConfig, log *slog.Logger) (service.Handler, error) {
	switch svc.ServiceType {
	case config.ServiceTypeSOCKS5:
		policy := socks5.DefaultPolicy()
		if p := svc.Socks; p != nil {
			policy.AuthRequired = p.AuthRequired
			policy.Username = p.Username
			policy.Password = p.Password
			policy.PasswordHash = p.PasswordHash
			policy.AllowUDP = p.AllowUDP
			policy.DNSResolve = p.DNSResolve
			policy.BandwidthLimit = p.BandwidthLimit
			if p.RequestTimeout > 0 {
				policy.RequestTimeout = time.Duration(p.RequestTimeout) * time.Second
			}
			if p.UDPSessionTimeout > 0 {
				policy.UDPIdleTimeout = time.Duration(p.UDPSessionTimeout) * time.Second
			}
		}
		if policy.BandwidthLimit > 0 {
			log.Info("socks5 bandwidth limit active",
				logging.KeyService, svc.Name,
				"limit", humanize.IBytes(uint64(policy.BandwidthLimit))+"/s")
		}
		return socks5.NewHandler(policy, log.With(logging.KeyService, svc.Name)), nil

	case config.ServiceTypeSSH:
		policy := sshadapter.DefaultPolicy()
		if p := svc.SSH; p != nil {
			policy.HostKeyPath = p.HostKey
			policy.AuthorizedKeysPath = p.AuthorizedKeys
			policy.Username = p.Username
			policy.Password = p.Password
			if len(p.AuthMethods) > 0 {
				policy.AuthMethods = p.AuthMethods
			}
			policy.Shell = p.Shell
			policy.Exec = p.Exec
			policy.SFTP = p.SFTP
			policy.PTY = p.PTY
			policy.TCPForwarding = p.TCPForwarding
			policy.X11Forwarding = p.X11Forwarding
			policy.AgentForwarding = p.AgentForwarding
			if p.MaxAuthTries > 0 {
				policy.MaxAuthTries = p.MaxAuthTries
			}
			if p.ConnectionTimeout > 0 {
				policy.ConnectionTimeout = time.Duration(p.ConnectionTimeout) * time.Second
			}
			if p.DefaultShell != "" {
				policy.DefaultShell = p.DefaultShell
			}
		}
		return sshadapter.NewHandler(policy, log.With(logging.KeyService, svc.Name))

	default:
		return nil, fmt.Errorf("unknown service_type %q", svc.ServiceType)
	}
}

// Run drives every control channel until shutdown. It returns nil on a clean
// signal-initiated shutdown, and ErrAllServicesFailed (wrapping the first
// per-service error) only once every service has terminated fatally.
func (c *Client) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metricsSrv *http.Server
	if addr := c.cfg.Client.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			c.log.Info("metrics endpoint listening", logging.KeyAddress, addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.log.Warn("metrics endpoint failed", logging.KeyError, err)
			}
		}()
	}

	results := make([]error, len(c.channels))
	var wg sync.WaitGroup
	for i, cc := range c.channels {
		wg.Add(1)
		go func(i int, cc *controlchannel.ControlChannel) {
			defer wg.Done()
			err := cc.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				c.log.Error("service terminated",
					logging.KeyService, c.names[i],
					logging.KeyError, err,
					logging.KeyErrorKind, errorKind(err))
			}
			results[i] = err
		}(i, cc)
	}
	wg.Wait()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	c.transport.Close()

	if ctx.Err() != nil {
		c.log.Info("shutdown complete", logging.KeyEvent, "shutdown")
		return nil
	}

	var firstErr error
	failed := 0
	for _, err := range results {
		if err != nil && !errors.Is(err, context.Canceled) {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if failed == len(c.channels) && firstErr != nil {
		return fmt.Errorf("%w: %w", ErrAllServicesFailed, firstErr)
	}
	return nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, controlchannel.ErrServiceNotExist):
		return "service_not_exist"
	case errors.Is(err, controlchannel.ErrAuthFailed):
		return "auth_failed"
	default:
		return "io"
	}
}

// IsFatalHandshake reports whether err stems from a terminal handshake
// rejection (service unknown or authentication failure), which maps to exit
// code 2 rather than 1.
func IsFatalHandshake(err error) bool {
	return errors.Is(err, controlchannel.ErrServiceNotExist) ||
		errors.Is(err, controlchannel.ErrAuthFailed)
}
