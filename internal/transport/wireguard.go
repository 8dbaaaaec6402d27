package transport

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/netip"
	"time"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun/netstack"
)

// WireGuardConfig configures the userspace WireGuard virtual socket transport.
type WireGuardConfig struct {
	PrivateKey         []byte // 32-byte local private key
	PeerPublicKey      []byte // 32-byte peer public key
	PresharedKey       []byte // optional 32-byte PSK
	PeerEndpoint       string // peer's UDP host:port
	PersistentKeepalive time.Duration
	Address            netip.Addr   // this client's address inside the tunnel
	AllowedIPs         []netip.Prefix
	MTU                int

	// TunnelAddr is the peer's address:port reached *inside* the tunnel,
	// i.e. the relay's virtual-network endpoint the client dials per stream.
	TunnelAddr    string
	ConnectTimeout time.Duration
}

// WireGuardTransport runs a userspace WireGuard device and dials a fresh
// virtual TCP flow inside the tunnel for every Stream it produces.
type WireGuardTransport struct {
	cfg  WireGuardConfig
	dev  *device.Device
	tnet *netstack.Net
}

// NewWireGuardTransport brings up the userspace WireGuard device and
// associated virtual network stack.
func NewWireGuardTransport(cfg WireGuardConfig) (*WireGuardTransport, error) {
	if len(cfg.PrivateKey) != 32 || len(cfg.PeerPublicKey) != 32 {
		return nil, fmt.Errorf("transport: wireguard keys must be 32 bytes")
	}
	mtu := cfg.MTU
	if mtu <= 0 {
		mtu = device.DefaultMTU
	}

	dnsAddrs := []netip.Addr{}
	tun, tnet, err := netstack.CreateNetTUN([]netip.Addr{cfg.Address}, dnsAddrs, mtu)
	if err != nil {
		return nil, fmt.Errorf("transport: create virtual tun: %w", err)
	}

	dev := device.NewDevice(tun, conn.NewDefaultBind(), device.NewLogger(device.LogLevelError, "wireguard: "))

	if err := dev.IpcSet(buildUAPIConfig(cfg)); err != nil {
		dev.Close()
		return nil, fmt.Errorf("%w: configure wireguard device: %v", ErrHandshakeFailed, err)
	}

	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("%w: bring up wireguard device: %v", ErrHandshakeFailed, err)
	}

	return &WireGuardTransport{cfg: cfg, dev: dev, tnet: tnet}, nil
}

func buildUAPIConfig(cfg WireGuardConfig) string {
	uapi := fmt.Sprintf("private_key=%s\n", hex.EncodeToString(cfg.PrivateKey))
	uapi += fmt.Sprintf("public_key=%s\n", hex.EncodeToString(cfg.PeerPublicKey))
	uapi += fmt.Sprintf("endpoint=%s\n", cfg.PeerEndpoint)
	if len(cfg.PresharedKey) == 32 {
		uapi += fmt.Sprintf("preshared_key=%s\n", hex.EncodeToString(cfg.PresharedKey))
	}
	if cfg.PersistentKeepalive > 0 {
		uapi += fmt.Sprintf("persistent_keepalive_interval=%d\n", int(cfg.PersistentKeepalive.Seconds()))
	}
	allowed := cfg.AllowedIPs
	if len(allowed) == 0 {
		allowed = []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")}
	}
	for _, p := range allowed {
		uapi += fmt.Sprintf("allowed_ip=%s\n", p.String())
	}
	return uapi
}

// Dial opens a new virtual TCP flow to the relay's tunnel endpoint.
func (t *WireGuardTransport) Dial() (Stream, error) {
	timeout := t.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := t.tnet.DialContext(ctx, "tcp", t.cfg.TunnelAddr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrConnectTimeout
		}
		return nil, fmt.Errorf("transport: wireguard dial %s: %w", t.cfg.TunnelAddr, err)
	}

	return &plainStream{Conn: conn}, nil
}

// Type reports the WireGuard transport type.
func (t *WireGuardTransport) Type() Type { return TypeWireGuard }

// Close tears down the userspace WireGuard device.
func (t *WireGuardTransport) Close() error {
	t.dev.Close()
	return nil
}
