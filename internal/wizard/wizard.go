// Package wizard provides an interactive setup wizard that generates a
// working tunnel client configuration file.
package wizard

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/relaymesh/tunnelclient/internal/config"
)

// Options controls a wizard run.
type Options struct {
	// OutputPath is where the generated TOML configuration is written.
	OutputPath string

	// Version is printed in the banner.
	Version string
}

// answers accumulates everything the operator chose before the configuration
// is assembled.
type answers struct {
	RemoteAddr  string
	MetricsAddr string

	Transport     string // "tcp", "noise", "wireguard"
	NoiseRemote   string
	NoiseLocal    string
	WGPrivateKey  string
	WGPeerKey     string
	WGPreshared   string
	WGEndpoint    string
	WGAddress     string
	WGAllowedIPs  string
	WGKeepalive   int

	Services []serviceAnswers

	CustomizePool bool
	Pool          config.PoolConfig
}

type serviceAnswers struct {
	Name string
	Token string
	Type string // "socks5" or "ssh"

	// socks5
	SocksAuth     bool
	SocksUsername string
	SocksPassword string
	SocksAllowUDP bool
	SocksDNS      bool

	// ssh
	SSHUsername    string
	SSHAuthMethods []string
	SSHPassword    string
	SSHAuthKeys    string
	SSHHostKey     string
	SSHShell       bool
	SSHExec        bool
	SSHSFTP        bool
	SSHForwarding  bool
}

var (
	bannerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("81")).
			Border(lipgloss.RoundedBorder()).
			Padding(0, 2)

	stepStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	hintStyle = lipgloss.NewStyle().
			Faint(true)
)

// Run drives the full wizard: relay, transport, services, pool, write.
func Run(opts Options) error {
	fmt.Println(bannerStyle.Render(fmt.Sprintf("Tunnel Client Setup Wizard  %s", opts.Version)))
	fmt.Println(hintStyle.Render("Answers are written to " + opts.OutputPath + "; nothing is sent anywhere."))
	fmt.Println()

	a := &answers{Pool: defaultPoolAnswers()}

	if err := askRelay(a); err != nil {
		return err
	}
	if err := askTransport(a); err != nil {
		return err
	}
	for {
		svc, err := askService(len(a.Services))
		if err != nil {
			return err
		}
		a.Services = append(a.Services, svc)

		more := false
		if err := confirm("Add another service?", &more); err != nil {
			return err
		}
		if !more {
			break
		}
	}
	if err := askPool(a); err != nil {
		return err
	}

	cfg := buildConfig(a)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("wizard: generated configuration is invalid: %w", err)
	}
	if err := cfg.Save(opts.OutputPath); err != nil {
		return err
	}

	printNextSteps(opts.OutputPath)
	return nil
}

func confirm(title string, value *bool) error {
	return huh.NewForm(huh.NewGroup(
		huh.NewConfirm().Title(title).Value(value),
	)).Run()
}

func askRelay(a *answers) error {
	fmt.Println(stepStyle.Render("Relay"))
	return huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Relay address").
			Description("host:port of the publicly reachable relay").
			Placeholder("relay.example.com:2333").
			Value(&a.RemoteAddr).
			Validate(validateHostPort),
		huh.NewInput().
			Title("Metrics endpoint (optional)").
			Description("local address for Prometheus metrics, empty to disable").
			Value(&a.MetricsAddr).
			Validate(validateOptionalHostPort),
	)).Run()
}

func askTransport(a *answers) error {
	fmt.Println(stepStyle.Render("Transport"))
	if err := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Transport to the relay").
			Options(
				huh.NewOption("Plain TCP", "tcp"),
				huh.NewOption("Noise-encrypted TCP", "noise"),
				huh.NewOption("WireGuard (userspace)", "wireguard"),
			).
			Value(&a.Transport),
	)).Run(); err != nil {
		return err
	}

	switch a.Transport {
	case "noise":
		return huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("Relay's Noise public key").
				Description("64 hex characters").
				Value(&a.NoiseRemote).
				Validate(validateNoiseKey),
			huh.NewInput().
				Title("Local static private key (optional)").
				Description("64 hex characters; leave empty for an ephemeral key").
				Value(&a.NoiseLocal).
				Validate(validateOptionalNoiseKey),
		)).Run()
	case "wireguard":
		if err := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("WireGuard private key").
				Description("base64, as printed by wg genkey").
				Value(&a.WGPrivateKey).
				Validate(validateWireGuardKey),
			huh.NewInput().
				Title("Peer public key").
				Value(&a.WGPeerKey).
				Validate(validateWireGuardKey),
			huh.NewInput().
				Title("Preshared key (optional)").
				Value(&a.WGPreshared).
				Validate(validateOptionalWireGuardKey),
		)).Run(); err != nil {
			return err
		}
		return huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("Peer UDP endpoint").
				Placeholder("relay.example.com:51820").
				Value(&a.WGEndpoint).
				Validate(validateHostPort),
			huh.NewInput().
				Title("Tunnel address of this client").
				Placeholder("10.70.0.2").
				Value(&a.WGAddress).
				Validate(validateIPAddr),
			huh.NewInput().
				Title("Allowed IPs").
				Description("comma-separated CIDRs; empty routes everything").
				Value(&a.WGAllowedIPs).
				Validate(validateOptionalCIDRList),
		)).Run()
	default:
		return nil
	}
}

func askService(index int) (serviceAnswers, error) {
	fmt.Println(stepStyle.Render(fmt.Sprintf("Service %d", index+1)))

	svc := serviceAnswers{
		Token:    generateToken(),
		SSHShell: true,
		SSHExec:  true,
	}

	if err := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Service name").
			Description("must match a service configured on the relay").
			Value(&svc.Name).
			Validate(validateNonEmpty),
		huh.NewInput().
			Title("Shared token").
			Description("pre-filled with a generated value; must match the relay").
			Value(&svc.Token).
			Validate(validateNonEmpty),
		huh.NewSelect[string]().
			Title("Service type").
			Options(
				huh.NewOption("SOCKS5 proxy", config.ServiceTypeSOCKS5),
				huh.NewOption("SSH server", config.ServiceTypeSSH),
			).
			Value(&svc.Type),
	)).Run(); err != nil {
		return svc, err
	}

	if svc.Type == config.ServiceTypeSOCKS5 {
		if err := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title("Require username/password authentication?").
				Value(&svc.SocksAuth),
			huh.NewConfirm().
				Title("Allow UDP ASSOCIATE?").
				Value(&svc.SocksAllowUDP),
			huh.NewConfirm().
				Title("Resolve domain names on this client?").
				Description("otherwise names are resolved by the outbound dialer").
				Value(&svc.SocksDNS),
		)).Run(); err != nil {
			return svc, err
		}
		if svc.SocksAuth {
			if err := huh.NewForm(huh.NewGroup(
				huh.NewInput().
					Title("SOCKS5 username").
					Value(&svc.SocksUsername).
					Validate(validateNonEmpty),
				huh.NewInput().
					Title("SOCKS5 password").
					EchoMode(huh.EchoModePassword).
					Value(&svc.SocksPassword).
					Validate(validateNonEmpty),
			)).Run(); err != nil {
				return svc, err
			}
		}
		return svc, nil
	}

	if err := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("SSH username").
			Value(&svc.SSHUsername).
			Validate(validateNonEmpty),
		huh.NewMultiSelect[string]().
			Title("Authentication methods").
			Options(
				huh.NewOption("Public key", "publickey").Selected(true),
				huh.NewOption("Password", "password"),
			).
			Value(&svc.SSHAuthMethods).
			Validate(func(v []string) error {
				if len(v) == 0 {
					return fmt.Errorf("select at least one method")
				}
				return nil
			}),
	)).Run(); err != nil {
		return svc, err
	}

	if containsString(svc.SSHAuthMethods, "password") {
		if err := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("SSH password").
				EchoMode(huh.EchoModePassword).
				Value(&svc.SSHPassword).
				Validate(validateNonEmpty),
		)).Run(); err != nil {
			return svc, err
		}
	}
	if containsString(svc.SSHAuthMethods, "publickey") {
		if err := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("authorized_keys path").
				Placeholder("/etc/tunnelclient/authorized_keys").
				Value(&svc.SSHAuthKeys).
				Validate(validateNonEmpty),
		)).Run(); err != nil {
			return svc, err
		}
	}

	return svc, huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Host key path (optional)").
			Description("generated there on first run; empty for an ephemeral key").
			Value(&svc.SSHHostKey),
		huh.NewConfirm().
			Title("Allow interactive shell?").
			Value(&svc.SSHShell),
		huh.NewConfirm().
			Title("Allow command execution?").
			Value(&svc.SSHExec),
		huh.NewConfirm().
			Title("Enable SFTP subsystem?").
			Value(&svc.SSHSFTP),
		huh.NewConfirm().
			Title("Allow TCP forwarding (direct-tcpip)?").
			Value(&svc.SSHForwarding),
	)).Run()
}

func askPool(a *answers) error {
	fmt.Println(stepStyle.Render("Data-channel pool"))
	if err := confirm("Customize pool sizing? (defaults: 2 warm TCP, 1 warm UDP)", &a.CustomizePool); err != nil {
		return err
	}
	if !a.CustomizePool {
		return nil
	}

	minTCP := fmt.Sprint(a.Pool.MinTCPChannels)
	maxTCP := fmt.Sprint(a.Pool.MaxTCPChannels)
	minUDP := fmt.Sprint(a.Pool.MinUDPChannels)
	maxUDP := fmt.Sprint(a.Pool.MaxUDPChannels)

	if err := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Warm TCP channels").Value(&minTCP).Validate(validatePositiveInt),
		huh.NewInput().Title("Max TCP channels").Value(&maxTCP).Validate(validatePositiveInt),
		huh.NewInput().Title("Warm UDP channels").Value(&minUDP).Validate(validatePositiveInt),
		huh.NewInput().Title("Max UDP channels").Value(&maxUDP).Validate(validatePositiveInt),
	)).Run(); err != nil {
		return err
	}

	fmt.Sscan(minTCP, &a.Pool.MinTCPChannels)
	fmt.Sscan(maxTCP, &a.Pool.MaxTCPChannels)
	fmt.Sscan(minUDP, &a.Pool.MinUDPChannels)
	fmt.Sscan(maxUDP, &a.Pool.MaxUDPChannels)
	return nil
}

func defaultPoolAnswers() config.PoolConfig {
	return config.Default().Client.Pool
}

// buildConfig assembles the final configuration from wizard answers.
func buildConfig(a *answers) *config.Config {
	cfg := config.Default()
	cfg.Client.RemoteAddr = a.RemoteAddr
	cfg.Client.MetricsAddr = a.MetricsAddr
	cfg.Client.Pool = a.Pool

	switch a.Transport {
	case "noise":
		cfg.Client.Transport.Type = "noise"
		cfg.Client.Transport.Noise.RemotePublicKey = a.NoiseRemote
		cfg.Client.Transport.Noise.LocalPrivateKey = a.NoiseLocal
	case "wireguard":
		cfg.Client.Transport.Type = "tcp"
		cfg.Client.WireGuard = config.WireGuardConfig{
			Enabled:             true,
			PrivateKey:          a.WGPrivateKey,
			PeerPublicKey:       a.WGPeerKey,
			PresharedKey:        a.WGPreshared,
			PeerEndpoint:        a.WGEndpoint,
			PersistentKeepalive: a.WGKeepalive,
			Address:             a.WGAddress,
			AllowedIPs:          splitCIDRList(a.WGAllowedIPs),
		}
	default:
		cfg.Client.Transport.Type = "tcp"
	}

	for _, svc := range a.Services {
		entry := config.ServiceConfig{
			Name:        svc.Name,
			Token:       svc.Token,
			ServiceType: svc.Type,
		}
		switch svc.Type {
		case config.ServiceTypeSOCKS5:
			entry.Socks = &config.SocksPolicyConfig{
				AuthRequired: svc.SocksAuth,
				Username:     svc.SocksUsername,
				Password:     svc.SocksPassword,
				AllowUDP:     svc.SocksAllowUDP,
				DNSResolve:   svc.SocksDNS,
			}
		case config.ServiceTypeSSH:
			entry.SSH = &config.SSHPolicyConfig{
				HostKey:        svc.SSHHostKey,
				AuthorizedKeys: svc.SSHAuthKeys,
				Username:       svc.SSHUsername,
				Password:       svc.SSHPassword,
				AuthMethods:    svc.SSHAuthMethods,
				Shell:          svc.SSHShell,
				Exec:           svc.SSHExec,
				SFTP:           svc.SSHSFTP,
				PTY:            svc.SSHShell,
				TCPForwarding:  svc.SSHForwarding,
			}
		}
		cfg.Client.Services = append(cfg.Client.Services, entry)
	}

	return cfg
}

func printNextSteps(path string) {
	fmt.Println()
	fmt.Println(stepStyle.Render("Configuration written to " + path))
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  1. Register the service name(s) and token(s) on the relay.\n")
	fmt.Printf("  2. Start the client:\n")
	fmt.Printf("       tunnelclient run -c %s\n", path)
	fmt.Println()
	fmt.Println(hintStyle.Render("The file contains shared tokens; it was written with mode 0600."))
}

// generateToken returns a fresh 32-hex-character shared secret.
func generateToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func splitCIDRList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Input validators.

func validateNonEmpty(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("required")
	}
	return nil
}

func validateHostPort(s string) error {
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("must be host:port")
	}
	return nil
}

func validateOptionalHostPort(s string) error {
	if s == "" {
		return nil
	}
	return validateHostPort(s)
}

func validateNoiseKey(s string) error {
	if _, err := config.DecodeNoiseKey(s); err != nil {
		return fmt.Errorf("must be 64 hex characters")
	}
	return nil
}

func validateOptionalNoiseKey(s string) error {
	if s == "" {
		return nil
	}
	return validateNoiseKey(s)
}

func validateWireGuardKey(s string) error {
	if _, err := config.DecodeWireGuardKey(s); err != nil {
		return fmt.Errorf("must be a base64 32-byte key")
	}
	return nil
}

func validateOptionalWireGuardKey(s string) error {
	if s == "" {
		return nil
	}
	return validateWireGuardKey(s)
}

func validateIPAddr(s string) error {
	if net.ParseIP(s) == nil {
		return fmt.Errorf("must be an IP address")
	}
	return nil
}

func validateOptionalCIDRList(s string) error {
	for _, cidr := range splitCIDRList(s) {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("%q is not a CIDR", cidr)
		}
	}
	return nil
}

func validatePositiveInt(s string) error {
	var n int
	if _, err := fmt.Sscan(s, &n); err != nil || n <= 0 {
		return fmt.Errorf("must be a positive number")
	}
	return nil
}
