package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `
[client]
remote_addr = "relay.example.com:2333"

[[client.services]]
name = "socks5"
token = "secret"
service_type = "socks5"
`

func TestParseMinimal(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Client.RemoteAddr != "relay.example.com:2333" {
		t.Errorf("RemoteAddr = %q", cfg.Client.RemoteAddr)
	}
	if cfg.Client.HeartbeatTimeout != 40 {
		t.Errorf("HeartbeatTimeout = %d, want default 40", cfg.Client.HeartbeatTimeout)
	}
	if cfg.Client.Transport.Type != "tcp" {
		t.Errorf("Transport.Type = %q, want default tcp", cfg.Client.Transport.Type)
	}
	if cfg.Client.Pool.MinTCPChannels != 2 || cfg.Client.Pool.MinUDPChannels != 1 {
		t.Errorf("pool minimums = %d/%d, want 2/1",
			cfg.Client.Pool.MinTCPChannels, cfg.Client.Pool.MinUDPChannels)
	}

	services := cfg.EffectiveServices()
	if len(services) != 1 || services[0].Name != "socks5" {
		t.Fatalf("EffectiveServices = %+v", services)
	}
}

func TestParseLegacySingleService(t *testing.T) {
	cfg, err := Parse([]byte(`
service_name = "home"
token = "t"

[client]
remote_addr = "r:2333"

[socks]
auth_required = true
username = "user"
password = "pass"
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	services := cfg.EffectiveServices()
	if len(services) != 1 {
		t.Fatalf("EffectiveServices returned %d services", len(services))
	}
	svc := services[0]
	if svc.Name != "home" || svc.Token != "t" {
		t.Errorf("service = %+v", svc)
	}
	if svc.ServiceType != ServiceTypeSOCKS5 {
		t.Errorf("ServiceType = %q, want default socks5", svc.ServiceType)
	}
	if svc.Socks == nil || !svc.Socks.AuthRequired || svc.Socks.Username != "user" {
		t.Errorf("socks policy = %+v", svc.Socks)
	}
}

func TestParseFullServices(t *testing.T) {
	cfg, err := Parse([]byte(`
[client]
remote_addr = "relay:2333"
heartbeat_timeout = 20

[client.transport]
type = "noise"

[client.transport.noise]
remote_public_key = "` + strings.Repeat("ab", 32) + `"

[client.pool]
min_tcp_channels = 4
max_tcp_channels = 8
acquire_timeout = 3

[[client.services]]
name = "proxy"
token = "t1"
service_type = "socks5"

[client.services.socks]
allow_udp = true
dns_resolve = true
request_timeout = 5
bandwidth_limit = 1048576

[[client.services]]
name = "shell"
token = "t2"
service_type = "ssh"

[client.services.ssh]
authorized_keys = "/etc/keys"
auth_methods = ["publickey"]
shell = true
pty = true
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Client.Pool.AcquireTimeoutDuration() != 3*time.Second {
		t.Errorf("AcquireTimeoutDuration = %v", cfg.Client.Pool.AcquireTimeoutDuration())
	}

	services := cfg.EffectiveServices()
	if len(services) != 2 {
		t.Fatalf("got %d services", len(services))
	}
	if services[0].Socks.BandwidthLimit != 1048576 {
		t.Errorf("BandwidthLimit = %d", services[0].Socks.BandwidthLimit)
	}
	if services[1].SSH.AuthorizedKeys != "/etc/keys" {
		t.Errorf("AuthorizedKeys = %q", services[1].SSH.AuthorizedKeys)
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{
			name:    "missing remote_addr",
			config:  `[[client.services]]` + "\n" + `name = "s"` + "\n" + `token = "t"` + "\n" + `service_type = "socks5"`,
			wantErr: "remote_addr is required",
		},
		{
			name:    "no services",
			config:  "[client]\nremote_addr = \"r:1\"",
			wantErr: "no services configured",
		},
		{
			name: "bad service type",
			config: `
[client]
remote_addr = "r:1"
[[client.services]]
name = "s"
token = "t"
service_type = "http"
`,
			wantErr: "must be socks5 or ssh",
		},
		{
			name: "missing token",
			config: `
[client]
remote_addr = "r:1"
[[client.services]]
name = "s"
service_type = "socks5"
`,
			wantErr: "token is required",
		},
		{
			name: "duplicate names",
			config: `
[client]
remote_addr = "r:1"
[[client.services]]
name = "s"
token = "t"
service_type = "socks5"
[[client.services]]
name = "s"
token = "t"
service_type = "socks5"
`,
			wantErr: "duplicate name",
		},
		{
			name: "noise without key",
			config: `
[client]
remote_addr = "r:1"
[client.transport]
type = "noise"
[[client.services]]
name = "s"
token = "t"
service_type = "socks5"
`,
			wantErr: "remote_public_key is required",
		},
		{
			name: "noise with wireguard",
			config: `
[client]
remote_addr = "r:1"
[client.transport]
type = "noise"
[client.transport.noise]
remote_public_key = "` + strings.Repeat("ab", 32) + `"
[client.wireguard]
enabled = true
private_key = "` + strings.Repeat("QQ", 21) + `g="
peer_public_key = "` + strings.Repeat("QQ", 21) + `g="
peer_endpoint = "wg:51820"
address = "10.0.0.2"
[[client.services]]
name = "s"
token = "t"
service_type = "socks5"
`,
			wantErr: "mutually exclusive",
		},
		{
			name: "socks auth without credentials",
			config: `
[client]
remote_addr = "r:1"
[[client.services]]
name = "s"
token = "t"
service_type = "socks5"
[client.services.socks]
auth_required = true
`,
			wantErr: "auth_required",
		},
		{
			name: "pool max below min",
			config: `
[client]
remote_addr = "r:1"
[client.pool]
min_tcp_channels = 4
max_tcp_channels = 2
[[client.services]]
name = "s"
token = "t"
service_type = "socks5"
`,
			wantErr: "below min_tcp_channels",
		},
		{
			name: "unknown key rejected",
			config: `
[client]
remote_addr = "r:1"
remot_addr = "typo:1"
[[client.services]]
name = "s"
token = "t"
service_type = "socks5"
`,
			wantErr: "unrecognized config keys",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.config))
			if err == nil {
				t.Fatal("Parse succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TUNNEL_TOKEN", "from-env")

	cfg, err := Parse([]byte(`
[client]
remote_addr = "r:2333"
[[client.services]]
name = "s"
token = "${TUNNEL_TOKEN}"
service_type = "socks5"
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := cfg.EffectiveServices()[0].Token; got != "from-env" {
		t.Errorf("token = %q, want from-env", got)
	}
}

func TestExpandEnvVarsDefault(t *testing.T) {
	got := expandEnvVars("addr = \"${MISSING_VAR:-fallback:1}\"")
	if got != "addr = \"fallback:1\"" {
		t.Errorf("expandEnvVars = %q", got)
	}
}

func TestDecodeKeys(t *testing.T) {
	if _, err := DecodeNoiseKey(strings.Repeat("0f", 32)); err != nil {
		t.Errorf("DecodeNoiseKey valid: %v", err)
	}
	if _, err := DecodeNoiseKey("zz"); err == nil {
		t.Error("DecodeNoiseKey accepted non-hex")
	}
	if _, err := DecodeNoiseKey(strings.Repeat("0f", 16)); err == nil {
		t.Error("DecodeNoiseKey accepted short key")
	}

	valid := strings.Repeat("QQ", 21) + "g=" // 32 bytes of base64
	if _, err := DecodeWireGuardKey(valid); err != nil {
		t.Errorf("DecodeWireGuardKey valid: %v", err)
	}
	if _, err := DecodeWireGuardKey("!!"); err == nil {
		t.Error("DecodeWireGuardKey accepted non-base64")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.toml")

	cfg, err := Parse([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("permissions = %o, want 600", perm)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.Client.RemoteAddr != cfg.Client.RemoteAddr {
		t.Errorf("round trip changed remote_addr: %q", reloaded.Client.RemoteAddr)
	}
	if len(reloaded.EffectiveServices()) != 1 {
		t.Errorf("round trip lost services")
	}
}
