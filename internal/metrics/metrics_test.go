package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/common/expfmt"
)

func TestNewMetricsWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}

	m.SOCKS5SessionsTotal.Inc()
	m.SOCKS5SessionsTotal.Inc()
	if got := testutil.ToFloat64(m.SOCKS5SessionsTotal); got != 2 {
		t.Errorf("SOCKS5SessionsTotal = %v, want 2", got)
	}

	m.ControlChannelUp.WithLabelValues("socks5").Set(1)
	if got := testutil.ToFloat64(m.ControlChannelUp.WithLabelValues("socks5")); got != 1 {
		t.Errorf("ControlChannelUp = %v, want 1", got)
	}
}

func TestPoolCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.PoolStreamsCreated.WithLabelValues("svc", "tcp").Add(3)
	m.PoolStreamsAcquired.WithLabelValues("svc", "tcp").Add(2)
	m.PoolStreamsExpired.WithLabelValues("svc", "udp").Inc()
	m.PoolIdle.WithLabelValues("svc", "tcp").Set(1)

	if got := testutil.ToFloat64(m.PoolStreamsCreated.WithLabelValues("svc", "tcp")); got != 3 {
		t.Errorf("PoolStreamsCreated = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.PoolStreamsExpired.WithLabelValues("svc", "udp")); got != 1 {
		t.Errorf("PoolStreamsExpired = %v, want 1", got)
	}
}

func TestDirectionLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.SOCKS5BytesRelayed.WithLabelValues(DirectionUpstream).Add(100)
	m.SOCKS5BytesRelayed.WithLabelValues(DirectionDownstream).Add(250)

	up := testutil.ToFloat64(m.SOCKS5BytesRelayed.WithLabelValues(DirectionUpstream))
	down := testutil.ToFloat64(m.SOCKS5BytesRelayed.WithLabelValues(DirectionDownstream))
	if up != 100 || down != 250 {
		t.Errorf("bytes relayed = %v/%v, want 100/250", up, down)
	}
}

// TestExposition gathers the registry and round-trips it through the text
// exposition format, which is what the optional metrics endpoint serves.
func TestExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.HandshakesTotal.WithLabelValues("socks5", ResultOk).Inc()
	m.SSHSessionsTotal.Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	var sb strings.Builder
	enc := expfmt.NewEncoder(&sb, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	out := sb.String()
	for _, want := range []string{
		"tunnelclient_handshakes_total",
		"tunnelclient_ssh_sessions_total",
		`result="ok"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestDefaultSingleton(t *testing.T) {
	m1 := Default()
	m2 := Default()
	if m1 != m2 {
		t.Error("Default() returned different instances")
	}
}
