package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

const minimalConfig = `
control:
  auth_token: secret
topology:
  targets:
    - ip: "2001:db8::10"
      name: node-a
      site: site-1
      network: net-1
`

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	p := cfg.Pinger
	if p.TargetPort != 31338 || p.BasePort != 25000 || p.PortCount != 64 {
		t.Fatalf("ports = %d/%d/%d, want 31338/25000/64", p.TargetPort, p.BasePort, p.PortCount)
	}
	if p.RatePPS != 5 {
		t.Fatalf("RatePPS = %d, want 5", p.RatePPS)
	}
	if p.SocketBufferSize != 425984 {
		t.Fatalf("SocketBufferSize = %d, want 425984", p.SocketBufferSize)
	}
	if p.Cooldown.Duration() != time.Second {
		t.Fatalf("Cooldown = %v, want 1s", p.Cooldown.Duration())
	}
	if p.Histogram.BucketSize != 5000 || p.Histogram.Min != 1000 || p.Histogram.Max != 300000 {
		t.Fatalf("Histogram = %+v, want 5000/1000/300000", p.Histogram)
	}
	if len(p.QoS) != 1 || p.QoS[0] != 0 {
		t.Fatalf("QoS = %v, want [0]", p.QoS)
	}
	if cfg.Schedule.PingInterval.Duration() != 10*time.Second {
		t.Fatalf("PingInterval = %v, want 10s", cfg.Schedule.PingInterval.Duration())
	}
	if cfg.Schedule.AggregateInterval.Duration() != 30*time.Second {
		t.Fatalf("AggregateInterval = %v, want 30s", cfg.Schedule.AggregateInterval.Duration())
	}
	if !cfg.Control.IsEnabled() || !cfg.Control.Metrics.IsEnabled() {
		t.Fatalf("control and metrics should default to enabled")
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
}

func TestParseUnits(t *testing.T) {
	raw := minimalConfig + `
pinger:
  rate_pps: 5k
  socket_buffer_size: 416kib
  cooldown: 1.5
schedule:
  ping_interval: 20s
  aggregate_interval: 1m
`
	cfg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.Pinger.RatePPS != 5000 {
		t.Fatalf("RatePPS = %d, want 5000", cfg.Pinger.RatePPS)
	}
	if cfg.Pinger.SocketBufferSize != 425984 {
		t.Fatalf("SocketBufferSize = %d, want 425984", cfg.Pinger.SocketBufferSize)
	}
	if cfg.Pinger.Cooldown.Duration() != 1500*time.Millisecond {
		t.Fatalf("Cooldown = %v, want 1.5s", cfg.Pinger.Cooldown.Duration())
	}
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "ipv4 target",
			yaml: "control: {auth_token: x}\ntopology: {targets: [{ip: 10.0.0.1}]}\n",
			want: "must be IPv6",
		},
		{
			name: "no topology",
			yaml: "control: {auth_token: x}\n",
			want: "topology must define",
		},
		{
			name: "missing token",
			yaml: "topology: {targets: [{ip: \"2001:db8::1\"}]}\n",
			want: "control.auth_token",
		},
		{
			name: "target port inside pool",
			yaml: minimalConfig + "pinger: {target_port: 25010}\n",
			want: "target_port must not fall inside",
		},
		{
			name: "histogram bounds",
			yaml: minimalConfig + "pinger: {histogram: {min: 500, max: 100}}\n",
			want: "histogram.max",
		},
		{
			name: "bucket wider than histogram",
			yaml: minimalConfig + "pinger: {histogram: {bucket_size: 4000000000, min: 1000, max: 300000}}\n",
			want: "bucket_size must be <= max - min",
		},
		{
			name: "cooldown longer than interval",
			yaml: minimalConfig + "pinger: {cooldown: 20s}\n",
			want: "pinger.cooldown",
		},
		{
			name: "bad controller url",
			yaml: "control: {auth_token: x}\ntopology: {controllers: [{name: a, url: \"ftp://x\"}]}\n",
			want: "http(s) URL",
		},
		{
			name: "ipv4 source",
			yaml: minimalConfig + "pinger: {src_ip: 192.0.2.1}\n",
			want: "pinger.src_ip must be IPv6",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatalf("Parse succeeded, want error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Parse error = %v, want containing %q", err, tc.want)
			}
		})
	}
}

func TestControlDisabledSkipsToken(t *testing.T) {
	raw := "control: {enabled: false}\ntopology: {targets: [{ip: \"2001:db8::1\"}]}\n"
	cfg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.Topology.Targets[0].Name != "2001:db8::1" {
		t.Fatalf("target name = %q, want ip fallback", cfg.Topology.Targets[0].Name)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fbping.yaml")
	if err := os.WriteFile(path, []byte(minimalConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if len(cfg.Topology.Targets) != 1 {
		t.Fatalf("targets = %d, want 1", len(cfg.Topology.Targets))
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("LoadConfig on missing file succeeded")
	}
}

func TestParseRateAndSize(t *testing.T) {
	rates := map[string]uint64{"5": 5, "2.5k": 2500, "1m": 1_000_000, "": 0}
	for in, want := range rates {
		got, err := ParseRate(in)
		if err != nil {
			t.Fatalf("ParseRate(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseRate(%q) = %d, want %d", in, got, want)
		}
	}
	if _, err := ParseRate("-1"); err == nil {
		t.Fatalf("ParseRate(-1) succeeded")
	}
	sizes := map[string]int{"425984": 425984, "416kib": 425984, "1mb": 1_000_000, "2kb": 2000}
	for in, want := range sizes {
		got, err := ParseSize(in)
		if err != nil {
			t.Fatalf("ParseSize(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseSize(%q) = %d, want %d", in, got, want)
		}
	}
	if _, err := ParseSize("kb"); err == nil {
		t.Fatalf("ParseSize(kb) succeeded")
	}
}

func TestDurationMarshalYAML(t *testing.T) {
	out, err := yaml.Marshal(Duration(1500 * time.Millisecond))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(out) != "1.5s\n" {
		t.Fatalf("Marshal = %q, want %q", out, "1.5s\n")
	}
}
