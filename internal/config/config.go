package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/NodePath81/fbping/internal/util"
	"gopkg.in/yaml.v3"
)

const (
	defaultTargetPort       = 31338
	defaultNumSenders       = 1
	defaultNumReceivers     = 1
	defaultCooldown         = 1 * time.Second
	defaultBasePort         = 25000
	defaultPortCount        = 64
	defaultRatePPS          = 5
	defaultSocketBufferSize = 425984
	defaultNumPackets       = 10
	defaultQueueSize        = 4096

	defaultBucketSize = 5000
	defaultBucketMin  = 1000
	defaultBucketMax  = 300000

	defaultPingInterval      = 10 * time.Second
	defaultTopologyRefresh   = 60 * time.Second
	defaultAggregateInterval = 30 * time.Second
	defaultTopologyTimeout   = 10 * time.Second

	defaultStoreRetention = 7 * 24 * time.Hour

	defaultControlEnabled        = true
	defaultControlAddr           = "127.0.0.1"
	defaultControlPort           = 8080
	defaultControlMetricsEnabled = true

	defaultLogLevel = "info"

	maxSenders   = 64
	maxReceivers = 64
	maxQoS       = 255
)

type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ByteSize accepts a bare byte count or a size string such as "416kb".
type ByteSize int

func (s *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("size must be a scalar")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseSize(raw)
	if err != nil {
		return err
	}
	*s = ByteSize(parsed)
	return nil
}

// Rate accepts packets per second as a bare number or with a k/m suffix.
type Rate uint64

func (r *Rate) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("rate must be a scalar")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseRate(raw)
	if err != nil {
		return err
	}
	*r = Rate(parsed)
	return nil
}

type Config struct {
	Hostname string         `yaml:"hostname"`
	Pinger   PingerConfig   `yaml:"pinger"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Topology TopologyConfig `yaml:"topology"`
	Store    StoreConfig    `yaml:"store"`
	Control  ControlConfig  `yaml:"control"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type PingerConfig struct {
	TargetPort       int             `yaml:"target_port"`
	NumSenders       int             `yaml:"num_senders"`
	NumReceivers     int             `yaml:"num_receivers"`
	Cooldown         Duration        `yaml:"cooldown"`
	BasePort         int             `yaml:"base_port"`
	PortCount        int             `yaml:"port_count"`
	RatePPS          Rate            `yaml:"rate_pps"`
	SocketBufferSize ByteSize        `yaml:"socket_buffer_size"`
	NumPackets       int             `yaml:"num_packets"`
	QoS              []int           `yaml:"qos"`
	QueueSize        int             `yaml:"queue_size"`
	Histogram        HistogramConfig `yaml:"histogram"`
	SrcIP            string          `yaml:"src_ip"`
	SrcIf            string          `yaml:"src_if"`
}

// HistogramConfig bounds are in microseconds.
type HistogramConfig struct {
	BucketSize uint32 `yaml:"bucket_size"`
	Min        uint32 `yaml:"min"`
	Max        uint32 `yaml:"max"`
}

type ScheduleConfig struct {
	PingInterval      Duration `yaml:"ping_interval"`
	TopologyRefresh   Duration `yaml:"topology_refresh"`
	AggregateInterval Duration `yaml:"aggregate_interval"`
}

type TopologyConfig struct {
	Targets     []TargetConfig     `yaml:"targets"`
	Controllers []ControllerConfig `yaml:"controllers"`
	Timeout     Duration           `yaml:"timeout"`
}

type TargetConfig struct {
	IP      string `yaml:"ip"`
	MAC     string `yaml:"mac"`
	Name    string `yaml:"name"`
	Site    string `yaml:"site"`
	Network string `yaml:"network"`
	IsCN    bool   `yaml:"is_cn"`
	IsPop   bool   `yaml:"is_pop"`
}

type ControllerConfig struct {
	Name  string `yaml:"name"`
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

type StoreConfig struct {
	Path      string   `yaml:"path"`
	Retention Duration `yaml:"retention"`
}

type ControlConfig struct {
	Enabled   *bool                `yaml:"enabled"`
	BindAddr  string               `yaml:"bind_addr"`
	BindPort  int                  `yaml:"bind_port"`
	AuthToken string               `yaml:"auth_token"`
	Metrics   ControlMetricsConfig `yaml:"metrics"`
}

type ControlMetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func (c ControlConfig) IsEnabled() bool {
	return util.BoolValue(c.Enabled, defaultControlEnabled)
}

func (m ControlMetricsConfig) IsEnabled() bool {
	return util.BoolValue(m.Enabled, defaultControlMetricsEnabled)
}

// QoSValues returns the configured traffic classes as bytes.
func (p PingerConfig) QoSValues() []uint8 {
	out := make([]uint8, 0, len(p.QoS))
	for _, q := range p.QoS {
		out = append(out, uint8(q))
	}
	return out
}

func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(raw)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Hostname == "" {
		if host, err := os.Hostname(); err == nil {
			c.Hostname = host
		}
	}

	p := &c.Pinger
	if p.TargetPort == 0 {
		p.TargetPort = defaultTargetPort
	}
	if p.NumSenders == 0 {
		p.NumSenders = defaultNumSenders
	}
	if p.NumReceivers == 0 {
		p.NumReceivers = defaultNumReceivers
	}
	if p.Cooldown == 0 {
		p.Cooldown = Duration(defaultCooldown)
	}
	if p.BasePort == 0 {
		p.BasePort = defaultBasePort
	}
	if p.PortCount == 0 {
		p.PortCount = defaultPortCount
	}
	if p.RatePPS == 0 {
		p.RatePPS = defaultRatePPS
	}
	if p.SocketBufferSize == 0 {
		p.SocketBufferSize = defaultSocketBufferSize
	}
	if p.NumPackets == 0 {
		p.NumPackets = defaultNumPackets
	}
	if len(p.QoS) == 0 {
		p.QoS = []int{0}
	}
	if p.QueueSize == 0 {
		p.QueueSize = defaultQueueSize
	}
	if p.Histogram.BucketSize == 0 {
		p.Histogram.BucketSize = defaultBucketSize
	}
	if p.Histogram.Min == 0 && p.Histogram.Max == 0 {
		p.Histogram.Min = defaultBucketMin
		p.Histogram.Max = defaultBucketMax
	}

	if c.Schedule.PingInterval == 0 {
		c.Schedule.PingInterval = Duration(defaultPingInterval)
	}
	if c.Schedule.TopologyRefresh == 0 {
		c.Schedule.TopologyRefresh = Duration(defaultTopologyRefresh)
	}
	if c.Schedule.AggregateInterval == 0 {
		c.Schedule.AggregateInterval = Duration(defaultAggregateInterval)
	}
	if c.Topology.Timeout == 0 {
		c.Topology.Timeout = Duration(defaultTopologyTimeout)
	}

	if c.Store.Retention == 0 {
		c.Store.Retention = Duration(defaultStoreRetention)
	}

	if c.Control.Enabled == nil {
		enabled := defaultControlEnabled
		c.Control.Enabled = &enabled
	}
	if c.Control.BindAddr == "" {
		c.Control.BindAddr = defaultControlAddr
	}
	if c.Control.BindPort == 0 {
		c.Control.BindPort = defaultControlPort
	}
	if c.Control.Metrics.Enabled == nil {
		enabled := defaultControlMetricsEnabled
		c.Control.Metrics.Enabled = &enabled
	}

	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (c *Config) validate() error {
	if err := c.Pinger.validate(); err != nil {
		return err
	}

	if c.Schedule.PingInterval.Duration() <= 0 {
		return errors.New("schedule.ping_interval must be > 0")
	}
	if c.Schedule.TopologyRefresh.Duration() <= 0 {
		return errors.New("schedule.topology_refresh must be > 0")
	}
	if c.Schedule.AggregateInterval.Duration() < c.Schedule.PingInterval.Duration() {
		return errors.New("schedule.aggregate_interval must be >= schedule.ping_interval")
	}
	// Every round waits out the cooldown, so it has to fit in one tick.
	if c.Pinger.Cooldown.Duration() >= c.Schedule.PingInterval.Duration() {
		return errors.New("pinger.cooldown must be shorter than schedule.ping_interval")
	}

	if len(c.Topology.Targets) == 0 && len(c.Topology.Controllers) == 0 {
		return errors.New("topology must define targets or controllers")
	}
	for i := range c.Topology.Targets {
		t := &c.Topology.Targets[i]
		t.IP = strings.TrimSpace(t.IP)
		addr, err := netip.ParseAddr(t.IP)
		if err != nil {
			return fmt.Errorf("topology.targets[%d].ip: %w", i, err)
		}
		if !addr.Is6() || addr.Is4In6() {
			return fmt.Errorf("topology.targets[%d].ip must be IPv6: %s", i, t.IP)
		}
		if t.Name == "" {
			t.Name = t.IP
		}
	}
	seenControllers := make(map[string]struct{}, len(c.Topology.Controllers))
	for i := range c.Topology.Controllers {
		ctrl := &c.Topology.Controllers[i]
		ctrl.Name = strings.TrimSpace(ctrl.Name)
		if ctrl.Name == "" {
			return fmt.Errorf("topology.controllers[%d].name must not be empty", i)
		}
		if _, ok := seenControllers[ctrl.Name]; ok {
			return fmt.Errorf("duplicate controller name: %s", ctrl.Name)
		}
		seenControllers[ctrl.Name] = struct{}{}
		parsed, err := url.Parse(ctrl.URL)
		if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return fmt.Errorf("topology.controllers[%s].url must be an http(s) URL", ctrl.Name)
		}
	}
	if c.Topology.Timeout.Duration() <= 0 {
		return errors.New("topology.timeout must be > 0")
	}

	if c.Store.Path != "" && c.Store.Retention.Duration() <= 0 {
		return errors.New("store.retention must be > 0")
	}

	if c.Control.IsEnabled() {
		if c.Control.AuthToken == "" {
			return errors.New("control.auth_token must not be empty")
		}
		if c.Control.BindPort <= 0 || c.Control.BindPort > 65535 {
			return errors.New("control.bind_port must be in 1..65535")
		}
	}
	return nil
}

func (p *PingerConfig) validate() error {
	if p.TargetPort <= 0 || p.TargetPort > 65535 {
		return errors.New("pinger.target_port must be in 1..65535")
	}
	if p.NumSenders <= 0 || p.NumSenders > maxSenders {
		return fmt.Errorf("pinger.num_senders must be in 1..%d", maxSenders)
	}
	if p.NumReceivers <= 0 || p.NumReceivers > maxReceivers {
		return fmt.Errorf("pinger.num_receivers must be in 1..%d", maxReceivers)
	}
	if p.Cooldown.Duration() < 0 {
		return errors.New("pinger.cooldown must be >= 0")
	}
	if p.PortCount <= 0 {
		return errors.New("pinger.port_count must be > 0")
	}
	if p.BasePort <= 0 || p.BasePort+p.PortCount-1 > 65535 {
		return errors.New("pinger.base_port..base_port+port_count-1 must be in 1..65535")
	}
	if p.TargetPort >= p.BasePort && p.TargetPort < p.BasePort+p.PortCount {
		return errors.New("pinger.target_port must not fall inside the source port range")
	}
	if p.RatePPS == 0 {
		return errors.New("pinger.rate_pps must be > 0")
	}
	if p.SocketBufferSize <= 0 {
		return errors.New("pinger.socket_buffer_size must be > 0")
	}
	if p.NumPackets <= 0 {
		return errors.New("pinger.num_packets must be > 0")
	}
	for _, q := range p.QoS {
		if q < 0 || q > maxQoS {
			return fmt.Errorf("pinger.qos values must be in 0..%d", maxQoS)
		}
	}
	if p.QueueSize <= 0 {
		return errors.New("pinger.queue_size must be > 0")
	}
	if p.Histogram.BucketSize == 0 {
		return errors.New("pinger.histogram.bucket_size must be > 0")
	}
	if p.Histogram.Max <= p.Histogram.Min {
		return errors.New("pinger.histogram.max must be > pinger.histogram.min")
	}
	if p.Histogram.BucketSize > p.Histogram.Max-p.Histogram.Min {
		return errors.New("pinger.histogram.bucket_size must be <= max - min")
	}
	if p.SrcIP != "" {
		addr, err := netip.ParseAddr(strings.TrimSpace(p.SrcIP))
		if err != nil {
			return fmt.Errorf("pinger.src_ip: %w", err)
		}
		if !addr.Is6() || addr.Is4In6() {
			return errors.New("pinger.src_ip must be IPv6")
		}
	}
	return nil
}
