package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// InjectedFlowDef is a flow seeded into the cache at startup. Injected flows
// are never aged out.
type InjectedFlowDef struct {
	DstIP    string `yaml:"dst_ip"`
	SrcIP    string `yaml:"src_ip"`
	SrcPort  uint16 `yaml:"src_port"`
	DstPort  uint16 `yaml:"dst_port"`
	Protocol uint8  `yaml:"protocol"`
}

// FlowCacheConfig holds the aging and capacity settings of the flow cache.
type FlowCacheConfig struct {
	FlowTTL       string            `yaml:"flow_ttl"`
	HostTTL       string            `yaml:"host_ttl"`
	SweepInterval string            `yaml:"sweep_interval"`
	SweepSlice    int               `yaml:"sweep_slice"`
	MaxDsts       int               `yaml:"max_destinations"`
	MaxSrcs       int               `yaml:"max_sources_per_destination"`
	MaxFlows      int               `yaml:"max_flows_per_source"`
	InjectedFlows []InjectedFlowDef `yaml:"injected_flows"`
}

// NATSConfig describes a NATS connection and subject.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// PcapConfig describes a live capture source.
type PcapConfig struct {
	Interface   string `yaml:"interface"`
	SnapLen     int32  `yaml:"snaplen"`
	Promiscuous bool   `yaml:"promiscuous"`
	BPFFilter   string `yaml:"bpf_filter"`
}

// IngestConfig holds the ingestion pipeline settings.
type IngestConfig struct {
	QueueSize int        `yaml:"queue_size"`
	BatchSize int        `yaml:"batch_size"`
	NATS      NATSConfig `yaml:"nats"`
	Pcap      PcapConfig `yaml:"pcap"`
}

// ProbeConfig holds the configuration for the capture probe.
type ProbeConfig struct {
	NATSURL string     `yaml:"nats_url"`
	Subject string     `yaml:"subject"`
	Pcap    PcapConfig `yaml:"pcap"`
}

// TriggerRule defines a threshold over a destination aggregate.
type TriggerRule struct {
	Name      string  `yaml:"name"`
	Metric    string  `yaml:"metric"`   // flow_count, source_count, packets, bytes
	Operator  string  `yaml:"operator"` // >, <, =, >=, <=
	Threshold float64 `yaml:"threshold"`
}

// TriggerConfig holds the rule evaluator settings.
type TriggerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	CheckInterval string        `yaml:"check_interval"`
	BanDuration   string        `yaml:"ban_duration"`
	Rules         []TriggerRule `yaml:"rules"`
}

// RouterTarget is a router receiving null routes. Empty fields inherit the
// values of the enclosing NullRouteConfig.
type RouterTarget struct {
	Host           string `yaml:"host"`
	User           string `yaml:"user"`
	Pass           string `yaml:"pass"`
	EnablePassword string `yaml:"enable_password"`
	PubKey         string `yaml:"pubkey"`
	PrivKey        string `yaml:"privkey"`
	Port           int    `yaml:"port"`
	NullRouteTag   *int   `yaml:"nullroute_tag"`
	Protocol       string `yaml:"protocol"` // ssh or telnet
	Type           string `yaml:"type"`     // cisco or vyatta
}

// NullRouteConfig holds the default router settings and the router list.
type NullRouteConfig struct {
	User           string         `yaml:"user"`
	Pass           string         `yaml:"pass"`
	EnablePassword string         `yaml:"enable_password"`
	PubKey         string         `yaml:"pubkey"`
	PrivKey        string         `yaml:"privkey"`
	Port           int            `yaml:"port"`
	NullRouteTag   *int           `yaml:"nullroute_tag"`
	Protocol       string         `yaml:"protocol"`
	Type           string         `yaml:"type"`
	KnownHosts     string         `yaml:"known_hosts"`
	Timeout        string         `yaml:"timeout"`
	Targets        []RouterTarget `yaml:"targets"`
}

// SMTPConfig holds the configuration for the SMTP server.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

// ActionConfig defines one response action.
type ActionConfig struct {
	Type      string          `yaml:"type"` // nullroute or email
	Enabled   bool            `yaml:"enabled"`
	NullRoute NullRouteConfig `yaml:"nullroute"`
	SMTP      SMTPConfig      `yaml:"smtp"`
}

// DispatcherConfig controls how actions are executed.
type DispatcherConfig struct {
	QueueSize int    `yaml:"queue_size"`
	Retries   uint64 `yaml:"retries"`
	Timeout   string `yaml:"timeout"`
}

// GobConfig holds the configuration for the gob writer.
type GobConfig struct {
	RootPath string `yaml:"root_path"`
}

// ClickHouseConfig holds the configuration for the ClickHouse writer and querier.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// WriterDef defines a snapshot exporter.
type WriterDef struct {
	Type             string           `yaml:"type"` // gob or clickhouse
	Enabled          bool             `yaml:"enabled"`
	SnapshotInterval string           `yaml:"snapshot_interval"`
	Gob              GobConfig        `yaml:"gob"`
	ClickHouse       ClickHouseConfig `yaml:"clickhouse"`
}

// APIConfig holds the listen addresses of the API servers.
type APIConfig struct {
	HttpListenAddr string `yaml:"http_listen_addr"`
	GrpcListenAddr string `yaml:"grpc_listen_addr"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	FlowCache  FlowCacheConfig  `yaml:"flowcache"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Probe      ProbeConfig      `yaml:"probe"`
	Trigger    TriggerConfig    `yaml:"trigger"`
	Actions    []ActionConfig   `yaml:"actions"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Writers    []WriterDef      `yaml:"writers"`
	API        APIConfig        `yaml:"api"`
}

// LoadConfig reads the configuration from a YAML file and returns a Config struct.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset field with its default value.
func (c *Config) ApplyDefaults() {
	setString(&c.Log.Level, "info")
	setString(&c.Log.Format, "text")

	setString(&c.FlowCache.FlowTTL, "5m")
	setString(&c.FlowCache.HostTTL, "15m")
	setString(&c.FlowCache.SweepInterval, "30s")
	setInt(&c.FlowCache.SweepSlice, 256)

	setInt(&c.Ingest.QueueSize, 65536)
	setInt(&c.Ingest.BatchSize, 512)
	setString(&c.Ingest.NATS.URL, "nats://127.0.0.1:4222")
	setString(&c.Ingest.NATS.Subject, "flowguard.packets.raw")
	if c.Ingest.Pcap.SnapLen <= 0 {
		c.Ingest.Pcap.SnapLen = 1600
	}

	setString(&c.Probe.NATSURL, c.Ingest.NATS.URL)
	setString(&c.Probe.Subject, c.Ingest.NATS.Subject)
	if c.Probe.Pcap.SnapLen <= 0 {
		c.Probe.Pcap.SnapLen = 1600
	}

	setString(&c.Trigger.CheckInterval, "10s")
	setString(&c.Trigger.BanDuration, "10m")

	setInt(&c.Dispatcher.QueueSize, 1024)
	if c.Dispatcher.Retries == 0 {
		c.Dispatcher.Retries = 3
	}
	setString(&c.Dispatcher.Timeout, "30s")

	for i := range c.Actions {
		nr := &c.Actions[i].NullRoute
		setInt(&nr.Port, 22)
		if nr.NullRouteTag == nil {
			tag := 666
			nr.NullRouteTag = &tag
		}
		setString(&nr.Protocol, "ssh")
		setString(&nr.Type, "cisco")
		setString(&nr.Timeout, "10s")
	}

	for i := range c.Writers {
		setString(&c.Writers[i].SnapshotInterval, "1m")
	}

	setString(&c.API.HttpListenAddr, ":8080")
}

// Validate checks durations, rules and typed lists.
func (c *Config) Validate() error {
	durations := map[string]string{
		"flowcache.flow_ttl":       c.FlowCache.FlowTTL,
		"flowcache.host_ttl":       c.FlowCache.HostTTL,
		"flowcache.sweep_interval": c.FlowCache.SweepInterval,
		"trigger.check_interval":   c.Trigger.CheckInterval,
		"trigger.ban_duration":     c.Trigger.BanDuration,
		"dispatcher.timeout":       c.Dispatcher.Timeout,
	}
	for name, value := range durations {
		if _, err := ParsePositiveDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	for _, rule := range c.Trigger.Rules {
		switch rule.Metric {
		case "flow_count", "source_count", "packets", "bytes":
		default:
			return fmt.Errorf("trigger rule '%s': unknown metric '%s'", rule.Name, rule.Metric)
		}
		switch rule.Operator {
		case ">", "<", "=", ">=", "<=":
		default:
			return fmt.Errorf("trigger rule '%s': unknown operator '%s'", rule.Name, rule.Operator)
		}
	}

	for _, action := range c.Actions {
		switch action.Type {
		case "nullroute":
			if _, err := ParsePositiveDuration(action.NullRoute.Timeout); err != nil {
				return fmt.Errorf("invalid nullroute timeout: %w", err)
			}
		case "email":
		default:
			return fmt.Errorf("unknown action type '%s'", action.Type)
		}
	}

	for _, writer := range c.Writers {
		switch writer.Type {
		case "gob", "clickhouse":
		default:
			return fmt.Errorf("unknown writer type '%s'", writer.Type)
		}
		if _, err := ParsePositiveDuration(writer.SnapshotInterval); err != nil {
			return fmt.Errorf("invalid snapshot_interval for writer '%s': %w", writer.Type, err)
		}
	}

	if c.Ingest.BatchSize > c.Ingest.QueueSize {
		return fmt.Errorf("ingest.batch_size (%d) exceeds ingest.queue_size (%d)", c.Ingest.BatchSize, c.Ingest.QueueSize)
	}
	return nil
}

// ParsePositiveDuration parses a duration string and rejects values <= 0.
func ParsePositiveDuration(value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", value)
	}
	return d, nil
}

// MustDuration parses a duration that Validate has already checked.
func MustDuration(value string) time.Duration {
	d, err := ParsePositiveDuration(value)
	if err != nil {
		panic(fmt.Sprintf("config: unvalidated duration %q: %v", value, err))
	}
	return d
}

func setString(field *string, def string) {
	if *field == "" {
		*field = def
	}
}

func setInt(field *int, def int) {
	if *field <= 0 {
		*field = def
	}
}
