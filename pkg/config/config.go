package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/markus-lassfolk/uomping/pkg"
)

// Default locations used by the scheduler that deploys the experiment
const (
	DefaultConfigPath  = "/monroe/config"
	DefaultActionsPath = "/opt/monroe/curl_config"
)

// Probe backends
const (
	ProbeBackendFping = "fping"
	ProbeBackendICMP  = "icmp"
)

// Config is the run configuration. It is loaded once before any worker starts
// and never mutated afterwards; every component receives the same value.
type Config struct {
	Guid                      string   `json:"guid" yaml:"guid"`
	BusAddress                string   `json:"zmqport" yaml:"zmqport"`
	NodeID                    string   `json:"nodeid" yaml:"nodeid"`
	MetadataTopic             string   `json:"modem_metadata_topic" yaml:"modem_metadata_topic"`
	PingTarget                string   `json:"pingTarget" yaml:"pingTarget"`
	IntervalMS                int      `json:"interval" yaml:"interval"`
	DataVersion               int      `json:"dataversion" yaml:"dataversion"`
	DataID                    string   `json:"dataid" yaml:"dataid"`
	DataIDCurl                string   `json:"dataidCurl" yaml:"dataidCurl"`
	MetaGraceS                int      `json:"meta_grace" yaml:"meta_grace"`
	IfUpIntervalCheckS        int      `json:"ifup_interval_check" yaml:"ifup_interval_check"`
	ExportIntervalS           float64  `json:"export_interval" yaml:"export_interval"`
	Verbosity                 int      `json:"verbosity" yaml:"verbosity"`
	ResultDir                 string   `json:"resultdir" yaml:"resultdir"`
	ResultFile                string   `json:"resultfile" yaml:"resultfile"`
	ModemInterfaceName        string   `json:"modeminterfacename" yaml:"modeminterfacename"`
	InterfaceNames            []string `json:"interfacenames" yaml:"interfacenames"`
	InterfacesWithoutMetadata []string `json:"interfaces_without_metadata" yaml:"interfaces_without_metadata"`
	MaxSizeKB                 int      `json:"size" yaml:"size"`
	MaxTimeS                  int      `json:"time" yaml:"time"`

	ProbeBackend      string `json:"probe_backend" yaml:"probe_backend"`
	FpingPath         string `json:"fping_path" yaml:"fping_path"`
	CurlPath          string `json:"curl_path" yaml:"curl_path"`
	LimitSize         bool   `json:"limit_size" yaml:"limit_size"`
	StateFile         string `json:"state_file" yaml:"state_file"`
	MetricsListen     string `json:"metrics_listen" yaml:"metrics_listen"`
	PublishResults    bool   `json:"publish_results" yaml:"publish_results"`
	ResultTopicPrefix string `json:"result_topic_prefix" yaml:"result_topic_prefix"`
	LogLevel          string `json:"log_level" yaml:"log_level"`
}

// Default returns the configuration used when a key is absent from the file
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	c.BusAddress = "tcp://172.17.0.1:1883"
	c.NodeID = "fake.nodeid"
	c.MetadataTopic = "MONROE.META.DEVICE.MODEM"
	c.PingTarget = "195.251.209.199"
	c.IntervalMS = 5000
	c.DataVersion = 2
	c.DataID = "MONROE.EXP.UOMPING.PING"
	c.DataIDCurl = "MONROE.EXP.UOMPING.CURL"
	c.MetaGraceS = 120
	c.IfUpIntervalCheckS = 5
	c.ExportIntervalS = 5.0
	c.Verbosity = 0
	c.ResultDir = "/monroe/results/"
	c.ResultFile = "/monroe/results/results.txt"
	c.ModemInterfaceName = "InternalInterface"
	c.InterfaceNames = []string{"op0", "op1"}
	c.InterfacesWithoutMetadata = []string{"eth0", "wlan0"}
	c.MaxSizeKB = 3 * 1024
	c.MaxTimeS = 3600
	c.ProbeBackend = ProbeBackendFping
	c.FpingPath = "fping"
	c.CurlPath = "curl"
	c.ResultTopicPrefix = "MONROE.EXP.UOMPING"
}

// LoadConfig reads the configuration file at path over the defaults.
// A missing or malformed file is a pkg.ErrConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read %s: %v", pkg.ErrConfig, path, err)
	}

	cfg := Default()
	if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("%w: cannot parse %s: %v", pkg.ErrConfig, path, err)
	}

	if cfg.Guid == "" {
		cfg.Guid = uuid.NewString()
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", pkg.ErrConfig, err)
	}
	return cfg, nil
}

// decode picks YAML for .yaml/.yml files and JSON otherwise. Unknown keys are
// ignored: the deploying scheduler adds its own keys to the same file.
func decode(path string, data []byte, out interface{}) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, out)
	default:
		return json.Unmarshal(data, out)
	}
}

func (c *Config) validate() error {
	if len(c.InterfaceNames) == 0 {
		return fmt.Errorf("interfacenames must list at least one interface")
	}
	seen := make(map[string]bool, len(c.InterfaceNames))
	for _, name := range c.InterfaceNames {
		if name == "" {
			return fmt.Errorf("interfacenames contains an empty name")
		}
		if seen[name] {
			return fmt.Errorf("interface %q listed twice", name)
		}
		seen[name] = true
	}
	if c.IntervalMS <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if c.MetaGraceS <= 0 {
		return fmt.Errorf("meta_grace must be positive")
	}
	if c.IfUpIntervalCheckS <= 0 {
		return fmt.Errorf("ifup_interval_check must be positive")
	}
	if c.ExportIntervalS <= 0 {
		return fmt.Errorf("export_interval must be positive")
	}
	if c.MaxTimeS <= 0 {
		return fmt.Errorf("time must be positive")
	}
	if c.LimitSize && c.MaxSizeKB <= 0 {
		return fmt.Errorf("size must be positive when limit_size is set")
	}
	if c.ModemInterfaceName == "" {
		return fmt.Errorf("modeminterfacename must be set")
	}
	if c.MetadataTopic == "" {
		return fmt.Errorf("modem_metadata_topic must be set")
	}
	if c.PingTarget == "" {
		return fmt.Errorf("pingTarget must be set")
	}
	if c.ResultDir == "" {
		return fmt.Errorf("resultdir must be set")
	}
	if c.ProbeBackend != ProbeBackendFping && c.ProbeBackend != ProbeBackendICMP {
		return fmt.Errorf("probe_backend must be %q or %q", ProbeBackendFping, ProbeBackendICMP)
	}
	if c.NeedsBus() {
		u, err := url.Parse(c.BusAddress)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("zmqport %q is not a broker URL", c.BusAddress)
		}
	}
	if c.LogLevel != "" && !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("log_level %q is not valid", c.LogLevel)
	}
	return nil
}

// NeedsBus reports whether any interface depends on real metadata events or
// results are published
func (c *Config) NeedsBus() bool {
	return c.PublishResults || len(c.MetadataInterfaces()) > 0
}

func isValidLogLevel(level string) bool {
	for _, valid := range []string{"trace", "debug", "info", "warn", "error", "fatal"} {
		if level == valid {
			return true
		}
	}
	return false
}

// EffectiveLogLevel returns log_level when set, otherwise the verbosity mapping
func (c *Config) EffectiveLogLevel(fromVerbosity func(int) string) string {
	if c.LogLevel != "" {
		return c.LogLevel
	}
	return fromVerbosity(c.Verbosity)
}

// HasMetadata reports whether ifname receives real modem metadata
func (c *Config) HasMetadata(ifname string) bool {
	for _, n := range c.InterfacesWithoutMetadata {
		if n == ifname {
			return false
		}
	}
	return true
}

// MetadataInterfaces lists configured interfaces that need a metadata worker
func (c *Config) MetadataInterfaces() []string {
	var out []string
	for _, n := range c.InterfaceNames {
		if c.HasMetadata(n) {
			out = append(out, n)
		}
	}
	return out
}

// BaselineInterface is the fixed comparison interface for fetches
func (c *Config) BaselineInterface() string {
	return c.InterfaceNames[0]
}

func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

func (c *Config) MetaGrace() time.Duration {
	return time.Duration(c.MetaGraceS) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.IfUpIntervalCheckS) * time.Second
}

func (c *Config) ExportInterval() time.Duration {
	return time.Duration(c.ExportIntervalS * float64(time.Second))
}

func (c *Config) FetchMaxTime() time.Duration {
	return time.Duration(c.MaxTimeS) * time.Second
}

// MaxBytes is the transfer size limit in bytes, 0 when disabled
func (c *Config) MaxBytes() int64 {
	if !c.LimitSize {
		return 0
	}
	return int64(c.MaxSizeKB) * 1024
}
