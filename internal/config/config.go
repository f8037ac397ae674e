package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hostinger/ipfwd/internal/neighbor"
	"gopkg.in/yaml.v2"
)

// Duration accepts Go duration strings such as "30s" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

type ARP struct {
	CacheTTL      Duration `yaml:"cache_ttl"`
	RetryInterval Duration `yaml:"retry_interval"`
	MaxAttempts   int      `yaml:"max_attempts"`
	TickInterval  Duration `yaml:"tick_interval"`
}

type Probe struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
	Count    int      `yaml:"count"`
}

type Config struct {
	// Interfaces are the kernel links the router captures on.
	Interfaces []string `yaml:"interfaces"`
	// Ifconfig is an optional "<iface> <ip>" file overriding kernel addresses.
	Ifconfig string `yaml:"ifconfig"`
	// RoutingTable is a "<dest> <gw> <mask> <iface>" file.
	RoutingTable     string `yaml:"routing_table"`
	RoutesFromKernel bool   `yaml:"routes_from_kernel"`
	APIAddress       string `yaml:"api_address"`
	Debug            bool   `yaml:"debug"`
	ARP              ARP    `yaml:"arp"`
	Probe            Probe  `yaml:"probe"`
}

func Default() Config {
	arp := neighbor.DefaultConfig()
	return Config{
		APIAddress: "127.0.0.1:54321",
		ARP: ARP{
			CacheTTL:      Duration(arp.CacheTTL),
			RetryInterval: Duration(arp.RetryInterval),
			MaxAttempts:   arp.MaxAttempts,
			TickInterval:  Duration(arp.TickInterval),
		},
		Probe: Probe{
			Interval: Duration(time.Minute),
			Count:    3,
		},
	}
}

// Load reads path over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if len(c.Interfaces) == 0 {
		return fmt.Errorf("no interfaces configured")
	}
	if c.RoutingTable == "" && !c.RoutesFromKernel {
		return fmt.Errorf("either routing_table or routes_from_kernel must be set")
	}
	if c.ARP.CacheTTL <= 0 || c.ARP.RetryInterval <= 0 || c.ARP.TickInterval <= 0 {
		return fmt.Errorf("arp intervals must be positive")
	}
	if c.ARP.MaxAttempts <= 0 {
		return fmt.Errorf("arp.max_attempts must be positive, got %d", c.ARP.MaxAttempts)
	}
	if c.Probe.Enabled && (c.Probe.Interval <= 0 || c.Probe.Count <= 0) {
		return fmt.Errorf("probe interval and count must be positive")
	}
	return nil
}

func (c Config) NeighborConfig() neighbor.Config {
	return neighbor.Config{
		CacheTTL:      time.Duration(c.ARP.CacheTTL),
		RetryInterval: time.Duration(c.ARP.RetryInterval),
		MaxAttempts:   c.ARP.MaxAttempts,
		TickInterval:  time.Duration(c.ARP.TickInterval),
	}
}
