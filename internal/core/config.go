package core

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// NetworkConfig selects the gateway directory backends.
type NetworkConfig struct {
	// Name is the network environment name used for discovery lookups.
	Name string `yaml:"name"`
	// APIURL is the mixnet validator API (fallback directory backend).
	APIURL string `yaml:"api_url"`
	// VpnAPIURL is the VPN directory API (primary backend). Optional.
	VpnAPIURL string `yaml:"vpn_api_url,omitempty"`
	// MinMixnetPerformance filters gateways for mixnet use, 0-100.
	MinMixnetPerformance *int `yaml:"min_mixnet_performance,omitempty"`
	// MinVpnPerformance filters gateways for VPN use, 0-100.
	MinVpnPerformance *int `yaml:"min_vpn_performance,omitempty"`
}

// PointConfig selects an entry or exit gateway. Exactly one field is set;
// an empty struct means random.
type PointConfig struct {
	// Identity selects a gateway by its base58 identity key.
	Identity string `yaml:"identity,omitempty"`
	// Country selects uniformly among gateways in an ISO-3166 alpha-2 country.
	Country string `yaml:"country,omitempty"`
	// LowLatency probes candidates and picks the fastest (entry only).
	LowLatency bool `yaml:"low_latency,omitempty"`
	// Address is a raw mixnet recipient (exit only).
	Address string `yaml:"address,omitempty"`
}

// TunnelConfig holds data-plane settings.
type TunnelConfig struct {
	// DNS resolvers pushed into the tunnel. Defaults applied when empty.
	DNS []string `yaml:"dns,omitempty"`
	// MTU is loaded and saved with the config but not read by the daemon;
	// the tun MTU is always derived from the two-hop layout.
	MTU int `yaml:"mtu,omitempty"`
	// Amnezia selects the obfuscation preset: "off", "base" or "random".
	Amnezia string `yaml:"amnezia,omitempty"`
	// DisableRouting is loaded and saved with the config but not read by
	// the daemon; routes are installed regardless of its value.
	DisableRouting bool `yaml:"disable_routing,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	Log     LogConfig     `yaml:"log,omitempty"`
	Network NetworkConfig `yaml:"network"`
	Entry   PointConfig   `yaml:"entry,omitempty"`
	Exit    PointConfig   `yaml:"exit,omitempty"`
	Tunnel  TunnelConfig  `yaml:"tunnel,omitempty"`

	// DataDir is where keys, discovery cache and ticketbooks live.
	DataDir string `yaml:"data_dir,omitempty"`
	// CredentialsMode enables zk-nym ticket presentation during registration.
	CredentialsMode bool `yaml:"credentials_mode,omitempty"`
}

// ConfigManager handles loading, saving, and hot-reloading configuration.
type ConfigManager struct {
	mu       sync.RWMutex
	config   Config
	filePath string
	bus      *EventBus
}

// NewConfigManager creates a config manager that reads from the given file.
func NewConfigManager(filePath string, bus *EventBus) *ConfigManager {
	return &ConfigManager{
		filePath: filePath,
		bus:      bus,
	}
}

// defaultConfig returns an empty but valid configuration.
func defaultConfig() Config {
	return Config{}
}

// Load reads and parses the configuration from disk.
// If the config file does not exist, it creates one with default values.
func (cm *ConfigManager) Load() error {
	data, err := os.ReadFile(cm.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			Log.Infof("Core", "Config %s not found, creating default config", cm.filePath)
			cm.mu.Lock()
			cm.config = defaultConfig()
			cm.mu.Unlock()
			if saveErr := cm.Save(); saveErr != nil {
				return fmt.Errorf("create default config: %w", saveErr)
			}
			return nil
		}
		return fmt.Errorf("read config %s: %w", cm.filePath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}

	return nil
}

// Save writes the current configuration to disk.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	data, err := yaml.Marshal(&cm.config)
	cm.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(cm.filePath, data, 0644); err != nil {
		return fmt.Errorf("write config %s: %w", cm.filePath, err)
	}

	return nil
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// Set replaces the current configuration and publishes a reload event.
func (cm *ConfigManager) Set(cfg Config) {
	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}
}
