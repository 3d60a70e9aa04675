// Package config loads the device node's TOML configuration: identity
// and root keys, interface enables, RPC sizing, and the diagnostics
// listener.
package config

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/embercore/internal/epacket"
	"github.com/danmuck/embercore/internal/security"
)

type DeviceConfig struct {
	// ID is the 64-bit device identifier, hex encoded ("0x..." or raw
	// hex digits).
	ID string `toml:"id"`
	// Version is the application version reported over RPC.
	Version uint32 `toml:"version"`
	// RootKey is the 32-byte device root key, hex encoded.
	RootKey string `toml:"root_key"`
}

type NetworkConfig struct {
	// ID is the 24-bit network identifier.
	ID uint32 `toml:"id"`
	// RootKey is the 32-byte network root key, hex encoded.
	RootKey string `toml:"root_key"`
}

type UDPConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
	Peer    string `toml:"peer"`
	MTU     int    `toml:"mtu"`
}

type SerialConfig struct {
	Enabled bool   `toml:"enabled"`
	Device  string `toml:"device"`
	MTU     int    `toml:"mtu"`
	// USBVendor/USBProduct select a USB serial adapter when Device is
	// empty, hex encoded 16-bit ids.
	USBVendor  string `toml:"usb_vendor"`
	USBProduct string `toml:"usb_product"`
}

type InterfacesConfig struct {
	UDP    UDPConfig    `toml:"udp"`
	Serial SerialConfig `toml:"serial"`
	BTAdv  bool         `toml:"bt_adv"`
	BTGatt bool         `toml:"bt_gatt"`
}

type RPCConfig struct {
	Runners           int `toml:"runners"`
	CommandQueueDepth int `toml:"command_queue_depth"`
	DataQueueDepth    int `toml:"data_queue_depth"`
}

type DiagConfig struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
	AdminToken  string   `toml:"admin_token"`
}

type Config struct {
	Device     DeviceConfig     `toml:"device"`
	Network    NetworkConfig    `toml:"network"`
	Interfaces InterfacesConfig `toml:"interfaces"`
	RPC        RPCConfig        `toml:"rpc"`
	Diag       DiagConfig       `toml:"diag"`
	// DisabledKeys lists kv keys refused at runtime.
	DisabledKeys []uint16 `toml:"disabled_keys"`
}

// Load reads and validates a device configuration. Fields the file
// leaves undefined take defaults.
func Load(path string) (Config, error) {
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	applyDefaults(&cfg, meta)
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config, meta toml.MetaData) {
	if !meta.IsDefined("interfaces", "udp", "listen") {
		cfg.Interfaces.UDP.Listen = ":7447"
	}
	if !meta.IsDefined("interfaces", "udp", "mtu") {
		cfg.Interfaces.UDP.MTU = epacket.DefaultUDPMTU
	}
	if !meta.IsDefined("interfaces", "serial", "mtu") {
		cfg.Interfaces.Serial.MTU = epacket.DefaultSerialMTU
	}
	if !meta.IsDefined("rpc", "runners") {
		cfg.RPC.Runners = 2
	}
	if !meta.IsDefined("diag", "addr") {
		cfg.Diag.Addr = ":9000"
	}
	if !meta.IsDefined("device", "version") {
		cfg.Device.Version = 1
	}
}

// Validate checks identity and key material.
func Validate(cfg Config) error {
	if _, err := ParseDeviceID(cfg.Device.ID); err != nil {
		return err
	}
	if _, err := ParseKey(cfg.Device.RootKey); err != nil {
		return fmt.Errorf("device root_key: %w", err)
	}
	if _, err := ParseKey(cfg.Network.RootKey); err != nil {
		return fmt.Errorf("network root_key: %w", err)
	}
	if cfg.Network.ID > 0xFFFFFF {
		return fmt.Errorf("network id %#x exceeds 24 bits", cfg.Network.ID)
	}
	if !cfg.Interfaces.UDP.Enabled && !cfg.Interfaces.Serial.Enabled &&
		!cfg.Interfaces.BTAdv && !cfg.Interfaces.BTGatt {
		return fmt.Errorf("no interfaces enabled")
	}
	return nil
}

// ParseDeviceID decodes a hex device identifier.
func ParseDeviceID(s string) (uint64, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if trimmed == "" {
		return 0, fmt.Errorf("device id missing")
	}
	id, err := strconv.ParseUint(trimmed, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("device id %q: %w", s, err)
	}
	return id, nil
}

// ParseKey decodes a hex encoded 32-byte root key.
func ParseKey(s string) (security.Key, error) {
	var key security.Key
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return key, fmt.Errorf("key not hex: %w", err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("key is %d bytes, want %d", len(raw), len(key))
	}
	copy(key[:], raw)
	return key, nil
}

// SecurityState builds the runtime identity from the configuration.
func (c Config) SecurityState() (*security.State, error) {
	id, err := ParseDeviceID(c.Device.ID)
	if err != nil {
		return nil, err
	}
	devRoot, err := ParseKey(c.Device.RootKey)
	if err != nil {
		return nil, err
	}
	netRoot, err := ParseKey(c.Network.RootKey)
	if err != nil {
		return nil, err
	}
	return security.NewVolatile(id, c.Network.ID, devRoot, netRoot), nil
}
