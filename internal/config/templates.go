package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Template renders a starter configuration with placeholder keys.
func Template() (string, error) {
	cfg := Config{
		Device: DeviceConfig{
			ID:      "0x1122334455667788",
			Version: 1,
			RootKey: "0000000000000000000000000000000000000000000000000000000000000000",
		},
		Network: NetworkConfig{
			ID:      0xABCD,
			RootKey: "0000000000000000000000000000000000000000000000000000000000000000",
		},
		Interfaces: InterfacesConfig{
			UDP:    UDPConfig{Enabled: true, Listen: ":7447", MTU: 1472},
			Serial: SerialConfig{Device: "/dev/ttyUSB0", MTU: 512},
		},
		RPC:  RPCConfig{Runners: 2},
		Diag: DiagConfig{Enabled: true, Addr: ":9000"},
	}
	out, err := toml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return string(out), nil
}

// WriteTemplate writes the starter configuration to path.
func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
