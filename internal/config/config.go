package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Device struct {
		Generation int           `yaml:"generation"`
		Engines    []string      `yaml:"engines"`
		ApertureMB int           `yaml:"apertureMB"`
		Coherent   bool          `yaml:"coherent"`
		CmdParser  bool          `yaml:"cmdParser"`
		HangCheck  time.Duration `yaml:"hangCheck"`
	} `yaml:"device"`
	Spin struct {
		DefaultTimeout time.Duration `yaml:"defaultTimeout"`
		Poll           bool          `yaml:"poll"`
		AddressMode    string        `yaml:"addressMode"`
	} `yaml:"spin"`
	Logger struct {
		Verbosity string `yaml:"verbosity"`
	} `yaml:"logger"`
	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`
}

// Default returns the configuration used when no file is given: a coherent
// Gen9 device with render and copy engines and patched addressing.
func Default() *Config {
	cfg := &Config{}
	cfg.Device.Generation = 9
	cfg.Device.Engines = []string{"render", "copy"}
	cfg.Device.ApertureMB = 4096
	cfg.Device.Coherent = true
	cfg.Spin.DefaultTimeout = 10 * time.Second
	cfg.Spin.AddressMode = "patched"
	cfg.Logger.Verbosity = "info"
	return cfg
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) validate() error {
	if c.Device.Generation <= 0 {
		return fmt.Errorf("device.generation must be positive, got %d", c.Device.Generation)
	}
	if c.Device.ApertureMB <= 0 {
		return fmt.Errorf("device.apertureMB must be positive, got %d", c.Device.ApertureMB)
	}
	switch c.Spin.AddressMode {
	case "explicit", "patched":
	default:
		return fmt.Errorf("spin.addressMode must be explicit or patched, got %q", c.Spin.AddressMode)
	}
	return nil
}
