package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Mode selects the device backend: "echo" loops transmitted frames
	// back, "tap" bridges to a kernel tap interface.
	Mode string `yaml:"mode"`
	Tap  string `yaml:"tap"`

	// SharedSize is the byte size of the shared memory area holding the
	// ring region and the buffer arena.
	SharedSize int `yaml:"shared_size"`

	// Ring lengths the device model reports to the driver.
	TxRing   uint32 `yaml:"tx_ring"`
	RxRing   uint32 `yaml:"rx_ring"`
	FragRing uint32 `yaml:"frag_ring"`

	// TxCluster is how many sends may batch into one device notification.
	TxCluster int `yaml:"tx_cluster"`

	LogLevel string `yaml:"log_level"`
}

func DefaultConfig() Config {
	return Config{
		Mode:       "echo",
		Tap:        "pvnic0",
		SharedSize: 8 << 20,
		TxRing:     64,
		RxRing:     64,
		FragRing:   64,
		TxCluster:  4,
		LogLevel:   "info",
	}
}

func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config")
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config")
	}

	return cfg, nil
}
