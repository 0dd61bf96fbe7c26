// Package config loads the gossip node's YAML configuration file.
package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/VanDung-dev/HieraChain-Gossip/network"
)

// File is the on-disk configuration of a node process.
type File struct {
	Network  network.Config `yaml:"network"`
	Admin    Admin          `yaml:"admin"`
	Log      Log            `yaml:"log"`
	Identity Identity       `yaml:"identity"`
}

// Admin configures the HTTP endpoint serving metrics, health and peers.
// An empty address disables it.
type Admin struct {
	Address string `yaml:"address" validate:"omitempty,hostname_port"`
}

type Log struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// Identity holds the signing key. An empty key generates a fresh one at
// startup.
type Identity struct {
	KeyHex string `yaml:"key_hex" validate:"omitempty,hexadecimal,len=64"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns the configuration used when no file is given.
func Default() File {
	return File{
		Network: network.DefaultConfig(),
		Admin:   Admin{Address: "127.0.0.1:9100"},
		Log:     Log{Level: "info", Format: "json"},
	}
}

// Load reads path over the defaults and validates the result. An empty path
// returns the defaults.
func Load(path string) (File, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("failed to read config: %w", err)
	}
	if err := Parse(data, &cfg); err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data into cfg, keeping fields the document omits, and
// validates the result. Unknown keys are rejected.
func Parse(data []byte, cfg *File) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg.Validate()
}

// Validate checks the network section and the process settings.
func (f File) Validate() error {
	if err := f.Network.Validate(); err != nil {
		return err
	}
	if err := validate.Struct(f.Admin); err != nil {
		return fmt.Errorf("invalid admin config: %w", err)
	}
	if err := validate.Struct(f.Log); err != nil {
		return fmt.Errorf("invalid log config: %w", err)
	}
	if err := validate.Struct(f.Identity); err != nil {
		return fmt.Errorf("invalid identity config: %w", err)
	}
	return nil
}
