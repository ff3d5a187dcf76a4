// Package nodeconfig loads the node's environment-variable-style
// configuration and its persistent keypair file. Defaults come first, an
// optional YAML file overlays them, and environment variables win.
package nodeconfig

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrPortInvalid        = errors.New("nodeconfig: port must be between 1 and 65535")
	ErrWSPortInvalid      = errors.New("nodeconfig: ws_port must be between 1 and 65535")
	ErrExternalIPRequired = errors.New("nodeconfig: external_ip must not be empty")
	ErrKeyPathRequired    = errors.New("nodeconfig: key_path must not be empty")
	ErrIdleTimeoutInvalid = errors.New("nodeconfig: idle_timeout_ms must be positive")
)

// Config is the node's runtime configuration.
type Config struct {
	Port        int
	WSPort      int
	ExternalIP  string
	BootNodes   []string
	IdleTimeout time.Duration
	KeyPath     string
}

// Default returns the configuration a fresh local node starts from.
func Default() Config {
	return Config{
		Port:        7420,
		WSPort:      7421,
		ExternalIP:  "127.0.0.1",
		BootNodes:   nil,
		IdleTimeout: 30 * time.Second,
		KeyPath:     "node.key",
	}
}

// Validate reports the first configuration error found, or nil.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return ErrPortInvalid
	}
	if c.WSPort < 1 || c.WSPort > 65535 {
		return ErrWSPortInvalid
	}
	if c.ExternalIP == "" {
		return ErrExternalIPRequired
	}
	if c.KeyPath == "" {
		return ErrKeyPathRequired
	}
	if c.IdleTimeout <= 0 {
		return ErrIdleTimeoutInvalid
	}
	return nil
}

// FromEnv overlays environment variables named after Config's fields onto
// base: PORT, WS_PORT, EXTERNAL_IP, BOOT_NODES (comma-separated),
// IDLE_TIMEOUT_MS, KEY_PATH. Unset variables leave base's value untouched.
func FromEnv(base Config) (Config, error) {
	c := base
	if v, ok := os.LookupEnv("PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("nodeconfig: parsing PORT: %w", err)
		}
		c.Port = n
	}
	if v, ok := os.LookupEnv("WS_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("nodeconfig: parsing WS_PORT: %w", err)
		}
		c.WSPort = n
	}
	if v, ok := os.LookupEnv("EXTERNAL_IP"); ok {
		c.ExternalIP = v
	}
	if v, ok := os.LookupEnv("BOOT_NODES"); ok && v != "" {
		c.BootNodes = strings.Split(v, ",")
	}
	if v, ok := os.LookupEnv("IDLE_TIMEOUT_MS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("nodeconfig: parsing IDLE_TIMEOUT_MS: %w", err)
		}
		c.IdleTimeout = time.Duration(n) * time.Millisecond
	}
	if v, ok := os.LookupEnv("KEY_PATH"); ok {
		c.KeyPath = v
	}
	return c, nil
}

// FromYAMLFile overlays the fields present in the YAML file at path onto
// base. A missing file is not an error: it simply leaves base untouched,
// since the YAML file is an optional overlay on top of env vars and
// defaults.
func FromYAMLFile(base Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return base, nil
	}
	if err != nil {
		return base, fmt.Errorf("nodeconfig: reading %s: %w", path, err)
	}
	var overlay struct {
		Port          *int     `yaml:"port"`
		WSPort        *int     `yaml:"ws_port"`
		ExternalIP    *string  `yaml:"external_ip"`
		BootNodes     []string `yaml:"boot_nodes"`
		IdleTimeoutMS *int     `yaml:"idle_timeout_ms"`
		KeyPath       *string  `yaml:"key_path"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return base, fmt.Errorf("nodeconfig: parsing %s: %w", path, err)
	}
	c := base
	if overlay.Port != nil {
		c.Port = *overlay.Port
	}
	if overlay.WSPort != nil {
		c.WSPort = *overlay.WSPort
	}
	if overlay.ExternalIP != nil {
		c.ExternalIP = *overlay.ExternalIP
	}
	if overlay.BootNodes != nil {
		c.BootNodes = overlay.BootNodes
	}
	if overlay.IdleTimeoutMS != nil {
		c.IdleTimeout = time.Duration(*overlay.IdleTimeoutMS) * time.Millisecond
	}
	if overlay.KeyPath != nil {
		c.KeyPath = *overlay.KeyPath
	}
	return c, nil
}

// Load builds the final configuration: defaults, then an optional YAML
// file overlay, then environment variables (highest precedence).
func Load(yamlPath string) (Config, error) {
	c := Default()
	c, err := FromYAMLFile(c, yamlPath)
	if err != nil {
		return c, err
	}
	c, err = FromEnv(c)
	if err != nil {
		return c, err
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}
