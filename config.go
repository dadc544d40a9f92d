package layerfs

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the file form of the engine and mount settings.
type Config struct {
	// Layers lists the host directories of the stack, bottom first. The
	// last one is the writable upper layer.
	Layers []string `yaml:"layers"`

	// Xattr enables extended attribute passthrough.
	Xattr bool `yaml:"xattr"`

	// VirtualFile configures the injected read-only file. Leave unset to
	// inject nothing.
	VirtualFile *VirtualFileConfig `yaml:"virtual_file"`

	// CopyBufferSize is the buffer used when copy-up cannot reflink.
	CopyBufferSize int `yaml:"copy_buffer_size"`

	Cache CacheConfig `yaml:"cache"`

	// Mountpoint is where the mount tool exposes the merged namespace.
	Mountpoint string `yaml:"mountpoint"`

	// AllowOther lets users other than the mounter access the mount.
	AllowOther bool `yaml:"allow_other"`

	// EntryTimeout and AttrTimeout control how long the kernel may cache
	// lookups and attributes.
	EntryTimeout time.Duration `yaml:"entry_timeout"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
}

// VirtualFileConfig names the injected file and where its content comes
// from.
type VirtualFileConfig struct {
	// Name defaults to DefaultVirtualFileName.
	Name string `yaml:"name"`

	// Source is the host file whose bytes are served. It is read once.
	Source string `yaml:"source"`
}

// UnmarshalYAML accepts both the short form (virtual_file: /path/to/blob)
// and the mapping form ({name: init.krun, source: /path/to/blob}).
func (v *VirtualFileConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		v.Source = value.Value
		return nil
	}

	type rawVirtualFileConfig VirtualFileConfig
	var raw rawVirtualFileConfig
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*v = VirtualFileConfig(raw)
	return nil
}

// CacheConfig configures the resolution cache.
type CacheConfig struct {
	Enabled     bool          `yaml:"enabled"`
	StatTTL     time.Duration `yaml:"stat_ttl"`
	NegativeTTL time.Duration `yaml:"negative_ttl"`
	MaxEntries  int           `yaml:"max_entries"`
}

// LoadConfig loads a configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply defaults
	if config.VirtualFile != nil && config.VirtualFile.Name == "" {
		config.VirtualFile.Name = DefaultVirtualFileName
	}
	if config.Cache.Enabled {
		if config.Cache.StatTTL == 0 {
			config.Cache.StatTTL = 5 * time.Second
		}
		if config.Cache.NegativeTTL == 0 {
			config.Cache.NegativeTTL = config.Cache.StatTTL / 2
		}
		if config.Cache.MaxEntries == 0 {
			config.Cache.MaxEntries = 1000
		}
	}

	return &config, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Layers) == 0 {
		return fmt.Errorf("layers: %w", ErrNoWritableLayer)
	}
	if len(c.Layers) > MaxLayers {
		return fmt.Errorf("layers: %w", ErrTooManyLayers)
	}
	for i, layer := range c.Layers {
		if layer == "" {
			return fmt.Errorf("layers[%d] is empty", i)
		}
	}
	if c.VirtualFile != nil {
		if c.VirtualFile.Source == "" {
			return fmt.Errorf("virtual_file.source is required")
		}
		if c.VirtualFile.Name != "" {
			if err := validateName(c.VirtualFile.Name); err != nil {
				return fmt.Errorf("virtual_file.name %q: %w", c.VirtualFile.Name, err)
			}
		}
	}
	if c.CopyBufferSize < 0 {
		return fmt.Errorf("copy_buffer_size must not be negative")
	}
	if c.Cache.Enabled && c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must not be negative")
	}
	return nil
}

// Options turns the configuration into engine options. The virtual file
// payload is read here.
func (c *Config) Options() ([]Option, error) {
	opts := []Option{WithXattr(c.Xattr)}
	if c.CopyBufferSize > 0 {
		opts = append(opts, WithCopyBufferSize(c.CopyBufferSize))
	}
	if c.Cache.Enabled {
		opts = append(opts, WithCacheConfig(true, c.Cache.StatTTL, c.Cache.NegativeTTL, c.Cache.MaxEntries))
	}
	if c.VirtualFile != nil {
		payload, err := os.ReadFile(c.VirtualFile.Source)
		if err != nil {
			return nil, fmt.Errorf("failed to read virtual file payload: %w", err)
		}
		opts = append(opts, WithVirtualFile(c.VirtualFile.Name, payload))
	}
	return opts, nil
}
