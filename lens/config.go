package lens

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// EnvCollectorEndpoint names the collector as host:port, absence disables delivery.
	EnvCollectorEndpoint = "TRACE_LENS_COLLECTOR"
	// EnvProbeConfigFile names an optional yaml file with probe settings.
	EnvProbeConfigFile = "TRACE_LENS_CONFIG"
)

// ProbeConfig configures the probe running inside the debugger.
type ProbeConfig struct {
	Endpoint        string        `yaml:"endpoint"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	InitCmd         string        `yaml:"init_cmd"`
	MaxFrames       int           `yaml:"max_frames"`
	MaxFieldRecurse int           `yaml:"max_field_recurse"`
	MaxFieldLen     int           `yaml:"max_field_len"`
	MaxArrayLen     int           `yaml:"max_array_len"`
	ChannelSentinel string        `yaml:"channel_sentinel"`
	LogMsgSentinel  string        `yaml:"log_msg_sentinel"`
	// LocalEcho prints events when no collector is connected.
	LocalEcho bool `yaml:"local_echo"`
}

// DefaultProbeConfig returns the probe defaults, with no collector configured. Frames, text and
// arrays are captured in full unless a limit is set.
func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		DialTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxFieldRecurse: 100,
		ChannelSentinel: DefaultChannelSentinel,
		LogMsgSentinel:  DefaultLogMsgSentinel,
	}
}

// LoadProbeConfig builds the probe configuration from the defaults, the yaml file named by
// TRACE_LENS_CONFIG, and finally TRACE_LENS_COLLECTOR.
func LoadProbeConfig() (ProbeConfig, error) {
	cfg := DefaultProbeConfig()
	if path := os.Getenv(EnvProbeConfigFile); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return cfg, err
		}
	}
	cfg.ApplyEnv()
	return cfg, cfg.Validate()
}

// LoadFile overlays settings from a yaml file. A missing file is not an error.
func (c *ProbeConfig) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read probe config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse probe config: %w", err)
	}
	return nil
}

// ApplyEnv sets the endpoint from TRACE_LENS_COLLECTOR when it is present.
func (c *ProbeConfig) ApplyEnv() {
	if endpoint, ok := os.LookupEnv(EnvCollectorEndpoint); ok {
		c.Endpoint = strings.TrimSpace(endpoint)
	}
}

// Validate checks the endpoint format and limits.
func (c *ProbeConfig) Validate() error {
	var errs []error
	if c.Endpoint != "" {
		if err := validateHostPort(c.Endpoint); err != nil {
			errs = append(errs, fmt.Errorf("invalid collector endpoint: %w", err))
		}
	}
	if c.MaxFrames < 0 || c.MaxFieldRecurse < 0 || c.MaxFieldLen < 0 || c.MaxArrayLen < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	if c.ChannelSentinel == "" || c.LogMsgSentinel == "" {
		errs = append(errs, errors.New("sentinel names are required"))
	}
	return errors.Join(errs...)
}

// TransportConfig returns the connection settings.
func (c *ProbeConfig) TransportConfig() TransportConfig {
	return TransportConfig{
		Endpoint:     c.Endpoint,
		DialTimeout:  c.DialTimeout,
		WriteTimeout: c.WriteTimeout,
	}
}

// WalkConfig returns the stack capture settings.
func (c *ProbeConfig) WalkConfig() WalkConfig {
	return WalkConfig{
		MaxFrames: c.MaxFrames,
		Scope: ScopeConfig{
			ChannelSentinel: c.ChannelSentinel,
			LogMsgSentinel:  c.LogMsgSentinel,
			Render: RenderOptions{
				MaxDepth:    c.MaxFieldRecurse,
				MaxElements: c.MaxArrayLen,
				MaxTextLen:  c.MaxFieldLen,
			},
		},
	}
}

func validateHostPort(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("port %q out of range", port)
	}
	return nil
}

const (
	StorageMem    = "mem"
	StorageBadger = "badger"
	StorageSqlite = "sqlite"
)

// CollectorConfig configures the collector and report binaries.
type CollectorConfig struct {
	ListenAddr       string
	StorageKind      string
	StoragePath      string
	CacheMB          int
	Codec            string
	LogChanges       bool
	Echo             bool
	ReportJsonFile   string
	ReportChartsFile string
	// Computed fields
	BlobCodec BlobCodec
	// Internal state tracking
	prepared bool
}

// Prepare validates the configuration and resolves computed fields. It may only be invoked once.
func (c *CollectorConfig) Prepare() error {
	if c.prepared {
		return errors.New("config has already been prepared")
	}

	if c.ListenAddr != "" {
		if err := validateHostPort(c.ListenAddr); err != nil {
			return fmt.Errorf("invalid listen address: %w", err)
		}
	}
	switch c.StorageKind {
	case "", StorageMem:
		c.StorageKind = StorageMem
	case StorageBadger, StorageSqlite:
		if c.StoragePath == "" {
			return fmt.Errorf("%s storage requires a path", c.StorageKind)
		}
		absPath, err := filepath.Abs(c.StoragePath)
		if err != nil {
			return fmt.Errorf("error resolving storage path: %w", err)
		}
		c.StoragePath = absPath
	default:
		return fmt.Errorf("unknown storage %q, values can be: %s, %s, %s",
			c.StorageKind, StorageMem, StorageBadger, StorageSqlite)
	}
	codec, err := ParseBlobCodec(c.Codec)
	if err != nil {
		return err
	}
	c.BlobCodec = codec
	if c.CacheMB <= 0 {
		c.CacheMB = 200
	}

	for _, path := range []string{c.ReportJsonFile, c.ReportChartsFile} {
		if path == "" {
			continue
		}
		if err := validateOutputPath(path); err != nil {
			return fmt.Errorf("invalid output path %s: %w", path, err)
		}
	}

	c.prepared = true
	return nil
}

// OpenStorage opens the configured storage backend.
func (c *CollectorConfig) OpenStorage() (Storage, error) {
	switch c.StorageKind {
	case StorageBadger:
		return NewBadgerStorage(c.StoragePath, c.CacheMB)
	case StorageSqlite:
		return NewSqliteStorage(c.StoragePath)
	default:
		return NewMemStorage(), nil
	}
}

// validateOutputPath checks that the directory of path exists, or can be created, and is writable.
func validateOutputPath(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("cannot create output directory '%s': %w", dir, err)
	}

	testFile := filepath.Join(dir, ".write_test")
	file, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("cannot write to output directory '%s': %w", dir, err)
	}
	_ = file.Close()
	_ = os.Remove(testFile)
	return nil
}
