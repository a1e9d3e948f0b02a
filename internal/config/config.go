// Package config handles application configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/sevir/cadence/internal/execution"
	"github.com/sevir/cadence/internal/telemetry"
	"github.com/sevir/cadence/pkg/models"
)

// Config holds the application configuration.
type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	Coordination CoordinationConfig `json:"coordination" yaml:"coordination"`
	Store        StoreConfig        `json:"store" yaml:"store"`
	Engine       EngineConfig       `json:"engine" yaml:"engine"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
	Tracing      TracingConfig      `json:"tracing" yaml:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host           string   `json:"host" yaml:"host"`
	Port           int      `json:"port" yaml:"port"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

// CoordinationConfig tunes question waits and result delivery.
type CoordinationConfig struct {
	QuestionTimeout  models.Duration `json:"question_timeout" yaml:"question_timeout"`
	CloseGrace       models.Duration `json:"close_grace" yaml:"close_grace"`
	ChunkThreshold   int             `json:"chunk_threshold" yaml:"chunk_threshold"`
	ChunkSize        int             `json:"chunk_size" yaml:"chunk_size"`
	MaxChunks        int             `json:"max_chunks" yaml:"max_chunks"`
	ChunkInterval    models.Duration `json:"chunk_interval" yaml:"chunk_interval"`
	DisconnectPolicy string          `json:"disconnect_policy" yaml:"disconnect_policy"`
	SinkBuffer       int             `json:"sink_buffer" yaml:"sink_buffer"`
}

// StoreConfig holds persistence paths. An empty LedgerPath disables the
// question ledger.
type StoreConfig struct {
	Path       string `json:"path" yaml:"path"`
	LedgerPath string `json:"ledger_path" yaml:"ledger_path"`
}

// EngineConfig selects and configures engines.
type EngineConfig struct {
	Default string   `json:"default" yaml:"default"`
	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args" yaml:"args"`
	LogDir  string   `json:"log_dir" yaml:"log_dir"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// TracingConfig selects the span exporter: none, stdout, otlp or zipkin.
type TracingConfig struct {
	Exporter    string  `json:"exporter" yaml:"exporter"`
	Endpoint    string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
	ServiceName string  `json:"service_name,omitempty" yaml:"service_name,omitempty"`
}

// Dir returns the cadence home directory.
func Dir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cadence")
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dir := Dir()
	exec := execution.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8766,
			AllowedOrigins: []string{"*"},
		},
		Coordination: CoordinationConfig{
			QuestionTimeout:  models.Duration(10 * time.Minute),
			CloseGrace:       models.Duration(50 * time.Millisecond),
			ChunkThreshold:   exec.ChunkThreshold,
			ChunkSize:        exec.ChunkSize,
			MaxChunks:        exec.MaxChunks,
			DisconnectPolicy: string(execution.DisconnectDetach),
			SinkBuffer:       256,
		},
		Store: StoreConfig{
			Path:       filepath.Join(dir, "tasks.json"),
			LedgerPath: filepath.Join(dir, "questions.db"),
		},
		Engine: EngineConfig{
			Default: "script",
			Command: "claude",
			LogDir:  filepath.Join(dir, "logs"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Exporter:   telemetry.ExporterNone,
			SampleRate: 1,
		},
	}
}

// Load loads configuration from a file (supports JSON and YAML). An empty
// path looks in the cadence home directory.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		// Try YAML first, then JSON
		yamlPath := filepath.Join(Dir(), "config.yaml")
		jsonPath := filepath.Join(Dir(), "config.json")

		if _, err := os.Stat(yamlPath); err == nil {
			path = yamlPath
		} else if _, err := os.Stat(jsonPath); err == nil {
			path = jsonPath
		} else {
			return cfg, nil
		}
	}
	baseDir := filepath.Dir(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if isYAML(path) {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}

	cfg.Store.Path = resolvePath(cfg.Store.Path, baseDir)
	if cfg.Store.LedgerPath != ":memory:" {
		cfg.Store.LedgerPath = resolvePath(cfg.Store.LedgerPath, baseDir)
	}
	cfg.Engine.LogDir = resolvePath(cfg.Engine.LogDir, baseDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port %d", c.Server.Port))
	}
	if _, err := execution.ParseDisconnectPolicy(c.Coordination.DisconnectPolicy); err != nil {
		errs = append(errs, err)
	}
	if c.Coordination.QuestionTimeout < 0 {
		errs = append(errs, errors.New("question_timeout must not be negative"))
	}
	if c.Coordination.ChunkThreshold < 0 || c.Coordination.ChunkSize < 0 || c.Coordination.MaxChunks < 0 {
		errs = append(errs, errors.New("chunk settings must not be negative"))
	}
	if c.Coordination.SinkBuffer < 0 {
		errs = append(errs, errors.New("sink_buffer must not be negative"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Logging.Format))
	}
	if !telemetry.ValidExporter(c.Tracing.Exporter) {
		errs = append(errs, fmt.Errorf("unknown trace exporter %q", c.Tracing.Exporter))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("sample_rate %v out of range [0,1]", c.Tracing.SampleRate))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Execution returns the coordinator settings.
func (c *Config) Execution() execution.Config {
	policy, _ := execution.ParseDisconnectPolicy(c.Coordination.DisconnectPolicy)
	cfg := execution.DefaultConfig()
	cfg.ChunkThreshold = c.Coordination.ChunkThreshold
	cfg.ChunkSize = c.Coordination.ChunkSize
	cfg.MaxChunks = c.Coordination.MaxChunks
	cfg.ChunkInterval = time.Duration(c.Coordination.ChunkInterval)
	cfg.Disconnect = policy
	return cfg
}

// Save saves configuration to a file. The format follows the extension.
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(Dir(), "config.yaml")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Address returns the server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// expandHome expands ~ to home directory in paths.
func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~\\") {
		home, _ := os.UserHomeDir()
		rest := path[2:]
		return filepath.Join(home, rest)
	}
	// "~user" forms are left alone.
	return path
}

// resolvePath expands ~ and resolves relative paths against baseDir.
// If baseDir is empty, relative paths are returned unchanged.
func resolvePath(value, baseDir string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	p := expandHome(value)
	if filepath.IsAbs(p) {
		return p
	}
	if baseDir == "" {
		return p
	}
	return filepath.Clean(filepath.Join(baseDir, p))
}
