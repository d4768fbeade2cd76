// Package config handles loading, validating, and applying
// configuration for the CI orchestrator. Configuration is read from a
// YAML file and can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/conveyor-ci/conveyor/internal/engine"
	"github.com/conveyor-ci/conveyor/internal/engine/docker"
	"github.com/conveyor-ci/conveyor/internal/engine/gcp"
	"github.com/conveyor-ci/conveyor/internal/store"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Duration lets YAML configs express time values as "30s" or "2h"
// instead of raw nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	GitHub    GitHubConfig    `yaml:"github"`
	Platforms []string        `yaml:"platforms"`
	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Storage   StorageConfig   `yaml:"storage"`
	Notify    NotifyConfig    `yaml:"notify"`
	Logging   LoggingConfig   `yaml:"logging"`
	OTel      OTelConfig      `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// ServerConfig holds the HTTP listener and the external base URL.
type ServerConfig struct {
	// Addr is the listen address. Default: ":8080".
	Addr string `yaml:"addr"`

	// PublicURL is the externally reachable base URL of this service.
	// Workers post progress callbacks to it and statuses link to it.
	PublicURL string `yaml:"public_url"`
}

// ---------------------------------------------------------------------------
// GitHub
// ---------------------------------------------------------------------------

// GitHubConfig holds credentials and the repository under test.
type GitHubConfig struct {
	// Token is a personal access token with repo:status scope.
	Token string `yaml:"token"`

	// Owner and Repository identify the repository under test.
	Owner      string `yaml:"owner"`
	Repository string `yaml:"repository"`

	// WebhookSecret signs inbound webhook deliveries.
	WebhookSecret string `yaml:"webhook_secret"`

	// BotName is the account whose PR comments get replaced.
	BotName string `yaml:"bot_name"`
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// EngineConfig selects and configures the compute backend.
type EngineConfig struct {
	// Type selects the compute backend: "docker" or "gcp".
	Type string `yaml:"type"`

	// Docker holds Docker-specific settings. Only read when Type == "docker".
	Docker DockerEngineConfig `yaml:"docker"`

	// GCP holds GCP Compute Engine settings. Only read when Type == "gcp".
	GCP GCPEngineConfig `yaml:"gcp"`
}

// DockerEngineConfig holds Docker-specific engine settings.
type DockerEngineConfig struct {
	// Image is the container image workers run.
	Image string `yaml:"image"`
}

// GCPEngineConfig holds GCP Compute Engine settings.
//
// Authentication uses Application Default Credentials (ADC); no
// credential fields are needed.
type GCPEngineConfig struct {
	// Project is the GCP project ID (required when engine.type == "gcp").
	Project string `yaml:"project"`

	// Zone is the GCP zone for worker VMs (required).
	Zone string `yaml:"zone"`

	// MachineType is the Compute Engine machine type. Default: "e2-medium".
	MachineType string `yaml:"machine_type"`

	// Image is the full self-link or family URL of the worker image (required).
	Image string `yaml:"image"`

	// DiskSizeGB is the boot disk size in GB. Default: 50.
	DiskSizeGB int64 `yaml:"disk_size_gb"`

	// Network is the VPC network name. Default: "default".
	Network string `yaml:"network"`

	// Subnet is the subnetwork (optional).
	Subnet string `yaml:"subnet"`

	// PublicIP controls whether worker VMs get an external IP address.
	// Default: true. A *bool distinguishes "not set" from "false".
	PublicIP *bool `yaml:"public_ip"`

	// ServiceAccount is the GCP service account email to attach to
	// worker VMs (optional).
	ServiceAccount string `yaml:"service_account"`

	// StartupScriptPath points at the bootstrap shell script installed
	// as VM startup metadata.
	StartupScriptPath string `yaml:"startup_script_path"`
}

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

// SchedulerConfig controls the scheduling and reaping cadence.
type SchedulerConfig struct {
	// Interval between scheduling passes. Default: 30s.
	Interval Duration `yaml:"interval"`

	// BatchSize caps launches per platform per pass. Default: 3.
	BatchSize int `yaml:"batch_size"`

	// MaxRuntime is the worker age past which the reaper reclaims it.
	// Default: 2h.
	MaxRuntime Duration `yaml:"max_runtime"`
}

// ---------------------------------------------------------------------------
// Webhook
// ---------------------------------------------------------------------------

// WebhookConfig controls inbound event verification and dispatch.
type WebhookConfig struct {
	// DefaultBranch limits which pushes create tests. Default: "master".
	DefaultBranch string `yaml:"default_branch"`

	// BuildNames are the workflow names whose completion queues or
	// deschedules a test.
	BuildNames []string `yaml:"build_names"`

	// RangeTTL is how long fetched publisher hook CIDR ranges are
	// cached. Default: 1h.
	RangeTTL Duration `yaml:"range_ttl"`
}

// ---------------------------------------------------------------------------
// Storage
// ---------------------------------------------------------------------------

// StorageConfig holds database and artifact locations.
type StorageConfig struct {
	// Database is the SQLite DSN. Default: "conveyor.db".
	Database string `yaml:"database"`

	// ArtifactsDir is the root for stored results and logs.
	// Default: "artifacts".
	ArtifactsDir string `yaml:"artifacts_dir"`

	// BadgeSourceDir holds the per-state badge SVG templates.
	BadgeSourceDir string `yaml:"badge_source_dir"`

	// BadgeTargetDir is where the published build badges live.
	BadgeTargetDir string `yaml:"badge_target_dir"`
}

// ---------------------------------------------------------------------------
// Notify
// ---------------------------------------------------------------------------

// NotifyConfig holds mailing-list forwarding settings. All fields empty
// disables forwarding.
type NotifyConfig struct {
	APIBase string `yaml:"api_base"`
	APIKey  string `yaml:"api_key"`
	From    string `yaml:"from"`
	To      string `yaml:"to"`
}

// Enabled reports whether issue forwarding is configured.
func (n NotifyConfig) Enabled() bool {
	return n.APIKey != "" && n.To != ""
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error. Default: info.
	Level string `yaml:"level"`
	// Format: text, json. Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active. Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export. Default: true.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout. Default: false.
	StdOut bool `yaml:"stdout"`

	// Prometheus exposes a /metrics scrape endpoint. Default: true.
	// A *bool distinguishes "not set" from "explicitly off".
	Prometheus *bool `yaml:"prometheus"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional; flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if len(c.Platforms) == 0 {
		c.Platforms = []string{string(store.PlatformLinux), string(store.PlatformWindows)}
	}
	if c.Engine.Type == "" {
		c.Engine.Type = "docker"
	}
	if c.Engine.GCP.MachineType == "" {
		c.Engine.GCP.MachineType = "e2-medium"
	}
	if c.Engine.GCP.DiskSizeGB == 0 {
		c.Engine.GCP.DiskSizeGB = 50
	}
	if c.Engine.GCP.PublicIP == nil {
		t := true
		c.Engine.GCP.PublicIP = &t
	}
	if c.Scheduler.Interval == 0 {
		c.Scheduler.Interval = Duration(30 * time.Second)
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = 3
	}
	if c.Scheduler.MaxRuntime == 0 {
		c.Scheduler.MaxRuntime = Duration(2 * time.Hour)
	}
	if c.Webhook.DefaultBranch == "" {
		c.Webhook.DefaultBranch = "master"
	}
	if c.Webhook.RangeTTL == 0 {
		c.Webhook.RangeTTL = Duration(time.Hour)
	}
	if c.Storage.Database == "" {
		c.Storage.Database = "conveyor.db"
	}
	if c.Storage.ArtifactsDir == "" {
		c.Storage.ArtifactsDir = "artifacts"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.OTel.Prometheus == nil {
		t := true
		c.OTel.Prometheus = &t
	}
	if !c.OTel.Enabled && c.OTel.Endpoint == "" && !c.OTel.Insecure {
		c.OTel.Insecure = true
	}
	if c.Notify.APIBase == "" {
		c.Notify.APIBase = "https://api.mailgun.net/v3"
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if _, err := url.ParseRequestURI(c.Server.PublicURL); err != nil {
		return fmt.Errorf("server.public_url: invalid URL %q: %w", c.Server.PublicURL, err)
	}
	if c.GitHub.Token == "" {
		return fmt.Errorf("github.token is required")
	}
	if c.GitHub.Owner == "" || c.GitHub.Repository == "" {
		return fmt.Errorf("github.owner and github.repository are required")
	}
	if c.GitHub.WebhookSecret == "" {
		return fmt.Errorf("github.webhook_secret is required")
	}

	for i, p := range c.Platforms {
		if _, ok := store.ParsePlatform(p); !ok {
			return fmt.Errorf("platforms[%d]: %q is not a supported platform", i, p)
		}
	}

	switch c.Engine.Type {
	case "docker":
		if c.Engine.Docker.Image == "" {
			return fmt.Errorf("engine.docker.image is required when engine.type is \"docker\"")
		}
	case "gcp":
		if c.Engine.GCP.Project == "" {
			return fmt.Errorf("engine.gcp.project is required when engine.type is \"gcp\"")
		}
		if c.Engine.GCP.Zone == "" {
			return fmt.Errorf("engine.gcp.zone is required when engine.type is \"gcp\"")
		}
		if c.Engine.GCP.Image == "" {
			return fmt.Errorf("engine.gcp.image is required when engine.type is \"gcp\"")
		}
	default:
		return fmt.Errorf("engine.type %q is not supported (supported: docker, gcp)", c.Engine.Type)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewEngine creates the compute engine selected by engine.type.
func (c *Config) NewEngine(ctx context.Context, logger *slog.Logger) (engine.Engine, error) {
	switch c.Engine.Type {
	case "docker":
		return docker.New(ctx, docker.Config{
			Image: c.Engine.Docker.Image,
		}, logger.WithGroup("engine.docker"))
	case "gcp":
		script, err := c.startupScript()
		if err != nil {
			return nil, err
		}
		return gcp.New(ctx, gcp.Config{
			Project:        c.Engine.GCP.Project,
			Zone:           c.Engine.GCP.Zone,
			MachineType:    c.Engine.GCP.MachineType,
			Image:          c.Engine.GCP.Image,
			DiskSizeGB:     c.Engine.GCP.DiskSizeGB,
			Network:        c.Engine.GCP.Network,
			Subnet:         c.Engine.GCP.Subnet,
			PublicIP:       *c.Engine.GCP.PublicIP,
			ServiceAccount: c.Engine.GCP.ServiceAccount,
			StartupScript:  script,
		}, logger.WithGroup("engine.gcp"))
	default:
		return nil, fmt.Errorf("unsupported engine type: %s", c.Engine.Type)
	}
}

func (c *Config) startupScript() (string, error) {
	if c.Engine.GCP.StartupScriptPath == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.Engine.GCP.StartupScriptPath)
	if err != nil {
		return "", fmt.Errorf("reading startup script from %s: %w", c.Engine.GCP.StartupScriptPath, err)
	}
	return string(data), nil
}

// NewStore opens the relational store configured under storage.
func (c *Config) NewStore() (*store.Store, error) {
	return store.Open(c.Storage.Database)
}

// ParsedPlatforms returns the configured platforms as typed values.
// Validate has already rejected unknown names.
func (c *Config) ParsedPlatforms() []store.Platform {
	platforms := make([]store.Platform, 0, len(c.Platforms))
	for _, p := range c.Platforms {
		if parsed, ok := store.ParsePlatform(p); ok {
			platforms = append(platforms, parsed)
		}
	}
	return platforms
}
