package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/michaelbrown/codebox/internal/artifact"
	"github.com/michaelbrown/codebox/internal/credential"
	"github.com/michaelbrown/codebox/internal/sandbox"
)

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// URL is where CLI commands reach a running server.
	URL            string `mapstructure:"url"`
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AzureConfig struct {
	TenantID           string `mapstructure:"tenant_id"`
	ClientID           string `mapstructure:"client_id"`
	ClientSecret       string `mapstructure:"client_secret"`
	SubscriptionID     string `mapstructure:"subscription_id"`
	ResourceGroup      string `mapstructure:"resource_group"`
	Location           string `mapstructure:"location"`
	ManagementEndpoint string `mapstructure:"management_endpoint"`
}

type RegistryConfig struct {
	Server   string `mapstructure:"server"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Sandbox backends.
const (
	BackendACI    = "aci"
	BackendDocker = "docker"
)

type SandboxConfig struct {
	Backend    string         `mapstructure:"backend"`
	Image      string         `mapstructure:"image"`
	Command    []string       `mapstructure:"command"`
	CPU        float64        `mapstructure:"cpu"`
	MemoryGB   float64        `mapstructure:"memory_gb"`
	NamePrefix string         `mapstructure:"name_prefix"`
	Registry   RegistryConfig `mapstructure:"registry"`
}

type ArtifactConfig struct {
	ConnectionString string        `mapstructure:"connection_string"`
	Container        string        `mapstructure:"container"`
	ReadURLTTL       time.Duration `mapstructure:"read_url_ttl"`
}

type PollConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Interval    time.Duration `mapstructure:"interval"`
}

type TokenConfig struct {
	RefreshBuffer time.Duration `mapstructure:"refresh_buffer"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Log      LogConfig      `mapstructure:"log"`
	Azure    AzureConfig    `mapstructure:"azure"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Artifact ArtifactConfig `mapstructure:"artifact"`
	Poll     PollConfig     `mapstructure:"poll"`
	Token    TokenConfig    `mapstructure:"token"`
}

// Load reads codebox.yaml from path, or from the working directory and
// $HOME/.codebox when path is empty. A missing file is not an error when
// no path was given. CODEBOX_<SECTION>_<KEY> environment variables override
// file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("codebox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.codebox")
	}

	v.SetEnvPrefix("codebox")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Expand environment variables in secrets
	for _, s := range []*string{
		&cfg.Azure.ClientSecret,
		&cfg.Sandbox.Registry.Password,
		&cfg.Artifact.ConnectionString,
	} {
		*s = expandEnv(*s)
	}

	return &cfg, nil
}

// setDefaults registers every key, which AutomaticEnv needs to map
// environment variables onto nested fields during Unmarshal.
func setDefaults(v *viper.Viper) {
	def := sandbox.DefaultSpec()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.url", "http://localhost:8080")
	v.SetDefault("server.max_upload_bytes", 1<<20)
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".codebox", "codebox.db"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("azure.tenant_id", "")
	v.SetDefault("azure.client_id", "")
	v.SetDefault("azure.client_secret", "")
	v.SetDefault("azure.subscription_id", "")
	v.SetDefault("azure.resource_group", "")
	v.SetDefault("azure.location", "")
	v.SetDefault("azure.management_endpoint", sandbox.DefaultManagementEndpoint)

	v.SetDefault("sandbox.backend", BackendACI)
	v.SetDefault("sandbox.image", "")
	v.SetDefault("sandbox.command", def.Command)
	v.SetDefault("sandbox.cpu", def.CPU)
	v.SetDefault("sandbox.memory_gb", def.MemoryGB)
	v.SetDefault("sandbox.name_prefix", "sandbox")
	v.SetDefault("sandbox.registry.server", "")
	v.SetDefault("sandbox.registry.username", "")
	v.SetDefault("sandbox.registry.password", "")

	v.SetDefault("artifact.connection_string", "")
	v.SetDefault("artifact.container", "submissions")
	v.SetDefault("artifact.read_url_ttl", artifact.DefaultReadURLTTL)

	v.SetDefault("poll.max_attempts", 20)
	v.SetDefault("poll.interval", 5*time.Second)
	v.SetDefault("token.refresh_buffer", credential.DefaultRefreshBuffer)
}

func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}

// Validate checks everything the server needs to reach its backends.
func (c *Config) Validate() error {
	var errs []error
	required := []struct{ key, value string }{
		{"artifact.connection_string", c.Artifact.ConnectionString},
		{"artifact.container", c.Artifact.Container},
	}
	switch c.Sandbox.Backend {
	case BackendACI:
		required = append(required, []struct{ key, value string }{
			{"azure.subscription_id", c.Azure.SubscriptionID},
			{"azure.resource_group", c.Azure.ResourceGroup},
			{"azure.location", c.Azure.Location},
		}...)
	case BackendDocker:
	default:
		errs = append(errs, fmt.Errorf("unknown sandbox.backend %q", c.Sandbox.Backend))
	}
	for _, req := range required {
		if req.value == "" {
			errs = append(errs, fmt.Errorf("%s is required", req.key))
		}
	}

	if _, err := c.SandboxSpec(); err != nil {
		errs = append(errs, err)
	}
	if c.Poll.MaxAttempts <= 0 {
		errs = append(errs, errors.New("poll.max_attempts must be positive"))
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, errors.New("poll.interval must be positive"))
	}
	if c.Token.RefreshBuffer < 0 {
		errs = append(errs, errors.New("token.refresh_buffer must not be negative"))
	}
	return errors.Join(errs...)
}

// SandboxSpec returns the validated sandbox shape. The registry server is
// derived from the image when not configured.
func (c *Config) SandboxSpec() (sandbox.Spec, error) {
	spec := sandbox.Spec{
		Location: c.Azure.Location,
		Image:    c.Sandbox.Image,
		Command:  c.Sandbox.Command,
		CPU:      c.Sandbox.CPU,
		MemoryGB: c.Sandbox.MemoryGB,
		Registry: sandbox.RegistryCredential{
			Server:   c.Sandbox.Registry.Server,
			Username: c.Sandbox.Registry.Username,
			Password: c.Sandbox.Registry.Password,
		},
	}
	if err := spec.Validate(); err != nil {
		return sandbox.Spec{}, err
	}
	return spec, nil
}
