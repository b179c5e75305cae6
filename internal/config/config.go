package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the kueuexec server.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Kube       KubeConfig
	Executor   ExecutorConfig
	Artifact   ArtifactConfig
	LogArchive LogArchiveConfig
	Auth       AuthConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type KubeConfig struct {
	Kubeconfig string
	Namespace  string
}

// ExecutorConfig controls how steps are turned into cluster resources and polled.
type ExecutorConfig struct {
	QueueName        string
	Image            string
	Workdir          string
	DefinitionPath   string
	ContainerWorkdir string
	JobPrefix        string
	// Completions is the fixed completions count for batch Jobs.
	// Zero means "use the requested node count".
	Completions    int32
	Suspend        bool
	FluxViewImage  string
	PullAlways     bool
	Interactive    bool
	PollInterval   time.Duration
	LogRetryDelay  time.Duration
	CleanupTimeout time.Duration
}

// Staging modes for step artifacts.
const (
	StagingContainer = "container"
	StagingHost      = "host"
	StagingDisabled  = "disabled"
)

// Artifact tag schemes.
const (
	TagSchemeName   = "name"
	TagSchemeNameID = "name-id"
)

type ArtifactConfig struct {
	Staging          string
	TagScheme        string
	RepositoryPrefix string
	CacheName        string
	ServicePort      int
	Registry         string
	PlainHTTP        bool
	UploadWorkdir    bool
	// OrasVersion installs that oras release in the step container before
	// staging. Empty means the step image already provides oras.
	OrasVersion      string
}

// LogArchiveConfig points at an S3-compatible bucket. Archiving is off when
// Endpoint is empty.
type LogArchiveConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Enabled reports whether job logs should be uploaded.
func (c LogArchiveConfig) Enabled() bool {
	return c.Endpoint != ""
}

type AuthConfig struct {
	BootstrapAPIKey    string
	RateLimitPerMinute int
}

var validStaging = map[string]bool{
	StagingContainer: true,
	StagingHost:      true,
	StagingDisabled:  true,
}

var validTagSchemes = map[string]bool{
	TagSchemeName:   true,
	TagSchemeNameID: true,
}

var orasVersion = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// Load reads configuration from environment variables and returns a validated Config.
// A .env file (KUEUEXEC_ENV_FILE, default ".env") is loaded first when present;
// variables already set in the environment take precedence over it.
func Load() (*Config, error) {
	if err := loadDotEnv(envString("KUEUEXEC_ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	completions, err := envCompletions("EXECUTOR_COMPLETIONS")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("KUEUEXEC_PORT", 8080),
			Env:  envString("KUEUEXEC_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Kube: KubeConfig{
			Kubeconfig: os.Getenv("KUBECONFIG"),
			Namespace:  envString("KUBE_NAMESPACE", "default"),
		},
		Executor: ExecutorConfig{
			QueueName:        envString("EXECUTOR_QUEUE_NAME", "user-queue"),
			Image:            envString("EXECUTOR_IMAGE", "snakemake/snakemake:latest"),
			Workdir:          envString("EXECUTOR_WORKDIR", "."),
			DefinitionPath:   os.Getenv("EXECUTOR_DEFINITION_PATH"),
			ContainerWorkdir: envString("EXECUTOR_CONTAINER_WORKDIR", "/workdir"),
			JobPrefix:        envString("EXECUTOR_JOB_PREFIX", "snakejob"),
			Completions:      completions,
			Suspend:          envBool("EXECUTOR_SUSPEND", false),
			FluxViewImage:    envString("EXECUTOR_FLUX_VIEW_IMAGE", "ghcr.io/converged-computing/flux-view-rocky:tag-9"),
			PullAlways:       envBool("EXECUTOR_PULL_ALWAYS", false),
			Interactive:      envBool("EXECUTOR_INTERACTIVE", false),
			PollInterval:     envDuration("POLL_INTERVAL", 10*time.Second),
			LogRetryDelay:    envDuration("LOG_RETRY_DELAY", 5*time.Second),
			CleanupTimeout:   envDuration("CLEANUP_TIMEOUT", 30*time.Second),
		},
		Artifact: ArtifactConfig{
			Staging:          envString("ARTIFACT_STAGING", StagingContainer),
			TagScheme:        envString("ARTIFACT_TAG_SCHEME", TagSchemeNameID),
			RepositoryPrefix: envString("ARTIFACT_REPOSITORY_PREFIX", "snakemake"),
			CacheName:        envString("ARTIFACT_CACHE_NAME", "oras"),
			ServicePort:      envInt("ARTIFACT_SERVICE_PORT", 5000),
			Registry:         envString("ARTIFACT_REGISTRY", "oras-0.oras.default.svc.cluster.local:5000"),
			PlainHTTP:        envBool("ARTIFACT_PLAIN_HTTP", true),
			UploadWorkdir:    envBool("ARTIFACT_UPLOAD_WORKDIR", false),
			OrasVersion:      os.Getenv("ARTIFACT_ORAS_VERSION"),
		},
		LogArchive: LogArchiveConfig{
			Endpoint:  os.Getenv("LOG_ARCHIVE_ENDPOINT"),
			Region:    envString("LOG_ARCHIVE_REGION", "us-east-1"),
			Bucket:    envString("LOG_ARCHIVE_BUCKET", "kueuexec-logs"),
			AccessKey: os.Getenv("LOG_ARCHIVE_ACCESS_KEY"),
			SecretKey: os.Getenv("LOG_ARCHIVE_SECRET_KEY"),
			UseSSL:    envBool("LOG_ARCHIVE_USE_SSL", false),
		},
		Auth: AuthConfig{
			BootstrapAPIKey:    os.Getenv("BOOTSTRAP_API_KEY"),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 120),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Executor.DefinitionPath == "" {
		return fmt.Errorf("EXECUTOR_DEFINITION_PATH is required")
	}
	if c.Executor.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.Executor.PollInterval)
	}

	if !validStaging[c.Artifact.Staging] {
		return fmt.Errorf("ARTIFACT_STAGING must be one of container, host, disabled; got %q", c.Artifact.Staging)
	}
	if !validTagSchemes[c.Artifact.TagScheme] {
		return fmt.Errorf("ARTIFACT_TAG_SCHEME must be one of name, name-id; got %q", c.Artifact.TagScheme)
	}
	if c.Artifact.OrasVersion != "" && !orasVersion.MatchString(c.Artifact.OrasVersion) {
		return fmt.Errorf("ARTIFACT_ORAS_VERSION must look like 1.2.0, got %q", c.Artifact.OrasVersion)
	}
	if c.Artifact.ServicePort <= 0 || c.Artifact.ServicePort > 65535 {
		return fmt.Errorf("ARTIFACT_SERVICE_PORT must be a valid port, got %d", c.Artifact.ServicePort)
	}

	if c.LogArchive.Enabled() && (c.LogArchive.AccessKey == "" || c.LogArchive.SecretKey == "") {
		return fmt.Errorf("LOG_ARCHIVE_ACCESS_KEY and LOG_ARCHIVE_SECRET_KEY are required when LOG_ARCHIVE_ENDPOINT is set")
	}

	if c.Auth.BootstrapAPIKey != "" && len(c.Auth.BootstrapAPIKey) < 16 {
		return fmt.Errorf("BOOTSTRAP_API_KEY must be at least 16 characters")
	}

	return nil
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

// envCompletions accepts "nodes" (or empty) for the node-count policy, or a
// positive integer for a fixed count.
func envCompletions(key string) (int32, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" || v == "nodes" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be \"nodes\" or a positive integer, got %q", key, v)
	}
	return int32(n), nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
