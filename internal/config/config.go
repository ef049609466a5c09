package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/repo2gpt/server/internal/gitops"
)

const (
	BackendFile   = "file"
	BackendBadger = "badger"
)

type Config struct {
	HTTPPort    int    `yaml:"http_port"`
	StorageRoot string `yaml:"storage_root"`
	APIKey      string `yaml:"api_key"`

	// StoreBackend selects the job persister: file or badger.
	StoreBackend string `yaml:"store_backend"`

	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	KeepAlive         time.Duration `yaml:"keepalive"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	DownloadTimeout   time.Duration `yaml:"download_timeout"`

	// GitAuthHost is the only host clone credentials are sent to.
	GitAuthHost   string `yaml:"git_auth_host"`
	GitToken      string `yaml:"git_token"`
	GitUsername   string `yaml:"git_username"`
	GitSSHKeyFile string `yaml:"git_ssh_key_file"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func Default() *Config {
	root := "repo2gpt-jobs"
	if home, err := os.UserHomeDir(); err == nil {
		root = filepath.Join(home, ".repo2gpt", "jobs")
	}
	return &Config{
		HTTPPort:          8000,
		StorageRoot:       root,
		StoreBackend:      BackendFile,
		MaxConcurrentJobs: 4,
		KeepAlive:         5 * time.Second,
		DownloadTimeout:   120 * time.Second,
		GitAuthHost:       "github.com",
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// Load reads .env from the working directory if present, then the YAML file
// named by REPO2GPT_CONFIG, then the environment. Later sources win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if file := os.Getenv("REPO2GPT_CONFIG"); file != "" {
		if err := cfg.LoadFile(file); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GitAuth returns the clone credentials for GitAuthHost, reading the SSH key
// file when set.
func (c *Config) GitAuth() (*gitops.Auth, error) {
	auth := &gitops.Auth{Host: c.GitAuthHost, Token: c.GitToken, Username: c.GitUsername}
	if c.GitSSHKeyFile != "" {
		key, err := os.ReadFile(c.GitSSHKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read git ssh key: %w", err)
		}
		auth.SSHKey = key
	}
	return auth, nil
}

// LoadFile overlays the keys present in a YAML file onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPPort = getEnvInt("HTTP_PORT", c.HTTPPort)
	c.StorageRoot = getEnv("REPO2GPT_STORAGE_ROOT", c.StorageRoot)
	c.APIKey = getEnv("REPO2GPT_API_KEY", c.APIKey)
	c.StoreBackend = getEnv("REPO2GPT_STORE_BACKEND", c.StoreBackend)
	c.MaxConcurrentJobs = getEnvInt("REPO2GPT_MAX_CONCURRENT_JOBS", c.MaxConcurrentJobs)
	c.KeepAlive = getEnvSeconds("REPO2GPT_KEEPALIVE_SECONDS", c.KeepAlive)
	c.JobTimeout = getEnvSeconds("REPO2GPT_JOB_TIMEOUT_SECONDS", c.JobTimeout)
	c.DownloadTimeout = getEnvSeconds("REPO2GPT_DOWNLOAD_TIMEOUT_SECONDS", c.DownloadTimeout)
	c.GitAuthHost = getEnv("REPO2GPT_GIT_AUTH_HOST", c.GitAuthHost)
	c.GitToken = getEnv("REPO2GPT_GIT_TOKEN", c.GitToken)
	c.GitUsername = getEnv("REPO2GPT_GIT_USERNAME", c.GitUsername)
	c.GitSSHKeyFile = getEnv("REPO2GPT_GIT_SSH_KEY_FILE", c.GitSSHKeyFile)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
}

func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port %d", c.HTTPPort)
	}
	if c.StorageRoot == "" {
		return errors.New("storage root is required")
	}
	if c.StoreBackend != BackendFile && c.StoreBackend != BackendBadger {
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("max concurrent jobs must be positive, got %d", c.MaxConcurrentJobs)
	}
	if c.KeepAlive <= 0 {
		return fmt.Errorf("keep-alive interval must be positive, got %s", c.KeepAlive)
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return fallback
}
