package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dl-alexandre/dbxsync/internal/utils"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the default config file inside the config directory
	ConfigFileName = "config.json"
	// YAMLConfigFileName is used instead when present
	YAMLConfigFileName = "config.yaml"
	// EnvPrefix is the prefix for environment variables
	EnvPrefix = "DBXSYNC_"

	maxWorkers = 64
)

// Config holds application configuration
type Config struct {
	Dropbox  DropboxConfig  `json:"dropbox" yaml:"dropbox"`
	Index    IndexConfig    `json:"index" yaml:"index"`
	Sync     SyncConfig     `json:"sync" yaml:"sync"`
	Download DownloadConfig `json:"download" yaml:"download"`

	// MaxRetries is the maximum number of retries for remote calls
	MaxRetries int `json:"maxRetries" yaml:"maxRetries"`

	// RetryBaseDelay is the base delay for exponential backoff in milliseconds
	RetryBaseDelay int `json:"retryBaseDelay" yaml:"retryBaseDelay"`

	// RequestTimeout is the per-request timeout in seconds
	RequestTimeout int `json:"requestTimeout" yaml:"requestTimeout"`

	// LogLevel sets the logging verbosity (quiet, normal, verbose, debug)
	LogLevel string `json:"logLevel" yaml:"logLevel"`

	// LogFile, when set, receives JSON log lines
	LogFile string `json:"logFile,omitempty" yaml:"logFile,omitempty"`

	// JournalPath is the SQLite run journal; empty uses the config dir
	JournalPath string `json:"journalPath,omitempty" yaml:"journalPath,omitempty"`

	// MetricsFile, when set, receives a Prometheus textfile after each run
	MetricsFile string `json:"metricsFile,omitempty" yaml:"metricsFile,omitempty"`

	// ColorOutput enables color console logs
	ColorOutput bool `json:"colorOutput" yaml:"colorOutput"`
}

// DropboxConfig describes the source account
type DropboxConfig struct {
	APIURL        string `json:"apiUrl" yaml:"apiUrl"`
	ContentURL    string `json:"contentUrl" yaml:"contentUrl"`
	AdminMemberID string `json:"adminMemberId" yaml:"adminMemberId"`
	// Token is normally kept in the keyring; this is a fallback
	Token        string `json:"token,omitempty" yaml:"token,omitempty"`
	AppKey       string `json:"appKey,omitempty" yaml:"appKey,omitempty"`
	AppSecret    string `json:"appSecret,omitempty" yaml:"appSecret,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty" yaml:"refreshToken,omitempty"`
}

// IndexConfig describes the search index sink
type IndexConfig struct {
	URL                string `json:"url" yaml:"url"`
	Name               string `json:"name" yaml:"name"`
	Username           string `json:"username,omitempty" yaml:"username,omitempty"`
	Password           string `json:"password,omitempty" yaml:"password,omitempty"`
	BatchSize          int    `json:"batchSize" yaml:"batchSize"`
	ScanPageSize       int    `json:"scanPageSize" yaml:"scanPageSize"`
	ScrollKeepAlive    string `json:"scrollKeepAlive" yaml:"scrollKeepAlive"`
	ScanRestarts       int    `json:"scanRestarts" yaml:"scanRestarts"`
	InsecureSkipVerify bool   `json:"insecureSkipVerify" yaml:"insecureSkipVerify"`
	Refresh            bool   `json:"refresh" yaml:"refresh"`
}

// SyncConfig controls the reconciliation run
type SyncConfig struct {
	Workers       int      `json:"workers" yaml:"workers"`
	FailurePolicy string   `json:"failurePolicy" yaml:"failurePolicy"`
	ReportFile    string   `json:"reportFile" yaml:"reportFile"`
	Stream        bool     `json:"stream" yaml:"stream"`
	Folders       []string `json:"folders,omitempty" yaml:"folders,omitempty"`
}

// DownloadConfig controls the content download command
type DownloadConfig struct {
	Folder  string   `json:"folder" yaml:"folder"`
	Root    string   `json:"root" yaml:"root"`
	Limit   int      `json:"limit" yaml:"limit"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Dropbox: DropboxConfig{
			APIURL:     utils.DefaultDropboxAPIURL,
			ContentURL: utils.DefaultDropboxContentURL,
		},
		Index: IndexConfig{
			URL:             "http://localhost:9200",
			Name:            utils.DefaultIndexName,
			BatchSize:       utils.DefaultBatchSize,
			ScanPageSize:    utils.DefaultScanPageSize,
			ScrollKeepAlive: utils.DefaultScrollKeepAlive,
			ScanRestarts:    utils.DefaultScanRestarts,
		},
		Sync: SyncConfig{
			Workers:       defaultWorkers(),
			FailurePolicy: utils.FailurePolicyFast,
			ReportFile:    utils.DefaultReportFile,
			Stream:        true,
		},
		Download: DownloadConfig{
			Folder: "/counter files",
			Root:   "counter-data",
		},
		MaxRetries:     utils.DefaultMaxRetries,
		RetryBaseDelay: utils.DefaultRetryDelayMs,
		RequestTimeout: 60,
		LogLevel:       "normal",
		ColorOutput:    true,
	}
}

// Load loads configuration with precedence: env vars > config file > defaults.
// CLI flags are applied on top by the caller. An empty path uses the config dir.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		var err error
		path, err = GetConfigPath()
		if err != nil {
			return nil, err
		}
	}

	if err := cfg.loadFromFile(path); err != nil {
		// A missing default config file is not an error
		if explicit || !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFile loads defaults and the file at path without environment
// overrides, for editing the file itself. A missing file yields defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.loadFromFile(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, c)
	default:
		return json.Unmarshal(data, c)
	}
}

func (c *Config) loadFromEnv() {
	setString := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(name string, dst *bool) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = parseBool(v)
		}
	}

	setString("DROPBOX_API_URL", &c.Dropbox.APIURL)
	setString("DROPBOX_CONTENT_URL", &c.Dropbox.ContentURL)
	setString("ADMIN_MEMBER_ID", &c.Dropbox.AdminMemberID)
	setString("DROPBOX_TOKEN", &c.Dropbox.Token)
	setString("DROPBOX_APP_KEY", &c.Dropbox.AppKey)
	setString("DROPBOX_APP_SECRET", &c.Dropbox.AppSecret)
	setString("DROPBOX_REFRESH_TOKEN", &c.Dropbox.RefreshToken)

	setString("INDEX_URL", &c.Index.URL)
	setString("INDEX_NAME", &c.Index.Name)
	setString("INDEX_USER", &c.Index.Username)
	setString("INDEX_PASSWORD", &c.Index.Password)
	setInt("BATCH_SIZE", &c.Index.BatchSize)
	setInt("SCAN_PAGE_SIZE", &c.Index.ScanPageSize)
	setString("SCROLL_KEEPALIVE", &c.Index.ScrollKeepAlive)
	setBool("INDEX_INSECURE", &c.Index.InsecureSkipVerify)

	setInt("WORKERS", &c.Sync.Workers)
	setString("FAILURE_POLICY", &c.Sync.FailurePolicy)
	setString("REPORT_FILE", &c.Sync.ReportFile)
	setBool("STREAM", &c.Sync.Stream)
	if v := os.Getenv(EnvPrefix + "FOLDERS"); v != "" {
		c.Sync.Folders = SplitList(v)
	}

	setString("DOWNLOAD_FOLDER", &c.Download.Folder)
	setString("DOWNLOAD_ROOT", &c.Download.Root)
	setInt("DOWNLOAD_LIMIT", &c.Download.Limit)
	if v := os.Getenv(EnvPrefix + "DOWNLOAD_EXCLUDE"); v != "" {
		c.Download.Exclude = SplitList(v)
	}

	setInt("MAX_RETRIES", &c.MaxRetries)
	setInt("RETRY_BASE_DELAY", &c.RetryBaseDelay)
	setInt("REQUEST_TIMEOUT", &c.RequestTimeout)
	setString("LOG_LEVEL", &c.LogLevel)
	setString("LOG_FILE", &c.LogFile)
	setString("JOURNAL_PATH", &c.JournalPath)
	setString("METRICS_FILE", &c.MetricsFile)
	setBool("COLOR_OUTPUT", &c.ColorOutput)
}

// Save writes the configuration, without secrets, to path
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	redacted := *c
	redacted.Dropbox.Token = ""
	redacted.Dropbox.RefreshToken = ""
	redacted.Dropbox.AppSecret = ""
	redacted.Index.Password = ""

	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(&redacted)
	default:
		data, err = json.MarshalIndent(&redacted, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Dropbox.APIURL == "" || c.Dropbox.ContentURL == "" {
		return fmt.Errorf("dropbox api and content URLs must be set")
	}

	if c.Index.URL == "" {
		return fmt.Errorf("index URL must be set")
	}
	if c.Index.Name == "" {
		return fmt.Errorf("index name must be set")
	}
	if c.Index.BatchSize < 1 || c.Index.BatchSize > utils.MaxBatchSize {
		return fmt.Errorf("batch size must be between 1 and %d, got: %d", utils.MaxBatchSize, c.Index.BatchSize)
	}
	if c.Index.ScanPageSize < 1 || c.Index.ScanPageSize > utils.MaxBatchSize {
		return fmt.Errorf("scan page size must be between 1 and %d, got: %d", utils.MaxBatchSize, c.Index.ScanPageSize)
	}
	if _, err := time.ParseDuration(c.Index.ScrollKeepAlive); err != nil {
		return fmt.Errorf("invalid scroll keepalive %q: %w", c.Index.ScrollKeepAlive, err)
	}
	if c.Index.ScanRestarts < 0 {
		return fmt.Errorf("scan restarts must be non-negative, got: %d", c.Index.ScanRestarts)
	}

	if c.Sync.Workers < 1 || c.Sync.Workers > maxWorkers {
		return fmt.Errorf("workers must be between 1 and %d, got: %d", maxWorkers, c.Sync.Workers)
	}
	if c.Sync.FailurePolicy != utils.FailurePolicyFast && c.Sync.FailurePolicy != utils.FailurePolicyPartial {
		return fmt.Errorf("invalid failure policy: %s (must be '%s' or '%s')", c.Sync.FailurePolicy, utils.FailurePolicyFast, utils.FailurePolicyPartial)
	}

	if c.Download.Limit < 0 {
		return fmt.Errorf("download limit must be non-negative, got: %d", c.Download.Limit)
	}

	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return fmt.Errorf("max retries must be between 0 and 10, got: %d", c.MaxRetries)
	}
	if c.RetryBaseDelay < 100 || c.RetryBaseDelay > 60000 {
		return fmt.Errorf("retry base delay must be between 100ms and 60000ms, got: %d", c.RetryBaseDelay)
	}
	if c.RequestTimeout < 1 || c.RequestTimeout > 3600 {
		return fmt.Errorf("request timeout must be between 1 and 3600 seconds, got: %d", c.RequestTimeout)
	}

	validLogLevels := []string{"quiet", "normal", "verbose", "debug"}
	isValid := false
	for _, level := range validLogLevels {
		if c.LogLevel == level {
			isValid = true
			break
		}
	}
	if !isValid {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}

// GetRetryBaseDelay returns the retry base delay as a duration
func (c *Config) GetRetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelay) * time.Millisecond
}

// GetRequestTimeout returns the request timeout as a duration
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// GetJournalPath returns the run journal location
func (c *Config) GetJournalPath() (string, error) {
	if c.JournalPath != "" {
		return c.JournalPath, nil
	}
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "journal.db"), nil
}

// GetConfigPath returns the default config file, preferring YAML when present
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	yamlPath := filepath.Join(configDir, YAMLConfigFileName)
	if _, err := os.Stat(yamlPath); err == nil {
		return yamlPath, nil
	}
	return filepath.Join(configDir, ConfigFileName), nil
}

// GetConfigDir returns the path to the config directory
func GetConfigDir() (string, error) {
	if dir := os.Getenv(EnvPrefix + "CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(homeDir, ".config", "dbxsync"), nil
}

// SplitList splits a comma-separated list, dropping blanks
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func defaultWorkers() int {
	n := runtime.NumCPU()
	if n > maxWorkers {
		n = maxWorkers
	}
	return n
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}
