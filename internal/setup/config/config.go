package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

var (
	ErrConfigFileNotFound    = errors.New("could not find config file in any config path")
	ErrConfigVersionMissing  = errors.New("config file is missing version field")
	ErrConfigVersionMismatch = errors.New("config file version mismatch")
	ErrNoCredentials         = errors.New("config file has no api credentials")
)

// RepositoryVersion is the repository version tag for config file references.
const RepositoryVersion = "v0.3.0"

// CurrentVersion is the current version of the config file.
const CurrentVersion = 1

// FileName is the name of the config file looked up in every search path.
const FileName = "config.toml"

// Config represents the entire application configuration.
type Config struct {
	// Version of the config file.
	Version    int        `koanf:"version"`
	Debug      Debug      `koanf:"debug"`
	Storage    Storage    `koanf:"storage"`
	API        API        `koanf:"api"`
	Retry      Retry      `koanf:"retry"`
	Session    Session    `koanf:"session"`
	Downloader Downloader `koanf:"downloader"`
	Redis      Redis      `koanf:"redis"`
	PostgreSQL PostgreSQL `koanf:"postgresql"`
}

// Debug contains logging configuration.
type Debug struct {
	// Log level (debug, info, warn, error).
	LogLevel string `koanf:"log_level"`
	// Maximum log sessions to keep.
	MaxLogsToKeep int `koanf:"max_logs_to_keep"`
	// Maximum lines per log file.
	MaxLogLines int `koanf:"max_log_lines"`
}

// Storage locates the files every command works on.
type Storage struct {
	// Directory holding the current batch file and the archive.
	StoreDir string `koanf:"store_dir"`
	// bbolt file holding the profile refresh schedule.
	ScheduleDB string `koanf:"schedule_db"`
	// SQLite file holding the tracked accounts.
	TrackedDB string `koanf:"tracked_db"`
	// CSV file holding deactivation observations.
	DeactivationsFile string `koanf:"deactivations_file"`
	// Directory receiving downloaded profile batches.
	ProfilesDir string `koanf:"profiles_dir"`
	// Base directory for log sessions.
	LogDir string `koanf:"log_dir"`
}

// API contains the API endpoint and credentials.
type API struct {
	// API root, empty for the public endpoint.
	BaseURL string `koanf:"base_url"`
	// Request timeout in milliseconds.
	RequestTimeout int `koanf:"request_timeout"`
	// Credentials available to sessions and downloaders.
	Credentials []Credential `koanf:"credentials"`
}

// Credential is one bearer token.
type Credential struct {
	// Name used for log files and worker status.
	Name string `koanf:"name"`
	// Token kind, "app" or "user".
	Kind string `koanf:"kind"`
	// Bearer token.
	Token string `koanf:"token"`
	// Account behind a user token.
	UserID uint64 `koanf:"user_id"`
}

// Retry contains backoff settings for transient API failures.
type Retry struct {
	// Maximum number of retries.
	MaxRetries uint64 `koanf:"max_retries"`
	// Initial delay between retries in milliseconds.
	Delay int `koanf:"delay"`
	// Maximum delay between retries in milliseconds.
	MaxDelay int `koanf:"max_delay"`
	// Maximum total time spent retrying in milliseconds.
	MaxElapsed int `koanf:"max_elapsed"`
}

// Session contains scraping loop settings.
type Session struct {
	// Refresh interval for accounts at or below MinFollowersCount.
	MinTargetAge time.Duration `koanf:"min_target_age"`
	// Refresh interval for accounts at or above MaxFollowersCount.
	MaxTargetAge time.Duration `koanf:"max_target_age"`
	// Follower count at which the target age starts growing.
	MinFollowersCount int `koanf:"min_followers_count"`
	// Follower count at which the target age stops growing.
	MaxFollowersCount int `koanf:"max_followers_count"`
	// How long an account that failed is skipped.
	FailureCooldown time.Duration `koanf:"failure_cooldown"`
	// Pause after every scrape.
	ScrapePause time.Duration `koanf:"scrape_pause"`
	// Sleep when no account is due.
	IdleInterval time.Duration `koanf:"idle_interval"`
	// Sleep after an unexpected error.
	ErrorInterval time.Duration `koanf:"error_interval"`
	// Extra wait after a rate limit reset.
	RateLimitBuffer time.Duration `koanf:"rate_limit_buffer"`
}

// Downloader contains profile refresh settings.
type Downloader struct {
	// Number of downloader loops per app credential.
	Workers int `koanf:"workers"`
	// Number of ids leased per batch.
	BatchSize int `koanf:"batch_size"`
	// Target age for ids enrolled without one.
	FallbackTargetAge time.Duration `koanf:"fallback_target_age"`
	IdleInterval      time.Duration `koanf:"idle_interval"`
	ErrorInterval     time.Duration `koanf:"error_interval"`
	RateLimitBuffer   time.Duration `koanf:"rate_limit_buffer"`
}

// Redis contains the status reporting connection. An empty host disables it.
type Redis struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

// Enabled reports whether a Redis server is configured.
func (r Redis) Enabled() bool {
	return r.Host != ""
}

// PostgreSQL contains the batch import database connection.
type PostgreSQL struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	DBName   string `koanf:"db_name"`
	// Maximum open connections.
	MaxOpenConns int `koanf:"max_open_conns"`
	// Maximum idle connections.
	MaxIdleConns int `koanf:"max_idle_conns"`
	// Maximum connection lifetime in minutes.
	MaxLifetime int `koanf:"max_lifetime"`
	// Maximum idle time in minutes.
	MaxIdleTime int `koanf:"max_idle_time"`
}

// SearchPaths returns the directories searched for the config file, in order.
func SearchPaths() ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	return []string{
		".followtrack",
		homeDir + "/.followtrack/config",
		"/etc/followtrack/config",
		"/app/config",
		"config",
		".",
	}, nil
}

// LoadConfig loads the configuration from the first search path holding a config file.
func LoadConfig() (*Config, string, error) {
	paths, err := SearchPaths()
	if err != nil {
		return nil, "", err
	}

	return LoadFrom(paths)
}

// LoadFrom loads the configuration from the first of paths holding a config file.
func LoadFrom(paths []string) (*Config, string, error) {
	k := koanf.New(".")

	var usedConfigPath string

	for _, path := range paths {
		configPath := fmt.Sprintf("%s/%s", path, FileName)
		if err := k.Load(file.Provider(configPath), toml.Parser()); err == nil {
			usedConfigPath = path
			break
		}
	}

	if usedConfigPath == "" {
		return nil, "", fmt.Errorf("%w: %s", ErrConfigFileNotFound, FileName)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, "", fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := checkConfigVersion(config.Version, CurrentVersion); err != nil {
		return nil, "", err
	}

	return &config, usedConfigPath, nil
}

// checkConfigVersion checks if the config file version is correct.
func checkConfigVersion(current, expected int) error {
	if current == 0 {
		return fmt.Errorf("%w: %s", ErrConfigVersionMissing, FileName)
	}

	if current != expected {
		return fmt.Errorf(
			"%w: %s (got: %d, expected: %d)\n"+
				"Please update your config file from: https://github.com/robalyx/followtrack/tree/%s/config/%s",
			ErrConfigVersionMismatch,
			FileName,
			current,
			expected,
			RepositoryVersion,
			FileName,
		)
	}

	return nil
}

// Timeout returns the API request timeout, defaulting to 30 seconds.
func (a API) Timeout() time.Duration {
	if a.RequestTimeout <= 0 {
		return 30 * time.Second
	}

	return time.Duration(a.RequestTimeout) * time.Millisecond
}
