package setup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/rueidis"
	"github.com/robalyx/followtrack/internal/age"
	"github.com/robalyx/followtrack/internal/deactivation"
	"github.com/robalyx/followtrack/internal/export/postgres"
	"github.com/robalyx/followtrack/internal/graph"
	"github.com/robalyx/followtrack/internal/session"
	"github.com/robalyx/followtrack/internal/setup/config"
	"github.com/robalyx/followtrack/internal/setup/telemetry"
	"github.com/robalyx/followtrack/internal/status"
	"github.com/robalyx/followtrack/internal/tracked"
	"github.com/robalyx/followtrack/internal/twitter"
	"github.com/robalyx/followtrack/pkg/utils"
	"go.uber.org/zap"
)

// App bundles the configuration, logging and the stores a command works on.
// Stores are opened on first use so that each command only pays for what it touches.
type App struct {
	Config       *config.Config     // Application configuration
	Logger       *zap.Logger        // Main application logger
	LogManager   *telemetry.Manager // Log management system
	StatusClient rueidis.Client     // Redis client for worker status reporting, nil when disabled

	mu       sync.Mutex
	store    *graph.Store
	schedule *age.Store
	registry *tracked.Registry
	ledger   *deactivation.File
	closers  []func() error
}

// InitializeApp loads the configuration and sets up logging and status reporting.
func InitializeApp(_ context.Context, serviceType telemetry.ServiceType) (*App, error) {
	cfg, configDir, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	return NewApp(cfg, configDir, serviceType)
}

// NewApp initializes an App from an already loaded configuration.
func NewApp(cfg *config.Config, configDir string, serviceType telemetry.ServiceType) (*App, error) {
	// Logging system is initialized first to capture setup issues
	logManager := telemetry.NewManager(serviceType, cfg.Storage.LogDir, &cfg.Debug)

	logger, err := logManager.GetLogger()
	if err != nil {
		return nil, err
	}

	logger.Info("Loaded config", zap.String("path", configDir))

	var statusClient rueidis.Client
	if cfg.Redis.Enabled() {
		statusClient, err = status.NewClient(status.ClientOptions{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
		})
		if err != nil {
			logManager.Stop()
			return nil, err
		}
	}

	return &App{
		Config:       cfg,
		Logger:       logger,
		LogManager:   logManager,
		StatusClient: statusClient,
	}, nil
}

// GraphStore opens the batch log on first use.
func (s *App) GraphStore() (*graph.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store != nil {
		return s.store, nil
	}

	store, err := graph.Open(s.Config.Storage.StoreDir, s.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open graph store: %w", err)
	}

	s.store = store
	s.closers = append(s.closers, store.Close)

	return store, nil
}

// Schedule opens the profile refresh schedule on first use.
func (s *App) Schedule() (*age.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule != nil {
		return s.schedule, nil
	}

	if err := ensureParent(s.Config.Storage.ScheduleDB); err != nil {
		return nil, err
	}

	schedule, err := age.Open(s.Config.Storage.ScheduleDB, s.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open schedule: %w", err)
	}

	s.schedule = schedule
	s.closers = append(s.closers, schedule.Close)

	return schedule, nil
}

// Registry opens the tracked-account registry on first use.
func (s *App) Registry() (*tracked.Registry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registry != nil {
		return s.registry, nil
	}

	if err := ensureParent(s.Config.Storage.TrackedDB); err != nil {
		return nil, err
	}

	registry, err := tracked.Open(s.Config.Storage.TrackedDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open tracked registry: %w", err)
	}

	s.registry = registry
	s.closers = append(s.closers, registry.Close)

	return registry, nil
}

// Ledger reads the deactivation log on first use.
func (s *App) Ledger() (*deactivation.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ledger != nil {
		return s.ledger, nil
	}

	if err := ensureParent(s.Config.Storage.DeactivationsFile); err != nil {
		return nil, err
	}

	ledger, err := deactivation.Open(s.Config.Storage.DeactivationsFile)
	if err != nil {
		return nil, err
	}

	s.ledger = ledger

	return ledger, nil
}

// Clients creates one API client per configured credential, keyed by name.
func (s *App) Clients() ([]NamedClient, error) {
	if len(s.Config.API.Credentials) == 0 {
		return nil, config.ErrNoCredentials
	}

	clients := make([]NamedClient, 0, len(s.Config.API.Credentials))

	for i, cred := range s.Config.API.Credentials {
		kind, err := twitter.ParseTokenKind(cred.Kind)
		if err != nil {
			return nil, fmt.Errorf("credential %d: %w", i, err)
		}

		name := cred.Name
		if name == "" {
			name = fmt.Sprintf("%s_%d", kind, i)
		}

		opts := []twitter.Option{
			twitter.WithHTTPClient(&http.Client{Timeout: s.Config.API.Timeout()}),
			twitter.WithRetryOptions(s.retryOptions()),
		}
		if s.Config.API.BaseURL != "" {
			opts = append(opts, twitter.WithBaseURL(s.Config.API.BaseURL))
		}

		clients = append(clients, NamedClient{
			Name: name,
			Client: twitter.NewClient(twitter.Credential{
				Kind:   kind,
				Token:  cred.Token,
				UserID: cred.UserID,
			}, s.Logger, opts...),
		})
	}

	return clients, nil
}

// NamedClient is an API client with the name of its credential.
type NamedClient struct {
	Name   string
	Client *twitter.Client
}

// retryOptions converts the retry section, falling back to the API defaults.
func (s *App) retryOptions() utils.RetryOptions {
	cfg := s.Config.Retry
	if cfg.MaxRetries == 0 {
		return utils.GetAPIRetryOptions()
	}

	return utils.RetryOptions{
		MaxElapsedTime:  time.Duration(cfg.MaxElapsed) * time.Millisecond,
		InitialInterval: time.Duration(cfg.Delay) * time.Millisecond,
		MaxInterval:     time.Duration(cfg.MaxDelay) * time.Millisecond,
		MaxRetries:      cfg.MaxRetries,
	}
}

// SessionConfig converts the session section.
func (s *App) SessionConfig() session.Config {
	cfg := s.Config.Session
	targetAge := session.DefaultTargetAgeConfig()

	if cfg.MinTargetAge > 0 {
		targetAge.MinTargetAge = cfg.MinTargetAge
	}

	if cfg.MaxTargetAge > 0 {
		targetAge.MaxTargetAge = cfg.MaxTargetAge
	}

	if cfg.MinFollowersCount > 0 {
		targetAge.MinFollowersCount = cfg.MinFollowersCount
	}

	if cfg.MaxFollowersCount > 0 {
		targetAge.MaxFollowersCount = cfg.MaxFollowersCount
	}

	return session.Config{
		TargetAge:       targetAge,
		FailureCooldown: cfg.FailureCooldown,
		ScrapePause:     cfg.ScrapePause,
		IdleInterval:    cfg.IdleInterval,
		ErrorInterval:   cfg.ErrorInterval,
		RateLimitBuffer: cfg.RateLimitBuffer,
	}
}

// PostgresConfig converts the postgresql section.
func (s *App) PostgresConfig() postgres.Config {
	cfg := s.Config.PostgreSQL

	return postgres.Config{
		Host:         cfg.Host,
		Port:         cfg.Port,
		User:         cfg.User,
		Password:     cfg.Password,
		DBName:       cfg.DBName,
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
		MaxLifetime:  time.Duration(cfg.MaxLifetime) * time.Minute,
		MaxIdleTime:  time.Duration(cfg.MaxIdleTime) * time.Minute,
	}
}

// Cleanup closes everything in reverse initialization order.
// Logs but does not fail on cleanup errors to ensure all components get cleanup attempts.
func (s *App) Cleanup() {
	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			s.Logger.Error("Failed to close store", zap.Error(err))
		}
	}

	// Sync buffered logs before shutdown
	if err := s.Logger.Sync(); err != nil && !errors.Is(err, os.ErrClosed) {
		log.Printf("Failed to sync logger: %v", err)
	}

	s.LogManager.Stop()

	// Close Redis last as workers might report a final status during cleanup
	if s.StatusClient != nil {
		s.StatusClient.Close()
	}
}

// ensureParent creates the directory that will hold path.
func ensureParent(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	return nil
}
