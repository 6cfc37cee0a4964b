package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const (
	StorageFirestore = "firestore"
	StorageMemory    = "memory"
)

type Config struct {
	Host     string `env:"HOST,default=0.0.0.0"`
	Port     int    `env:"PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=INFO"`

	StorageDriver     string `env:"STORAGE_DRIVER,default=firestore"`
	CredentialsFile   string `env:"GOOGLE_APPLICATION_CREDENTIALS"`
	FirebaseProjectId string `env:"FIREBASE_PROJECT_ID"`
	DatabaseUrl       string `env:"DATABASE_URL"`
	RedisUrl          string `env:"REDIS_URL"`
	AuthDisabled      bool   `env:"AUTH_DISABLED,default=false"`
	AllowedOrigins    string `env:"ALLOWED_ORIGINS,default=*"`

	AuthTimeout       time.Duration `env:"AUTH_TIMEOUT,default=5s"`
	EventTimeout      time.Duration `env:"EVENT_TIMEOUT,default=10s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT,default=30s"`
	CallRingTimeout   time.Duration `env:"CALL_RING_TIMEOUT,default=30s"`
	CallActiveTimeout time.Duration `env:"CALL_ACTIVE_TIMEOUT,default=1h"`
	CallSweepInterval time.Duration `env:"CALL_SWEEP_INTERVAL,default=1m"`
	CallRetention     time.Duration `env:"CALL_RETENTION,default=24h"`

	SearchLimit            int `env:"SEARCH_LIMIT,default=50"`
	HistoryLimit           int `env:"HISTORY_LIMIT,default=100"`
	SendBufferSize         int `env:"SEND_BUFFER_SIZE,default=256"`
	NotificationBufferSize int `env:"NOTIFICATION_BUFFER_SIZE,default=1024"`
}

// Load reads an optional .env file, then the process environment.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("loading env file: %w", err)
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageFirestore, StorageMemory:
	default:
		return fmt.Errorf("config error: unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config error: PORT %d out of range", c.Port)
	}
	if c.CallSweepInterval <= 0 {
		return errors.New("config error: CALL_SWEEP_INTERVAL must be positive")
	}
	return nil
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c Config) Origins() []string {
	return strings.Split(c.AllowedOrigins, ",")
}

// NewLogger returns a JSON logger writing to stdout at the given level name.
// Unknown names fall back to INFO.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
