package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

// Duration is a time.Duration that unmarshals from the usual
// "30s"/"5m" environment notation.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalEnvironmentValue(data string) error {
	parsed, err := time.ParseDuration(data)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", data, err)
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	SQLitePath     string   `env:"LEGACY_SYNC_SQLITE_PATH,default=legacy-sync.db"`
	PgDatabaseUrl  string   `env:"DATABASE_URL"`
	RemoteURL      string   `env:"LEGACY_SYNC_REMOTE_URL"`
	SyncInterval   Duration `env:"LEGACY_SYNC_INTERVAL,default=30s"`
	RequestTimeout Duration `env:"LEGACY_SYNC_REQUEST_TIMEOUT,default=30s"`
	BackoffMin     Duration `env:"LEGACY_SYNC_BACKOFF_MIN,default=1s"`
	BackoffMax     Duration `env:"LEGACY_SYNC_BACKOFF_MAX,default=60s"`
	MaxRetries     int      `env:"LEGACY_SYNC_MAX_RETRIES,default=5"`
	ConflictPolicy string   `env:"LEGACY_SYNC_CONFLICT_POLICY,default=client"`
	StartOnline    bool     `env:"LEGACY_SYNC_START_ONLINE,default=true"`
}

func NewConfig() (*Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
