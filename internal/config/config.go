package config

import (
	"time"

	"github.com/caarlos0/env/v6"
	_ "github.com/joho/godotenv/autoload"
	"github.com/pkg/errors"
)

type Config struct {
	Port      int    `env:"PORT" envDefault:"3000"`
	AppEnv    string `env:"APP_ENV" envDefault:"local"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// AdminUserID is the identity granted the administrator role on first contact.
	AdminUserID string `env:"ADMIN_USER_ID" envDefault:"ADMIN_123"`

	NATSURL string `env:"NATS_URL" envDefault:""`

	Game     Game
	Database Database
	Redis    Redis
}

type Game struct {
	TickInterval       time.Duration `env:"GAME_TICK_INTERVAL" envDefault:"100ms"`
	RiseRate           float64       `env:"GAME_RISE_RATE" envDefault:"0.1"`
	Countdown          time.Duration `env:"GAME_COUNTDOWN" envDefault:"20s"`
	FirstRoundDelay    time.Duration `env:"GAME_FIRST_ROUND_DELAY" envDefault:"5s"`
	HistorySize        int           `env:"GAME_HISTORY_SIZE" envDefault:"10"`
	TrustClientCashout bool          `env:"GAME_TRUST_CLIENT_CASHOUT" envDefault:"false"`
	MinBet             float64       `env:"GAME_MIN_BET" envDefault:"0.01"`
	MaxBet             float64       `env:"GAME_MAX_BET" envDefault:"1000000"`
}

type Database struct {
	Host           string `env:"BLUEPRINT_DB_HOST" envDefault:""`
	Port           string `env:"BLUEPRINT_DB_PORT" envDefault:"5432"`
	Name           string `env:"BLUEPRINT_DB_DATABASE" envDefault:"crashdb"`
	Username       string `env:"BLUEPRINT_DB_USERNAME" envDefault:"postgres"`
	Password       string `env:"BLUEPRINT_DB_PASSWORD" envDefault:"postgres"`
	Schema         string `env:"BLUEPRINT_DB_SCHEMA" envDefault:"public"`
	MigrationsPath string `env:"MIGRATIONS_PATH" envDefault:"./internal/database/migrations"`
}

type Redis struct {
	Addr     string `env:"REDIS_URL" envDefault:""`
	Password string `env:"REDIS_PASSWORD" envDefault:""`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// Enabled reports whether a database host was configured.
func (d Database) Enabled() bool {
	return d.Host != ""
}

func (d Database) URL() string {
	return "postgres://" + d.Username + ":" + d.Password + "@" + d.Host + ":" + d.Port + "/" + d.Name +
		"?sslmode=disable&search_path=" + d.Schema
}

func (r Redis) Enabled() bool {
	return r.Addr != ""
}

func Load() (*Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, errors.Wrap(err, "config parse failed")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	g := c.Game
	switch {
	case g.TickInterval <= 0:
		return errors.New("GAME_TICK_INTERVAL must be positive")
	case g.Countdown <= 0:
		return errors.New("GAME_COUNTDOWN must be positive")
	case g.FirstRoundDelay < 0:
		return errors.New("GAME_FIRST_ROUND_DELAY must not be negative")
	case g.RiseRate <= 0:
		return errors.New("GAME_RISE_RATE must be positive")
	case g.HistorySize <= 0:
		return errors.New("GAME_HISTORY_SIZE must be positive")
	case g.MinBet <= 0 || g.MinBet > g.MaxBet:
		return errors.Errorf("invalid bet limits: min %.2f max %.2f", g.MinBet, g.MaxBet)
	}
	return nil
}
