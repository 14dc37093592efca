package storage

import (
	"fmt"
	"strconv"
	"time"
)

const (
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendSQLite   = "sqlite"
)

// Config defines fields used for choosing and connecting a MessageStore backend
type Config struct {
	Backend string `env:"STORE_BACKEND" envDefault:"postgres"`

	User     string `env:"POSTGRES_USER" envDefault:"postgres"`
	Password string `env:"POSTGRES_PASSWORD"`
	Host     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port     uint16 `env:"POSTGRES_PORT" envDefault:"5432"`
	DBName   string `env:"POSTGRES_DB" envDefault:"skyserver"`
	// MaxConns caps the insert/query pool, streaming subscriptions are not counted
	MaxConns int32  `env:"POSTGRES_MAX_CONNS" envDefault:"10"`
	LogLevel string `env:"POSTGRES_LOG_LEVEL" envDefault:"warn"`

	MongoURI      string `env:"MONGODB_URI" envDefault:"mongodb://localhost"`
	MongoDatabase string `env:"MONGODB_DATABASE" envDefault:"skyserver"`

	SQLitePath string `env:"SQLITE_PATH" envDefault:"chatrelay.db"`

	ConnectTimeout time.Duration `env:"STORE_CONNECT_TIMEOUT" envDefault:"30s"`
}

// DSN builds a keyword/value connection string for Postgres
func (c Config) DSN() string {
	return "user=" + c.User +
		" password=" + c.Password +
		" host=" + c.Host +
		" port=" + strconv.FormatUint(uint64(c.Port), 10) +
		" dbname=" + c.DBName +
		" sslmode=disable"
}

// Validate checks that Backend names a known backend
func (c Config) Validate() error {
	switch c.Backend {
	case BackendPostgres, BackendMongo, BackendSQLite:
		return nil
	default:
		return fmt.Errorf("unknown store backend %q", c.Backend)
	}
}
