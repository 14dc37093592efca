package server

import (
	"net/http"
	"strconv"
	"time"
)

type Option interface {
	apply(*config)
}

type optionFunc func(c *config)

func (f optionFunc) apply(c *config) { f(c) }

// config defines fields used for configuring Server instance
type config struct {
	httpServer      *http.Server
	requestTimeout  time.Duration
	timeoutMessage  string
	shutdownTimeout time.Duration
	afterShutdown   []func()
}

// EnvConfig defines fields used for parsing from environment variables
type EnvConfig struct {
	Host            string        `env:"HOST" envDefault:"0.0.0.0"`
	Port            uint16        `env:"PORT" envDefault:"9000"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Addr returns the listen address in host:port form
func (cfg EnvConfig) Addr() string {
	return cfg.Host + ":" + strconv.FormatUint(uint64(cfg.Port), 10)
}

// WithEnvConfig enables processing exported EnvConfig struct to acts as a source of config parameters for http.Server
func WithEnvConfig(cfg EnvConfig) Option {
	return optionFunc(func(c *config) {
		c.httpServer.Addr = cfg.Addr()
		if cfg.ReadTimeout > 0 {
			c.httpServer.ReadTimeout = cfg.ReadTimeout
		}
		if cfg.ShutdownTimeout > 0 {
			c.shutdownTimeout = cfg.ShutdownTimeout
		}
	})
}

// ReadTimeout sets read timeout for http.Server.
// There is no write timeout option: streams set their own per frame deadlines.
func ReadTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.httpServer.ReadTimeout = d
	})
}

// ShutdownTimeout bounds the graceful shutdown of streams and http.Server
func ShutdownTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.shutdownTimeout = d
	})
}

// RequestTimeout wraps every non-streaming handler in http.TimeoutHandler with provided duration and message
func RequestTimeout(d time.Duration, msg string) Option {
	return optionFunc(func(c *config) {
		c.requestTimeout = d
		c.timeoutMessage = msg
	})
}

// RegisterAfterShutdown registers a function to call after http.Server shutdown
// f will not be called in separated goroutine
func RegisterAfterShutdown(f func()) Option {
	return optionFunc(func(c *config) {
		c.afterShutdown = append(c.afterShutdown, f)
	})
}
