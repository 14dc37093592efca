package stream

import (
	"time"

	"chatrelay/internal/feed"
)

// Config holds the relay tuning knobs, parsed from the environment
type Config struct {
	// WriteTimeout bounds a single frame write. A client that cannot take a frame in time is disconnected.
	WriteTimeout time.Duration `env:"STREAM_WRITE_TIMEOUT" envDefault:"10s"`
	// PingPeriod is the websocket keep-alive interval. Peers have 10/9 of it to answer.
	PingPeriod time.Duration `env:"STREAM_PING_PERIOD" envDefault:"54s"`
	// MaxResumes caps reconnect attempts after a feed drop
	MaxResumes int `env:"STREAM_MAX_RESUMES" envDefault:"3"`
	// ResumeBackoff is the first reconnect delay, doubled on every further attempt
	ResumeBackoff time.Duration `env:"STREAM_RESUME_BACKOFF" envDefault:"250ms"`
	DedupWindow   int           `env:"FEED_DEDUP_WINDOW" envDefault:"4096"`
}

// DefaultConfig returns the values used when the environment sets nothing
func DefaultConfig() Config {
	return Config{
		WriteTimeout:  10 * time.Second,
		PingPeriod:    54 * time.Second,
		MaxResumes:    3,
		ResumeBackoff: 250 * time.Millisecond,
		DedupWindow:   feed.DefaultWindow,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = d.PingPeriod
	}
	if c.MaxResumes < 0 {
		c.MaxResumes = 0
	}
	if c.ResumeBackoff <= 0 {
		c.ResumeBackoff = d.ResumeBackoff
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = d.DedupWindow
	}
	return c
}

func (c Config) pongWait() time.Duration {
	return c.PingPeriod * 10 / 9
}
