package httpserver

import "time"

const (
	defaultListenAddr     = ":8080"
	defaultRequestTimeout = 10 * time.Second
)

// Config controls the HTTP facade.
type Config struct {
	ListenAddr           string
	AllowedOrigins       []string
	WebhookSigningSecret string
	RequestTimeout       time.Duration
	HistoryLimit         int
}

func (cfg Config) withDefaults() Config {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	return cfg
}
