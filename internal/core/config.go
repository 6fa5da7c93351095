package core

import (
	"time"
)

type Config struct {
	Catalog CatalogConfig
	Auth    AuthConfig
	Arbiter ArbiterConfig
	Users   UsersConfig
	Server  ServerConfig
	Session SessionConfig
	Log     LogConfig
}

type CatalogConfig struct {
	Provider      string
	ClientID      string
	ClientSecret  string
	PushChunkSize int
	RetryAttempts int
	RetryBackoff  time.Duration
}

type AuthConfig struct {
	CallbackPort int
	FlowTimeout  time.Duration
	AuthURL      string
	TokenURL     string
}

type ArbiterConfig struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
}

type UsersConfig struct {
	DBPath string
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type SessionConfig struct {
	MaxSeenTracks          int
	BloomFalsePositiveRate float64
	RequestsPerMinute      int
}

type LogConfig struct {
	Level  string
	Format string
}

func DefaultConfig() *Config {
	return &Config{
		Catalog: CatalogConfig{
			Provider:      "spotify",
			PushChunkSize: 100,
			RetryAttempts: 3,
			RetryBackoff:  500 * time.Millisecond,
		},
		Auth: AuthConfig{
			CallbackPort: 8888,
			FlowTimeout:  5 * time.Minute,
			AuthURL:      "https://accounts.spotify.com/authorize",
			TokenURL:     "https://accounts.spotify.com/api/token",
		},
		Arbiter: ArbiterConfig{
			Provider: "none",
			Timeout:  15 * time.Second,
		},
		Users: UsersConfig{
			DBPath: "./roomdj_users.db",
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Session: SessionConfig{
			MaxSeenTracks:          10000,
			BloomFalsePositiveRate: 0.001,
			RequestsPerMinute:      6,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
