// Package config collects ucpd's environment-sourced settings in one place,
// the way the reference corpus's manager command does for its own daemon.
package config

import (
	"context"

	"github.com/sethvargo/go-envconfig"
)

// Env is ucpd's complete environment-derived configuration. Every field has
// a default so the daemon starts cleanly with no environment set at all.
type Env struct {
	ListenAddr  string `env:"UCPD_LISTEN_ADDR,default=:9876"`
	MetricsAddr string `env:"UCPD_METRICS_ADDR,default="`
	LogLevel    string `env:"UCPD_LOG_LEVEL,default=info"`
	LocalWindow uint32 `env:"UCPD_LOCAL_WINDOW,default=512"`
}

// LoadEnv reads Env from the process environment.
func LoadEnv(ctx context.Context) (Env, error) {
	var env Env
	err := envconfig.Process(ctx, &env)
	return env, err
}
