// Package config reads process settings from TOMO_* environment variables.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Server holds the node's environment defaults; command-line flags override them.
type Server struct {
	Addr       string `env:"TOMO_ADDR" envDefault:":8080"`
	ConfigDir  string `env:"TOMO_CONFIGS" envDefault:"./configs"`
	DataDir    string `env:"TOMO_DATA" envDefault:"./data"`
	TuningPath string `env:"TOMO_TUNING"`
	DisableDB  bool   `env:"TOMO_DISABLE_DB" envDefault:"false"`

	// OracleSecret keys the local oracle's randomness. Empty means a random
	// secret per process.
	OracleSecret string `env:"TOMO_ORACLE_SECRET"`
	OracleQueue  int    `env:"TOMO_ORACLE_QUEUE" envDefault:"1024"`
	DeliverTries uint   `env:"TOMO_DELIVER_TRIES" envDefault:"5"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
