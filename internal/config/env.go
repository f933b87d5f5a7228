package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override file values. Secrets usually live here
// rather than in the config file.
const (
	EnvTelegramToken   = "TELEGRAM_BOT_TOKEN"
	EnvDatabaseURL     = "DATABASE_URL"
	EnvOpenRouterModel = "OPENROUTER_MODEL"
)

// LoadDotEnv reads .env style files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// applyEnv overlays environment values onto cfg. DATABASE_URL switches the
// store to postgres when no driver was chosen explicitly.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get(EnvTelegramToken); ok {
		cfg.Telegram.Token = v
	}
	if v, ok := get(EnvDatabaseURL); ok {
		cfg.Storage.DSN = v
		if strings.TrimSpace(cfg.Storage.Driver) == "" {
			cfg.Storage.Driver = "postgres"
		}
	}
	if v, ok := get(EnvOpenRouterModel); ok {
		cfg.Agent.Model = v
	}
}
