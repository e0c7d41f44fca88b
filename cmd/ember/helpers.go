package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	ember "github.com/emberim/ember-go"
)

// cliLogger builds a console logger honoring the --verbose flag.
func cliLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

// requireConfig loads the config and checks the fields every command needs.
func requireConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.APIKey == "" {
		fmt.Fprintln(os.Stderr, "No API key. Run 'ember init <api-key>' first.")
		os.Exit(1)
	}
	if cfg.Default.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user id. Run 'ember config set default.user_id <id>' first.")
		os.Exit(1)
	}
	return cfg
}

// rowStore returns the persistence layer: the hosted backend, or a direct
// Postgres connection when --direct is set and a DSN is configured.
func rowStore(cfg *Config, direct bool) (ember.RowStore, error) {
	if direct {
		if cfg.Postgres.DSN == "" {
			return nil, fmt.Errorf("--direct requires 'ember config set postgres.dsn <dsn>'")
		}
		return ember.NewPGStore(cfg.Postgres.DSN)
	}
	return ember.NewBackend(cfg.Default.BaseURL, cfg.Default.APIKey,
		ember.WithBackendLogger(cliLogger())), nil
}

// renderMessage prints one message line for history and watch output.
func renderMessage(msg *ember.Message) {
	ts := msg.CreatedAt.Local().Format("15:04:05")
	switch {
	case msg.Tombstone():
		fmt.Printf("[%s] %s: (deleted)\n", ts, msg.AuthorID)
	case msg.ImageRef != "":
		fmt.Printf("[%s] %s: %s [image: %s]\n", ts, msg.AuthorID, msg.Content, msg.ImageRef)
	default:
		fmt.Printf("[%s] %s: %s\n", ts, msg.AuthorID, msg.Content)
	}
}
