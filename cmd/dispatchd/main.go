package main

import (
	"os"
	"strings"
	"time"

	"github.com/dispatchhq/dispatchd/internal/config"
	"github.com/dispatchhq/dispatchd/internal/database"
	"github.com/dispatchhq/dispatchd/internal/handlers"
	"github.com/dispatchhq/dispatchd/internal/server"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

func main() {
	configDir := "."
	if len(os.Args) > 1 {
		configDir = os.Args[1]
	}
	if err := config.Load(configDir); err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("Failed to load config")
	}

	log := newLogger()

	dbm := database.NewManager(log)
	if err := dbm.Connect(); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	if err := dbm.Setup(); err != nil {
		log.Fatal().Err(err).Msg("Failed to set up database")
	}

	svc := handlers.NewService(handlers.Dependencies{DB: dbm.DB, Logger: log})
	srv := server.New(svc, log)

	addr := viper.GetString("http.addr")
	log.Info().Str("addr", addr).Msg("Listening")
	if err := srv.Router().Run(addr); err != nil {
		log.Fatal().Err(err).Msg("Server exited")
	}
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(viper.GetString("logLevel")))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out = os.Stdout
	log := zerolog.New(out).Level(level).With().Timestamp().Logger()
	if viper.GetBool("logPretty") {
		log = log.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}
	return log
}
