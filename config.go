package main

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config is the process configuration. Flags default to environment values.
type Config struct {
	Addr               string
	DBPath             string
	JWTSecret          string
	CORSOrigin         string
	Dev                bool
	SeasonResetSpec    string // cron expression, empty disables
	AnalyticsRetention time.Duration
	Room               RoomConfig
}

// ParseConfig reads flags from args, falling back to the environment
func ParseConfig(args []string) (Config, error) {
	cfg := Config{Room: DefaultRoomConfig()}
	var retentionDays int

	fs := flag.NewFlagSet("duel-server", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", envString("ADDR", ":3001"), "HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db", envString("DB_PATH", "duel.db"), "SQLite database path")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", envString("JWT_SECRET", ""), "token signing secret (empty: generated and stored in the database)")
	fs.StringVar(&cfg.CORSOrigin, "cors-origin", envString("CORS_ORIGIN", "http://localhost:5173"), "allowed browser origin")
	fs.BoolVar(&cfg.Dev, "dev", envBool("DEV", false), "development logging")
	fs.StringVar(&cfg.SeasonResetSpec, "season-reset", envString("SEASON_RESET_SPEC", ""), "cron spec for the season rating reset")
	fs.IntVar(&retentionDays, "analytics-retention", envInt("ANALYTICS_RETENTION_DAYS", 90), "days of analytics events to keep (0 keeps everything)")
	fs.IntVar(&cfg.Room.MatchDuration, "match-duration", cfg.Room.MatchDuration, "match clock in seconds")
	fs.DurationVar(&cfg.Room.ArenaGrace, "arena-grace", cfg.Room.ArenaGrace, "start the clock after this long even if a client never loaded")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.AnalyticsRetention = time.Duration(retentionDays) * 24 * time.Hour
	return cfg, nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return def
}

func envInt(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return def
}
